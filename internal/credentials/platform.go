//go:build !js || !wasm

package credentials

import "fmt"

func openPlatformStore(string) (TokenStore, error) {
	return nil, fmt.Errorf("store type %q is only available in the workers build", StoreKV)
}
