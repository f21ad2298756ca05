package credentials

import (
	"fmt"
	"os"
	"strings"
)

// EnvVarNames returns the environment variables holding the seed tokens of a
// namespace, e.g. KOPERASI_TENANT_ACCESS_TOKEN.
func EnvVarNames(namespace string) (access, refresh string) {
	prefix := "KOPERASI_" + strings.ToUpper(strings.ReplaceAll(namespace, "-", "_"))
	return prefix + "_ACCESS_TOKEN", prefix + "_REFRESH_TOKEN"
}

// NewEnvStore creates an in-memory store seeded from environment variables.
// Refreshed pairs live only as long as the process.
func NewEnvStore(namespace string) (*MemoryStore, error) {
	accessVar, refreshVar := EnvVarNames(namespace)
	store := NewMemoryStore()

	pair := TokenPair{
		AccessToken:  os.Getenv(accessVar),
		RefreshToken: os.Getenv(refreshVar),
	}
	if pair.Empty() {
		return store, nil
	}
	if pair.AccessToken == "" {
		return nil, fmt.Errorf("%s is set but %s is empty", refreshVar, accessVar)
	}
	store.pair = pair
	return store, nil
}
