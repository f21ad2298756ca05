//go:build js && wasm

package credentials

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syumai/workers/cloudflare/kv"
)

// KVBinding is the KV namespace binding configured in wrangler.toml.
const KVBinding = "koperasi_tokens"

// KVStore keeps the token pair of one namespace in Cloudflare KV.
type KVStore struct {
	kvStore *kv.Namespace
	key     string
}

func NewKVStore(namespace string) (*KVStore, error) {
	kvStore, err := kv.NewNamespace(KVBinding)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize KV namespace: %w", err)
	}
	return &KVStore{kvStore: kvStore, key: namespace + "_tokens"}, nil
}

func (c *KVStore) GetAccessToken(context.Context) (string, error) {
	pair, err := c.load()
	if err != nil {
		return "", err
	}
	return pair.AccessToken, nil
}

func (c *KVStore) GetRefreshToken(context.Context) (string, error) {
	pair, err := c.load()
	if err != nil {
		return "", err
	}
	return pair.RefreshToken, nil
}

func (c *KVStore) SetTokens(_ context.Context, pair TokenPair) error {
	if err := validatePair(pair); err != nil {
		return err
	}
	payload, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}
	if err := c.kvStore.PutString(c.key, string(payload), nil); err != nil {
		return fmt.Errorf("failed to store tokens in KV: %w", err)
	}
	return nil
}

// ClearTokens overwrites the entry with an empty value, which load treats as absent.
func (c *KVStore) ClearTokens(context.Context) error {
	if err := c.kvStore.PutString(c.key, "", nil); err != nil {
		return fmt.Errorf("failed to clear tokens in KV: %w", err)
	}
	return nil
}

func (c *KVStore) load() (TokenPair, error) {
	raw, err := c.kvStore.GetString(c.key, nil)
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to get tokens from KV: %w", err)
	}
	if raw == "" {
		return TokenPair{}, nil
	}
	var pair TokenPair
	if err := json.Unmarshal([]byte(raw), &pair); err != nil {
		return TokenPair{}, fmt.Errorf("failed to parse tokens JSON: %w", err)
	}
	return pair, nil
}

func openPlatformStore(namespace string) (TokenStore, error) {
	return NewKVStore(namespace)
}
