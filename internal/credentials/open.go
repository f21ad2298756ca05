package credentials

import (
	"fmt"

	"github.com/rs/zerolog"
)

const (
	StoreMemory   = "memory"
	StoreEnv      = "env"
	StoreFS       = "fs"
	StoreRedis    = "redis"
	StoreKeychain = "keychain"
	StoreKV       = "kv"
)

// StoreTypes lists every accepted store type.
var StoreTypes = []string{StoreMemory, StoreEnv, StoreFS, StoreRedis, StoreKeychain, StoreKV}

// Options selects and configures a token store backend.
type Options struct {
	Type string
	// Dir is the directory of file-backed stores. Defaults to DefaultStoreDir.
	Dir string
	// Redis is required for the redis store.
	Redis       RedisClient
	RedisPrefix string
}

// Open builds the token store of one session namespace.
func Open(opts Options, namespace string, logger zerolog.Logger) (TokenStore, error) {
	if namespace == "" {
		return nil, fmt.Errorf("token store namespace must not be empty")
	}

	var (
		store TokenStore
		err   error
	)
	switch opts.Type {
	case StoreMemory:
		store = NewMemoryStore()
	case StoreEnv:
		store, err = NewEnvStore(namespace)
	case "", StoreFS:
		dir := opts.Dir
		if dir == "" {
			dir = DefaultStoreDir()
		}
		if dir == "" {
			return nil, fmt.Errorf("cannot determine token directory, set store.dir")
		}
		fs := NewFSStore(dir, namespace)
		logger.Debug().Str("path", fs.Path).Msg("Using file token store")
		store = fs
	case StoreRedis:
		if opts.Redis == nil {
			return nil, fmt.Errorf("redis token store requires a redis client")
		}
		store = NewRedisStore(opts.Redis, opts.RedisPrefix, namespace)
	case StoreKeychain:
		store = NewKeychainStore(namespace)
	case StoreKV:
		store, err = openPlatformStore(namespace)
	default:
		return nil, fmt.Errorf("unknown token store type %q", opts.Type)
	}
	if err != nil {
		return nil, err
	}

	logger.Debug().
		Str("store", opts.Type).
		Str("namespace", namespace).
		Msg("Token store opened")
	return store, nil
}
