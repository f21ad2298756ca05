//go:build js && wasm

package main

import (
	"bytes"
	"context"
	_ "embed"
	"os"

	"github.com/syumai/workers"

	"github.com/dvcrn/koperasi-client/internal/app"
	"github.com/dvcrn/koperasi-client/internal/config"
	"github.com/dvcrn/koperasi-client/internal/credentials"
	"github.com/dvcrn/koperasi-client/internal/logger"
)

// Workers have neither a filesystem nor process environment, so the
// configuration is compiled in. Edit koperasi.yaml before deploying.
//
//go:embed koperasi.yaml
var configYAML []byte

func main() {
	cfg, err := config.LoadReader(bytes.NewReader(configYAML))
	if err != nil {
		log := logger.NewProduction(os.Stderr)
		log.Fatal().Err(err).Msg("Invalid embedded configuration")
	}
	cfg.Store.Type = credentials.StoreKV

	log := logger.New(cfg.Env, cfg.LogLevel)
	log.Info().
		Str("backend", cfg.Backend.BaseURL.String()).
		Str("kv_binding", credentials.KVBinding).
		Msg("Using Cloudflare KV token store")

	a, err := app.New(context.Background(), cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}

	workers.Serve(a.NewServer())
}
