package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/dvcrn/koperasi-client/internal/apiclient"
	"github.com/dvcrn/koperasi-client/internal/app"
	"github.com/dvcrn/koperasi-client/internal/config"
	"github.com/dvcrn/koperasi-client/internal/logger"
)

const usage = `koperasi talks to the koperasi backend with a stored, auto-refreshing session.

Usage:
  koperasi <command> [flags] [args]

Commands:
  login     log in and store the issued token pair
  logout    forget the stored token pair
  status    show the stored session of every profile
  request   send one request: request [flags] METHOD PATH
  fetch     GET several paths concurrently: fetch [flags] PATH...
  serve     run the local authenticated proxy

Run "koperasi <command> -h" for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	commands := map[string]func(args []string) error{
		"login":   runLogin,
		"logout":  runLogout,
		"status":  runStatus,
		"request": runRequest,
		"fetch":   runFetch,
		"serve":   runServe,
	}

	name, args := os.Args[1], os.Args[2:]
	if name == "-h" || name == "--help" || name == "help" {
		fmt.Fprint(os.Stdout, usage)
		return
	}
	run, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		os.Exit(2)
	}

	if err := run(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		if apiclient.IsSessionExpired(err) {
			fmt.Fprintln(os.Stderr, "the session has expired, run: koperasi login")
		}
		os.Exit(1)
	}
}

// globalFlags are accepted by every command.
type globalFlags struct {
	configPath string
	profile    string
}

func newFlagSet(name string) (*flag.FlagSet, *globalFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	g := &globalFlags{}
	fs.StringVar(&g.configPath, "config", "", "Path to koperasi.yaml (default: KOPERASI_CONFIG, ./koperasi.yaml, XDG config dir)")
	fs.StringVar(&g.profile, "profile", config.ProfileTenant, "Session profile to use")
	return fs, g
}

// env is what every command runs against.
type env struct {
	cfg config.Config
	log zerolog.Logger
	app *app.App
}

func setup(ctx context.Context, g *globalFlags) (*env, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.Env, cfg.LogLevel)

	var options []app.Option
	if cfg.Sentry.Enabled() {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.Dsn.Value(),
			Environment:      cfg.Sentry.Environment,
			TracesSampleRate: cfg.Sentry.SampleRate,
		})
		if err != nil {
			log.Error().Err(err).Msg("Sentry initialization failed")
		} else {
			options = append(options, app.WithSessionExpiredHook(reportSessionExpired))
		}
	}

	a, err := app.New(ctx, cfg, log, options...)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, app: a}, nil
}

func (e *env) close() {
	if e.cfg.Sentry.Enabled() {
		sentry.Flush(2 * time.Second)
	}
	if err := e.app.Close(); err != nil {
		e.log.Warn().Err(err).Msg("Failed to close")
	}
}

func reportSessionExpired(profile string, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("profile", profile)
		sentry.CaptureException(err)
	})
}
