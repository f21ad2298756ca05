package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dvcrn/koperasi-client/internal/apiclient"
	"github.com/dvcrn/koperasi-client/internal/auth"
)

func runLogin(args []string) error {
	fs, g := newFlagSet("login")
	email := fs.String("email", "", "Account email or username")
	password := fs.String("password", "", "Account password (default: KOPERASI_PASSWORD, then stdin)")
	data := fs.String("data", "", "Raw JSON login body, overrides -email and -password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	e, err := setup(ctx, g)
	if err != nil {
		return err
	}
	defer e.close()

	client, err := e.app.Client(g.profile)
	if err != nil {
		return err
	}

	var body any
	if *data != "" {
		if !json.Valid([]byte(*data)) {
			return fmt.Errorf("-data is not valid JSON")
		}
		body = json.RawMessage(*data)
	} else {
		if *email == "" {
			return fmt.Errorf("-email is required")
		}
		pw := *password
		if pw == "" {
			pw = os.Getenv("KOPERASI_PASSWORD")
		}
		if pw == "" {
			pw, err = readLine(os.Stdin, "Password: ")
			if err != nil {
				return err
			}
		}
		body = map[string]string{"email": *email, "password": pw}
	}

	pair, err := client.Login(ctx, body)
	if err != nil {
		return err
	}

	fmt.Printf("Logged in as %s profile, access token %s", g.profile, auth.Preview(pair.AccessToken))
	if expiresAt, ok := auth.TokenExpiry(pair.AccessToken); ok {
		fmt.Printf(", expires in %s", time.Until(expiresAt).Round(time.Second))
	}
	fmt.Println()
	return nil
}

func readLine(r io.Reader, prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runLogout(args []string) error {
	fs, g := newFlagSet("logout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	e, err := setup(ctx, g)
	if err != nil {
		return err
	}
	defer e.close()

	client, err := e.app.Client(g.profile)
	if err != nil {
		return err
	}
	if err := client.Logout(ctx); err != nil {
		return err
	}
	fmt.Printf("Logged out of %s profile\n", g.profile)
	return nil
}

func runStatus(args []string) error {
	fs, g := newFlagSet("status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	e, err := setup(ctx, g)
	if err != nil {
		return err
	}
	defer e.close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROFILE\tACCESS TOKEN\tREFRESH TOKEN\tEXPIRES")
	for _, name := range e.app.Profiles() {
		client, err := e.app.Client(name)
		if err != nil {
			return err
		}
		access, err := client.Store().GetAccessToken(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		refresh, err := client.Store().GetRefreshToken(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, orNone(auth.Preview(access)), orNone(auth.Preview(refresh)), describeExpiry(access))
	}
	return tw.Flush()
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func describeExpiry(token string) string {
	if token == "" {
		return "-"
	}
	expiresAt, ok := auth.TokenExpiry(token)
	if !ok {
		return "unknown"
	}
	left := time.Until(expiresAt).Round(time.Second)
	if left <= 0 {
		return fmt.Sprintf("expired %s ago", -left)
	}
	return "in " + left.String()
}

// headerFlags collects repeated -H "Name: value" flags.
type headerFlags http.Header

func (h headerFlags) String() string {
	return fmt.Sprint(http.Header(h))
}

func (h headerFlags) Set(value string) error {
	name, v, ok := strings.Cut(value, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("header must look like \"Name: value\", got %q", value)
	}
	http.Header(h).Add(strings.TrimSpace(name), strings.TrimSpace(v))
	return nil
}

func runRequest(args []string) error {
	fs, g := newFlagSet("request")
	data := fs.String("d", "", "Request body; @file reads it from a file, @- from stdin")
	contentType := fs.String("content-type", "application/json", "Content type of -d")
	public := fs.Bool("public", false, "Send without credentials")
	headers := headerFlags{}
	fs.Var(headers, "H", "Extra header \"Name: value\", repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: koperasi request [flags] METHOD PATH")
	}

	ctx := context.Background()
	e, err := setup(ctx, g)
	if err != nil {
		return err
	}
	defer e.close()

	client, err := e.app.Client(g.profile)
	if err != nil {
		return err
	}

	d := apiclient.Descriptor{
		Method: strings.ToUpper(fs.Arg(0)),
		Path:   fs.Arg(1),
		Header: http.Header(headers),
		Public: *public,
	}
	if *data != "" {
		payload, err := readData(*data)
		if err != nil {
			return err
		}
		d.Body = apiclient.RawBody{ContentType: *contentType, Data: payload}
	}

	resp, err := client.Request(ctx, d)
	if err != nil {
		var apiErr *apiclient.Error
		if errors.As(err, &apiErr) && len(apiErr.Body) > 0 {
			os.Stdout.Write(apiErr.Body)
			fmt.Println()
		}
		return err
	}
	os.Stdout.Write(resp.Body)
	if len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func readData(arg string) ([]byte, error) {
	if !strings.HasPrefix(arg, "@") {
		return []byte(arg), nil
	}
	if arg == "@-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(arg[1:])
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return data, nil
}

type fetchResult struct {
	Path   string          `json:"path"`
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
	Text   string          `json:"text,omitempty"`
}

func runFetch(args []string) error {
	fs, g := newFlagSet("fetch")
	concurrency := fs.Int("concurrency", 4, "Maximum requests in flight")
	if err := fs.Parse(args); err != nil {
		return err
	}
	paths := fs.Args()
	if len(paths) == 0 {
		return fmt.Errorf("usage: koperasi fetch [flags] PATH...")
	}

	ctx := context.Background()
	e, err := setup(ctx, g)
	if err != nil {
		return err
	}
	defer e.close()

	client, err := e.app.Client(g.profile)
	if err != nil {
		return err
	}

	results, err := fetchAll(ctx, client, paths, *concurrency)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

type getter interface {
	Get(ctx context.Context, path string) (*apiclient.Response, error)
}

// fetchAll GETs every path with at most limit requests in flight. The first
// failure cancels the rest. Results keep the order of paths.
func fetchAll(ctx context.Context, client getter, paths []string, limit int) ([]fetchResult, error) {
	results := make([]fetchResult, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, path := range paths {
		g.Go(func() error {
			resp, err := client.Get(ctx, path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			results[i] = fetchResult{Path: path, Status: resp.StatusCode}
			if json.Valid(resp.Body) {
				results[i].Body = resp.Body
			} else {
				results[i].Text = string(resp.Body)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func runServe(args []string) error {
	fs, g := newFlagSet("serve")
	addr := fs.String("addr", "", "Listen address (default: proxy.host:proxy.port)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, g)
	if err != nil {
		return err
	}
	defer e.close()

	validateSessionsAtStartup(ctx, e)

	if e.cfg.Refresh.Proactive.Enabled {
		r, err := e.app.NewRefresher()
		if err != nil {
			return err
		}
		scheduler, err := r.Scheduler()
		if err != nil {
			return err
		}
		scheduler.StartAsync()
		defer scheduler.Stop()
		e.log.Info().
			Dur("interval", e.cfg.Refresh.Proactive.Interval).
			Dur("margin", e.cfg.Refresh.Proactive.Margin).
			Msg("Proactive token refresh enabled")
	}

	listen := *addr
	if listen == "" {
		listen = e.cfg.Proxy.Addr()
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           e.app.NewServer(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.log.Info().Str("addr", listen).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	e.log.Info().Msg("Received signal to shut down the server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down the server gracefully failed: %w", err)
	}
	return nil
}

func validateSessionsAtStartup(ctx context.Context, e *env) {
	for _, name := range e.app.Profiles() {
		client, err := e.app.Client(name)
		if err != nil {
			continue
		}
		log := e.log.With().Str("profile", name).Logger()

		access, err := client.Store().GetAccessToken(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to read stored session")
			continue
		}
		if access == "" {
			log.Warn().Msg("No stored session, log in or POST /admin/" + name + "/tokens")
			continue
		}

		expiresAt, ok := auth.TokenExpiry(access)
		if !ok {
			log.Info().Msg("Session loaded, token expiry unknown")
			continue
		}
		minutesUntilExpiry := int64(time.Until(expiresAt) / time.Minute)
		switch {
		case minutesUntilExpiry <= 0:
			log.Warn().
				Int64("minutes_expired", -minutesUntilExpiry).
				Msg("Access token is already expired, will refresh on first request")
		case time.Until(expiresAt) <= e.cfg.Refresh.Proactive.Margin:
			log.Warn().
				Int64("minutes_until_expiry", minutesUntilExpiry).
				Msg("Access token expires soon, will refresh shortly")
		default:
			log.Info().
				Int64("minutes_until_expiry", minutesUntilExpiry).
				Msg("Access token is valid")
		}
	}
}
