// Package apiclient is the authenticated client of the koperasi backend. It
// attaches bearer tokens, and on a 401 performs a single coordinated token
// refresh while other failing calls wait in a FIFO queue to be replayed.
package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvcrn/koperasi-client/internal/auth"
	"github.com/dvcrn/koperasi-client/internal/credentials"
)

const (
	DefaultRefreshTimeout = 15 * time.Second
	RequestIDHeader       = "X-Request-Id"
)

type Options struct {
	BaseURL    string
	Profile    Profile
	Store      credentials.TokenStore
	HTTPClient HTTPClient
	Logger     zerolog.Logger
	// RefreshTimeout bounds one refresh call. A refresh that runs out of
	// time fails like a rejected one.
	RefreshTimeout time.Duration
	// OnSessionExpired is called after a failed refresh has settled every
	// waiting call.
	OnSessionExpired func(err error)
}

type Client struct {
	baseURL          string
	profile          Profile
	store            credentials.TokenStore
	httpClient       HTTPClient
	logger           zerolog.Logger
	refreshTimeout   time.Duration
	onSessionExpired func(err error)

	// storeMu serializes writes of the stored pair by SetTokens, Logout and
	// the end of a refresh.
	storeMu sync.Mutex

	mu         sync.Mutex
	refreshing bool
	queue      []*pendingRequest
	// generation counts completed refreshes and pair changes. A 401 for a
	// request sent under an older generation is replayed instead of
	// refreshed again.
	generation uint64
	lastErr    error
	cycle      *refreshCycle
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL must be set")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("token store must be set")
	}
	if opts.Profile.RefreshPath == "" {
		return nil, fmt.Errorf("profile %q has no refresh path", opts.Profile.Name)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = NewHTTPClient(0)
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}

	return &Client{
		baseURL:          strings.TrimRight(opts.BaseURL, "/"),
		profile:          opts.Profile,
		store:            opts.Store,
		httpClient:       opts.HTTPClient,
		logger:           opts.Logger.With().Str("profile", opts.Profile.Name).Logger(),
		refreshTimeout:   opts.RefreshTimeout,
		onSessionExpired: opts.OnSessionExpired,
	}, nil
}

func (c *Client) Profile() Profile {
	return c.profile
}

func (c *Client) Store() credentials.TokenStore {
	return c.store
}

// Request sends d and returns the response for any 2xx or 3xx status. Other
// statuses, transport failures and a cancelled wait for a refresh are
// returned as *Error.
func (c *Client) Request(ctx context.Context, d Descriptor) (*Response, error) {
	if d.Method == "" {
		d.Method = http.MethodGet
	}

	sentGen := c.currentGeneration()
	resp, err := c.send(ctx, d)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return c.result(d, resp)
	}
	if c.isPublic(d) || c.profile.IsRefresh(d.Path) {
		return nil, newStatusError(KindHTTP, d, resp)
	}
	return c.recover(ctx, d, sentGen)
}

func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Request(ctx, Descriptor{Method: http.MethodGet, Path: path})
}

func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Request(ctx, Descriptor{Method: http.MethodPost, Path: path, Body: body})
}

func (c *Client) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return c.Request(ctx, Descriptor{Method: http.MethodPatch, Path: path, Body: body})
}

func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.Request(ctx, Descriptor{Method: http.MethodPut, Path: path, Body: body})
}

func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Request(ctx, Descriptor{Method: http.MethodDelete, Path: path})
}

// Login posts credentials to the login endpoint and stores the issued pair.
func (c *Client) Login(ctx context.Context, body any) (credentials.TokenPair, error) {
	if c.profile.LoginPath == "" {
		return credentials.TokenPair{}, fmt.Errorf("profile %q has no login path", c.profile.Name)
	}

	resp, err := c.Request(ctx, Descriptor{
		Method: http.MethodPost,
		Path:   c.profile.LoginPath,
		Body:   body,
		Public: true,
	})
	if err != nil {
		return credentials.TokenPair{}, err
	}

	pair, err := auth.DecodeTokenPair(resp.Body)
	if err != nil {
		return credentials.TokenPair{}, fmt.Errorf("failed to read login response: %w", err)
	}
	if err := c.SetTokens(ctx, pair); err != nil {
		return credentials.TokenPair{}, err
	}

	c.logger.Info().
		Str("access_token", auth.Preview(pair.AccessToken)).
		Msg("Logged in")
	return pair, nil
}

// SetTokens stores a pair obtained outside of Login, for example one pasted
// into the admin endpoint.
// A refresh running at the same time leaves the new pair in place.
func (c *Client) SetTokens(ctx context.Context, pair credentials.TokenPair) error {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	if err := c.store.SetTokens(ctx, pair); err != nil {
		return fmt.Errorf("failed to store tokens: %w", err)
	}
	c.advanceGeneration()
	return nil
}

// Logout clears the stored pair. A refresh running at the same time does not
// store its result.
func (c *Client) Logout(ctx context.Context) error {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	if err := c.store.ClearTokens(ctx); err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}
	c.advanceGeneration()
	c.logger.Info().Msg("Logged out")
	return nil
}

func (c *Client) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// advanceGeneration marks a pair change made outside of a refresh.
func (c *Client) advanceGeneration() {
	c.mu.Lock()
	c.generation++
	c.lastErr = nil
	c.mu.Unlock()
}

func (c *Client) isPublic(d Descriptor) bool {
	return d.Public || c.profile.IsPublic(d.Path)
}

func (c *Client) result(d Descriptor, resp *Response) (*Response, error) {
	if resp.StatusCode >= 400 {
		return nil, newStatusError(KindHTTP, d, resp)
	}
	return resp, nil
}

// send performs one round trip of d with the currently stored access token.
func (c *Client) send(ctx context.Context, d Descriptor) (*Response, error) {
	req, err := c.prepare(ctx, d)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(req, d)
}

// prepare builds the request for d and attaches the stored access token.
func (c *Client) prepare(ctx context.Context, d Descriptor) (*http.Request, error) {
	body, contentType, err := encodeBody(d.Body)
	if err != nil {
		return nil, newTransportError(d, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, d.Method, joinURL(c.baseURL, d.Path, d.Query), reader)
	if err != nil {
		return nil, newTransportError(d, fmt.Errorf("failed to create request: %w", err))
	}
	for k, vs := range d.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get(RequestIDHeader) == "" {
		req.Header.Set(RequestIDHeader, uuid.NewString())
	}

	if c.isPublic(d) {
		req.Header.Del("Authorization")
		return req, nil
	}
	token, err := c.store.GetAccessToken(ctx)
	if err != nil {
		return nil, newTransportError(d, fmt.Errorf("failed to read access token: %w", err))
	}
	if token != "" {
		req.Header.Set("Authorization", auth.BearerHeader(token))
	}
	return req, nil
}

func (c *Client) roundTrip(req *http.Request, d Descriptor) (*Response, error) {
	requestID := req.Header.Get(RequestIDHeader)
	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().
			Err(err).
			Str("request_id", requestID).
			Str("method", d.Method).
			Str("path", d.Path).
			Msg("Request failed")
		return nil, newTransportError(d, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, newTransportError(d, fmt.Errorf("failed to read response body: %w", err))
	}

	c.logger.Debug().
		Str("request_id", requestID).
		Str("method", d.Method).
		Str("path", d.Path).
		Int("status", httpResp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Request finished")

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

// IsSessionExpired reports whether err ends the session and the user has to
// log in again.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}
