package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/dvcrn/koperasi-client/internal/auth"
)

// dispatchGrace bounds how long a queued replay waits for the previous one to
// be written before it is started anyway. Transports that do not report
// written requests, such as the js/wasm fetch transport, rely on it.
const dispatchGrace = 20 * time.Millisecond

// errSuperseded reports a refresh whose outcome was not stored because
// SetTokens or Logout changed the pair while it ran.
var errSuperseded = errors.New("stored tokens changed during refresh")

// pendingRequest is a call that got a 401 while a refresh was running. It is
// settled exactly once when the refresh ends.
type pendingRequest struct {
	ctx  context.Context
	desc Descriptor
	done chan result
}

type result struct {
	resp *Response
	err  error
}

func (p *pendingRequest) settle(resp *Response, err error) {
	p.done <- result{resp: resp, err: err}
}

// wait blocks until the request is settled or the caller gives up. A
// late settle lands in the buffered channel and is dropped.
func (p *pendingRequest) wait() (*Response, error) {
	select {
	case r := <-p.done:
		return r.resp, r.err
	case <-p.ctx.Done():
		return nil, newTransportError(p.desc, p.ctx.Err())
	}
}

type refreshCycle struct {
	// generation is the pair generation the refresh started from.
	generation uint64
	done       chan struct{}
	err        error
}

// recover handles the first 401 of a protected request sent under
// generation sentGen.
func (c *Client) recover(ctx context.Context, d Descriptor, sentGen uint64) (*Response, error) {
	c.mu.Lock()
	if c.refreshing {
		p := &pendingRequest{ctx: ctx, desc: d, done: make(chan result, 1)}
		c.queue = append(c.queue, p)
		position := len(c.queue)
		c.mu.Unlock()

		c.logger.Debug().
			Str("method", d.Method).
			Str("path", d.Path).
			Int("position", position).
			Msg("Waiting for token refresh")
		return p.wait()
	}
	if c.generation != sentGen {
		lastErr := c.lastErr
		c.mu.Unlock()
		if lastErr != nil {
			return nil, lastErr
		}
		return c.replay(ctx, d)
	}
	cycle := c.beginRefreshLocked()
	c.mu.Unlock()

	if err := c.runRefresh(ctx, cycle, 1); err != nil {
		return nil, err
	}
	return c.replay(ctx, d)
}

// RefreshNow refreshes the token pair ahead of expiry. It joins a refresh
// that is already running instead of starting a second one.
func (c *Client) RefreshNow(ctx context.Context) error {
	c.mu.Lock()
	if c.refreshing {
		cycle := c.cycle
		c.mu.Unlock()
		select {
		case <-cycle.done:
			return cycle.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	cycle := c.beginRefreshLocked()
	c.mu.Unlock()

	return c.runRefresh(ctx, cycle, 0)
}

// Refreshing reports whether a refresh is in flight.
func (c *Client) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshing
}

func (c *Client) beginRefreshLocked() *refreshCycle {
	c.refreshing = true
	c.cycle = &refreshCycle{generation: c.generation, done: make(chan struct{})}
	return c.cycle
}

// runRefresh performs the refresh, then takes the queue and resets the flag in
// one critical section and settles every queued request. triggers is the
// number of callers waiting on the result outside the queue.
func (c *Client) runRefresh(ctx context.Context, cycle *refreshCycle, triggers int) error {
	err := c.refresh(ctx, cycle.generation)
	superseded := errors.Is(err, errSuperseded)
	if superseded {
		c.logger.Info().Msg("Tokens changed during refresh, keeping the new pair")
		err = nil
	}

	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.refreshing = false
	if !superseded {
		c.generation++
		c.lastErr = err
	}
	c.cycle = nil
	c.mu.Unlock()

	cycle.err = err
	close(cycle.done)

	if err != nil {
		for _, p := range queue {
			p.settle(nil, err)
		}
		c.logger.Warn().
			Err(err).
			Int("rejected", len(queue)+triggers).
			Msg("Session expired")
		if c.onSessionExpired != nil {
			c.onSessionExpired(err)
		}
		return err
	}

	c.replayQueue(queue)
	return nil
}

// refresh exchanges the stored refresh token for a new pair. It runs detached
// from the caller's cancellation and is bounded by the refresh timeout. On
// any failure the stored tokens are cleared. Neither happens when the pair
// moved past generation in the meantime; errSuperseded is returned then.
func (c *Client) refresh(ctx context.Context, generation uint64) error {
	base := context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(base, c.refreshTimeout)
	defer cancel()

	refreshToken, err := c.store.GetRefreshToken(ctx)
	if err != nil {
		return c.failRefresh(base, generation, c.sessionError(fmt.Errorf("failed to read refresh token: %w", err)))
	}
	if refreshToken == "" {
		return c.failRefresh(base, generation, c.sessionError(ErrNoRefreshToken))
	}

	start := time.Now()
	pair, err := auth.Refresh(ctx, c.httpClient, joinURL(c.baseURL, c.profile.RefreshPath, nil), refreshToken)
	if err != nil {
		sessionErr := c.sessionError(err)
		var refreshErr *auth.RefreshError
		if errors.As(err, &refreshErr) {
			sessionErr.StatusCode = refreshErr.StatusCode
			sessionErr.Body = refreshErr.Body
			sessionErr.Messages = normalizeMessages(refreshErr.StatusCode, refreshErr.Body)
		}
		return c.failRefresh(base, generation, sessionErr)
	}

	stored, err := c.commit(generation, func() error {
		return c.store.SetTokens(ctx, pair)
	})
	if err != nil {
		return c.failRefresh(base, generation, c.sessionError(fmt.Errorf("failed to store refreshed tokens: %w", err)))
	}
	if !stored {
		return errSuperseded
	}

	c.logger.Info().
		Str("access_token", auth.Preview(pair.AccessToken)).
		Dur("duration", time.Since(start)).
		Msg("Refreshed access token")
	return nil
}

// commit runs write unless the pair moved past generation. It reports whether
// write ran.
func (c *Client) commit(generation uint64, write func() error) (bool, error) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	if c.currentGeneration() != generation {
		return false, nil
	}
	return true, write()
}

func (c *Client) sessionError(err error) *Error {
	return &Error{
		Kind:   KindSessionExpired,
		Method: http.MethodPost,
		Path:   c.profile.RefreshPath,
		Err:    err,
	}
}

func (c *Client) failRefresh(ctx context.Context, generation uint64, sessionErr *Error) error {
	ctx, cancel := context.WithTimeout(ctx, c.refreshTimeout)
	defer cancel()

	cleared, err := c.commit(generation, func() error {
		return c.store.ClearTokens(ctx)
	})
	if !cleared {
		return errSuperseded
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to clear tokens after refresh failure")
	}
	return sessionErr
}

// replayQueue sends the queued requests again in the order they were queued.
// Requests are prepared in order and each replay is started once the previous
// one was written or dispatchGrace passed, so dispatch is FIFO while replays
// run concurrently.
func (c *Client) replayQueue(queue []*pendingRequest) {
	for _, p := range queue {
		if err := p.ctx.Err(); err != nil {
			p.settle(nil, newTransportError(p.desc, err))
			continue
		}

		written := make(chan struct{})
		var once sync.Once
		markWritten := func() { once.Do(func() { close(written) }) }
		ctx := httptrace.WithClientTrace(p.ctx, &httptrace.ClientTrace{
			WroteRequest: func(httptrace.WroteRequestInfo) { markWritten() },
		})

		req, err := c.prepare(ctx, p.desc)
		if err != nil {
			p.settle(nil, err)
			continue
		}

		started := make(chan struct{})
		go func() {
			defer markWritten()
			close(started)
			resp, err := c.roundTrip(req, p.desc)
			p.settle(c.replayed(p.desc, resp, err))
		}()
		<-started

		timer := time.NewTimer(dispatchGrace)
		select {
		case <-written:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// replay sends d once more with the current token. A second 401 is final.
func (c *Client) replay(ctx context.Context, d Descriptor) (*Response, error) {
	resp, err := c.send(ctx, d)
	return c.replayed(d, resp, err)
}

func (c *Client) replayed(d Descriptor, resp *Response, err error) (*Response, error) {
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Warn().
			Str("method", d.Method).
			Str("path", d.Path).
			Msg("Request rejected again after token refresh")
		return nil, newStatusError(KindUnauthorized, d, resp)
	}
	return c.result(d, resp)
}
