// Package refresher refreshes access tokens shortly before they expire so
// callers rarely hit the 401 path at all.
package refresher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/dvcrn/koperasi-client/internal/apiclient"
	"github.com/dvcrn/koperasi-client/internal/auth"
	"github.com/dvcrn/koperasi-client/internal/credentials"
)

// Session is one authenticated client whose tokens are kept fresh.
type Session interface {
	Profile() apiclient.Profile
	Store() credentials.TokenStore
	RefreshNow(ctx context.Context) error
}

type Refresher struct {
	// Margin is how close to expiry a token has to be to get refreshed.
	Margin   time.Duration
	Interval time.Duration

	sessions []Session
	logger   zerolog.Logger
}

type Option func(*Refresher) error

func WithMargin(margin time.Duration) Option {
	return func(r *Refresher) error {
		r.Margin = margin
		return nil
	}
}

func WithInterval(interval time.Duration) Option {
	return func(r *Refresher) error {
		r.Interval = interval
		return nil
	}
}

func WithSessions(sessions ...Session) Option {
	return func(r *Refresher) error {
		r.sessions = append(r.sessions, sessions...)
		return nil
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Refresher) error {
		r.logger = logger
		return nil
	}
}

func New(options ...Option) (*Refresher, error) {
	r := &Refresher{logger: zerolog.Nop()}
	for _, opt := range options {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.Margin <= 0 {
		return nil, fmt.Errorf("invalid refresh margin (%s)", r.Margin)
	}
	if r.Interval <= 0 {
		return nil, fmt.Errorf("invalid refresh interval (%s)", r.Interval)
	}
	if len(r.sessions) == 0 {
		return nil, fmt.Errorf("no sessions to refresh")
	}
	return r, nil
}

// Scheduler returns an unstarted scheduler running RefreshExpiring every
// Interval. Runs never overlap.
func (r *Refresher) Scheduler() (*gocron.Scheduler, error) {
	s := gocron.NewScheduler(time.UTC)

	task := func(job gocron.Job) {
		if err := r.RefreshExpiring(job.Context()); err != nil {
			r.logger.Error().Err(err).Msg("Proactive token refresh failed")
		}
	}

	_, err := s.Every(r.Interval).
		SingletonMode().
		DoWithJobDetails(task)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule token refresh: %w", err)
	}
	return s, nil
}

// RefreshExpiring refreshes every session whose access token expires within
// Margin. Sessions without tokens, or with tokens of unknown expiry, are
// left alone.
func (r *Refresher) RefreshExpiring(ctx context.Context) error {
	var errs []error
	refreshed := 0

	for _, s := range r.sessions {
		name := s.Profile().Name
		logger := r.logger.With().Str("profile", name).Logger()

		access, err := s.Store().GetAccessToken(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: failed to read access token: %w", name, err))
			continue
		}
		if access == "" {
			logger.Debug().Msg("No session, skipping proactive refresh")
			continue
		}
		refresh, err := s.Store().GetRefreshToken(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: failed to read refresh token: %w", name, err))
			continue
		}
		if refresh == "" {
			continue
		}

		expiresAt, ok := auth.TokenExpiry(access)
		if !ok {
			logger.Debug().Msg("Access token expiry unknown, skipping proactive refresh")
			continue
		}
		if !auth.ExpiresWithin(access, r.Margin) {
			logger.Debug().
				Dur("expires_in", time.Until(expiresAt).Round(time.Second)).
				Msg("Access token still valid")
			continue
		}

		if err := s.RefreshNow(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		refreshed++
	}

	r.logger.Debug().
		Int("refreshed", refreshed).
		Int("failed", len(errs)).
		Msg("Proactive refresh run finished")
	return errors.Join(errs...)
}
