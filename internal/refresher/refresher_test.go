package refresher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvcrn/koperasi-client/internal/apiclient"
	"github.com/dvcrn/koperasi-client/internal/credentials"
)

type fakeSession struct {
	name  string
	store *credentials.MemoryStore
	err   error
	calls atomic.Int32
}

func newFakeSession(t *testing.T, name string, pair credentials.TokenPair) *fakeSession {
	t.Helper()
	s := &fakeSession{name: name, store: credentials.NewMemoryStore()}
	if !pair.Empty() {
		require.NoError(t, s.store.SetTokens(context.Background(), pair))
	}
	return s
}

func (f *fakeSession) Profile() apiclient.Profile       { return apiclient.Profile{Name: f.name} }
func (f *fakeSession) Store() credentials.TokenStore    { return f.store }
func (f *fakeSession) RefreshNow(context.Context) error { f.calls.Add(1); return f.err }

func tokenExpiringIn(t *testing.T, d time.Duration) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(d)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestNewValidation(t *testing.T) {
	session := newFakeSession(t, "tenant", credentials.TokenPair{})

	_, err := New(WithInterval(time.Minute), WithSessions(session))
	assert.Error(t, err)

	_, err = New(WithMargin(time.Minute), WithSessions(session))
	assert.Error(t, err)

	_, err = New(WithMargin(time.Minute), WithInterval(time.Minute))
	assert.Error(t, err)

	r, err := New(WithMargin(2*time.Minute), WithInterval(time.Minute), WithSessions(session))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, r.Margin)
}

func TestRefreshExpiring(t *testing.T) {
	expiring := newFakeSession(t, "tenant", credentials.TokenPair{
		AccessToken:  tokenExpiringIn(t, 30*time.Second),
		RefreshToken: "refresh",
	})
	fresh := newFakeSession(t, "superadmin", credentials.TokenPair{
		AccessToken:  tokenExpiringIn(t, time.Hour),
		RefreshToken: "refresh",
	})
	opaque := newFakeSession(t, "kiosk", credentials.TokenPair{AccessToken: "opaque", RefreshToken: "refresh"})
	loggedOut := newFakeSession(t, "guest", credentials.TokenPair{})
	noRefresh := newFakeSession(t, "legacy", credentials.TokenPair{AccessToken: tokenExpiringIn(t, time.Second)})

	r, err := New(
		WithMargin(2*time.Minute),
		WithInterval(time.Minute),
		WithSessions(expiring, fresh, opaque, loggedOut, noRefresh),
	)
	require.NoError(t, err)

	require.NoError(t, r.RefreshExpiring(context.Background()))
	assert.Equal(t, int32(1), expiring.calls.Load())
	assert.Equal(t, int32(0), fresh.calls.Load())
	assert.Equal(t, int32(0), opaque.calls.Load())
	assert.Equal(t, int32(0), loggedOut.calls.Load())
	assert.Equal(t, int32(0), noRefresh.calls.Load())
}

func TestRefreshExpiringCollectsErrors(t *testing.T) {
	failing := newFakeSession(t, "tenant", credentials.TokenPair{
		AccessToken:  tokenExpiringIn(t, -time.Minute),
		RefreshToken: "refresh",
	})
	failing.err = apiclient.ErrSessionExpired
	ok := newFakeSession(t, "superadmin", credentials.TokenPair{
		AccessToken:  tokenExpiringIn(t, time.Minute),
		RefreshToken: "refresh",
	})

	r, err := New(WithMargin(5*time.Minute), WithInterval(time.Minute), WithSessions(failing, ok))
	require.NoError(t, err)

	err = r.RefreshExpiring(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apiclient.ErrSessionExpired))
	assert.Contains(t, err.Error(), "tenant")
	assert.Equal(t, int32(1), ok.calls.Load())
}

func TestSchedulerRunsOnStart(t *testing.T) {
	session := newFakeSession(t, "tenant", credentials.TokenPair{
		AccessToken:  tokenExpiringIn(t, 10*time.Second),
		RefreshToken: "refresh",
	})
	r, err := New(WithMargin(time.Minute), WithInterval(time.Hour), WithSessions(session))
	require.NoError(t, err)

	s, err := r.Scheduler()
	require.NoError(t, err)
	s.StartAsync()
	defer s.Stop()

	assert.Eventually(t, func() bool { return session.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}
