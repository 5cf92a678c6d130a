package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerdesk/ledgerdesk/internal/shared"
)

type fakeSubscriber struct {
	mu           sync.Mutex
	fn           func(Event)
	err          error
	unsubscribed int
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, fn func(Event)) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.unsubscribed++
		f.fn = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakeSubscriber) emit(evt Event) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		fn(evt)
	}
}

type fakeResolver struct {
	identity *shared.Identity
	err      error
	calls    int
}

func (f *fakeResolver) CurrentSession(ctx context.Context, sess *shared.Session) (*shared.Identity, error) {
	f.calls++
	return f.identity, f.err
}

func signedInSession(id, user string) *shared.Session {
	sess := &shared.Session{ID: id}
	sess.SetUser(user)
	return sess
}

func gateRequest(sess *shared.Session) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if sess != nil {
		req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	}
	return req
}

func TestGatePendingUntilStarted(t *testing.T) {
	resolver := &fakeResolver{identity: &shared.Identity{UserID: "u1"}}
	gate := NewGate(resolver, &fakeSubscriber{}, nil)

	status, _, err := gate.Resolve(context.Background(), signedInSession("s1", "u1"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)
	assert.Zero(t, resolver.calls)

	rr := httptest.NewRecorder()
	gate.Middleware(http.NotFoundHandler()).ServeHTTP(rr, gateRequest(signedInSession("s1", "u1")))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
}

func TestGateResolvesOnceAndCaches(t *testing.T) {
	ctx := context.Background()
	resolver := &fakeResolver{identity: &shared.Identity{UserID: "u1", Email: "u1@x.io"}}
	gate := NewGate(resolver, &fakeSubscriber{}, nil)
	require.NoError(t, gate.Start(ctx))
	defer gate.Close()

	sess := signedInSession("s1", "u1")
	for i := 0; i < 3; i++ {
		status, identity, err := gate.Resolve(ctx, sess)
		require.NoError(t, err)
		assert.Equal(t, StatusAuthenticated, status)
		assert.Equal(t, "u1@x.io", identity.Email)
	}
	assert.Equal(t, 1, resolver.calls)
}

func TestGateResolutionMaxAge(t *testing.T) {
	ctx := context.Background()
	resolver := &fakeResolver{identity: &shared.Identity{UserID: "u1"}}
	gate := NewGate(resolver, &fakeSubscriber{}, nil, WithResolutionMaxAge(10*time.Second))
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	gate.now = func() time.Time { return now }
	require.NoError(t, gate.Start(ctx))
	defer gate.Close()

	sess := signedInSession("s1", "u1")
	_, _, err := gate.Resolve(ctx, sess)
	require.NoError(t, err)
	now = now.Add(5 * time.Second)
	_, _, err = gate.Resolve(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, 1, resolver.calls)

	now = now.Add(10 * time.Second)
	_, _, err = gate.Resolve(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, 2, resolver.calls)
}

func TestGateAnonymousRedirectsToLogin(t *testing.T) {
	gate := NewGate(&fakeResolver{}, &fakeSubscriber{}, nil)
	require.NoError(t, gate.Start(context.Background()))
	defer gate.Close()

	rr := httptest.NewRecorder()
	gate.Middleware(http.NotFoundHandler()).ServeHTTP(rr, gateRequest(&shared.Session{ID: "s1"}))
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, LoginPath, rr.Header().Get("Location"))

	rr = httptest.NewRecorder()
	gate.Middleware(http.NotFoundHandler()).ServeHTTP(rr, gateRequest(signedInSession("s2", "ghost")))
	assert.Equal(t, http.StatusSeeOther, rr.Code)
}

func TestGateAuthenticatedCarriesIdentity(t *testing.T) {
	gate := NewGate(&fakeResolver{identity: &shared.Identity{UserID: "u1", Email: "u1@x.io"}}, &fakeSubscriber{}, nil)
	require.NoError(t, gate.Start(context.Background()))
	defer gate.Close()

	var seen *shared.Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = shared.IdentityFromContext(r.Context())
	})
	gate.Middleware(next).ServeHTTP(httptest.NewRecorder(), gateRequest(signedInSession("s1", "u1")))
	require.NotNil(t, seen)
	assert.Equal(t, "u1@x.io", seen.Email)
}

func TestGateSignedOutEventInvalidatesAndNotifies(t *testing.T) {
	ctx := context.Background()
	resolver := &fakeResolver{identity: &shared.Identity{UserID: "u1"}}
	events := &fakeSubscriber{}
	gate := NewGate(resolver, events, nil)
	var forgotten []string
	gate.OnSignedOut(func(sessionID string) { forgotten = append(forgotten, sessionID) })
	require.NoError(t, gate.Start(ctx))
	defer gate.Close()

	sess := signedInSession("s1", "u1")
	_, _, err := gate.Resolve(ctx, sess)
	require.NoError(t, err)

	events.emit(Event{Kind: EventSignedOut, SessionID: "s1"})
	assert.Equal(t, []string{"s1"}, forgotten)

	resolver.identity = nil
	status, _, err := gate.Resolve(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, StatusAnonymous, status)
	assert.Equal(t, 2, resolver.calls)
}

func TestGateSignedInEventSkipsLookup(t *testing.T) {
	ctx := context.Background()
	resolver := &fakeResolver{}
	events := &fakeSubscriber{}
	gate := NewGate(resolver, events, nil)
	require.NoError(t, gate.Start(ctx))
	defer gate.Close()

	events.emit(Event{Kind: EventSignedIn, SessionID: "s1", Identity: &shared.Identity{UserID: "u1"}})
	status, identity, err := gate.Resolve(ctx, signedInSession("s1", "u1"))
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, status)
	assert.Equal(t, "u1", identity.UserID)
	assert.Zero(t, resolver.calls)

	status, _, err = gate.Resolve(ctx, signedInSession("s1", "someone-else"))
	require.NoError(t, err)
	assert.Equal(t, StatusAnonymous, status)
}

func TestGateCloseUnsubscribes(t *testing.T) {
	ctx := context.Background()
	events := &fakeSubscriber{}
	gate := NewGate(&fakeResolver{}, events, nil)
	require.NoError(t, gate.Start(ctx))
	require.NoError(t, gate.Start(ctx))

	gate.Close()
	gate.Close()
	assert.Equal(t, 1, events.unsubscribed)

	status, _, err := gate.Resolve(ctx, signedInSession("s1", "u1"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)
}

func TestGateStartError(t *testing.T) {
	gate := NewGate(&fakeResolver{}, &fakeSubscriber{err: errors.New("redis down")}, nil)
	assert.Error(t, gate.Start(context.Background()))
	status, _, _ := gate.Resolve(context.Background(), signedInSession("s1", "u1"))
	assert.Equal(t, StatusPending, status)
}

func TestGateResolverErrorKeepsPending(t *testing.T) {
	gate := NewGate(&fakeResolver{err: errors.New("db down")}, &fakeSubscriber{}, nil)
	require.NoError(t, gate.Start(context.Background()))
	defer gate.Close()

	rr := httptest.NewRecorder()
	gate.Middleware(http.NotFoundHandler()).ServeHTTP(rr, gateRequest(signedInSession("s1", "u1")))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
