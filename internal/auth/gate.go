package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ledgerdesk/ledgerdesk/internal/shared"
)

// LoginPath is where anonymous visitors are sent.
const LoginPath = "/auth/login"

// Status is the gate's view of one browser session.
type Status int

const (
	StatusPending Status = iota
	StatusAnonymous
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusAnonymous:
		return "anonymous"
	case StatusAuthenticated:
		return "authenticated"
	}
	return "pending"
}

// IdentityResolver performs the one-shot identity lookup for a session.
type IdentityResolver interface {
	CurrentSession(ctx context.Context, sess *shared.Session) (*shared.Identity, error)
}

// Gate holds workspace routes until authentication is resolved. It stays
// pending until Start has subscribed to session change events, then resolves
// each session once and keeps the answer fresh from those events.
type Gate struct {
	resolver    IdentityResolver
	events      Subscriber
	logger      *slog.Logger
	placeholder http.Handler
	maxAge      time.Duration
	now         func() time.Time

	mu          sync.RWMutex
	started     bool
	unsubscribe func()
	resolved    map[string]resolution
	signedOut   []func(sessionID string)
}

type resolution struct {
	identity *shared.Identity
	at       time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithPlaceholder renders the page shown while the gate is pending.
func WithPlaceholder(h http.Handler) GateOption {
	return func(g *Gate) { g.placeholder = h }
}

// WithResolutionMaxAge bounds how long a resolved identity is reused. Non
// positive values keep the default.
func WithResolutionMaxAge(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.maxAge = d
		}
	}
}

// NewGate constructs a pending gate.
func NewGate(resolver IdentityResolver, events Subscriber, logger *slog.Logger, opts ...GateOption) *Gate {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	g := &Gate{
		resolver: resolver,
		events:   events,
		logger:   logger,
		maxAge:   time.Minute,
		now:      time.Now,
		resolved: make(map[string]resolution),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.placeholder == nil {
		g.placeholder = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Checking your session...", http.StatusServiceUnavailable)
		})
	}
	return g
}

// OnSignedOut registers fn to run for every signed_out event, local or remote.
func (g *Gate) OnSignedOut(fn func(sessionID string)) {
	g.mu.Lock()
	g.signedOut = append(g.signedOut, fn)
	g.mu.Unlock()
}

// Start subscribes to session changes. The gate leaves pending once the
// subscription is confirmed.
func (g *Gate) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	unsubscribe, err := g.events.Subscribe(ctx, g.apply)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		unsubscribe()
		return nil
	}
	g.unsubscribe = unsubscribe
	g.started = true
	return nil
}

// Close releases the subscription and returns the gate to pending.
func (g *Gate) Close() {
	g.mu.Lock()
	unsubscribe := g.unsubscribe
	g.unsubscribe = nil
	g.started = false
	g.resolved = make(map[string]resolution)
	g.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Resolve reports the status of sess and its identity when authenticated.
func (g *Gate) Resolve(ctx context.Context, sess *shared.Session) (Status, *shared.Identity, error) {
	g.mu.RLock()
	started := g.started
	cached, ok := g.resolved[sessionKey(sess)]
	g.mu.RUnlock()
	if !started {
		return StatusPending, nil, nil
	}
	if sess == nil || sess.User() == "" {
		return StatusAnonymous, nil, nil
	}
	if ok && cached.identity != nil && cached.identity.UserID == sess.User() && g.now().Sub(cached.at) < g.maxAge {
		return StatusAuthenticated, cached.identity, nil
	}

	identity, err := g.resolver.CurrentSession(ctx, sess)
	if err != nil {
		return StatusPending, nil, err
	}
	g.mu.Lock()
	if identity == nil {
		delete(g.resolved, sess.ID)
	} else {
		g.resolved[sess.ID] = resolution{identity: identity, at: g.now()}
	}
	g.mu.Unlock()
	if identity == nil {
		return StatusAnonymous, nil, nil
	}
	return StatusAuthenticated, identity, nil
}

// Middleware enforces the gate: pending renders the placeholder, anonymous
// redirects to the login page, authenticated carries on with the identity in
// the request context.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := shared.SessionFromContext(r.Context())
		status, identity, err := g.Resolve(r.Context(), sess)
		if err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("auth gate: resolve session", slog.Any("error", err))
		}
		switch status {
		case StatusAuthenticated:
			next.ServeHTTP(w, r.WithContext(shared.ContextWithIdentity(r.Context(), identity)))
		case StatusAnonymous:
			http.Redirect(w, r, LoginPath, http.StatusSeeOther)
		default:
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Cache-Control", "no-store")
			g.placeholder.ServeHTTP(w, r)
		}
	})
}

func (g *Gate) apply(evt Event) {
	if evt.SessionID == "" {
		return
	}
	g.mu.Lock()
	switch evt.Kind {
	case EventSignedIn:
		if evt.Identity != nil {
			g.resolved[evt.SessionID] = resolution{identity: evt.Identity, at: g.now()}
		}
	case EventSignedOut:
		delete(g.resolved, evt.SessionID)
	}
	hooks := append([]func(string){}, g.signedOut...)
	g.mu.Unlock()

	if evt.Kind == EventSignedOut {
		for _, fn := range hooks {
			fn(evt.SessionID)
		}
	}
	g.logger.Debug("auth gate: session event", slog.String("kind", string(evt.Kind)))
}

func sessionKey(sess *shared.Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}
