package workspace

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

// StoreFactory builds the persistence port for one browser scope.
type StoreFactory func(scope string) Store

// Registry hands out one Machine per application session.
type Registry struct {
	factory StoreFactory
	logger  *slog.Logger
	idle    time.Duration
	now     func() time.Time
	opts    []Option

	mu       sync.Mutex
	machines map[string]*registryEntry
}

type registryEntry struct {
	machine  *Machine
	owner    string
	lastSeen time.Time
}

// NewRegistry constructs a Registry. Machines unused for longer than idle are
// evicted lazily; a zero idle disables eviction.
func NewRegistry(factory StoreFactory, logger *slog.Logger, idle time.Duration, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		factory:  factory,
		logger:   logger,
		idle:     idle,
		now:      time.Now,
		opts:     opts,
		machines: make(map[string]*registryEntry),
	}
}

// Machine returns the restored machine for scope and owner, creating it on
// first use. A live machine bound to another user is replaced. Legacy
// migration and restore complete before a new machine is returned.
func (r *Registry) Machine(ctx context.Context, scope, owner string) (*Machine, error) {
	if scope == "" {
		return nil, errors.New("workspace: scope required")
	}
	now := r.now()

	r.mu.Lock()
	r.evictLocked(now)
	entry, ok := r.machines[scope]
	if ok && entry.owner == owner {
		entry.lastSeen = now
		r.mu.Unlock()
		return entry.machine, nil
	}
	opts := append([]Option{WithOwner(owner)}, r.opts...)
	machine := NewMachine(r.factory(scope), r.logger.With(slog.String("scope", shortScope(scope))), opts...)
	r.machines[scope] = &registryEntry{machine: machine, owner: owner, lastSeen: now}
	r.mu.Unlock()

	machine.MigrateLegacy(ctx)
	machine.Restore(ctx)
	return machine, nil
}

// Forget drops the machine for scope without touching its store.
func (r *Registry) Forget(scope string) {
	r.mu.Lock()
	delete(r.machines, scope)
	r.mu.Unlock()
}

// ClearScope clears the persisted context for scope and forgets its machine.
func (r *Registry) ClearScope(ctx context.Context, scope string) error {
	if scope == "" {
		return errors.New("workspace: scope required")
	}
	r.mu.Lock()
	entry, ok := r.machines[scope]
	delete(r.machines, scope)
	r.mu.Unlock()
	if ok {
		return entry.machine.Clear(ctx)
	}
	return r.factory(scope).Clear(ctx)
}

// MoveScope carries the persisted context from one scope to another when it
// belongs to owner, then clears the old scope. Records of other users are
// dropped.
func (r *Registry) MoveScope(ctx context.Context, from, to, owner string) error {
	if from == "" || to == "" {
		return errors.New("workspace: scope required")
	}
	if from == to {
		return nil
	}
	rec, err := r.factory(from).ReadContext(ctx)
	switch {
	case err == nil && rec.UserID == owner:
		if err := r.factory(to).WriteContext(ctx, rec); err != nil {
			return err
		}
	case err == nil, errors.Is(err, ErrNoRecord), errors.Is(err, ErrCorruptRecord):
	default:
		return err
	}
	r.Forget(to)
	return r.ClearScope(ctx, from)
}

// Len reports the number of live machines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}

// Middleware attaches the session's machine to the request context. It
// expects the session middleware to have run.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sess := shared.SessionFromContext(req.Context())
		if sess == nil || sess.ID == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		machine, err := r.Machine(req.Context(), sess.ID, sess.User())
		if err != nil {
			r.logger.Error("workspace: load machine", slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, req.WithContext(WithMachine(req.Context(), machine)))
	})
}

func (r *Registry) evictLocked(now time.Time) {
	if r.idle <= 0 {
		return
	}
	for scope, entry := range r.machines {
		if now.Sub(entry.lastSeen) > r.idle {
			delete(r.machines, scope)
		}
	}
}

func shortScope(scope string) string {
	if len(scope) > 8 {
		return scope[:8]
	}
	return scope
}

type machineContextKey struct{}

// WithMachine stores the machine in ctx.
func WithMachine(ctx context.Context, m *Machine) context.Context {
	return context.WithValue(ctx, machineContextKey{}, m)
}

// MachineFromContext extracts the machine attached by the registry middleware.
func MachineFromContext(ctx context.Context) (*Machine, error) {
	m, _ := ctx.Value(machineContextKey{}).(*Machine)
	if m == nil {
		return nil, ErrNoMachine
	}
	return m, nil
}
