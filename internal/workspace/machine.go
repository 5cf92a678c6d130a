package workspace

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// TransitionHook observes every attempted transition.
type TransitionHook func(op string, from, to State, err error)

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source used for SelectedAt.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTransitionHook registers an observer, e.g. metrics.
func WithTransitionHook(hook TransitionHook) Option {
	return func(m *Machine) {
		m.hook = hook
	}
}

// WithOwner binds the machine to a user. Records written by the machine carry
// the id and records of any other user are ignored on restore.
func WithOwner(userID string) Option {
	return func(m *Machine) {
		m.owner = userID
	}
}

// Machine owns the in-memory workspace context of one application session.
// Transitions are serialised; a failed transition never mutates state.
type Machine struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	hook   TransitionHook
	owner  string

	mu        sync.Mutex
	state     State
	current   Context
	preferred string
}

// NewMachine returns a machine in StateUninitialized.
func NewMachine(store Store, logger *slog.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Machine{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		state:  StateUninitialized,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MigrateLegacy consumes the legacy single company pointer, if the store has
// one, and keeps it as a selection hint. It never creates a context.
func (m *Machine) MigrateLegacy(ctx context.Context) {
	migrator, ok := m.store.(LegacyMigrator)
	if !ok {
		return
	}
	id, err := migrator.TakeLegacyCompany(ctx)
	if err != nil {
		m.logger.Warn("workspace: legacy migration failed", slog.Any("error", err))
		return
	}
	if id == "" {
		return
	}
	m.logger.Info("workspace: migrated legacy company pointer", slog.String("company_id", id))
	m.mu.Lock()
	m.preferred = id
	m.mu.Unlock()
}

// Restore seeds the context from the store. It runs once; later calls return
// the current state. Missing, malformed or unreadable records yield StateEmpty.
// The store read happens outside the lock so readers observe StateRestoring.
func (m *Machine) Restore(ctx context.Context) State {
	m.mu.Lock()
	if m.state != StateUninitialized {
		state := m.state
		m.mu.Unlock()
		return state
	}
	m.state = StateRestoring
	m.mu.Unlock()

	rec, err := m.store.ReadContext(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRestoring {
		// An authoritative transition won the race; the stored record is stale.
		return m.state
	}
	switch {
	case err == nil && rec.UserID != m.owner:
		m.logger.Warn("workspace: persisted context belongs to another user")
		m.current = Context{}
		m.state = StateEmpty
	case err == nil:
		m.current = rec.Context()
		m.state = StateComplete
	case errors.Is(err, ErrNoRecord):
		m.current = Context{}
		m.state = StateEmpty
	default:
		m.logger.Warn("workspace: discarding persisted context", slog.Any("error", err))
		m.current = Context{}
		m.state = StateEmpty
	}
	m.observe("restore", StateUninitialized, m.state, nil)
	return m.state
}

// SelectPeriod sets the fiscal period and drops company and role.
func (m *Machine) SelectPeriod(period FiscalPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	if !from.Settled() {
		return m.reject("select_period", &ValidationError{Op: "select_period", Reason: "context not restored yet"})
	}
	if period.ID == "" {
		return m.reject("select_period", &ValidationError{Op: "select_period", Field: "period", Reason: "id required"})
	}
	m.current = Context{Period: &period}
	m.state = StatePeriodOnly
	m.observe("select_period", from, m.state, nil)
	return nil
}

// SelectCompany completes a PeriodOnly context and persists it.
func (m *Machine) SelectCompany(ctx context.Context, company Company, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	const op = "select_company"
	if m.state != StatePeriodOnly || m.current.Period == nil {
		return m.reject(op, &ValidationError{Op: op, Field: "period", Reason: "no fiscal period selected"})
	}
	if err := validateSelection(op, company, role); err != nil {
		return m.reject(op, err)
	}
	next := Context{Company: &company, Period: m.current.Period, Role: role, SelectedAt: m.now()}
	return m.commit(ctx, op, next)
}

// EstablishContext atomically sets period, company and role from any state.
func (m *Machine) EstablishContext(ctx context.Context, company Company, period FiscalPeriod, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	const op = "establish_context"
	if period.ID == "" {
		return m.reject(op, &ValidationError{Op: op, Field: "period", Reason: "id required"})
	}
	if err := validateSelection(op, company, role); err != nil {
		return m.reject(op, err)
	}
	next := Context{Company: &company, Period: &period, Role: role, SelectedAt: m.now()}
	return m.commit(ctx, op, next)
}

// Clear empties the context and deletes the persisted record. Memory is
// cleared even when the store fails; the store error is returned.
func (m *Machine) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	m.current = Context{}
	m.state = StateEmpty
	m.preferred = ""
	err := m.store.Clear(ctx)
	m.observe("clear", from, m.state, err)
	return err
}

// Owner returns the user the machine is bound to.
func (m *Machine) Owner() string {
	return m.owner
}

// Current returns a copy of the context and its derived flags.
func (m *Machine) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.current.clone()
	return Snapshot{
		Context:      c,
		State:        m.state,
		IsComplete:   c.IsComplete(),
		IsAuthorized: c.IsAuthorized(),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PreferredCompany returns the company id migrated from the legacy pointer.
func (m *Machine) PreferredCompany() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.preferred
}

// CanManageUsers reports whether the current role may administer members.
func (m *Machine) CanManageUsers() bool { return m.role().CanManageUsers() }

// CanDelete reports whether the current role may delete records.
func (m *Machine) CanDelete() bool { return m.role().CanDelete() }

// CanModify reports whether the current role may write records.
func (m *Machine) CanModify() bool { return m.role().CanModify() }

// IsReadOnly reports whether the current role is limited to reading.
func (m *Machine) IsReadOnly() bool { return m.role().IsReadOnly() }

func (m *Machine) role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Role
}

// commit persists next and only then swaps it in. Caller holds mu.
func (m *Machine) commit(ctx context.Context, op string, next Context) error {
	from := m.state
	rec := NewRecord(next)
	rec.UserID = m.owner
	if err := m.store.WriteContext(ctx, rec); err != nil {
		m.observe(op, from, from, err)
		return err
	}
	m.current = next
	m.state = StateComplete
	m.preferred = ""
	m.observe(op, from, m.state, nil)
	return nil
}

func (m *Machine) reject(op string, err error) error {
	m.observe(op, m.state, m.state, err)
	return err
}

func (m *Machine) observe(op string, from, to State, err error) {
	if m.hook != nil {
		m.hook(op, from, to, err)
	}
}

func validateSelection(op string, company Company, role Role) error {
	if !role.Valid() {
		return &ValidationError{Op: op, Field: "role", Reason: "role " + string(role) + " outside the closed set"}
	}
	if company.ID == "" {
		return &ValidationError{Op: op, Field: "company", Reason: "id required"}
	}
	if !company.Selectable() {
		return &ValidationError{Op: op, Field: "company", Reason: "company " + company.ID + " is not active"}
	}
	return nil
}
