package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ledgerdesk/ledgerdesk/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskContextEstablished records a completed workspace selection in audit_logs.
	TaskContextEstablished = "audit:context.established"
	// TaskSessionsPurge removes expired login sessions and stale idempotency keys.
	TaskSessionsPurge = "auth:sessions.purge"

	// IdempotencyRetention is how long submitted form keys are kept.
	IdempotencyRetention = 24 * time.Hour
)

// ContextEstablishedPayload describes one workspace context selection.
type ContextEstablishedPayload struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	CompanyID  string    `json:"company_id"`
	PeriodID   string    `json:"period_id"`
	Role       string    `json:"role"`
	SelectedAt time.Time `json:"selected_at"`
}

func (p ContextEstablishedPayload) validate() error {
	if p.CompanyID == "" || p.PeriodID == "" || p.Role == "" {
		return errors.New("context payload requires company, period and role")
	}
	return nil
}

// NewContextEstablishedTask constructs an Asynq task.
func NewContextEstablishedTask(payload ContextEstablishedPayload) (*asynq.Task, error) {
	if err := payload.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskContextEstablished, data, asynq.MaxRetry(5)), nil
}

// NewSessionsPurgeTask constructs the periodic purge task.
func NewSessionsPurgeTask() *asynq.Task {
	return asynq.NewTask(TaskSessionsPurge, nil, asynq.MaxRetry(1))
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// SessionPurger deletes expired login sessions.
type SessionPurger interface {
	PurgeExpiredSessions(ctx context.Context) (int64, error)
}

// KeyCleaner deletes idempotency keys older than a retention window.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Observer is told the outcome of every processed task.
type Observer func(task string, err error)

// Handlers processes ledgerdesk tasks.
type Handlers struct {
	audit    AuditRecorder
	sessions SessionPurger
	keys     KeyCleaner
	observe  Observer
	logger   *slog.Logger
}

// NewHandlers wires task handlers. Any dependency may be nil; the matching
// task then fails without retry.
func NewHandlers(audit AuditRecorder, sessions SessionPurger, keys KeyCleaner, observe Observer, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{audit: audit, sessions: sessions, keys: keys, observe: observe, logger: logger}
}

// TaskHandlers lists the handlers for worker registration.
func (h *Handlers) TaskHandlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskContextEstablished, Handler: h.HandleContextEstablished},
		{Type: TaskSessionsPurge, Handler: h.HandleSessionsPurge},
	}
}

// HandleContextEstablished writes the audit row for a context selection.
func (h *Handlers) HandleContextEstablished(ctx context.Context, t *asynq.Task) (err error) {
	defer func() { h.done(TaskContextEstablished, err) }()
	var payload ContextEstablishedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if h.audit == nil {
		return fmt.Errorf("audit recorder not configured: %w", asynq.SkipRetry)
	}
	return h.audit.Record(ctx, shared.AuditLog{
		ActorID:  payload.UserID,
		Action:   "context.established",
		Entity:   "company",
		EntityID: payload.CompanyID,
		Meta: map[string]any{
			"period_id":  payload.PeriodID,
			"role":       payload.Role,
			"session_id": payload.SessionID,
		},
		At: payload.SelectedAt,
	})
}

// HandleSessionsPurge removes expired sessions, then stale idempotency keys.
func (h *Handlers) HandleSessionsPurge(ctx context.Context, _ *asynq.Task) (err error) {
	defer func() { h.done(TaskSessionsPurge, err) }()
	if h.sessions == nil {
		return fmt.Errorf("session purger not configured: %w", asynq.SkipRetry)
	}
	sessions, err := h.sessions.PurgeExpiredSessions(ctx)
	if err != nil {
		return err
	}
	var keys int64
	if h.keys != nil {
		keys, err = h.keys.Cleanup(ctx, IdempotencyRetention)
		if err != nil {
			return err
		}
	}
	h.logger.Info("purged expired sessions",
		slog.String("job", TaskSessionsPurge),
		slog.Int64("sessions", sessions),
		slog.Int64("idempotency_keys", keys),
	)
	return nil
}

func (h *Handlers) done(task string, err error) {
	if err != nil {
		h.logger.Error("job failed", slog.String("job", task), slog.Any("error", err))
	}
	if h.observe != nil {
		h.observe(task, err)
	}
}
