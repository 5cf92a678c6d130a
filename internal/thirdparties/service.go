package thirdparties

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ledgerdesk/ledgerdesk/internal/shared"
)

const idempotencyModule = "thirdparties"

// Auditor records mutations.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Idempotency claims form submission keys.
type Idempotency interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Release(ctx context.Context, key string) error
}

// Service wraps the repository with validation and auditing.
type Service struct {
	repo      Repository
	audit     Auditor
	keys      Idempotency
	validator *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the service. audit and keys may be nil.
func NewService(repo Repository, audit Auditor, keys Idempotency, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		audit:     audit,
		keys:      keys,
		validator: validator.New(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// List returns one page of the company's third parties.
func (s *Service) List(ctx context.Context, companyID, search string, kind Kind, page, perPage int) ([]ThirdParty, shared.Pagination, error) {
	p := shared.NewPagination(page, perPage, 0)
	items, total, err := s.repo.List(ctx, ListFilter{
		CompanyID: companyID,
		Search:    search,
		Kind:      kind,
		Limit:     p.PerPage,
		Offset:    p.Offset(),
	})
	if err != nil {
		return nil, p, err
	}
	return items, shared.NewPagination(p.Page, p.PerPage, total), nil
}

// Get returns one third party of the company.
func (s *Service) Get(ctx context.Context, companyID, id string) (*ThirdParty, error) {
	return s.repo.Get(ctx, companyID, id)
}

// Create validates the form and inserts a new record. A repeated
// idempotency key yields ErrDuplicateSubmit.
func (s *Service) Create(ctx context.Context, companyID, actorID, idempotencyKey string, form Form) (tp *ThirdParty, err error) {
	body, err := form.validate(s.validator)
	if err != nil {
		return nil, err
	}
	if s.keys != nil && idempotencyKey != "" {
		if err := s.keys.CheckAndInsert(ctx, idempotencyKey, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return nil, ErrDuplicateSubmit
			}
			return nil, err
		}
		defer func() {
			if err != nil {
				if relErr := s.keys.Release(ctx, idempotencyKey); relErr != nil {
					s.logger.Warn("release idempotency key", slog.Any("error", relErr))
				}
			}
		}()
	}

	now := s.now()
	body.ID = uuid.NewString()
	body.CompanyID = companyID
	body.CreatedBy = actorID
	body.CreatedAt = now
	body.UpdatedAt = now

	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if err := ensureCodeFree(ctx, repo, companyID, body.Code, ""); err != nil {
			return err
		}
		return repo.Create(ctx, body)
	})
	if err != nil {
		return nil, s.fieldError(err)
	}
	s.record(ctx, actorID, "thirdparty.created", body.ID, map[string]any{"code": body.Code, "company_id": companyID})
	return &body, nil
}

// Update replaces the editable fields of an existing record.
func (s *Service) Update(ctx context.Context, companyID, actorID, id string, form Form) (*ThirdParty, error) {
	body, err := form.validate(s.validator)
	if err != nil {
		return nil, err
	}
	var updated ThirdParty
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		existing, err := repo.Get(ctx, companyID, id)
		if err != nil {
			return err
		}
		if existing.Code != body.Code {
			if err := ensureCodeFree(ctx, repo, companyID, body.Code, id); err != nil {
				return err
			}
		}
		updated = *existing
		updated.Code = body.Code
		updated.Name = body.Name
		updated.TaxID = body.TaxID
		updated.Kind = body.Kind
		updated.Email = body.Email
		updated.Phone = body.Phone
		updated.CreditLimit = body.CreditLimit
		updated.UpdatedAt = s.now()
		return repo.Update(ctx, updated)
	})
	if err != nil {
		return nil, s.fieldError(err)
	}
	s.record(ctx, actorID, "thirdparty.updated", id, map[string]any{"code": updated.Code, "company_id": companyID})
	return &updated, nil
}

// Delete removes a record.
func (s *Service) Delete(ctx context.Context, companyID, actorID, id string) error {
	if err := s.repo.Delete(ctx, companyID, id); err != nil {
		return err
	}
	s.record(ctx, actorID, "thirdparty.deleted", id, map[string]any{"company_id": companyID})
	return nil
}

func ensureCodeFree(ctx context.Context, repo Repository, companyID, code, selfID string) error {
	existing, err := repo.GetByCode(ctx, companyID, code)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("check code: %w", err)
	case existing.ID != selfID:
		return ErrCodeTaken
	}
	return nil
}

func (s *Service) fieldError(err error) error {
	if errors.Is(err, ErrCodeTaken) {
		return FieldErrors{"code": "Another third party already uses this code."}
	}
	return err
}

func (s *Service) record(ctx context.Context, actorID, action, id string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "third_party",
		EntityID: id,
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("audit third party", slog.String("action", action), slog.Any("error", err))
	}
}
