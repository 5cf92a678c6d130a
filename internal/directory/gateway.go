package directory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/ledgerdesk/ledgerdesk/internal/workspace"
)

// Querier is the subset of pgxpool.Pool used by the gateway.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Observer receives the latency and outcome of every gateway operation.
type Observer func(op string, elapsed time.Duration, err error)

// Options configures a Gateway.
type Options struct {
	Retry     RetryPolicy
	Locale    language.Tag
	Observer  Observer
	Logger    *slog.Logger
	Clock     func() time.Time
	ShareWait time.Duration
}

// MembershipFilter narrows ListMembershipsForUser.
type MembershipFilter struct {
	PeriodID   string
	ActiveOnly bool
	// At is the instant validity windows are checked against; zero means now.
	At time.Time
}

// Member is one row of a company's member list.
type Member struct {
	UserID         string
	Name           string
	Email          string
	Role           workspace.Role
	InternalNumber string
	ValidFrom      time.Time
	ValidTo        time.Time
}

// Gateway reads the directory of fiscal periods, companies and memberships.
type Gateway struct {
	db        Querier
	logger    *slog.Logger
	retry     RetryPolicy
	locale    language.Tag
	observe   Observer
	now       func() time.Time
	shareWait time.Duration
	flight    singleflight.Group
}

// NewGateway constructs a Gateway.
func NewGateway(db Querier, opts Options) *Gateway {
	g := &Gateway{
		db:        db,
		logger:    opts.Logger,
		retry:     opts.Retry,
		locale:    opts.Locale,
		observe:   opts.Observer,
		now:       opts.Clock,
		shareWait: opts.ShareWait,
	}
	if g.logger == nil {
		g.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if g.retry.Attempts < 1 {
		g.retry.Attempts = 1
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.shareWait <= 0 {
		g.shareWait = 10 * time.Second
	}
	return g
}

const periodColumns = `id, year, start_date, end_date`

// ListFiscalPeriods returns every fiscal period, newest year first.
// Concurrent callers share a single query.
func (g *Gateway) ListFiscalPeriods(ctx context.Context) ([]workspace.FiscalPeriod, error) {
	const op = "list_fiscal_periods"
	ch := g.flight.DoChan(op, func() (any, error) {
		// The shared query must not die with whichever caller started it.
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.shareWait)
		defer cancel()
		var periods []workspace.FiscalPeriod
		err := g.run(sharedCtx, op, func(ctx context.Context) error {
			var err error
			periods, err = g.queryPeriods(ctx)
			return err
		})
		return periods, err
	})
	select {
	case <-ctx.Done():
		return nil, &TransportError{Op: op, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		periods := res.Val.([]workspace.FiscalPeriod)
		out := make([]workspace.FiscalPeriod, len(periods))
		copy(out, periods)
		return out, nil
	}
}

func (g *Gateway) queryPeriods(ctx context.Context) ([]workspace.FiscalPeriod, error) {
	const op = "list_fiscal_periods"
	rows, err := g.db.Query(ctx, `SELECT `+periodColumns+` FROM fiscal_periods ORDER BY year DESC, id`)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()
	var periods []workspace.FiscalPeriod
	for rows.Next() {
		var p workspace.FiscalPeriod
		if err := rows.Scan(&p.ID, &p.Year, &p.StartDate, &p.EndDate); err != nil {
			return nil, classify(op, err)
		}
		periods = append(periods, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return periods, nil
}

// GetFiscalPeriod returns one period or ErrNotFound.
func (g *Gateway) GetFiscalPeriod(ctx context.Context, id string) (workspace.FiscalPeriod, error) {
	const op = "get_fiscal_period"
	var p workspace.FiscalPeriod
	if id == "" {
		return p, ErrNotFound
	}
	err := g.run(ctx, op, func(ctx context.Context) error {
		err := g.db.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods WHERE id = $1`, id).
			Scan(&p.ID, &p.Year, &p.StartDate, &p.EndDate)
		return classify(op, err)
	})
	return p, err
}

const companyColumns = `c.id, c.commercial_name, c.legal_name, c.tax_id, c.status, COALESCE(c.logo_ref, '')`

// GetCompany returns a company regardless of status.
func (g *Gateway) GetCompany(ctx context.Context, id string) (workspace.Company, error) {
	const op = "get_company"
	var c workspace.Company
	if id == "" {
		return c, ErrNotFound
	}
	err := g.run(ctx, op, func(ctx context.Context) error {
		err := g.db.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies c WHERE c.id = $1`, id).
			Scan(&c.ID, &c.CommercialName, &c.LegalName, &c.TaxID, &c.Status, &c.LogoRef)
		return classify(op, err)
	})
	return c, err
}

const membershipQuery = `SELECT ` + companyColumns + `, m.period_id, m.role, m.valid_from, m.valid_to, COALESCE(m.internal_number, '')
FROM memberships m
JOIN companies c ON c.id = m.company_id
WHERE m.user_id::text = $1
  AND ($2 = '' OR m.period_id = $2)
  AND (NOT $3 OR (c.status = 'active' AND m.valid_from <= $4 AND (m.valid_to IS NULL OR m.valid_to >= $4)))`

// ListMembershipsForUser returns the user's memberships ordered by company
// display name under the configured locale's collation.
func (g *Gateway) ListMembershipsForUser(ctx context.Context, userID string, filter MembershipFilter) ([]workspace.Membership, error) {
	const op = "list_memberships"
	at := filter.At
	if at.IsZero() {
		at = g.now()
	}
	var memberships []workspace.Membership
	err := g.run(ctx, op, func(ctx context.Context) error {
		var err error
		memberships, err = g.queryMemberships(ctx, op, membershipQuery, userID, filter.PeriodID, filter.ActiveOnly, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	if filter.ActiveOnly {
		kept := memberships[:0]
		for _, m := range memberships {
			if m.Company.Selectable() && m.ActiveAt(at) {
				kept = append(kept, m)
			}
		}
		memberships = kept
	}
	g.sortByCompanyName(memberships)
	return memberships, nil
}

// GetMembership returns the user's membership on company for period as it
// stands now. It is the authority for the role granted at selection time.
func (g *Gateway) GetMembership(ctx context.Context, userID, companyID, periodID string) (workspace.Membership, error) {
	const op = "get_membership"
	at := g.now()
	var found []workspace.Membership
	err := g.run(ctx, op, func(ctx context.Context) error {
		var err error
		found, err = g.queryMemberships(ctx, op, membershipQuery+` AND c.id = $5`, userID, periodID, false, at, companyID)
		return err
	})
	if err != nil {
		return workspace.Membership{}, err
	}
	if len(found) == 0 {
		return workspace.Membership{}, ErrNoMembership
	}
	m := found[0]
	if !m.Company.Selectable() {
		return m, ErrCompanyInactive
	}
	if !m.ActiveAt(at) {
		return m, ErrNoMembership
	}
	return m, nil
}

func (g *Gateway) queryMemberships(ctx context.Context, op, query string, args ...any) ([]workspace.Membership, error) {
	rows, err := g.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()
	var out []workspace.Membership
	for rows.Next() {
		var (
			m       workspace.Membership
			rawRole string
			validTo *time.Time
		)
		if err := rows.Scan(&m.Company.ID, &m.Company.CommercialName, &m.Company.LegalName, &m.Company.TaxID,
			&m.Company.Status, &m.Company.LogoRef, &m.PeriodID, &rawRole, &m.ValidFrom, &validTo, &m.InternalNumber); err != nil {
			return nil, classify(op, err)
		}
		role, err := workspace.ParseRole(rawRole)
		if err != nil {
			g.logger.Warn("directory: skip membership with unknown role",
				slog.String("company_id", m.Company.ID), slog.String("role", rawRole))
			continue
		}
		m.Role = role
		if validTo != nil {
			m.ValidTo = *validTo
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// ListCompanyMembers returns everyone holding a membership on company for
// period, ordered by internal number.
func (g *Gateway) ListCompanyMembers(ctx context.Context, companyID, periodID string) ([]Member, error) {
	const op = "list_company_members"
	var members []Member
	err := g.run(ctx, op, func(ctx context.Context) error {
		rows, err := g.db.Query(ctx, `SELECT u.id::text, u.name, u.email, m.role, COALESCE(m.internal_number, ''), m.valid_from, m.valid_to
FROM memberships m
JOIN users u ON u.id = m.user_id
WHERE m.company_id = $1 AND m.period_id = $2
ORDER BY m.internal_number NULLS LAST, u.email`, companyID, periodID)
		if err != nil {
			return classify(op, err)
		}
		defer rows.Close()
		members = members[:0]
		for rows.Next() {
			var (
				mem     Member
				rawRole string
				validTo *time.Time
			)
			if err := rows.Scan(&mem.UserID, &mem.Name, &mem.Email, &rawRole, &mem.InternalNumber, &mem.ValidFrom, &validTo); err != nil {
				return classify(op, err)
			}
			role, err := workspace.ParseRole(rawRole)
			if err != nil {
				g.logger.Warn("directory: skip member with unknown role",
					slog.String("company_id", companyID), slog.String("role", rawRole))
				continue
			}
			mem.Role = role
			if validTo != nil {
				mem.ValidTo = *validTo
			}
			members = append(members, mem)
		}
		return classify(op, rows.Err())
	})
	return members, err
}

// run applies the retry policy and reports the outcome to the observer.
func (g *Gateway) run(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := g.retry.do(ctx, fn)
	if g.observe != nil {
		g.observe(op, time.Since(start), observed(err))
	}
	if err != nil && IsTransport(err) {
		g.logger.Warn("directory query failed", slog.String("op", op), slog.Any("error", err))
	}
	return err
}

// observed hides expected lookup misses from error metrics.
func observed(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoMembership) || errors.Is(err, ErrCompanyInactive) {
		return nil
	}
	return err
}

func (g *Gateway) sortByCompanyName(memberships []workspace.Membership) {
	// collate.Collator is not safe for concurrent use.
	c := collate.New(g.locale, collate.IgnoreCase, collate.IgnoreDiacritics)
	sort.SliceStable(memberships, func(i, j int) bool {
		return c.CompareString(memberships[i].Company.DisplayName(), memberships[j].Company.DisplayName()) < 0
	})
}
