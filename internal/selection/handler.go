package selection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerdesk/ledgerdesk/internal/auth"
	"github.com/ledgerdesk/ledgerdesk/internal/directory"
	"github.com/ledgerdesk/ledgerdesk/internal/shared"
	"github.com/ledgerdesk/ledgerdesk/internal/view"
	"github.com/ledgerdesk/ledgerdesk/internal/workspace"
	"github.com/ledgerdesk/ledgerdesk/jobs"
)

const (
	periodPath  = workspace.PeriodSelectionPath
	companyPath = "/context/company"
	homePath    = "/"
)

// Directory is the read side the selection screens need.
type Directory interface {
	ListFiscalPeriods(ctx context.Context) ([]workspace.FiscalPeriod, error)
	GetFiscalPeriod(ctx context.Context, id string) (workspace.FiscalPeriod, error)
	ListMembershipsForUser(ctx context.Context, userID string, filter directory.MembershipFilter) ([]workspace.Membership, error)
	GetMembership(ctx context.Context, userID, companyID, periodID string) (workspace.Membership, error)
}

// ContextAuditor records established contexts out of band.
type ContextAuditor interface {
	EnqueueContextEstablished(ctx context.Context, payload jobs.ContextEstablishedPayload) error
}

// PeriodPage feeds pages/context/period.html.
type PeriodPage struct {
	Periods  []workspace.FiscalPeriod
	Selected string
	Error    string
	RetryURL string
}

// CompanyPage feeds pages/context/company.html.
type CompanyPage struct {
	Period      workspace.FiscalPeriod
	Memberships []workspace.Membership
	Preferred   string
	Error       string
	RetryURL    string
}

// Handler serves the period and company selection screens.
type Handler struct {
	logger    *slog.Logger
	directory Directory
	templates *view.Engine
	csrf      *shared.CSRFManager
	auditor   ContextAuditor
}

// NewHandler constructs the selection handler. auditor may be nil.
func NewHandler(logger *slog.Logger, dir Directory, templates *view.Engine, csrf *shared.CSRFManager, auditor ContextAuditor) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{logger: logger, directory: dir, templates: templates, csrf: csrf, auditor: auditor}
}

// MountRoutes registers the screens under /context. Routes expect the session,
// identity and workspace machine to be attached by upstream middleware.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/period", h.showPeriods)
	r.Post("/period", h.selectPeriod)
	r.Get("/company", h.showCompanies)
	r.Post("/company", h.selectCompany)
	r.Post("/clear", h.clear)
}

func (h *Handler) showPeriods(w http.ResponseWriter, r *http.Request) {
	machine, ok := h.machine(w, r)
	if !ok {
		return
	}
	page := PeriodPage{}
	if p := machine.Current().Period; p != nil {
		page.Selected = p.ID
	}
	periods, err := h.directory.ListFiscalPeriods(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.logger.Warn("list fiscal periods", slog.Any("error", err))
		page.Error = "Fiscal periods could not be loaded."
		page.RetryURL = periodPath
		h.render(w, r, http.StatusBadGateway, "pages/context/period.html", "Select period", page)
		return
	}
	page.Periods = periods
	h.render(w, r, http.StatusOK, "pages/context/period.html", "Select period", page)
}

func (h *Handler) selectPeriod(w http.ResponseWriter, r *http.Request) {
	machine, ok := h.machine(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	periodID := r.PostFormValue("period_id")
	period, err := h.directory.GetFiscalPeriod(r.Context(), periodID)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		h.flashRedirect(w, r, "error", "That fiscal period does not exist.", periodPath)
		return
	case err != nil:
		if r.Context().Err() != nil {
			return
		}
		h.logger.Warn("get fiscal period", slog.String("period_id", periodID), slog.Any("error", err))
		h.render(w, r, http.StatusBadGateway, "pages/context/period.html", "Select period", PeriodPage{
			Error:    "The fiscal period could not be loaded.",
			RetryURL: periodPath,
		})
		return
	}
	if err := machine.SelectPeriod(period); err != nil {
		h.rejectTransition(w, r, err, periodPath)
		return
	}
	http.Redirect(w, r, companyURL(period.ID), http.StatusSeeOther)
}

func (h *Handler) showCompanies(w http.ResponseWriter, r *http.Request) {
	machine, ok := h.machine(w, r)
	if !ok {
		return
	}
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	snap := machine.Current()
	periodID := r.URL.Query().Get("period")
	if periodID == "" && snap.Period != nil {
		periodID = snap.Period.ID
	}
	if periodID == "" {
		http.Redirect(w, r, periodPath, http.StatusSeeOther)
		return
	}

	var (
		period      workspace.FiscalPeriod
		memberships []workspace.Membership
	)
	g, gctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		period, err = h.directory.GetFiscalPeriod(gctx, periodID)
		return err
	})
	g.Go(func() error {
		var err error
		memberships, err = h.directory.ListMembershipsForUser(gctx, identity.UserID, directory.MembershipFilter{PeriodID: periodID, ActiveOnly: true})
		return err
	})
	err := g.Wait()
	if r.Context().Err() != nil {
		// The request went away; whatever arrived late is dropped.
		return
	}
	switch {
	case errors.Is(err, directory.ErrNotFound):
		http.Redirect(w, r, periodPath, http.StatusSeeOther)
		return
	case err != nil:
		h.logger.Warn("load company selection", slog.String("period_id", periodID), slog.Any("error", err))
		h.render(w, r, http.StatusBadGateway, "pages/context/company.html", "Select company", CompanyPage{
			Period:   period,
			Error:    "Your companies could not be loaded.",
			RetryURL: companyURL(periodID),
		})
		return
	}

	preferred := machine.PreferredCompany()
	if snap.Company != nil && snap.Period != nil && snap.Period.ID == periodID {
		preferred = snap.Company.ID
	}
	h.render(w, r, http.StatusOK, "pages/context/company.html", "Select company", CompanyPage{
		Period:      period,
		Memberships: memberships,
		Preferred:   preferred,
	})
}

func (h *Handler) selectCompany(w http.ResponseWriter, r *http.Request) {
	machine, ok := h.machine(w, r)
	if !ok {
		return
	}
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	periodID := r.PostFormValue("period_id")
	companyID := r.PostFormValue("company_id")
	if periodID == "" {
		h.flashRedirect(w, r, "error", "Select a fiscal period first.", periodPath)
		return
	}
	if companyID == "" {
		h.flashRedirect(w, r, "error", "Select a company.", companyURL(periodID))
		return
	}

	var (
		period     workspace.FiscalPeriod
		membership workspace.Membership
	)
	g, gctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		period, err = h.directory.GetFiscalPeriod(gctx, periodID)
		return err
	})
	g.Go(func() error {
		var err error
		membership, err = h.directory.GetMembership(gctx, identity.UserID, companyID, periodID)
		return err
	})
	err := g.Wait()
	if r.Context().Err() != nil {
		return
	}
	switch {
	case errors.Is(err, directory.ErrNotFound):
		h.flashRedirect(w, r, "error", "That fiscal period does not exist.", periodPath)
		return
	case errors.Is(err, directory.ErrNoMembership), errors.Is(err, directory.ErrCompanyInactive):
		h.flashRedirect(w, r, "error", "You have no active membership for that company in this period.", companyURL(periodID))
		return
	case err != nil:
		h.logger.Warn("confirm company selection", slog.String("company_id", companyID), slog.Any("error", err))
		h.render(w, r, http.StatusBadGateway, "pages/context/company.html", "Select company", CompanyPage{
			Period:   period,
			Error:    "Your membership could not be confirmed.",
			RetryURL: companyURL(periodID),
		})
		return
	}

	snap := machine.Current()
	if snap.State == workspace.StatePeriodOnly && snap.Period != nil && snap.Period.ID == period.ID {
		err = machine.SelectCompany(r.Context(), membership.Company, membership.Role)
	} else {
		err = machine.EstablishContext(r.Context(), membership.Company, period, membership.Role)
	}
	if err != nil {
		h.rejectTransition(w, r, err, companyURL(periodID))
		return
	}

	h.audit(r, identity, machine.Current())
	h.flashRedirect(w, r, "success", "Working in "+membership.Company.DisplayName()+".", homePath)
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	machine, ok := h.machine(w, r)
	if !ok {
		return
	}
	if err := machine.Clear(r.Context()); err != nil {
		h.logger.Warn("clear workspace context", slog.Any("error", err))
	}
	http.Redirect(w, r, periodPath, http.StatusSeeOther)
}

func (h *Handler) audit(r *http.Request, identity *shared.Identity, snap workspace.Snapshot) {
	if h.auditor == nil || !snap.IsAuthorized {
		return
	}
	payload := jobs.ContextEstablishedPayload{
		UserID:     identity.UserID,
		CompanyID:  snap.Company.ID,
		PeriodID:   snap.Period.ID,
		Role:       string(snap.Role),
		SelectedAt: snap.SelectedAt,
	}
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		payload.SessionID = sess.ID
	}
	if err := h.auditor.EnqueueContextEstablished(r.Context(), payload); err != nil {
		h.logger.Warn("enqueue context audit", slog.Any("error", err))
	}
}

func (h *Handler) rejectTransition(w http.ResponseWriter, r *http.Request, err error, back string) {
	var verr *workspace.ValidationError
	if errors.As(err, &verr) {
		h.logger.Info("context transition rejected", slog.String("op", verr.Op), slog.String("reason", verr.Reason))
		h.flashRedirect(w, r, "error", "That selection is not allowed.", back)
		return
	}
	h.logger.Error("persist workspace context", slog.Any("error", err))
	h.flashRedirect(w, r, "error", "Your selection could not be saved. Please try again.", back)
}

func (h *Handler) machine(w http.ResponseWriter, r *http.Request) (*workspace.Machine, bool) {
	machine, err := workspace.MachineFromContext(r.Context())
	if err != nil {
		h.logger.Error("selection without workspace machine", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return nil, false
	}
	return machine, true
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (*shared.Identity, bool) {
	identity := shared.IdentityFromContext(r.Context())
	if identity == nil || identity.UserID == "" {
		http.Redirect(w, r, auth.LoginPath, http.StatusSeeOther)
		return nil, false
	}
	return identity, true
}

func (h *Handler) flashRedirect(w http.ResponseWriter, r *http.Request, kind, message, location string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: kind, Message: message})
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, name, title string, data any) {
	sess := shared.SessionFromContext(r.Context())
	var (
		csrfToken string
		flash     *shared.FlashMessage
	)
	if sess != nil {
		csrfToken, _ = h.csrf.EnsureToken(r.Context(), sess)
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:       title,
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Identity:    shared.IdentityFromContext(r.Context()),
		Data:        data,
	}
	if machine, err := workspace.MachineFromContext(r.Context()); err == nil {
		snap := machine.Current()
		viewData.Workspace = &snap
	}
	if err := h.templates.RenderStatus(w, status, name, viewData); err != nil {
		h.logger.Error("render selection", slog.String("template", name), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func companyURL(periodID string) string {
	return companyPath + "?" + url.Values{"period": {periodID}}.Encode()
}
