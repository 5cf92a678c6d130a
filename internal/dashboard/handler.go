// Package dashboard serves the workspace entry points: the home page, the
// member list and the JSON context endpoint.
package dashboard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerdesk/ledgerdesk/internal/directory"
	"github.com/ledgerdesk/ledgerdesk/internal/platform/httpx"
	"github.com/ledgerdesk/ledgerdesk/internal/shared"
	"github.com/ledgerdesk/ledgerdesk/internal/view"
	"github.com/ledgerdesk/ledgerdesk/internal/workspace"
)

// Directory is the subset of the directory gateway used here.
type Directory interface {
	GetCompany(ctx context.Context, id string) (workspace.Company, error)
	ListCompanyMembers(ctx context.Context, companyID, periodID string) ([]directory.Member, error)
}

// Handler serves the dashboard routes.
type Handler struct {
	logger    *slog.Logger
	directory Directory
	templates *view.Engine
	csrf      *shared.CSRFManager
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, dir Directory, templates *view.Engine, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{logger: logger, directory: dir, templates: templates, csrf: csrf}
}

// MountRoutes registers the guarded HTML routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.home)
	r.Get("/workspace/members", h.members)
}

// MountAPI registers the JSON routes. They answer in every machine state.
func (h *Handler) MountAPI(r chi.Router) {
	r.Get("/context", h.contextJSON)
}

type membersPage struct {
	Members  []directory.Member
	Error    string
	RetryURL string
}

func (h *Handler) home(w http.ResponseWriter, r *http.Request) {
	machine, err := workspace.MachineFromContext(r.Context())
	if err != nil {
		http.Redirect(w, r, workspace.PeriodSelectionPath, http.StatusSeeOther)
		return
	}
	snap := machine.Current()
	if !snap.IsAuthorized {
		http.Redirect(w, r, workspace.PeriodSelectionPath, http.StatusSeeOther)
		return
	}

	// The restored company is optimistic; confirm it before trusting it.
	company, err := h.directory.GetCompany(r.Context(), snap.Company.ID)
	switch {
	case errors.Is(err, directory.ErrNotFound) || (err == nil && !company.Selectable()):
		h.logger.Warn("restored company no longer usable", slog.String("company_id", snap.Company.ID))
		if clearErr := machine.Clear(r.Context()); clearErr != nil {
			h.logger.Warn("clear workspace context", slog.Any("error", clearErr))
		}
		if sess := shared.SessionFromContext(r.Context()); sess != nil {
			sess.AddFlash(shared.FlashMessage{Kind: "error", Message: "The selected company is no longer available. Choose another one."})
		}
		http.Redirect(w, r, workspace.PeriodSelectionPath, http.StatusSeeOther)
		return
	case err != nil:
		if r.Context().Err() != nil {
			return
		}
		h.logger.Warn("verify workspace company", slog.Any("error", err))
	}

	h.render(w, r, http.StatusOK, "pages/dashboard/home.html", snap.Company.DisplayName(), nil)
}

func (h *Handler) members(w http.ResponseWriter, r *http.Request) {
	machine, err := workspace.MachineFromContext(r.Context())
	if err != nil {
		http.Redirect(w, r, workspace.PeriodSelectionPath, http.StatusSeeOther)
		return
	}
	if !machine.CanManageUsers() {
		if sess := shared.SessionFromContext(r.Context()); sess != nil {
			sess.AddFlash(shared.FlashMessage{Kind: "error", Message: shared.UserSafeMessage(shared.ErrForbidden)})
		}
		h.render(w, r, http.StatusForbidden, "pages/forbidden.html", "Not allowed", "/")
		return
	}
	snap := machine.Current()
	members, err := h.directory.ListCompanyMembers(r.Context(), snap.Company.ID, snap.Period.ID)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.logger.Warn("list company members", slog.Any("error", err))
		h.render(w, r, http.StatusBadGateway, "pages/dashboard/members.html", "Members", membersPage{
			Error:    "Members could not be loaded.",
			RetryURL: "/workspace/members",
		})
		return
	}
	h.render(w, r, http.StatusOK, "pages/dashboard/members.html", "Members", membersPage{Members: members})
}

type contextResponse struct {
	State        workspace.State         `json:"state"`
	Company      *workspace.Company      `json:"company"`
	Period       *workspace.FiscalPeriod `json:"period"`
	Role         workspace.Role          `json:"role"`
	IsComplete   bool                    `json:"is_complete"`
	IsAuthorized bool                    `json:"is_authorized"`
	Permissions  workspace.Permissions   `json:"permissions"`
}

func (h *Handler) contextJSON(w http.ResponseWriter, r *http.Request) {
	machine, err := workspace.MachineFromContext(r.Context())
	if err != nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	snap := machine.Current()
	httpx.JSON(w, http.StatusOK, contextResponse{
		State:        snap.State,
		Company:      snap.Company,
		Period:       snap.Period,
		Role:         snap.Role,
		IsComplete:   snap.IsComplete,
		IsAuthorized: snap.IsAuthorized,
		Permissions:  snap.Permissions(),
	})
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, name, title string, data any) {
	viewData := view.TemplateData{
		Title:       title,
		CurrentPath: r.URL.Path,
		Identity:    shared.IdentityFromContext(r.Context()),
		Data:        data,
	}
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		viewData.CSRFToken, _ = h.csrf.EnsureToken(r.Context(), sess)
		viewData.Flash = sess.PopFlash()
	}
	if machine, err := workspace.MachineFromContext(r.Context()); err == nil {
		snap := machine.Current()
		viewData.Workspace = &snap
	}
	if err := h.templates.RenderStatus(w, status, name, viewData); err != nil {
		h.logger.Error("render dashboard", slog.String("template", name), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
