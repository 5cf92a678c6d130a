package thirdparties

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ledgerdesk/ledgerdesk/internal/shared"
	"github.com/ledgerdesk/ledgerdesk/internal/view"
	"github.com/ledgerdesk/ledgerdesk/internal/workspace"
)

const basePath = "/thirdparties"

// Handler serves the third party screens of the current workspace.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	templates *view.Engine
	csrf      *shared.CSRFManager
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service, templates *view.Engine, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{logger: logger, service: service, templates: templates, csrf: csrf}
}

type listPage struct {
	Items      []ThirdParty
	Pagination shared.Pagination
	Search     string
	Kind       string
}

type formPage struct {
	IsEdit         bool
	Form           Form
	Errors         FieldErrors
	Action         string
	IdempotencyKey string
}

type detailPage struct {
	Item *ThirdParty
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	machine, snap, ok := h.workspace(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, perPage := shared.PageFromQuery(q)
	search := strings.TrimSpace(q.Get("q"))
	kind := Kind(q.Get("kind"))
	if kind != KindCustomer && kind != KindVendor {
		kind = ""
	}
	items, pagination, err := h.service.List(r.Context(), snap.Company.ID, search, kind, page, perPage)
	if err != nil {
		h.fail(w, r, machine, "list third parties", err)
		return
	}
	h.render(w, r, http.StatusOK, "pages/thirdparties/list.html", "Customers and vendors", listPage{
		Items:      items,
		Pagination: pagination,
		Search:     search,
		Kind:       string(kind),
	})
}

func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	machine, snap, ok := h.workspace(w, r)
	if !ok {
		return
	}
	item, err := h.service.Get(r.Context(), snap.Company.ID, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, machine, "get third party", err)
		return
	}
	h.render(w, r, http.StatusOK, "pages/thirdparties/detail.html", item.Name, detailPage{Item: item})
}

func (h *Handler) ShowForm(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "pages/thirdparties/form.html", "New third party", formPage{
		Form:           Form{Kind: string(KindCustomer)},
		Errors:         FieldErrors{},
		Action:         basePath,
		IdempotencyKey: uuid.NewString(),
	})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	machine, snap, ok := h.workspace(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := FormFromValues(r.PostForm)
	key := r.PostFormValue("idempotency_key")
	created, err := h.service.Create(r.Context(), snap.Company.ID, actorID(r), key, form)
	var fieldErrs FieldErrors
	switch {
	case errors.As(err, &fieldErrs):
		h.render(w, r, http.StatusBadRequest, "pages/thirdparties/form.html", "New third party", formPage{
			Form:           form,
			Errors:         fieldErrs,
			Action:         basePath,
			IdempotencyKey: key,
		})
		return
	case errors.Is(err, ErrDuplicateSubmit):
		h.flashRedirect(w, r, "info", "This form was already submitted.", basePath)
		return
	case err != nil:
		h.fail(w, r, machine, "create third party", err)
		return
	}
	h.flashRedirect(w, r, "success", created.Name+" created.", basePath+"/"+created.ID)
}

func (h *Handler) ShowEditForm(w http.ResponseWriter, r *http.Request) {
	machine, snap, ok := h.workspace(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	item, err := h.service.Get(r.Context(), snap.Company.ID, id)
	if err != nil {
		h.fail(w, r, machine, "get third party", err)
		return
	}
	h.render(w, r, http.StatusOK, "pages/thirdparties/form.html", "Edit "+item.Name, formPage{
		IsEdit: true,
		Form:   FormFrom(*item),
		Errors: FieldErrors{},
		Action: basePath + "/" + id + "/edit",
	})
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	machine, snap, ok := h.workspace(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	form := FormFromValues(r.PostForm)
	updated, err := h.service.Update(r.Context(), snap.Company.ID, actorID(r), id, form)
	var fieldErrs FieldErrors
	switch {
	case errors.As(err, &fieldErrs):
		h.render(w, r, http.StatusBadRequest, "pages/thirdparties/form.html", "Edit third party", formPage{
			IsEdit: true,
			Form:   form,
			Errors: fieldErrs,
			Action: basePath + "/" + id + "/edit",
		})
		return
	case err != nil:
		h.fail(w, r, machine, "update third party", err)
		return
	}
	h.flashRedirect(w, r, "success", updated.Name+" saved.", basePath+"/"+id)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	machine, snap, ok := h.workspace(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), snap.Company.ID, actorID(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, machine, "delete third party", err)
		return
	}
	h.flashRedirect(w, r, "success", "Third party deleted.", basePath)
}

// requireModify and requireDelete gate mutations on the current role.
func (h *Handler) requireModify(next http.Handler) http.Handler {
	return h.require(func(m *workspace.Machine) bool { return m.CanModify() }, next)
}

func (h *Handler) requireDelete(next http.Handler) http.Handler {
	return h.require(func(m *workspace.Machine) bool { return m.CanDelete() }, next)
}

func (h *Handler) require(allowed func(*workspace.Machine) bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		machine, err := workspace.MachineFromContext(r.Context())
		if err != nil || !allowed(machine) {
			h.logger.Info("third party action denied", slog.String("path", r.URL.Path), slog.String("method", r.Method))
			if sess := shared.SessionFromContext(r.Context()); sess != nil {
				sess.AddFlash(shared.FlashMessage{Kind: "error", Message: shared.UserSafeMessage(shared.ErrForbidden)})
			}
			h.render(w, r, http.StatusForbidden, "pages/forbidden.html", "Not allowed", basePath)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) workspace(w http.ResponseWriter, r *http.Request) (*workspace.Machine, workspace.Snapshot, bool) {
	machine, err := workspace.MachineFromContext(r.Context())
	if err != nil {
		http.Redirect(w, r, workspace.PeriodSelectionPath, http.StatusSeeOther)
		return nil, workspace.Snapshot{}, false
	}
	snap := machine.Current()
	if !snap.IsAuthorized {
		http.Redirect(w, r, workspace.PeriodSelectionPath, http.StatusSeeOther)
		return nil, workspace.Snapshot{}, false
	}
	return machine, snap, true
}

// fail maps service errors to responses. A company that is gone or inactive
// invalidates the whole context.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, machine *workspace.Machine, op string, err error) {
	switch {
	case errors.Is(err, ErrCompanyInactive):
		h.logger.Warn("workspace company no longer active", slog.String("op", op))
		if clearErr := machine.Clear(r.Context()); clearErr != nil {
			h.logger.Warn("clear workspace context", slog.Any("error", clearErr))
		}
		h.flashRedirect(w, r, "error", "The selected company is no longer available. Choose another one.", workspace.PeriodSelectionPath)
	case errors.Is(err, ErrNotFound):
		http.NotFound(w, r)
	default:
		h.logger.Error(op, slog.Any("error", err))
		http.Error(w, shared.UserSafeMessage(err), http.StatusInternalServerError)
	}
}

func (h *Handler) flashRedirect(w http.ResponseWriter, r *http.Request, kind, message, location string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: kind, Message: message})
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, name, title string, data any) {
	sess := shared.SessionFromContext(r.Context())
	viewData := view.TemplateData{
		Title:       title,
		CurrentPath: r.URL.Path,
		Identity:    shared.IdentityFromContext(r.Context()),
		Data:        data,
	}
	if sess != nil {
		viewData.CSRFToken, _ = h.csrf.EnsureToken(r.Context(), sess)
		viewData.Flash = sess.PopFlash()
	}
	if machine, err := workspace.MachineFromContext(r.Context()); err == nil {
		snap := machine.Current()
		viewData.Workspace = &snap
	}
	if err := h.templates.RenderStatus(w, status, name, viewData); err != nil {
		h.logger.Error("render third parties", slog.String("template", name), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func actorID(r *http.Request) string {
	if id := shared.IdentityFromContext(r.Context()); id != nil {
		return id.UserID
	}
	return ""
}
