package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerdesk/ledgerdesk/internal/app"
	"github.com/ledgerdesk/ledgerdesk/internal/auth"
	"github.com/ledgerdesk/ledgerdesk/internal/dashboard"
	"github.com/ledgerdesk/ledgerdesk/internal/observability"
	"github.com/ledgerdesk/ledgerdesk/internal/selection"
	"github.com/ledgerdesk/ledgerdesk/internal/shared"
	"github.com/ledgerdesk/ledgerdesk/internal/thirdparties"
	"github.com/ledgerdesk/ledgerdesk/internal/view"
	"github.com/ledgerdesk/ledgerdesk/internal/workspace"
	_ "github.com/ledgerdesk/ledgerdesk/testing"
)

type noopSubscriber struct{}

func (noopSubscriber) Subscribe(context.Context, func(auth.Event)) (func(), error) {
	return func() {}, nil
}

type userResolver struct{}

func (userResolver) CurrentSession(_ context.Context, sess *shared.Session) (*shared.Identity, error) {
	if sess == nil || sess.User() == "" {
		return nil, nil
	}
	return &shared.Identity{UserID: sess.User(), Email: "ana@acme.test"}, nil
}

type routerFixture struct {
	handler  http.Handler
	gate     *auth.Gate
	registry *workspace.Registry
	sessions *shared.SessionManager
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	templates, err := view.NewEngine()
	require.NoError(t, err)
	sessions := shared.NewSessionManager(client, "ledgerdesk_session", "secret", time.Hour, false)
	csrf := shared.NewCSRFManager("csrfsecret")
	registry := workspace.NewRegistry(workspace.RedisStoreFactory(client, time.Hour), nil, time.Hour)
	gate := auth.NewGate(userResolver{}, noopSubscriber{}, nil,
		auth.WithPlaceholder(app.PendingPage(templates, nil, "Checking your session")))

	handler := app.NewRouter(app.RouterParams{
		Logger:              nil,
		Config:              &app.Config{AppEnv: "test", RateLimitPerMinute: 1000},
		Templates:           templates,
		SessionManager:      sessions,
		CSRFManager:         csrf,
		Gate:                gate,
		Registry:            registry,
		Guard:               workspace.NewGuard(nil, nil),
		AuthHandler:         auth.NewHandler(nil, nil, templates, sessions, csrf, nil, registry),
		SelectionHandler:    selection.NewHandler(nil, nil, templates, csrf, nil),
		DashboardHandler:    dashboard.NewHandler(nil, nil, templates, csrf),
		ThirdPartiesHandler: thirdparties.NewHandler(nil, nil, templates, csrf),
		Metrics:             observability.NewMetrics(),
	})
	return &routerFixture{handler: handler, gate: gate, registry: registry, sessions: sessions}
}

// signIn stores a signed-in session and returns its cookie.
func (fx *routerFixture) signIn(t *testing.T) (*http.Cookie, string) {
	t.Helper()
	return fx.signInAs(t, "user-1", nil)
}

// signInAs binds userID to the session named by cookie, or to a new one.
func (fx *routerFixture) signInAs(t *testing.T, userID string, cookie *http.Cookie) (*http.Cookie, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	sess, err := fx.sessions.Load(context.Background(), req)
	require.NoError(t, err)
	sess.SetUser(userID)
	rec := httptest.NewRecorder()
	require.NoError(t, fx.sessions.Commit(context.Background(), rec, req, sess))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0], sess.ID
}

func (fx *routerFixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthzSkipsSession(t *testing.T) {
	fx := newRouterFixture(t)
	rec := fx.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Empty(t, rec.Result().Cookies())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestStaticAssetsAreCached(t *testing.T) {
	fx := newRouterFixture(t)
	rec := fx.serve(httptest.NewRequest(http.MethodGet, "/static/css/app.css", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/css"))
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newRouterFixture(t)
	fx.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := fx.serve(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledgerdesk_http_requests_total")
}

func TestWorkspaceRoutesWaitForGate(t *testing.T) {
	fx := newRouterFixture(t)
	rec := fx.serve(httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "Checking your session")
}

func TestAnonymousRedirectsToLogin(t *testing.T) {
	fx := newRouterFixture(t)
	require.NoError(t, fx.gate.Start(context.Background()))

	rec := fx.serve(httptest.NewRequest(http.MethodGet, "/thirdparties", nil))

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, auth.LoginPath, rec.Header().Get("Location"))
	require.NotEmpty(t, rec.Result().Cookies())
}

func TestEmptyContextRedirectsToPeriodSelection(t *testing.T) {
	fx := newRouterFixture(t)
	require.NoError(t, fx.gate.Start(context.Background()))
	cookie, _ := fx.signIn(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	rec := fx.serve(req)

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, workspace.PeriodSelectionPath, rec.Header().Get("Location"))
}

func TestCompleteContextPassesGuard(t *testing.T) {
	fx := newRouterFixture(t)
	require.NoError(t, fx.gate.Start(context.Background()))
	cookie, sessionID := fx.signIn(t)

	machine, err := fx.registry.Machine(context.Background(), sessionID, "user-1")
	require.NoError(t, err)
	require.NoError(t, machine.EstablishContext(context.Background(),
		workspace.Company{ID: "acme", CommercialName: "Acme", Status: workspace.CompanyStatusActive},
		workspace.FiscalPeriod{ID: "p2024", Year: 2024},
		workspace.RoleAccountant))

	req := httptest.NewRequest(http.MethodGet, "/workspace/members", nil)
	req.AddCookie(cookie)
	rec := fx.serve(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/context", nil)
	req.AddCookie(cookie)
	rec = fx.serve(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"complete"`)
}

func TestUnsafeMethodsNeedCSRFToken(t *testing.T) {
	fx := newRouterFixture(t)
	require.NoError(t, fx.gate.Start(context.Background()))
	cookie, _ := fx.signIn(t)

	req := httptest.NewRequest(http.MethodPost, "/context/clear", nil)
	req.AddCookie(cookie)
	rec := fx.serve(req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestContextDoesNotCarryToAnotherUser(t *testing.T) {
	fx := newRouterFixture(t)
	require.NoError(t, fx.gate.Start(context.Background()))
	cookie, sessionID := fx.signIn(t)

	machine, err := fx.registry.Machine(context.Background(), sessionID, "user-1")
	require.NoError(t, err)
	require.NoError(t, machine.EstablishContext(context.Background(),
		workspace.Company{ID: "acme", CommercialName: "Acme", Status: workspace.CompanyStatusActive},
		workspace.FiscalPeriod{ID: "p2024", Year: 2024},
		workspace.RoleOwner))

	cookie, sameID := fx.signInAs(t, "user-2", cookie)
	require.Equal(t, sessionID, sameID)

	req := httptest.NewRequest(http.MethodGet, "/api/context", nil)
	req.AddCookie(cookie)
	rec := fx.serve(req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"state":"empty"`)
	assert.Contains(t, body, `"company":null`)
	assert.Contains(t, body, `"can_delete":false`)
}
