package workspace

import (
	"log/slog"
	"net/http"
)

// PeriodSelectionPath is where incomplete contexts are sent.
const PeriodSelectionPath = "/context/period"

// DecisionKind enumerates guard outcomes.
type DecisionKind int

const (
	// DecisionAllow lets the workspace view render.
	DecisionAllow DecisionKind = iota
	// DecisionWait means restore is still in flight.
	DecisionWait
	// DecisionRedirect sends the user to period selection.
	DecisionRedirect
)

// Decision is the guard's output, consumed by the routing layer.
type Decision struct {
	Kind     DecisionKind
	Location string
	Reason   string
}

// Decide maps a snapshot to a routing decision. A restore in flight is never
// treated as a confirmed empty context.
func Decide(s Snapshot) Decision {
	switch {
	case !s.State.Settled():
		return Decision{Kind: DecisionWait, Reason: "context restore in progress"}
	case s.Company == nil:
		return Decision{Kind: DecisionRedirect, Location: PeriodSelectionPath, Reason: "company missing"}
	case s.Period == nil:
		return Decision{Kind: DecisionRedirect, Location: PeriodSelectionPath, Reason: "period missing"}
	case s.Role == "":
		return Decision{Kind: DecisionRedirect, Location: PeriodSelectionPath, Reason: "role missing"}
	}
	return Decision{Kind: DecisionAllow}
}

// Guard gates workspace views behind a complete context.
type Guard struct {
	logger      *slog.Logger
	placeholder http.Handler
}

// NewGuard constructs a Guard. placeholder renders the transitional page
// shown while restore is in flight; nil falls back to plain text.
func NewGuard(logger *slog.Logger, placeholder http.Handler) *Guard {
	if placeholder == nil {
		placeholder = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte("Loading workspace..."))
		})
	}
	return &Guard{logger: logger, placeholder: placeholder}
}

// Middleware re-evaluates the decision on every request. Redirects use 303 so
// the guarded URL is replaced rather than kept in history.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		machine, err := MachineFromContext(r.Context())
		if err != nil {
			http.Redirect(w, r, PeriodSelectionPath, http.StatusSeeOther)
			return
		}
		decision := Decide(machine.Current())
		switch decision.Kind {
		case DecisionAllow:
			next.ServeHTTP(w, r)
		case DecisionWait:
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Cache-Control", "no-store")
			g.placeholder.ServeHTTP(w, r)
		default:
			if g.logger != nil {
				g.logger.Debug("workspace guard redirect", slog.String("path", r.URL.Path), slog.String("reason", decision.Reason))
			}
			http.Redirect(w, r, decision.Location, http.StatusSeeOther)
		}
	})
}
