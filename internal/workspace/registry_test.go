package workspace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerdesk/ledgerdesk/internal/shared"
)

func memoryFactory(stores map[string]*MemoryStore) StoreFactory {
	return func(scope string) Store {
		if s, ok := stores[scope]; ok {
			return s
		}
		s := NewMemoryStore()
		stores[scope] = s
		return s
	}
}

func TestRegistryReturnsRestoredMachinePerScope(t *testing.T) {
	ctx := context.Background()
	stores := map[string]*MemoryStore{}
	seed := NewMemoryStore()
	require.NoError(t, NewMachine(seed, nil, WithOwner("user-1")).EstablishContext(ctx, acme(), period2024(), RoleOwner))
	stores["a"] = seed

	reg := NewRegistry(memoryFactory(stores), nil, 0)
	a, err := reg.Machine(ctx, "a", "user-1")
	require.NoError(t, err)
	b, err := reg.Machine(ctx, "b", "user-1")
	require.NoError(t, err)

	assert.Equal(t, StateComplete, a.State())
	assert.Equal(t, StateEmpty, b.State())
	again, err := reg.Machine(ctx, "a", "user-1")
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Equal(t, 2, reg.Len())

	_, err = reg.Machine(ctx, "", "user-1")
	assert.Error(t, err)
}

func TestRegistryEvictsIdleMachines(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(memoryFactory(map[string]*MemoryStore{}), nil, time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	first, err := reg.Machine(ctx, "a", "user-1")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = reg.Machine(ctx, "b", "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	second, err := reg.Machine(ctx, "a", "user-1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestRegistryClearScope(t *testing.T) {
	ctx := context.Background()
	stores := map[string]*MemoryStore{}
	reg := NewRegistry(memoryFactory(stores), nil, 0)
	m, err := reg.Machine(ctx, "a", "user-1")
	require.NoError(t, err)
	require.NoError(t, m.EstablishContext(ctx, acme(), period2024(), RoleOwner))

	require.NoError(t, reg.ClearScope(ctx, "a"))
	assert.Equal(t, 0, reg.Len())
	assert.Nil(t, stores["a"].Raw())
}

func TestRegistryIgnoresContextOfAnotherUser(t *testing.T) {
	ctx := context.Background()
	stores := map[string]*MemoryStore{}
	reg := NewRegistry(memoryFactory(stores), nil, 0)
	first, err := reg.Machine(ctx, "a", "user-1")
	require.NoError(t, err)
	require.NoError(t, first.EstablishContext(ctx, acme(), period2024(), RoleOwner))

	second, err := reg.Machine(ctx, "a", "user-2")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, StateEmpty, second.State())
	assert.False(t, second.CanModify())

	reg.Forget("a")
	restored, err := reg.Machine(ctx, "a", "user-1")
	require.NoError(t, err)
	assert.Equal(t, StateComplete, restored.State())
	assert.Equal(t, "user-1", restored.Owner())
}

func TestRegistryMoveScope(t *testing.T) {
	ctx := context.Background()
	stores := map[string]*MemoryStore{}
	reg := NewRegistry(memoryFactory(stores), nil, 0)
	m, err := reg.Machine(ctx, "old", "user-1")
	require.NoError(t, err)
	require.NoError(t, m.EstablishContext(ctx, acme(), period2024(), RoleAccountant))

	require.NoError(t, reg.MoveScope(ctx, "old", "new", "user-1"))
	assert.Nil(t, stores["old"].Raw())
	moved, err := reg.Machine(ctx, "new", "user-1")
	require.NoError(t, err)
	assert.Equal(t, StateComplete, moved.State())
	assert.Equal(t, RoleAccountant, moved.Current().Role)
}

func TestRegistryMoveScopeDropsForeignContext(t *testing.T) {
	ctx := context.Background()
	stores := map[string]*MemoryStore{}
	reg := NewRegistry(memoryFactory(stores), nil, 0)
	m, err := reg.Machine(ctx, "old", "user-1")
	require.NoError(t, err)
	require.NoError(t, m.EstablishContext(ctx, acme(), period2024(), RoleOwner))

	require.NoError(t, reg.MoveScope(ctx, "old", "new", "user-2"))
	assert.Nil(t, stores["old"].Raw())
	assert.NotContains(t, stores, "new")
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryMiddlewareAttachesMachine(t *testing.T) {
	reg := NewRegistry(memoryFactory(map[string]*MemoryStore{}), nil, 0)
	var seen *Machine
	handler := reg.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m, err := MachineFromContext(r.Context())
		require.NoError(t, err)
		seen = m
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(shared.ContextWithSession(req.Context(), &shared.Session{ID: "scope-1"}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.NotNil(t, seen)
	assert.Equal(t, StateEmpty, seen.State())
}

func TestRegistryMiddlewareRequiresSession(t *testing.T) {
	reg := NewRegistry(memoryFactory(map[string]*MemoryStore{}), nil, 0)
	handler := reg.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a session")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestMachineFromContextMissing(t *testing.T) {
	_, err := MachineFromContext(context.Background())
	assert.ErrorIs(t, err, ErrNoMachine)
}
