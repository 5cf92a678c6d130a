package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	sql  string
	args []any
}

type fakeExecer struct {
	calls []execCall
	err   error
	tag   pgconn.CommandTag
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return f.tag, f.err
}

func TestAuditLoggerRecord(t *testing.T) {
	db := &fakeExecer{}
	logger := NewAuditLogger(db)

	err := logger.Record(context.Background(), AuditLog{ActorID: "u1", Action: "context.established", Entity: "company", EntityID: "acme", Meta: map[string]any{"period": "2024"}})
	require.NoError(t, err)
	require.Len(t, db.calls, 1)
	assert.Equal(t, "u1", db.calls[0].args[0])
	assert.JSONEq(t, `{"period":"2024"}`, string(db.calls[0].args[4].([]byte)))
	assert.Nil(t, db.calls[0].args[5])

	err = logger.Record(context.Background(), AuditLog{Action: "x"})
	assert.Error(t, err)
	assert.Len(t, db.calls, 1)

	var nilLogger *AuditLogger
	assert.Error(t, nilLogger.Record(context.Background(), AuditLog{}))
}

func TestIdempotencyConflict(t *testing.T) {
	db := &fakeExecer{err: &pgconn.PgError{Code: "23505"}}
	store := NewIdempotencyStore(db)

	err := store.CheckAndInsert(context.Background(), "k1", "thirdparties")
	assert.ErrorIs(t, err, ErrIdempotencyConflict)

	db.err = errors.New("boom")
	err = store.CheckAndInsert(context.Background(), "k1", "thirdparties")
	assert.EqualError(t, err, "boom")

	assert.Error(t, store.CheckAndInsert(context.Background(), "", "thirdparties"))
}

func TestIdempotencyCleanup(t *testing.T) {
	db := &fakeExecer{tag: pgconn.NewCommandTag("DELETE 3")}
	n, err := NewIdempotencyStore(db).Cleanup(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestPagination(t *testing.T) {
	p := NewPagination(2, 10, 35)
	assert.Equal(t, 4, p.TotalPages)
	assert.Equal(t, 10, p.Offset())
	assert.True(t, p.HasPrev())
	assert.True(t, p.HasNext())

	p = NewPagination(0, 0, 0)
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 20, p.PerPage)
	assert.False(t, p.HasNext())

	page, per := PageFromQuery(map[string][]string{"page": {"3"}, "per_page": {"500"}})
	assert.Equal(t, 3, page)
	assert.Equal(t, 20, per)
}

func TestUserSafeMessage(t *testing.T) {
	assert.Equal(t, "", UserSafeMessage(nil))
	assert.Contains(t, UserSafeMessage(ErrForbidden), "role")
	assert.Contains(t, UserSafeMessage(errors.New("pq: secret detail")), "Something went wrong")
}
