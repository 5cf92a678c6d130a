package directory

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB answers queries from canned rows keyed by a SQL fragment.
type fakeDB struct {
	mu      sync.Mutex
	results map[string][][]any
	errs    []error // consumed one per query before results apply
	calls   []fakeCall
	gate    chan struct{}
}

type fakeCall struct {
	sql  string
	args []any
}

func newFakeDB() *fakeDB {
	return &fakeDB{results: map[string][][]any{}}
}

func (f *fakeDB) on(fragment string, rows ...[]any) {
	f.results[fragment] = rows
}

func (f *fakeDB) failNext(errs ...error) {
	f.errs = append(f.errs, errs...)
}

func (f *fakeDB) count(fragment string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c.sql, fragment) {
			n++
		}
	}
	return n
}

func (f *fakeDB) lookup(sql string, args []any) ([][]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{sql: sql, args: args})
	gate := f.gate
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	best := ""
	for fragment := range f.results {
		if strings.Contains(sql, fragment) && len(fragment) > len(best) {
			best = fragment
		}
	}
	return f.results[best], nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	rows, err := f.lookup(sql, args)
	if err != nil {
		return nil, err
	}
	return &fakeRows{rows: rows, idx: -1}, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, err := f.lookup(sql, args)
	return fakeRow{rows: rows, err: err}
}

type fakeRow struct {
	rows [][]any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(r.rows) == 0 {
		return pgx.ErrNoRows
	}
	return assign(r.rows[0], dest)
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.rows[r.idx], nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	return assign(r.rows[r.idx], dest)
}

func assign(row []any, dest []any) error {
	if len(row) != len(dest) {
		return fmt.Errorf("fake: row has %d columns, scan wants %d", len(row), len(dest))
	}
	for i, d := range dest {
		target := reflect.ValueOf(d).Elem()
		if row[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		target.Set(reflect.ValueOf(row[i]))
	}
	return nil
}
