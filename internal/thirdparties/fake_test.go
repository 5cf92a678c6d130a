package thirdparties

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ledgerdesk/ledgerdesk/internal/shared"
)

type memRepo struct {
	mu       sync.Mutex
	items    map[string]ThirdParty
	inactive bool
	txCalls  int
}

func newMemRepo(items ...ThirdParty) *memRepo {
	r := &memRepo{items: map[string]ThirdParty{}}
	for _, tp := range items {
		r.items[tp.ID] = tp
	}
	return r
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	r.mu.Lock()
	r.txCalls++
	r.mu.Unlock()
	return fn(ctx, r)
}

func (r *memRepo) List(_ context.Context, f ListFilter) ([]ThirdParty, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inactive {
		return nil, 0, ErrCompanyInactive
	}
	var all []ThirdParty
	for _, tp := range r.items {
		if tp.CompanyID != f.CompanyID {
			continue
		}
		if f.Kind != "" && tp.Kind != f.Kind && tp.Kind != KindBoth {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(tp.Name), strings.ToLower(f.Search)) {
			continue
		}
		all = append(all, tp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	total := len(all)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return all[f.Offset:end], total, nil
}

func (r *memRepo) Get(_ context.Context, companyID, id string) (*ThirdParty, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inactive {
		return nil, ErrCompanyInactive
	}
	tp, ok := r.items[id]
	if !ok || tp.CompanyID != companyID {
		return nil, ErrNotFound
	}
	return &tp, nil
}

func (r *memRepo) GetByCode(_ context.Context, companyID, code string) (*ThirdParty, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inactive {
		return nil, ErrCompanyInactive
	}
	for _, tp := range r.items {
		if tp.CompanyID == companyID && tp.Code == code {
			found := tp
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRepo) Create(_ context.Context, tp ThirdParty) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inactive {
		return ErrCompanyInactive
	}
	r.items[tp.ID] = tp
	return nil
}

func (r *memRepo) Update(_ context.Context, tp ThirdParty) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inactive {
		return ErrCompanyInactive
	}
	if _, ok := r.items[tp.ID]; !ok {
		return ErrNotFound
	}
	r.items[tp.ID] = tp
	return nil
}

func (r *memRepo) Delete(_ context.Context, companyID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inactive {
		return ErrCompanyInactive
	}
	tp, ok := r.items[id]
	if !ok || tp.CompanyID != companyID {
		return ErrNotFound
	}
	delete(r.items, id)
	return nil
}

type recordingAudit struct {
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

type memKeys struct {
	claimed  map[string]bool
	released []string
}

func (k *memKeys) CheckAndInsert(_ context.Context, key, _ string) error {
	if k.claimed == nil {
		k.claimed = map[string]bool{}
	}
	if k.claimed[key] {
		return shared.ErrIdempotencyConflict
	}
	k.claimed[key] = true
	return nil
}

func (k *memKeys) Release(_ context.Context, key string) error {
	delete(k.claimed, key)
	k.released = append(k.released, key)
	return nil
}
