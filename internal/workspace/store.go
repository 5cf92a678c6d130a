package workspace

import (
	"context"
	"sync"
)

// Store persists the last established context for one browser scope.
// ReadContext returns ErrNoRecord when nothing is stored and an error wrapping
// ErrCorruptRecord for undecodable data.
type Store interface {
	ReadContext(ctx context.Context) (Record, error)
	WriteContext(ctx context.Context, rec Record) error
	Clear(ctx context.Context) error
}

// LegacyMigrator is implemented by stores that still carry the pre-versioned
// single company pointer. TakeLegacyCompany returns and deletes it.
type LegacyMigrator interface {
	TakeLegacyCompany(ctx context.Context) (string, error)
}

// MemoryStore keeps the encoded record in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	raw    []byte
	legacy string
	writes int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// ReadContext decodes the stored bytes.
func (s *MemoryStore) ReadContext(ctx context.Context) (Record, error) {
	s.mu.Lock()
	raw := s.raw
	s.mu.Unlock()
	if raw == nil {
		return Record{}, ErrNoRecord
	}
	return DecodeRecord(raw)
}

// WriteContext encodes and stores rec, replacing any previous record.
func (s *MemoryStore) WriteContext(ctx context.Context, rec Record) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.raw = data
	s.writes++
	s.mu.Unlock()
	return nil
}

// Clear removes the record and the legacy pointer.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.raw = nil
	s.legacy = ""
	s.mu.Unlock()
	return nil
}

// TakeLegacyCompany returns and removes the legacy company pointer.
func (s *MemoryStore) TakeLegacyCompany(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.legacy
	s.legacy = ""
	return id, nil
}

// Put stores raw bytes verbatim. Used to seed fixtures, including corrupt ones.
func (s *MemoryStore) Put(raw []byte) {
	s.mu.Lock()
	s.raw = append([]byte(nil), raw...)
	s.mu.Unlock()
}

// PutLegacy seeds the legacy single company pointer.
func (s *MemoryStore) PutLegacy(companyID string) {
	s.mu.Lock()
	s.legacy = companyID
	s.mu.Unlock()
}

// Raw returns a copy of the stored bytes, nil when empty.
func (s *MemoryStore) Raw() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw == nil {
		return nil
	}
	return append([]byte(nil), s.raw...)
}

// Writes counts successful WriteContext calls.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

var (
	_ Store          = (*MemoryStore)(nil)
	_ LegacyMigrator = (*MemoryStore)(nil)
)
