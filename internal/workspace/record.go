package workspace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// RecordVersion is the schema version written by this build.
const RecordVersion = 1

// Record is the durable snapshot of an established context. UserID names the
// user who established it; a record only restores for that user.
type Record struct {
	Version    int          `json:"version"`
	UserID     string       `json:"user_id,omitempty"`
	Company    Company      `json:"company"`
	Period     FiscalPeriod `json:"period"`
	Role       Role         `json:"role"`
	SelectedAt time.Time    `json:"selected_at"`
}

// NewRecord captures a complete context. It panics on an incomplete one since
// only authoritative transitions persist.
func NewRecord(c Context) Record {
	if !c.IsAuthorized() {
		panic("workspace: record requires an authorized context")
	}
	return Record{
		Version:    RecordVersion,
		Company:    *c.Company,
		Period:     *c.Period,
		Role:       c.Role,
		SelectedAt: c.SelectedAt,
	}
}

// Validate checks the invariants a record must satisfy to seed a machine.
func (r Record) Validate() error {
	switch {
	case r.Version != RecordVersion:
		return fmt.Errorf("unsupported version %d", r.Version)
	case r.Company.ID == "":
		return fmt.Errorf("company id missing")
	case r.Period.ID == "":
		return fmt.Errorf("period id missing")
	case !r.Role.Valid():
		return fmt.Errorf("role %q outside the closed set", r.Role)
	}
	return nil
}

// Context expands the record into an in-memory context.
func (r Record) Context() Context {
	company := r.Company
	period := r.Period
	return Context{Company: &company, Period: &period, Role: r.Role, SelectedAt: r.SelectedAt}
}

// EncodeRecord serialises a record.
func EncodeRecord(r Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("workspace: encode record: %w", err)
	}
	return json.Marshal(r)
}

// DecodeRecord parses stored bytes. Every failure wraps ErrCorruptRecord.
func DecodeRecord(data []byte) (Record, error) {
	var rec Record
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if dec.More() {
		return Record{}, fmt.Errorf("%w: trailing data", ErrCorruptRecord)
	}
	if err := rec.Validate(); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return rec, nil
}
