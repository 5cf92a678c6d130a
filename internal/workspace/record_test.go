package workspace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRecordRejectsInvalid(t *testing.T) {
	_, err := EncodeRecord(Record{Version: RecordVersion, Company: acme(), Period: period2024(), Role: "root"})
	require.Error(t, err)

	_, err = EncodeRecord(Record{Version: 0, Company: acme(), Period: period2024(), Role: RoleOwner})
	require.Error(t, err)
}

func TestDecodeRecordRejectsTrailingData(t *testing.T) {
	data, err := EncodeRecord(NewRecord(Context{
		Company:    &Company{ID: "acme", Status: CompanyStatusActive},
		Period:     &FiscalPeriod{ID: "2024", Year: 2024},
		Role:       RoleOwner,
		SelectedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, err)

	_, err = DecodeRecord(append(data, []byte(`{"version":1}`)...))
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestDecodeRecordRejectsUnknownFields(t *testing.T) {
	_, err := DecodeRecord([]byte(`{"version":1,"company":{"id":"acme","status":"active"},"period":{"id":"2024"},"role":"owner","token":"x"}`))
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestNewRecordPanicsOnIncompleteContext(t *testing.T) {
	assert.Panics(t, func() {
		NewRecord(Context{Period: &FiscalPeriod{ID: "2024"}})
	})
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole("  Accountant ")
	require.NoError(t, err)
	assert.Equal(t, RoleAccountant, role)

	_, err = ParseRole("superuser")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMembershipActiveAt(t *testing.T) {
	m := Membership{
		ValidFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:   time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
	}
	assert.False(t, m.ActiveAt(time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)))
	assert.True(t, m.ActiveAt(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, m.ActiveAt(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, Membership{}.ActiveAt(time.Now()))
}
