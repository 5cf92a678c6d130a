package thirdparties

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("third party not found")
	ErrCodeTaken       = errors.New("third party code already exists")
	ErrCompanyInactive = errors.New("company no longer active")
	ErrDuplicateSubmit = errors.New("form already submitted")
)

// Kind classifies a third party.
type Kind string

const (
	KindCustomer Kind = "customer"
	KindVendor   Kind = "vendor"
	KindBoth     Kind = "both"
)

// ThirdParty is a customer or vendor of one company.
type ThirdParty struct {
	ID          string          `json:"id"`
	CompanyID   string          `json:"company_id"`
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	TaxID       string          `json:"tax_id"`
	Kind        Kind            `json:"kind"`
	Email       string          `json:"email,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
