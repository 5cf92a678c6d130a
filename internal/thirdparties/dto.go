package thirdparties

import (
	"errors"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Form is the raw create/update input as posted by the browser.
type Form struct {
	Code        string `validate:"required,max=20"`
	Name        string `validate:"required,max=160"`
	TaxID       string `validate:"omitempty,max=32"`
	Kind        string `validate:"required,oneof=customer vendor both"`
	Email       string `validate:"omitempty,email,max=254"`
	Phone       string `validate:"omitempty,max=32"`
	CreditLimit string
}

// FormFromValues reads a Form from posted values.
func FormFromValues(v url.Values) Form {
	return Form{
		Code:        strings.ToUpper(strings.TrimSpace(v.Get("code"))),
		Name:        strings.TrimSpace(v.Get("name")),
		TaxID:       strings.ToUpper(strings.TrimSpace(v.Get("tax_id"))),
		Kind:        strings.TrimSpace(v.Get("kind")),
		Email:       strings.TrimSpace(v.Get("email")),
		Phone:       strings.TrimSpace(v.Get("phone")),
		CreditLimit: strings.TrimSpace(v.Get("credit_limit")),
	}
}

// FormFrom fills a Form from a stored record for editing.
func FormFrom(tp ThirdParty) Form {
	return Form{
		Code:        tp.Code,
		Name:        tp.Name,
		TaxID:       tp.TaxID,
		Kind:        string(tp.Kind),
		Email:       tp.Email,
		Phone:       tp.Phone,
		CreditLimit: tp.CreditLimit.StringFixed(2),
	}
}

// FieldErrors maps form field names to messages.
type FieldErrors map[string]string

func (e FieldErrors) Error() string {
	return "invalid third party input"
}

var fieldNames = map[string]string{
	"Code":        "code",
	"Name":        "name",
	"TaxID":       "tax_id",
	"Kind":        "kind",
	"Email":       "email",
	"Phone":       "phone",
	"CreditLimit": "credit_limit",
}

// validate checks the form and converts it into a record body.
func (f Form) validate(v *validator.Validate) (ThirdParty, error) {
	errs := FieldErrors{}
	if err := v.Struct(f); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return ThirdParty{}, err
		}
		for _, fe := range fieldErrs {
			errs[fieldNames[fe.Field()]] = fieldMessage(fe)
		}
	}
	limit := decimal.Zero
	if f.CreditLimit != "" {
		parsed, err := decimal.NewFromString(strings.ReplaceAll(f.CreditLimit, ",", "."))
		switch {
		case err != nil:
			errs["credit_limit"] = "Enter an amount such as 1500.00."
		case parsed.IsNegative():
			errs["credit_limit"] = "Must not be negative."
		case parsed.Exponent() < -2:
			errs["credit_limit"] = "At most two decimal places."
		default:
			limit = parsed
		}
	}
	if len(errs) > 0 {
		return ThirdParty{}, errs
	}
	return ThirdParty{
		Code:        f.Code,
		Name:        f.Name,
		TaxID:       f.TaxID,
		Kind:        Kind(f.Kind),
		Email:       f.Email,
		Phone:       f.Phone,
		CreditLimit: limit,
	}, nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required."
	case "email":
		return "Enter a valid email address."
	case "max":
		return "Must be at most " + fe.Param() + " characters."
	case "oneof":
		return "Choose customer, vendor or both."
	}
	return "Invalid value."
}

// ListFilter narrows List.
type ListFilter struct {
	CompanyID string
	Search    string
	Kind      Kind
	Limit     int
	Offset    int
}
