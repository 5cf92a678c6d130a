package workspace

import (
	"strconv"
	"strings"
	"time"
)

// Role is the permission level a membership grants on a company.
type Role string

// Closed set of roles.
const (
	RoleOwner         Role = "owner"
	RoleAdministrator Role = "administrator"
	RoleAccountant    Role = "accountant"
	RoleAuditor       Role = "auditor"
	RoleGuest         Role = "guest"
)

var allRoles = []Role{RoleOwner, RoleAdministrator, RoleAccountant, RoleAuditor, RoleGuest}

// Roles lists every valid role, most privileged first.
func Roles() []Role {
	out := make([]Role, len(allRoles))
	copy(out, allRoles)
	return out
}

// Valid reports whether r belongs to the closed role set.
func (r Role) Valid() bool {
	for _, candidate := range allRoles {
		if r == candidate {
			return true
		}
	}
	return false
}

// ParseRole normalises raw input into a Role.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", &ValidationError{Op: "parse_role", Field: "role", Reason: "unknown role " + strconv.Quote(raw)}
	}
	return role, nil
}

// CanManageUsers is true for owners and administrators.
func (r Role) CanManageUsers() bool {
	return r == RoleOwner || r == RoleAdministrator
}

// CanDelete is true for owners and administrators.
func (r Role) CanDelete() bool {
	return r == RoleOwner || r == RoleAdministrator
}

// CanModify is true for roles allowed to write accounting data.
func (r Role) CanModify() bool {
	return r == RoleOwner || r == RoleAdministrator || r == RoleAccountant
}

// IsReadOnly is true for auditors and guests.
func (r Role) IsReadOnly() bool {
	return r == RoleAuditor || r == RoleGuest
}

// FiscalPeriod is read-only reference data describing an accounting year.
type FiscalPeriod struct {
	ID        string    `json:"id"`
	Year      int       `json:"year"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// CompanyStatusActive marks a company that can be selected.
const CompanyStatusActive = "active"

// Company is read-only reference data for a legal entity.
type Company struct {
	ID             string `json:"id"`
	CommercialName string `json:"commercial_name"`
	LegalName      string `json:"legal_name"`
	TaxID          string `json:"tax_id"`
	Status         string `json:"status"`
	LogoRef        string `json:"logo_ref,omitempty"`
}

// Selectable reports whether the company may be chosen as workspace context.
func (c Company) Selectable() bool {
	return c.ID != "" && c.Status == CompanyStatusActive
}

// DisplayName prefers the commercial name.
func (c Company) DisplayName() string {
	if c.CommercialName != "" {
		return c.CommercialName
	}
	return c.LegalName
}

// Membership grants a user a role on a company for one fiscal period.
type Membership struct {
	Company        Company
	PeriodID       string
	Role           Role
	ValidFrom      time.Time
	ValidTo        time.Time
	InternalNumber string
}

// ActiveAt reports whether the membership validity window covers t.
// A zero ValidTo means open ended.
func (m Membership) ActiveAt(t time.Time) bool {
	if !m.ValidFrom.IsZero() && t.Before(m.ValidFrom) {
		return false
	}
	if !m.ValidTo.IsZero() && t.After(m.ValidTo) {
		return false
	}
	return true
}

// Context is the company/period/role triple scoping workspace operations.
type Context struct {
	Company    *Company      `json:"company"`
	Period     *FiscalPeriod `json:"period"`
	Role       Role          `json:"role"`
	SelectedAt time.Time     `json:"selected_at"`
}

// IsComplete is true when both company and period are present.
func (c Context) IsComplete() bool {
	return c.Company != nil && c.Period != nil
}

// IsAuthorized is true when the context is complete and carries a role.
func (c Context) IsAuthorized() bool {
	return c.IsComplete() && c.Role != ""
}

func (c Context) clone() Context {
	out := Context{Role: c.Role, SelectedAt: c.SelectedAt}
	if c.Company != nil {
		company := *c.Company
		out.Company = &company
	}
	if c.Period != nil {
		period := *c.Period
		out.Period = &period
	}
	return out
}

// State enumerates the context machine states.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateRestoring     State = "restoring"
	StateEmpty         State = "empty"
	StatePeriodOnly    State = "period_only"
	StateComplete      State = "complete"
)

// Settled reports whether restore has finished.
func (s State) Settled() bool {
	return s == StateEmpty || s == StatePeriodOnly || s == StateComplete
}

// Permissions carries the advisory UI flags derived from a role.
type Permissions struct {
	CanManageUsers bool `json:"can_manage_users"`
	CanDelete      bool `json:"can_delete"`
	CanModify      bool `json:"can_modify"`
	IsReadOnly     bool `json:"is_read_only"`
}

// PermissionsFor derives the flags for role.
func PermissionsFor(role Role) Permissions {
	return Permissions{
		CanManageUsers: role.CanManageUsers(),
		CanDelete:      role.CanDelete(),
		CanModify:      role.CanModify(),
		IsReadOnly:     role.IsReadOnly(),
	}
}

// Snapshot is a point-in-time copy of the machine exposed to views.
type Snapshot struct {
	Context
	State        State `json:"state"`
	IsComplete   bool  `json:"is_complete"`
	IsAuthorized bool  `json:"is_authorized"`
}

// Permissions derives the advisory flags for the snapshot's role.
func (s Snapshot) Permissions() Permissions {
	return PermissionsFor(s.Role)
}
