package service

import (
	"fmt"
	"strings"
)

// Roles known to the station
const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
	RoleTable   = "table"
	RoleAuditor = "auditor"
)

// Operations gated by role
const (
	OpIssue    = "issue"
	OpRedeem   = "redeem"
	OpValidate = "validate"
	OpCancel   = "cancel"
	OpRead     = "read"
	OpSummary  = "summary"
	OpAudit    = "audit"
	OpSync     = "sync"
)

// RoleGate decides which role may run which operation
type RoleGate struct {
	allowed map[string]map[string]bool
}

// NewRoleGate returns the default station policy
func NewRoleGate() *RoleGate {
	return &RoleGate{allowed: map[string]map[string]bool{
		OpIssue:    {RoleAdmin: true, RoleTable: true},
		OpRedeem:   {RoleAdmin: true, RoleCashier: true},
		OpValidate: {RoleAdmin: true, RoleCashier: true},
		OpCancel:   {RoleAdmin: true},
		OpRead:     {RoleAdmin: true, RoleCashier: true, RoleTable: true, RoleAuditor: true},
		OpSummary:  {RoleAdmin: true, RoleCashier: true, RoleAuditor: true},
		OpAudit:    {RoleAdmin: true, RoleAuditor: true},
		OpSync:     {RoleAdmin: true},
	}}
}

// Authorize returns an error unless role may perform operation
func (g *RoleGate) Authorize(operation, role string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	if g.allowed[operation][role] {
		return nil
	}
	if role == "" {
		return fmt.Errorf("no role given for %s", operation)
	}
	return fmt.Errorf("role %q may not %s", role, operation)
}
