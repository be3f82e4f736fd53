package ledger

import "strings"

// ActorRef is the authenticated caller of a ledger operation, as resolved by
// the request layer. Every mutating operation takes one explicitly.
type ActorRef struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

func (a ActorRef) HasAnyRole(roles ...string) bool {
	for _, have := range a.Roles {
		for _, want := range roles {
			if strings.EqualFold(have, want) {
				return true
			}
		}
	}
	return false
}

const (
	RoleAdmin          = "admin"
	RoleManager        = "manager"
	RoleCashier        = "cashier"
	RoleBilling        = "billing"
	RoleFinanceManager = "finance_manager"
)

// Role sets checked by the business rules.
var (
	billerRoles         = []string{RoleCashier, RoleAdmin, RoleManager, RoleBilling}
	cashApproverRoles   = []string{RoleCashier, RoleAdmin, RoleManager}
	pettyApproverRoles  = []string{RoleFinanceManager, RoleAdmin}
	refundApproverRoles = []string{RoleAdmin, RoleManager, RoleFinanceManager}
	cashRecorderRoles   = []string{RoleCashier, RoleAdmin, RoleManager}
	cashCompleterRoles  = []string{RoleCashier, RoleAdmin, RoleManager}
	reportReaderRoles   = []string{RoleCashier, RoleAdmin, RoleManager, RoleBilling, RoleFinanceManager}
)

func requireActor(a ActorRef) error {
	if strings.TrimSpace(a.ID) == "" {
		return forbiddenf("an authenticated actor is required")
	}
	return nil
}

func requireRole(a ActorRef, action string, roles []string) error {
	if err := requireActor(a); err != nil {
		return err
	}
	if !a.HasAnyRole(roles...) {
		return forbiddenf("actor %s may not %s (requires one of %s)", a.ID, action, strings.Join(roles, ", "))
	}
	return nil
}
