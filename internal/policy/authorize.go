// Package policy decides who may operate the support queue.
package policy

import "strings"

const DefaultSupporterRole = "Server Support"

type Decision struct {
	Allowed bool
	Reason  string
}

// SupporterPolicy grants supporter actions (accept, reject, starting and
// stopping sessions) to members holding the configured role. Guild
// administrators are always allowed.
type SupporterPolicy struct {
	roleName string
}

func NewSupporterPolicy(roleName string) SupporterPolicy {
	roleName = strings.TrimSpace(roleName)
	if roleName == "" {
		roleName = DefaultSupporterRole
	}
	return SupporterPolicy{roleName: roleName}
}

func (p SupporterPolicy) RoleName() string {
	return p.roleName
}

// Decide checks the names of the roles a member holds.
func (p SupporterPolicy) Decide(roleNames []string, isAdmin bool) Decision {
	if isAdmin {
		return Decision{Allowed: true}
	}
	for _, name := range roleNames {
		if strings.EqualFold(strings.TrimSpace(name), p.roleName) {
			return Decision{Allowed: true}
		}
	}
	return Decision{
		Allowed: false,
		Reason:  "Only members with the " + p.roleName + " role can do this.",
	}
}

// SelfAction reports whether a supporter is trying to handle their own
// request.
func SelfAction(supporterID, requesterID string) bool {
	return supporterID != "" && supporterID == requesterID
}
