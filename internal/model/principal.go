package model

import "slices"

// Roles granted by the identity collaborator.
const (
	RoleSubmitter = "submitter"
	RoleReviewer  = "reviewer"
	RoleOperator  = "operator"
)

// ScopeAll grants review scope over every instance.
const ScopeAll = "*"

// Principal is the authenticated caller of an operation, as supplied by the
// identity collaborator.
type Principal struct {
	ID          string   `json:"id"`
	Roles       []string `json:"roles"`
	ReviewScope []string `json:"review_scope,omitempty"`
}

// HasRole reports whether the principal was granted role.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// CanReview reports whether the principal may review requests targeting
// instanceID.
func (p Principal) CanReview(instanceID string) bool {
	if !p.HasRole(RoleReviewer) {
		return false
	}
	return slices.Contains(p.ReviewScope, ScopeAll) || slices.Contains(p.ReviewScope, instanceID)
}
