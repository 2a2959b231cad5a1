package models

// Session carries the authenticated caller context supplied by the API
// layer. The engine never authenticates; it only scopes by OrgID and
// attributes actions to UserID.
type Session struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
}

// Grants is a user's effective authorization snapshot, supplied live by the
// authorization source at eligibility-check time.
type Grants struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// HasRole reports whether the grant set contains the role code.
func (g *Grants) HasRole(code string) bool {
	for _, r := range g.Roles {
		if r == code {
			return true
		}
	}
	return false
}

// HasPermission reports whether the grant set contains the permission code.
func (g *Grants) HasPermission(code string) bool {
	for _, p := range g.Permissions {
		if p == code {
			return true
		}
	}
	return false
}
