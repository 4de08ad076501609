// Package auth guards the research API with HMAC-signed bearer tokens.
package auth

// UserContext represents the authenticated caller of a request
type UserContext struct {
	Subject   string   `json:"subject"`
	Role      string   `json:"role"`
	Scopes    []string `json:"scopes"`
	TokenType string   `json:"token_type"` // jwt or dev
}

// HasScope reports whether the caller was granted scope.
func (u *UserContext) HasScope(scope string) bool {
	if u == nil {
		return false
	}
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Scopes for authorization
const (
	ScopeResearchRead  = "research:read"
	ScopeResearchWrite = "research:write"
)

// User roles
const (
	RoleReader   = "reader"
	RoleOperator = "operator"
)

// ScopesForRole returns the default scopes for a given role
func ScopesForRole(role string) []string {
	switch role {
	case RoleOperator:
		return []string{ScopeResearchRead, ScopeResearchWrite}
	default: // RoleReader
		return []string{ScopeResearchRead}
	}
}
