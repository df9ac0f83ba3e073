// Package access defines the contracts the gateway consumes from its policy
// and identity collaborators. The gateway never decides whether a user may
// query a datasource; it receives a resolved Policy and enforces its limits.
package access

import "context"

// AdminRole is the role name granting administrative access.
const AdminRole = "admin"

// Principal identifies the caller of a gateway operation.
type Principal struct {
	Username string
	Roles    []string
	Groups   []string
}

// IsAdmin reports whether the principal carries the admin role.
func (p Principal) IsAdmin() bool {
	for _, r := range p.Roles {
		if r == AdminRole {
			return true
		}
	}
	return false
}

// Policy is the resolved access decision for (principal, datasource).
type Policy struct {
	// CredentialProfile names the credential pair the principal connects with.
	CredentialProfile string

	// MaxRowsPerQuery caps rows buffered per execution. Zero means the
	// gateway-wide buffer cap applies alone.
	MaxRowsPerQuery int

	// MaxRuntimeSeconds bounds statement runtime. Zero means no statement
	// timeout beyond driver defaults.
	MaxRuntimeSeconds int

	// ConcurrencyLimit caps the principal's simultaneous non-terminal
	// executions.
	ConcurrencyLimit int

	CanQuery  bool
	CanExport bool
}

// PolicyResolver resolves the access policy for a principal and datasource.
// Implemented by the external RBAC store.
type PolicyResolver interface {
	ResolvePolicy(ctx context.Context, principal Principal, datasourceID string) (Policy, error)
}
