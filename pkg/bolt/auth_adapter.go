package bolt

import (
	"fmt"

	"github.com/orneryd/skalddb/pkg/auth"
)

// AuthenticatorAdapter wraps auth.Authenticator to implement
// BoltAuthenticator, translating Neo4j-style Bolt authentication
// (scheme, principal, credentials) to the user store's username/password
// verification. This keeps Bolt clients on the same user database as any
// other surface.
//
// Example:
//
//	authenticator, _ := auth.NewAuthenticator(auth.DefaultAuthConfig())
//	authenticator.CreateUser("admin", "secure-password", []auth.Role{auth.RoleAdmin})
//
//	config := bolt.DefaultConfig()
//	config.Authenticator = bolt.NewAuthenticatorAdapter(authenticator)
//	config.RequireAuth = true
type AuthenticatorAdapter struct {
	auth *auth.Authenticator
}

// NewAuthenticatorAdapter creates a BoltAuthenticator over the shared
// user store.
func NewAuthenticatorAdapter(authenticator *auth.Authenticator) *AuthenticatorAdapter {
	return &AuthenticatorAdapter{auth: authenticator}
}

// Authenticate validates credentials from the Bolt HELLO message.
//
// Only the "basic" scheme reaches this adapter; the session handles
// "none" according to the server's AllowAnonymous setting. The underlying
// store enforces bcrypt verification, lockout, and the disabled flag, and
// records the attempt in the audit log.
func (a *AuthenticatorAdapter) Authenticate(scheme, principal, credentials string) (*BoltAuthResult, error) {
	if scheme != "basic" {
		return nil, fmt.Errorf("unsupported authentication scheme: %s (only 'basic' and 'none' supported)", scheme)
	}

	user, err := a.auth.Authenticate(principal, credentials, "bolt", "Bolt/4.4")
	if err != nil {
		return nil, err
	}

	roles := make([]string, len(user.Roles))
	for i, r := range user.Roles {
		roles[i] = string(r)
	}

	return &BoltAuthResult{
		Authenticated: true,
		Username:      user.Username,
		Roles:         roles,
	}, nil
}
