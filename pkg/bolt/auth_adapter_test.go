package bolt

import (
	"testing"

	"github.com/orneryd/skalddb/pkg/auth"
)

func newAdapter(t *testing.T) *AuthenticatorAdapter {
	t.Helper()
	authenticator, err := auth.NewAuthenticator(auth.AuthConfig{BcryptCost: 4})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := authenticator.CreateUser("alice", "password123", []auth.Role{auth.RoleEditor}); err != nil {
		t.Fatal(err)
	}
	return NewAuthenticatorAdapter(authenticator)
}

func TestAdapterBasicAuth(t *testing.T) {
	adapter := newAdapter(t)

	result, err := adapter.Authenticate("basic", "alice", "password123")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if !result.Authenticated || result.Username != "alice" {
		t.Errorf("unexpected result: %+v", result)
	}
	if !result.HasRole("editor") {
		t.Errorf("roles not mapped: %v", result.Roles)
	}
}

func TestAdapterRejectsBadCredentials(t *testing.T) {
	adapter := newAdapter(t)

	if _, err := adapter.Authenticate("basic", "alice", "wrong"); err == nil {
		t.Error("expected error for bad password")
	}
	if _, err := adapter.Authenticate("basic", "nobody", "password123"); err == nil {
		t.Error("expected error for unknown user")
	}
}

func TestAdapterRejectsUnknownScheme(t *testing.T) {
	adapter := newAdapter(t)

	if _, err := adapter.Authenticate("kerberos", "alice", "ticket"); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}
