package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	config := DefaultAuthConfig()
	config.BcryptCost = 4 // Minimum cost for fast tests
	a, err := NewAuthenticator(config)
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	return a
}

func TestCreateUser(t *testing.T) {
	auth := newTestAuthenticator(t)

	user, err := auth.CreateUser("testuser", "password123", []Role{RoleEditor})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if user.Username != "testuser" {
		t.Errorf("Username = %v, want testuser", user.Username)
	}
	if !user.HasRole(RoleEditor) {
		t.Error("user should have editor role")
	}
	if user.PasswordHash != "" {
		t.Error("returned user must not carry the password hash")
	}
	if !strings.HasPrefix(user.ID, "usr-") {
		t.Errorf("unexpected id format: %s", user.ID)
	}

	// Duplicate username
	if _, err := auth.CreateUser("testuser", "password456", nil); !errors.Is(err, ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}

	// Short password
	if _, err := auth.CreateUser("other", "short", nil); !errors.Is(err, ErrPasswordTooShort) {
		t.Errorf("expected ErrPasswordTooShort, got %v", err)
	}
}

func TestCreateUserDefaultsToViewer(t *testing.T) {
	auth := newTestAuthenticator(t)

	user, err := auth.CreateUser("plain", "password123", nil)
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if !user.HasRole(RoleViewer) {
		t.Errorf("expected default viewer role, got %v", user.Roles)
	}
}

func TestAuthenticate(t *testing.T) {
	auth := newTestAuthenticator(t)
	if _, err := auth.CreateUser("alice", "password123", []Role{RoleEditor}); err != nil {
		t.Fatal(err)
	}

	user, err := auth.Authenticate("alice", "password123", "bolt", "test")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if user.Username != "alice" {
		t.Errorf("Username = %v, want alice", user.Username)
	}
	if user.LastLogin.IsZero() {
		t.Error("LastLogin should be set after successful login")
	}

	// Wrong password
	if _, err := auth.Authenticate("alice", "wrongpass", "bolt", "test"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}

	// Unknown user must not be distinguishable from a bad password
	if _, err := auth.Authenticate("nobody", "password123", "bolt", "test"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAccountLockout(t *testing.T) {
	config := DefaultAuthConfig()
	config.BcryptCost = 4
	config.MaxFailedLogins = 3
	config.LockoutDuration = time.Hour
	auth, err := NewAuthenticator(config)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := auth.CreateUser("bob", "password123", nil); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := auth.Authenticate("bob", "wrong", "bolt", "test"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}

	// Even the correct password fails while locked
	if _, err := auth.Authenticate("bob", "password123", "bolt", "test"); !errors.Is(err, ErrAccountLocked) {
		t.Errorf("expected ErrAccountLocked, got %v", err)
	}

	// Unlock restores access
	if err := auth.UnlockUser("bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := auth.Authenticate("bob", "password123", "bolt", "test"); err != nil {
		t.Errorf("Authenticate after unlock: %v", err)
	}
}

func TestDisabledUserCannotAuthenticate(t *testing.T) {
	auth := newTestAuthenticator(t)
	if _, err := auth.CreateUser("carol", "password123", nil); err != nil {
		t.Fatal(err)
	}
	if err := auth.DisableUser("carol"); err != nil {
		t.Fatal(err)
	}

	if _, err := auth.Authenticate("carol", "password123", "bolt", "test"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for disabled user, got %v", err)
	}

	if err := auth.EnableUser("carol"); err != nil {
		t.Fatal(err)
	}
	if _, err := auth.Authenticate("carol", "password123", "bolt", "test"); err != nil {
		t.Errorf("Authenticate after enable: %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	auth := newTestAuthenticator(t)
	if _, err := auth.CreateUser("dave", "password123", nil); err != nil {
		t.Fatal(err)
	}

	if err := auth.ChangePassword("dave", "wrong", "newpassword1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := auth.ChangePassword("dave", "password123", "short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Errorf("expected ErrPasswordTooShort, got %v", err)
	}
	if err := auth.ChangePassword("dave", "password123", "newpassword1"); err != nil {
		t.Fatal(err)
	}

	if _, err := auth.Authenticate("dave", "newpassword1", "bolt", "test"); err != nil {
		t.Errorf("Authenticate with new password: %v", err)
	}
	if _, err := auth.Authenticate("dave", "password123", "bolt", "test"); err == nil {
		t.Error("old password should no longer work")
	}
}

func TestRolesAndPermissions(t *testing.T) {
	admin := &User{Roles: []Role{RoleAdmin}}
	editor := &User{Roles: []Role{RoleEditor}}
	viewer := &User{Roles: []Role{RoleViewer}}

	if !admin.HasPermission(PermUserManage) {
		t.Error("admin should manage users")
	}
	if !editor.HasPermission(PermWrite) {
		t.Error("editor should write")
	}
	if editor.HasPermission(PermUserManage) {
		t.Error("editor should not manage users")
	}
	if !viewer.HasPermission(PermRead) {
		t.Error("viewer should read")
	}
	if viewer.HasPermission(PermWrite) {
		t.Error("viewer should not write")
	}
}

func TestUpdateRolesAndDelete(t *testing.T) {
	auth := newTestAuthenticator(t)
	if _, err := auth.CreateUser("erin", "password123", nil); err != nil {
		t.Fatal(err)
	}

	if err := auth.UpdateRoles("erin", []Role{RoleAdmin}); err != nil {
		t.Fatal(err)
	}
	user, err := auth.GetUser("erin")
	if err != nil {
		t.Fatal(err)
	}
	if !user.HasRole(RoleAdmin) {
		t.Errorf("roles not updated: %v", user.Roles)
	}

	if err := auth.DeleteUser("erin"); err != nil {
		t.Fatal(err)
	}
	if _, err := auth.GetUser("erin"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound after delete, got %v", err)
	}
	if auth.UserCount() != 0 {
		t.Errorf("UserCount = %d, want 0", auth.UserCount())
	}
}

func TestAuditLog(t *testing.T) {
	auth := newTestAuthenticator(t)

	var events []AuditEvent
	auth.SetAuditLogger(func(e AuditEvent) { events = append(events, e) })

	if _, err := auth.CreateUser("frank", "password123", nil); err != nil {
		t.Fatal(err)
	}
	auth.Authenticate("frank", "wrong", "bolt", "test")
	auth.Authenticate("frank", "password123", "bolt", "test")

	if len(events) != 3 {
		t.Fatalf("expected 3 audit events, got %d", len(events))
	}
	if events[0].EventType != "user_create" || !events[0].Success {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].EventType != "login" || events[1].Success {
		t.Errorf("unexpected second event: %+v", events[1])
	}
	if !events[2].Success || events[2].Timestamp.IsZero() {
		t.Errorf("unexpected third event: %+v", events[2])
	}
}

func TestRoleFromString(t *testing.T) {
	if r, err := RoleFromString("editor"); err != nil || r != RoleEditor {
		t.Errorf("RoleFromString(editor) = %v, %v", r, err)
	}
	if _, err := RoleFromString("superuser"); err == nil {
		t.Error("expected error for unknown role")
	}
}
