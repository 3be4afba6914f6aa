// Package auth manages SkaldDB user accounts and credential verification.
//
// The Bolt server authenticates HELLO credentials against this package's
// user store. Passwords are hashed with bcrypt and never stored or
// returned in plain text; repeated failures lock the account for a
// configurable window.
//
// # Roles
//
// Users carry one or more roles that map to permissions:
//   - admin: read, write, create, delete, admin, schema, user_manage
//   - editor: read, write, create, delete
//   - viewer: read
//   - none: (no permissions)
//
// Example:
//
//	authenticator, _ := auth.NewAuthenticator(auth.DefaultAuthConfig())
//	authenticator.CreateUser("alice", "SecurePassword123", []auth.Role{auth.RoleEditor})
//
//	user, err := authenticator.Authenticate("alice", "SecurePassword123", "bolt", "neo4j-go/5.0")
//	if err != nil {
//		// ErrInvalidCredentials or ErrAccountLocked
//	}
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Errors for authentication operations.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked due to failed login attempts")
	ErrPasswordTooShort   = errors.New("password does not meet minimum length requirement")
)

// Role represents a user role with associated permissions.
type Role string

// Predefined roles following Neo4j conventions.
const (
	RoleAdmin  Role = "admin"  // Full access including user management
	RoleEditor Role = "editor" // Read/write data
	RoleViewer Role = "viewer" // Read only (default)
	RoleNone   Role = "none"   // No access
)

// Permission represents an action that can be performed.
type Permission string

const (
	PermRead       Permission = "read"
	PermWrite      Permission = "write"
	PermCreate     Permission = "create"
	PermDelete     Permission = "delete"
	PermAdmin      Permission = "admin"
	PermSchema     Permission = "schema"
	PermUserManage Permission = "user_manage"
)

// RolePermissions maps roles to their allowed permissions.
var RolePermissions = map[Role][]Permission{
	RoleAdmin:  {PermRead, PermWrite, PermCreate, PermDelete, PermAdmin, PermSchema, PermUserManage},
	RoleEditor: {PermRead, PermWrite, PermCreate, PermDelete},
	RoleViewer: {PermRead},
	RoleNone:   {},
}

// User represents a user account.
//
// PasswordHash is never serialized; FailedLogins and LockedUntil track
// brute force attempts.
type User struct {
	ID           string            `json:"id"`
	Username     string            `json:"username"`
	PasswordHash string            `json:"-"` // Never serialize
	Roles        []Role            `json:"roles"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	LastLogin    time.Time         `json:"last_login,omitempty"`
	FailedLogins int               `json:"-"` // Internal tracking
	LockedUntil  time.Time         `json:"-"` // Internal tracking
	Disabled     bool              `json:"disabled,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// HasRole checks if the user has a specific role.
func (u *User) HasRole(role Role) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission checks if the user has a specific permission through any
// of their roles.
func (u *User) HasPermission(perm Permission) bool {
	for _, role := range u.Roles {
		perms, ok := RolePermissions[role]
		if !ok {
			continue
		}
		for _, p := range perms {
			if p == perm {
				return true
			}
		}
	}
	return false
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Password policy
	MinPasswordLength int
	BcryptCost        int

	// Lockout settings
	MaxFailedLogins int
	LockoutDuration time.Duration
}

// DefaultAuthConfig returns default authentication configuration.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		MinPasswordLength: 8,
		BcryptCost:        bcrypt.DefaultCost,
		MaxFailedLogins:   5,
		LockoutDuration:   15 * time.Minute,
	}
}

// AuditEvent represents an authentication-related event for compliance
// logging.
type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Username  string    `json:"username,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Source    string    `json:"source,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Success   bool      `json:"success"`
	Details   string    `json:"details,omitempty"`
}

// Authenticator manages users and authentication. All operations are
// thread-safe.
type Authenticator struct {
	mu     sync.RWMutex
	users  map[string]*User // keyed by username
	config AuthConfig

	// Audit callback for compliance logging
	auditLog func(event AuditEvent)
}

// NewAuthenticator creates a new Authenticator with the given
// configuration. Zero-valued settings fall back to the defaults.
func NewAuthenticator(config AuthConfig) (*Authenticator, error) {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if config.MinPasswordLength == 0 {
		config.MinPasswordLength = 8
	}
	if config.MaxFailedLogins == 0 {
		config.MaxFailedLogins = 5
	}
	if config.LockoutDuration == 0 {
		config.LockoutDuration = 15 * time.Minute
	}

	return &Authenticator{
		users:  make(map[string]*User),
		config: config,
	}, nil
}

// SetAuditLogger sets the audit logging callback.
func (a *Authenticator) SetAuditLogger(fn func(AuditEvent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.auditLog = fn
}

func (a *Authenticator) logAudit(event AuditEvent) {
	if a.auditLog != nil {
		event.Timestamp = time.Now()
		a.auditLog(event)
	}
}

// CreateUser creates a new user account with the given credentials and
// roles. The password is immediately hashed with bcrypt. If no roles are
// specified, defaults to RoleViewer.
//
// Returns ErrUserExists if the username is taken and ErrPasswordTooShort
// when the password fails the policy.
func (a *Authenticator) CreateUser(username, password string, roles []Role) (*User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.users[username]; exists {
		a.logAudit(AuditEvent{
			EventType: "user_create",
			Username:  username,
			Success:   false,
			Details:   "user already exists",
		})
		return nil, ErrUserExists
	}

	if len(password) < a.config.MinPasswordLength {
		return nil, fmt.Errorf("%w: minimum %d characters required", ErrPasswordTooShort, a.config.MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	if len(roles) == 0 {
		roles = []Role{RoleViewer}
	}

	now := time.Now()
	user := &User{
		ID:           generateID(),
		Username:     username,
		PasswordHash: string(hash),
		Roles:        roles,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     make(map[string]string),
	}

	a.users[username] = user

	a.logAudit(AuditEvent{
		EventType: "user_create",
		Username:  username,
		UserID:    user.ID,
		Success:   true,
		Details:   fmt.Sprintf("created with roles %v", roles),
	})

	return a.copyUserSafe(user), nil
}

// Authenticate verifies user credentials.
//
// Security features:
//   - Account lockout after MaxFailedLogins attempts
//   - Disabled accounts cannot authenticate
//   - Does not reveal whether the user exists
//   - Failed attempts are logged for security monitoring
//
// source and userAgent are recorded in the audit log only.
//
// Returns the user (without password hash) on success, otherwise
// ErrInvalidCredentials or ErrAccountLocked.
func (a *Authenticator) Authenticate(username, password, source, userAgent string) (*User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, exists := a.users[username]
	if !exists {
		a.logAudit(AuditEvent{
			EventType: "login",
			Username:  username,
			Source:    source,
			UserAgent: userAgent,
			Success:   false,
			Details:   "user not found",
		})
		return nil, ErrInvalidCredentials // Don't reveal if user exists
	}

	if !user.LockedUntil.IsZero() && time.Now().Before(user.LockedUntil) {
		a.logAudit(AuditEvent{
			EventType: "login",
			Username:  username,
			UserID:    user.ID,
			Source:    source,
			UserAgent: userAgent,
			Success:   false,
			Details:   "account locked",
		})
		return nil, ErrAccountLocked
	}

	if user.Disabled {
		a.logAudit(AuditEvent{
			EventType: "login",
			Username:  username,
			UserID:    user.ID,
			Source:    source,
			UserAgent: userAgent,
			Success:   false,
			Details:   "account disabled",
		})
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		user.FailedLogins++
		if user.FailedLogins >= a.config.MaxFailedLogins {
			user.LockedUntil = time.Now().Add(a.config.LockoutDuration)
		}
		user.UpdatedAt = time.Now()

		a.logAudit(AuditEvent{
			EventType: "login",
			Username:  username,
			UserID:    user.ID,
			Source:    source,
			UserAgent: userAgent,
			Success:   false,
			Details:   fmt.Sprintf("invalid password (attempt %d/%d)", user.FailedLogins, a.config.MaxFailedLogins),
		})
		return nil, ErrInvalidCredentials
	}

	// Reset failed login counter on success
	user.FailedLogins = 0
	user.LockedUntil = time.Time{}
	user.LastLogin = time.Now()
	user.UpdatedAt = time.Now()

	a.logAudit(AuditEvent{
		EventType: "login",
		Username:  username,
		UserID:    user.ID,
		Source:    source,
		UserAgent: userAgent,
		Success:   true,
	})

	return a.copyUserSafe(user), nil
}

// GetUser returns a user by username, without the password hash.
func (a *Authenticator) GetUser(username string) (*User, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	user, exists := a.users[username]
	if !exists {
		return nil, ErrUserNotFound
	}
	return a.copyUserSafe(user), nil
}

// ListUsers returns all users, without password hashes.
func (a *Authenticator) ListUsers() []*User {
	a.mu.RLock()
	defer a.mu.RUnlock()

	users := make([]*User, 0, len(a.users))
	for _, user := range a.users {
		users = append(users, a.copyUserSafe(user))
	}
	return users
}

// ChangePassword changes a user's password after verifying the old one.
func (a *Authenticator) ChangePassword(username, oldPassword, newPassword string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, exists := a.users[username]
	if !exists {
		return ErrUserNotFound
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)); err != nil {
		a.logAudit(AuditEvent{
			EventType: "password_change",
			Username:  username,
			UserID:    user.ID,
			Success:   false,
			Details:   "old password incorrect",
		})
		return ErrInvalidCredentials
	}

	if len(newPassword) < a.config.MinPasswordLength {
		return fmt.Errorf("%w: minimum %d characters required", ErrPasswordTooShort, a.config.MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), a.config.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	user.PasswordHash = string(hash)
	user.UpdatedAt = time.Now()

	a.logAudit(AuditEvent{
		EventType: "password_change",
		Username:  username,
		UserID:    user.ID,
		Success:   true,
	})
	return nil
}

// UpdateRoles replaces a user's roles.
func (a *Authenticator) UpdateRoles(username string, newRoles []Role) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, exists := a.users[username]
	if !exists {
		return ErrUserNotFound
	}

	user.Roles = newRoles
	user.UpdatedAt = time.Now()

	a.logAudit(AuditEvent{
		EventType: "roles_update",
		Username:  username,
		UserID:    user.ID,
		Success:   true,
		Details:   fmt.Sprintf("roles set to %v", newRoles),
	})
	return nil
}

// DisableUser suspends an account without deleting it.
func (a *Authenticator) DisableUser(username string) error {
	return a.setDisabled(username, true)
}

// EnableUser reactivates a suspended account.
func (a *Authenticator) EnableUser(username string) error {
	return a.setDisabled(username, false)
}

func (a *Authenticator) setDisabled(username string, disabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, exists := a.users[username]
	if !exists {
		return ErrUserNotFound
	}

	user.Disabled = disabled
	user.UpdatedAt = time.Now()

	eventType := "user_enable"
	if disabled {
		eventType = "user_disable"
	}
	a.logAudit(AuditEvent{
		EventType: eventType,
		Username:  username,
		UserID:    user.ID,
		Success:   true,
	})
	return nil
}

// UnlockUser clears a lockout before its window expires.
func (a *Authenticator) UnlockUser(username string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, exists := a.users[username]
	if !exists {
		return ErrUserNotFound
	}

	user.FailedLogins = 0
	user.LockedUntil = time.Time{}
	user.UpdatedAt = time.Now()

	a.logAudit(AuditEvent{
		EventType: "user_unlock",
		Username:  username,
		UserID:    user.ID,
		Success:   true,
	})
	return nil
}

// DeleteUser removes an account.
func (a *Authenticator) DeleteUser(username string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, exists := a.users[username]
	if !exists {
		return ErrUserNotFound
	}

	delete(a.users, username)

	a.logAudit(AuditEvent{
		EventType: "user_delete",
		Username:  username,
		UserID:    user.ID,
		Success:   true,
	})
	return nil
}

// UserCount returns the number of registered users.
func (a *Authenticator) UserCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.users)
}

// copyUserSafe returns a copy of the user without the password hash.
func (a *Authenticator) copyUserSafe(u *User) *User {
	safe := *u
	safe.PasswordHash = ""
	safe.Roles = append([]Role(nil), u.Roles...)
	if u.Metadata != nil {
		safe.Metadata = make(map[string]string, len(u.Metadata))
		for k, v := range u.Metadata {
			safe.Metadata[k] = v
		}
	}
	return &safe
}

// generateID creates a random user id of the form usr-<12 hex chars>.
func generateID() string {
	var buf [6]byte
	_, _ = rand.Read(buf[:])
	return "usr-" + hex.EncodeToString(buf[:])
}

// ValidRole reports whether a role name is one of the predefined roles.
func ValidRole(r Role) bool {
	_, ok := RolePermissions[r]
	return ok
}

// RoleFromString parses a role name.
func RoleFromString(s string) (Role, error) {
	r := Role(s)
	if !ValidRole(r) {
		return RoleNone, fmt.Errorf("unknown role: %s", s)
	}
	return r, nil
}
