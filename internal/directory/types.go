// Package directory defines the vendor-neutral surface shared by the Google
// Workspace and Microsoft Graph clients.
package directory

import (
	"context"
	"errors"
)

// ErrAuthExpired reports that the stored credential was revoked or expired.
// Callers must not retry a run that fails with this error.
var ErrAuthExpired = errors.New("directory: authorization expired")

// User is a directory account as reported by a vendor.
type User struct {
	VendorUserID   string
	Email          string
	DisplayName    string
	JobTitle       string
	Department     string
	AccountEnabled bool
	Guest          bool
}

// ScopeDatum carries a single permission entry with the vendor's own value
// string, used when a vendor itemizes scopes instead of space-joining them.
type ScopeDatum struct {
	Scope string `json:"scope"`
	Value string `json:"value,omitempty"`
}

// RawGrant is one third-party access grant before scope normalization. Each
// vendor fills the fields its API exposes and leaves the rest zero:
//
//   - Google token listings set ScopeString or Scopes.
//   - Microsoft OAuth2 permission grants set ScopeString.
//   - Microsoft app role assignments set AppRoleNames.
//   - Either vendor may attach itemized ScopeData or Permissions.
type RawGrant struct {
	Vendor         string
	ClientID       string
	AppDisplayName string
	UserID         string
	UserEmail      string
	Scopes         []string
	ScopeString    string
	ScopeData      []ScopeDatum
	Permissions    []string
	AppRoleNames   []string
}

// Client lists accounts and grants from one vendor directory.
type Client interface {
	Vendor() string
	ListUsers(ctx context.Context) ([]User, error)
	// ListGrants returns every third-party grant visible for the given
	// users. Implementations page through the vendor API and honor its
	// rate limits.
	ListGrants(ctx context.Context, users []User) ([]RawGrant, error)
}

// AssignmentVerifier is implemented by clients that can answer whether a
// single user still holds a grant for an application. Reconciliation uses it
// to spot-check suspicious removals.
type AssignmentVerifier interface {
	VerifyAssignment(ctx context.Context, userKey, clientID string) (bool, error)
}
