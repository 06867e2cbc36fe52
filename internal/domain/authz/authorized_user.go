// Package authz turns an authenticated user into an AuthorizedUser: the user
// record plus the single role assignment that governs the current request.
package authz

import (
	"context"

	"github.com/trialcare/trialcare/internal/domain/admin"
	"github.com/trialcare/trialcare/internal/domain/role"
	"github.com/trialcare/trialcare/internal/platform/apperr"
)

// RequestContext carries the resource hints sent with a request.
type RequestContext struct {
	OrganizationID string
	DeploymentID   string
}

func (rc RequestContext) empty() bool {
	return rc.OrganizationID == "" && rc.DeploymentID == ""
}

// AuthorizedUser is a request-scoped view over a user and its active role.
type AuthorizedUser struct {
	User   *admin.User
	Active role.Assignment

	hints   RequestContext
	factory *role.Factory
}

// New resolves the active role of user for the given hints.
func New(user *admin.User, hints RequestContext, factory *role.Factory) (*AuthorizedUser, error) {
	active, err := ResolveActiveRole(user, hints)
	if err != nil {
		return nil, err
	}
	return &AuthorizedUser{User: user, Active: active, hints: hints, factory: factory}, nil
}

// ResolveActiveRole picks the assignment that governs a request. An exact
// deployment match wins over an organization match. A wildcard super role
// matches any hint. Without hints the user's sole role is used.
func ResolveActiveRole(user *admin.User, hints RequestContext) (role.Assignment, error) {
	if user == nil || len(user.Roles) == 0 {
		return role.Assignment{}, apperr.PermissionDenied("user has no roles")
	}

	if hints.empty() {
		if len(user.Roles) == 1 {
			return user.Roles[0], nil
		}
		if a, ok := proxyOf(user.Roles); ok {
			return a, nil
		}
		return role.Assignment{}, apperr.ErrAmbiguousRole.WithMessage(
			"user has %d roles, send an organization or deployment id", len(user.Roles))
	}

	if hints.DeploymentID != "" {
		want := role.FormatResource(role.ResourceDeployment, hints.DeploymentID)
		for _, a := range user.Roles {
			if a.Resource == want {
				return a, nil
			}
		}
	}
	if hints.OrganizationID != "" {
		want := role.FormatResource(role.ResourceOrganization, hints.OrganizationID)
		for _, a := range user.Roles {
			if a.Resource == want {
				return a, nil
			}
		}
	}
	for _, a := range user.Roles {
		if a.IsWildcard() && role.SuperAdmins().Has(a.RoleID) {
			return a, nil
		}
	}
	return role.Assignment{}, apperr.PermissionDenied("user has no role in the requested resource")
}

// proxyOf returns the patient assignment of a proxy holding nothing but one
// patient link and its mirrored deployment assignments.
func proxyOf(roles []role.Assignment) (role.Assignment, bool) {
	var link role.Assignment
	links := 0
	for _, a := range roles {
		if a.RoleID != role.Proxy {
			return role.Assignment{}, false
		}
		if a.ResourceType() == role.ResourceUser {
			link = a
			links++
		}
	}
	return link, links == 1
}

// IsSuperAdmin reports whether the active role is a global super role.
func (u *AuthorizedUser) IsSuperAdmin() bool {
	return role.SuperAdmins().Has(u.Active.RoleID)
}

// IsOrg reports whether the active role is bound to an organization.
func (u *AuthorizedUser) IsOrg() bool {
	return u.Active.ResourceType() == role.ResourceOrganization
}

// IsDeployment reports whether the active role is bound to a specific deployment.
func (u *AuthorizedUser) IsDeployment() bool {
	return u.Active.ResourceType() == role.ResourceDeployment && !u.Active.IsWildcard()
}

func (u *AuthorizedUser) IsProxy() bool {
	return u.Active.RoleID == role.Proxy
}

// IsUser reports whether the active role is the patient role.
func (u *AuthorizedUser) IsUser() bool {
	return u.Active.RoleID == role.User
}

// ID returns the user id as a string.
func (u *AuthorizedUser) ID() string {
	return u.User.ID.String()
}

// DeploymentID returns the deployment of the active role, falling back to the
// request hint for organization-scoped and super roles.
func (u *AuthorizedUser) DeploymentID() string {
	if u.IsDeployment() {
		return u.Active.ResourceID()
	}
	return u.hints.DeploymentID
}

// OrganizationID returns the organization of the active role, falling back to
// the request hint.
func (u *AuthorizedUser) OrganizationID() string {
	if u.IsOrg() {
		return u.Active.ResourceID()
	}
	return u.hints.OrganizationID
}

// DeploymentIDs lists every deployment the user holds a role on. Wildcard
// assignments are not memberships and are skipped.
func (u *AuthorizedUser) DeploymentIDs() []string {
	return u.resourceIDs(role.ResourceDeployment)
}

// OrganizationIDs lists every organization the user holds a role on.
func (u *AuthorizedUser) OrganizationIDs() []string {
	return u.resourceIDs(role.ResourceOrganization)
}

func (u *AuthorizedUser) resourceIDs(t role.ResourceType) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range u.User.Roles {
		if a.ResourceType() != t || a.IsWildcard() {
			continue
		}
		id := a.ResourceID()
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// GetRole resolves the active assignment into a full role, custom roles included.
func (u *AuthorizedUser) GetRole(ctx context.Context) (role.Role, error) {
	if r, ok := role.Get(u.Active.RoleID); ok {
		return r, nil
	}
	if u.factory == nil {
		return role.Role{}, apperr.InvalidRole("role %s is not a default role", u.Active.RoleID)
	}
	return u.factory.Resolve(ctx, u.Active)
}

// UserType returns the capability class of the active role.
func (u *AuthorizedUser) UserType(ctx context.Context) (role.UserType, error) {
	r, err := u.GetRole(ctx)
	if err != nil {
		return "", err
	}
	return r.UserType, nil
}
