package role

import (
	"context"
	"errors"
	"fmt"

	"github.com/trialcare/trialcare/internal/platform/apperr"
)

// ErrCustomRoleNotFound is returned by resolvers when a resource has no custom
// role with the requested id.
var ErrCustomRoleNotFound = errors.New("custom role not found")

// CustomRoleResolver looks up custom roles defined on deployments and
// organizations. Implementations return ErrCustomRoleNotFound when the
// resource exists but does not define the role.
type CustomRoleResolver interface {
	ResolveDeploymentRole(ctx context.Context, deploymentID, roleID string) (Role, error)
	ResolveOrganizationRole(ctx context.Context, organizationID, roleID string) (Role, error)
}

// Factory builds validated assignments.
type Factory struct {
	resolver CustomRoleResolver
}

func NewFactory(resolver CustomRoleResolver) *Factory {
	return &Factory{resolver: resolver}
}

// CreateRole builds an assignment of roleID on resourceID. Super roles are
// always global. When resourceType is empty it is inferred, trying
// organization legality before deployment legality.
func (f *Factory) CreateRole(ctx context.Context, roleID, resourceID string, resourceType ResourceType) (Assignment, error) {
	if roleID == "" {
		return Assignment{}, apperr.InvalidRole("role id is required")
	}
	if SuperAdmins().Has(roleID) {
		return Assignment{
			RoleID:   roleID,
			Resource: FormatResource(ResourceDeployment, Wildcard),
			UserType: UserTypeSuperAdmin,
		}, nil
	}
	if resourceID == "" || resourceID == Wildcard {
		return Assignment{}, apperr.InvalidRole("role %s requires a resource id", roleID)
	}

	candidates := []ResourceType{resourceType}
	if resourceType == "" {
		candidates = []ResourceType{ResourceOrganization, ResourceDeployment}
	}

	for _, t := range candidates {
		r, err := f.lookup(ctx, roleID, t, resourceID)
		if errors.Is(err, ErrCustomRoleNotFound) {
			continue
		}
		if err != nil {
			return Assignment{}, err
		}
		return Assignment{
			RoleID:   roleID,
			Resource: FormatResource(t, resourceID),
			UserType: r.UserType,
		}, nil
	}
	return Assignment{}, apperr.InvalidRole("%s is not a valid role for resource %s", roleID, resourceID)
}

// CreateProxy builds a Proxy assignment on the given patient.
func (f *Factory) CreateProxy(userID string) Assignment {
	return Assignment{
		RoleID:   Proxy,
		Resource: FormatResource(ResourceUser, userID),
		UserType: UserTypeProxy,
	}
}

// ResolveUserType fills in a missing user type, looking at the default
// catalog first and the assignment's owning resource second.
func (f *Factory) ResolveUserType(ctx context.Context, a Assignment) (UserType, error) {
	if a.UserType != "" {
		return a.UserType, nil
	}
	r, err := f.Resolve(ctx, a)
	if err != nil {
		return "", err
	}
	return r.UserType, nil
}

// Resolve returns the full role an assignment refers to.
func (f *Factory) Resolve(ctx context.Context, a Assignment) (Role, error) {
	if r, ok := Get(a.RoleID); ok {
		return r, nil
	}
	t, id, err := ParseResource(a.Resource)
	if err != nil {
		return Role{}, err
	}
	r, err := f.lookup(ctx, a.RoleID, t, id)
	if errors.Is(err, ErrCustomRoleNotFound) {
		return Role{}, apperr.InvalidRole("role %s is not defined on %s", a.RoleID, a.Resource)
	}
	return r, err
}

// lookup returns ErrCustomRoleNotFound when roleID is not legal on the resource.
func (f *Factory) lookup(ctx context.Context, roleID string, t ResourceType, resourceID string) (Role, error) {
	if r, ok := Get(roleID); ok {
		if LegalOn(roleID, t) {
			return r, nil
		}
		return Role{}, ErrCustomRoleNotFound
	}
	if f.resolver == nil {
		return Role{}, ErrCustomRoleNotFound
	}

	var (
		r   Role
		err error
	)
	switch t {
	case ResourceDeployment:
		r, err = f.resolver.ResolveDeploymentRole(ctx, resourceID, roleID)
	case ResourceOrganization:
		r, err = f.resolver.ResolveOrganizationRole(ctx, resourceID, roleID)
	default:
		return Role{}, ErrCustomRoleNotFound
	}
	if err != nil {
		if errors.Is(err, ErrCustomRoleNotFound) {
			return Role{}, err
		}
		return Role{}, fmt.Errorf("resolve custom role %s on %s/%s: %w", roleID, t, resourceID, err)
	}
	return r, nil
}
