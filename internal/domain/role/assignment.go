package role

import (
	"strings"

	"github.com/trialcare/trialcare/internal/platform/apperr"
)

// ResourceType is the kind of resource a role is bound to.
type ResourceType string

const (
	ResourceDeployment   ResourceType = "deployment"
	ResourceOrganization ResourceType = "organization"
	ResourceUser         ResourceType = "user"
)

// Wildcard is the resource id meaning "every resource of that type".
const Wildcard = "*"

// Assignment binds a role to a resource path "<type>/<id>".
type Assignment struct {
	RoleID   string   `json:"roleId"`
	Resource string   `json:"resource"`
	UserType UserType `json:"userType,omitempty"`
}

// FormatResource renders a resource path.
func FormatResource(t ResourceType, id string) string {
	return string(t) + "/" + id
}

// ParseResource splits a resource path on the first "/".
func ParseResource(resource string) (ResourceType, string, error) {
	i := strings.IndexByte(resource, '/')
	if i <= 0 || i == len(resource)-1 {
		return "", "", apperr.InvalidRequest("malformed resource %q", resource)
	}
	t := ResourceType(resource[:i])
	switch t {
	case ResourceDeployment, ResourceOrganization, ResourceUser:
	default:
		return "", "", apperr.InvalidRequest("unknown resource type %q", t)
	}
	return t, resource[i+1:], nil
}

// ResourceType returns the type part of the resource, or "" when malformed.
func (a Assignment) ResourceType() ResourceType {
	t, _, err := ParseResource(a.Resource)
	if err != nil {
		return ""
	}
	return t
}

// ResourceID returns the id part of the resource, or "" when malformed.
func (a Assignment) ResourceID() string {
	_, id, err := ParseResource(a.Resource)
	if err != nil {
		return ""
	}
	return id
}

func (a Assignment) IsWildcard() bool {
	return a.ResourceID() == Wildcard
}

// Equal compares role and resource. UserType is derived and ignored.
func (a Assignment) Equal(b Assignment) bool {
	return a.RoleID == b.RoleID && a.Resource == b.Resource
}

// Validate checks the resource path and the wildcard restriction.
func (a Assignment) Validate() error {
	if a.RoleID == "" {
		return apperr.InvalidRole("role id is required")
	}
	if _, _, err := ParseResource(a.Resource); err != nil {
		return err
	}
	if a.IsWildcard() && !SuperAdmins().Has(a.RoleID) {
		return apperr.InvalidRole("role %s can not be assigned on %s", a.RoleID, a.Resource)
	}
	return nil
}

// ContainsAssignment reports whether list holds an assignment equal to a.
func ContainsAssignment(list []Assignment, a Assignment) bool {
	for _, have := range list {
		if have.Equal(a) {
			return true
		}
	}
	return false
}
