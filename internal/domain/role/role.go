// Package role holds the static catalog of default roles, the Assignment value
// type that binds a role to a resource, and the factory that builds validated
// assignments. Custom roles live on deployments and organizations and are
// looked up through an injected CustomRoleResolver.
package role

import "sort"

// UserType is the capability class a role confers.
type UserType string

const (
	UserTypeSuperAdmin     UserType = "SuperAdmin"
	UserTypeManager        UserType = "Manager"
	UserTypeUser           UserType = "User"
	UserTypeProxy          UserType = "Proxy"
	UserTypeServiceAccount UserType = "ServiceAccount"
)

// Scope says on which resource types a role may be assigned.
type Scope string

const (
	ScopeDeployment   Scope = "deployment"
	ScopeOrganization Scope = "organization"
	ScopeBoth         Scope = "both"
	ScopeUser         Scope = "user"
)

// Permission is a capability tag carried by a role.
type Permission string

const (
	PermissionViewPatientData    Permission = "VIEW_PATIENT_DATA"
	PermissionManagePatientData  Permission = "MANAGE_PATIENT_DATA"
	PermissionViewIdentifier     Permission = "VIEW_PATIENT_IDENTIFIER"
	PermissionInvitePatients     Permission = "INVITE_PATIENTS"
	PermissionInviteStaff        Permission = "INVITE_STAFF"
	PermissionInviteProxy        Permission = "INVITE_PROXY"
	PermissionManageDeployment   Permission = "MANAGE_DEPLOYMENT"
	PermissionManageOrganization Permission = "MANAGE_ORGANIZATION"
	PermissionManageAdmins       Permission = "MANAGE_ADMINS"
	PermissionCallCenter         Permission = "CALL_CENTER"
)

// Default role ids.
const (
	SuperAdmin         = "SuperAdmin"
	HumaSupport        = "HumaSupport"
	AccountManager     = "AccountManager"
	OrganizationOwner  = "OrganizationOwner"
	OrganizationEditor = "OrganizationEditor"
	OrganizationStaff  = "OrganizationStaff"
	AccessController   = "AccessController"
	Administrator      = "Administrator"
	Clinician          = "Clinician"
	Supervisor         = "Supervisor"
	Support            = "Support"
	DeploymentStaff    = "DeploymentStaff"
	CallCenter         = "CallCenter"
	User               = "User"
	Proxy              = "Proxy"
	ServiceAccount     = "ServiceAccount"
)

// Role is a named capability set. Default roles come from the catalog below;
// custom roles are returned by a CustomRoleResolver with Custom set.
type Role struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	UserType    UserType     `json:"userType" yaml:"userType"`
	Scope       Scope        `json:"scope" yaml:"scope"`
	Permissions []Permission `json:"permissions" yaml:"permissions"`
	Custom      bool         `json:"custom,omitempty" yaml:"-"`
}

// HasPermission reports whether the role carries p.
func (r Role) HasPermission(p Permission) bool {
	for _, have := range r.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

var managerPermissions = []Permission{
	PermissionViewPatientData, PermissionManagePatientData, PermissionViewIdentifier,
	PermissionInvitePatients, PermissionInviteProxy,
}

var catalog = map[string]Role{
	SuperAdmin: {ID: SuperAdmin, Name: "Super Admin", UserType: UserTypeSuperAdmin, Scope: ScopeDeployment,
		Permissions: []Permission{PermissionManageAdmins, PermissionManageOrganization, PermissionManageDeployment, PermissionInviteStaff, PermissionInvitePatients}},
	HumaSupport: {ID: HumaSupport, Name: "Huma Support", UserType: UserTypeSuperAdmin, Scope: ScopeDeployment,
		Permissions: []Permission{PermissionManageAdmins, PermissionManageOrganization, PermissionManageDeployment, PermissionInviteStaff}},
	AccountManager: {ID: AccountManager, Name: "Account Manager", UserType: UserTypeManager, Scope: ScopeOrganization,
		Permissions: []Permission{PermissionManageAdmins, PermissionManageOrganization, PermissionManageDeployment, PermissionInviteStaff}},
	OrganizationOwner: {ID: OrganizationOwner, Name: "Organization Owner", UserType: UserTypeManager, Scope: ScopeOrganization,
		Permissions: []Permission{PermissionManageAdmins, PermissionManageOrganization, PermissionManageDeployment, PermissionInviteStaff}},
	OrganizationEditor: {ID: OrganizationEditor, Name: "Organization Editor", UserType: UserTypeManager, Scope: ScopeOrganization,
		Permissions: []Permission{PermissionManageAdmins, PermissionManageDeployment, PermissionInviteStaff}},
	OrganizationStaff: {ID: OrganizationStaff, Name: "Organization Staff", UserType: UserTypeManager, Scope: ScopeOrganization,
		Permissions: []Permission{PermissionInviteStaff}},
	AccessController: {ID: AccessController, Name: "Access Controller", UserType: UserTypeManager, Scope: ScopeOrganization,
		Permissions: []Permission{PermissionInviteStaff}},
	Administrator: {ID: Administrator, Name: "Administrator", UserType: UserTypeManager, Scope: ScopeBoth,
		Permissions: append([]Permission{PermissionInviteStaff, PermissionManageDeployment}, managerPermissions...)},
	Clinician: {ID: Clinician, Name: "Clinician", UserType: UserTypeManager, Scope: ScopeBoth,
		Permissions: managerPermissions},
	Supervisor: {ID: Supervisor, Name: "Supervisor", UserType: UserTypeManager, Scope: ScopeBoth,
		Permissions: []Permission{PermissionViewPatientData, PermissionInvitePatients}},
	Support: {ID: Support, Name: "Support", UserType: UserTypeManager, Scope: ScopeBoth,
		Permissions: []Permission{PermissionViewPatientData, PermissionInvitePatients}},
	DeploymentStaff: {ID: DeploymentStaff, Name: "Deployment Staff", UserType: UserTypeManager, Scope: ScopeDeployment,
		Permissions: []Permission{PermissionViewPatientData, PermissionInvitePatients}},
	CallCenter: {ID: CallCenter, Name: "Call Center", UserType: UserTypeManager, Scope: ScopeDeployment,
		Permissions: []Permission{PermissionCallCenter, PermissionViewIdentifier, PermissionInvitePatients}},
	User: {ID: User, Name: "User", UserType: UserTypeUser, Scope: ScopeDeployment,
		Permissions: []Permission{PermissionInviteProxy}},
	Proxy: {ID: Proxy, Name: "Proxy", UserType: UserTypeProxy, Scope: ScopeUser},
	ServiceAccount: {ID: ServiceAccount, Name: "Service Account", UserType: UserTypeServiceAccount, Scope: ScopeDeployment,
		Permissions: []Permission{PermissionViewPatientData}},
}

// Get returns the default role with the given id.
func Get(id string) (Role, bool) {
	r, ok := catalog[id]
	return r, ok
}

// IsDefault reports whether id names a role from the static catalog.
func IsDefault(id string) bool {
	_, ok := catalog[id]
	return ok
}

// ScopeOf returns the scope of a default role, or "" for unknown ids.
func ScopeOf(id string) Scope {
	return catalog[id].Scope
}

// LegalOn reports whether a default role may be assigned on resources of type t.
func LegalOn(id string, t ResourceType) bool {
	r, ok := catalog[id]
	if !ok {
		return false
	}
	switch t {
	case ResourceOrganization:
		return r.Scope == ScopeOrganization || r.Scope == ScopeBoth
	case ResourceDeployment:
		return r.Scope == ScopeDeployment || r.Scope == ScopeBoth
	case ResourceUser:
		return r.Scope == ScopeUser
	}
	return false
}

// Set is an unordered set of role ids.
type Set map[string]struct{}

// NewSet builds a set from ids.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Union returns a new set holding the members of s and other.
func (s Set) Union(other Set) Set {
	out := make(Set, len(s)+len(other))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range other {
		out[id] = struct{}{}
	}
	return out
}

// Slice returns the members sorted.
func (s Set) Slice() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func byScope(scopes ...Scope) Set {
	out := Set{}
	for id, r := range catalog {
		for _, sc := range scopes {
			if r.Scope == sc && r.UserType != UserTypeSuperAdmin {
				out[id] = struct{}{}
			}
		}
	}
	return out
}

// CommonRoles are assignable at either organization or deployment scope.
func CommonRoles() Set {
	return NewSet(Administrator, Clinician, Supervisor, Support)
}

// OrganizationRoles are assignable at organization scope only.
func OrganizationRoles() Set {
	return byScope(ScopeOrganization)
}

// DeploymentRoles are assignable at deployment scope only, excluding super roles.
func DeploymentRoles() Set {
	return byScope(ScopeDeployment)
}

// MultiDeploymentRoles are roles whose grant may span more than one
// deployment. Organization custom role ids are appended to the default set.
func MultiDeploymentRoles(orgCustomRoleIDs ...string) Set {
	s := CommonRoles().Union(NewSet(DeploymentStaff, CallCenter))
	for _, id := range orgCustomRoleIDs {
		s[id] = struct{}{}
	}
	return s
}

// SuperAdmins are always assigned on deployment/*.
func SuperAdmins() Set {
	return NewSet(SuperAdmin, HumaSupport)
}

// AdminPortalRoles are issued only through admin-portal invitations.
func AdminPortalRoles() Set {
	return NewSet(HumaSupport, AccountManager, OrganizationOwner, OrganizationEditor)
}

// ManagerRoles returns every default role with the Manager user type.
func ManagerRoles() Set {
	out := Set{}
	for id, r := range catalog {
		if r.UserType == UserTypeManager {
			out[id] = struct{}{}
		}
	}
	return out
}

// OrganizationManagerRoles are the manager roles visible at organization level.
func OrganizationManagerRoles() Set {
	return OrganizationRoles().Union(CommonRoles())
}

// DeploymentManagerRoles are the manager roles visible at deployment level.
func DeploymentManagerRoles() Set {
	return CommonRoles().Union(NewSet(DeploymentStaff, CallCenter))
}
