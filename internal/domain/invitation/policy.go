package invitation

import (
	"context"
	"errors"

	"github.com/trialcare/trialcare/internal/domain/admin"
	"github.com/trialcare/trialcare/internal/domain/authz"
	"github.com/trialcare/trialcare/internal/domain/role"
	"github.com/trialcare/trialcare/internal/platform/apperr"
)

// Targets are the resources an invitation grants a role on.
type Targets struct {
	DeploymentIDs  []string `json:"deploymentIds,omitempty"`
	OrganizationID string   `json:"organizationId,omitempty"`
	PatientID      string   `json:"patientId,omitempty"`
}

// Directory is what the invitation package needs to know about
// organizations, deployments and users.
type Directory interface {
	OrganizationDeploymentIDs(ctx context.Context, organizationID string) ([]string, error)
	DeploymentOrganizationID(ctx context.Context, deploymentID string) (string, error)
	PatientDeploymentID(ctx context.Context, patientID string) (string, error)
	OrganizationCustomRoleIDs(ctx context.Context, organizationID string) ([]string, error)
	DeploymentCustomRoleIDs(ctx context.Context, deploymentID string) ([]string, error)
	PolicyData(ctx context.Context, deploymentIDs []string, organizationID string) (admin.PolicyData, error)
	FindUserByEmail(ctx context.Context, email string) (*admin.User, error)
	GetUser(ctx context.Context, id string) (*admin.User, error)
	GrantRoles(ctx context.Context, userID string, roles []role.Assignment) (*admin.User, error)
	CreateUser(ctx context.Context, user *admin.User) error
}

type targetClass int

const (
	classCommon targetClass = iota
	classOrganization
	classProxy
	classDeployment
)

// target is a resolved invitation role.
type target struct {
	role  role.Role
	class targetClass
	// multi is set when the role may span several deployments.
	multi bool
}

// Policy decides who may invite whom to which resource.
type Policy struct {
	table   *PermissionTable
	dir     Directory
	factory *role.Factory
	repo    Repository
}

func NewPolicy(table *PermissionTable, dir Directory, factory *role.Factory, repo Repository) *Policy {
	if table == nil {
		table = DefaultPermissions()
	}
	return &Policy{table: table, dir: dir, factory: factory, repo: repo}
}

// CanSubmitInvitation returns nil when submitter may invite roleID on t.
// Malformed targets are rejected with ErrInvalidRequest before any
// permission check; permission failures are ErrPermissionDenied.
func (p *Policy) CanSubmitInvitation(ctx context.Context, submitter *authz.AuthorizedUser, roleID string, t Targets) error {
	tgt, err := p.resolveTarget(ctx, roleID, t)
	if err != nil {
		return err
	}
	if err := p.validateTargets(ctx, tgt, t); err != nil {
		return err
	}
	if tgt.class == classProxy {
		if err := p.ensureNoPendingProxy(ctx, t.PatientID); err != nil {
			return err
		}
	}

	if submitter.IsSuperAdmin() {
		return nil
	}
	if submitter.IsProxy() {
		return apperr.PermissionDenied("proxies can not send invitations")
	}
	if err := p.checkGrant(ctx, submitter, tgt); err != nil {
		return err
	}
	if tgt.class == classProxy {
		return p.checkProxyScope(ctx, submitter, t.PatientID)
	}
	return p.checkScope(ctx, submitter, t)
}

func (p *Policy) resolveTarget(ctx context.Context, roleID string, t Targets) (target, error) {
	if roleID == "" {
		return target{}, apperr.InvalidRole("role id is required")
	}
	if role.SuperAdmins().Has(roleID) || role.AdminPortalRoles().Has(roleID) {
		return target{}, apperr.InvalidRequest("role %s is invited through the admin portal", roleID)
	}

	if r, ok := role.Get(roleID); ok {
		tgt := target{role: r, multi: role.MultiDeploymentRoles().Has(roleID)}
		switch {
		case role.CommonRoles().Has(roleID):
			tgt.class = classCommon
		case roleID == role.Proxy:
			tgt.class = classProxy
		case r.Scope == role.ScopeOrganization:
			tgt.class = classOrganization
		case r.Scope == role.ScopeDeployment:
			tgt.class = classDeployment
		default:
			return target{}, apperr.InvalidRole("role %s can not be invited", roleID)
		}
		return tgt, nil
	}

	// Organization custom roles may span the organization's deployments;
	// deployment custom roles are bound to the deployment defining them.
	if t.OrganizationID != "" {
		r, err := p.factory.Resolve(ctx, role.Assignment{
			RoleID:   roleID,
			Resource: role.FormatResource(role.ResourceOrganization, t.OrganizationID),
		})
		if err == nil {
			if len(t.DeploymentIDs) == 0 {
				return target{role: r, class: classOrganization}, nil
			}
			return target{role: r, class: classDeployment, multi: true}, nil
		}
		if !errors.Is(err, apperr.ErrInvalidRole) {
			return target{}, err
		}
	}
	if len(t.DeploymentIDs) > 0 {
		r, err := p.factory.Resolve(ctx, role.Assignment{
			RoleID:   roleID,
			Resource: role.FormatResource(role.ResourceDeployment, t.DeploymentIDs[0]),
		})
		if err != nil {
			return target{}, err
		}
		return target{role: r, class: classDeployment}, nil
	}
	return target{}, apperr.InvalidRole("%s is not a valid role for the given resources", roleID)
}

func (p *Policy) validateTargets(ctx context.Context, tgt target, t Targets) error {
	id := tgt.role.ID
	hasOrg, hasPatient := t.OrganizationID != "", t.PatientID != ""
	nDeps := len(t.DeploymentIDs)

	switch tgt.class {
	case classCommon:
		if hasPatient {
			return apperr.InvalidRequest("patientId is not allowed for role %s", id)
		}
		if !hasOrg && nDeps == 0 {
			return apperr.InvalidRequest("organizationId or deploymentIds is required for role %s", id)
		}
		if nDeps > 1 && !hasOrg {
			return apperr.InvalidRequest("organizationId is required to invite %s to more than one deployment", id)
		}
		if hasOrg && nDeps > 0 {
			return apperr.InvalidRequest("organizationId and deploymentIds can not both be set for role %s", id)
		}
		return nil

	case classOrganization:
		if !hasOrg {
			return apperr.InvalidRequest("organizationId is required for role %s", id)
		}
		if nDeps > 0 || hasPatient {
			return apperr.InvalidRequest("role %s can only be invited to an organization", id)
		}
		return nil

	case classProxy:
		if !hasPatient {
			return apperr.InvalidRequest("patientId is required for role %s", id)
		}
		if nDeps > 0 || hasOrg {
			return apperr.InvalidRequest("role %s can only be invited for a patient", id)
		}
		return nil
	}

	if hasPatient {
		return apperr.InvalidRequest("patientId is not allowed for role %s", id)
	}
	if nDeps == 0 {
		return apperr.InvalidRequest("deploymentIds is required for role %s", id)
	}
	if nDeps > 1 {
		if !tgt.multi {
			return apperr.InvalidRequest("role %s can only be invited to one deployment", id)
		}
		if !hasOrg {
			return apperr.InvalidRequest("organizationId is required to invite %s to more than one deployment", id)
		}
	}
	if hasOrg {
		orgDeps, err := p.dir.OrganizationDeploymentIDs(ctx, t.OrganizationID)
		if err != nil {
			return err
		}
		if !subset(t.DeploymentIDs, orgDeps) {
			return apperr.InvalidRequest("deployments must belong to organization %s", t.OrganizationID)
		}
	}
	return nil
}

func (p *Policy) ensureNoPendingProxy(ctx context.Context, patientID string) error {
	_, err := p.repo.RetrieveProxyInvitation(ctx, patientID)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	return ErrProxyPending
}

// checkGrant consults the permission table. Custom target roles are not in the
// table and need a submitter allowed to invite staff. Custom submitter roles
// are judged by their permission tags.
func (p *Policy) checkGrant(ctx context.Context, submitter *authz.AuthorizedUser, tgt target) error {
	submitterRole, err := submitter.GetRole(ctx)
	if err != nil {
		return err
	}

	if tgt.role.Custom || submitterRole.Custom {
		if submitterRole.UserType != role.UserTypeManager {
			return apperr.PermissionDenied("role %s can not invite %s", submitter.Active.RoleID, tgt.role.ID)
		}
		if !submitterRole.HasPermission(requiredPermission(tgt.role.ID)) {
			return apperr.PermissionDenied("role %s can not invite %s", submitterRole.Name, tgt.role.Name)
		}
		return nil
	}

	if !p.table.CanInvite(submitter.Active.RoleID, tgt.role.ID) {
		return apperr.PermissionDenied("role %s can not invite %s", submitter.Active.RoleID, tgt.role.ID)
	}
	return nil
}

func requiredPermission(targetRoleID string) role.Permission {
	switch targetRoleID {
	case role.User:
		return role.PermissionInvitePatients
	case role.Proxy:
		return role.PermissionInviteProxy
	}
	return role.PermissionInviteStaff
}

// checkScope keeps organization submitters inside their organization and
// deployment submitters inside their deployment.
func (p *Policy) checkScope(ctx context.Context, submitter *authz.AuthorizedUser, t Targets) error {
	switch {
	case submitter.IsOrg():
		if t.OrganizationID != "" && !contains(submitter.OrganizationIDs(), t.OrganizationID) {
			return apperr.PermissionDenied("organization %s is outside of your organizations", t.OrganizationID)
		}
		if len(t.DeploymentIDs) == 0 {
			return nil
		}
		visible, err := p.dir.OrganizationDeploymentIDs(ctx, submitter.OrganizationID())
		if err != nil {
			return err
		}
		if !subset(t.DeploymentIDs, visible) {
			return apperr.PermissionDenied("deployments are outside of your organization")
		}
		return nil

	case submitter.IsDeployment():
		if t.OrganizationID != "" {
			return apperr.PermissionDenied("deployment roles can not invite to an organization")
		}
		own := submitter.DeploymentID()
		for _, id := range t.DeploymentIDs {
			if id != own {
				return apperr.PermissionDenied("deployment %s is outside of your deployment", id)
			}
		}
		return nil
	}
	return apperr.PermissionDenied("role %s has no resource to invite to", submitter.Active.RoleID)
}

// checkProxyScope lets patients invite proxies for themselves and managers
// invite proxies for patients they can see.
func (p *Policy) checkProxyScope(ctx context.Context, submitter *authz.AuthorizedUser, patientID string) error {
	if submitter.IsUser() {
		if submitter.ID() != patientID {
			return apperr.PermissionDenied("patients can only invite their own proxies")
		}
		return nil
	}

	depID, err := p.dir.PatientDeploymentID(ctx, patientID)
	if err != nil {
		return err
	}
	switch {
	case submitter.IsOrg():
		visible, err := p.dir.OrganizationDeploymentIDs(ctx, submitter.OrganizationID())
		if err != nil {
			return err
		}
		if contains(visible, depID) {
			return nil
		}
	case submitter.IsDeployment():
		if submitter.DeploymentID() == depID {
			return nil
		}
	}
	return apperr.PermissionDenied("patient %s is outside of your deployments", patientID)
}

// CanSubmitAdminInvitation checks an admin portal invitation of roleID on
// organizationID. HumaSupport is global and takes no organization.
func (p *Policy) CanSubmitAdminInvitation(submitter *authz.AuthorizedUser, roleID, organizationID string) error {
	if !role.AdminPortalRoles().Has(roleID) {
		return apperr.InvalidRole("role %s is not an admin portal role", roleID)
	}
	if roleID == role.HumaSupport {
		if organizationID != "" {
			return apperr.InvalidRequest("role %s can not be bound to an organization", roleID)
		}
	} else if organizationID == "" {
		return apperr.InvalidRequest("organizationId is required for role %s", roleID)
	}

	if !p.table.CanInviteAdmin(submitter.Active.RoleID, roleID) {
		return apperr.PermissionDenied("role %s can not invite %s", submitter.Active.RoleID, roleID)
	}
	if !submitter.IsSuperAdmin() && !contains(submitter.OrganizationIDs(), organizationID) {
		return apperr.PermissionDenied("organization %s is outside of your organizations", organizationID)
	}
	return nil
}

// CanManageInvitation reports whether submitter may see, resend or delete inv.
// Invitations outside the submitter's reach are reported as missing.
func (p *Policy) CanManageInvitation(ctx context.Context, submitter *authz.AuthorizedUser, inv *Invitation) error {
	if submitter.IsSuperAdmin() {
		return nil
	}
	if inv.SenderID != "" && inv.SenderID == submitter.ID() {
		return nil
	}

	deps := inv.DeploymentIDs()
	if patientID := inv.PatientID(); patientID != "" {
		if submitter.IsUser() && submitter.ID() == patientID {
			return nil
		}
		// The mirrored assignment carries the patient's deployment.
		if len(deps) == 0 {
			depID, err := p.dir.PatientDeploymentID(ctx, patientID)
			if err != nil && !errors.Is(err, apperr.ErrUserDoesNotExist) {
				return err
			}
			if depID != "" {
				deps = []string{depID}
			}
		}
	}

	switch {
	case submitter.IsOrg():
		if orgID := inv.OrganizationID(); orgID != "" && contains(submitter.OrganizationIDs(), orgID) {
			return nil
		}
		if len(deps) > 0 {
			visible, err := p.dir.OrganizationDeploymentIDs(ctx, submitter.OrganizationID())
			if err != nil {
				return err
			}
			if subset(deps, visible) {
				return nil
			}
		}
	case submitter.IsDeployment() && !submitter.IsUser():
		if contains(deps, submitter.DeploymentID()) {
			return nil
		}
	}
	return ErrNotFound
}

// CanListInvitations lets super admins and managers that may invite list
// pending invitations. An organization role only looks into deployments of
// its own organization.
func (p *Policy) CanListInvitations(ctx context.Context, submitter *authz.AuthorizedUser) error {
	if submitter.IsSuperAdmin() {
		return nil
	}
	r, err := submitter.GetRole(ctx)
	if err != nil {
		return err
	}
	if r.UserType != role.UserTypeManager ||
		!(r.HasPermission(role.PermissionInviteStaff) || r.HasPermission(role.PermissionInvitePatients)) {
		return apperr.PermissionDenied("role %s can not list invitations", submitter.Active.RoleID)
	}

	depID := submitter.DeploymentID()
	if !submitter.IsOrg() || depID == "" {
		return nil
	}
	orgID, err := p.dir.DeploymentOrganizationID(ctx, depID)
	if err != nil && !errors.Is(err, apperr.ErrObjectDoesNotExist) && !errors.Is(err, apperr.ErrInvalidRequest) {
		return err
	}
	if orgID == "" || orgID != submitter.OrganizationID() {
		return apperr.PermissionDenied("deployment %s is outside organization %s", depID, submitter.OrganizationID())
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func subset(items, of []string) bool {
	for _, v := range items {
		if !contains(of, v) {
			return false
		}
	}
	return true
}
