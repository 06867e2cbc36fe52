package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/trialcare/trialcare/internal/domain/role"
	"github.com/trialcare/trialcare/internal/platform/apperr"
)

// RoleNotifier tells users that their roles were changed by an administrator.
type RoleNotifier interface {
	SendRoleReassignment(ctx context.Context, user *User, roles []role.Assignment) error
}

// RoleCache is notified when custom roles of a resource change.
type RoleCache interface {
	Invalidate(t role.ResourceType, resourceID string)
}

type Service struct {
	orgs     OrganizationRepository
	deps     DeploymentRepository
	users    UserRepository
	logger   zerolog.Logger
	notifier RoleNotifier
	cache    RoleCache
	now      func() time.Time
}

func NewService(orgs OrganizationRepository, deps DeploymentRepository, users UserRepository, logger zerolog.Logger) *Service {
	return &Service{
		orgs:   orgs,
		deps:   deps,
		users:  users,
		logger: logger.With().Str("component", "admin").Logger(),
		now:    time.Now,
	}
}

// SetRoleNotifier attaches the notifier used by UpdateUserRoles.
func (s *Service) SetRoleNotifier(n RoleNotifier) {
	s.notifier = n
}

// SetRoleCache attaches a cache that is invalidated whenever custom roles change.
func (s *Service) SetRoleCache(c RoleCache) {
	s.cache = c
}

func parseID(kind, id string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, apperr.InvalidRequest("invalid %s id %q", kind, id)
	}
	return u, nil
}

// -- Organization --

func (s *Service) CreateOrganization(ctx context.Context, org *Organization) error {
	if strings.TrimSpace(org.Name) == "" {
		return apperr.InvalidRequest("organization name is required")
	}
	assignCustomRoleIDs(org.CustomRoles)
	return s.orgs.Create(ctx, org)
}

func (s *Service) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	return s.orgs.GetByID(ctx, id)
}

func (s *Service) UpdateOrganization(ctx context.Context, org *Organization) error {
	if strings.TrimSpace(org.Name) == "" {
		return apperr.InvalidRequest("organization name is required")
	}
	assignCustomRoleIDs(org.CustomRoles)
	if err := s.orgs.Update(ctx, org); err != nil {
		return err
	}
	s.invalidate(role.ResourceOrganization, org.ID)
	return nil
}

func (s *Service) DeleteOrganization(ctx context.Context, id uuid.UUID) error {
	if err := s.orgs.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(role.ResourceOrganization, id)
	return nil
}

func (s *Service) ListOrganizations(ctx context.Context, limit, offset int) ([]*Organization, int, error) {
	return s.orgs.List(ctx, limit, offset)
}

// -- Deployment --

func (s *Service) CreateDeployment(ctx context.Context, dep *Deployment) error {
	if strings.TrimSpace(dep.Name) == "" {
		return apperr.InvalidRequest("deployment name is required")
	}
	if dep.OrganizationID != nil {
		if _, err := s.orgs.GetByID(ctx, *dep.OrganizationID); err != nil {
			return err
		}
	}
	assignCustomRoleIDs(dep.CustomRoles)
	return s.deps.Create(ctx, dep)
}

func (s *Service) GetDeployment(ctx context.Context, id uuid.UUID) (*Deployment, error) {
	return s.deps.GetByID(ctx, id)
}

func (s *Service) UpdateDeployment(ctx context.Context, dep *Deployment) error {
	if strings.TrimSpace(dep.Name) == "" {
		return apperr.InvalidRequest("deployment name is required")
	}
	assignCustomRoleIDs(dep.CustomRoles)
	if err := s.deps.Update(ctx, dep); err != nil {
		return err
	}
	s.invalidate(role.ResourceDeployment, dep.ID)
	return nil
}

func (s *Service) DeleteDeployment(ctx context.Context, id uuid.UUID) error {
	if err := s.deps.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(role.ResourceDeployment, id)
	return nil
}

func (s *Service) ListDeployments(ctx context.Context, limit, offset int) ([]*Deployment, int, error) {
	return s.deps.List(ctx, limit, offset)
}

func (s *Service) ListOrganizationDeployments(ctx context.Context, orgID uuid.UUID) ([]*Deployment, error) {
	return s.deps.ListByOrganization(ctx, orgID)
}

func assignCustomRoleIDs(roles []CustomRole) {
	for i := range roles {
		if roles[i].ID == uuid.Nil {
			roles[i].ID = uuid.New()
		}
	}
}

func (s *Service) invalidate(t role.ResourceType, id uuid.UUID) {
	if s.cache != nil {
		s.cache.Invalidate(t, id.String())
	}
}

// -- User --

func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrUserNotFound
	}
	return s.users.GetByID(ctx, uid)
}

func (s *Service) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.users.GetByEmail(ctx, email)
}

func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]*User, int, error) {
	return s.users.List(ctx, limit, offset)
}

// CreateUser stores a new user. The email is normalized and must be unique.
func (s *Service) CreateUser(ctx context.Context, user *User) error {
	user.Email = NormalizeEmail(user.Email)
	if user.Email == "" {
		return apperr.InvalidRequest("email is required")
	}
	for _, a := range user.Roles {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	if user.BoardingStatus.Status == "" {
		user.BoardingStatus = BoardingStatus{Status: BoardingActive, UpdateDateTime: s.now().UTC()}
	}
	return s.users.Create(ctx, user)
}

// GrantRoles adds assignments to an existing user. Assignments the user
// already holds are ignored. It returns the updated user.
func (s *Service) GrantRoles(ctx context.Context, userID string, roles []role.Assignment) (*User, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, a := range roles {
		if err := a.Validate(); err != nil {
			return nil, err
		}
	}
	if user.AddRoles(roles...) == 0 {
		return user, nil
	}
	if err := s.users.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("grant roles to user %s: %w", user.ID, err)
	}
	s.logger.Info().
		Str("user_id", user.ID.String()).
		Int("roles", len(user.Roles)).
		Msg("roles granted")
	return user, nil
}

// UpdateUserRoles replaces every role of a user and sends a reassignment notice
// when the user already had roles.
func (s *Service) UpdateUserRoles(ctx context.Context, userID string, roles []role.Assignment) (*User, error) {
	if len(roles) == 0 {
		return nil, apperr.InvalidRequest("at least one role is required")
	}
	for _, a := range roles {
		if err := a.Validate(); err != nil {
			return nil, err
		}
	}
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	hadRoles := len(user.Roles) > 0
	user.Roles = nil
	user.AddRoles(roles...)
	if err := s.users.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("update roles of user %s: %w", user.ID, err)
	}

	if hadRoles && s.notifier != nil {
		if err := s.notifier.SendRoleReassignment(ctx, user, user.Roles); err != nil {
			s.logger.Error().Err(err).Str("user_id", user.ID.String()).Msg("failed to send role reassignment")
		}
	}
	return user, nil
}

// OffBoardUser moves an active user to OFF_BOARDED.
func (s *Service) OffBoardUser(ctx context.Context, userID string, reason OffBoardingReason, details string) (*User, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := user.BoardingStatus.OffBoard(reason, details, s.now().UTC()); err != nil {
		return nil, apperr.InvalidRequest("%s", err.Error())
	}
	if err := s.users.Update(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", user.ID.String()).Str("reason", string(reason)).Msg("user off-boarded")
	return user, nil
}

// ReactivateUser moves an off-boarded user back to ACTIVE.
func (s *Service) ReactivateUser(ctx context.Context, userID string) (*User, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := user.BoardingStatus.Reactivate(s.now().UTC()); err != nil {
		return nil, apperr.InvalidRequest("%s", err.Error())
	}
	if err := s.users.Update(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", user.ID.String()).Msg("user reactivated")
	return user, nil
}

// -- Custom role resolution --

// ResolveDeploymentRole implements role.CustomRoleResolver.
func (s *Service) ResolveDeploymentRole(ctx context.Context, deploymentID, roleID string) (role.Role, error) {
	id, err := uuid.Parse(deploymentID)
	if err != nil {
		return role.Role{}, role.ErrCustomRoleNotFound
	}
	dep, err := s.deps.GetByID(ctx, id)
	if errors.Is(err, ErrDeploymentNotFound) {
		return role.Role{}, fmt.Errorf("deployment %s: %w", deploymentID, role.ErrCustomRoleNotFound)
	}
	if err != nil {
		return role.Role{}, err
	}
	cr, ok := dep.FindCustomRole(roleID)
	if !ok {
		return role.Role{}, role.ErrCustomRoleNotFound
	}
	return customRole(cr, role.ScopeDeployment), nil
}

// ResolveOrganizationRole implements role.CustomRoleResolver.
func (s *Service) ResolveOrganizationRole(ctx context.Context, organizationID, roleID string) (role.Role, error) {
	id, err := uuid.Parse(organizationID)
	if err != nil {
		return role.Role{}, role.ErrCustomRoleNotFound
	}
	org, err := s.orgs.GetByID(ctx, id)
	if errors.Is(err, ErrOrganizationNotFound) {
		return role.Role{}, fmt.Errorf("organization %s: %w", organizationID, role.ErrCustomRoleNotFound)
	}
	if err != nil {
		return role.Role{}, err
	}
	cr, ok := org.FindCustomRole(roleID)
	if !ok {
		return role.Role{}, role.ErrCustomRoleNotFound
	}
	return customRole(cr, role.ScopeOrganization), nil
}

func customRole(cr CustomRole, scope role.Scope) role.Role {
	userType := cr.UserType
	if userType == "" {
		userType = role.UserTypeManager
	}
	return role.Role{
		ID:          cr.ID.String(),
		Name:        cr.Name,
		UserType:    userType,
		Scope:       scope,
		Permissions: cr.Permissions,
		Custom:      true,
	}
}

// -- Directory lookups used by the invitation evaluator --

// OrganizationDeploymentIDs returns the ids of every deployment in the organization.
func (s *Service) OrganizationDeploymentIDs(ctx context.Context, organizationID string) ([]string, error) {
	id, err := parseID("organization", organizationID)
	if err != nil {
		return nil, err
	}
	org, err := s.orgs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(org.DeploymentIDs))
	for _, d := range org.DeploymentIDs {
		out = append(out, d.String())
	}
	return out, nil
}

// DeploymentOrganizationID returns the owning organization of a deployment, or
// "" when the deployment is standalone.
func (s *Service) DeploymentOrganizationID(ctx context.Context, deploymentID string) (string, error) {
	id, err := parseID("deployment", deploymentID)
	if err != nil {
		return "", err
	}
	dep, err := s.deps.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if dep.OrganizationID == nil {
		return "", nil
	}
	return dep.OrganizationID.String(), nil
}

// PatientDeploymentID returns the deployment a patient is enrolled in.
func (s *Service) PatientDeploymentID(ctx context.Context, patientID string) (string, error) {
	user, err := s.GetUser(ctx, patientID)
	if err != nil {
		return "", err
	}
	depID := user.DeploymentID()
	if depID == "" {
		return "", apperr.InvalidRequest("user %s is not a patient", patientID)
	}
	return depID, nil
}

// OrganizationCustomRoleIDs lists the custom role ids defined on an organization.
func (s *Service) OrganizationCustomRoleIDs(ctx context.Context, organizationID string) ([]string, error) {
	id, err := parseID("organization", organizationID)
	if err != nil {
		return nil, err
	}
	org, err := s.orgs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return customRoleIDs(org.CustomRoles), nil
}

// DeploymentCustomRoleIDs lists the custom role ids defined on a deployment.
func (s *Service) DeploymentCustomRoleIDs(ctx context.Context, deploymentID string) ([]string, error) {
	id, err := parseID("deployment", deploymentID)
	if err != nil {
		return nil, err
	}
	dep, err := s.deps.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return customRoleIDs(dep.CustomRoles), nil
}

func customRoleIDs(roles []CustomRole) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, r.ID.String())
	}
	return out
}

// PolicyData resolves the legal documents for an invitation. A single
// deployment uses its own URLs, falling back to its organization for any that
// are unset. Grants spanning several deployments, or anchored on an
// organization only, use the organization's URLs.
func (s *Service) PolicyData(ctx context.Context, deploymentIDs []string, organizationID string) (PolicyData, error) {
	var data PolicyData

	var dep *Deployment
	if len(deploymentIDs) > 0 {
		id, err := parseID("deployment", deploymentIDs[0])
		if err != nil {
			return data, err
		}
		if dep, err = s.deps.GetByID(ctx, id); err != nil {
			return data, err
		}
		data.CountryCode = dep.Country
		if organizationID == "" && dep.OrganizationID != nil {
			organizationID = dep.OrganizationID.String()
		}
	}

	if len(deploymentIDs) == 1 {
		data.PolicyURLs = dep.PolicyURLs
	}

	if organizationID == "" {
		return data, nil
	}
	orgID, err := parseID("organization", organizationID)
	if err != nil {
		return data, err
	}
	org, err := s.orgs.GetByID(ctx, orgID)
	if err != nil {
		return data, err
	}
	if len(deploymentIDs) != 1 {
		data.PolicyURLs = org.PolicyURLs
		return data, nil
	}
	if data.PrivacyPolicyURL == "" {
		data.PrivacyPolicyURL = org.PrivacyPolicyURL
	}
	if data.EULAURL == "" {
		data.EULAURL = org.EULAURL
	}
	if data.TermsURL == "" {
		data.TermsURL = org.TermsURL
	}
	return data, nil
}
