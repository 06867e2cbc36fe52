package authz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialcare/trialcare/internal/domain/admin"
	"github.com/trialcare/trialcare/internal/domain/role"
	"github.com/trialcare/trialcare/internal/platform/apperr"
	"github.com/trialcare/trialcare/internal/platform/auth"
)

func assignment(roleID string, t role.ResourceType, id string) role.Assignment {
	return role.Assignment{RoleID: roleID, Resource: role.FormatResource(t, id)}
}

func userWith(roles ...role.Assignment) *admin.User {
	return &admin.User{ID: uuid.New(), Email: "someone@example.com", Roles: roles}
}

func TestResolveActiveRole(t *testing.T) {
	d1, d2, o1 := uuid.NewString(), uuid.NewString(), uuid.NewString()
	clinD1 := assignment(role.Clinician, role.ResourceDeployment, d1)
	adminO1 := assignment(role.Administrator, role.ResourceOrganization, o1)
	super := assignment(role.SuperAdmin, role.ResourceDeployment, role.Wildcard)

	tests := []struct {
		name    string
		user    *admin.User
		hints   RequestContext
		want    role.Assignment
		wantErr error
	}{
		{"single role without hints", userWith(clinD1), RequestContext{}, clinD1, nil},
		{"no roles", userWith(), RequestContext{}, role.Assignment{}, apperr.ErrPermissionDenied},
		{"ambiguous", userWith(clinD1, adminO1), RequestContext{}, role.Assignment{}, apperr.ErrAmbiguousRole},
		{"deployment hint", userWith(adminO1, clinD1), RequestContext{DeploymentID: d1}, clinD1, nil},
		{"deployment wins over organization", userWith(adminO1, clinD1), RequestContext{OrganizationID: o1, DeploymentID: d1}, clinD1, nil},
		{"organization fallback", userWith(adminO1, clinD1), RequestContext{OrganizationID: o1, DeploymentID: d2}, adminO1, nil},
		{"unknown hint", userWith(clinD1), RequestContext{DeploymentID: d2}, role.Assignment{}, apperr.ErrPermissionDenied},
		{"super admin matches any hint", userWith(super), RequestContext{DeploymentID: d2}, super, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveActiveRole(tt.user, tt.hints)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %+v", got)
		})
	}
}

func TestAmbiguousRoleIsBadRequest(t *testing.T) {
	_, err := ResolveActiveRole(userWith(
		assignment(role.Clinician, role.ResourceDeployment, uuid.NewString()),
		assignment(role.Support, role.ResourceDeployment, uuid.NewString()),
	), RequestContext{})
	assert.Equal(t, http.StatusBadRequest, apperr.StatusOf(err))
}

func TestAuthorizedUser_Queries(t *testing.T) {
	d1, d2, o1 := uuid.NewString(), uuid.NewString(), uuid.NewString()
	user := userWith(
		assignment(role.Administrator, role.ResourceOrganization, o1),
		assignment(role.Clinician, role.ResourceDeployment, d1),
		assignment(role.Supervisor, role.ResourceDeployment, d2),
		assignment(role.Support, role.ResourceDeployment, d1),
		assignment(role.SuperAdmin, role.ResourceDeployment, role.Wildcard),
	)

	au, err := New(user, RequestContext{OrganizationID: o1}, nil)
	require.NoError(t, err)

	assert.True(t, au.IsOrg())
	assert.False(t, au.IsDeployment())
	assert.False(t, au.IsSuperAdmin())
	assert.Equal(t, o1, au.OrganizationID())
	assert.Equal(t, []string{d1, d2}, au.DeploymentIDs(), "deduplicated and wildcard free")
	assert.Equal(t, []string{o1}, au.OrganizationIDs())
}

func TestAuthorizedUser_WildcardNotAMembership(t *testing.T) {
	au, err := New(userWith(assignment(role.SuperAdmin, role.ResourceDeployment, role.Wildcard)), RequestContext{}, nil)
	require.NoError(t, err)

	assert.True(t, au.IsSuperAdmin())
	assert.False(t, au.IsDeployment())
	assert.Empty(t, au.DeploymentIDs())
	assert.Empty(t, au.OrganizationIDs())
}

func TestAuthorizedUser_DeploymentFallsBackToHint(t *testing.T) {
	o1, d1 := uuid.NewString(), uuid.NewString()
	au, err := New(userWith(assignment(role.Administrator, role.ResourceOrganization, o1)),
		RequestContext{OrganizationID: o1, DeploymentID: d1}, nil)
	require.NoError(t, err)
	assert.Equal(t, d1, au.DeploymentID())
}

func TestAuthorizedUser_ProxyAndUser(t *testing.T) {
	patient := uuid.NewString()
	proxy, err := New(userWith(assignment(role.Proxy, role.ResourceUser, patient)), RequestContext{}, nil)
	require.NoError(t, err)
	assert.True(t, proxy.IsProxy())
	assert.False(t, proxy.IsUser())

	user, err := New(userWith(assignment(role.User, role.ResourceDeployment, uuid.NewString())), RequestContext{}, nil)
	require.NoError(t, err)
	assert.True(t, user.IsUser())
	assert.True(t, user.IsDeployment())
}

func TestAuthorizedUser_ProxyWithMirroredDeployment(t *testing.T) {
	patient, dep := uuid.NewString(), uuid.NewString()
	link := role.Assignment{RoleID: role.Proxy, Resource: role.FormatResource(role.ResourceUser, patient), UserType: role.UserTypeProxy}
	mirror := role.Assignment{RoleID: role.Proxy, Resource: role.FormatResource(role.ResourceDeployment, dep), UserType: role.UserTypeProxy}

	au, err := New(userWith(link, mirror), RequestContext{}, nil)
	require.NoError(t, err)
	assert.Equal(t, link, au.Active)
	assert.True(t, au.IsProxy())

	other := assignment(role.Proxy, role.ResourceUser, uuid.NewString())
	_, err = New(userWith(link, mirror, other), RequestContext{}, nil)
	assert.True(t, errors.Is(err, apperr.ErrAmbiguousRole), "two patients still need a hint, got %v", err)

	_, err = New(userWith(link, assignment(role.User, role.ResourceDeployment, dep)), RequestContext{}, nil)
	assert.True(t, errors.Is(err, apperr.ErrAmbiguousRole), "got %v", err)
}

type stubResolver struct {
	roles map[string]role.Role
}

func (s stubResolver) ResolveDeploymentRole(_ context.Context, _ string, roleID string) (role.Role, error) {
	if r, ok := s.roles[roleID]; ok {
		return r, nil
	}
	return role.Role{}, role.ErrCustomRoleNotFound
}

func (s stubResolver) ResolveOrganizationRole(_ context.Context, _ string, _ string) (role.Role, error) {
	return role.Role{}, role.ErrCustomRoleNotFound
}

func TestAuthorizedUser_GetRole(t *testing.T) {
	customID := uuid.NewString()
	factory := role.NewFactory(stubResolver{roles: map[string]role.Role{
		customID: {ID: customID, UserType: role.UserTypeManager, Custom: true, Permissions: []role.Permission{role.PermissionInviteStaff}},
	}})

	def, err := New(userWith(assignment(role.Clinician, role.ResourceDeployment, uuid.NewString())), RequestContext{}, factory)
	require.NoError(t, err)
	r, err := def.GetRole(context.Background())
	require.NoError(t, err)
	assert.Equal(t, role.UserTypeManager, r.UserType)

	custom, err := New(userWith(assignment(customID, role.ResourceDeployment, uuid.NewString())), RequestContext{}, factory)
	require.NoError(t, err)
	r, err = custom.GetRole(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Custom)

	unknown, err := New(userWith(assignment(uuid.NewString(), role.ResourceDeployment, uuid.NewString())), RequestContext{}, factory)
	require.NoError(t, err)
	_, err = unknown.GetRole(context.Background())
	assert.True(t, errors.Is(err, apperr.ErrInvalidRole))
}

// -- Middleware --

type stubLoader struct {
	users   map[string]*admin.User
	depOrgs map[string]string
}

func (s stubLoader) GetUser(_ context.Context, id string) (*admin.User, error) {
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, admin.ErrUserNotFound
}

func (s stubLoader) DeploymentOrganizationID(_ context.Context, id string) (string, error) {
	if o, ok := s.depOrgs[id]; ok {
		return o, nil
	}
	return "", admin.ErrDeploymentNotFound
}

func runMiddleware(t *testing.T, loader UserLoader, userID string, headers map[string]string) (*AuthorizedUser, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if userID != "" {
		req = req.WithContext(auth.WithUser(req.Context(), userID, ""))
	}
	c := e.NewContext(req, httptest.NewRecorder())

	var got *AuthorizedUser
	err := Middleware(loader, role.NewFactory(nil))(func(c echo.Context) error {
		got, _ = FromContext(c)
		return nil
	})(c)
	return got, err
}

func TestMiddleware_ResolvesFromHeaders(t *testing.T) {
	o1, d1 := uuid.NewString(), uuid.NewString()
	user := userWith(
		assignment(role.Administrator, role.ResourceOrganization, o1),
		assignment(role.Clinician, role.ResourceDeployment, uuid.NewString()),
	)
	loader := stubLoader{
		users:   map[string]*admin.User{user.ID.String(): user},
		depOrgs: map[string]string{d1: o1},
	}

	au, err := runMiddleware(t, loader, user.ID.String(), map[string]string{DeploymentHeader: d1})
	require.NoError(t, err)
	require.NotNil(t, au)
	assert.Equal(t, role.Administrator, au.Active.RoleID, "organization is derived from the deployment")
	assert.Equal(t, d1, au.DeploymentID())
}

func TestMiddleware_RejectsDeploymentOutsideOrganization(t *testing.T) {
	o1, o2, d1, d2 := uuid.NewString(), uuid.NewString(), uuid.NewString(), uuid.NewString()
	user := userWith(assignment(role.Administrator, role.ResourceOrganization, o1))
	loader := stubLoader{
		users:   map[string]*admin.User{user.ID.String(): user},
		depOrgs: map[string]string{d1: o1, d2: o2},
	}

	au, err := runMiddleware(t, loader, user.ID.String(), map[string]string{OrganizationHeader: o1, DeploymentHeader: d1})
	require.NoError(t, err)
	assert.Equal(t, d1, au.DeploymentID())

	for name, dep := range map[string]string{"other organization": d2, "unknown deployment": uuid.NewString()} {
		t.Run(name, func(t *testing.T) {
			_, err := runMiddleware(t, loader, user.ID.String(), map[string]string{OrganizationHeader: o1, DeploymentHeader: dep})
			assert.True(t, errors.Is(err, apperr.ErrPermissionDenied), "got %v", err)
		})
	}
}

func TestMiddleware_Unauthenticated(t *testing.T) {
	_, err := runMiddleware(t, stubLoader{}, "", nil)
	var he *echo.HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusUnauthorized, he.Code)

	_, err = runMiddleware(t, stubLoader{}, uuid.NewString(), nil)
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusUnauthorized, he.Code)
}

func TestMiddleware_OffBoardedUser(t *testing.T) {
	user := userWith(assignment(role.User, role.ResourceDeployment, uuid.NewString()))
	user.BoardingStatus.Status = admin.BoardingOffBoarded
	loader := stubLoader{users: map[string]*admin.User{user.ID.String(): user}}

	_, err := runMiddleware(t, loader, user.ID.String(), nil)
	assert.True(t, errors.Is(err, apperr.ErrPermissionDenied))
}

func TestRequirePermission(t *testing.T) {
	e := echo.New()
	ok := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	clin, err := New(userWith(assignment(role.Clinician, role.ResourceDeployment, uuid.NewString())), RequestContext{}, nil)
	require.NoError(t, err)
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	SetContext(c, clin)
	assert.NoError(t, RequirePermission(role.PermissionInvitePatients)(ok)(c))
	assert.True(t, errors.Is(RequirePermission(role.PermissionManageOrganization)(ok)(c), apperr.ErrPermissionDenied))
	assert.True(t, errors.Is(RequireSuperAdmin()(ok)(c), apperr.ErrPermissionDenied))

	super, err := New(userWith(assignment(role.SuperAdmin, role.ResourceDeployment, role.Wildcard)), RequestContext{}, nil)
	require.NoError(t, err)
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	SetContext(c, super)
	assert.NoError(t, RequirePermission(role.PermissionManageOrganization)(ok)(c))
	assert.NoError(t, RequireSuperAdmin()(ok)(c))
}
