package role

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialcare/trialcare/internal/platform/apperr"
)

type stubResolver struct {
	deployment map[string]Role
	org        map[string]Role
	calls      atomic.Int32
	delay      time.Duration
}

func (s *stubResolver) ResolveDeploymentRole(_ context.Context, deploymentID, roleID string) (Role, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	if r, ok := s.deployment[deploymentID+"/"+roleID]; ok {
		return r, nil
	}
	return Role{}, ErrCustomRoleNotFound
}

func (s *stubResolver) ResolveOrganizationRole(_ context.Context, organizationID, roleID string) (Role, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	if r, ok := s.org[organizationID+"/"+roleID]; ok {
		return r, nil
	}
	return Role{}, ErrCustomRoleNotFound
}

func TestCatalog_Sets(t *testing.T) {
	assert.Equal(t, []string{Administrator, Clinician, Supervisor, Support}, CommonRoles().Slice())
	assert.True(t, SuperAdmins().Has(SuperAdmin))
	assert.True(t, SuperAdmins().Has(HumaSupport))
	assert.False(t, SuperAdmins().Has(AccountManager))

	assert.True(t, OrganizationRoles().Has(OrganizationStaff))
	assert.False(t, OrganizationRoles().Has(Administrator))
	assert.True(t, DeploymentRoles().Has(User))
	assert.False(t, DeploymentRoles().Has(SuperAdmin), "super roles are not deployment roles")

	multi := MultiDeploymentRoles("custom-1")
	for _, id := range []string{Administrator, DeploymentStaff, CallCenter, "custom-1"} {
		assert.True(t, multi.Has(id), id)
	}
	assert.False(t, multi.Has(User))
	assert.False(t, ManagerRoles().Has(User))
	assert.True(t, ManagerRoles().Has(Clinician))
}

func TestLegalOn(t *testing.T) {
	assert.True(t, LegalOn(Administrator, ResourceOrganization))
	assert.True(t, LegalOn(Administrator, ResourceDeployment))
	assert.False(t, LegalOn(User, ResourceOrganization))
	assert.True(t, LegalOn(Proxy, ResourceUser))
	assert.False(t, LegalOn("unknown", ResourceDeployment))
}

func TestParseResource(t *testing.T) {
	rt, id, err := ParseResource("deployment/abc/def")
	require.NoError(t, err)
	assert.Equal(t, ResourceDeployment, rt)
	assert.Equal(t, "abc/def", id)

	for _, bad := range []string{"", "deployment", "deployment/", "/abc", "planet/1"} {
		_, _, err := ParseResource(bad)
		assert.Error(t, err, bad)
	}
}

func TestAssignment_EqualIgnoresUserType(t *testing.T) {
	a := Assignment{RoleID: User, Resource: "deployment/1", UserType: UserTypeUser}
	b := Assignment{RoleID: User, Resource: "deployment/1"}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(Assignment{RoleID: User, Resource: "deployment/2"}))
}

func TestAssignment_ValidateWildcard(t *testing.T) {
	assert.NoError(t, Assignment{RoleID: SuperAdmin, Resource: "deployment/*"}.Validate())
	err := Assignment{RoleID: Administrator, Resource: "organization/*"}.Validate()
	assert.True(t, errors.Is(err, apperr.ErrInvalidRole))
}

func TestFactory_SuperRolesAreGlobal(t *testing.T) {
	f := NewFactory(nil)
	for _, id := range []string{SuperAdmin, HumaSupport} {
		for _, resource := range []string{"", "d1", "*"} {
			for _, rt := range []ResourceType{"", ResourceOrganization} {
				a, err := f.CreateRole(context.Background(), id, resource, rt)
				require.NoError(t, err)
				assert.Equal(t, "deployment/*", a.Resource)
				assert.True(t, a.IsWildcard())
				assert.Equal(t, UserTypeSuperAdmin, a.UserType)
			}
		}
	}
}

func TestFactory_InfersOrganizationFirst(t *testing.T) {
	f := NewFactory(nil)

	a, err := f.CreateRole(context.Background(), Administrator, "o1", "")
	require.NoError(t, err)
	assert.Equal(t, "organization/o1", a.Resource)

	a, err = f.CreateRole(context.Background(), User, "d1", "")
	require.NoError(t, err)
	assert.Equal(t, "deployment/d1", a.Resource)
	assert.Equal(t, UserTypeUser, a.UserType)
}

func TestFactory_RejectsIllegalCombination(t *testing.T) {
	f := NewFactory(nil)

	_, err := f.CreateRole(context.Background(), User, "o1", ResourceOrganization)
	assert.True(t, errors.Is(err, apperr.ErrInvalidRole))

	_, err = f.CreateRole(context.Background(), Clinician, "", "")
	assert.True(t, errors.Is(err, apperr.ErrInvalidRole))

	_, err = f.CreateRole(context.Background(), "nope", "d1", "")
	assert.True(t, errors.Is(err, apperr.ErrInvalidRole))
}

func TestFactory_CustomRoles(t *testing.T) {
	res := &stubResolver{
		deployment: map[string]Role{"d1/c1": {ID: "c1", UserType: UserTypeManager, Custom: true}},
		org:        map[string]Role{"o1/c2": {ID: "c2", UserType: UserTypeManager, Custom: true}},
	}
	f := NewFactory(res)

	a, err := f.CreateRole(context.Background(), "c1", "d1", "")
	require.NoError(t, err)
	assert.Equal(t, "deployment/d1", a.Resource)
	assert.Equal(t, UserTypeManager, a.UserType)

	a, err = f.CreateRole(context.Background(), "c2", "o1", "")
	require.NoError(t, err)
	assert.Equal(t, "organization/o1", a.Resource)

	ut, err := f.ResolveUserType(context.Background(), Assignment{RoleID: "c1", Resource: "deployment/d1"})
	require.NoError(t, err)
	assert.Equal(t, UserTypeManager, ut)

	_, err = f.Resolve(context.Background(), Assignment{RoleID: "c1", Resource: "deployment/d2"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidRole))
}

func TestFactory_CreateProxy(t *testing.T) {
	a := NewFactory(nil).CreateProxy("u1")
	assert.Equal(t, Assignment{RoleID: Proxy, Resource: "user/u1", UserType: UserTypeProxy}, a)
}

func TestCachedResolver_SharesConcurrentMisses(t *testing.T) {
	res := &stubResolver{
		deployment: map[string]Role{"d1/c1": {ID: "c1", UserType: UserTypeManager, Custom: true}},
		delay:      20 * time.Millisecond,
	}
	c := NewCachedResolver(res, 16, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := c.ResolveDeploymentRole(context.Background(), "d1", "c1")
			assert.NoError(t, err)
			assert.Equal(t, "c1", r.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), res.calls.Load())
	assert.Equal(t, 1, c.Len())

	_, err := c.ResolveDeploymentRole(context.Background(), "d1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), res.calls.Load())
}

func TestCachedResolver_DoesNotCacheMisses(t *testing.T) {
	res := &stubResolver{}
	c := NewCachedResolver(res, 16, time.Minute)

	_, err := c.ResolveOrganizationRole(context.Background(), "o1", "c9")
	assert.ErrorIs(t, err, ErrCustomRoleNotFound)
	_, err = c.ResolveOrganizationRole(context.Background(), "o1", "c9")
	assert.ErrorIs(t, err, ErrCustomRoleNotFound)
	assert.Equal(t, int32(2), res.calls.Load())
}

func TestCachedResolver_Invalidate(t *testing.T) {
	res := &stubResolver{
		org: map[string]Role{"o1/c2": {ID: "c2"}, "o2/c2": {ID: "c2"}},
	}
	c := NewCachedResolver(res, 16, time.Minute)
	_, _ = c.ResolveOrganizationRole(context.Background(), "o1", "c2")
	_, _ = c.ResolveOrganizationRole(context.Background(), "o2", "c2")
	require.Equal(t, 2, c.Len())

	c.Invalidate(ResourceOrganization, "o1")
	assert.Equal(t, 1, c.Len())
}
