package invitation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialcare/trialcare/internal/domain/role"
)

func TestDefaultPermissions(t *testing.T) {
	table := DefaultPermissions()
	assert.Equal(t, 3, table.Version)

	tests := []struct {
		submitter, target string
		want              bool
	}{
		{role.Administrator, role.Clinician, true},
		{role.Administrator, role.Proxy, true},
		{role.Clinician, role.User, true},
		{role.Clinician, role.Administrator, false},
		{role.Supervisor, role.Proxy, false},
		{role.User, role.Proxy, true},
		{role.User, role.User, false},
		{role.Proxy, role.Proxy, false},
		{role.OrganizationStaff, role.User, false},
		{role.AccessController, role.AccessController, true},
		{role.OrganizationOwner, role.User, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, table.CanInvite(tt.submitter, tt.target), "%s -> %s", tt.submitter, tt.target)
	}
}

func TestDefaultPermissions_Admin(t *testing.T) {
	table := DefaultPermissions()

	assert.True(t, table.CanInviteAdmin(role.SuperAdmin, role.HumaSupport))
	assert.False(t, table.CanInviteAdmin(role.HumaSupport, role.HumaSupport))
	assert.True(t, table.CanInviteAdmin(role.AccountManager, role.AccountManager))
	assert.False(t, table.CanInviteAdmin(role.OrganizationEditor, role.OrganizationOwner))
	assert.False(t, table.CanInviteAdmin(role.Administrator, role.OrganizationEditor))
}

func TestDefaultPermissions_NeverGrantsSuperRoles(t *testing.T) {
	table := DefaultPermissions()
	for _, submitter := range role.ManagerRoles().Union(role.NewSet(role.User)).Slice() {
		for _, super := range role.SuperAdmins().Slice() {
			assert.False(t, table.Grantable(submitter).Has(super), "%s grants %s", submitter, super)
		}
	}
}

func TestParsePermissions(t *testing.T) {
	table, err := ParsePermissions([]byte("version: 1\ninvite:\n  Clinician: [User]\n"))
	require.NoError(t, err)
	assert.True(t, table.CanInvite(role.Clinician, role.User))
	assert.False(t, table.CanInvite(role.Administrator, role.User))
	assert.False(t, table.CanInviteAdmin(role.SuperAdmin, role.HumaSupport))
}

func TestParsePermissions_Errors(t *testing.T) {
	tests := map[string]string{
		"missing version":   "invite:\n  Clinician: [User]\n",
		"unknown submitter": "version: 1\ninvite:\n  Nurse: [User]\n",
		"unknown target":    "version: 1\ninvite:\n  Clinician: [Nurse]\n",
		"malformed":         "version: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePermissions([]byte(doc))
			assert.Error(t, err)
		})
	}
}
