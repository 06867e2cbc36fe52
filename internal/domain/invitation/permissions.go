package invitation

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/trialcare/trialcare/internal/domain/role"
)

//go:embed permissions.yaml
var defaultPermissions []byte

// PermissionTable maps a submitter role to the roles it may grant.
type PermissionTable struct {
	Version int
	invite  map[string]role.Set
	admin   map[string]role.Set
}

type permissionFile struct {
	Version int                 `yaml:"version"`
	Invite  map[string][]string `yaml:"invite"`
	Admin   map[string][]string `yaml:"admin"`
}

// DefaultPermissions returns the table compiled into the binary.
func DefaultPermissions() *PermissionTable {
	t, err := ParsePermissions(defaultPermissions)
	if err != nil {
		panic(err)
	}
	return t
}

// ParsePermissions decodes a permission table. Every role named in the table
// must be a default role.
func ParsePermissions(data []byte) (*PermissionTable, error) {
	var f permissionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse permission table: %w", err)
	}
	if f.Version <= 0 {
		return nil, fmt.Errorf("permission table: version is required")
	}

	invite, err := toSets(f.Invite)
	if err != nil {
		return nil, fmt.Errorf("permission table invite: %w", err)
	}
	admin, err := toSets(f.Admin)
	if err != nil {
		return nil, fmt.Errorf("permission table admin: %w", err)
	}
	return &PermissionTable{Version: f.Version, invite: invite, admin: admin}, nil
}

func toSets(in map[string][]string) (map[string]role.Set, error) {
	out := make(map[string]role.Set, len(in))
	for submitter, targets := range in {
		if !role.IsDefault(submitter) {
			return nil, fmt.Errorf("unknown role %q", submitter)
		}
		for _, t := range targets {
			if !role.IsDefault(t) {
				return nil, fmt.Errorf("role %s: unknown target role %q", submitter, t)
			}
		}
		out[submitter] = role.NewSet(targets...)
	}
	return out, nil
}

// CanInvite reports whether submitter may grant target.
func (t *PermissionTable) CanInvite(submitter, target string) bool {
	return t.invite[submitter].Has(target)
}

// CanInviteAdmin reports whether submitter may grant the admin portal role target.
func (t *PermissionTable) CanInviteAdmin(submitter, target string) bool {
	return t.admin[submitter].Has(target)
}

// Grantable returns the roles submitter may grant.
func (t *PermissionTable) Grantable(submitter string) role.Set {
	return t.invite[submitter]
}
