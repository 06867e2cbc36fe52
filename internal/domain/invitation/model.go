// Package invitation implements the invitation lifecycle: who may invite whom
// to which resource, signed invitation codes, resend limits, universal links
// and one-time consumption at sign-up.
package invitation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trialcare/trialcare/internal/domain/role"
)

// Type distinguishes one-time personal invitations from reusable links.
type Type string

const (
	TypePersonal  Type = "PERSONAL"
	TypeUniversal Type = "UNIVERSAL"
)

// Valid reports whether t is a known invitation type.
func (t Type) Valid() bool {
	return t == TypePersonal || t == TypeUniversal
}

// Invitation maps to the invitations table. The codes are credentials and are
// only rendered through ToMap.
type Invitation struct {
	ID             uuid.UUID              `db:"id" json:"id"`
	Email          string                 `db:"email" json:"email,omitempty"`
	Code           string                 `db:"code" json:"-"`
	ShortenedCode  string                 `db:"shortened_code" json:"-"`
	Roles          []role.Assignment      `db:"roles" json:"roles"`
	NumberOfTry    int                    `db:"number_of_try" json:"numberOfTry"`
	Type           Type                   `db:"type" json:"type"`
	ExpiresAt      time.Time              `db:"expires_at" json:"expiresAt"`
	CreateDateTime time.Time              `db:"created_at" json:"createDateTime"`
	UpdateDateTime time.Time              `db:"updated_at" json:"updateDateTime"`
	SenderID       string                 `db:"sender_id" json:"senderId,omitempty"`
	ClientID       string                 `db:"client_id" json:"clientId,omitempty"`
	ExtraInfo      map[string]interface{} `db:"extra_info" json:"extraInfo,omitempty"`
}

// IsExpired reports whether the invitation can no longer be used at now.
func (i *Invitation) IsExpired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// IsProxy reports whether the invitation grants a Proxy role.
func (i *Invitation) IsProxy() bool {
	return i.PatientID() != ""
}

// PatientID returns the patient a proxy invitation is bound to.
func (i *Invitation) PatientID() string {
	for _, a := range i.Roles {
		if a.RoleID == role.Proxy && a.ResourceType() == role.ResourceUser {
			return a.ResourceID()
		}
	}
	return ""
}

// PrimaryRole returns the assignment that names the invited role. For proxy
// invitations this is the Proxy assignment on the patient.
func (i *Invitation) PrimaryRole() role.Assignment {
	for _, a := range i.Roles {
		if a.RoleID == role.Proxy && a.ResourceType() == role.ResourceUser {
			return a
		}
	}
	if len(i.Roles) == 0 {
		return role.Assignment{}
	}
	return i.Roles[0]
}

// DeploymentIDs lists the deployments the invitation grants roles on.
func (i *Invitation) DeploymentIDs() []string {
	var out []string
	for _, a := range i.Roles {
		if a.ResourceType() == role.ResourceDeployment && !a.IsWildcard() {
			out = append(out, a.ResourceID())
		}
	}
	return out
}

// OrganizationID returns the organization the invitation grants a role on.
func (i *Invitation) OrganizationID() string {
	for _, a := range i.Roles {
		if a.ResourceType() == role.ResourceOrganization {
			return a.ResourceID()
		}
	}
	return ""
}

// HasRoleIn reports whether any assignment names one of the given roles.
func (i *Invitation) HasRoleIn(ids role.Set) bool {
	for _, a := range i.Roles {
		if ids.Has(a.RoleID) {
			return true
		}
	}
	return false
}

const timeLayout = time.RFC3339Nano

// ToMap renders the invitation as a document with camelCase keys.
func (i *Invitation) ToMap() map[string]interface{} {
	roles := make([]interface{}, 0, len(i.Roles))
	for _, a := range i.Roles {
		r := map[string]interface{}{"roleId": a.RoleID, "resource": a.Resource}
		if a.UserType != "" {
			r["userType"] = string(a.UserType)
		}
		roles = append(roles, r)
	}

	m := map[string]interface{}{
		"id":          i.ID.String(),
		"code":        i.Code,
		"roles":       roles,
		"numberOfTry": i.NumberOfTry,
		"type":        string(i.Type),
		"expiresAt":   i.ExpiresAt.UTC().Format(timeLayout),
	}
	if i.Email != "" {
		m["email"] = i.Email
	}
	if i.ShortenedCode != "" {
		m["shortenedCode"] = i.ShortenedCode
	}
	if !i.CreateDateTime.IsZero() {
		m["createDateTime"] = i.CreateDateTime.UTC().Format(timeLayout)
	}
	if !i.UpdateDateTime.IsZero() {
		m["updateDateTime"] = i.UpdateDateTime.UTC().Format(timeLayout)
	}
	if i.SenderID != "" {
		m["senderId"] = i.SenderID
	}
	if i.ClientID != "" {
		m["clientId"] = i.ClientID
	}
	if len(i.ExtraInfo) > 0 {
		m["extraInfo"] = i.ExtraInfo
	}
	return m
}

// Summary renders the invitation for list responses, without its codes.
func (i *Invitation) Summary() map[string]interface{} {
	m := i.ToMap()
	delete(m, "code")
	delete(m, "shortenedCode")
	return m
}

// FromMap parses a document produced by ToMap. A missing type is read as
// PERSONAL, the type of invitations created before universal links existed.
func FromMap(m map[string]interface{}) (*Invitation, error) {
	inv := &Invitation{Type: TypePersonal}

	if v, ok := m["id"].(string); ok && v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("invitation id: %w", err)
		}
		inv.ID = id
	}
	inv.Email, _ = m["email"].(string)
	inv.Code, _ = m["code"].(string)
	inv.ShortenedCode, _ = m["shortenedCode"].(string)
	inv.SenderID, _ = m["senderId"].(string)
	inv.ClientID, _ = m["clientId"].(string)
	if t, ok := m["type"].(string); ok && t != "" {
		inv.Type = Type(t)
	}

	switch n := m["numberOfTry"].(type) {
	case int:
		inv.NumberOfTry = n
	case int64:
		inv.NumberOfTry = int(n)
	case float64:
		inv.NumberOfTry = int(n)
	}

	var err error
	if inv.ExpiresAt, err = parseTime(m, "expiresAt"); err != nil {
		return nil, err
	}
	if inv.CreateDateTime, err = parseTime(m, "createDateTime"); err != nil {
		return nil, err
	}
	if inv.UpdateDateTime, err = parseTime(m, "updateDateTime"); err != nil {
		return nil, err
	}

	if raw, ok := m["roles"].([]interface{}); ok {
		for _, r := range raw {
			rm, ok := r.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("invitation roles: unexpected %T", r)
			}
			a := role.Assignment{}
			a.RoleID, _ = rm["roleId"].(string)
			a.Resource, _ = rm["resource"].(string)
			if ut, ok := rm["userType"].(string); ok {
				a.UserType = role.UserType(ut)
			}
			inv.Roles = append(inv.Roles, a)
		}
	}
	if extra, ok := m["extraInfo"].(map[string]interface{}); ok {
		inv.ExtraInfo = extra
	}
	return inv, nil
}

func parseTime(m map[string]interface{}, key string) (time.Time, error) {
	switch v := m[key].(type) {
	case string:
		if v == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(timeLayout, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("invitation %s: %w", key, err)
		}
		return t, nil
	case time.Time:
		return v, nil
	}
	return time.Time{}, nil
}

// RoleView is the role type a RetrieveInvitations caller asks for.
type RoleView string

const (
	ViewManager RoleView = "MANAGER"
	ViewUser    RoleView = "USER"
)
