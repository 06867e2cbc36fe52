package admin

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trialcare/trialcare/internal/domain/role"
)

// CustomRole is a role defined on a single deployment or organization.
type CustomRole struct {
	ID          uuid.UUID         `json:"id"`
	Name        string            `json:"name"`
	Permissions []role.Permission `json:"permissions"`
	UserType    role.UserType     `json:"userType,omitempty"`
}

// PolicyURLs are the legal documents shown during sign-up.
type PolicyURLs struct {
	PrivacyPolicyURL string `json:"privacyPolicyUrl,omitempty"`
	EULAURL          string `json:"eulaUrl,omitempty"`
	TermsURL         string `json:"termAndConditionUrl,omitempty"`
}

// Organization maps to the organizations table.
type Organization struct {
	ID            uuid.UUID    `db:"id" json:"id"`
	Name          string       `db:"name" json:"name"`
	DeploymentIDs []uuid.UUID  `db:"-" json:"deploymentIds"`
	CustomRoles   []CustomRole `db:"custom_roles" json:"customRoles,omitempty"`
	PolicyURLs
	CreatedAt time.Time `db:"created_at" json:"createDateTime"`
	UpdatedAt time.Time `db:"updated_at" json:"updateDateTime"`
}

// FindCustomRole returns the custom role with the given id.
func (o *Organization) FindCustomRole(id string) (CustomRole, bool) {
	return findCustomRole(o.CustomRoles, id)
}

// Deployment maps to the deployments table.
type Deployment struct {
	ID             uuid.UUID    `db:"id" json:"id"`
	OrganizationID *uuid.UUID   `db:"organization_id" json:"organizationId,omitempty"`
	Name           string       `db:"name" json:"name"`
	CustomRoles    []CustomRole `db:"custom_roles" json:"customRoles,omitempty"`
	PolicyURLs
	Country   string    `db:"country" json:"country,omitempty"`
	Language  string    `db:"language" json:"language,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createDateTime"`
	UpdatedAt time.Time `db:"updated_at" json:"updateDateTime"`
}

// FindCustomRole returns the custom role with the given id.
func (d *Deployment) FindCustomRole(id string) (CustomRole, bool) {
	return findCustomRole(d.CustomRoles, id)
}

func findCustomRole(roles []CustomRole, id string) (CustomRole, bool) {
	for _, r := range roles {
		if r.ID.String() == id {
			return r, true
		}
	}
	return CustomRole{}, false
}

// PolicyData is embedded into invitation tokens so the sign-up screen can show
// the right legal documents.
type PolicyData struct {
	PolicyURLs
	CountryCode string `json:"countryCode,omitempty"`
}

// Boarding statuses.
const (
	BoardingActive     = "ACTIVE"
	BoardingOffBoarded = "OFF_BOARDED"
)

// OffBoardingReason is the fixed set of reasons a user may be off-boarded for.
type OffBoardingReason string

const (
	ReasonCompletedTreatment   OffBoardingReason = "COMPLETED_TREATMENT"
	ReasonNoLongerNeedsMonitor OffBoardingReason = "NO_LONGER_NEEDS_MONITORING"
	ReasonLeftTheStudy         OffBoardingReason = "LEFT_THE_STUDY"
	ReasonDeceased             OffBoardingReason = "DECEASED"
	ReasonRecovered            OffBoardingReason = "RECOVERED"
	ReasonOther                OffBoardingReason = "OTHER"
)

var validReasons = map[OffBoardingReason]bool{
	ReasonCompletedTreatment: true, ReasonNoLongerNeedsMonitor: true, ReasonLeftTheStudy: true,
	ReasonDeceased: true, ReasonRecovered: true, ReasonOther: true,
}

// BoardingStatus tracks whether a user is active in their deployment.
type BoardingStatus struct {
	Status         string            `json:"status"`
	Reason         OffBoardingReason `json:"reasonOffBoarded,omitempty"`
	Details        string            `json:"detailsOffBoarded,omitempty"`
	UpdateDateTime time.Time         `json:"updateDateTime"`
}

// IsActive treats a zero status as active.
func (b BoardingStatus) IsActive() bool {
	return b.Status == "" || b.Status == BoardingActive
}

// OffBoard moves an active user to OFF_BOARDED. Reason OTHER requires details.
func (b *BoardingStatus) OffBoard(reason OffBoardingReason, details string, now time.Time) error {
	if !b.IsActive() {
		return fmt.Errorf("user is already off-boarded")
	}
	if !validReasons[reason] {
		return fmt.Errorf("unknown off-boarding reason %q", reason)
	}
	if reason == ReasonOther && strings.TrimSpace(details) == "" {
		return fmt.Errorf("details are required for reason %s", ReasonOther)
	}
	b.Status = BoardingOffBoarded
	b.Reason = reason
	b.Details = details
	b.UpdateDateTime = now
	return nil
}

// Reactivate moves an off-boarded user back to ACTIVE.
func (b *BoardingStatus) Reactivate(now time.Time) error {
	if b.IsActive() {
		return fmt.Errorf("user is already active")
	}
	*b = BoardingStatus{Status: BoardingActive, UpdateDateTime: now}
	return nil
}

// User maps to the users table.
type User struct {
	ID             uuid.UUID         `db:"id" json:"id"`
	Email          string            `db:"email" json:"email"`
	GivenName      string            `db:"given_name" json:"givenName,omitempty"`
	FamilyName     string            `db:"family_name" json:"familyName,omitempty"`
	Language       string            `db:"language" json:"language,omitempty"`
	Roles          []role.Assignment `db:"roles" json:"roles"`
	BoardingStatus BoardingStatus    `db:"boarding_status" json:"boardingStatus"`
	CreatedAt      time.Time         `db:"created_at" json:"createDateTime"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updateDateTime"`
}

// DisplayName returns the best available human name.
func (u *User) DisplayName() string {
	name := strings.TrimSpace(u.GivenName + " " + u.FamilyName)
	if name == "" {
		return u.Email
	}
	return name
}

// HasRole reports whether the user already holds an equal assignment.
func (u *User) HasRole(a role.Assignment) bool {
	return role.ContainsAssignment(u.Roles, a)
}

// AddRoles appends assignments the user does not hold yet and returns how many
// were added.
func (u *User) AddRoles(roles ...role.Assignment) int {
	added := 0
	for _, a := range roles {
		if !u.HasRole(a) {
			u.Roles = append(u.Roles, a)
			added++
		}
	}
	return added
}

// DeploymentID returns the deployment of the user's first deployment-scoped
// User role. Patients are enrolled in exactly one deployment.
func (u *User) DeploymentID() string {
	for _, a := range u.Roles {
		if a.RoleID == role.User && a.ResourceType() == role.ResourceDeployment {
			return a.ResourceID()
		}
	}
	return ""
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
