package invitation

import (
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/trialcare/trialcare/internal/domain/role"
	"github.com/trialcare/trialcare/internal/platform/apperr"
	"github.com/trialcare/trialcare/pkg/isoduration"
	"github.com/trialcare/trialcare/pkg/pagination"
)

// Request bodies. Each one validates itself and converts into the service
// request, so malformed input never reaches the use cases.

type sendBody struct {
	Emails         []string `json:"emails"`
	RoleID         string   `json:"roleId"`
	DeploymentIDs  []string `json:"deploymentIds"`
	OrganizationID string   `json:"organizationId"`
	PatientID      string   `json:"patientId"`
	ClientID       string   `json:"clientId"`
	Language       string   `json:"language"`
	ExpiresIn      string   `json:"expiresIn"`
}

func (b *sendBody) toRequest() (SendRequest, error) {
	if err := validateEmails(b.Emails); err != nil {
		return SendRequest{}, err
	}
	roleID := strings.TrimSpace(b.RoleID)
	if roleID == "" {
		return SendRequest{}, apperr.InvalidRequest("roleId is required")
	}
	if roleID == role.Proxy && len(uniqueEmails(b.Emails)) > 1 {
		return SendRequest{}, apperr.InvalidRequest("a proxy invitation goes to exactly one email")
	}
	deps := dedup(b.DeploymentIDs)
	for _, id := range deps {
		if err := validateID("deploymentIds", id); err != nil {
			return SendRequest{}, err
		}
	}
	if err := validateOptionalID("organizationId", b.OrganizationID); err != nil {
		return SendRequest{}, err
	}
	if err := validateOptionalID("patientId", b.PatientID); err != nil {
		return SendRequest{}, err
	}
	expires, err := parseExpiry(b.ExpiresIn)
	if err != nil {
		return SendRequest{}, err
	}
	return SendRequest{
		Emails: b.Emails,
		RoleID: roleID,
		Targets: Targets{
			DeploymentIDs:  deps,
			OrganizationID: b.OrganizationID,
			PatientID:      b.PatientID,
		},
		ClientID:  b.ClientID,
		Language:  b.Language,
		ExpiresIn: expires,
	}, nil
}

type adminSendBody struct {
	Emails         []string `json:"emails"`
	RoleID         string   `json:"roleId"`
	OrganizationID string   `json:"organizationId"`
	ClientID       string   `json:"clientId"`
	Language       string   `json:"language"`
}

func (b *adminSendBody) toRequest() (AdminSendRequest, error) {
	if err := validateEmails(b.Emails); err != nil {
		return AdminSendRequest{}, err
	}
	if b.RoleID == "" {
		return AdminSendRequest{}, apperr.InvalidRequest("roleId is required")
	}
	if err := validateOptionalID("organizationId", b.OrganizationID); err != nil {
		return AdminSendRequest{}, err
	}
	return AdminSendRequest{
		Emails:         b.Emails,
		RoleID:         b.RoleID,
		OrganizationID: b.OrganizationID,
		ClientID:       b.ClientID,
		Language:       b.Language,
	}, nil
}

type resendBody struct {
	Email          string `json:"email"`
	InvitationID   string `json:"invitationId"`
	InvitationCode string `json:"invitationCode"`
	ClientID       string `json:"clientId"`
	Language       string `json:"language"`
}

func (b *resendBody) toRequest() (ResendRequest, error) {
	if b.InvitationCode == "" && b.InvitationID == "" {
		return ResendRequest{}, apperr.InvalidRequest("invitationCode or invitationId is required")
	}
	if err := validateOptionalID("invitationId", b.InvitationID); err != nil {
		return ResendRequest{}, err
	}
	if err := validateEmails([]string{b.Email}); err != nil {
		return ResendRequest{}, err
	}
	return ResendRequest(*b), nil
}

type resendListBody struct {
	InvitationCodes []string `json:"invitationCodes"`
	InvitationIDs   []string `json:"invitationIds"`
	ClientID        string   `json:"clientId"`
	Language        string   `json:"language"`
}

func (b *resendListBody) toRequest() (ResendListRequest, error) {
	for _, id := range b.InvitationIDs {
		if err := validateID("invitationIds", id); err != nil {
			return ResendListRequest{}, err
		}
	}
	if len(b.InvitationCodes) == 0 && len(b.InvitationIDs) == 0 {
		return ResendListRequest{}, apperr.InvalidRequest("invitationCodes or invitationIds is required")
	}
	return ResendListRequest{
		Codes:    b.InvitationCodes,
		IDs:      b.InvitationIDs,
		ClientID: b.ClientID,
		Language: b.Language,
	}, nil
}

type linkBody struct {
	RoleID       string `json:"roleId"`
	DeploymentID string `json:"deploymentId"`
	ClientID     string `json:"clientId"`
	ExpiresIn    string `json:"expiresIn"`
}

func (b *linkBody) toRequest() (LinkRequest, error) {
	if b.RoleID == "" {
		return LinkRequest{}, apperr.InvalidRequest("roleId is required")
	}
	if err := validateID("deploymentId", b.DeploymentID); err != nil {
		return LinkRequest{}, err
	}
	expires, err := parseExpiry(b.ExpiresIn)
	if err != nil {
		return LinkRequest{}, err
	}
	return LinkRequest{RoleID: b.RoleID, DeploymentID: b.DeploymentID, ClientID: b.ClientID, ExpiresIn: expires}, nil
}

type deleteListBody struct {
	InvitationIDs  []string `json:"invitationIds"`
	InvitationType Type     `json:"invitationType"`
}

type retrieveBody struct {
	Email          string      `json:"email"`
	Skip           int         `json:"skip"`
	Limit          int         `json:"limit"`
	RoleType       RoleView    `json:"roleType"`
	InvitationType Type        `json:"invitationType"`
	SortFields     []SortField `json:"sortFields"`
}

func (b *retrieveBody) toRequest() (RetrieveRequest, error) {
	if b.RoleType != ViewManager && b.RoleType != ViewUser {
		return RetrieveRequest{}, apperr.InvalidRequest("roleType must be %s or %s", ViewManager, ViewUser)
	}
	if b.InvitationType != "" && !b.InvitationType.Valid() {
		return RetrieveRequest{}, apperr.InvalidRequest("unknown invitation type %q", b.InvitationType)
	}
	for _, f := range b.SortFields {
		if _, ok := sortColumns[f.Field]; !ok {
			return RetrieveRequest{}, apperr.InvalidRequest("can not sort by %q", f.Field)
		}
	}
	p := pagination.Normalize(b.Skip, b.Limit)
	return RetrieveRequest{
		Email:    strings.TrimSpace(b.Email),
		Skip:     p.Offset,
		Limit:    p.Limit,
		RoleType: b.RoleType,
		Type:     b.InvitationType,
		Sort:     b.SortFields,
	}, nil
}

type acceptBody struct {
	InvitationCode string `json:"invitationCode"`
	Email          string `json:"email"`
	GivenName      string `json:"givenName"`
	FamilyName     string `json:"familyName"`
	Language       string `json:"language"`
}

func (b *acceptBody) toRequest() (AcceptRequest, error) {
	if b.InvitationCode == "" {
		return AcceptRequest{}, apperr.InvalidRequest("invitationCode is required")
	}
	if b.Email != "" {
		if err := validateEmails([]string{b.Email}); err != nil {
			return AcceptRequest{}, err
		}
	}
	return AcceptRequest{
		Code:       b.InvitationCode,
		Email:      b.Email,
		GivenName:  b.GivenName,
		FamilyName: b.FamilyName,
		Language:   b.Language,
	}, nil
}

func validateEmails(emails []string) error {
	if len(emails) == 0 {
		return apperr.InvalidRequest("at least one email is required")
	}
	for _, e := range emails {
		addr, err := mail.ParseAddress(strings.TrimSpace(e))
		if err != nil || addr.Address != strings.TrimSpace(e) {
			return apperr.InvalidRequest("invalid email %q", e)
		}
	}
	return nil
}

func validateID(field, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperr.InvalidRequest("%s: invalid id %q", field, id)
	}
	return nil
}

func validateOptionalID(field, id string) error {
	if id == "" {
		return nil
	}
	return validateID(field, id)
}

func parseExpiry(s string) (*isoduration.Duration, error) {
	if s == "" {
		return nil, nil
	}
	d, err := isoduration.Parse(s)
	if err != nil {
		return nil, apperr.InvalidRequest("expiresIn: %s", err.Error())
	}
	if d.IsZero() {
		return nil, apperr.InvalidRequest("expiresIn must be positive")
	}
	return &d, nil
}
