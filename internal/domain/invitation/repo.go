package invitation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/trialcare/trialcare/internal/platform/apperr"
)

var (
	ErrNotFound = apperr.ErrInvitationDoesNotExist

	// ErrDuplicateShortCode is returned by Create when the shortened code is
	// already taken. Callers retry with a new code.
	ErrDuplicateShortCode = errors.New("shortened code already exists")

	// ErrProxyPending is returned by Create when the patient already has a
	// pending proxy invitation.
	ErrProxyPending = apperr.InvalidRequest("a proxy invitation for this patient is already pending")
)

// RetrieveQuery selects a single invitation. Every non-empty field must match.
type RetrieveQuery struct {
	ID            uuid.UUID
	Email         string
	Code          string
	ShortenedCode string
}

func (q RetrieveQuery) empty() bool {
	return q.ID == uuid.Nil && q.Email == "" && q.Code == "" && q.ShortenedCode == ""
}

// SortField orders RetrieveList results.
type SortField struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending"`
}

// Sortable fields.
const (
	SortCreateDateTime = "createDateTime"
	SortExpiresAt      = "expiresAt"
	SortEmail          = "email"
)

// ListQuery filters RetrieveList. RoleIDs restricts results to invitations
// granting at least one of the roles; DeploymentID and OrganizationID
// restrict them to invitations granting a role on that resource.
type ListQuery struct {
	Email          string
	Skip           int
	Limit          int
	RoleIDs        []string
	DeploymentID   string
	OrganizationID string
	Type           Type
	Sort           []SortField
}

// Repository defines the persistence interface for invitations. Retrieve and
// RetrieveList never return expired invitations.
type Repository interface {
	Create(ctx context.Context, inv *Invitation) error
	Update(ctx context.Context, inv *Invitation) error
	Delete(ctx context.Context, id uuid.UUID) error
	// DeleteList removes every id of the given type or nothing at all.
	DeleteList(ctx context.Context, ids []uuid.UUID, t Type) (int, error)
	Retrieve(ctx context.Context, q RetrieveQuery) (*Invitation, error)
	// RetrieveList returns one page plus the number of invitations matching
	// every filter and the number matching the role and resource filters only.
	RetrieveList(ctx context.Context, q ListQuery) (items []*Invitation, filtered, total int, err error)
	RetrieveProxyInvitation(ctx context.Context, patientID string) (*Invitation, error)
	RetrieveUniversal(ctx context.Context, deploymentID, roleID string, from, till time.Time) (*Invitation, error)
	RetrieveByCodes(ctx context.Context, codes []string) ([]*Invitation, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
