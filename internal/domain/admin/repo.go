package admin

import (
	"context"

	"github.com/google/uuid"

	"github.com/trialcare/trialcare/internal/platform/apperr"
)

// Not-found errors returned by the repositories.
var (
	ErrOrganizationNotFound = apperr.ObjectDoesNotExist("organization does not exist")
	ErrDeploymentNotFound   = apperr.ObjectDoesNotExist("deployment does not exist")
	ErrUserNotFound         = apperr.ErrUserDoesNotExist

	// ErrEmailTaken is returned when another user already owns the address.
	ErrEmailTaken = apperr.InvalidRequest("email is already registered")
)

// OrganizationRepository defines the persistence interface for organizations.
type OrganizationRepository interface {
	Create(ctx context.Context, org *Organization) error
	GetByID(ctx context.Context, id uuid.UUID) (*Organization, error)
	Update(ctx context.Context, org *Organization) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Organization, int, error)
}

// DeploymentRepository defines the persistence interface for deployments.
type DeploymentRepository interface {
	Create(ctx context.Context, dep *Deployment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Deployment, error)
	Update(ctx context.Context, dep *Deployment) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]*Deployment, error)
	List(ctx context.Context, limit, offset int) ([]*Deployment, int, error)
}

// UserRepository defines the persistence interface for users.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, user *User) error
	List(ctx context.Context, limit, offset int) ([]*User, int, error)
}
