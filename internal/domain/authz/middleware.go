package authz

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/trialcare/trialcare/internal/domain/admin"
	"github.com/trialcare/trialcare/internal/domain/role"
	"github.com/trialcare/trialcare/internal/platform/apperr"
	"github.com/trialcare/trialcare/internal/platform/auth"
)

// Headers carrying the resource context of a request.
const (
	OrganizationHeader = "X-Organization-ID"
	DeploymentHeader   = "X-Deployment-ID"
)

const contextKey = "authorized_user"

// UserLoader is the subset of the admin service the middleware needs.
type UserLoader interface {
	GetUser(ctx context.Context, id string) (*admin.User, error)
	DeploymentOrganizationID(ctx context.Context, deploymentID string) (string, error)
}

// Middleware loads the authenticated user and resolves its active role from the
// X-Organization-ID and X-Deployment-ID headers. It must run after the
// authentication middleware.
func Middleware(loader UserLoader, factory *role.Factory) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			uid := auth.UserIDFromContext(ctx)
			if uid == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}

			user, err := loader.GetUser(ctx, uid)
			if errors.Is(err, apperr.ErrUserDoesNotExist) {
				return echo.NewHTTPError(http.StatusUnauthorized, "unknown user")
			}
			if err != nil {
				return err
			}
			if !user.BoardingStatus.IsActive() {
				return apperr.PermissionDenied("user is off-boarded")
			}

			hints := RequestContext{
				OrganizationID: c.Request().Header.Get(OrganizationHeader),
				DeploymentID:   c.Request().Header.Get(DeploymentHeader),
			}
			if hints.DeploymentID != "" {
				orgID, err := loader.DeploymentOrganizationID(ctx, hints.DeploymentID)
				switch {
				case err == nil:
				case errors.Is(err, apperr.ErrObjectDoesNotExist), errors.Is(err, apperr.ErrInvalidRequest):
				default:
					return err
				}
				// A deployment hint must lie inside the organization hint.
				if hints.OrganizationID == "" {
					hints.OrganizationID = orgID
				} else if orgID != hints.OrganizationID {
					return apperr.PermissionDenied("deployment %s is not part of organization %s",
						hints.DeploymentID, hints.OrganizationID)
				}
			}

			au, err := New(user, hints, factory)
			if err != nil {
				return err
			}
			c.Set(contextKey, au)
			return next(c)
		}
	}
}

// FromContext returns the AuthorizedUser stored by Middleware.
func FromContext(c echo.Context) (*AuthorizedUser, bool) {
	au, ok := c.Get(contextKey).(*AuthorizedUser)
	return au, ok && au != nil
}

// SetContext stores an AuthorizedUser on c.
func SetContext(c echo.Context, au *AuthorizedUser) {
	c.Set(contextKey, au)
}

// Submitter returns the AuthorizedUser or a 401 when the request was not
// authorized.
func Submitter(c echo.Context) (*AuthorizedUser, error) {
	au, ok := FromContext(c)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return au, nil
}

// RequireSuperAdmin only lets super role holders through.
func RequireSuperAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			au, err := Submitter(c)
			if err != nil {
				return err
			}
			if !au.IsSuperAdmin() {
				return apperr.PermissionDenied("super admin role required")
			}
			return next(c)
		}
	}
}

// RequirePermission lets through super admins and users whose active role
// carries p.
func RequirePermission(p role.Permission) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			au, err := Submitter(c)
			if err != nil {
				return err
			}
			if au.IsSuperAdmin() {
				return next(c)
			}
			r, err := au.GetRole(c.Request().Context())
			if err != nil {
				return err
			}
			if !r.HasPermission(p) {
				return apperr.PermissionDenied("permission %s required", p)
			}
			return next(c)
		}
	}
}
