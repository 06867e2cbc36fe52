package admin

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/trialcare/trialcare/internal/domain/role"
	"github.com/trialcare/trialcare/internal/platform/apperr"
	"github.com/trialcare/trialcare/pkg/pagination"
)

type Handler struct {
	svc     *Service
	factory *role.Factory
}

func NewHandler(svc *Service, factory *role.Factory) *Handler {
	return &Handler{svc: svc, factory: factory}
}

// RegisterRoutes mounts the admin endpoints. read guards lookups, write guards
// every mutation.
func (h *Handler) RegisterRoutes(api *echo.Group, read, write echo.MiddlewareFunc) {
	readGroup := api.Group("", read)
	readGroup.GET("/organizations", h.ListOrganizations)
	readGroup.GET("/organizations/:id", h.GetOrganization)
	readGroup.GET("/organizations/:id/deployments", h.ListOrganizationDeployments)
	readGroup.GET("/deployments", h.ListDeployments)
	readGroup.GET("/deployments/:id", h.GetDeployment)
	readGroup.GET("/users", h.ListUsers)
	readGroup.GET("/users/:id", h.GetUser)

	writeGroup := api.Group("", write)
	writeGroup.POST("/organizations", h.CreateOrganization)
	writeGroup.PUT("/organizations/:id", h.UpdateOrganization)
	writeGroup.DELETE("/organizations/:id", h.DeleteOrganization)
	writeGroup.POST("/deployments", h.CreateDeployment)
	writeGroup.PUT("/deployments/:id", h.UpdateDeployment)
	writeGroup.DELETE("/deployments/:id", h.DeleteDeployment)
	writeGroup.PUT("/users/:id/roles", h.UpdateUserRoles)
	writeGroup.POST("/users/:id/offboard", h.OffBoardUser)
	writeGroup.POST("/users/:id/reactivate", h.ReactivateUser)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.InvalidRequest("invalid id")
	}
	return id, nil
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return apperr.InvalidRequest("malformed request body").Wrap(err)
	}
	return nil
}

// -- Organization Handlers --

func (h *Handler) CreateOrganization(c echo.Context) error {
	var org Organization
	if err := bind(c, &org); err != nil {
		return err
	}
	org.ID = uuid.Nil
	if err := h.svc.CreateOrganization(c.Request().Context(), &org); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, org)
}

func (h *Handler) GetOrganization(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	org, err := h.svc.GetOrganization(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, org)
}

func (h *Handler) ListOrganizations(c echo.Context) error {
	p := pagination.FromContext(c)
	orgs, total, err := h.svc.ListOrganizations(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orgs, total, p.Limit, p.Offset))
}

func (h *Handler) UpdateOrganization(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var org Organization
	if err := bind(c, &org); err != nil {
		return err
	}
	org.ID = id
	if err := h.svc.UpdateOrganization(c.Request().Context(), &org); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, org)
}

func (h *Handler) DeleteOrganization(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteOrganization(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListOrganizationDeployments(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	deps, err := h.svc.ListOrganizationDeployments(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(deps, len(deps), len(deps), 0))
}

// -- Deployment Handlers --

func (h *Handler) CreateDeployment(c echo.Context) error {
	var dep Deployment
	if err := bind(c, &dep); err != nil {
		return err
	}
	dep.ID = uuid.Nil
	if err := h.svc.CreateDeployment(c.Request().Context(), &dep); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, dep)
}

func (h *Handler) GetDeployment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	dep, err := h.svc.GetDeployment(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, dep)
}

func (h *Handler) ListDeployments(c echo.Context) error {
	p := pagination.FromContext(c)
	deps, total, err := h.svc.ListDeployments(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(deps, total, p.Limit, p.Offset))
}

func (h *Handler) UpdateDeployment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var dep Deployment
	if err := bind(c, &dep); err != nil {
		return err
	}
	dep.ID = id
	if err := h.svc.UpdateDeployment(c.Request().Context(), &dep); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, dep)
}

func (h *Handler) DeleteDeployment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteDeployment(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// -- User Handlers --

func (h *Handler) GetUser(c echo.Context) error {
	user, err := h.svc.GetUser(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, user)
}

func (h *Handler) ListUsers(c echo.Context) error {
	p := pagination.FromContext(c)
	users, total, err := h.svc.ListUsers(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(users, total, p.Limit, p.Offset))
}

type roleRequest struct {
	RoleID       string            `json:"roleId"`
	ResourceID   string            `json:"resourceId"`
	ResourceType role.ResourceType `json:"resourceType,omitempty"`
}

type updateRolesRequest struct {
	Roles []roleRequest `json:"roles"`
}

func (h *Handler) UpdateUserRoles(c echo.Context) error {
	var req updateRolesRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if len(req.Roles) == 0 {
		return apperr.InvalidRequest("roles are required")
	}

	ctx := c.Request().Context()
	assignments := make([]role.Assignment, 0, len(req.Roles))
	for _, r := range req.Roles {
		a, err := h.factory.CreateRole(ctx, r.RoleID, r.ResourceID, r.ResourceType)
		if err != nil {
			return err
		}
		assignments = append(assignments, a)
	}

	user, err := h.svc.UpdateUserRoles(ctx, c.Param("id"), assignments)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, user)
}

type offBoardRequest struct {
	Reason  OffBoardingReason `json:"reason"`
	Details string            `json:"details,omitempty"`
}

func (h *Handler) OffBoardUser(c echo.Context) error {
	var req offBoardRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	user, err := h.svc.OffBoardUser(c.Request().Context(), c.Param("id"), req.Reason, req.Details)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, user)
}

func (h *Handler) ReactivateUser(c echo.Context) error {
	user, err := h.svc.ReactivateUser(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, user)
}
