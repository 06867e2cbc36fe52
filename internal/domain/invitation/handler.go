package invitation

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/trialcare/trialcare/internal/domain/authz"
	"github.com/trialcare/trialcare/internal/platform/apperr"
	"github.com/trialcare/trialcare/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the authenticated invitation endpoints on api. Every
// route needs an authorized user.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/invitations")
	g.POST("/send", h.SendInvitations)
	g.POST("/admin/send", h.SendAdminInvitations)
	g.POST("/resend", h.ResendInvitation)
	g.POST("/resend-list", h.ResendInvitationList)
	g.POST("/link", h.GetInvitationLink)
	g.POST("/list", h.RetrieveInvitations)
	g.DELETE("/:id", h.DeleteInvitation)
	g.DELETE("", h.DeleteInvitationList)
}

// RegisterPublicRoutes mounts the endpoints used before sign-up.
func (h *Handler) RegisterPublicRoutes(public *echo.Group) {
	public.GET("/invitation-validity/:code", h.CheckValidity)
	public.POST("/invitations/accept", h.AcceptInvitation)
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return apperr.InvalidRequest("malformed request body").Wrap(err)
	}
	return nil
}

func (h *Handler) SendInvitations(c echo.Context) error {
	submitter, err := authz.Submitter(c)
	if err != nil {
		return err
	}
	var body sendBody
	if err := bind(c, &body); err != nil {
		return err
	}
	req, err := body.toRequest()
	if err != nil {
		return err
	}
	result, err := h.svc.SendInvitations(c.Request().Context(), submitter, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) SendAdminInvitations(c echo.Context) error {
	submitter, err := authz.Submitter(c)
	if err != nil {
		return err
	}
	var body adminSendBody
	if err := bind(c, &body); err != nil {
		return err
	}
	req, err := body.toRequest()
	if err != nil {
		return err
	}
	result, err := h.svc.SendAdminInvitations(c.Request().Context(), submitter, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) ResendInvitation(c echo.Context) error {
	submitter, err := authz.Submitter(c)
	if err != nil {
		return err
	}
	var body resendBody
	if err := bind(c, &body); err != nil {
		return err
	}
	req, err := body.toRequest()
	if err != nil {
		return err
	}
	inv, err := h.svc.ResendInvitation(c.Request().Context(), submitter, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"id": inv.ID, "numberOfTry": inv.NumberOfTry})
}

func (h *Handler) ResendInvitationList(c echo.Context) error {
	submitter, err := authz.Submitter(c)
	if err != nil {
		return err
	}
	var body resendListBody
	if err := bind(c, &body); err != nil {
		return err
	}
	req, err := body.toRequest()
	if err != nil {
		return err
	}
	resent, err := h.svc.ResendInvitationList(c.Request().Context(), submitter, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"resentInvitations": resent})
}

func (h *Handler) GetInvitationLink(c echo.Context) error {
	submitter, err := authz.Submitter(c)
	if err != nil {
		return err
	}
	var body linkBody
	if err := bind(c, &body); err != nil {
		return err
	}
	req, err := body.toRequest()
	if err != nil {
		return err
	}
	result, err := h.svc.GetInvitationLink(c.Request().Context(), submitter, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) RetrieveInvitations(c echo.Context) error {
	submitter, err := authz.Submitter(c)
	if err != nil {
		return err
	}
	var body retrieveBody
	if err := bind(c, &body); err != nil {
		return err
	}
	req, err := body.toRequest()
	if err != nil {
		return err
	}
	result, err := h.svc.RetrieveInvitations(c.Request().Context(), submitter, req)
	if err != nil {
		return err
	}
	items := make([]map[string]interface{}, 0, len(result.Invitations))
	for _, inv := range result.Invitations {
		items = append(items, inv.Summary())
	}
	return c.JSON(http.StatusOK, pagination.NewFilteredResponse(
		items, result.Filtered, result.Total, req.Limit, req.Skip))
}

func (h *Handler) DeleteInvitation(c echo.Context) error {
	submitter, err := authz.Submitter(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteInvitation(c.Request().Context(), submitter, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeleteInvitationList(c echo.Context) error {
	submitter, err := authz.Submitter(c)
	if err != nil {
		return err
	}
	var body deleteListBody
	if err := bind(c, &body); err != nil {
		return err
	}
	deleted, err := h.svc.DeleteInvitationList(c.Request().Context(), submitter, body.InvitationIDs, body.InvitationType)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"deletedInvitations": deleted})
}

func (h *Handler) CheckValidity(c echo.Context) error {
	if _, err := h.svc.CheckValidity(c.Request().Context(), c.Param("code")); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

func (h *Handler) AcceptInvitation(c echo.Context) error {
	var body acceptBody
	if err := bind(c, &body); err != nil {
		return err
	}
	req, err := body.toRequest()
	if err != nil {
		return err
	}
	user, err := h.svc.AcceptInvitation(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, user)
}
