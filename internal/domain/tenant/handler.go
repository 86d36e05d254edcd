package tenant

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/odonto/odonto/internal/platform/apierr"
	"github.com/odonto/odonto/internal/platform/auth"
	"github.com/odonto/odonto/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the directory API. Everything here is platform
// administration, so the whole group is admin-only.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/tenants", auth.RequireRole(auth.RoleAdmin))
	g.POST("", h.Register)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Update)
	g.POST("/:id/deactivate", h.Deactivate)
	g.POST("/:id/activate", h.Activate)
	g.POST("/:id/aliases", h.AddAlias)
	g.GET("/:id/aliases", h.ListAliases)
	g.DELETE("/:id/aliases/:aliasID", h.RemoveAlias)

	api.GET("/tenants/resolve", h.Resolve, auth.RequireStaff())
}

// Resolve maps a custom domain to its tenant so clients behind a vanity
// hostname can discover which partition key to send on later requests.
func (h *Handler) Resolve(c echo.Context) error {
	domain := c.QueryParam("domain")
	if domain == "" {
		return apierr.FieldError("domain", "is required")
	}
	t, err := h.svc.ResolveDomain(c.Request().Context(), domain)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) Register(c echo.Context) error {
	var t Tenant
	if err := c.Bind(&t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Register(c.Request().Context(), &t); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	tenants, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(tenants, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	t, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var t Tenant
	if err := c.Bind(&t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t.ID = id
	if err := h.svc.Update(c.Request().Context(), &t); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) Deactivate(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Deactivate(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Activate(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Activate(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AddAlias(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var a DomainAlias
	if err := c.Bind(&a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a.TenantID = id
	if err := h.svc.AddAlias(c.Request().Context(), &a); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListAliases(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	aliases, err := h.svc.ListAliases(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, aliases)
}

func (h *Handler) RemoveAlias(c echo.Context) error {
	aliasID, err := parseID(c, "aliasID")
	if err != nil {
		return err
	}
	if err := h.svc.RemoveAlias(c.Request().Context(), aliasID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func parseID(c echo.Context, param string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		return uuid.Nil, apierr.FieldError(param, "must be a valid UUID")
	}
	return id, nil
}
