package catalog

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/odonto/odonto/internal/platform/apierr"
	"github.com/odonto/odonto/internal/platform/auth"
	"github.com/odonto/odonto/pkg/pagination"
)

type Handler struct {
	svc *Catalog
}

func NewHandler(svc *Catalog) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireStaff())
	read.GET("/services", h.ListServices)
	read.GET("/services/:id", h.GetService)
	read.GET("/combos/current", h.ListCurrentCombos)
	read.GET("/combos/:id", h.GetCombo)

	write := api.Group("", auth.RequireRole(auth.RoleAdmin))
	write.POST("/services", h.CreateService)
	write.PUT("/services/:id", h.UpdateService)
	write.DELETE("/services/:id", h.DeactivateService)
	write.POST("/services/:id/activate", h.ActivateService)
	write.POST("/combos", h.CreateCombo)
	write.PUT("/combos/:id", h.UpdateCombo)
	write.DELETE("/combos/:id", h.DeactivateCombo)
}

func (h *Handler) CreateService(c echo.Context) error {
	var s Service
	if err := c.Bind(&s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateService(c.Request().Context(), &s); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, s)
}

func (h *Handler) GetService(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	s, err := h.svc.GetService(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) ListServices(c echo.Context) error {
	pg := pagination.FromContext(c)
	activeOnly := c.QueryParam("include_inactive") == ""
	services, total, err := h.svc.ListServices(c.Request().Context(), activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(services, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateService(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var s Service
	if err := c.Bind(&s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.ID = id
	if err := h.svc.UpdateService(c.Request().Context(), &s); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) DeactivateService(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeactivateService(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ActivateService(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.ActivateService(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CreateCombo(c echo.Context) error {
	var combo ServiceCombo
	if err := c.Bind(&combo); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateCombo(c.Request().Context(), &combo); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, combo)
}

func (h *Handler) GetCombo(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	quote, err := h.svc.QuoteCombo(c.Request().Context(), id, time.Now())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, quote)
}

func (h *Handler) ListCurrentCombos(c echo.Context) error {
	pg := pagination.FromContext(c)
	quotes, total, err := h.svc.ListCurrentCombos(c.Request().Context(), time.Now(), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(quotes, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateCombo(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var combo ServiceCombo
	if err := c.Bind(&combo); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	combo.ID = id
	if err := h.svc.UpdateCombo(c.Request().Context(), &combo); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, combo)
}

func (h *Handler) DeactivateCombo(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeactivateCombo(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apierr.FieldError("id", "must be a valid UUID")
	}
	return id, nil
}
