package treatment

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/odonto/odonto/internal/platform/apierr"
	"github.com/odonto/odonto/internal/platform/auth"
	"github.com/odonto/odonto/pkg/pagination"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireStaff())

	staff.POST("/treatment-plans", h.CreatePlan)
	staff.GET("/treatment-plans", h.ListPlans)
	staff.GET("/treatment-plans/:id", h.GetPlan)
	staff.PUT("/treatment-plans/:id", h.UpdatePlan)
	staff.POST("/treatment-plans/:id/add-item", h.AddItem)
	staff.POST("/treatment-plans/:id/change-state", h.ChangePlanState)
	staff.GET("/treatment-plans/:id/progress", h.Progress)
	staff.GET("/treatment-plans/:id/approval-check", h.ApprovalCheck)
	staff.GET("/treatment-plans/:id/budgets", h.ListBudgetsByPlan)
	staff.GET("/treatment-plans/:id/procedures", h.ListProceduresByPlan)
	staff.GET("/treatment-plans/:id/payments", h.ListPaymentsByPlan)
	staff.GET("/treatment-plans/:id/payment-summary", h.Summary)
	staff.GET("/treatment-plans/:id/sessions", h.ListSessionsByPlan)
	staff.DELETE("/treatment-plans/:id", h.DeletePlan, auth.RequireRole(auth.RoleAdmin))

	staff.POST("/budgets", h.CreateBudget)
	staff.GET("/budgets/pending", h.ListPendingBudgets)
	staff.GET("/budgets/:id", h.GetBudget)
	staff.POST("/budgets/:id/approve", h.ApproveBudget)
	staff.POST("/budgets/:id/reject", h.RejectBudget)

	staff.GET("/procedures/:id", h.GetProcedure)
	staff.POST("/procedures/:id/start", h.StartProcedure)
	staff.POST("/procedures/:id/complete", h.CompleteProcedure)
	staff.POST("/procedures/:id/cancel", h.CancelProcedure)

	staff.POST("/payments", h.CreatePayment)
	staff.GET("/payments/stats", h.PaymentStats)
	staff.GET("/payments/by-plan/:id", h.ListPaymentsByPlan)
	staff.GET("/payments/:id", h.GetPayment)
	staff.POST("/payments/:id/confirm", h.ConfirmPayment)
	staff.POST("/payments/:id/void", h.VoidPayment)

	staff.POST("/sessions", h.CreateSession)
	staff.POST("/sessions/:id/start", h.StartSession)
	staff.POST("/sessions/:id/complete", h.CompleteSession)
	staff.POST("/sessions/:id/cancel", h.CancelSession)
}

// ---- plans ----

func (h *Handler) CreatePlan(c echo.Context) error {
	var p TreatmentPlan
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.engine.CreatePlan(c.Request().Context(), &p); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPlan(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.engine.GetPlan(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPlans(c echo.Context) error {
	pg := pagination.FromContext(c)
	if raw := c.QueryParam("patient_id"); raw != "" {
		patientID, err := uuid.Parse(raw)
		if err != nil {
			return apierr.FieldError("patient_id", "must be a valid UUID")
		}
		plans, total, err := h.engine.ListPlansByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(plans, total, pg.Limit, pg.Offset))
	}
	plans, total, err := h.engine.ListPlans(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(plans, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdatePlan(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Description       string     `json:"description"`
		Diagnosis         *string    `json:"diagnosis"`
		DentistID         *uuid.UUID `json:"dentist_id"`
		EstimatedDuration *int       `json:"estimated_duration_days"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.engine.UpdatePlan(c.Request().Context(), id, body.Description, body.Diagnosis, body.DentistID, body.EstimatedDuration)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) AddItem(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in AddItemInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	proc, totals, err := h.engine.AddItem(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"procedure": proc,
		"totals":    totals,
	})
}

func (h *Handler) ChangePlanState(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		State string `json:"state"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.engine.ChangePlanState(c.Request().Context(), id, body.State)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Progress(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	progress, err := h.engine.Progress(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, progress)
}

func (h *Handler) ApprovalCheck(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	check, err := h.engine.CheckApproval(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, check)
}

func (h *Handler) DeletePlan(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.engine.DeletePlan(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ---- budgets ----

func (h *Handler) CreateBudget(c echo.Context) error {
	var in CreateBudgetInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	budget, err := h.engine.CreateBudget(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, budget)
}

func (h *Handler) GetBudget(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	budget, err := h.engine.GetBudget(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, budget)
}

func (h *Handler) ListBudgetsByPlan(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	budgets, err := h.engine.ListBudgetsByPlan(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, budgets)
}

func (h *Handler) ListPendingBudgets(c echo.Context) error {
	pg := pagination.FromContext(c)
	budgets, total, err := h.engine.ListPendingBudgets(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(budgets, total, pg.Limit, pg.Offset))
}

func (h *Handler) ApproveBudget(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Notes *string `json:"notes"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	approver := auth.UserNameFromContext(ctx)
	if approver == "" {
		approver = auth.UserIDFromContext(ctx)
	}
	budget, err := h.engine.ApproveBudget(ctx, id, approver, body.Notes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, budget)
}

func (h *Handler) RejectBudget(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	budget, err := h.engine.RejectBudget(c.Request().Context(), id, body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, budget)
}

// ---- procedures ----

func (h *Handler) GetProcedure(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	proc, err := h.engine.GetProcedure(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, proc)
}

func (h *Handler) ListProceduresByPlan(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	procs, err := h.engine.ListProceduresByPlan(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, procs)
}

func (h *Handler) StartProcedure(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		SessionID *uuid.UUID `json:"session_id"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	proc, err := h.engine.StartProcedure(c.Request().Context(), id, body.SessionID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, proc)
}

func (h *Handler) CompleteProcedure(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in CompleteProcedureInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	proc, err := h.engine.CompleteProcedure(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, proc)
}

func (h *Handler) CancelProcedure(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	proc, err := h.engine.CancelProcedure(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, proc)
}

// ---- payments ----

func (h *Handler) CreatePayment(c echo.Context) error {
	var in CreatePaymentInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	payment, err := h.engine.CreatePayment(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, payment)
}

func (h *Handler) GetPayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	payment, err := h.engine.GetPayment(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, payment)
}

func (h *Handler) ListPaymentsByPlan(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	payments, err := h.engine.ListPaymentsByPlan(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, payments)
}

func (h *Handler) ConfirmPayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	payment, err := h.engine.ConfirmPayment(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, payment)
}

func (h *Handler) VoidPayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	payment, err := h.engine.VoidPayment(c.Request().Context(), id, body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, payment)
}

func (h *Handler) PaymentStats(c echo.Context) error {
	stats, err := h.engine.PaymentStats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) Summary(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	summary, err := h.engine.Summary(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}

// ---- sessions ----

func (h *Handler) CreateSession(c echo.Context) error {
	var in CreateSessionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	session, err := h.engine.CreateSession(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, session)
}

func (h *Handler) ListSessionsByPlan(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sessions, err := h.engine.ListSessionsByPlan(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sessions)
}

func (h *Handler) StartSession(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	session, err := h.engine.StartSession(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, session)
}

func (h *Handler) CompleteSession(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in CompleteSessionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	session, err := h.engine.CompleteSession(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, session)
}

func (h *Handler) CancelSession(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	session, err := h.engine.CancelSession(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, session)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apierr.FieldError("id", "must be a valid UUID")
	}
	return id, nil
}
