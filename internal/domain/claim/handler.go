package claim

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/claimflow/internal/platform/auth"
	"github.com/ehr/claimflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "billing"))
	g.GET("/claims", h.ListClaims)
	g.GET("/claims/:id", h.GetClaim)
	g.GET("/claims/:id/steps", h.GetClaimSteps)
	g.POST("/claims", h.CreateClaim)
	g.POST("/claims/:id/requeue", h.RequeueClaim)
}

// createRequest accepts service_date as a plain date or RFC 3339 timestamp.
type createRequest struct {
	PatientID      uuid.UUID `json:"patient_id"`
	ProviderID     uuid.UUID `json:"provider_id"`
	PayerID        string    `json:"payer_id"`
	ClaimNumber    string    `json:"claim_number"`
	ServiceDate    string    `json:"service_date"`
	TotalAmount    float64   `json:"total_amount"`
	ProcedureCode  string    `json:"procedure_code"`
	Modifiers      []string  `json:"modifiers"`
	DiagnosisCodes []string  `json:"diagnosis_codes"`
	Documentation  []string  `json:"documentation"`
	Status         string    `json:"status"`
}

func (r createRequest) toClaim() (*Claim, error) {
	c := &Claim{
		PatientID:      r.PatientID,
		ProviderID:     r.ProviderID,
		PayerID:        r.PayerID,
		ClaimNumber:    r.ClaimNumber,
		TotalAmount:    r.TotalAmount,
		ProcedureCode:  r.ProcedureCode,
		Modifiers:      r.Modifiers,
		DiagnosisCodes: r.DiagnosisCodes,
		Documentation:  r.Documentation,
		Status:         r.Status,
	}
	if r.ServiceDate != "" {
		d, err := time.Parse("2006-01-02", r.ServiceDate)
		if err != nil {
			if d, err = time.Parse(time.RFC3339, r.ServiceDate); err != nil {
				return nil, errors.New("service_date must be YYYY-MM-DD or RFC 3339")
			}
		}
		c.ServiceDate = d.UTC()
	}
	return c, nil
}

func (h *Handler) CreateClaim(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cl, err := req.toClaim()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Create(c.Request().Context(), cl); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, cl)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	cl, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) ListClaims(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		Status:           c.QueryParam("status"),
		AutomationStatus: c.QueryParam("automation_status"),
		NextStep:         c.QueryParam("next_step"),
		Limit:            pg.Limit,
		Offset:           pg.Offset,
	}
	items, total, err := h.svc.List(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	for _, it := range items {
		it.Steps = nil
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetClaimSteps(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	steps, err := h.svc.Steps(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, steps)
}

func (h *Handler) RequeueClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	cl, err := h.svc.Requeue(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "claim not found")
	case errors.Is(err, ErrConflict), errors.Is(err, ErrPaid):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
