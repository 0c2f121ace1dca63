package automation

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/claimflow/internal/domain/claim"
	"github.com/ehr/claimflow/internal/domain/denial"
	"github.com/ehr/claimflow/internal/platform/auth"
)

// Handler exposes on-demand processing and denial analysis.
type Handler struct {
	claims   claim.Repository
	proc     ClaimProcessor
	denials  DenialHandler
	analyses denial.Repository
}

func NewHandler(claims claim.Repository, proc ClaimProcessor, denials DenialHandler, analyses denial.Repository) *Handler {
	return &Handler{claims: claims, proc: proc, denials: denials, analyses: analyses}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "billing"))
	g.GET("/claims/:id/denial-analysis", h.GetDenialAnalysis)
	g.POST("/claims/:id/process", h.ProcessClaim)
	g.POST("/claims/:id/denial-analysis", h.AnalyzeDenial)
}

func (h *Handler) ProcessClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	if err := h.proc.Process(ctx, id); err != nil {
		return httpError(err)
	}
	cl, err := h.claims.GetByID(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

// denialView is the latest analysis with every appeal filed for the claim.
type denialView struct {
	Analysis *denial.Analysis `json:"analysis"`
	Appeals  []*denial.Appeal `json:"appeals"`
}

func (h *Handler) GetDenialAnalysis(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	an, err := h.analyses.LatestAnalysis(ctx, id)
	if err != nil {
		return httpError(err)
	}
	appeals, err := h.analyses.ListAppeals(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if appeals == nil {
		appeals = []*denial.Appeal{}
	}
	return c.JSON(http.StatusOK, denialView{Analysis: an, Appeals: appeals})
}

func (h *Handler) AnalyzeDenial(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	// A client disconnect must not abort handling between the disposition
	// commit and the appeal filing.
	an, err := h.denials.Handle(context.WithoutCancel(c.Request().Context()), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, an)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, claim.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "claim not found")
	case errors.Is(err, denial.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "denial analysis not found")
	case errors.Is(err, ErrNotReady), errors.Is(err, claim.ErrConflict), errors.Is(err, denial.ErrNotDenied):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
