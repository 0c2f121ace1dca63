package payer

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/claimflow/internal/platform/auth"
)

type Handler struct {
	registry *Registry
}

func NewHandler(r *Registry) *Handler {
	return &Handler{registry: r}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "billing"))
	read.GET("/payers", h.ListPayers)
	read.GET("/payers/:id", h.GetPayer)
}

// payerView adds the readiness flag to the public payer fields.
type payerView struct {
	Provider
	Configured bool `json:"configured"`
}

func view(p Provider) payerView {
	return payerView{Provider: p, Configured: p.Configured()}
}

func (h *Handler) ListPayers(c echo.Context) error {
	all := h.registry.List()
	out := make([]payerView, 0, len(all))
	for _, p := range all {
		if c.QueryParam("category") != "" && p.Category != c.QueryParam("category") {
			continue
		}
		out = append(out, view(p))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetPayer(c echo.Context) error {
	p, err := h.registry.Get(c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "payer not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, view(p))
}
