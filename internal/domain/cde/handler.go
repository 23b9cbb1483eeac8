package cde

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rdrf/rdrf/internal/domain/calculation"
	"github.com/rdrf/rdrf/internal/platform/middleware"
	"github.com/rdrf/rdrf/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/cdes", h.ListCDEs)
	api.GET("/cdes/:code", h.GetCDE)
	api.GET("/calculations", h.ListRegistrations)

	write := api.Group("", middleware.CSRF())
	write.POST("/cdes", h.CreateCDE)
	write.PUT("/cdes/:code", h.UpdateCDE)
	write.DELETE("/cdes/:code", h.DeleteCDE)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) CreateCDE(c echo.Context) error {
	var cde CommonDataElement
	if err := c.Bind(&cde); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateCDE(c.Request().Context(), &cde); err != nil {
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusCreated, cde)
}

func (h *Handler) GetCDE(c echo.Context) error {
	cde, err := h.svc.GetCDE(c.Request().Context(), c.Param("code"))
	if err != nil {
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, cde)
}

func (h *Handler) ListCDEs(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListCDEs(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*CommonDataElement{}
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg, c.Request().URL))
}

func (h *Handler) UpdateCDE(c echo.Context) error {
	var cde CommonDataElement
	if err := c.Bind(&cde); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cde.Code = c.Param("code")
	if err := h.svc.UpdateCDE(c.Request().Context(), &cde); err != nil {
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, cde)
}

func (h *Handler) DeleteCDE(c echo.Context) error {
	if err := h.svc.DeleteCDE(c.Request().Context(), c.Param("code")); err != nil {
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// ListRegistrations answers which of a form's fields are calculated:
// GET /calculations?codes=A,B,C&patient_date_of_birth=...&patient_sex=...
// Without codes every calculated CDE is listed.
func (h *Handler) ListRegistrations(c echo.Context) error {
	var codes []string
	for _, code := range strings.Split(c.QueryParam("codes"), ",") {
		if code = strings.TrimSpace(code); code != "" {
			codes = append(codes, code)
		}
	}
	patient := calculation.PatientContext{
		DateOfBirth: c.QueryParam("patient_date_of_birth"),
		Sex:         c.QueryParam("patient_sex"),
	}
	regs, err := h.svc.Registrations(c.Request().Context(), codes, patient)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if regs == nil {
		regs = []calculation.Registration{}
	}
	return c.JSON(http.StatusOK, regs)
}
