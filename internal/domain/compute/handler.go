package compute

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/rdrf/rdrf/internal/domain/calculation"
	"github.com/rdrf/rdrf/internal/platform/form"
	"github.com/rdrf/rdrf/internal/platform/middleware"
)

// Definitions reports whether a CDE code names a calculated field.
type Definitions interface {
	IsCalculated(ctx context.Context, code string) (bool, error)
}

// Handler serves the calculated-CDE compute endpoint.
type Handler struct {
	registry *Registry
	defs     Definitions
	log      zerolog.Logger
	requests *prometheus.CounterVec
	now      func() time.Time
}

// NewHandler builds a Handler. defs may be nil; reg may be nil to skip metric
// registration.
func NewHandler(registry *Registry, defs Definitions, log zerolog.Logger, reg prometheus.Registerer) *Handler {
	factory := promauto.With(reg)
	return &Handler{
		registry: registry,
		defs:     defs,
		log:      log.With().Str("component", "compute").Logger(),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rdrf_compute_requests_total",
			Help: "Compute requests served, by CDE code and outcome.",
		}, []string{"cde_code", "outcome"}),
		now: time.Now,
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", middleware.CSRF())
	g.GET("/csrf", h.Token)
	g.POST("/calculatedcdes/", h.Calculate)
}

// Token hands out the CSRF token a page embeds in its hidden token field.
func (h *Handler) Token(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{form.TokenFieldName: middleware.CSRFToken(c)})
}

func (h *Handler) Calculate(c echo.Context) error {
	var req calculation.ComputeRequest
	if err := c.Bind(&req); err != nil {
		h.requests.WithLabelValues("", "bad_request").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Observer == "" {
		h.requests.WithLabelValues("", "bad_request").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, "cde_code is required")
	}
	ctx := c.Request().Context()

	if h.defs != nil {
		ok, err := h.defs.IsCalculated(ctx, req.Observer)
		if err != nil {
			h.requests.WithLabelValues(req.Observer, "error").Inc()
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if !ok {
			h.requests.WithLabelValues(req.Observer, "unknown").Inc()
			return echo.NewHTTPError(http.StatusNotFound, "cde is not a calculated field")
		}
	}

	calc, err := h.registry.Lookup(req.Observer)
	if err != nil {
		h.requests.WithLabelValues(req.Observer, "unknown").Inc()
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	values := req.FormValues
	if values == nil {
		values = map[calculation.FieldCode]calculation.Scalar{}
	}
	v, err := calc.Calculate(ctx, Input{
		CDECode: req.Observer,
		Patient: req.PatientContext,
		Values:  values,
		Today:   h.now(),
	})
	if err != nil {
		h.requests.WithLabelValues(req.Observer, "failed").Inc()
		h.log.Info().Err(err).
			Str("cde_code", req.Observer).
			Str("request_id", middleware.GetRequestID(c)).
			Msg("calculation failed")
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	h.requests.WithLabelValues(req.Observer, "ok").Inc()
	return c.JSON(http.StatusOK, v)
}
