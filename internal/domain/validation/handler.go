package validation

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rdrf/rdrf/internal/platform/middleware"
)

// CommandSource resolves commands the registry does not hold. The cde
// service uses it to expose one pattern check per CDE.
type CommandSource interface {
	LookupCommand(ctx context.Context, name string) (Command, bool, error)
}

type Handler struct {
	registry *Registry
	sources  []CommandSource
	log      zerolog.Logger
}

func NewHandler(registry *Registry, log zerolog.Logger, sources ...CommandSource) *Handler {
	return &Handler{
		registry: registry,
		sources:  sources,
		log:      log.With().Str("component", "rpc").Logger(),
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", middleware.CSRF())
	g.POST("/rpc/", h.Dispatch)
}

// Dispatch runs one command. Unknown commands and command errors are
// reported in the body with status fail; only malformed requests are HTTP
// errors.
func (h *Handler) Dispatch(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Command == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "rpc_command is required")
	}

	resp := h.run(c, req)
	h.log.Info().
		Str("request_id", middleware.GetRequestID(c)).
		Str("rpc_command", req.Command).
		Strs("args", req.Args).
		Str("status", resp.Status).
		Bool("result", resp.Result).
		Msg("rpc command")
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) run(c echo.Context, req Request) Response {
	ctx := c.Request().Context()
	cmd, ok, err := h.lookup(ctx, req.Command)
	if err != nil {
		return Response{Status: StatusFail, Error: err.Error()}
	}
	if !ok {
		return Response{Status: StatusFail, Error: fmt.Sprintf("could not locate command: %s", req.Command)}
	}
	result, err := cmd(ctx, req.Args)
	if err != nil {
		return Response{Status: StatusFail, Error: err.Error()}
	}
	return Response{Result: result, Status: StatusSuccess}
}

func (h *Handler) lookup(ctx context.Context, name string) (Command, bool, error) {
	if cmd, ok := h.registry.Lookup(name); ok {
		return cmd, true, nil
	}
	for _, src := range h.sources {
		cmd, ok, err := src.LookupCommand(ctx, name)
		if err != nil || ok {
			return cmd, ok, err
		}
	}
	return nil, false, nil
}
