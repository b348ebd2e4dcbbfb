package labsync

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/labsync/pkg/pagination"
)

// SyncRunner is the part of *Worker the ops endpoints drive.
type SyncRunner interface {
	RunCycle(ctx context.Context) (CycleResult, error)
	Status(ctx context.Context) (*Status, error)
}

type Handler struct {
	failedImports FailedImportRepository
	worker        SyncRunner
}

func NewHandler(failedImports FailedImportRepository, worker SyncRunner) *Handler {
	return &Handler{failedImports: failedImports, worker: worker}
}

// RegisterRoutes mounts the ops endpoints. read wraps only the read-only
// routes.
func (h *Handler) RegisterRoutes(api *echo.Group, read ...echo.MiddlewareFunc) {
	readGroup := api.Group("", read...)
	readGroup.GET("/failed-imports", h.ListFailedImports)
	readGroup.GET("/sync/status", h.GetStatus)

	api.POST("/sync/run", h.RunCycle)
}

func (h *Handler) ListFailedImports(c echo.Context) error {
	p := pagination.FromContext(c)
	items, total, err := h.failedImports.List(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*FailedImport{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p, c.Request().URL.Path))
}

func (h *Handler) GetStatus(c echo.Context) error {
	st, err := h.worker.Status(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

// RunCycle runs a cycle on demand. A cycle already running elsewhere is a
// conflict, not a failure.
func (h *Handler) RunCycle(c echo.Context) error {
	res, err := h.worker.RunCycle(c.Request().Context())
	if errors.Is(err, ErrCycleInProgress) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]interface{}{
			"result": res,
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, res)
}
