package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/scopewatch/scopewatch/internal/reconcile"
	"github.com/scopewatch/scopewatch/internal/store"
	scopesync "github.com/scopewatch/scopewatch/internal/sync"
)

type Handlers struct {
	Store        store.Store
	Orchestrator *scopesync.Orchestrator
	Reconciler   *reconcile.Job

	// RunSync overrides how a sync run is launched; tests use it to run
	// synchronously.
	RunSync func(req scopesync.StartRequest)
}

func (h *Handlers) HandleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type startSyncResponse struct {
	SyncJobID string `json:"syncJobId"`
	Status    string `json:"status"`
}

// HandleStartSync launches a sync run in the background and answers
// immediately with the job id to poll.
func (h *Handlers) HandleStartSync(c echo.Context) error {
	var req scopesync.StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid sync request")
	}
	if strings.TrimSpace(req.OrganizationID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "organizationId is required")
	}
	if strings.TrimSpace(req.AccessToken) == "" && strings.TrimSpace(req.RefreshToken) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "an access or refresh token is required")
	}
	if strings.TrimSpace(req.SyncJobID) == "" {
		req.SyncJobID = uuid.NewString()
	}

	launch := h.RunSync
	if launch == nil {
		launch = func(req scopesync.StartRequest) {
			// The run outlives the HTTP request on purpose.
			go func() {
				err := h.Orchestrator.Run(context.Background(), req)
				switch {
				case err == nil:
				case errors.Is(err, scopesync.ErrSyncInProgress):
					slog.Info("sync request ignored, run in flight", "org", req.OrganizationID)
				default:
					slog.Error("background sync failed", "org", req.OrganizationID, "job", req.SyncJobID, "err", err)
				}
			}()
		}
	}
	launch(req)

	return c.JSON(http.StatusAccepted, startSyncResponse{
		SyncJobID: req.SyncJobID,
		Status:    store.JobInProgress,
	})
}

func (h *Handlers) HandlePersistRelations(c echo.Context) error {
	var payload scopesync.RelationsPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid relations payload")
	}
	if strings.TrimSpace(payload.OrganizationID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "organizationId is required")
	}

	if err := h.Orchestrator.PersistRelations(c.Request().Context(), payload); err != nil {
		if errors.Is(err, scopesync.ErrCapacityExceeded) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSyncStatus reports the latest sync job of an organization.
func (h *Handlers) HandleSyncStatus(c echo.Context) error {
	orgID := strings.TrimSpace(c.Param("id"))
	if orgID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "organization id is required")
	}

	job, err := h.Store.LatestSyncJob(c.Request().Context(), orgID)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no sync job for organization")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, scopesync.StatusResponse{
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.Message,
	})
}

func (h *Handlers) HandleCleanup(c echo.Context) error {
	var req reconcile.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid cleanup request")
	}

	resp, err := h.Reconciler.Run(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "organization not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}
