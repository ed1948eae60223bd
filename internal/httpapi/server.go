// Package httpapi exposes the sync and cleanup pipeline over HTTP.
package httpapi

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/scopewatch/scopewatch/internal/reconcile"
	"github.com/scopewatch/scopewatch/internal/store"
	scopesync "github.com/scopewatch/scopewatch/internal/sync"
)

// EchoServer wires the pipeline handlers into an echo instance.
type EchoServer struct {
	h *Handlers
	e *echo.Echo
}

func NewEchoServer(st store.Store, orchestrator *scopesync.Orchestrator, reconciler *reconcile.Job) *EchoServer {
	h := &Handlers{Store: st, Orchestrator: orchestrator, Reconciler: reconciler}
	es := &EchoServer{h: h, e: echo.New()}
	es.e.HideBanner = true
	es.registerRoutes()
	return es
}

func (es *EchoServer) registerRoutes() {
	es.e.Use(middleware.Recover())

	es.e.GET("/healthz", es.h.HandleHealthz)
	es.e.GET("/api/organizations/:id/sync-status", es.h.HandleSyncStatus)

	internal := es.e.Group("/internal")
	internal.POST("/sync", es.h.HandleStartSync)
	internal.POST("/sync/relations", es.h.HandlePersistRelations)
	internal.POST("/cleanup", es.h.HandleCleanup)
}

// Handler exposes the router for tests.
func (es *EchoServer) Handler() http.Handler {
	return es.e
}

func (es *EchoServer) Start(addr string) error {
	return es.e.Start(addr)
}

func (es *EchoServer) Shutdown(ctx context.Context) error {
	return es.e.Shutdown(ctx)
}
