// Package api exposes the control plane over HTTP/JSON: node registration
// and heartbeats, the match lifecycle, module management, and the dashboard
// read surface, plus /metrics and /healthz.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stormstack/controlplane/pkg/autoscaler"
	"github.com/stormstack/controlplane/pkg/config"
	"github.com/stormstack/controlplane/pkg/distributor"
	"github.com/stormstack/controlplane/pkg/log"
	"github.com/stormstack/controlplane/pkg/metrics"
	"github.com/stormstack/controlplane/pkg/modules"
	"github.com/stormstack/controlplane/pkg/nodes"
	"github.com/stormstack/controlplane/pkg/router"
	"github.com/stormstack/controlplane/pkg/store"
	"github.com/stormstack/controlplane/pkg/view"
)

const shutdownGrace = 10 * time.Second

// Server is the admin HTTP server.
type Server struct {
	listener net.Listener
	server   http.Server
	logger   zerolog.Logger

	cfg         config.Config
	store       store.Store
	nodes       *nodes.Registry
	modules     *modules.Registry
	router      *router.Router
	distributor *distributor.Distributor
	view        *view.View
	autoscaler  *autoscaler.Autoscaler
}

// NewServer wires the HTTP surface over an already-bound listener so tests
// and the caller both know the final address.
func NewServer(
	listener net.Listener,
	cfg config.Config,
	st store.Store,
	nodeReg *nodes.Registry,
	moduleReg *modules.Registry,
	rt *router.Router,
	dist *distributor.Distributor,
	v *view.View,
	scaler *autoscaler.Autoscaler,
) *Server {
	s := &Server{
		listener:    listener,
		logger:      log.WithComponent("api"),
		cfg:         cfg,
		store:       st,
		nodes:       nodeReg,
		modules:     moduleReg,
		router:      rt,
		distributor: dist,
		view:        v,
		autoscaler:  scaler,
	}
	s.server.Handler = s.Routes()
	return s
}

// Routes builds the full route table. Exposed for httptest-driven tests.
func (s *Server) Routes() http.Handler {
	root := mux.NewRouter()
	root.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	root.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := root.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.Use(instrumentMiddleware)

	api.HandleFunc("/nodes", s.handleRegisterNode).Methods(http.MethodPost)
	api.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id}", s.handleGetNode).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id}", s.handlePatchNode).Methods(http.MethodPatch)
	api.HandleFunc("/nodes/{id}", s.handleDeleteNode).Methods(http.MethodDelete)
	api.HandleFunc("/nodes/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)

	api.HandleFunc("/matches", s.handleCreateMatch).Methods(http.MethodPost)
	api.HandleFunc("/matches", s.handleListMatches).Methods(http.MethodGet)
	api.HandleFunc("/matches/{id}", s.handleGetMatch).Methods(http.MethodGet)
	api.HandleFunc("/matches/{id}", s.handleDeleteMatch).Methods(http.MethodDelete)
	api.HandleFunc("/matches/{id}/finish", s.handleFinishMatch).Methods(http.MethodPost)
	api.HandleFunc("/matches/{id}/playerCount", s.handlePlayerCount).Methods(http.MethodPatch)

	api.HandleFunc("/modules", s.handleUploadModule).Methods(http.MethodPost)
	api.HandleFunc("/modules", s.handleListModules).Methods(http.MethodGet)
	api.HandleFunc("/modules/{name}", s.handleModuleVersions).Methods(http.MethodGet)
	api.HandleFunc("/modules/{name}/{version}", s.handleGetModule).Methods(http.MethodGet)
	api.HandleFunc("/modules/{name}/{version}", s.handleDeleteModule).Methods(http.MethodDelete)
	api.HandleFunc("/modules/{name}/{version}/download", s.handleDownloadModule).Methods(http.MethodGet)
	api.HandleFunc("/modules/{name}/{version}/distribute", s.handleDistributeModule).Methods(http.MethodPost)
	api.HandleFunc("/modules/{name}/{version}/distribute/{nodeId}", s.handleDistributeModuleToNode).Methods(http.MethodPost)

	api.HandleFunc("/dashboard/overview", s.handleOverview).Methods(http.MethodGet)
	api.HandleFunc("/dashboard/nodes", s.handleDashboardNodes).Methods(http.MethodGet)
	api.HandleFunc("/dashboard/matches", s.handleDashboardMatches).Methods(http.MethodGet)
	api.HandleFunc("/dashboard/scaling", s.handleScaling).Methods(http.MethodGet)

	return root
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.logger.Info().Str("addr", s.listener.Addr().String()).Msg("api listening")
		err := s.server.Serve(s.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// handleHealthz reports liveness plus store reachability.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"store":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
