// Package web implements the JSON HTTP API of forgeq: job submission and history, queue control,
// bridge info and start, projects with their assets, stats and prometheus metrics.
package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/umputun/forgeq/app/bridge"
	"github.com/umputun/forgeq/app/presets"
	"github.com/umputun/forgeq/app/queue"
	"github.com/umputun/forgeq/app/store"
)

//go:generate moq -out mocks/scheduler.go -pkg mocks -skip-ensure -fmt goimports . Scheduler
//go:generate moq -out mocks/engine.go -pkg mocks -skip-ensure -fmt goimports . Engine

// Scheduler is the job queue as seen by the API
type Scheduler interface {
	Enqueue(ctx context.Context, req queue.Request) (*queue.Ticket, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Pause()
	Resume()
	Status(ctx context.Context) (queue.Status, error)
}

// Engine is the inference bridge as seen by the API
type Engine interface {
	Info() bridge.Info
	Start(ctx context.Context) error
	MaterialPresets(ctx context.Context) ([]bridge.MaterialPreset, error)
	ConvertToFbx(ctx context.Context, req bridge.ConvertRequest) (*bridge.ConvertResult, error)
}

// Config holds server configuration
type Config struct {
	Store        *store.Store
	Scheduler    Scheduler
	Engine       Engine
	Presets      *presets.Set
	Version      string
	EnqueueRate  float64       // job submissions per second per client, 0 disables the limit
	MaxBodySize  int64         // limit of job submission body, image uploads included
	StartTimeout time.Duration // limit of an explicit bridge start request
}

// Server is the API server
type Server struct {
	Config
}

// New makes a server, Store, Scheduler and Engine are required
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Scheduler == nil || cfg.Engine == nil {
		return nil, errors.New("web server initialization failed: store, scheduler and engine are required")
	}
	if cfg.Presets == nil {
		cfg.Presets = presets.Default()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = int64(base64.StdEncoding.EncodedLen(bridge.MaxImageBytes)) + 1024*1024 // json carries base64 images
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 5 * time.Minute
	}
	return &Server{Config: cfg}, nil
}

// Run starts the web server and blocks until ctx is done
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.StartTimeout + 30*time.Second, // bridge start waits for the engine
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("forgeq", "umputun", s.Version),
		rest.Ping,
		rest.Trace,
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	router.Handle("GET /metrics", promhttp.Handler())

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)

		// job submission carries images, the rest of the api gets small bodies
		api.With(rest.SizeLimit(s.MaxBodySize), s.enqueueLimiter()).HandleFunc("POST /jobs", s.handleCreateJob)

		api.Group().Route(func(g *routegroup.Bundle) {
			g.Use(rest.SizeLimit(64 * 1024))

			g.HandleFunc("GET /jobs", s.handleListJobs)
			g.HandleFunc("GET /jobs/{id}", s.handleGetJob)
			g.HandleFunc("DELETE /jobs/{id}", s.handleCancelJob)

			g.HandleFunc("GET /queue", s.handleQueueStatus)
			g.HandleFunc("POST /queue/pause", s.handleQueuePause)
			g.HandleFunc("POST /queue/resume", s.handleQueueResume)

			g.HandleFunc("GET /bridge", s.handleBridgeInfo)
			g.HandleFunc("POST /bridge/start", s.handleBridgeStart)
			g.HandleFunc("GET /material-presets", s.handleMaterialPresets)
			g.HandleFunc("GET /presets", s.handlePresets)
			g.HandleFunc("GET /stats", s.handleStats)

			g.HandleFunc("GET /projects", s.handleListProjects)
			g.HandleFunc("POST /projects", s.handleCreateProject)
			g.HandleFunc("GET /projects/{id}", s.handleGetProject)
			g.HandleFunc("PUT /projects/{id}", s.handleUpdateProject)
			g.HandleFunc("DELETE /projects/{id}", s.handleDeleteProject)
			g.HandleFunc("GET /projects/{id}/assets", s.handleListAssets)
			g.HandleFunc("GET /assets/{id}", s.handleGetAsset)
			g.HandleFunc("DELETE /assets/{id}", s.handleDeleteAsset)
			g.HandleFunc("POST /assets/{id}/fbx", s.handleConvertAsset)
		})
	})

	return router
}

// enqueueLimiter limits job submissions per client ip, pass-through if no rate set
func (s *Server) enqueueLimiter() func(http.Handler) http.Handler {
	if s.EnqueueRate <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	lmt := tollbooth.NewLimiter(s.EnqueueRate, nil)
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
	lmt.SetMessageContentType("application/json")
	lmt.SetMessage(`{"error":"too many job submissions, slow down"}`)
	return tollbooth.HTTPMiddleware(lmt)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps domain errors to http status codes, unexpected errors are logged and hidden
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var protoErr *bridge.ProtocolError
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrCapacity), errors.Is(err, bridge.ErrNotRunning), errors.Is(err, bridge.ErrUnavailable):
		s.writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, queue.ErrInvalidRequest), errors.Is(err, bridge.ErrInvalidPayload):
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, bridge.ErrGenerationTimeout), errors.Is(err, bridge.ErrStartupTimeout):
		s.writeJSONError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &protoErr), errors.Is(err, bridge.ErrStartupFailed):
		s.writeJSONError(w, http.StatusBadGateway, err.Error())
	default:
		log.Printf("[ERROR] %s %s failed: %v", r.Method, r.URL.Path, err)
		s.writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a JSON body into v, unknown fields are rejected
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}
