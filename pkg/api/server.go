package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/extbridge/pkg/extension"
	"github.com/platinummonkey/extbridge/pkg/httputil"
	"github.com/platinummonkey/extbridge/pkg/interop"
	"github.com/platinummonkey/extbridge/pkg/observability"
)

// DefaultMaxUploadBytes bounds a sideloaded package upload
const DefaultMaxUploadBytes = 128 << 20

// Extensions is the local registry surface the API serves
type Extensions interface {
	List() ([]*extension.Group, error)
	FindByID(id string) (*extension.Group, bool, error)
	AddFromBytes(ctx context.Context, data []byte, force bool) (*extension.Group, error)
	RemoveGroup(ctx context.Context, groupID string) (bool, error)
	RemoveVersion(ctx context.Context, groupID, entryID string) (*extension.Group, error)
	SetActiveVersion(ctx context.Context, groupID string, index int) (*extension.Group, error)
	GetInterop(ctx context.Context, groupID string) (interop.Extension, error)
	ValidateAll(ctx context.Context) (int, error)
}

// Catalogs is the online catalog surface the API serves
type Catalogs interface {
	List() ([]extension.Repository, error)
	Add(ctx context.Context, url string) (bool, error)
	Remove(ctx context.Context, url string) (bool, error)
	RefreshAll(ctx context.Context) error
	Install(ctx context.Context, apk string, force bool) (*extension.Group, error)
}

// Options configures a Server. Health and Registry are optional.
type Options struct {
	Extensions     Extensions
	Catalogs       Catalogs
	Health         *observability.HealthChecker
	Registry       *prometheus.Registry
	MaxUploadBytes int64
	Logger         *logrus.Logger
}

// Server represents our API server
type Server struct {
	router     *mux.Router
	extensions Extensions
	catalogs   Catalogs
	health     *observability.HealthChecker
	registry   *prometheus.Registry
	maxUpload  int64
	logger     *logrus.Logger
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	s := &Server{
		router:     mux.NewRouter(),
		extensions: opts.Extensions,
		catalogs:   opts.Catalogs,
		health:     opts.Health,
		registry:   opts.Registry,
		maxUpload:  opts.MaxUploadBytes,
		logger:     opts.Logger,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Local extensions
	api.HandleFunc("/extensions", s.listExtensions).Methods("GET")
	api.HandleFunc("/extensions", s.uploadExtension).Methods("POST")
	api.HandleFunc("/extensions/install", s.installExtension).Methods("POST")
	api.HandleFunc("/extensions/validate", s.validateExtensions).Methods("POST")
	api.HandleFunc("/extensions/{group}", s.removeGroup).Methods("DELETE")
	api.HandleFunc("/extensions/{group}/versions/{entry}", s.removeVersion).Methods("DELETE")
	api.HandleFunc("/extensions/{group}/active", s.setActiveVersion).Methods("PUT")
	api.HandleFunc("/extensions/{group}/sources", s.listSources).Methods("GET")
	api.HandleFunc("/extensions/{group}/sources/{source}/preferences", s.loadPreferences).Methods("GET")
	api.HandleFunc("/extensions/{group}/sources/{source}/preferences", s.savePreferences).Methods("PUT")

	// Online repositories
	api.HandleFunc("/repositories", s.listRepositories).Methods("GET")
	api.HandleFunc("/repositories", s.addRepository).Methods("POST")
	api.HandleFunc("/repositories", s.removeRepository).Methods("DELETE")
	api.HandleFunc("/repositories/refresh", s.refreshRepositories).Methods("POST")

	// Operations
	if s.health != nil {
		s.router.HandleFunc("/health", s.health.Readiness).Methods("GET")
		s.router.HandleFunc("/health/live", s.health.Liveness).Methods("GET")
	}
	if s.registry != nil {
		s.router.Handle("/metrics", observability.Handler(s.registry)).Methods("GET")
	}
}

// ServeHTTP implements http.Handler on the bare router
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped in tracing, logging and recovery
func (s *Server) Handler() http.Handler {
	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
	)
	return otelhttp.NewHandler(chain(s.router), "extbridge-api")
}
