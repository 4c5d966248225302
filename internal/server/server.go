package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	coreagg "github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/aevon-lab/exactavg/internal/core/numeric"
	"github.com/gin-gonic/gin"
)

const (
	healthTimeout   = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

type Server struct {
	Engine *gin.Engine
	Addr   string
	db     *sql.DB
	schema SchemaStatusFunc
}

// RouteRegistrar is implemented by every API service mounted on the server.
type RouteRegistrar interface {
	RegisterRoutes(r gin.IRouter)
}

// SchemaStatusFunc reports the applied migration version and dirty flag.
type SchemaStatusFunc func() (version uint, dirty bool, err error)

// Option configures a Server.
type Option func(*Server)

// WithSchemaStatus adds the migration state to /health.
func WithSchemaStatus(fn SchemaStatusFunc) Option {
	return func(s *Server) { s.schema = fn }
}

func New(addr string, db *sql.DB, mode string, opts ...Option) *Server {
	// Set Gin mode based on configuration
	if mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	s := &Server{
		Engine: r,
		Addr:   addr,
		db:     db,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Health check endpoint with database connectivity verification
	r.GET("/health", s.healthHandler)
	r.GET("/v1/functions", s.functionsHandler)

	return s
}

// Mount registers each service's routes on the engine.
func (s *Server) Mount(services ...RouteRegistrar) {
	for _, svc := range services {
		svc.RegisterRoutes(s.Engine)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	body := gin.H{"status": "healthy"}

	// Check database connectivity
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			slog.Error("[Server] Health check failed: database unreachable", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database unreachable",
			})
			return
		}
		body["database"] = "connected"
	}

	if s.schema != nil {
		version, dirty, err := s.schema()
		if err != nil {
			slog.Error("[Server] Health check failed: migration status unavailable", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "migration status unavailable",
			})
			return
		}
		if dirty {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":         "unhealthy",
				"error":          "schema is dirty",
				"schema_version": version,
			})
			return
		}
		body["schema_version"] = version
	}

	c.JSON(http.StatusOK, body)
}

// functionsHandler lists the registered aggregate functions and the numeric limits they run under.
func (s *Server) functionsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"functions":     coreagg.FunctionNames(),
		"max_precision": numeric.MaxPrecision,
		"roundings": []string{
			numeric.RoundHalfUp.String(),
			numeric.RoundHalfEven.String(),
			numeric.RoundDown.String(),
		},
	})
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("[Server] Starting HTTP server", "address", s.Addr)

	go func() {
		<-ctx.Done()
		slog.Info("[Server] Stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("[Server] HTTP server forced to shutdown", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
