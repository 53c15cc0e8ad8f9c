// Package control serves the HTTP management plane: tool server
// registration and removal, the aggregated health view, and, when a session
// plane is attached, the client surface (per-session SSE event stream plus
// inbound message, approval and history endpoints). Response shapes are part
// of the operator protocol; renaming a field here is a wire change.
package control

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/health"
	"github.com/switchboard-ai/switchboard/runtime/telemetry"
	"github.com/switchboard-ai/switchboard/runtime/toolserver"
)

type (
	// HealthReporter is the slice of the health monitor the API reads.
	HealthReporter interface {
		Snapshot() health.Report
	}

	// ServerRegistry is the slice of the tool server registry the API
	// mutates. Satisfied by *toolserver.Registry.
	ServerRegistry interface {
		Add(ctx context.Context, name string, cfg toolserver.ServerConfig) error
		Remove(ctx context.Context, name string) error
	}

	// API is the control-plane HTTP surface.
	API struct {
		registry ServerRegistry
		monitor  HealthReporter
		attach   AttachFunc
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		mu    sync.Mutex
		conns map[string]ClientConn
	}

	// Option configures the API.
	Option func(*API)

	// addServerRequest is the POST /api/servers body.
	addServerRequest struct {
		Name   string                  `json:"name"`
		Config toolserver.ServerConfig `json:"config"`
	}

	// serverName echoes the affected server on mutations.
	serverName struct {
		Name string `json:"name"`
	}

	// errorResponse is the body of every non-2xx reply.
	errorResponse struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)

// WithAPILogger sets the request logger.
func WithAPILogger(l telemetry.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithAPIMetrics sets the request metrics sink.
func WithAPIMetrics(mt telemetry.Metrics) Option {
	return func(a *API) { a.metrics = mt }
}

// WithSessionPlane enables the client surface. attach binds an event sink to
// a session; the orchestrator's Attach method satisfies it.
func WithSessionPlane(attach AttachFunc) Option {
	return func(a *API) { a.attach = attach }
}

// NewAPI builds the control surface over the registry and health monitor.
func NewAPI(registry ServerRegistry, monitor HealthReporter, opts ...Option) *API {
	a := &API{
		registry: registry,
		monitor:  monitor,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		conns:    make(map[string]ClientConn),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler builds the gin engine: recovery, request logging, permissive
// CORS, the management routes, and the session routes when a session plane
// is configured.
func (a *API) Handler() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), a.requestLog(), corsMiddleware())

	r.GET("/api/servers/health", a.serversHealth)
	r.POST("/api/servers", a.addServer)
	r.DELETE("/api/servers/:name", a.removeServer)

	if a.attach != nil {
		r.GET("/api/sessions/:id/events", a.sessionEvents)
		r.POST("/api/sessions/:id/message", a.postMessage)
		r.POST("/api/sessions/:id/approval", a.postApproval)
		r.POST("/api/sessions/:id/history/reset", a.resetHistory)
	}
	return r
}

func (a *API) serversHealth(c *gin.Context) {
	c.JSON(http.StatusOK, a.monitor.Snapshot())
}

func (a *API) addServer(c *gin.Context) {
	var req addServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{
			Code:    "invalid_body",
			Message: "request body must be JSON with name and config",
		})
		return
	}
	if err := a.registry.Add(c.Request.Context(), req.Name, req.Config); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, serverName{Name: req.Name})
}

func (a *API) removeServer(c *gin.Context) {
	name := c.Param("name")
	if err := toolserver.ValidateName(name); err != nil {
		a.fail(c, err)
		return
	}
	if err := a.registry.Remove(c.Request.Context(), name); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, serverName{Name: name})
}

func (a *API) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		a.logger.Error(c.Request.Context(), "control request failed",
			"method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
	}
	c.JSON(status, errorResponse{Code: fault.CodeOf(err, "internal"), Message: err.Error()})
}

// statusOf maps the error taxonomy onto HTTP statuses.
func statusOf(err error) int {
	switch fault.KindOf(err) {
	case fault.Validation:
		return http.StatusBadRequest
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Conflict:
		return http.StatusConflict
	case fault.Backpressure:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// requestLog emits one structured line per request, matching what the rest
// of the daemon logs through clue.
func (a *API) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		dur := time.Since(start)
		a.logger.Info(c.Request.Context(), "control request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"dur", dur.String(),
		)
		a.metrics.RecordTimer("control.request", dur, "method", c.Request.Method)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
		},
		AllowHeaders: []string{"*"},
		MaxAge:       12 * time.Hour,
	})
}
