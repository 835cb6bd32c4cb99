package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/internal/config"
	"github.com/pitabwire/flowdesk/internal/definition"
	"github.com/pitabwire/flowdesk/internal/observability"
	"github.com/pitabwire/flowdesk/internal/openapi"
	"github.com/pitabwire/flowdesk/internal/workflow"
	"github.com/pitabwire/flowdesk/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Engine             *workflow.Engine
	Definitions        *definition.Service
	Idempotency        workflow.IdempotencyStore
	OpenAPI            *openapi.Validator
	Metrics            *observability.Metrics
	MetricsHandler     http.Handler
	Readiness          observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics, and the API document
// bypass the authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = observability.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metricsHandler)
	r.Get("/openapi.yaml", openapi.ServeDocument)

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	h := &handlers{
		engine:      deps.Engine,
		definitions: deps.Definitions,
		idempotency: deps.Idempotency,
		logger:      logger,
	}
	if deps.Config.Idempotency.Enabled {
		h.idempotencyTTL = deps.Config.Idempotency.TTL
	}
	if h.idempotencyTTL <= 0 {
		h.idempotencyTTL = 24 * time.Hour
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.OpenAPI != nil {
			r.Use(deps.OpenAPI.Middleware(WriteError))
		}

		r.Route("/workflow-engine", func(r chi.Router) {
			r.With(RequireCapability(model.CapRunsTrigger)).Post("/trigger", h.trigger)

			r.Route("/approvals", func(r chi.Router) {
				r.With(RequireCapability(model.CapApprovalsView)).Get("/", h.listApprovals)
				r.With(RequireCapability(model.CapApprovalsDecide)).Post("/{requestId}/decide", h.decide)
				r.With(RequireCapability(model.CapApprovalsDecide)).Post("/{requestId}/delegate", h.delegate)
			})

			r.Route("/runs", func(r chi.Router) {
				r.With(RequireCapability(model.CapRunsView)).Get("/", h.listRuns)
				r.With(RequireCapability(model.CapRunsView)).Get("/{runId}", h.getRun)
				r.With(RequireCapability(model.CapRunsView)).Get("/{runId}/history", h.runHistory)
				r.With(RequireCapability(model.CapRunsCancel)).Post("/{runId}/cancel", h.cancelRun)
			})

			r.Route("/definitions", func(r chi.Router) {
				r.With(RequireCapability(model.CapDefinitionsView)).Get("/", h.listDefinitions)
				r.With(RequireCapability(model.CapDefinitionsPublish)).Post("/", h.publishDefinition)
				r.With(RequireCapability(model.CapDefinitionsPublish)).Post("/test", h.testDefinition)
				r.With(RequireCapability(model.CapDefinitionsView)).Get("/{definitionId}", h.getDefinition)
				r.With(RequireCapability(model.CapDefinitionsPublish)).Post("/{definitionId}/activate", h.activateDefinition)
				r.With(RequireCapability(model.CapDefinitionsPublish)).Post("/{definitionId}/archive", h.archiveDefinition)
			})
		})
	})

	return r
}
