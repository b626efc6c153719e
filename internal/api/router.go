package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/middleware"
	"github.com/persistorai/famgraph/internal/ws"
)

// RouterDeps holds all dependencies needed by the router.
type RouterDeps struct {
	Log         *logrus.Logger
	Hub         *ws.Hub
	Subgraph    SubgraphQuerier
	Sync        SyncMonitor
	Reconcile   ReconcileRunner
	Nodes       NodeReader
	DeadLetters DeadLetterLister
	Audit       AuditRepository
	// Checks are probed by /ready, keyed by name.
	Checks      map[string]Pinger
	CORSOrigins []string
	Version     string
	Backend     string
	// Default subgraph limits; zero uses the model defaults.
	MaxNodes         int
	MaxRelationships int
	// ServeMetrics mounts /metrics on this router.
	ServeMetrics bool
}

// Router-level limits.
const (
	maxBodySize = 1 << 20 // 1 MB
	rateLimit   = 100     // requests per second per IP
	rateBurst   = 200     // token bucket burst size
)

func setupMiddleware(ctx context.Context, r *gin.Engine, deps *RouterDeps) {
	r.SetTrustedProxies(nil) //nolint:errcheck // nil always succeeds.
	r.Use(middleware.RequestID(deps.Log))
	r.Use(ginLogger(deps.Log))
	r.Use(gin.Recovery())
	r.Use(middleware.MaxBodySize(maxBodySize))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     deps.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader, "Retry-After"},
		MaxAge:           1 * time.Hour,
		AllowCredentials: false,
	}))
	r.Use(middleware.NewRateLimiter(ctx, rateLimit, rateBurst).Handler())
	r.Use(middleware.Prometheus())

	if deps.ServeMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}

func registerRoutes(ctx context.Context, api *gin.RouterGroup, deps *RouterDeps) {
	log := deps.Log

	health := NewHealthHandler(deps.Checks, deps.Hub, log, deps.Version, deps.Backend)
	subgraph := NewSubgraphHandler(deps.Subgraph, log, deps.MaxNodes, deps.MaxRelationships)
	syncH := NewSyncHandler(deps.Sync, log)
	recon := NewReconcileHandler(deps.Reconcile, log)
	nodes := NewNodeHandler(deps.Nodes, log)
	dead := NewDeadLetterHandler(deps.DeadLetters, log)
	audit := NewAuditHandler(deps.Audit, log)

	api.GET("/health", health.Liveness)
	api.GET("/ready", health.Readiness)

	// Family-scoped reads and jobs.
	api.GET("/families/:familyId/subgraph", subgraph.Get)
	api.GET("/families/:familyId/sync/status", syncH.FamilyStatus)
	api.POST("/families/:familyId/reconcile", recon.Start)
	api.GET("/families/:familyId/deadletters", dead.List)
	api.GET("/families/:familyId/changes", changesHandler(ctx, log, deps.Hub, deps.CORSOrigins))

	// Entity sync.
	api.GET("/sync/status/:entityType/:externalId", syncH.EntityStatus)
	api.POST("/sync/resync", syncH.Resync)

	api.GET("/reconcile/jobs/:jobId", recon.GetJob)
	api.GET("/nodes/:entityType/:externalId", nodes.Get)

	api.GET("/audit", audit.Query)
	api.DELETE("/audit", audit.Purge)
}

// NewRouter creates and configures the Gin engine with all middleware and routes.
func NewRouter(ctx context.Context, deps *RouterDeps) http.Handler {
	r := gin.New()
	setupMiddleware(ctx, r, deps)
	registerRoutes(ctx, r.Group("/api/v1"), deps)

	return r
}

// NewMetricsHandler serves Prometheus metrics on a dedicated listener.
func NewMetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}
