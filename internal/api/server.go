// Package api exposes the sync engine, inventory and account management
// over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yairfalse/cloudwatcher/internal/accounts"
	"github.com/yairfalse/cloudwatcher/internal/scheduler"
	"github.com/yairfalse/cloudwatcher/storage"
	"github.com/yairfalse/cloudwatcher/telemetry"
	"github.com/yairfalse/cloudwatcher/types"
	"github.com/yairfalse/cloudwatcher/wal"
)

// Syncer runs inventory syncs. *orchestrator.Orchestrator satisfies it.
type Syncer interface {
	Run(ctx context.Context, source types.TriggerSource) (*types.SyncReport, error)
	RunAccount(ctx context.Context, source types.TriggerSource, accountID string) (*types.SyncReport, error)
}

// Scheduler lists and triggers periodic jobs. *scheduler.Scheduler satisfies it.
type Scheduler interface {
	Jobs() []scheduler.JobInfo
	Trigger(id string) error
}

// Journal receives recommendation status changes
type Journal interface {
	Append(entryType wal.EntryType, subject string, data interface{}) error
}

// AuditLog reads recent journal entries. *wal.WAL satisfies it.
type AuditLog interface {
	Recent(limit int) ([]*wal.Entry, error)
}

// Recommender re-runs the rule engine over stored instances.
// *orchestrator.Orchestrator satisfies it.
type Recommender interface {
	Regenerate(ctx context.Context) (*types.RegenerateResult, error)
}

// Config wires the server's collaborators. Scheduler, Journal, Audit,
// Recommender and Metrics are optional.
type Config struct {
	Store       storage.Store
	Syncer      Syncer
	Accounts    *accounts.Service
	Scheduler   Scheduler
	Journal     Journal
	Audit       AuditLog
	Recommender Recommender
	Metrics     http.Handler
	Logger      *telemetry.Logger
	Version     string
}

// Server is the HTTP API
type Server struct {
	cfg     Config
	engine  *gin.Engine
	logger  *telemetry.Logger
	started time.Time
}

// New builds the router
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewLogger("api")
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestID(), accessLog(logger))

	s := &Server{
		cfg:     cfg,
		engine:  engine,
		logger:  logger,
		started: time.Now(),
	}
	s.routes()
	return s
}

// Handler returns the http.Handler serving every route
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/health", s.health)
	if s.cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.cfg.Metrics))
	}

	sync := r.Group("/sync")
	{
		sync.POST("", s.syncAll)
		sync.GET("/logs", s.syncLogs)
		sync.POST("/:account_id", s.syncAccount)
	}

	sched := r.Group("/scheduler")
	{
		sched.GET("/jobs", s.listJobs)
		sched.POST("/trigger/:job_id", s.triggerJob)
	}

	accts := r.Group("/accounts")
	{
		accts.POST("", s.createAccount)
		accts.GET("", s.listAccounts)
		accts.GET("/:id", s.getAccount)
		accts.PATCH("/:id", s.updateAccount)
		accts.DELETE("/:id", s.deleteAccount)
	}

	r.GET("/instances", s.listInstances)
	r.GET("/instances/:instance_id", s.getInstance)

	recs := r.Group("/recommendations")
	{
		recs.GET("", s.listRecommendations)
		recs.POST("/run", s.runRecommendations)
		recs.PATCH("/:id", s.updateRecommendation)
	}

	r.GET("/dashboard/stats", s.dashboardStats)
	r.GET("/audit-events", s.auditEvents)
}

// health handles GET /health
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"version":        s.cfg.Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}
