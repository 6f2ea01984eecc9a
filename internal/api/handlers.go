package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yairfalse/cloudwatcher/internal/accounts"
	"github.com/yairfalse/cloudwatcher/storage"
	"github.com/yairfalse/cloudwatcher/types"
	"github.com/yairfalse/cloudwatcher/wal"
)

// syncAll handles POST /sync. The run outlives a disconnected client.
func (s *Server) syncAll(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())
	report, err := s.cfg.Syncer.Run(ctx, types.SourceAPI)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  err.Error(),
			"kind":   types.KindOf(err),
			"report": report,
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

// syncAccount handles POST /sync/:account_id
func (s *Server) syncAccount(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())
	report, err := s.cfg.Syncer.RunAccount(ctx, types.SourceAPI, c.Param("account_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// syncLogs handles GET /sync/logs?limit=N
func (s *Server) syncLogs(c *gin.Context) {
	limit := storage.DefaultLogLimit
	if raw, ok := c.GetQuery("limit"); ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = storage.ClampLimit(n)
	}

	logs, err := s.cfg.Store.ListSyncLogs(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if logs == nil {
		logs = []types.SyncLogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(logs), "items": logs})
}

// listJobs handles GET /scheduler/jobs
func (s *Server) listJobs(c *gin.Context) {
	if s.cfg.Scheduler == nil {
		c.JSON(http.StatusOK, gin.H{"count": 0, "items": []any{}})
		return
	}
	jobs := s.cfg.Scheduler.Jobs()
	c.JSON(http.StatusOK, gin.H{"count": len(jobs), "items": jobs})
}

// triggerJob handles POST /scheduler/trigger/:job_id
func (s *Server) triggerJob(c *gin.Context) {
	if s.cfg.Scheduler == nil {
		abortWithError(c, http.StatusServiceUnavailable, kindUnavailable, "scheduler is not running")
		return
	}
	id := c.Param("job_id")
	if err := s.cfg.Scheduler.Trigger(id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "triggered": true})
}

// createAccount handles POST /accounts
func (s *Server) createAccount(c *gin.Context) {
	var req accounts.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	acct, err := s.cfg.Accounts.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, acct)
}

// listAccounts handles GET /accounts
func (s *Server) listAccounts(c *gin.Context) {
	list, err := s.cfg.Accounts.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(list), "items": list})
}

// getAccount handles GET /accounts/:id
func (s *Server) getAccount(c *gin.Context) {
	acct, err := s.cfg.Accounts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// updateAccount handles PATCH /accounts/:id
func (s *Server) updateAccount(c *gin.Context) {
	var req accounts.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Name == nil && req.Disabled == nil {
		badRequest(c, "nothing to update: set name and/or disabled")
		return
	}

	acct, err := s.cfg.Accounts.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// deleteAccount handles DELETE /accounts/:id
func (s *Server) deleteAccount(c *gin.Context) {
	id := c.Param("id")
	if err := s.cfg.Accounts.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// Query bounds mirroring the list endpoints
const (
	defaultInstanceLimit = 100
	maxInstanceLimit     = 500
	defaultAuditLimit    = 50
	maxAuditLimit        = 200
)

// queryInt reads an integer query parameter within [lo, hi]. It writes a
// 400 and returns false when the value is malformed or out of range.
func queryInt(c *gin.Context, name string, def, lo, hi int) (int, bool) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		badRequest(c, fmt.Sprintf("%s must be an integer between %d and %d", name, lo, hi))
		return 0, false
	}
	return n, true
}

// listInstances handles GET /instances
func (s *Server) listInstances(c *gin.Context) {
	filter := types.InstanceFilter{
		AccountID: c.Query("account_id"),
		Region:    c.Query("region"),
		State:     c.Query("state"),
		Name:      c.Query("name"),
	}
	var ok bool
	if filter.Limit, ok = queryInt(c, "limit", defaultInstanceLimit, 1, maxInstanceLimit); !ok {
		return
	}
	if filter.Offset, ok = queryInt(c, "offset", 0, 0, math.MaxInt32); !ok {
		return
	}
	if raw := c.Query("provider"); raw != "" {
		p, err := types.ParseProvider(raw)
		if err != nil {
			respondError(c, err)
			return
		}
		filter.Provider = p
	}

	instances, err := s.cfg.Store.ListInstances(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	if instances == nil {
		instances = []types.Instance{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(instances), "items": instances})
}

// getInstance handles GET /instances/:instance_id
func (s *Server) getInstance(c *gin.Context) {
	id := c.Param("instance_id")
	instances, err := s.cfg.Store.ListInstances(c.Request.Context(), types.InstanceFilter{InstanceID: id, Limit: 1})
	if err != nil {
		respondError(c, err)
		return
	}
	if len(instances) == 0 {
		respondError(c, fmt.Errorf("instance %s: %w", id, storage.ErrNotFound))
		return
	}
	c.JSON(http.StatusOK, instances[0])
}

// listRecommendations handles GET /recommendations
func (s *Server) listRecommendations(c *gin.Context) {
	filter := types.RecommendationFilter{
		AccountID: c.Query("account_id"),
		Category:  types.Category(c.Query("category")),
		Severity:  types.Severity(c.Query("severity")),
	}
	if raw := c.Query("status"); raw != "" {
		status, err := types.ParseRecommendationStatus(raw)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		filter.Status = status
	}

	recs, err := s.cfg.Store.ListRecommendations(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	if recs == nil {
		recs = []types.Recommendation{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(recs), "items": recs})
}

type recommendationUpdate struct {
	Status string `json:"status" binding:"required"`
}

// updateRecommendation handles PATCH /recommendations/:id
func (s *Server) updateRecommendation(c *gin.Context) {
	var req recommendationUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	status, err := types.ParseRecommendationStatus(req.Status)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	rec, err := s.cfg.Store.UpdateRecommendationStatus(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		respondError(c, err)
		return
	}

	if s.cfg.Journal != nil {
		if err := s.cfg.Journal.Append(wal.EntryRecommendationState, rec.ID, map[string]any{
			"status":     rec.Status,
			"rule_id":    rec.RuleID,
			"account_id": rec.AccountID,
		}); err != nil {
			s.logger.WithContext(c.Request.Context()).Warn().Err(err).Msg("failed to write audit entry")
		}
	}
	c.JSON(http.StatusOK, rec)
}

// runRecommendations handles POST /recommendations/run
func (s *Server) runRecommendations(c *gin.Context) {
	if s.cfg.Recommender == nil {
		abortWithError(c, http.StatusServiceUnavailable, kindUnavailable, "rule engine is not configured")
		return
	}
	res, err := s.cfg.Recommender.Regenerate(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// auditEvents handles GET /audit-events?limit=N, newest first
func (s *Server) auditEvents(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultAuditLimit, 1, maxAuditLimit)
	if !ok {
		return
	}
	if s.cfg.Audit == nil {
		abortWithError(c, http.StatusServiceUnavailable, kindUnavailable, "audit journal is disabled")
		return
	}

	entries, err := s.cfg.Audit.Recent(limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if entries == nil {
		entries = []*wal.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(entries), "items": entries})
}
