package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yairfalse/cloudwatcher/types"
)

// DashboardStats aggregates inventory counts across every account
type DashboardStats struct {
	TotalAccounts         int                    `json:"total_accounts"`
	TotalInstances        int                    `json:"total_instances"`
	AccountsByProvider    map[types.Provider]int `json:"accounts_by_provider"`
	InstancesByProvider   map[types.Provider]int `json:"instances_by_provider"`
	InstancesByState      map[string]int         `json:"instances_by_state"`
	OpenRecommendations   int                    `json:"open_recommendations"`
	FinOpsRecommendations int                    `json:"finops_recommendations"`
	SecOpsRecommendations int                    `json:"secops_recommendations"`
	LastSync              *time.Time             `json:"last_sync"`
}

// dashboardStats handles GET /dashboard/stats
func (s *Server) dashboardStats(c *gin.Context) {
	ctx := c.Request.Context()

	accts, err := s.cfg.Store.ListAccounts(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	instances, err := s.cfg.Store.ListInstances(ctx, types.InstanceFilter{})
	if err != nil {
		respondError(c, err)
		return
	}
	open, err := s.cfg.Store.ListRecommendations(ctx, types.RecommendationFilter{Status: types.RecommendationOpen})
	if err != nil {
		respondError(c, err)
		return
	}

	stats := DashboardStats{
		TotalAccounts:       len(accts),
		TotalInstances:      len(instances),
		AccountsByProvider:  map[types.Provider]int{},
		InstancesByProvider: map[types.Provider]int{},
		InstancesByState:    map[string]int{},
		OpenRecommendations: len(open),
	}
	for _, acct := range accts {
		stats.AccountsByProvider[acct.Provider]++
		if acct.LastSyncAt != nil && (stats.LastSync == nil || acct.LastSyncAt.After(*stats.LastSync)) {
			t := *acct.LastSyncAt
			stats.LastSync = &t
		}
	}
	for _, inst := range instances {
		stats.InstancesByProvider[inst.Provider]++
		stats.InstancesByState[inst.State]++
	}
	for _, rec := range open {
		switch rec.Category {
		case types.CategoryFinOps:
			stats.FinOpsRecommendations++
		case types.CategorySecOps:
			stats.SecOpsRecommendations++
		}
	}

	c.JSON(http.StatusOK, stats)
}
