package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/newhackerman/tenbin2api/internal/account"
	log "github.com/newhackerman/tenbin2api/internal/logging"
	"github.com/newhackerman/tenbin2api/internal/usage"
)

// statsResponse combines live counters, pool health, and (when a
// persistence backend is configured) the last 30 days of aggregates.
type statsResponse struct {
	Counters  usage.CounterSnapshot   `json:"counters"`
	Accounts  []account.AccountStatus `json:"accounts"`
	ByDay     []usage.DailyStats      `json:"by_day,omitempty"`
	ByModel   []usage.ModelStats      `json:"by_model,omitempty"`
	ByAccount []usage.AccountStats    `json:"by_account,omitempty"`
}

// Stats serves GET /stats.
func (h *Handler) Stats(c *gin.Context) {
	resp := statsResponse{
		Counters: h.tracker.Snapshot(),
		Accounts: h.reg.Pool().Snapshot(),
	}

	if backend := h.tracker.Backend(); backend != nil {
		ctx := c.Request.Context()
		since := time.Now().AddDate(0, 0, -30)

		if byDay, err := backend.QueryDailyStats(ctx, since); err != nil {
			log.Warnf("daily stats query failed: %v", err)
		} else {
			resp.ByDay = byDay
		}
		if byModel, err := backend.QueryModelStats(ctx, since); err != nil {
			log.Warnf("model stats query failed: %v", err)
		} else {
			resp.ByModel = byModel
		}
		if byAccount, err := backend.QueryAccountStats(ctx, since); err != nil {
			log.Warnf("account stats query failed: %v", err)
		} else {
			resp.ByAccount = byAccount
		}
	}

	c.JSON(http.StatusOK, resp)
}
