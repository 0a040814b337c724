package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bitgpt/cascade-engine/internal/engine"
	"github.com/bitgpt/cascade-engine/pkg/models"
)

// handleRunSweep triggers one fund distribution pass by pool name. The
// schedulers run these on their own cadence; this endpoint exists for
// operators forcing an off-cycle run.
func (h *APIHandler) handleRunSweep(c *gin.Context) {
	pool := models.PoolName(c.Param("pool"))
	ctx := c.Request.Context()

	var (
		written []models.LedgerEntry
		err     error
	)
	switch pool {
	case models.PoolSpark:
		written, err = h.engine.DistributeSpark(ctx)
	case models.PoolTripleEntry:
		written, err = h.engine.PayTripleEntry(ctx)
	case models.PoolNewcomerUpline:
		written, err = h.engine.DistributeNewcomerFunds(ctx)
	case models.PoolLeadershipStipend:
		written, err = h.engine.PayLeadershipStipend(ctx)
	case models.PoolRoyalCaptain, models.PoolPresident, models.PoolDreamMatrix:
		// The award pools share one eligibility pass.
		written, err = h.engine.PayAwards(ctx)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown pool, want spark, triple_entry, newcomer_upline, leadership_stipend, royal_captain, president or dream_matrix",
			"code":  engine.CodeValidation,
		})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.log.Info().Str("pool", string(pool)).Int("payouts", len(written)).Msg("manual sweep complete")
	c.JSON(http.StatusOK, gin.H{"pool": pool, "payouts": len(written), "entries": written})
}

// handleDrainQueue runs one bounded pass over the pending auto-upgrade
// queue.
func (h *APIHandler) handleDrainQueue(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	processed, err := h.engine.ProcessPendingUpgrades(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": processed})
}

func (h *APIHandler) handleVoidQueueItem(c *gin.Context) {
	var req struct {
		UserID  string         `json:"userId" binding:"required"`
		Program models.Program `json:"program" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId and program required", "code": engine.CodeValidation})
		return
	}
	if err := h.engine.VoidUpgrade(c.Request.Context(), c.Param("item_id"), req.UserID, req.Program); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"voided": c.Param("item_id")})
}

func (h *APIHandler) handleResetRank(c *gin.Context) {
	info, err := h.engine.ResetRank(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rank": info})
}

// handleStartAudit kicks off an async ledger sweep from the given
// sequence. One sweep runs at a time; a second request while one is in
// flight gets 409.
func (h *APIHandler) handleStartAudit(c *gin.Context) {
	if h.auditor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auditor not configured", "code": engine.CodeTransient})
		return
	}
	afterSeq, _ := strconv.ParseInt(c.DefaultQuery("after_seq", "0"), 10, 64)
	if !h.auditor.SweepRange(c.Request.Context(), afterSeq) {
		c.JSON(http.StatusConflict, gin.H{"error": "a sweep is already running", "code": engine.CodeConflict})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"started": true, "after_seq": afterSeq})
}

func (h *APIHandler) handleAuditProgress(c *gin.Context) {
	if h.auditor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auditor not configured", "code": engine.CodeTransient})
		return
	}
	c.JSON(http.StatusOK, h.auditor.GetProgress())
}

// handleShadowDrift reports the candidate router's divergence from
// production since the last reset. ?reset=true clears the counters after
// reporting.
func (h *APIHandler) handleShadowDrift(c *gin.Context) {
	if h.shadow == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shadow routing not configured", "code": engine.CodeTransient})
		return
	}
	report := h.shadow.Report()
	if c.Query("reset") == "true" {
		h.shadow.Reset()
	}
	c.JSON(http.StatusOK, report)
}
