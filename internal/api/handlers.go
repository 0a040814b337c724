package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bitgpt/cascade-engine/internal/engine"
	"github.com/bitgpt/cascade-engine/pkg/models"
)

// respondError maps the engine's error taxonomy onto HTTP statuses. The
// wire code travels alongside so clients can branch without parsing the
// message.
func (h *APIHandler) respondError(c *gin.Context, err error) {
	code := engine.Classify(err)
	status := http.StatusInternalServerError
	switch code {
	case engine.CodeValidation:
		status = http.StatusBadRequest
	case engine.CodeNotFound:
		status = http.StatusNotFound
	case engine.CodeConflict, engine.CodeInsufficientFunds, engine.CodeOutOfSequence:
		status = http.StatusConflict
	case engine.CodeTransient:
		status = http.StatusServiceUnavailable
		c.Header("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

// serialize funnels a mutation through the dispatcher partition owning
// (user, program) so concurrent events for one user apply in order. With
// no dispatcher wired the call runs inline.
func (h *APIHandler) serialize(c *gin.Context, userID string, p models.Program, fn func(ctx context.Context) error) error {
	if h.dispatch == nil {
		return fn(c.Request.Context())
	}
	return h.dispatch.Do(c.Request.Context(), userID+"/"+string(p), fn)
}

func parseProgram(c *gin.Context) (models.Program, bool) {
	p := models.Program(c.Param("program"))
	if !p.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown program, want binary, matrix or global",
			"code":  engine.CodeValidation,
		})
		return "", false
	}
	return p, true
}

func (h *APIHandler) handleJoin(c *gin.Context) {
	program, ok := parseProgram(c)
	if !ok {
		return
	}

	var req engine.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": engine.CodeValidation})
		return
	}
	req.Program = program

	var outcome *models.EventOutcome
	err := h.serialize(c, req.UserID, program, func(ctx context.Context) error {
		var err error
		outcome, err = h.engine.Join(ctx, req)
		return err
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"outcome": outcome})
}

func (h *APIHandler) handleUpgrade(c *gin.Context) {
	program, ok := parseProgram(c)
	if !ok {
		return
	}

	var req engine.UpgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": engine.CodeValidation})
		return
	}
	req.Program = program

	var outcome *models.EventOutcome
	err := h.serialize(c, req.UserID, program, func(ctx context.Context) error {
		var err error
		outcome, err = h.engine.Upgrade(ctx, req)
		return err
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"outcome": outcome})
}

func (h *APIHandler) handleStatus(c *gin.Context) {
	program, ok := parseProgram(c)
	if !ok {
		return
	}
	report, err := h.engine.Status(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":            report.User,
		"rank":            report.Rank,
		"program":         report.Programs[program],
		"wallets":         report.Wallets,
		"pendingUpgrades": report.Pending,
		"globalPhase":     report.Phase,
	})
}

func (h *APIHandler) handleTree(c *gin.Context) {
	program, ok := parseProgram(c)
	if !ok {
		return
	}
	slotNo, err := strconv.Atoi(c.Param("slot_no"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid slot number", "code": engine.CodeValidation})
		return
	}
	depth, _ := strconv.Atoi(c.DefaultQuery("depth", "0"))
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if page < 0 {
		page = 0
	}

	report, err := h.engine.TreeView(c.Request.Context(), program, slotNo, c.Param("user_id"), depth)
	if err != nil {
		h.respondError(c, err)
		return
	}

	// Nodes arrive breadth-first; page over them without re-walking.
	total := len(report.Nodes)
	start := page * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	c.JSON(http.StatusOK, gin.H{
		"root":       report.Root,
		"generation": report.Generation,
		"members":    report.Members,
		"nodes":      report.Nodes[start:end],
		"page":       page,
		"limit":      limit,
		"total":      total,
	})
}

func (h *APIHandler) handleProgressGlobal(c *gin.Context) {
	userID := c.Param("user_id")
	var state *models.GlobalPhaseState
	err := h.serialize(c, userID, models.ProgramGlobal, func(ctx context.Context) error {
		var err error
		state, err = h.engine.ProgressGlobal(ctx, userID)
		return err
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"phase": state})
}

func (h *APIHandler) handleEvaluateRecycle(c *gin.Context) {
	slotNo, err := strconv.Atoi(c.Param("slot_no"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid slot number", "code": engine.CodeValidation})
		return
	}
	userID := c.Param("user_id")
	var outcome *models.EventOutcome
	err = h.serialize(c, userID, models.ProgramMatrix, func(ctx context.Context) error {
		var err error
		outcome, err = h.engine.EvaluateRecycle(ctx, userID, slotNo)
		return err
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

func (h *APIHandler) handleLedger(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := h.engine.LedgerOf(c.Request.Context(), c.Param("user_id"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (h *APIHandler) handleCommissions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := h.engine.CommissionsOf(c.Request.Context(), c.Param("user_id"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commissions": events, "count": len(events)})
}

func (h *APIHandler) handleRank(c *gin.Context) {
	info, err := h.engine.RankOf(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rank": info})
}

func (h *APIHandler) handleOutcome(c *gin.Context) {
	outcome, err := h.engine.OutcomeOf(c.Request.Context(), c.Param("correlation_id"))
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no outcome recorded for correlation id", "code": engine.CodeNotFound})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}
