// Package api is the HTTP surface of the cascade engine: activation
// endpoints, status and tree views, the live outcome stream, and the
// operator endpoints that drive fund sweeps and the ledger auditor.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bitgpt/cascade-engine/internal/audit"
	"github.com/bitgpt/cascade-engine/internal/engine"
	"github.com/bitgpt/cascade-engine/internal/shadow"
	"github.com/bitgpt/cascade-engine/internal/worker"
)

// Config carries the router's deployment settings.
type Config struct {
	// AllowedOrigins is a comma-separated CORS allowlist; empty or "*"
	// allows everything.
	AllowedOrigins string
	// AuthToken protects the mutating and operator endpoints when set.
	AuthToken string
	// RatePerMin and Burst tune the per-IP limiter on mutating endpoints.
	RatePerMin int
	Burst      int
	// ChainConnected reports whether payment verification is live.
	ChainConnected bool
}

type APIHandler struct {
	engine   *engine.Engine
	hub      *Hub
	auditor  *audit.Auditor
	shadow   *shadow.Runner
	dispatch *worker.Dispatcher
	cfg      Config
	log      zerolog.Logger
}

// SetupRouter wires every endpoint. auditor, shadowRunner and dispatch
// may be nil; missing subsystems answer 503 and mutations run inline.
func SetupRouter(cfg Config, eng *engine.Engine, hub *Hub, auditor *audit.Auditor, shadowRunner *shadow.Runner, dispatch *worker.Dispatcher, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS allowlist, configurable per deployment.
	allowedOrigins := cfg.AllowedOrigins
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		engine:   eng,
		hub:      hub,
		auditor:  auditor,
		shadow:   shadowRunner,
		dispatch: dispatch,
		cfg:      cfg,
		log:      log.With().Str("component", "api").Logger(),
	}

	authRequired := AuthMiddleware(cfg.AuthToken, handler.log)
	ratePerMin, burst := cfg.RatePerMin, cfg.Burst
	if ratePerMin <= 0 {
		ratePerMin = 60
	}
	if burst <= 0 {
		burst = 20
	}
	limiter := NewRateLimiter(ratePerMin, burst)

	api := r.Group("/api/v1")
	{
		api.GET("/health", handler.handleHealth)
		api.GET("/stream", hub.Subscribe)
		api.GET("/metrics", gin.WrapH(promhttp.Handler()))

		api.GET("/status/:program/:user_id", handler.handleStatus)
		api.GET("/tree/:program/:user_id/:slot_no", handler.handleTree)
		api.GET("/ledger/:user_id", handler.handleLedger)
		api.GET("/commissions/:user_id", handler.handleCommissions)
		api.GET("/rank/:user_id", handler.handleRank)
		api.GET("/outcome/:correlation_id", handler.handleOutcome)

		mutating := api.Group("", authRequired, limiter.Middleware())
		{
			mutating.POST("/join/:program", handler.handleJoin)
			mutating.POST("/upgrade/:program", handler.handleUpgrade)
			mutating.POST("/progress/global/:user_id", handler.handleProgressGlobal)
			mutating.POST("/recycle/matrix/evaluate/:user_id/:slot_no", handler.handleEvaluateRecycle)
		}

		admin := api.Group("/admin", authRequired)
		{
			admin.POST("/sweep/:pool", handler.handleRunSweep)
			admin.POST("/queue/drain", handler.handleDrainQueue)
			admin.POST("/queue/void/:item_id", handler.handleVoidQueueItem)
			admin.POST("/rank/reset/:user_id", handler.handleResetRank)
			admin.POST("/audit", handler.handleStartAudit)
			admin.GET("/audit/progress", handler.handleAuditProgress)
			admin.GET("/shadow/drift", handler.handleShadowDrift)
		}
	}

	return r
}

// handleHealth returns engine status and capabilities for service
// discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "operational",
		"engine": "BitGPT Cascade Engine v1.0",
		"mother": h.engine.MotherID(),
		"capabilities": gin.H{
			"binary":           true,
			"matrix":           true,
			"global":           true,
			"auto_upgrade":     true,
			"matrix_recycle":   true,
			"fund_sweeps":      true,
			"ledger_audit":     h.auditor != nil,
			"shadow_routing":   h.shadow != nil,
			"chain_verifier":   h.cfg.ChainConnected,
		},
	})
}

// BroadcastAuditFinding adapts the hub into the auditor's alert callback.
func BroadcastAuditFinding(hub *Hub, log zerolog.Logger) func(audit.Finding) {
	return func(f audit.Finding) {
		payload, err := json.Marshal(gin.H{
			"type":    "audit_finding",
			"finding": f,
		})
		if err != nil {
			return
		}
		hub.Broadcast(payload)
		log.Warn().
			Int64("seq", f.Seq).
			Str("check", f.Check).
			Str("detail", f.Detail).
			Msg("audit finding broadcast")
	}
}
