package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"trustedge_backend/internal/services"
)

const apiVersion = "1.0.0"

// PlatformHandler serves the unauthenticated service endpoints: the API
// index, the composite health check and the chain status probes.
type PlatformHandler struct {
	db    *gorm.DB
	ai    *services.AIService
	chain *services.ChainService
	cache *services.RedisCache
}

func NewPlatformHandler(db *gorm.DB, ai *services.AIService, chain *services.ChainService, cache *services.RedisCache) *PlatformHandler {
	return &PlatformHandler{db: db, ai: ai, chain: chain, cache: cache}
}

// Root lists the main endpoint groups so the bare URL is self-describing.
func (h *PlatformHandler) Root(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"app":     "TrustEdge Lending API",
		"version": apiVersion,
		"health":  "/health",
		"endpoints": echo.Map{
			"auth":         "/auth",
			"applications": "/applications",
			"loans":        "/loans",
			"payments":     "/payments",
			"kyc":          "/kyc",
			"staff":        "/staff",
			"ai":           "/ai",
			"chain":        "/chain",
			"contact":      "/contact",
		},
	})
}

// Health reports the API plus each dependency. The endpoint itself always
// answers 200; "status" flips to degraded when a dependency is down so
// probes can tell a sick deployment from a dead one.
func (h *PlatformHandler) Health(c echo.Context) error {
	ctx := c.Request().Context()
	status := "ok"

	dbStatus := "ok"
	if sqlDB, err := h.db.DB(); err != nil {
		dbStatus = err.Error()
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = err.Error()
	}
	if dbStatus != "ok" {
		status = "degraded"
	}

	// Redis is optional; "disabled" means it was never configured, which is
	// healthy. Configured but unreachable is not.
	redisStatus := "disabled"
	if h.cache != nil {
		redisStatus = "ok"
		if err := h.cache.Ping(ctx); err != nil {
			redisStatus = err.Error()
			status = "degraded"
		}
	}

	aiStatus, err := h.ai.Health(ctx)
	if err != nil {
		status = "degraded"
		aiStatus = map[string]any{"status": "unreachable", "error": err.Error()}
	}

	chainStatus := h.chain.Status(ctx)
	if h.chain.Configured() && !chainStatus.Connected {
		status = "degraded"
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status": status,
		"db":     dbStatus,
		"redis":  redisStatus,
		"ai":     aiStatus,
		"chain": echo.Map{
			"configured": h.chain.Configured(),
			"connected":  chainStatus.Connected,
		},
	})
}

// ChainStatus reports RPC connectivity and the latest block number.
func (h *PlatformHandler) ChainStatus(c echo.Context) error {
	st := h.chain.Status(c.Request().Context())
	return c.JSON(http.StatusOK, echo.Map{
		"connected":    st.Connected,
		"block_number": st.BlockNumber,
		"chain_id":     st.ChainID,
	})
}

// ChainContract returns the configured loan registry contract address.
func (h *PlatformHandler) ChainContract(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"address": h.chain.ContractAddress(),
	})
}

// Favicon answers browsers poking the API root directly.
func (h *PlatformHandler) Favicon(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}
