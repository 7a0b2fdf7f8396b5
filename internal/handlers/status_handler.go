package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"rollup-sequencer/internal/repository"
)

// Pipeline is the view of the coordinator the status and admin endpoints need
type Pipeline interface {
	IsRunning() bool
	NextRollupID() uint64
	InnerProofCount() int
	Err() error
	Flush()
}

// StatusHandler serves pipeline status and operator actions
type StatusHandler struct {
	pipeline Pipeline
	rollupDb repository.RollupDb
	logger   *logrus.Logger
}

func NewStatusHandler(pipeline Pipeline, rollupDb repository.RollupDb, logger *logrus.Logger) *StatusHandler {
	return &StatusHandler{
		pipeline: pipeline,
		rollupDb: rollupDb,
		logger:   logger,
	}
}

// GetStatusHandler reports pipeline progress
// GET /api/status
func (h *StatusHandler) GetStatusHandler(c *gin.Context) {
	ctx := c.Request.Context()
	pending, err := h.rollupDb.GetPendingTxCount(ctx)
	if err != nil {
		h.logger.WithError(err).Error("❌ Failed to count pending txs")
		respondWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load status", nil)
		return
	}

	status := gin.H{
		"running":        h.pipeline.IsRunning(),
		"next_rollup_id": h.pipeline.NextRollupID(),
		"inner_proofs":   h.pipeline.InnerProofCount(),
		"pending_txs":    pending,
	}
	if err := h.pipeline.Err(); err != nil {
		status["last_error"] = err.Error()
	}

	last, err := h.rollupDb.GetLastSettledRollup(ctx)
	if err != nil {
		h.logger.WithError(err).Warn("⚠️ Failed to load last settled rollup")
	} else if last != nil {
		status["last_settled_rollup"] = last
	}

	c.JSON(http.StatusOK, status)
}

// GetRollupHandler returns an outer rollup
// GET /api/rollups/:id
func (h *StatusHandler) GetRollupHandler(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		respondWithError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid rollup id", nil)
		return
	}
	rollup, err := h.rollupDb.GetRollup(c.Request.Context(), id)
	if err != nil {
		h.logger.WithError(err).Error("❌ Failed to load rollup")
		respondWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load rollup", nil)
		return
	}
	if rollup == nil {
		respondWithError(c, http.StatusNotFound, "NOT_FOUND", "Rollup not found", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rollup": rollup})
}

// FlushHandler publishes whatever is pending on the next cycle
// POST /api/admin/flush
func (h *StatusHandler) FlushHandler(c *gin.Context) {
	h.pipeline.Flush()
	h.logger.WithField("admin", c.GetString("admin_username")).Info("🚿 Flush requested")
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"next_rollup_id": h.pipeline.NextRollupID(),
	})
}
