package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"rollup-sequencer/internal/models"
	"rollup-sequencer/internal/repository"
	"rollup-sequencer/internal/services"
)

// TxReceiver admits client proofs into the pool
type TxReceiver interface {
	ReceiveTx(ctx context.Context, proofData, viewingKeys, signature []byte) (*models.TxDao, error)
}

// TxHandler serves the client tx API
type TxHandler struct {
	receiver TxReceiver
	rollupDb repository.RollupDb
	logger   *logrus.Logger
}

func NewTxHandler(receiver TxReceiver, rollupDb repository.RollupDb, logger *logrus.Logger) *TxHandler {
	return &TxHandler{
		receiver: receiver,
		rollupDb: rollupDb,
		logger:   logger,
	}
}

// SubmitTxRequest body of POST /api/txs, all fields 0x hex
type SubmitTxRequest struct {
	ProofData   hexutil.Bytes `json:"proof_data" binding:"required"`
	ViewingKeys hexutil.Bytes `json:"viewing_keys"`
	Signature   hexutil.Bytes `json:"signature"`
}

// SubmitTxHandler adds a client proof to the pool
// POST /api/txs
func (h *TxHandler) SubmitTxHandler(c *gin.Context) {
	var req SubmitTxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body", err.Error())
		return
	}

	tx, err := h.receiver.ReceiveTx(c.Request.Context(), req.ProofData, req.ViewingKeys, req.Signature)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrDuplicateTx):
			respondWithError(c, http.StatusConflict, "DUPLICATE_TX", err.Error(), nil)
		case errors.Is(err, services.ErrInvalidTx),
			errors.Is(err, services.ErrNullifierSpent),
			errors.Is(err, services.ErrMissingSignature):
			respondWithError(c, http.StatusBadRequest, "TX_REJECTED", err.Error(), nil)
		default:
			h.logger.WithError(err).Error("❌ Failed to receive tx")
			respondWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to receive tx", nil)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"tx_id":   tx.ID,
		"seq":     tx.Seq,
	})
}

// GetTxHandler returns a pooled or batched tx
// GET /api/txs/:id
func (h *TxHandler) GetTxHandler(c *gin.Context) {
	tx, err := h.rollupDb.GetTx(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.WithError(err).Error("❌ Failed to load tx")
		respondWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load tx", nil)
		return
	}
	if tx == nil {
		respondWithError(c, http.StatusNotFound, "NOT_FOUND", "Tx not found", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tx": tx})
}
