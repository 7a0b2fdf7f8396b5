package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"rollup-sequencer/internal/metrics"
	"rollup-sequencer/internal/models"
	"rollup-sequencer/internal/repository"
	"rollup-sequencer/internal/types"
	"rollup-sequencer/internal/worldstate"
)

// ClaimProofCreator turns settled defi interaction results into claim txs
type ClaimProofCreator struct {
	rollupDb       repository.RollupDb
	worldStateDb   WorldStateDb
	proofGenerator ProofGenerator
	intr           *interrupter
	logger         *logrus.Entry
}

func NewClaimProofCreator(rollupDb repository.RollupDb, worldStateDb WorldStateDb, proofGenerator ProofGenerator, logger *logrus.Logger) *ClaimProofCreator {
	return &ClaimProofCreator{
		rollupDb:       rollupDb,
		worldStateDb:   worldStateDb,
		proofGenerator: proofGenerator,
		intr:           newInterrupter(),
		logger:         logger.WithField("component", "claim_proof_creator"),
	}
}

// ComputeClaimOutputs returns a depositor's pro-rata share of a bridge call's outputs
func ComputeClaimOutputs(note *types.DefiInteractionNote, depositValue *uint256.Int) (*uint256.Int, *uint256.Int) {
	if !note.Result || note.TotalInputValue == nil || note.TotalInputValue.IsZero() {
		return new(uint256.Int), new(uint256.Int)
	}
	share := func(total *uint256.Int) *uint256.Int {
		if total == nil {
			return new(uint256.Int)
		}
		out, overflow := new(uint256.Int).MulDivOverflow(total, depositValue, note.TotalInputValue)
		if overflow {
			return new(uint256.Int)
		}
		return out
	}
	return share(note.TotalOutputValueA), share(note.TotalOutputValueB)
}

// Create builds a claim proof for every claim whose interaction result is in
// the defi tree and adds it to the pool. A missing proof is fatal.
func (c *ClaimProofCreator) Create(ctx context.Context) (int, error) {
	claims, err := c.rollupDb.GetClaimsToRollup(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load claims: %w", err)
	}
	if len(claims) == 0 {
		return 0, nil
	}

	dataRoot, err := c.worldStateDb.GetRoot(worldstate.DataTree)
	if err != nil {
		return 0, err
	}
	defiRoot, err := c.worldStateDb.GetRoot(worldstate.DefiTree)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, claim := range claims {
		if err := c.createClaimProof(ctx, claim, dataRoot, defiRoot); err != nil {
			return created, err
		}
		created++
	}
	c.logger.WithField("claims", created).Info("✅ Claim proofs created")
	return created, nil
}

func (c *ClaimProofCreator) createClaimProof(ctx context.Context, claim *models.ClaimDao, dataRoot, defiRoot common.Hash) error {
	log := c.logger.WithFields(logrus.Fields{
		"claim_id": claim.ID,
		"nonce":    claim.InteractionNonce,
	})

	noteDao, err := c.rollupDb.GetDefiInteractionNote(ctx, claim.InteractionNonce)
	if err != nil {
		return fmt.Errorf("failed to load defi interaction note %d: %w", claim.InteractionNonce, err)
	}
	if noteDao == nil {
		log.Warn("⚠️ Interaction note not found, skipping claim")
		return nil
	}
	note := noteDao.Note()

	claimPath, err := c.worldStateDb.GetHashPath(worldstate.DataTree, uint256.NewInt(claim.NoteIndex))
	if err != nil {
		return err
	}
	defiPath, err := c.worldStateDb.GetHashPath(worldstate.DefiTree, uint256.NewInt(claim.InteractionNonce))
	if err != nil {
		return err
	}

	deposit, err := uint256.FromDecimal(claim.DepositValue)
	if err != nil {
		return fmt.Errorf("claim %s has invalid deposit value %q: %w", claim.ID, claim.DepositValue, err)
	}
	outputA, outputB := ComputeClaimOutputs(note, deposit)

	request := &types.ClaimProofRequest{
		RequestID:      uuid.New().String(),
		DataRoot:       dataRoot,
		DefiRoot:       defiRoot,
		ClaimNoteIndex: claim.NoteIndex,
		ClaimNotePath:  claimPath,
		DefiNoteIndex:  claim.InteractionNonce,
		DefiNotePath:   defiPath,
		DefiNote:       note.Encode(),
		ClaimNullifier: common.HexToHash(claim.Nullifier),
		BridgeID:       common.HexToHash(claim.BridgeID),
		DepositValue:   deposit.Dec(),
		OutputValueA:   outputA.Dec(),
		OutputValueB:   outputB.Dec(),
		Fee:            claim.Fee,
	}
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal claim proof request: %w", err)
	}

	start := time.Now()
	proof, err := raceInterrupt(ctx, c.intr, func(ctx context.Context) ([]byte, error) {
		return c.proofGenerator.CreateProof(ctx, body)
	})
	if isInterrupt(ctx, err) {
		return ErrInterrupted
	}
	if err != nil {
		return fmt.Errorf("%w: claim %s: %v", ErrClaimProofFailed, claim.ID, err)
	}
	if len(proof) == 0 {
		return fmt.Errorf("%w: claim %s: empty proof", ErrClaimProofFailed, claim.ID)
	}
	metrics.ProofGenerationDuration.WithLabelValues("claim").Observe(time.Since(start).Seconds())

	tx, err := models.NewTxDao(proof, nil, nil, 0, time.Now())
	if err != nil {
		return fmt.Errorf("%w: claim %s: %v", ErrClaimProofFailed, claim.ID, err)
	}
	if tx.Type() != types.TxTypeDefiClaim {
		return fmt.Errorf("%w: claim %s: prover returned a %s proof", ErrClaimProofFailed, claim.ID, tx.Type())
	}
	if err := c.rollupDb.AddTx(ctx, tx); err != nil {
		return fmt.Errorf("failed to add claim tx: %w", err)
	}
	if err := c.rollupDb.ConfirmClaimTx(ctx, claim.ID, tx.ID); err != nil {
		return fmt.Errorf("failed to link claim tx: %w", err)
	}

	metrics.ClaimProofsCreated.Inc()
	log.WithFields(logrus.Fields{
		"tx_id":    tx.ID,
		"output_a": outputA.Dec(),
		"output_b": outputB.Dec(),
	}).Info("🎯 Claim proof added to pool")
	return nil
}

func (c *ClaimProofCreator) Interrupt() {
	c.intr.Interrupt()
}

func (c *ClaimProofCreator) ClearInterrupt() {
	c.intr.Clear()
}
