// Package unlock implements the unlock coordinator: the idempotent
// per-(job,clip,unlockRequestId) state machine that gates clip delivery
// behind an on-chain consume_credit transaction.
package unlock

import (
	"context"

	"github.com/Lexiie/KangKlip/internal/apierror"
	"github.com/Lexiie/KangKlip/internal/credit"
	"github.com/Lexiie/KangKlip/internal/domain"
	"github.com/Lexiie/KangKlip/internal/logger"
	"github.com/Lexiie/KangKlip/internal/metrics"
	"github.com/Lexiie/KangKlip/internal/store"
)

const unlockAmount = 1

// creditService is the subset of credit.Service the coordinator depends on,
// narrowed to an interface so tests can substitute a fake chain outcome
// without standing up an RPC connection.
type creditService interface {
	Balance(ctx context.Context, wallet string) (uint64, error)
	Consume(ctx context.Context, wallet string, amount uint64, memo string) (*credit.ConsumeResult, error)
}

// Coordinator runs the unlock state machine for a single (jobId, clipFile,
// unlockRequestId) tuple per call.
type Coordinator struct {
	store   *store.Store
	credit  creditService
	metrics *metrics.Tracker
	logger  logger.Logger
}

// New constructs a Coordinator.
func New(s *store.Store, c creditService, m *metrics.Tracker, log logger.Logger) *Coordinator {
	return &Coordinator{store: s, credit: c, metrics: m, logger: log}
}

// Request identifies one unlock attempt.
type Request struct {
	JobID           string
	ClipFile        string
	Wallet          string
	UnlockRequestID string
}

// Unlock runs the 8-step state machine and returns the authoritative,
// replayable outcome for this unlockRequestId.
func (c *Coordinator) Unlock(ctx context.Context, req Request) (*domain.IdempotencyResult, error) {
	// Step 1: recover pending — a prior attempt may have submitted on chain
	// and crashed before committing locally.
	if result, done, err := c.recoverPending(ctx, req); done {
		return result, err
	}

	// Step 2: fast path — this request id already has a final/pending outcome.
	if result, done, err := c.fastPathIdempotent(ctx, req); done {
		return result, err
	}

	// Step 3: fast path — already unlocked by a different request id.
	if result, done, err := c.fastPathAlreadyUnlocked(ctx, req); done {
		return result, err
	}

	// Step 4: begin — claim this request id exclusively.
	began, err := c.store.BeginIdempotency(ctx, req.UnlockRequestID, req.JobID, req.ClipFile)
	if err != nil {
		return nil, apierror.Internal("failed to begin unlock", err)
	}
	if !began {
		// Someone else won the race to begin; re-read and return whatever
		// is now authoritative for this request id.
		return c.rereadIdempotency(ctx, req)
	}

	// Step 5: funding check.
	balance, err := c.credit.Balance(ctx, req.Wallet)
	if err != nil {
		return nil, err
	}
	if balance < unlockAmount {
		result := domain.IdempotencyResult{
			JobID: req.JobID, ClipFile: req.ClipFile,
			Unlocked: false, ChargedCredits: 0,
			Idempotency: domain.OutcomeNew, Status: domain.IdempotencyFinal,
		}
		if err := c.store.WriteIdempotencyResult(ctx, req.UnlockRequestID, result); err != nil {
			return nil, apierror.Internal("failed to record insufficient-credit outcome", err)
		}
		c.recordDenied()
		return &result, apierror.PaymentRequired("insufficient on-chain credits")
	}

	// Step 6: submit on chain.
	consumeResult, err := c.credit.Consume(ctx, req.Wallet, unlockAmount, req.UnlockRequestID)
	if err != nil {
		return c.handleConsumeFailure(ctx, req, err)
	}

	// Step 7: record pending (crash-recovery marker).
	pending := domain.UnlockPending{
		JobID: req.JobID, ClipFile: req.ClipFile, Wallet: req.Wallet, TxSig: consumeResult.TxSignature,
	}
	if err := c.store.SetUnlockPending(ctx, req.UnlockRequestID, pending); err != nil {
		return nil, apierror.Internal("failed to record unlock pending", err)
	}

	// Step 8: commit.
	return c.commit(ctx, req, balance)
}

func (c *Coordinator) recoverPending(ctx context.Context, req Request) (*domain.IdempotencyResult, bool, error) {
	pending, err := c.store.GetUnlockPending(ctx, req.UnlockRequestID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, false, nil
		}
		return nil, true, apierror.Internal("failed to check unlock pending", err)
	}
	if pending.JobID != req.JobID || pending.ClipFile != req.ClipFile {
		return nil, false, nil
	}

	if err := c.store.SetClipUnlocked(ctx, req.JobID, req.ClipFile); err != nil {
		return nil, true, apierror.Internal("failed to commit recovered unlock", err)
	}
	if err := c.store.DeleteUnlockPending(ctx, req.UnlockRequestID); err != nil {
		return nil, true, apierror.Internal("failed to clear unlock pending", err)
	}

	result := domain.IdempotencyResult{
		JobID: req.JobID, ClipFile: req.ClipFile,
		Unlocked: true, ChargedCredits: 0,
		Idempotency: domain.OutcomeReplay, Status: domain.IdempotencyFinal,
	}
	if err := c.store.WriteIdempotencyResult(ctx, req.UnlockRequestID, result); err != nil {
		return nil, true, apierror.Internal("failed to record recovered unlock outcome", err)
	}
	c.recordReplay()
	return &result, true, nil
}

func (c *Coordinator) fastPathAlreadyUnlocked(ctx context.Context, req Request) (*domain.IdempotencyResult, bool, error) {
	unlocked, err := c.store.IsClipUnlocked(ctx, req.JobID, req.ClipFile)
	if err != nil {
		return nil, true, apierror.Internal("failed to check clip unlock", err)
	}
	if !unlocked {
		return nil, false, nil
	}

	result := domain.IdempotencyResult{
		JobID: req.JobID, ClipFile: req.ClipFile,
		Unlocked: true, ChargedCredits: 0,
		Idempotency: domain.OutcomeReplay, Status: domain.IdempotencyFinal,
	}
	if err := c.store.WriteIdempotencyResult(ctx, req.UnlockRequestID, result); err != nil {
		return nil, true, apierror.Internal("failed to record replay outcome", err)
	}
	c.recordReplay()
	return &result, true, nil
}

func (c *Coordinator) fastPathIdempotent(ctx context.Context, req Request) (*domain.IdempotencyResult, bool, error) {
	existing, err := c.store.GetIdempotencyResult(ctx, req.UnlockRequestID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, false, nil
		}
		return nil, true, apierror.Internal("failed to check idempotency result", err)
	}

	if existing.Status == domain.IdempotencyPending {
		return existing, true, apierror.Conflict("unlock already in progress for this request id")
	}
	if existing.Idempotency == domain.OutcomeReplay {
		c.recordReplay()
	}
	return existing, true, nil
}

func (c *Coordinator) rereadIdempotency(ctx context.Context, req Request) (*domain.IdempotencyResult, error) {
	existing, err := c.store.GetIdempotencyResult(ctx, req.UnlockRequestID)
	if err != nil {
		return nil, apierror.Internal("failed to re-read idempotency result after contested begin", err)
	}
	if existing.Status == domain.IdempotencyPending {
		return existing, apierror.Conflict("unlock already in progress for this request id")
	}
	return existing, nil
}

// handleConsumeFailure re-reads on-chain credits to distinguish a true
// insufficient-funds failure from a transient chain error, and downgrades
// the idempotency record to a terminal New/unlocked=false outcome so the
// burned request id can never be retried into a double charge.
func (c *Coordinator) handleConsumeFailure(ctx context.Context, req Request, consumeErr error) (*domain.IdempotencyResult, error) {
	result := domain.IdempotencyResult{
		JobID: req.JobID, ClipFile: req.ClipFile,
		Unlocked: false, ChargedCredits: 0,
		Idempotency: domain.OutcomeNew, Status: domain.IdempotencyFinal,
	}
	if err := c.store.WriteIdempotencyResult(ctx, req.UnlockRequestID, result); err != nil {
		c.logger.Error("failed to downgrade idempotency result after consume failure", logger.Error(err))
	}

	balance, balErr := c.credit.Balance(ctx, req.Wallet)
	if balErr == nil && balance < unlockAmount {
		return &result, apierror.PaymentRequired("insufficient on-chain credits")
	}
	c.logger.Error("consume_credit failed", logger.String("job_id", req.JobID), logger.Error(consumeErr))
	return &result, apierror.Upstream("chain submission failed", consumeErr)
}

func (c *Coordinator) commit(ctx context.Context, req Request, availableCredits uint64) (*domain.IdempotencyResult, error) {
	result, err := c.store.TryConsumeCredit(ctx, req.JobID, req.ClipFile, req.Wallet, req.UnlockRequestID, int64(availableCredits))
	if err != nil {
		return nil, apierror.Internal("failed to commit unlock", err)
	}

	if err := c.store.DeleteUnlockPending(ctx, req.UnlockRequestID); err != nil {
		c.logger.Error("failed to clear unlock pending after commit", logger.Error(err))
	}

	if result.Idempotency == domain.OutcomeNew && result.ChargedCredits == 1 {
		c.recordNew()
	} else {
		c.recordReplay()
	}
	return result, nil
}

func (c *Coordinator) recordNew() {
	if c.metrics != nil {
		c.metrics.UnlockNew()
	}
}

func (c *Coordinator) recordReplay() {
	if c.metrics != nil {
		c.metrics.UnlockReplay()
	}
}

func (c *Coordinator) recordDenied() {
	if c.metrics != nil {
		c.metrics.UnlockDenied()
	}
}
