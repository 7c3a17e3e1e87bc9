package store

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Lexiie/KangKlip/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb)
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &domain.JobRecord{
		JobID:       "kk_01ARZ3NDEKTSV4RRFFQ69G5FAV",
		JobToken:    "tok",
		Status:      domain.JobQueued,
		Stage:       domain.StageDownload,
		VideoURL:    "https://example.com/v.mp4",
		ClipSeconds: 30,
		ClipCount:   3,
		Language:    domain.LanguageEN,
	}
	require.NoError(t, s.CreateJob(ctx, rec))

	got, err := s.GetJob(ctx, rec.JobID)
	require.NoError(t, err)
	require.Equal(t, rec.Status, got.Status)
	require.Equal(t, rec.ClipCount, got.ClipCount)
	require.Equal(t, rec.VideoURL, got.VideoURL)
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(context.Background(), "kk_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateJobFieldsMergesPartially(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &domain.JobRecord{JobID: "kk_abc", Status: domain.JobQueued, VideoURL: "https://x"}
	require.NoError(t, s.CreateJob(ctx, rec))

	require.NoError(t, s.UpdateJobFields(ctx, rec.JobID, map[string]string{"status": string(domain.JobRunning)}))

	got, err := s.GetJob(ctx, rec.JobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobRunning, got.Status)
	require.Equal(t, "https://x", got.VideoURL)
}

// Given N concurrent unlock attempts for the same (jobId, clipFile) with
// distinct unlockRequestIds, exactly one observes charged_credits=1/new and
// the rest observe a zero-charge final outcome.
func TestTryConsumeCreditOnlyOneNewUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const attempts = 20
	results := make([]*domain.IdempotencyResult, attempts)
	errs := make([]error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reqID := "req-" + string(rune('a'+i))
			results[i], errs[i] = s.TryConsumeCredit(ctx, "kk_job", "clip_01.mp4", "wallet1", reqID, 1000)
		}(i)
	}
	wg.Wait()

	newCount := 0
	for i, r := range results {
		require.NoError(t, errs[i])
		if r.Idempotency == domain.OutcomeNew && r.ChargedCredits == 1 {
			newCount++
		}
	}
	require.Equal(t, 1, newCount, "exactly one concurrent attempt should charge a credit")

	spent, err := s.WalletSpend(ctx, "wallet1")
	require.NoError(t, err)
	require.Equal(t, int64(1), spent)
}

// Calling the primitive again with the same unlockRequestId returns the
// identical stored payload and never double-charges.
func TestTryConsumeCreditReplayIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.TryConsumeCredit(ctx, "kk_job", "clip_01.mp4", "wallet2", "req-dup", 1000)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeNew, first.Idempotency)
	require.Equal(t, 1, first.ChargedCredits)

	second, err := s.TryConsumeCredit(ctx, "kk_job", "clip_01.mp4", "wallet2", "req-dup", 1000)
	require.NoError(t, err)
	require.Equal(t, first.ChargedCredits, second.ChargedCredits)
	require.Equal(t, first.Unlocked, second.Unlocked)

	spent, err := s.WalletSpend(ctx, "wallet2")
	require.NoError(t, err)
	require.Equal(t, int64(1), spent, "replay must not double-charge")
}

// TestTryConsumeCreditCommitsOverOwnPendingMarker mirrors the unlock
// coordinator's real sequence: claim the request id with a pending marker,
// submit on chain, then commit through the primitive. The pending record must
// not replay as if it were a final outcome.
func TestTryConsumeCreditCommitsOverOwnPendingMarker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	began, err := s.BeginIdempotency(ctx, "req-pend", "kk_job", "clip_01.mp4")
	require.NoError(t, err)
	require.True(t, began)

	result, err := s.TryConsumeCredit(ctx, "kk_job", "clip_01.mp4", "wallet4", "req-pend", 1000)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeNew, result.Idempotency)
	require.Equal(t, 1, result.ChargedCredits)
	require.True(t, result.Unlocked)
	require.Equal(t, domain.IdempotencyFinal, result.Status)
}

func TestTryConsumeCreditInsufficientCredits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	result, err := s.TryConsumeCredit(ctx, "kk_job", "clip_99.mp4", "wallet3", "req-poor", 0)
	require.NoError(t, err)
	require.False(t, result.Unlocked)
	require.Equal(t, 0, result.ChargedCredits)
}

func TestClipUnlockMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	unlocked, err := s.IsClipUnlocked(ctx, "kk_j", "c.mp4")
	require.NoError(t, err)
	require.False(t, unlocked)

	require.NoError(t, s.SetClipUnlocked(ctx, "kk_j", "c.mp4"))

	unlocked, err = s.IsClipUnlocked(ctx, "kk_j", "c.mp4")
	require.NoError(t, err)
	require.True(t, unlocked)
}

func TestAuthNonceSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	nonce := "deadbeef"
	require.NoError(t, s.SetAuthNonce(ctx, nonce, domain.AuthNonce{Wallet: "w1", Challenge: "KANGKLIP_AUTH:deadbeef", ExpiresAt: 9999999999}))

	got, err := s.GetAndDeleteAuthNonce(ctx, nonce)
	require.NoError(t, err)
	require.Equal(t, "w1", got.Wallet)

	_, err = s.GetAndDeleteAuthNonce(ctx, nonce)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTopupSignatureSetOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.MarkTopupSignatureSeen(ctx, "sig1")
	require.NoError(t, err)
	require.True(t, first)

	second, err := s.MarkTopupSignatureSeen(ctx, "sig1")
	require.NoError(t, err)
	require.False(t, second)
}

func TestUnlockPendingLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetUnlockPending(ctx, "req1")
	require.ErrorIs(t, err, ErrNotFound)

	pending := domain.UnlockPending{JobID: "kk_j", ClipFile: "c.mp4", Wallet: "w1", TxSig: "sig123"}
	require.NoError(t, s.SetUnlockPending(ctx, "req1", pending))

	got, err := s.GetUnlockPending(ctx, "req1")
	require.NoError(t, err)
	require.Equal(t, pending, *got)

	require.NoError(t, s.DeleteUnlockPending(ctx, "req1"))
	_, err = s.GetUnlockPending(ctx, "req1")
	require.ErrorIs(t, err, ErrNotFound)
}
