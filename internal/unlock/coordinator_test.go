package unlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Lexiie/KangKlip/internal/credit"
	"github.com/Lexiie/KangKlip/internal/domain"
	"github.com/Lexiie/KangKlip/internal/logger"
	"github.com/Lexiie/KangKlip/internal/store"
)

// fakeCredit simulates an on-chain wallet with a fixed starting balance; each
// Consume call debits it exactly once, mirroring real chain settlement.
type fakeCredit struct {
	mu      sync.Mutex
	balance map[string]uint64
	fail    bool
}

func newFakeCredit(balances map[string]uint64) *fakeCredit {
	return &fakeCredit{balance: balances}
}

func (f *fakeCredit) Balance(ctx context.Context, wallet string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance[wallet], nil
}

func (f *fakeCredit) Consume(ctx context.Context, wallet string, amount uint64, memo string) (*credit.ConsumeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, context.DeadlineExceeded
	}
	if f.balance[wallet] < amount {
		return nil, context.DeadlineExceeded
	}
	f.balance[wallet] -= amount
	return &credit.ConsumeResult{TxSignature: "sig-" + memo}, nil
}

func newTestCoordinator(t *testing.T, fc *fakeCredit) *Coordinator {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(store.New(rdb), fc, nil, logger.Must(logger.Config{Level: "error"}))
}

// TestUnlockOnlyOneNewUnderConcurrency checks that concurrent unlock
// attempts for the same clip charge at most one credit.
func TestUnlockOnlyOneNewUnderConcurrency(t *testing.T) {
	fc := newFakeCredit(map[string]uint64{"wallet1": 1})
	coord := newTestCoordinator(t, fc)
	ctx := context.Background()

	const attempts = 10
	var newCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := coord.Unlock(ctx, Request{
				JobID: "kk_job", ClipFile: "clip_01.mp4", Wallet: "wallet1",
				UnlockRequestID: "req-" + string(rune('a'+i)),
			})
			if err == nil && result.ChargedCredits == 1 {
				newCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	require.LessOrEqual(t, int(newCount.Load()), 1)
}

// TestUnlockReplayReturnsSameOutcome checks that retrying with the same
// request id observes the original outcome.
func TestUnlockReplayReturnsSameOutcome(t *testing.T) {
	fc := newFakeCredit(map[string]uint64{"wallet1": 1})
	coord := newTestCoordinator(t, fc)
	ctx := context.Background()

	req := Request{JobID: "kk_job", ClipFile: "clip_01.mp4", Wallet: "wallet1", UnlockRequestID: "R1"}

	first, err := coord.Unlock(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1, first.ChargedCredits)

	second, err := coord.Unlock(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.Unlocked, second.Unlocked)
	require.Equal(t, first.ChargedCredits, second.ChargedCredits)
	require.Equal(t, first.Idempotency, second.Idempotency)
}

func TestUnlockInsufficientCreditsReturns402(t *testing.T) {
	fc := newFakeCredit(map[string]uint64{"wallet1": 0})
	coord := newTestCoordinator(t, fc)
	ctx := context.Background()

	result, err := coord.Unlock(ctx, Request{
		JobID: "kk_job", ClipFile: "clip_01.mp4", Wallet: "wallet1", UnlockRequestID: "R1",
	})
	require.Error(t, err)
	require.False(t, result.Unlocked)
	require.Equal(t, 0, result.ChargedCredits)
}

func TestUnlockSecondWalletIndependent(t *testing.T) {
	fc := newFakeCredit(map[string]uint64{"w1": 1, "w2": 1})
	coord := newTestCoordinator(t, fc)
	ctx := context.Background()

	r1, err := coord.Unlock(ctx, Request{JobID: "kk_a", ClipFile: "c.mp4", Wallet: "w1", UnlockRequestID: "ra"})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeNew, r1.Idempotency)

	r2, err := coord.Unlock(ctx, Request{JobID: "kk_b", ClipFile: "c.mp4", Wallet: "w2", UnlockRequestID: "rb"})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeNew, r2.Idempotency)
}
