// Package store is the Redis-backed key-value service behind the job
// lifecycle, credit bookkeeping, and authentication records. All entities
// are tagged records decoded at the store boundary; untyped payloads never
// leak past this package.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Lexiie/KangKlip/internal/domain"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("store: not found")

// TTLs for the store's time-limited entities.
const (
	IdempotencyTTL   = 300 * time.Second
	UnlockPendingTTL = 24 * time.Hour
	AuthNonceTTL     = 300 * time.Second
	AuthTokenTTL     = 24 * time.Hour
)

// Store is the Redis-backed job/credit/auth key-value service.
type Store struct {
	rdb              *redis.Client
	tryConsumeCredit *redis.Script
}

// New wraps an existing Redis client in a Store.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, tryConsumeCredit: redis.NewScript(tryConsumeCreditLua)}
}

// NewClient constructs a go-redis client from a REDIS_URL-style connection
// string and verifies connectivity.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Ping verifies the underlying Redis connection is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func jobKey(jobID string) string              { return "job:" + jobID }
func clipUnlockKey(jobID, clip string) string { return "clip_unlock:" + jobID + ":" + clip }
func walletSpendKey(wallet string) string     { return "wallet_spend:" + wallet }
func idempotencyKey(reqID string) string      { return "idempotency:" + reqID }
func unlockPendingKey(reqID string) string    { return "unlock_pending:" + reqID }
func authNonceKey(nonce string) string        { return "auth_nonce:" + nonce }
func authTokenKey(token string) string        { return "auth_token:" + token }
func topupSigKey(sig string) string           { return "topup_sig:" + sig }

// ---- JobRecord ----

// CreateJob persists a freshly created JobRecord.
func (s *Store) CreateJob(ctx context.Context, rec *domain.JobRecord) error {
	fields := jobRecordToHash(rec)
	if err := s.rdb.HSet(ctx, jobKey(rec.JobID), fields).Err(); err != nil {
		return fmt.Errorf("create job %s: %w", rec.JobID, err)
	}
	return nil
}

// GetJob fetches a JobRecord by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	res, err := s.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if len(res) == 0 {
		return nil, ErrNotFound
	}
	return hashToJobRecord(jobID, res), nil
}

// UpdateJobFields merges the given fields into the JobRecord hash. Because
// HSET only touches the keys supplied, concurrent partial updates are
// naturally last-writer-wins per field.
func (s *Store) UpdateJobFields(ctx context.Context, jobID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	vals := make(map[string]any, len(fields))
	for k, v := range fields {
		vals[k] = v
	}
	if err := s.rdb.HSet(ctx, jobKey(jobID), vals).Err(); err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	return nil
}

func jobRecordToHash(r *domain.JobRecord) map[string]any {
	return map[string]any{
		"job_id":                r.JobID,
		"job_token":             r.JobToken,
		"status":                string(r.Status),
		"stage":                 string(r.Stage),
		"progress":              strconv.Itoa(r.Progress),
		"r2_prefix":             r.R2Prefix,
		"run_id":                r.RunID,
		"start_error":           r.StartError,
		"error":                 r.Error,
		"market_cache":          r.MarketCache,
		"video_url":             r.VideoURL,
		"clip_duration_seconds": strconv.Itoa(r.ClipSeconds),
		"clip_count":            strconv.Itoa(r.ClipCount),
		"language":              string(r.Language),
	}
}

func hashToJobRecord(jobID string, h map[string]string) *domain.JobRecord {
	progress, _ := strconv.Atoi(h["progress"])
	clipSeconds, _ := strconv.Atoi(h["clip_duration_seconds"])
	clipCount, _ := strconv.Atoi(h["clip_count"])
	return &domain.JobRecord{
		JobID:       jobID,
		JobToken:    h["job_token"],
		Status:      domain.JobStatus(h["status"]),
		Stage:       domain.JobStage(h["stage"]),
		Progress:    progress,
		R2Prefix:    h["r2_prefix"],
		RunID:       h["run_id"],
		StartError:  h["start_error"],
		Error:       h["error"],
		MarketCache: h["market_cache"],
		VideoURL:    h["video_url"],
		ClipSeconds: clipSeconds,
		ClipCount:   clipCount,
		Language:    domain.Language(h["language"]),
	}
}

// ---- ClipUnlock ----

// IsClipUnlocked reports whether (jobID, clipFile) has been unlocked.
func (s *Store) IsClipUnlocked(ctx context.Context, jobID, clipFile string) (bool, error) {
	n, err := s.rdb.Exists(ctx, clipUnlockKey(jobID, clipFile)).Result()
	if err != nil {
		return false, fmt.Errorf("check clip unlock: %w", err)
	}
	return n == 1, nil
}

// SetClipUnlocked durably and monotonically marks (jobID, clipFile) unlocked.
func (s *Store) SetClipUnlocked(ctx context.Context, jobID, clipFile string) error {
	if err := s.rdb.Set(ctx, clipUnlockKey(jobID, clipFile), "1", 0).Err(); err != nil {
		return fmt.Errorf("set clip unlock: %w", err)
	}
	return nil
}

// ---- WalletSpend ----

// WalletSpend returns the wallet's locally-tracked debited credit count.
func (s *Store) WalletSpend(ctx context.Context, wallet string) (int64, error) {
	v, err := s.rdb.Get(ctx, walletSpendKey(wallet)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get wallet spend: %w", err)
	}
	return v, nil
}

// ---- IdempotencyResult ----

// GetIdempotencyResult fetches the stored outcome for unlockRequestId, if any.
func (s *Store) GetIdempotencyResult(ctx context.Context, reqID string) (*domain.IdempotencyResult, error) {
	raw, err := s.rdb.Get(ctx, idempotencyKey(reqID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency result: %w", err)
	}
	var result domain.IdempotencyResult
	if err := strictUnmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode idempotency result: %w", err)
	}
	return &result, nil
}

// BeginIdempotency writes a pending marker for reqID if one is not already
// present, returning (true, nil) if this call created it.
func (s *Store) BeginIdempotency(ctx context.Context, reqID string, jobID, clipFile string) (bool, error) {
	payload, err := json.Marshal(domain.IdempotencyResult{
		JobID:    jobID,
		ClipFile: clipFile,
		Status:   domain.IdempotencyPending,
	})
	if err != nil {
		return false, fmt.Errorf("marshal pending idempotency: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, idempotencyKey(reqID), payload, IdempotencyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("begin idempotency: %w", err)
	}
	return ok, nil
}

// WriteIdempotencyResult overwrites the final (or terminal) outcome for reqID.
func (s *Store) WriteIdempotencyResult(ctx context.Context, reqID string, result domain.IdempotencyResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal idempotency result: %w", err)
	}
	if err := s.rdb.Set(ctx, idempotencyKey(reqID), payload, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("write idempotency result: %w", err)
	}
	return nil
}

// ---- UnlockPending ----

// GetUnlockPending fetches the crash-recovery marker for reqID, if any.
func (s *Store) GetUnlockPending(ctx context.Context, reqID string) (*domain.UnlockPending, error) {
	raw, err := s.rdb.Get(ctx, unlockPendingKey(reqID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get unlock pending: %w", err)
	}
	var pending domain.UnlockPending
	if err := strictUnmarshal(raw, &pending); err != nil {
		return nil, fmt.Errorf("decode unlock pending: %w", err)
	}
	return &pending, nil
}

// SetUnlockPending records the crash-recovery marker after on-chain submit.
func (s *Store) SetUnlockPending(ctx context.Context, reqID string, pending domain.UnlockPending) error {
	payload, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("marshal unlock pending: %w", err)
	}
	if err := s.rdb.Set(ctx, unlockPendingKey(reqID), payload, UnlockPendingTTL).Err(); err != nil {
		return fmt.Errorf("set unlock pending: %w", err)
	}
	return nil
}

// DeleteUnlockPending removes the crash-recovery marker once committed.
func (s *Store) DeleteUnlockPending(ctx context.Context, reqID string) error {
	if err := s.rdb.Del(ctx, unlockPendingKey(reqID)).Err(); err != nil {
		return fmt.Errorf("delete unlock pending: %w", err)
	}
	return nil
}

// ---- AuthNonce ----

// SetAuthNonce persists a challenge nonce with a 300s TTL.
func (s *Store) SetAuthNonce(ctx context.Context, nonce string, rec domain.AuthNonce) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal auth nonce: %w", err)
	}
	if err := s.rdb.Set(ctx, authNonceKey(nonce), payload, AuthNonceTTL).Err(); err != nil {
		return fmt.Errorf("set auth nonce: %w", err)
	}
	return nil
}

// GetAndDeleteAuthNonce atomically consumes a nonce: GETDEL guarantees at
// most one verify ever observes it.
func (s *Store) GetAndDeleteAuthNonce(ctx context.Context, nonce string) (*domain.AuthNonce, error) {
	raw, err := s.rdb.GetDel(ctx, authNonceKey(nonce)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume auth nonce: %w", err)
	}
	var rec domain.AuthNonce
	if err := strictUnmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode auth nonce: %w", err)
	}
	return &rec, nil
}

// ---- AuthToken ----

// SetAuthToken binds token to wallet with a 24h TTL.
func (s *Store) SetAuthToken(ctx context.Context, token, wallet string) error {
	if err := s.rdb.Set(ctx, authTokenKey(token), wallet, AuthTokenTTL).Err(); err != nil {
		return fmt.Errorf("set auth token: %w", err)
	}
	return nil
}

// ResolveAuthToken returns the wallet bound to token, if any.
func (s *Store) ResolveAuthToken(ctx context.Context, token string) (string, error) {
	wallet, err := s.rdb.Get(ctx, authTokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve auth token: %w", err)
	}
	return wallet, nil
}

// ---- TopupSignature ----

// MarkTopupSignatureSeen sets the signature marker if absent, returning true
// if this call is the first to observe it.
func (s *Store) MarkTopupSignatureSeen(ctx context.Context, sig string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, topupSigKey(sig), "1", 0).Result()
	if err != nil {
		return false, fmt.Errorf("mark topup signature: %w", err)
	}
	return ok, nil
}

// TopupSignatureSeen reports whether sig has already been observed.
func (s *Store) TopupSignatureSeen(ctx context.Context, sig string) (bool, error) {
	n, err := s.rdb.Exists(ctx, topupSigKey(sig)).Result()
	if err != nil {
		return false, fmt.Errorf("check topup signature: %w", err)
	}
	return n == 1, nil
}

// strictUnmarshal decodes a service-authored payload, rejecting unknown
// fields so a corrupted or mistyped record surfaces as an error instead of
// silently dropping data.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
