package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Lexiie/KangKlip/internal/domain"
)

// tryConsumeCreditLua is the atomic commit primitive of the unlock path: it
// collapses the already-unlocked check, the wallet-spend ceiling check, and
// the idempotency write into a single round trip so that concurrent unlock
// attempts for the same clip can produce at most one charged outcome.
// A stored record that is still pending belongs to the caller itself (it
// claimed the id with SETNX before submitting on chain) and is overwritten
// with the final outcome; only final records replay.
//
// KEYS[1] = idempotency:<unlockRequestId>
// KEYS[2] = clip_unlock:<jobId>:<clipFile>
// KEYS[3] = wallet_spend:<wallet>
// ARGV[1] = jobId
// ARGV[2] = clipFile
// ARGV[3] = availableCredits (integer)
// ARGV[4] = idempotency TTL in seconds
//
// Returns a JSON-encoded domain.IdempotencyResult-shaped table.
const tryConsumeCreditLua = `
local idemKey = KEYS[1]
local unlockKey = KEYS[2]
local spendKey = KEYS[3]
local jobId = ARGV[1]
local clipFile = ARGV[2]
local availableCredits = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local existing = redis.call('GET', idemKey)
if existing then
  local rec = cjson.decode(existing)
  if rec['status'] ~= 'pending' then
    return existing
  end
end

if redis.call('EXISTS', unlockKey) == 1 then
  local payload = cjson.encode({
    job_id = jobId, clip_file = clipFile, unlocked = true,
    charged_credits = 0, idempotency = 'replay', status = 'final',
  })
  redis.call('SET', idemKey, payload, 'EX', ttl)
  return payload
end

local spent = tonumber(redis.call('GET', spendKey) or '0')
if spent + 1 > availableCredits then
  return cjson.encode({
    job_id = jobId, clip_file = clipFile, unlocked = false,
    charged_credits = 0, idempotency = 'new', status = 'final',
  })
end

redis.call('INCR', spendKey)
redis.call('SET', unlockKey, '1')
local payload = cjson.encode({
  job_id = jobId, clip_file = clipFile, unlocked = true,
  charged_credits = 1, idempotency = 'new', status = 'final',
})
redis.call('SET', idemKey, payload, 'EX', ttl)
return payload
`

// TryConsumeCredit runs the atomic commit primitive. availableCredits is
// the wallet's on-chain balance as observed by the caller (the unlock
// coordinator passes the balance read at its funding check, before the
// on-chain consume).
func (s *Store) TryConsumeCredit(ctx context.Context, jobID, clipFile, wallet, unlockRequestID string, availableCredits int64) (*domain.IdempotencyResult, error) {
	keys := []string{idempotencyKey(unlockRequestID), clipUnlockKey(jobID, clipFile), walletSpendKey(wallet)}
	raw, err := s.tryConsumeCredit.Run(ctx, s.rdb, keys, jobID, clipFile, availableCredits, int(IdempotencyTTL.Seconds())).Result()
	if err != nil {
		return nil, fmt.Errorf("try consume credit: %w", err)
	}

	str, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("try consume credit: unexpected script result type %T", raw)
	}

	var result domain.IdempotencyResult
	if err := json.Unmarshal([]byte(str), &result); err != nil {
		return nil, fmt.Errorf("decode try consume credit result: %w", err)
	}
	return &result, nil
}
