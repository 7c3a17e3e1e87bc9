package auth

import (
	"context"
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/mr-tron/base58"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Lexiie/KangKlip/internal/logger"
	"github.com/Lexiie/KangKlip/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(store.New(rdb), logger.Must(logger.Config{Level: "error"}))
}

func TestChallengeThenVerifySucceeds(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	wallet := base58.Encode(pub)

	challenge, err := svc.Challenge(ctx, wallet)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(challenge.Challenge, challengePrefix))

	sig := ed25519.Sign(priv, []byte(challenge.Challenge))
	sigB58 := base58.Encode(sig)

	resp, err := svc.Verify(ctx, wallet, challenge.Nonce, sigB58)
	require.NoError(t, err)
	require.NotEmpty(t, resp.AuthToken)

	resolved, err := svc.ResolveToken(ctx, resp.AuthToken)
	require.NoError(t, err)
	require.Equal(t, wallet, resolved)
}

func TestVerifyRejectsWrongSignature(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	wallet := base58.Encode(pub)

	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	challenge, err := svc.Challenge(ctx, wallet)
	require.NoError(t, err)

	badSig := ed25519.Sign(otherPriv, []byte(challenge.Challenge))
	_, err = svc.Verify(ctx, wallet, challenge.Nonce, base58.Encode(badSig))
	require.Error(t, err)
}

func TestVerifyRejectsReplayedNonce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	wallet := base58.Encode(pub)

	challenge, err := svc.Challenge(ctx, wallet)
	require.NoError(t, err)
	sig := base58.Encode(ed25519.Sign(priv, []byte(challenge.Challenge)))

	_, err = svc.Verify(ctx, wallet, challenge.Nonce, sig)
	require.NoError(t, err)

	_, err = svc.Verify(ctx, wallet, challenge.Nonce, sig)
	require.Error(t, err, "nonce must be single-use")
}

func TestChallengeRejectsInvalidWallet(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Challenge(context.Background(), "not-base58-or-wrong-length")
	require.Error(t, err)
}
