// Package auth implements the wallet-signature challenge/verify flow: a
// caller requests a nonce, signs it with their Solana wallet's private key,
// and exchanges the signature for a bearer token.
package auth

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/mr-tron/base58"

	"github.com/Lexiie/KangKlip/internal/apierror"
	"github.com/Lexiie/KangKlip/internal/domain"
	"github.com/Lexiie/KangKlip/internal/ids"
	"github.com/Lexiie/KangKlip/internal/logger"
	"github.com/Lexiie/KangKlip/internal/store"
)

// challengePrefix namespaces the signed message against signature reuse by
// other dApps: "KANGKLIP_AUTH:<wallet>:<nonce>:<timestamp>".
const challengePrefix = "KANGKLIP_AUTH"

const (
	solanaPubkeyLen = 32
	ed25519SigLen   = 64
	tokenLenBytes   = 32
)

// Service issues and verifies wallet-signature authentication.
type Service struct {
	store  *store.Store
	logger logger.Logger
}

// New constructs a Service.
func New(s *store.Store, log logger.Logger) *Service {
	return &Service{store: s, logger: log}
}

// ChallengeResponse is returned to a caller requesting a nonce.
type ChallengeResponse struct {
	WalletAddress string `json:"wallet_address"`
	Challenge     string `json:"challenge"`
	Nonce         string `json:"nonce"`
	ExpiresIn     int64  `json:"expires_in"`
}

// Challenge mints a single-use nonce for wallet and records it with a 300s TTL.
func (s *Service) Challenge(ctx context.Context, wallet string) (*ChallengeResponse, error) {
	if _, err := decodeWallet(wallet); err != nil {
		return nil, apierror.Validation("invalid wallet address").WithExtra("wallet", wallet)
	}

	nonce, err := ids.NewNonceHex()
	if err != nil {
		return nil, apierror.Internal("failed to generate nonce", err)
	}

	now := time.Now()
	expiresAt := now.Add(store.AuthNonceTTL).Unix()
	challenge := fmt.Sprintf("%s:%s:%s:%s", challengePrefix, wallet, nonce, now.UTC().Format(time.RFC3339))

	rec := domain.AuthNonce{Wallet: wallet, Challenge: challenge, ExpiresAt: expiresAt}
	if err := s.store.SetAuthNonce(ctx, nonce, rec); err != nil {
		return nil, apierror.Internal("failed to persist nonce", err)
	}

	s.logger.Info("auth challenge issued", logger.String("wallet", wallet))
	return &ChallengeResponse{
		WalletAddress: wallet,
		Challenge:     challenge,
		Nonce:         nonce,
		ExpiresIn:     int64(store.AuthNonceTTL.Seconds()),
	}, nil
}

// VerifyResponse is returned on a successful signature verification.
type VerifyResponse struct {
	AuthToken string `json:"auth_token"`
	ExpiresIn int64  `json:"expires_in"`
}

// Verify checks that signature is a valid ed25519 signature by wallet over
// the message bound to nonce, then issues a bearer token. Nonces are
// single-use: a successful or failed verify both consume it.
func (s *Service) Verify(ctx context.Context, wallet, nonce, signature string) (*VerifyResponse, error) {
	rec, err := s.store.GetAndDeleteAuthNonce(ctx, nonce)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierror.Validation("nonce not found or expired")
		}
		return nil, apierror.Internal("failed to load nonce", err)
	}

	if rec.Wallet != wallet {
		return nil, apierror.Validation("wallet does not match challenge")
	}
	if time.Now().Unix() > rec.ExpiresAt {
		return nil, apierror.Validation("nonce expired")
	}

	pubkey, err := decodeWallet(wallet)
	if err != nil {
		return nil, apierror.Validation("invalid wallet address")
	}

	sigBytes, err := base58.Decode(signature)
	if err != nil || len(sigBytes) != ed25519SigLen {
		return nil, apierror.Validation("invalid signature encoding")
	}

	if !ed25519.Verify(pubkey, []byte(rec.Challenge), sigBytes) {
		s.logger.Warn("auth signature verification failed", logger.String("wallet", wallet))
		return nil, apierror.Unauthorized("signature verification failed")
	}

	token, err := ids.NewHexToken(tokenLenBytes)
	if err != nil {
		return nil, apierror.Internal("failed to generate token", err)
	}
	if err := s.store.SetAuthToken(ctx, token, wallet); err != nil {
		return nil, apierror.Internal("failed to persist token", err)
	}

	s.logger.Info("auth token issued", logger.String("wallet", wallet))
	return &VerifyResponse{AuthToken: token, ExpiresIn: int64(store.AuthTokenTTL.Seconds())}, nil
}

// ResolveToken returns the wallet bound to a bearer token, or an unauthorized
// apierror if the token is missing or expired.
func (s *Service) ResolveToken(ctx context.Context, token string) (string, error) {
	wallet, err := s.store.ResolveAuthToken(ctx, token)
	if err != nil {
		if err == store.ErrNotFound {
			return "", apierror.Unauthorized("invalid or expired token")
		}
		return "", apierror.Internal("failed to resolve token", err)
	}
	return wallet, nil
}

func decodeWallet(wallet string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(wallet)
	if err != nil {
		return nil, fmt.Errorf("decode wallet base58: %w", err)
	}
	if len(raw) != solanaPubkeyLen {
		return nil, fmt.Errorf("wallet pubkey must be %d bytes, got %d", solanaPubkeyLen, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
