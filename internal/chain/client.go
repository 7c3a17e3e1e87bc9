// Package chain wraps the Solana RPC client and the credits program's
// instruction encoding: PDA/ATA derivation, discriminator computation, and
// signed transaction submission. The chain itself is treated as an external
// collaborator; this package only builds and submits instructions and
// parses account/transaction responses.
package chain

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Lexiie/KangKlip/internal/logger"
	"github.com/Lexiie/KangKlip/internal/retry"
)

// MemoProgramID is the well-known Solana Memo program address.
var MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

// Config configures the chain client.
type Config struct {
	RPCURL           string
	USDCMint         string
	TreasuryAddress  string
	CreditsProgramID string
	SpenderKeypair   string // path to a JSON array keyfile, or an inline JSON array
}

// Client wraps an RPC connection to the Solana cluster plus the credits
// program's configured addresses and the service's signing key.
type Client struct {
	rpc        *rpc.Client
	logger     logger.Logger
	tracer     trace.Tracer
	programID  solana.PublicKey
	mint       solana.PublicKey
	treasury   solana.PublicKey
	spender    solana.PrivateKey
	spenderPub solana.PublicKey
}

// New constructs a Client, loading the spender keypair from disk or an
// inline JSON array per Config.SpenderKeypair.
func New(cfg Config, log logger.Logger) (*Client, error) {
	programID, err := solana.PublicKeyFromBase58(cfg.CreditsProgramID)
	if err != nil {
		return nil, fmt.Errorf("parse credits program id: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(cfg.USDCMint)
	if err != nil {
		return nil, fmt.Errorf("parse usdc mint: %w", err)
	}
	treasury, err := solana.PublicKeyFromBase58(cfg.TreasuryAddress)
	if err != nil {
		return nil, fmt.Errorf("parse treasury address: %w", err)
	}
	spender, err := loadSpenderKeypair(cfg.SpenderKeypair)
	if err != nil {
		return nil, fmt.Errorf("load spender keypair: %w", err)
	}

	return &Client{
		rpc:        rpc.New(cfg.RPCURL),
		logger:     log,
		tracer:     otel.Tracer("chain"),
		programID:  programID,
		mint:       mint,
		treasury:   treasury,
		spender:    spender,
		spenderPub: spender.PublicKey(),
	}, nil
}

func loadSpenderKeypair(source string) (solana.PrivateKey, error) {
	var raw []byte
	if strings.HasPrefix(strings.TrimSpace(source), "[") {
		raw = []byte(source)
	} else {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("read keypair file: %w", err)
		}
		raw = data
	}

	var bytes []byte
	if err := json.Unmarshal(raw, &bytes); err != nil {
		return nil, fmt.Errorf("decode keypair json array: %w", err)
	}
	if len(bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keypair must be %d bytes, got %d", ed25519.PrivateKeySize, len(bytes))
	}
	return solana.PrivateKey(bytes), nil
}

// ProgramID returns the configured credits program address.
func (c *Client) ProgramID() solana.PublicKey { return c.programID }

// Mint returns the configured stablecoin mint address.
func (c *Client) Mint() solana.PublicKey { return c.mint }

// Treasury returns the configured treasury authority address.
func (c *Client) Treasury() solana.PublicKey { return c.treasury }

// SpenderPublicKey returns the service's signing key's public key.
func (c *Client) SpenderPublicKey() solana.PublicKey { return c.spenderPub }

// Ping verifies the RPC endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.rpc.GetHealth(ctx)
	return err
}

// GetAccountData fetches the raw bytes stored at address, or nil if the
// account does not exist.
func (c *Client) GetAccountData(ctx context.Context, address solana.PublicKey) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		info, err := c.rpc.GetAccountInfo(ctx, address)
		if err != nil {
			if err == rpc.ErrNotFound {
				data = nil
				return nil
			}
			return err
		}
		if info == nil || info.Value == nil {
			data = nil
			return nil
		}
		data = info.Value.Data.GetBinary()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get account info: %w", err)
	}
	return data, nil
}

// GetParsedTransaction fetches a confirmed transaction by its signature.
func (c *Client) GetParsedTransaction(ctx context.Context, signature string) (*rpc.GetTransactionResult, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("parse signature: %w", err)
	}

	var result *rpc.GetTransactionResult
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		maxVersion := uint64(0)
		res, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", signature, err)
	}
	return result, nil
}

// SubmitAndConfirm builds, signs, submits, and confirms a transaction
// carrying instructions, with the spender as fee-payer and sole signer.
// Returns the submitted signature. Any confirmed `err` field is a hard
// failure.
func (c *Client) SubmitAndConfirm(ctx context.Context, instructions ...solana.Instruction) (string, error) {
	ctx, span := c.tracer.Start(ctx, "chain.submit_and_confirm",
		trace.WithAttributes(attribute.Int("instruction_count", len(instructions))))
	defer span.End()

	latest, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instructions, latest.Value.Blockhash, solana.TransactionPayer(c.spenderPub))
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.spenderPub) {
			return &c.spender
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("submit transaction: %w", err)
	}
	span.SetAttributes(attribute.String("tx_signature", sig.String()))

	if err := c.confirm(ctx, sig); err != nil {
		span.RecordError(err)
		return sig.String(), err
	}
	return sig.String(), nil
}

func (c *Client) confirm(ctx context.Context, sig solana.Signature) error {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		statuses, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			return fmt.Errorf("get signature status: %w", err)
		}
		if len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed on chain: %v", sig, status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("transaction %s not confirmed before deadline", sig)
}

// EncodeBase64 is a small helper for emitting instruction data to clients.
func EncodeBase64(data []byte) string { return base64.StdEncoding.EncodeToString(data) }
