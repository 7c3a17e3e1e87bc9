// Package credit implements on-chain balance reads, topup intent
// construction, topup confirmation, and the spender-signed consume_credit
// call. The chain program remains the ledger of record; this package never
// persists a credit balance off-chain.
package credit

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/Lexiie/KangKlip/internal/apierror"
	"github.com/Lexiie/KangKlip/internal/chain"
	"github.com/Lexiie/KangKlip/internal/circuitbreaker"
	"github.com/Lexiie/KangKlip/internal/logger"
	"github.com/Lexiie/KangKlip/internal/metrics"
	"github.com/Lexiie/KangKlip/internal/store"
)

// CreditUnitBaseUnits is the fixed exchange rate: 1 credit = 10^5 stablecoin
// base units.
const CreditUnitBaseUnits = 100000

// Service encapsulates all chain interaction for the credit-spend flow.
type Service struct {
	chain   *chain.Client
	store   *store.Store
	breaker *circuitbreaker.Breaker
	metrics *metrics.Tracker
	logger  logger.Logger
}

// New constructs a credit Service.
func New(c *chain.Client, s *store.Store, m *metrics.Tracker, log logger.Logger) *Service {
	return &Service{
		chain:   c,
		store:   s,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
		metrics: m,
		logger:  log,
	}
}

// Balance reads a wallet's on-chain credit balance. Returns 0 if the
// UserCredit account does not exist, is malformed, or is owned by a
// different wallet.
func (s *Service) Balance(ctx context.Context, wallet string) (uint64, error) {
	walletPub, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return 0, apierror.Validation("invalid wallet address")
	}

	userCreditPDA, _, err := chain.UserCreditPDA(walletPub, s.chain.ProgramID())
	if err != nil {
		return 0, apierror.Internal("failed to derive user credit pda", err)
	}

	var data []byte
	err = s.breaker.Execute(ctx, func() error {
		d, err := s.chain.GetAccountData(ctx, userCreditPDA)
		data = d
		return err
	})
	s.recordChainCall("get_account_info", err)
	if err != nil {
		return 0, apierror.Upstream("failed to read on-chain balance", err)
	}
	if data == nil {
		return 0, nil
	}

	owner, credits, ok := chain.ParseUserCredit(data)
	if !ok {
		return 0, nil
	}
	if !owner.Equals(walletPub) {
		return 0, nil
	}
	return credits, nil
}

// TopupIntent is the response to a topup intent request: every address and
// the instruction data a client needs to submit a pay_usdc transaction.
type TopupIntent struct {
	ProgramID       string `json:"program_id"`
	ConfigPDA       string `json:"config_pda"`
	UserCreditPDA   string `json:"user_credit_pda"`
	VaultATA        string `json:"vault_ata"`
	UserATA         string `json:"user_ata"`
	Mint            string `json:"mint"`
	InstructionData string `json:"instruction_data_base64"`
	AmountBaseUnits uint64 `json:"amount_base_units"`
	CreditUnit      int    `json:"credit_unit"`
}

// BuildTopupIntent constructs the pay_usdc instruction intent for wallet
// buying creditsToBuy credits.
func (s *Service) BuildTopupIntent(ctx context.Context, wallet string, creditsToBuy int) (*TopupIntent, error) {
	if creditsToBuy <= 0 {
		return nil, apierror.Validation("credits_to_buy must be a positive integer")
	}
	walletPub, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return nil, apierror.Validation("invalid wallet address")
	}

	amountBaseUnits := uint64(creditsToBuy) * CreditUnitBaseUnits

	configPDA, _, err := chain.ConfigPDA(s.chain.Treasury(), s.chain.ProgramID())
	if err != nil {
		return nil, apierror.Internal("failed to derive config pda", err)
	}
	userCreditPDA, _, err := chain.UserCreditPDA(walletPub, s.chain.ProgramID())
	if err != nil {
		return nil, apierror.Internal("failed to derive user credit pda", err)
	}
	vaultATA, err := chain.AssociatedTokenAddress(configPDA, s.chain.Mint())
	if err != nil {
		return nil, apierror.Internal("failed to derive vault ata", err)
	}
	userATA, err := chain.AssociatedTokenAddress(walletPub, s.chain.Mint())
	if err != nil {
		return nil, apierror.Internal("failed to derive user ata", err)
	}

	data := chain.PayUSDCInstructionData(amountBaseUnits)

	return &TopupIntent{
		ProgramID:       s.chain.ProgramID().String(),
		ConfigPDA:       configPDA.String(),
		UserCreditPDA:   userCreditPDA.String(),
		VaultATA:        vaultATA.String(),
		UserATA:         userATA.String(),
		Mint:            s.chain.Mint().String(),
		InstructionData: chain.EncodeBase64(data),
		AmountBaseUnits: amountBaseUnits,
		CreditUnit:      CreditUnitBaseUnits,
	}, nil
}

// ConfirmTopup validates a submitted pay_usdc transaction signature and
// marks it observed (set-once), never crediting anything off-chain. Returns
// the wallet's fresh on-chain balance.
func (s *Service) ConfirmTopup(ctx context.Context, wallet, signature string) (credited bool, newBalance uint64, err error) {
	seen, err := s.store.TopupSignatureSeen(ctx, signature)
	if err != nil {
		return false, 0, apierror.Internal("failed to check topup signature", err)
	}
	if seen {
		balance, err := s.Balance(ctx, wallet)
		if err != nil {
			return false, 0, err
		}
		return true, balance, nil
	}

	var txResult *rpc.GetTransactionResult
	err = s.breaker.Execute(ctx, func() error {
		res, err := s.chain.GetParsedTransaction(ctx, signature)
		txResult = res
		return err
	})
	s.recordChainCall("get_transaction", err)
	if err != nil {
		return false, 0, apierror.Upstream("failed to fetch transaction", err)
	}
	if txResult == nil || txResult.Meta == nil {
		return false, 0, apierror.Validation("transaction not found")
	}
	if txResult.Meta.Err != nil {
		return false, 0, apierror.Validation("transaction failed on chain")
	}

	if !s.transactionInvokesCreditsProgram(txResult) {
		return false, 0, apierror.Validation("transaction did not invoke the credits program")
	}

	first, err := s.store.MarkTopupSignatureSeen(ctx, signature)
	if err != nil {
		return false, 0, apierror.Internal("failed to mark topup signature", err)
	}
	if !first {
		balance, err := s.Balance(ctx, wallet)
		if err != nil {
			return false, 0, err
		}
		return true, balance, nil
	}

	balance, err := s.Balance(ctx, wallet)
	if err != nil {
		return false, 0, err
	}
	return true, balance, nil
}

func (s *Service) transactionInvokesCreditsProgram(res *rpc.GetTransactionResult) bool {
	tx, err := res.Transaction.GetTransaction()
	if err != nil || tx == nil {
		return false
	}
	programID := s.chain.ProgramID()

	outerIdxs := make([]uint16, len(tx.Message.Instructions))
	for i, instr := range tx.Message.Instructions {
		outerIdxs[i] = uint16(instr.ProgramIDIndex)
	}
	if chain.InvokesProgram(tx.Message.AccountKeys, outerIdxs, programID) {
		return true
	}

	if res.Meta != nil {
		for _, inner := range res.Meta.InnerInstructions {
			innerIdxs := make([]uint16, len(inner.Instructions))
			for i, instr := range inner.Instructions {
				innerIdxs[i] = uint16(instr.ProgramIDIndex)
			}
			if chain.InvokesProgram(tx.Message.AccountKeys, innerIdxs, programID) {
				return true
			}
		}
	}
	return false
}

// ConsumeResult is the outcome of a Consume call.
type ConsumeResult struct {
	TxSignature string
}

// Consume submits a spender-signed consume_credit instruction for wallet,
// debiting amount credits on chain, with an optional memo prepended.
func (s *Service) Consume(ctx context.Context, wallet string, amount uint64, memo string) (*ConsumeResult, error) {
	walletPub, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return nil, apierror.Validation("invalid wallet address")
	}

	configPDA, _, err := chain.ConfigPDA(s.chain.Treasury(), s.chain.ProgramID())
	if err != nil {
		return nil, apierror.Internal("failed to derive config pda", err)
	}
	userCreditPDA, _, err := chain.UserCreditPDA(walletPub, s.chain.ProgramID())
	if err != nil {
		return nil, apierror.Internal("failed to derive user credit pda", err)
	}

	instructions := []solana.Instruction{}
	if memo != "" {
		instructions = append(instructions, chain.NewMemoInstruction(memo))
	}
	instructions = append(instructions, chain.NewConsumeCreditInstruction(
		s.chain.ProgramID(), s.chain.SpenderPublicKey(), configPDA, walletPub, userCreditPDA, amount,
	))

	var sig string
	err = s.breaker.Execute(ctx, func() error {
		txSig, err := s.chain.SubmitAndConfirm(ctx, instructions...)
		sig = txSig
		return err
	})
	s.recordChainCall("consume_credit", err)
	if err != nil {
		return &ConsumeResult{TxSignature: sig}, fmt.Errorf("consume_credit failed: %w", err)
	}
	return &ConsumeResult{TxSignature: sig}, nil
}

func (s *Service) recordChainCall(operation string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.ChainCall(operation, outcome)
}
