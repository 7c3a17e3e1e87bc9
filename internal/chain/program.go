package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// accountDiscriminator is the first 8 bytes of sha256("account:<TypeName>"),
// matching Anchor's account discriminator convention.
func accountDiscriminator(typeName string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + typeName))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// instructionDiscriminator is the first 8 bytes of sha256("global:<name>"),
// matching Anchor's instruction discriminator convention.
func instructionDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// UserCreditAccountDiscriminator is the 8-byte tag expected at offset 0 of a
// UserCredit account.
var UserCreditAccountDiscriminator = accountDiscriminator("UserCredit")

const (
	userCreditOwnerOffset   = 8
	userCreditCreditsOffset = 40
	userCreditMinLen        = 48
)

// ConfigPDA derives the program's config PDA from ["config", authority].
func ConfigPDA(authority, programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("config"), authority.Bytes()}, programID)
}

// UserCreditPDA derives a wallet's UserCredit PDA from ["credit", wallet].
func UserCreditPDA(wallet, programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("credit"), wallet.Bytes()}, programID)
}

// AssociatedTokenAddress derives the associated token account for (owner, mint).
func AssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	return ata, err
}

// ParseUserCredit decodes a raw UserCredit account, returning the stored
// owner and credit balance. Returns ok=false if the discriminator does not
// match or the account is too short.
func ParseUserCredit(data []byte) (owner solana.PublicKey, credits uint64, ok bool) {
	if len(data) < userCreditMinLen {
		return solana.PublicKey{}, 0, false
	}
	var disc [8]byte
	copy(disc[:], data[:8])
	if disc != UserCreditAccountDiscriminator {
		return solana.PublicKey{}, 0, false
	}
	copy(owner[:], data[userCreditOwnerOffset:userCreditOwnerOffset+32])
	credits = binary.LittleEndian.Uint64(data[userCreditCreditsOffset : userCreditCreditsOffset+8])
	return owner, credits, true
}

// PayUSDCInstructionData builds the instruction payload for `pay_usdc`:
// an 8-byte discriminator followed by a little-endian u64 amount.
func PayUSDCInstructionData(amountBaseUnits uint64) []byte {
	disc := instructionDiscriminator("pay_usdc")
	return appendU64LE(disc[:], amountBaseUnits)
}

// ConsumeCreditInstructionData builds the instruction payload for
// `consume_credit`: an 8-byte discriminator followed by a little-endian u64
// amount.
func ConsumeCreditInstructionData(amount uint64) []byte {
	disc := instructionDiscriminator("consume_credit")
	return appendU64LE(disc[:], amount)
}

func appendU64LE(prefix []byte, v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return append(append([]byte{}, prefix...), buf...)
}

// NewConsumeCreditInstruction builds the `consume_credit` instruction with
// accounts {spender (signer), config, user, userCredit}.
func NewConsumeCreditInstruction(programID, spender, config, user, userCredit solana.PublicKey, amount uint64) solana.Instruction {
	return solana.NewInstruction(
		programID,
		solana.AccountMetaSlice{
			{PublicKey: spender, IsSigner: true, IsWritable: true},
			{PublicKey: config, IsSigner: false, IsWritable: false},
			{PublicKey: user, IsSigner: false, IsWritable: false},
			{PublicKey: userCredit, IsSigner: false, IsWritable: true},
		},
		ConsumeCreditInstructionData(amount),
	)
}

// NewPayUSDCInstruction builds the `pay_usdc` instruction with accounts
// {payer (signer), config, userCredit, vaultATA, userATA, mint, tokenProgram}.
func NewPayUSDCInstruction(programID, payer, config, userCredit, vaultATA, userATA, mint solana.PublicKey, amountBaseUnits uint64) solana.Instruction {
	return solana.NewInstruction(
		programID,
		solana.AccountMetaSlice{
			{PublicKey: payer, IsSigner: true, IsWritable: true},
			{PublicKey: config, IsSigner: false, IsWritable: false},
			{PublicKey: userCredit, IsSigner: false, IsWritable: true},
			{PublicKey: vaultATA, IsSigner: false, IsWritable: true},
			{PublicKey: userATA, IsSigner: false, IsWritable: true},
			{PublicKey: mint, IsSigner: false, IsWritable: false},
			{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
		},
		PayUSDCInstructionData(amountBaseUnits),
	)
}

// maxMemoBytes is the longest memo text carried verbatim; longer memos are
// replaced with their hex-truncated sha-256 digest.
const maxMemoBytes = 64

// NewMemoInstruction builds a Memo program instruction carrying only data,
// with no account metadata. Memos longer than 64 bytes are replaced with
// their sha-256 hex digest to stay within the memo size the program accepts.
func NewMemoInstruction(memo string) solana.Instruction {
	data := []byte(memo)
	if len(data) > maxMemoBytes {
		sum := sha256.Sum256(data)
		data = []byte(fmt.Sprintf("%x", sum))
	}
	return solana.NewInstruction(MemoProgramID, solana.AccountMetaSlice{}, data)
}

// InvokesProgram reports whether a parsed transaction's outer or inner
// instructions invoke programID, used by topup confirm to validate that a
// signature actually called the credits program.
func InvokesProgram(accountKeys []solana.PublicKey, instructionProgramIdxs []uint16, programID solana.PublicKey) bool {
	for _, idx := range instructionProgramIdxs {
		if int(idx) < len(accountKeys) && accountKeys[idx].Equals(programID) {
			return true
		}
	}
	return false
}
