package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
)

func TestPayUSDCInstructionData(t *testing.T) {
	data := PayUSDCInstructionData(500000)

	wantDisc := sha256.Sum256([]byte("global:pay_usdc"))
	if !bytes.Equal(data[:8], wantDisc[:8]) {
		t.Errorf("discriminator = %x, want %x", data[:8], wantDisc[:8])
	}

	if got := binary.LittleEndian.Uint64(data[8:]); got != 500000 {
		t.Errorf("amount = %d, want 500000", got)
	}
	if len(data) != 16 {
		t.Errorf("data length = %d, want 16", len(data))
	}
}

func TestConsumeCreditInstructionData(t *testing.T) {
	data := ConsumeCreditInstructionData(1)

	wantDisc := sha256.Sum256([]byte("global:consume_credit"))
	if !bytes.Equal(data[:8], wantDisc[:8]) {
		t.Errorf("discriminator = %x, want %x", data[:8], wantDisc[:8])
	}
	if got := binary.LittleEndian.Uint64(data[8:]); got != 1 {
		t.Errorf("amount = %d, want 1", got)
	}
}

func TestParseUserCredit(t *testing.T) {
	owner := solana.NewWallet().PublicKey()

	account := make([]byte, 48)
	copy(account[:8], UserCreditAccountDiscriminator[:])
	copy(account[8:40], owner.Bytes())
	binary.LittleEndian.PutUint64(account[40:], 7)

	gotOwner, credits, ok := ParseUserCredit(account)
	if !ok {
		t.Fatal("ParseUserCredit rejected a well-formed account")
	}
	if !gotOwner.Equals(owner) {
		t.Errorf("owner = %s, want %s", gotOwner, owner)
	}
	if credits != 7 {
		t.Errorf("credits = %d, want 7", credits)
	}
}

func TestParseUserCreditRejectsBadDiscriminator(t *testing.T) {
	account := make([]byte, 48)
	account[0] = 0xFF

	if _, _, ok := ParseUserCredit(account); ok {
		t.Error("ParseUserCredit must reject a wrong discriminator")
	}
}

func TestParseUserCreditRejectsShortAccount(t *testing.T) {
	if _, _, ok := ParseUserCredit(make([]byte, 40)); ok {
		t.Error("ParseUserCredit must reject a short account")
	}
}

func TestMemoTruncation(t *testing.T) {
	short := NewMemoInstruction("req-1")
	data, err := short.Data()
	if err != nil {
		t.Fatalf("Data() error = %v", err)
	}
	if string(data) != "req-1" {
		t.Errorf("short memo = %q, want req-1", data)
	}
	if len(short.Accounts()) != 0 {
		t.Errorf("memo instruction carries %d accounts, want none", len(short.Accounts()))
	}

	long := NewMemoInstruction(string(make([]byte, 100)))
	data, err = long.Data()
	if err != nil {
		t.Fatalf("Data() error = %v", err)
	}
	if len(data) != 64 {
		t.Errorf("long memo length = %d, want 64 (hex sha-256)", len(data))
	}
}
