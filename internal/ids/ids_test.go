package ids

import (
	"testing"
)

func TestNewJobIDFormat(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := NewJobID()
		if !ValidJobID(id) {
			t.Fatalf("NewJobID() = %q does not match the job id format", id)
		}
	}
}

func TestValidJobIDRejectsMalformed(t *testing.T) {
	for _, bad := range []string{
		"",
		"kk_",
		"kk_short",
		"xx_01ARZ3NDEKTSV4RRFFQ69G5FAV",
		"kk_01arz3ndektsv4rrffq69g5fav",  // lowercase
		"kk_01ARZ3NDEKTSV4RRFFQ69G5FAVZ", // too long
		"kk_0IARZ3NDEKTSV4RRFFQ69G5FAV",  // 'I' excluded from Crockford
	} {
		if ValidJobID(bad) {
			t.Errorf("ValidJobID(%q) = true, want false", bad)
		}
	}
}

func TestNewHexTokenLength(t *testing.T) {
	token, err := NewHexToken(32)
	if err != nil {
		t.Fatalf("NewHexToken() error = %v", err)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64", len(token))
	}

	other, err := NewHexToken(32)
	if err != nil {
		t.Fatalf("NewHexToken() error = %v", err)
	}
	if token == other {
		t.Error("two generated tokens must differ")
	}
}
