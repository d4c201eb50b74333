package crypto

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := New("test-master-key")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	enc, err := c.Encrypt("+254712345678")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if parts := strings.Split(enc, ":"); len(parts) != 3 {
		t.Fatalf("expected iv:authTag:ciphertext layout, got %q", enc)
	}

	plain, err := c.Decrypt(enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "+254712345678" {
		t.Errorf("round trip mismatch: %q", plain)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	c, _ := New("test-master-key")
	a, _ := c.Encrypt("same value")
	b, _ := c.Encrypt("same value")
	if a == b {
		t.Error("two encryptions of the same plaintext must differ")
	}
}

func TestBlindIndexDeterministic(t *testing.T) {
	c, _ := New("test-master-key")
	if c.BlindIndex("+254712345678") != c.BlindIndex("+254712345678") {
		t.Error("blind index must be deterministic")
	}
	if c.BlindIndex("+254712345678") == c.BlindIndex("+254700000000") {
		t.Error("distinct values must not collide")
	}

	other, _ := New("different-master-key")
	if c.BlindIndex("x") == other.BlindIndex("x") {
		t.Error("index must depend on the master key")
	}
}

func TestDecryptRejectsMalformed(t *testing.T) {
	c, _ := New("test-master-key")
	for _, bad := range []string{"", "aa:bb", "zz:zz:zz", "aa:bb:cc:dd"} {
		if _, err := c.Decrypt(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	c, _ := New("test-master-key")
	enc, _ := c.Encrypt("secret")
	tampered := enc[:len(enc)-2] + "00"
	if tampered == enc {
		tampered = enc[:len(enc)-2] + "11"
	}
	if _, err := c.Decrypt(tampered); err == nil {
		t.Error("expected auth failure on tampered ciphertext")
	}
}
