package opsauth

import (
	"errors"
	"testing"
)

func TestHashPassphrase_TooShort(t *testing.T) {
	cases := []string{"", "short", "eleven-chr1"}
	for _, p := range cases {
		if _, err := HashPassphrase(p); !errors.Is(err, ErrTooShort) {
			t.Errorf("HashPassphrase(%q) error = %v, want ErrTooShort", p, err)
		}
	}
}

func TestHashAndVerifyPassphrase(t *testing.T) {
	const pass = "correct-horse-battery-staple"
	hash, err := HashPassphrase(pass)
	if err != nil {
		t.Fatalf("HashPassphrase: %v", err)
	}
	if hash == pass {
		t.Fatal("hash must not equal the plaintext passphrase")
	}
	if !VerifyPassphrase(hash, pass) {
		t.Error("VerifyPassphrase should accept the correct passphrase")
	}
	if VerifyPassphrase(hash, "wrong-passphrase-wrong") {
		t.Error("VerifyPassphrase should reject an incorrect passphrase")
	}
}

func TestVerifyPassphrase_MalformedHash(t *testing.T) {
	if VerifyPassphrase("not-a-bcrypt-hash", "whatever-passphrase") {
		t.Error("VerifyPassphrase should reject a malformed hash")
	}
}
