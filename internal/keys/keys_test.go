package keys

import (
	"crypto/sha256"
	"testing"
)

func TestNew_ProducesUsableIdentity(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(id.PublicKey) != 33 {
		t.Errorf("PublicKey length = %d, want 33 (compressed)", len(id.PublicKey))
	}
	if id.Address == "" {
		t.Error("Address should not be empty")
	}

	digest := sha256.Sum256([]byte("batch payload"))
	sig := id.Sign(digest[:])

	ok, err := Verify(id.PublicKey, digest[:], sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Error("Verify should accept a signature produced by the same identity")
	}
}

func TestVerify_RejectsTamperedDigest(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	digest := sha256.Sum256([]byte("original"))
	sig := id.Sign(digest[:])

	tampered := sha256.Sum256([]byte("tampered"))
	ok, err := Verify(id.PublicKey, tampered[:], sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("Verify should reject a signature checked against a different digest")
	}
}

func TestFromHex_RoundTrip(t *testing.T) {
	original, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	restored, err := FromHex(original.ExportHex())
	if err != nil {
		t.Fatalf("FromHex: %v", err)
	}
	if restored.Address != original.Address {
		t.Errorf("Address = %q, want %q", restored.Address, original.Address)
	}
	if string(restored.PublicKey) != string(original.PublicKey) {
		t.Error("restored PublicKey should match the original")
	}
}

func TestFromHex_InvalidHex(t *testing.T) {
	if _, err := FromHex("not-hex!!"); err == nil {
		t.Error("FromHex should reject a non-hex string")
	}
}

func TestVerify_InvalidPubKey(t *testing.T) {
	digest := sha256.Sum256([]byte("x"))
	if _, err := Verify([]byte{0x01, 0x02}, digest[:], []byte{0x01}); err == nil {
		t.Error("Verify should error on a malformed public key")
	}
}

func TestDeriveAddress_Deterministic(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := deriveAddress(id.PublicKey); got != id.Address {
		t.Errorf("deriveAddress(pub) = %q, want %q (same as Identity.Address)", got, id.Address)
	}
}
