package sequencer

import (
	"crypto/sha256"
	"testing"
)

func sampleTx(nonce uint64) *Transaction {
	tx := &Transaction{
		Sender:    [32]byte{1},
		Recipient: [32]byte{2},
		Amount:    100,
		Nonce:     nonce,
		Expiry:    9999999999,
		Type:      TypeTransfer,
		Status:    0,
		Data:      []byte("payload"),
		Signature: []byte("sig-bytes"),
	}
	tx.ID = tx.Hash()
	return tx
}

func TestCanonicalEncoding_RoundTripsThroughDecode(t *testing.T) {
	tx := sampleTx(7)
	encoded := tx.CanonicalEncoding()

	decoded, n, err := DecodeTransaction(encoded)
	if err != nil {
		t.Fatalf("DecodeTransaction: %v", err)
	}
	if n != len(encoded) {
		t.Errorf("consumed %d bytes, want %d", n, len(encoded))
	}
	if decoded.ID != tx.ID || decoded.Sender != tx.Sender || decoded.Nonce != tx.Nonce {
		t.Errorf("decoded transaction mismatch: %+v vs %+v", decoded, tx)
	}
	if string(decoded.Data) != string(tx.Data) {
		t.Errorf("Data = %q, want %q", decoded.Data, tx.Data)
	}
	if string(decoded.Signature) != string(tx.Signature) {
		t.Errorf("Signature = %q, want %q", decoded.Signature, tx.Signature)
	}
}

func TestDecodeTransaction_TooShort(t *testing.T) {
	if _, _, err := DecodeTransaction([]byte{1, 2, 3}); err == nil {
		t.Error("DecodeTransaction should reject a too-short record")
	}
}

func TestHash_ExcludesIDField(t *testing.T) {
	tx := sampleTx(1)
	h1 := tx.Hash()

	tx.ID = [32]byte{0xFF}
	h2 := tx.Hash()
	if h1 != h2 {
		t.Error("Hash should not depend on the ID field (ID is defined as the hash)")
	}
}

func TestMerkleRoot_Empty(t *testing.T) {
	want := sha256.Sum256(nil)
	if got := MerkleRoot(nil); got != want {
		t.Errorf("MerkleRoot(nil) = %x, want sha256(nil) = %x", got, want)
	}
}

func TestMerkleRoot_SingleLeaf(t *testing.T) {
	leaf := sha256.Sum256([]byte("only"))
	if got := MerkleRoot([][32]byte{leaf}); got != leaf {
		t.Errorf("MerkleRoot of a single leaf should be that leaf, got %x want %x", got, leaf)
	}
}

func TestMerkleRoot_OrderIndependentWithinPair(t *testing.T) {
	a := sha256.Sum256([]byte("a"))
	b := sha256.Sum256([]byte("b"))

	r1 := MerkleRoot([][32]byte{a, b})
	r2 := MerkleRoot([][32]byte{b, a})
	if r1 != r2 {
		t.Error("MerkleRoot should be order-independent within a sibling pair")
	}
}

func TestMerkleRoot_OddLengthDuplicatesLast(t *testing.T) {
	a := sha256.Sum256([]byte("a"))
	b := sha256.Sum256([]byte("b"))
	c := sha256.Sum256([]byte("c"))

	r1 := MerkleRoot([][32]byte{a, b, c})
	r2 := MerkleRoot([][32]byte{a, b, c, c})
	if r1 != r2 {
		t.Error("an odd-length level should duplicate its last hash, matching an explicit duplicate")
	}
}

func TestEncodeDecodeBatchHeader_RoundTrips(t *testing.T) {
	tx := sampleTx(1)
	batch := &Batch{
		ID:           [32]byte{9},
		Root:         MerkleRoot([][32]byte{tx.Hash()}),
		SequencerPK:  [32]byte{8},
		Timestamp:    1234,
		Expiry:       5678,
		Signature:    []byte("batch-sig"),
		Transactions: []*Transaction{tx},
	}

	encoded := EncodeBatch(batch)
	decoded, offset, err := DecodeBatchHeader(encoded)
	if err != nil {
		t.Fatalf("DecodeBatchHeader: %v", err)
	}
	if decoded.ID != batch.ID || decoded.Root != batch.Root || decoded.SequencerPK != batch.SequencerPK {
		t.Errorf("decoded header mismatch: %+v vs %+v", decoded, batch)
	}
	if decoded.Timestamp != batch.Timestamp || decoded.Expiry != batch.Expiry {
		t.Errorf("decoded timestamps mismatch: %+v vs %+v", decoded, batch)
	}
	if string(decoded.Signature) != string(batch.Signature) {
		t.Errorf("Signature = %q, want %q", decoded.Signature, batch.Signature)
	}

	remainder := encoded[offset:]
	decodedTx, n, err := DecodeTransaction(remainder)
	if err != nil {
		t.Fatalf("DecodeTransaction on batch remainder: %v", err)
	}
	if n != len(remainder) {
		t.Errorf("consumed %d bytes of remainder, want %d", n, len(remainder))
	}
	if decodedTx.ID != tx.ID {
		t.Errorf("decoded tx ID = %x, want %x", decodedTx.ID, tx.ID)
	}
}

func TestDecodeBatchHeader_TooShort(t *testing.T) {
	if _, _, err := DecodeBatchHeader([]byte{1, 2, 3}); err == nil {
		t.Error("DecodeBatchHeader should reject a too-short payload")
	}
}
