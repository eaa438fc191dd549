package sequencer

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/cmatc13/rollupcore/pkg/errors"
)

// CanonicalEncoding returns tx's fixed-field-order byte encoding, the input
// to both its id hash and its Merkle leaf hash.
//
//	id(32) || sender(32) || recipient(32) || amount(u64 LE) || nonce(u64 LE)
//	|| expiry(u64 LE) || type(u8) || status(u8) || data(len-prefixed)
//	|| signature(len-prefixed)
func (tx *Transaction) CanonicalEncoding() []byte {
	buf := new(bytes.Buffer)
	buf.Write(tx.ID[:])
	buf.Write(tx.Sender[:])
	buf.Write(tx.Recipient[:])
	writeU64(buf, tx.Amount)
	writeU64(buf, tx.Nonce)
	writeU64(buf, tx.Expiry)
	buf.WriteByte(byte(tx.Type))
	buf.WriteByte(byte(tx.Status))
	writeLenPrefixed(buf, tx.Data)
	writeLenPrefixed(buf, tx.Signature)
	return buf.Bytes()
}

// Hash is the transaction's 32-byte SHA-256 over its canonical encoding,
// excluding ID (ID is itself defined as this hash, so it is zeroed first).
func (tx *Transaction) Hash() [32]byte {
	cp := *tx
	cp.ID = [32]byte{}
	return sha256.Sum256(cp.CanonicalEncoding())
}

// DecodeTransaction parses a single CanonicalEncoding-format record,
// returning the transaction and the number of bytes consumed.
func DecodeTransaction(data []byte) (*Transaction, int, error) {
	const fixed = 32 + 32 + 32 + 8 + 8 + 8 + 1 + 1
	if len(data) < fixed+8+8 {
		return nil, 0, errors.WrapWithKind(errors.New("transaction record too short"), errors.KindCorruption)
	}

	tx := &Transaction{}
	pos := 0
	copy(tx.ID[:], data[pos:pos+32])
	pos += 32
	copy(tx.Sender[:], data[pos:pos+32])
	pos += 32
	copy(tx.Recipient[:], data[pos:pos+32])
	pos += 32
	tx.Amount = binary.LittleEndian.Uint64(data[pos : pos+8])
	pos += 8
	tx.Nonce = binary.LittleEndian.Uint64(data[pos : pos+8])
	pos += 8
	tx.Expiry = binary.LittleEndian.Uint64(data[pos : pos+8])
	pos += 8
	tx.Type = Type(data[pos])
	pos++
	tx.Status = Status(data[pos])
	pos++

	dataLen := binary.LittleEndian.Uint64(data[pos : pos+8])
	pos += 8
	if uint64(len(data)-pos) < dataLen {
		return nil, 0, errors.WrapWithKind(errors.New("transaction record truncated in data field"), errors.KindCorruption)
	}
	tx.Data = append([]byte(nil), data[pos:pos+int(dataLen)]...)
	pos += int(dataLen)

	if len(data)-pos < 8 {
		return nil, 0, errors.WrapWithKind(errors.New("transaction record truncated before signature length"), errors.KindCorruption)
	}
	sigLen := binary.LittleEndian.Uint64(data[pos : pos+8])
	pos += 8
	if uint64(len(data)-pos) < sigLen {
		return nil, 0, errors.WrapWithKind(errors.New("transaction record truncated in signature field"), errors.KindCorruption)
	}
	tx.Signature = append([]byte(nil), data[pos:pos+int(sigLen)]...)
	pos += int(sigLen)

	return tx, pos, nil
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	writeU64(buf, uint64(len(data)))
	buf.Write(data)
}

// MerkleRoot computes the batch root over leaf hashes in inclusion order:
// pairwise SHA-256, lexicographic tie-break within a pair so proofs don't
// depend on which side of the pair a hash started on, duplicating the last
// hash when a level has odd length.
//
// The teacher's settlement engine computed a "root" by hashing every
// transaction id into one SHA-256 state — not a Merkle tree at all, and
// not order-independent within a pair. This replaces that with the exact
// algorithm spec.md §4.F requires.
func MerkleRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return sha256.Sum256(nil)
	}

	level := make([][32]byte, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			a, b := level[i], level[i+1]
			if bytes.Compare(a[:], b[:]) > 0 {
				a, b = b, a
			}
			h := sha256.New()
			h.Write(a[:])
			h.Write(b[:])
			var sum [32]byte
			copy(sum[:], h.Sum(nil))
			next[i/2] = sum
		}
		level = next
	}
	return level[0]
}

// EncodeBatch serializes a signed batch per the wire format of spec.md §6:
// batch_header{id(32), root(32), sequencer_pk(32), ts(u64 LE), expiry(u64 LE),
// sig(len-prefixed)} followed by the concatenated serialized transactions.
func EncodeBatch(b *Batch) []byte {
	buf := new(bytes.Buffer)
	buf.Write(b.ID[:])
	buf.Write(b.Root[:])
	buf.Write(b.SequencerPK[:])
	writeU64(buf, b.Timestamp)
	writeU64(buf, b.Expiry)
	writeLenPrefixed(buf, b.Signature)
	for _, tx := range b.Transactions {
		buf.Write(tx.CanonicalEncoding())
	}
	return buf.Bytes()
}

// DecodeBatchHeader parses the batch_header prefix of an encoded batch
// payload, returning the header fields and the offset of the first
// transaction record.
func DecodeBatchHeader(payload []byte) (b *Batch, offset int, err error) {
	if len(payload) < 32+32+32+8+8+8 {
		return nil, 0, errors.WrapWithKind(errors.New("batch payload too short for header"), errors.KindCorruption)
	}

	b = &Batch{}
	pos := 0
	copy(b.ID[:], payload[pos:pos+32])
	pos += 32
	copy(b.Root[:], payload[pos:pos+32])
	pos += 32
	copy(b.SequencerPK[:], payload[pos:pos+32])
	pos += 32
	b.Timestamp = binary.LittleEndian.Uint64(payload[pos : pos+8])
	pos += 8
	b.Expiry = binary.LittleEndian.Uint64(payload[pos : pos+8])
	pos += 8

	sigLen := binary.LittleEndian.Uint64(payload[pos : pos+8])
	pos += 8
	if uint64(len(payload)-pos) < sigLen {
		return nil, 0, errors.WrapWithKind(errors.New("batch payload truncated in signature field"), errors.KindCorruption)
	}
	b.Signature = append([]byte(nil), payload[pos:pos+int(sigLen)]...)
	pos += int(sigLen)

	return b, pos, nil
}
