// Package clock provides cryptographically-proven wall-clock time for
// transaction expiry checks and batch timestamps. It is adapted from the
// HMAC-based time oracle the teacher uses to govern monetary issuance
// timing, narrowed here to the expiry/timestamp concerns the sequencer
// actually needs.
package clock

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cmatc13/rollupcore/pkg/errors"
)

// Proof is an HMAC-SHA256 attestation that a timestamp was observed by this
// process at the claimed time, within the configured drift tolerance.
type Proof struct {
	Timestamp int64
	Nonce     uint64
	Signature []byte
}

// Clock governs timestamp issuance and validation for batch headers and
// transaction expiry.
type Clock interface {
	Now() int64
	Validate(timestamp int64) error
	GenerateProof() (*Proof, error)
	VerifyProof(proof *Proof) error
	NowWithProof() (int64, *Proof, error)
}

// HMACClock is the default Clock, signing timestamps with a process-local
// secret so a forged Proof cannot be replayed from a different secret
// domain.
type HMACClock struct {
	mu            sync.RWMutex
	secret        []byte
	maxDrift      time.Duration
	proofValidity time.Duration
	cache         map[int64]Proof
}

// NewHMACClock creates an HMACClock. secret must be at least 32 bytes.
func NewHMACClock(secret []byte, maxDrift, proofValidity time.Duration) (*HMACClock, error) {
	if len(secret) < 32 {
		return nil, errors.New("clock secret must be at least 32 bytes")
	}
	return &HMACClock{
		secret:        secret,
		maxDrift:      maxDrift,
		proofValidity: proofValidity,
		cache:         make(map[int64]Proof),
	}, nil
}

func (c *HMACClock) Now() int64 { return time.Now().Unix() }

func (c *HMACClock) Validate(timestamp int64) error {
	now := time.Now().Unix()

	if maxAllowed := now + int64(c.maxDrift.Seconds()); timestamp > maxAllowed {
		return errors.WrapWithKind(errors.New(errors.Sprintf("timestamp %d exceeds max allowed %d", timestamp, maxAllowed)), errors.KindValidation)
	}
	if minAllowed := now - int64(c.proofValidity.Seconds()); timestamp < minAllowed {
		return errors.WrapWithKind(errors.New(errors.Sprintf("timestamp %d is before min allowed %d", timestamp, minAllowed)), errors.KindValidation)
	}
	return nil
}

func (c *HMACClock) GenerateProof() (*Proof, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().Unix()
	if p, ok := c.cache[now]; ok {
		return &p, nil
	}

	nonce := uint64(time.Now().UnixNano())
	sig, err := c.sign(now, nonce)
	if err != nil {
		return nil, err
	}

	proof := Proof{Timestamp: now, Nonce: nonce, Signature: sig}
	c.cache[now] = proof
	c.sweep()
	return &proof, nil
}

func (c *HMACClock) VerifyProof(proof *Proof) error {
	if proof == nil {
		return errors.New("proof cannot be nil")
	}
	if err := c.Validate(proof.Timestamp); err != nil {
		return err
	}
	expected, err := c.sign(proof.Timestamp, proof.Nonce)
	if err != nil {
		return err
	}
	if !hmac.Equal(proof.Signature, expected) {
		return errors.WrapWithKind(errors.New("time proof signature mismatch"), errors.KindIntegrityViolation)
	}
	return nil
}

func (c *HMACClock) NowWithProof() (int64, *Proof, error) {
	proof, err := c.GenerateProof()
	if err != nil {
		return 0, nil, err
	}
	return proof.Timestamp, proof, nil
}

func (c *HMACClock) sign(timestamp int64, nonce uint64) ([]byte, error) {
	h := hmac.New(sha256.New, c.secret)
	if err := binary.Write(h, binary.BigEndian, timestamp); err != nil {
		return nil, err
	}
	if err := binary.Write(h, binary.BigEndian, nonce); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func (c *HMACClock) sweep() {
	now := time.Now().Unix()
	minAllowed := now - int64(c.proofValidity.Seconds())
	for ts := range c.cache {
		if ts < minAllowed {
			delete(c.cache, ts)
		}
	}
}
