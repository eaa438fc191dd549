// Package hsm wraps a provider-agnostic HSM-resident master key together
// with its TSS shares (component H). The HSM master key never leaves the
// simulated "local" provider in this deployment shape; AWS CloudHSM or a
// vendor PKCS#11 provider would implement the same Provider interface.
package hsm

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/cmatc13/rollupcore/internal/tss"
	"github.com/cmatc13/rollupcore/pkg/errors"
	"github.com/cmatc13/rollupcore/pkg/logging"
	"github.com/cmatc13/rollupcore/pkg/metrics"
)

// LifecycleState is a logical key's position in its rotation lifecycle.
type LifecycleState string

const (
	Active   LifecycleState = "Active"
	Rotating LifecycleState = "Rotating"
	Inactive LifecycleState = "Inactive"
)

// Provider is the vendor-agnostic HSM contract.
type Provider interface {
	GenerateKey(ctx context.Context, keyID, keyType, usage string) error
	GetPublicKey(ctx context.Context, keyID string) ([]byte, error)
	Sign(ctx context.Context, digestHex, keyID string) (string, error)
	Verify(ctx context.Context, digestHex, signature, keyID string) (bool, error)
	Backup(ctx context.Context, keyID string) ([]byte, error)
	Restore(ctx context.Context, keyID string, blob []byte) error
}

// localProvider is a software-simulated HSM: keys are held in memory and
// "never leave" only in the sense that callers interact through Provider,
// not by reading the struct directly. It uses btcec/v2 for its own
// single-keypair ECDSA signing, the same library the wallet keypair uses
// elsewhere, rather than the bare curve arithmetic tss uses for Shamir
// share combination.
type localProvider struct {
	mu   sync.RWMutex
	keys map[string]*btcec.PrivateKey
}

func newLocalProvider() *localProvider {
	return &localProvider{keys: make(map[string]*btcec.PrivateKey)}
}

func (p *localProvider) GenerateKey(ctx context.Context, keyID, keyType, usage string) error {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.keys[keyID] = priv
	p.mu.Unlock()
	return nil
}

func (p *localProvider) GetPublicKey(ctx context.Context, keyID string) ([]byte, error) {
	p.mu.RLock()
	k, ok := p.keys[keyID]
	p.mu.RUnlock()
	if !ok {
		return nil, errors.ErrNotFound
	}
	return k.PubKey().SerializeCompressed(), nil
}

func (p *localProvider) Sign(ctx context.Context, digestHex, keyID string) (string, error) {
	p.mu.RLock()
	k, ok := p.keys[keyID]
	p.mu.RUnlock()
	if !ok {
		return "", errors.ErrNotFound
	}

	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return "", err
	}

	sig := ecdsa.Sign(k, digest)
	return hex.EncodeToString(sig.Serialize()), nil
}

func (p *localProvider) Verify(ctx context.Context, digestHex, signature, keyID string) (bool, error) {
	p.mu.RLock()
	k, ok := p.keys[keyID]
	p.mu.RUnlock()
	if !ok {
		return false, errors.ErrNotFound
	}

	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return false, err
	}
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return false, err
	}
	sig, err := ecdsa.ParseSignature(sigBytes)
	if err != nil {
		return false, err
	}

	return sig.Verify(digest, k.PubKey()), nil
}

func (p *localProvider) Backup(ctx context.Context, keyID string) ([]byte, error) {
	p.mu.RLock()
	k, ok := p.keys[keyID]
	p.mu.RUnlock()
	if !ok {
		return nil, errors.ErrNotFound
	}
	return json.Marshal(struct {
		Priv string `json:"priv"`
	}{hex.EncodeToString(k.Serialize())})
}

func (p *localProvider) Restore(ctx context.Context, keyID string, blob []byte) error {
	var payload struct {
		Priv string `json:"priv"`
	}
	if err := json.Unmarshal(blob, &payload); err != nil {
		return errors.WrapWithKind(err, errors.KindCorruption)
	}
	privBytes, err := hex.DecodeString(payload.Priv)
	if err != nil {
		return errors.WrapWithKind(errors.New("malformed HSM backup blob"), errors.KindCorruption)
	}
	priv, _ := btcec.PrivKeyFromBytes(privBytes)

	p.mu.Lock()
	p.keys[keyID] = priv
	p.mu.Unlock()
	return nil
}

// KeyMaterial is the logical key record: its public key, the HSM leg's
// identity, the TSS shares, and lifecycle state.
type KeyMaterial struct {
	KeyID       string
	PublicX     *big.Int
	PublicY     *big.Int
	TSS         *tss.KeySet
	State       LifecycleState
	CreatedAt   time.Time
	RotatingAt  time.Time
	GracePeriod time.Duration
}

// Manager owns the logical keys materialising an HSM master key plus a TSS
// shared key (component H).
type Manager struct {
	provider Provider
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu   sync.RWMutex
	keys map[string]*KeyMaterial
}

// NewManager creates a Manager backed by an in-process simulated HSM
// provider. A real deployment swaps in a vendor PKCS#11/cloud-HSM Provider.
func NewManager(logger *logging.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		provider: newLocalProvider(),
		logger:   logger,
		metrics:  m,
		keys:     make(map[string]*KeyMaterial),
	}
}

// GenerateKey creates the HSM leg and the TSS-shared leg of a new logical key.
func (mgr *Manager) GenerateKey(ctx context.Context, keyID string, threshold, parties int) (*KeyMaterial, error) {
	if err := mgr.provider.GenerateKey(ctx, keyID, "secp256k1", "sign"); err != nil {
		return nil, errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}
	keySet, err := tss.GenerateKey(threshold, parties)
	if err != nil {
		return nil, err
	}

	km := &KeyMaterial{
		KeyID:     keyID,
		PublicX:   keySet.PublicX,
		PublicY:   keySet.PublicY,
		TSS:       keySet,
		State:     Active,
		CreatedAt: time.Now(),
	}

	mgr.mu.Lock()
	mgr.keys[keyID] = km
	mgr.mu.Unlock()

	if mgr.metrics != nil {
		mgr.metrics.HSMOperations.WithLabelValues("generate_key").Inc()
	}
	return km, nil
}

// Sign co-signs digest via the HSM leg of keyID, refusing if the key is
// Inactive.
func (mgr *Manager) Sign(ctx context.Context, keyID string, digest []byte) (string, error) {
	mgr.mu.RLock()
	km, ok := mgr.keys[keyID]
	mgr.mu.RUnlock()
	if !ok {
		return "", errors.ErrNotFound
	}
	if km.State == Inactive {
		return "", &errors.Error{Domain: "hsm", Kind: errors.KindValidation, Code: "HSM_KEY_INACTIVE", Message: "key is inactive, signing refused"}
	}

	start := time.Now()
	digestHex := hex.EncodeToString(digest)
	sig, err := mgr.provider.Sign(ctx, digestHex, keyID)
	if mgr.metrics != nil {
		mgr.metrics.HSMOperationLatency.WithLabelValues("sign").Observe(time.Since(start).Seconds())
		mgr.metrics.HSMOperations.WithLabelValues("sign").Inc()
	}
	if err != nil {
		return "", errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}
	return sig, nil
}

// Rotate begins rotation: a new logical key K' is generated and the old key
// is kept Active (but marked Rotating) until GracePeriod elapses.
func (mgr *Manager) Rotate(ctx context.Context, keyID string, gracePeriod time.Duration, threshold, parties int) (*KeyMaterial, error) {
	mgr.mu.Lock()
	old, ok := mgr.keys[keyID]
	mgr.mu.Unlock()
	if ok {
		old.State = Rotating
		old.RotatingAt = time.Now()
		old.GracePeriod = gracePeriod
	}

	newKeyID := keyID + ":rotated:" + time.Now().UTC().Format("20060102150405")
	km, err := mgr.GenerateKey(ctx, newKeyID, threshold, parties)
	if err != nil {
		return nil, err
	}

	if mgr.metrics != nil {
		mgr.metrics.HSMOperations.WithLabelValues("rotate_key").Inc()
	}

	return km, nil
}

// SweepGracePeriods transitions Rotating keys whose grace period has elapsed
// to Inactive. Intended to run from a caller-owned periodic loop.
func (mgr *Manager) SweepGracePeriods() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for _, km := range mgr.keys {
		if km.State == Rotating && time.Since(km.RotatingAt) > km.GracePeriod {
			km.State = Inactive
			mgr.logger.Info("HSM key grace period elapsed, now inactive", "key_id", km.KeyID)
		}
	}
}

// Backup symmetrically encrypts the HSM blob plus the logical key's metadata
// under AES-256-CBC with a key derived from passphrase via SHA-256.
func (mgr *Manager) Backup(ctx context.Context, keyID, passphrase string) ([]byte, error) {
	mgr.mu.RLock()
	km, ok := mgr.keys[keyID]
	mgr.mu.RUnlock()
	if !ok {
		return nil, errors.ErrNotFound
	}

	hsmBlob, err := mgr.provider.Backup(ctx, keyID)
	if err != nil {
		return nil, errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}

	plaintext, err := json.Marshal(struct {
		KeyID     string `json:"key_id"`
		HSMBlob   []byte `json:"hsm_blob"`
		PublicX   string `json:"public_x"`
		PublicY   string `json:"public_y"`
		Threshold int    `json:"threshold"`
		Parties   int    `json:"parties"`
		CreatedAt int64  `json:"created_at"`
	}{
		KeyID:     km.KeyID,
		HSMBlob:   hsmBlob,
		PublicX:   km.PublicX.Text(16),
		PublicY:   km.PublicY.Text(16),
		Threshold: km.TSS.Threshold,
		Parties:   km.TSS.Parties,
		CreatedAt: km.CreatedAt.Unix(),
	})
	if err != nil {
		return nil, err
	}

	return encryptAESCBC(plaintext, passphrase)
}

// Restore reverses Backup, requiring the identical passphrase.
func (mgr *Manager) Restore(ctx context.Context, blob []byte, passphrase string) (*KeyMaterial, error) {
	plaintext, err := decryptAESCBC(blob, passphrase)
	if err != nil {
		return nil, errors.WrapWithKind(err, errors.KindCorruption)
	}

	var payload struct {
		KeyID     string `json:"key_id"`
		HSMBlob   []byte `json:"hsm_blob"`
		PublicX   string `json:"public_x"`
		PublicY   string `json:"public_y"`
		Threshold int    `json:"threshold"`
		Parties   int    `json:"parties"`
		CreatedAt int64  `json:"created_at"`
	}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, errors.WrapWithKind(err, errors.KindCorruption)
	}

	if err := mgr.provider.Restore(ctx, payload.KeyID, payload.HSMBlob); err != nil {
		return nil, errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}

	x, _ := new(big.Int).SetString(payload.PublicX, 16)
	y, _ := new(big.Int).SetString(payload.PublicY, 16)

	km := &KeyMaterial{
		KeyID:     payload.KeyID,
		PublicX:   x,
		PublicY:   y,
		State:     Active,
		CreatedAt: time.Unix(payload.CreatedAt, 0),
	}

	mgr.mu.Lock()
	mgr.keys[payload.KeyID] = km
	mgr.mu.Unlock()

	return km, nil
}

func encryptAESCBC(plaintext []byte, passphrase string) ([]byte, error) {
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(ciphertext, padded)

	return append(iv, ciphertext...), nil
}

func decryptAESCBC(blob []byte, passphrase string) ([]byte, error) {
	if len(blob) < aes.BlockSize {
		return nil, errors.New("backup blob too short")
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	iv := blob[:aes.BlockSize]
	ciphertext := blob[aes.BlockSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("backup blob is not block-aligned")
	}

	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errors.New("invalid padding")
	}
	return data[:len(data)-padLen], nil
}

