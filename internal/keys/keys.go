// Package keys manages the sequencer's own secp256k1 identity keypair,
// used to sign batch headers (the sequencer_pk field of the wire format)
// independently of the threshold/HSM co-signing path. Adapted from the
// wallet keypair helper the teacher uses for end-user accounts.
package keys

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcutil/base58"

	"github.com/cmatc13/rollupcore/pkg/errors"
)

// Identity is the sequencer's own signing keypair.
type Identity struct {
	PrivateKey *btcec.PrivateKey
	PublicKey  []byte
	Address    string
}

// New generates a fresh sequencer identity.
func New() (*Identity, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, errors.WrapWithKind(err, errors.KindTransientCrypto)
	}
	pub := priv.PubKey().SerializeCompressed()
	return &Identity{
		PrivateKey: priv,
		PublicKey:  pub,
		Address:    deriveAddress(pub),
	}, nil
}

// FromHex reconstructs an Identity from a hex-encoded private key, e.g. one
// recovered from an HSM backup blob.
func FromHex(hexKey string) (*Identity, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.WrapWithKind(err, errors.KindValidation)
	}
	priv, pub := btcec.PrivKeyFromBytes(raw)
	return &Identity{
		PrivateKey: priv,
		PublicKey:  pub.SerializeCompressed(),
		Address:    deriveAddress(pub.SerializeCompressed()),
	}, nil
}

// ExportHex exports the private key as a hex string for controlled
// handoff to an HSM backup.
func (id *Identity) ExportHex() string {
	return hex.EncodeToString(id.PrivateKey.Serialize())
}

// Sign produces a DER-serialized ECDSA signature over digest.
func (id *Identity) Sign(digest []byte) []byte {
	sig := ecdsa.Sign(id.PrivateKey, digest)
	return sig.Serialize()
}

// Verify checks a DER-serialized signature against a compressed public key.
func Verify(pubKey, digest, signature []byte) (bool, error) {
	parsedPub, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return false, errors.WrapWithKind(err, errors.KindValidation)
	}
	parsedSig, err := ecdsa.ParseSignature(signature)
	if err != nil {
		return false, errors.WrapWithKind(err, errors.KindValidation)
	}
	return parsedSig.Verify(digest, parsedPub), nil
}

func deriveAddress(pubKey []byte) string {
	hash := sha256.Sum256(pubKey)
	return base58.Encode(hash[:20])
}
