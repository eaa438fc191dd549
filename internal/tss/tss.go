// Package tss implements the threshold-signature attestation pipeline
// (component G): Shamir-split secp256k1 keys, session-based t-of-n partial
// ECDSA signatures, and combination/verification of the result.
package tss

import (
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"sync"
	"time"

	"github.com/cmatc13/rollupcore/pkg/errors"
	"github.com/cmatc13/rollupcore/pkg/logging"
	"github.com/cmatc13/rollupcore/pkg/metrics"
)

// Share is one party's Shamir share of the split private scalar.
type Share struct {
	PartyID int
	Value   *big.Int
}

// KeySet is the output of key generation: the public key Q and each party's
// share of the discarded private scalar d.
type KeySet struct {
	PublicX, PublicY *big.Int
	Shares           []Share
	Threshold        int
	Parties          int
}

// GenerateKey picks a uniformly random scalar d, derives Q = d*G, splits d
// into `parties` Shamir shares with threshold `threshold`, and discards d.
func GenerateKey(threshold, parties int) (*KeySet, error) {
	if threshold <= 0 || threshold > parties {
		return nil, errors.New("threshold must be in (0, parties]")
	}

	d, err := rand.Int(rand.Reader, curveN)
	if err != nil {
		return nil, err
	}

	coeffs := make([]*big.Int, threshold)
	coeffs[0] = d
	for i := 1; i < threshold; i++ {
		c, err := rand.Int(rand.Reader, curveN)
		if err != nil {
			return nil, err
		}
		coeffs[i] = c
	}

	shares := make([]Share, parties)
	for i := 1; i <= parties; i++ {
		x := big.NewInt(int64(i))
		shares[i-1] = Share{PartyID: i, Value: evalPoly(coeffs, x)}
	}

	Q := scalarBaseMult(d)
	// d is now out of scope; only coeffs[0] (aliased to d) and shares remain
	// reachable, and the caller is expected to drop the KeySet's Shares once
	// distributed to each party's HSM-adjacent store.

	return &KeySet{
		PublicX:   Q.X,
		PublicY:   Q.Y,
		Shares:    shares,
		Threshold: threshold,
		Parties:   parties,
	}, nil
}

func evalPoly(coeffs []*big.Int, x *big.Int) *big.Int {
	result := big.NewInt(0)
	xPow := big.NewInt(1)
	for _, c := range coeffs {
		term := new(big.Int).Mul(c, xPow)
		result = modN(new(big.Int).Add(result, term))
		xPow = modN(new(big.Int).Mul(xPow, x))
	}
	return result
}

// lagrangeCoefficient computes the Lagrange basis coefficient for partyID
// within the given subset, evaluated at x=0, mod the curve order.
func lagrangeCoefficient(partyID int, subset []int) *big.Int {
	num := big.NewInt(1)
	den := big.NewInt(1)
	xi := big.NewInt(int64(partyID))

	for _, other := range subset {
		if other == partyID {
			continue
		}
		xj := big.NewInt(int64(other))
		num = modN(new(big.Int).Mul(num, xj))
		den = modN(new(big.Int).Mul(den, modN(new(big.Int).Sub(xj, xi))))
	}

	denInv := new(big.Int).ModInverse(den, curveN)
	return modN(new(big.Int).Mul(num, denInv))
}

// Session is a single t-of-n signing ceremony over a 32-byte message digest.
type Session struct {
	ID        string
	Digest    *big.Int
	Threshold int
	CreatedAt time.Time
	TTL       time.Duration

	mu        sync.Mutex
	nonces    map[int]*big.Int // party -> k_i
	rPoints   map[int]point    // party -> R_i
	partials  map[int]*big.Int // party -> s_i
	r         *big.Int
	finalized bool
}

// Partials returns a snapshot of the party IDs that have already produced a
// partial signature in this session, letting callers resume a round without
// tripping ErrDuplicatePartial.
func (sess *Session) Partials() map[int]*big.Int {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make(map[int]*big.Int, len(sess.partials))
	for k, v := range sess.partials {
		out[k] = v
	}
	return out
}

// ErrSessionExpired is returned when a session's TTL has elapsed.
var ErrSessionExpired = &errors.Error{Domain: "tss", Kind: errors.KindTransientCrypto, Code: "TSS_SESSION_EXPIRED", Message: "signing session expired"}

// ErrDuplicatePartial is returned if a party submits more than one partial
// signature within a session.
var ErrDuplicatePartial = errors.New("party already submitted a partial signature for this session")

// ErrAlreadyFinalized is returned once quorum has been reached.
var ErrAlreadyFinalized = errors.New("session already finalized")

// Signer manages signing sessions for a single KeySet.
type Signer struct {
	keySet  *KeySet
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSigner creates a Signer bound to a generated KeySet.
func NewSigner(keySet *KeySet, logger *logging.Logger, m *metrics.Metrics) *Signer {
	return &Signer{
		keySet:   keySet,
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// OpenSession starts a new session over message m (typically a batch root),
// with the given TTL.
func (s *Signer) OpenSession(id string, message []byte, ttl time.Duration) (*Session, error) {
	digest := sha256.Sum256(message)
	h := new(big.Int).SetBytes(digest[:])

	sess := &Session{
		ID:        id,
		Digest:    h,
		Threshold: s.keySet.Threshold,
		CreatedAt: time.Now(),
		TTL:       ttl,
		nonces:    make(map[int]*big.Int),
		rPoints:   make(map[int]point),
		partials:  make(map[int]*big.Int),
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TSSSessionsOpened.Inc()
	}

	return sess, nil
}

// PartialSign has party i (holding share d_i) contribute to the session: it
// samples k_i, publishes R_i = k_i*G, and once the session's combined R is
// known (meaning all expected parties for this round have published),
// computes s_i = k_i^-1 * (h + r*d_i) mod n.
//
// Each party calls it to publish R_i; until every party in `participants`
// has published, it returns (nil, nil). The call that completes the round
// fixes r and returns that caller's partial, and each earlier party calls
// again to obtain its own partial.
func (s *Signer) PartialSign(sess *Session, share Share, participants []int) (*big.Int, error) {
	if s.isExpired(sess) {
		return nil, ErrSessionExpired
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.finalized {
		return nil, ErrAlreadyFinalized
	}
	if _, exists := sess.partials[share.PartyID]; exists {
		return nil, ErrDuplicatePartial
	}

	// A party's nonce is sampled once and reused across calls: the round
	// requires every participant's R_i to be published before r is known,
	// so PartialSign is called once per party to publish, then again
	// (for each party) once the round closes to actually produce a partial.
	// Resampling on the second call would desync k_i from the R_i already
	// folded into sess.r.
	k, ok := sess.nonces[share.PartyID]
	if !ok {
		var err error
		k, err = sampleNonce()
		if err != nil {
			return nil, err
		}
		sess.nonces[share.PartyID] = k
		sess.rPoints[share.PartyID] = scalarBaseMult(k)
	}

	if sess.r == nil && allPublished(sess, participants) {
		sess.r = combinedR(sess, participants)
	}
	if sess.r == nil {
		return nil, nil // waiting for the rest of the round
	}

	r := sess.r
	// Weight this party's share by its Lagrange basis coefficient over the
	// participating subset so that the plain sum in Combine reconstructs a
	// signature valid under the full-degree secret, not just this party's
	// raw polynomial evaluation.
	lambda := lagrangeCoefficient(share.PartyID, participants)
	effectiveD := modN(new(big.Int).Mul(lambda, share.Value))

	kInv := new(big.Int).ModInverse(k, curveN)
	partial := modN(new(big.Int).Mul(kInv, modN(new(big.Int).Add(sess.Digest, modN(new(big.Int).Mul(r, effectiveD))))))
	sess.partials[share.PartyID] = partial

	return partial, nil
}

func allPublished(sess *Session, participants []int) bool {
	for _, p := range participants {
		if _, ok := sess.rPoints[p]; !ok {
			return false
		}
	}
	return true
}

func combinedR(sess *Session, participants []int) *big.Int {
	acc := infinity()
	for _, p := range participants {
		acc = pointAdd(acc, sess.rPoints[p])
	}
	return modN(acc.X)
}

func sampleNonce() (*big.Int, error) {
	return rand.Int(rand.Reader, curveN)
}

// Combine sums the partial signatures of the participating subset (size >=
// threshold) into a single (r, s) and verifies it against the signer's
// public key.
func (s *Signer) Combine(sess *Session, participants []int) (r, sig *big.Int, err error) {
	sess.mu.Lock()
	if len(participants) < sess.Threshold {
		sess.mu.Unlock()
		return nil, nil, errors.New("fewer participants than threshold")
	}
	if sess.r == nil {
		sess.mu.Unlock()
		return nil, nil, errors.New("session round not finalized")
	}

	acc := big.NewInt(0)
	for _, p := range participants {
		partial, ok := sess.partials[p]
		if !ok {
			sess.mu.Unlock()
			return nil, nil, errors.New("missing partial signature from participant")
		}
		acc = modN(new(big.Int).Add(acc, partial))
	}
	sess.finalized = true
	r = sess.r
	sess.mu.Unlock()

	if !Verify(s.keySet.PublicX, s.keySet.PublicY, sess.Digest, r, acc) {
		return nil, nil, &errors.Error{Domain: "tss", Kind: errors.KindIntegrityViolation, Code: "TSS_COMBINE_VERIFY_FAILED", Message: "combined signature failed verification"}
	}

	if s.metrics != nil {
		s.metrics.TSSSessionsFinalized.Inc()
	}

	return r, acc, nil
}

func (s *Signer) isExpired(sess *Session) bool {
	if sess.TTL <= 0 {
		return false
	}
	return time.Since(sess.CreatedAt) > sess.TTL
}

// Verify checks ECDSA signature (r, s) over digest h against public key
// (Qx, Qy).
func Verify(Qx, Qy, h, r, sig *big.Int) bool {
	if r.Sign() <= 0 || r.Cmp(curveN) >= 0 || sig.Sign() <= 0 || sig.Cmp(curveN) >= 0 {
		return false
	}

	sInv := new(big.Int).ModInverse(sig, curveN)
	u1 := modN(new(big.Int).Mul(h, sInv))
	u2 := modN(new(big.Int).Mul(r, sInv))

	p1 := scalarBaseMult(u1)
	p2 := scalarMult(u2, point{X: Qx, Y: Qy})
	sum := pointAdd(p1, p2)

	if sum.isInfinity() {
		return false
	}
	return modN(sum.X).Cmp(modN(r)) == 0
}

// LagrangeCoefficient exposes the Lagrange basis coefficient for tests and
// for parties that combine shares outside of a Session (e.g. key recovery).
func LagrangeCoefficient(partyID int, subset []int) *big.Int {
	return lagrangeCoefficient(partyID, subset)
}
