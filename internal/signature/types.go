// Package signature signs plugin packages and verifies detached signatures
// against a signer certificate, a revocation set and trusted roots.
package signature

import (
	"errors"
	"strings"
	"time"
)

// Algorithm names a signature scheme.
type Algorithm string

const (
	Ed25519         Algorithm = "ed25519"
	ECDSAP256SHA256 Algorithm = "ecdsa-p256-sha256"
)

// HashAlgorithm names the content digest.
type HashAlgorithm string

const (
	SHA256     HashAlgorithm = "sha256"
	BLAKE2b256 HashAlgorithm = "blake2b-256"
)

// TrustLevel selects how strictly the signer is checked.
type TrustLevel int

const (
	// TrustNone accepts any structurally valid, unrevoked, unexpired signature.
	TrustNone TrustLevel = iota
	// TrustBasic additionally requires the signature to verify; same as None
	// for verdict purposes but kept distinct so callers can log intent.
	TrustBasic
	// TrustFull requires the signer to chain to a trusted root.
	TrustFull
)

func (l TrustLevel) String() string {
	switch l {
	case TrustNone:
		return "none"
	case TrustBasic:
		return "basic"
	case TrustFull:
		return "full"
	default:
		return "unknown"
	}
}

// ParseTrustLevel maps config text to a TrustLevel; empty means basic.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return TrustNone, nil
	case "", "basic":
		return TrustBasic, nil
	case "full":
		return TrustFull, nil
	default:
		return TrustBasic, errors.New("unknown trust level: " + s)
	}
}

// Verdict is the outcome of a verification. Only Valid is acceptable for install.
type Verdict string

const (
	Valid             Verdict = "valid"
	ValidButUntrusted Verdict = "valid_but_untrusted"
	Invalid           Verdict = "invalid"
	Expired           Verdict = "expired"
	Revoked           Verdict = "revoked"
)

// SignatureInfo is the detached signature bundle stored next to a package
// as <package>.sig.
type SignatureInfo struct {
	Algorithm     Algorithm     `json:"algorithm"`
	HashAlgorithm HashAlgorithm `json:"hash_algorithm"`
	// Hash is the hex digest of the package content.
	Hash      string `json:"hash"`
	Signature []byte `json:"signature"`
	// Thumbprint is the hex SHA-256 of the signer certificate DER.
	Thumbprint string    `json:"thumbprint"`
	Timestamp  time.Time `json:"timestamp"`
	// Certificate is the PEM signer certificate. Optional when supplied separately.
	Certificate string `json:"certificate,omitempty"`
}

// SignedPackageInfo is the verifier's record of a checked package.
type SignedPackageInfo struct {
	ContentHash string    `json:"content_hash"`
	Signature   []byte    `json:"signature"`
	Thumbprint  string    `json:"thumbprint"`
	Subject     string    `json:"subject,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Verdict     Verdict   `json:"verdict"`
}

// VerificationResult carries the verdict and a human-readable reason.
type VerificationResult struct {
	Verdict Verdict           `json:"verdict"`
	Reason  string            `json:"reason,omitempty"`
	Package SignedPackageInfo `json:"package"`
}

func (r VerificationResult) OK() bool { return r.Verdict == Valid }

var (
	// ErrRead reports that the package or signature file could not be read.
	// It is distinct from every cryptographic failure.
	ErrRead                 = errors.New("read failed")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrCertificate          = errors.New("invalid certificate")
	ErrMalformed            = errors.New("malformed signature bundle")
	// ErrRejected wraps a non-Valid verdict when a caller needs an error.
	ErrRejected = errors.New("signature rejected")
)
