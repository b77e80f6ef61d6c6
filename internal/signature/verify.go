package signature

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"warden/internal/errs"
	logx "warden/pkg/logx"
)

// Verifier checks detached package signatures.
//
// It holds the revocation set and trusted roots; both can be replaced at
// runtime and are safe for concurrent use.
type Verifier struct {
	log   logx.Logger
	clock func() time.Time

	mu      sync.RWMutex
	revoked map[string]struct{}
	roots   *x509.CertPool
	nroots  int
}

type Option func(*Verifier)

func WithLogger(log logx.Logger) Option { return func(v *Verifier) { v.log = log } }

// WithClock overrides the time used for validity window checks.
func WithClock(now func() time.Time) Option { return func(v *Verifier) { v.clock = now } }

func WithTrustedRoots(certs ...*x509.Certificate) Option {
	return func(v *Verifier) {
		for _, c := range certs {
			v.roots.AddCert(c)
			v.nroots++
		}
	}
}

func WithRevoked(thumbprints ...string) Option {
	return func(v *Verifier) {
		for _, tp := range thumbprints {
			v.revoked[normalizeThumbprint(tp)] = struct{}{}
		}
	}
}

func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		clock:   time.Now,
		revoked: map[string]struct{}{},
		roots:   x509.NewCertPool(),
	}
	for _, o := range opts {
		o(v)
	}
	v.log = v.log.OrNop().With(logx.String("comp", "signature"))
	return v
}

// SetRevoked replaces the revocation set.
func (v *Verifier) SetRevoked(set map[string]struct{}) {
	cp := make(map[string]struct{}, len(set))
	for tp := range set {
		cp[normalizeThumbprint(tp)] = struct{}{}
	}
	v.mu.Lock()
	v.revoked = cp
	v.mu.Unlock()
}

// Revoke adds a single thumbprint to the revocation set.
func (v *Verifier) Revoke(thumbprint string) {
	v.mu.Lock()
	v.revoked[normalizeThumbprint(thumbprint)] = struct{}{}
	v.mu.Unlock()
}

// ReloadRevocations replaces the revocation set from a file.
func (v *Verifier) ReloadRevocations(path string) error {
	set, err := LoadRevocationFile(path)
	if err != nil {
		return errs.E(errs.KindIO, "revocation reload", err)
	}
	v.SetRevoked(set)
	v.log.Debug("revocation list loaded", logx.String("path", path), logx.Int("entries", len(set)))
	return nil
}

// SetTrustedRoots replaces the trusted root set.
func (v *Verifier) SetTrustedRoots(certs []*x509.Certificate) {
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	v.mu.Lock()
	v.roots, v.nroots = pool, len(certs)
	v.mu.Unlock()
}

// LoadTrustedRoots reads PEM certificate files and installs them as roots.
func (v *Verifier) LoadTrustedRoots(paths []string) error {
	var certs []*x509.Certificate
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return errs.E(errs.KindIO, "trusted roots", fmt.Errorf("%w: %v", ErrRead, err))
		}
		c, err := ParseCertificatePEM(b)
		if err != nil {
			return errs.E(errs.KindSignature, "trusted roots", fmt.Errorf("%s: %w", p, err))
		}
		certs = append(certs, c)
	}
	v.SetTrustedRoots(certs)
	return nil
}

func (v *Verifier) isRevoked(tp string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.revoked[normalizeThumbprint(tp)]
	return ok
}

func (v *Verifier) chainsToRoot(cert *x509.Certificate, now time.Time) bool {
	v.mu.RLock()
	pool, n := v.roots, v.nroots
	v.mu.RUnlock()
	if n == 0 {
		return false
	}
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:       pool,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err == nil
}

// Verify checks content against info. certPEM may be nil when the bundle
// embeds the certificate.
//
// Verdicts are returned as values. The error is non-nil only when the
// verification could not be carried out: unreadable content (ErrRead),
// unparsable certificate (ErrCertificate) or an unknown algorithm
// (ErrUnsupportedAlgorithm).
func (v *Verifier) Verify(content []byte, info SignatureInfo, certPEM []byte, level TrustLevel) (VerificationResult, error) {
	return v.VerifyReader(bytes.NewReader(content), info, certPEM, level)
}

// VerifyReader is Verify over a stream.
func (v *Verifier) VerifyReader(r io.Reader, info SignatureInfo, certPEM []byte, level TrustLevel) (VerificationResult, error) {
	const op = "verify"
	res := VerificationResult{Package: SignedPackageInfo{
		Signature:  info.Signature,
		Thumbprint: info.Thumbprint,
		Timestamp:  info.Timestamp,
	}}
	verdict := func(vd Verdict, reason string) (VerificationResult, error) {
		res.Verdict, res.Reason, res.Package.Verdict = vd, reason, vd
		return res, nil
	}

	digest, err := Digest(info.HashAlgorithm, r)
	if err != nil {
		return res, err
	}
	res.Package.ContentHash = hex.EncodeToString(digest)

	want, err := hex.DecodeString(info.Hash)
	if err != nil || subtle.ConstantTimeCompare(want, digest) != 1 {
		return verdict(Invalid, "content hash mismatch")
	}

	if len(certPEM) == 0 {
		certPEM = []byte(info.Certificate)
	}
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return res, errs.E(errs.KindSignature, op, err)
	}
	res.Package.Subject = cert.Subject.String()

	tp := Thumbprint(cert.Raw)
	if info.Thumbprint != "" && normalizeThumbprint(info.Thumbprint) != tp {
		return verdict(Invalid, "certificate thumbprint mismatch")
	}
	res.Package.Thumbprint = tp

	now := v.clock()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return verdict(Expired, fmt.Sprintf("certificate valid %s to %s", cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339)))
	}
	if v.isRevoked(tp) {
		return verdict(Revoked, "certificate "+tp+" is revoked")
	}

	ok, err := checkSignature(info.Algorithm, cert, digest, info.Signature)
	if err != nil {
		return res, errs.E(errs.KindSignature, op, err)
	}
	if !ok {
		return verdict(Invalid, "signature does not verify")
	}

	if level == TrustFull && !v.chainsToRoot(cert, now) {
		return verdict(ValidButUntrusted, "issuer "+cert.Issuer.String()+" is not trusted")
	}
	return verdict(Valid, "")
}

func checkSignature(alg Algorithm, cert *x509.Certificate, digest, sig []byte) (bool, error) {
	switch alg {
	case Ed25519:
		pub, ok := cert.PublicKey.(ed25519.PublicKey)
		if !ok {
			return false, nil
		}
		return ed25519.Verify(pub, digest, sig), nil
	case ECDSAP256SHA256:
		pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return false, nil
		}
		return ecdsa.VerifyASN1(pub, digest, sig), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

// ReadBundle loads a <package>.sig file.
func ReadBundle(path string) (SignatureInfo, error) {
	var info SignatureInfo
	b, err := os.ReadFile(path)
	if err != nil {
		return info, errs.E(errs.KindIO, "read bundle", fmt.Errorf("%w: %v", ErrRead, err))
	}
	if err := json.Unmarshal(b, &info); err != nil {
		return info, errs.E(errs.KindSignature, "read bundle", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	return info, nil
}

// WriteBundle stores info as indented JSON.
func WriteBundle(path string, info SignatureInfo) error {
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// VerifyFile verifies the package at pkgPath against the bundle at
// bundlePath. A missing or unreadable file yields ErrRead with KindIO.
func (v *Verifier) VerifyFile(pkgPath, bundlePath string, level TrustLevel) (VerificationResult, error) {
	info, err := ReadBundle(bundlePath)
	if err != nil {
		return VerificationResult{}, err
	}
	f, err := os.Open(pkgPath)
	if err != nil {
		return VerificationResult{}, errs.E(errs.KindIO, "verify", fmt.Errorf("%w: %v", ErrRead, err))
	}
	defer f.Close()
	res, err := v.VerifyReader(f, info, nil, level)
	if err == nil {
		v.log.Debug("package verified", logx.String("path", pkgPath), logx.String("verdict", string(res.Verdict)), logx.String("reason", res.Reason))
	}
	return res, err
}
