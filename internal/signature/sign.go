package signature

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"
)

// Sign digests content and signs the digest with key. cert must hold the
// public half of key; it is embedded in the returned bundle.
func Sign(content []byte, key crypto.Signer, cert *x509.Certificate, hashAlg HashAlgorithm) (SignatureInfo, error) {
	return SignReader(bytes.NewReader(content), key, cert, hashAlg)
}

// SignReader is Sign over a stream.
func SignReader(r io.Reader, key crypto.Signer, cert *x509.Certificate, hashAlg HashAlgorithm) (SignatureInfo, error) {
	if key == nil || cert == nil {
		return SignatureInfo{}, errors.New("sign: key and certificate are required")
	}
	if hashAlg == "" {
		hashAlg = SHA256
	}
	alg, opts, err := algorithmFor(key.Public())
	if err != nil {
		return SignatureInfo{}, err
	}
	digest, err := Digest(hashAlg, r)
	if err != nil {
		return SignatureInfo{}, err
	}
	sig, err := key.Sign(rand.Reader, digest, opts)
	if err != nil {
		return SignatureInfo{}, fmt.Errorf("sign: %w", err)
	}
	return SignatureInfo{
		Algorithm:     alg,
		HashAlgorithm: hashAlg,
		Hash:          hex.EncodeToString(digest),
		Signature:     sig,
		Thumbprint:    Thumbprint(cert.Raw),
		Timestamp:     time.Now().UTC(),
		Certificate:   string(EncodeCertificatePEM(cert)),
	}, nil
}

func algorithmFor(pub crypto.PublicKey) (Algorithm, crypto.SignerOpts, error) {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		return Ed25519, crypto.Hash(0), nil
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return "", nil, fmt.Errorf("%w: ecdsa curve %s", ErrUnsupportedAlgorithm, k.Curve.Params().Name)
		}
		// The digest is already computed; SHA256 only tells the signer its size.
		return ECDSAP256SHA256, crypto.SHA256, nil
	default:
		return "", nil, fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, pub)
	}
}

// KeyPair is a signing key and its certificate.
type KeyPair struct {
	Key  crypto.Signer
	Cert *x509.Certificate
}

// CertOptions controls GenerateKeyPair.
type CertOptions struct {
	CommonName string
	NotBefore  time.Time
	NotAfter   time.Time
	// IsCA marks the certificate as able to sign other certificates.
	IsCA bool
	// Issuer signs the new certificate; nil makes it self-signed.
	Issuer *KeyPair
	// ECDSA generates a P-256 key instead of ed25519.
	ECDSA bool
}

// GenerateKeyPair creates a new key and certificate.
func GenerateKeyPair(o CertOptions) (*KeyPair, error) {
	var (
		key crypto.Signer
		err error
	)
	if o.ECDSA {
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	} else {
		_, key, err = ed25519.GenerateKey(rand.Reader)
	}
	if err != nil {
		return nil, err
	}
	if o.NotBefore.IsZero() {
		o.NotBefore = time.Now().Add(-time.Minute)
	}
	if o.NotAfter.IsZero() {
		o.NotAfter = o.NotBefore.Add(365 * 24 * time.Hour)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: o.CommonName},
		NotBefore:             o.NotBefore,
		NotAfter:              o.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  o.IsCA,
	}
	if o.IsCA {
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	}

	parent, signer := tmpl, key
	if o.Issuer != nil {
		parent, signer = o.Issuer.Cert, o.Issuer.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, key.Public(), signer)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Key: key, Cert: cert}, nil
}

func EncodeCertificatePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func EncodePrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParseCertificatePEM decodes the first CERTIFICATE block.
func ParseCertificatePEM(b []byte) (*x509.Certificate, error) {
	for {
		var blk *pem.Block
		blk, b = pem.Decode(b)
		if blk == nil {
			return nil, fmt.Errorf("%w: no CERTIFICATE block", ErrCertificate)
		}
		if blk.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(blk.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCertificate, err)
		}
		return cert, nil
	}
}

// ParsePrivateKeyPEM decodes a PKCS#8 signing key.
func ParsePrivateKeyPEM(b []byte) (crypto.Signer, error) {
	blk, _ := pem.Decode(b)
	if blk == nil {
		return nil, errors.New("no PEM block in key file")
	}
	k, err := x509.ParsePKCS8PrivateKey(blk.Bytes)
	if err != nil {
		return nil, err
	}
	s, ok := k.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key type %T cannot sign", k)
	}
	return s, nil
}
