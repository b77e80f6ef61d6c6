package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"

	"warden/internal/errs"
)

func newHash(alg HashAlgorithm) (hash.Hash, error) {
	switch alg {
	case SHA256, "":
		return sha256.New(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	default:
		return nil, errs.E(errs.KindSignature, "digest", fmt.Errorf("%w: hash %q", ErrUnsupportedAlgorithm, alg))
	}
}

// Digest streams r through alg. Read failures are reported as ErrRead.
func Digest(alg HashAlgorithm, r io.Reader) ([]byte, error) {
	h, err := newHash(alg)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return nil, errs.E(errs.KindIO, "digest", fmt.Errorf("%w: %v", ErrRead, err))
	}
	return h.Sum(nil), nil
}

// Thumbprint returns the hex SHA-256 of a DER certificate.
func Thumbprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
