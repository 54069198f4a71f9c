package nix

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Hash is a SHA-256 digest of a store object or derivation.
type Hash struct {
	digest [sha256.Size]byte
}

func HashBytes(data []byte) Hash {
	return Hash{digest: sha256.Sum256(data)}
}

func HashString(s string) Hash {
	return HashBytes([]byte(s))
}

func HashFromDigest(digest []byte) (Hash, error) {
	var h Hash
	if len(digest) != sha256.Size {
		return h, fmt.Errorf("invalid sha256 digest length %d", len(digest))
	}
	copy(h.digest[:], digest)
	return h, nil
}

// ParseHash accepts "sha256:<base16|base32>" or a bare base16/base32 digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	s = strings.TrimPrefix(s, "sha256:")
	switch len(s) {
	case hex.EncodedLen(sha256.Size):
		raw, err := hex.DecodeString(s)
		if err != nil {
			return h, fmt.Errorf("invalid base-16 hash %q: %w", s, err)
		}
		copy(h.digest[:], raw)
		return h, nil
	case 52:
		raw, err := DecodeBase32(s)
		if err != nil {
			return h, fmt.Errorf("invalid base-32 hash %q: %w", s, err)
		}
		copy(h.digest[:], raw)
		return h, nil
	default:
		return h, fmt.Errorf("hash %q has an unsupported length", s)
	}
}

func (h Hash) Digest() []byte {
	d := make([]byte, sha256.Size)
	copy(d, h.digest[:])
	return d
}

func (h Hash) Base16() string {
	return hex.EncodeToString(h.digest[:])
}

func (h Hash) Base32() string {
	return EncodeBase32(h.digest[:])
}

func (h Hash) String() string {
	return "sha256:" + h.Base16()
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// CompressHash folds a digest down to n bytes by cyclically XOR-ing, the
// scheme used to derive the short hash part of a store path.
func CompressHash(h Hash, n int) []byte {
	out := make([]byte, n)
	for i, b := range h.digest {
		out[i%n] ^= b
	}
	return out
}
