package msgstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Hasher computes the ciphertext integrity digest. The algorithm is a
// deployment choice; both options are 256-bit.
type Hasher struct {
	algo string
	sum  func([]byte) []byte
}

func NewHasher(algo string) (*Hasher, error) {
	switch algo {
	case "", "sha256":
		return &Hasher{algo: "sha256", sum: func(b []byte) []byte {
			s := sha256.Sum256(b)
			return s[:]
		}}, nil
	case "blake2b-256":
		return &Hasher{algo: "blake2b-256", sum: func(b []byte) []byte {
			s := blake2b.Sum256(b)
			return s[:]
		}}, nil
	}
	return nil, fmt.Errorf("msgstore: unsupported hash algorithm %q", algo)
}

func (h *Hasher) Algo() string { return h.algo }

// Sum returns the lowercase hex digest of b.
func (h *Hasher) Sum(b []byte) string {
	return hex.EncodeToString(h.sum(b))
}
