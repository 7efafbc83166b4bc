package object

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// HashSize is the length in bytes of a raw SHA-1 object name.
const HashSize = 20

// Hash is a 40-character lowercase hex-encoded SHA-1 object name.
type Hash string

// ZeroHash is the all-zero object name git uses for "no object".
const ZeroHash Hash = "0000000000000000000000000000000000000000"

var (
	// ErrNotFound reports a hash absent from every layout of the store.
	ErrNotFound = errors.New("object not found")
	// ErrCorrupt reports stored or transferred bytes that do not match their name.
	ErrCorrupt = errors.New("corrupt object data")
)

// ParseHash validates and normalizes a hex object name.
func ParseHash(s string) (Hash, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != HashSize*2 {
		return "", fmt.Errorf("invalid object name %q: want %d hex chars", s, HashSize*2)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("invalid object name %q: %w", s, err)
	}
	return Hash(s), nil
}

// IsZero reports whether h is empty or the all-zero name.
func (h Hash) IsZero() bool { return h == "" || h == ZeroHash }

func (h Hash) String() string { return string(h) }

// Raw returns the 20-byte binary form. Invalid names yield nil.
func (h Hash) Raw() []byte {
	raw, err := hex.DecodeString(string(h))
	if err != nil || len(raw) != HashSize {
		return nil
	}
	return raw
}

func hashFromRaw(raw []byte) Hash {
	return Hash(hex.EncodeToString(raw))
}

// HashObject computes the git object name of data: SHA-1 over
// "type len\0" followed by the body.
func HashObject(t ObjectType, data []byte) Hash {
	h := sha1.New()
	h.Write(objectHeader(t, len(data)))
	h.Write(data)
	return hashFromRaw(h.Sum(nil))
}

func objectHeader(t ObjectType, size int) []byte {
	b := make([]byte, 0, len(t)+24)
	b = append(b, t...)
	b = append(b, ' ')
	b = strconv.AppendInt(b, int64(size), 10)
	return append(b, 0)
}
