package spec

import (
	"encoding/hex"
	"fmt"
)

// HashLen is the byte length of txids and block hashes.
const HashLen = 32

// Hash is a 32-byte transaction or block hash, kept in natural (wire)
// byte order. Display boundaries use the conventional reversed hex form,
// which String and the JSON methods produce.
type Hash [HashLen]byte

// NewHash copies b into a Hash. Panics if b is not 32 bytes; callers
// decode untrusted input through ParseHash instead.
func NewHash(b []byte) Hash {
	if len(b) != HashLen {
		panic(fmt.Sprintf("spec: NewHash with %d bytes", len(b)))
	}
	var h Hash
	copy(h[:], b)
	return h
}

// ParseHash decodes a reversed-hex (display order) hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != HashLen {
		return h, fmt.Errorf("invalid hash %q: got %d bytes, want %d", s, len(b), HashLen)
	}
	for i := 0; i < HashLen; i++ {
		h[i] = b[HashLen-1-i]
	}
	return h, nil
}

// String returns the reversed-hex display form.
func (h Hash) String() string {
	var rev [HashLen]byte
	for i := 0; i < HashLen; i++ {
		rev[i] = h[HashLen-1-i]
	}
	return hex.EncodeToString(rev[:])
}

// IsZero reports whether the hash is all zeroes (coinbase prevout txid).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
