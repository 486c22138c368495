// Package reportkey provides time-ordered, lexicographically sortable keys
// for archived drift reports, so object-store listings come back in
// chronological order without a separate index.
package reportkey

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"
)

// Key is a 128-bit archive key: 48 bits of millisecond timestamp followed by
// 80 random bits. Keys encode to 26 Crockford Base32 characters whose string
// ordering matches generation-time ordering.
type Key [16]byte

const encodedLen = 26

const alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var (
	ErrInvalidKeyLength    = errors.New("report key must be 26 characters")
	ErrInvalidKeyCharacter = errors.New("report key contains a non-base32 character")
)

// decodeTable maps an ASCII byte to its base32 value, 0xFF for invalid bytes.
var decodeTable [256]byte

func init() {
	for i := range decodeTable {
		decodeTable[i] = 0xFF
	}
	for i := 0; i < len(alphabet); i++ {
		decodeTable[alphabet[i]] = byte(i)
		decodeTable[alphabet[i]|0x20] = byte(i)
	}
}

// Generator produces keys that are strictly increasing even within a single
// millisecond.
type Generator struct {
	mu     sync.Mutex
	lastMs uint64
	tail   [10]byte
}

// NewGenerator creates a key generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Next returns a key for the current wall-clock time.
func (g *Generator) Next() (Key, error) {
	return g.NextAt(time.Now())
}

// NextAt returns a key for the given time. Calls within the same millisecond
// increment the random tail so ordering stays strict.
func (g *Generator) NextAt(t time.Time) (Key, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(t.UnixMilli())
	if ms == g.lastMs {
		for i := len(g.tail) - 1; i >= 0; i-- {
			g.tail[i]++
			if g.tail[i] != 0 {
				break
			}
		}
	} else {
		if _, err := rand.Read(g.tail[:]); err != nil {
			return Key{}, err
		}
		g.lastMs = ms
	}

	var k Key
	for i := 0; i < 6; i++ {
		k[i] = byte(ms >> (40 - 8*i))
	}
	copy(k[6:], g.tail[:])
	return k, nil
}

// Time returns the key's embedded timestamp.
func (k Key) Time() time.Time {
	var ms uint64
	for i := 0; i < 6; i++ {
		ms = ms<<8 | uint64(k[i])
	}
	return time.UnixMilli(int64(ms))
}

// Bytes returns the raw 16-byte key.
func (k Key) Bytes() []byte {
	return k[:]
}

// Compare orders two keys byte-wise: -1, 0 or 1.
func (k Key) Compare(other Key) int {
	for i := range k {
		if k[i] != other[i] {
			if k[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// String encodes the key as 26 Crockford Base32 characters. The encoding is
// big-endian, so string comparison agrees with Compare.
func (k Key) String() string {
	var buf [encodedLen]byte
	var acc uint64
	bits := 0
	pos := encodedLen - 1
	for i := len(k) - 1; i >= 0; i-- {
		acc |= uint64(k[i]) << bits
		bits += 8
		for bits >= 5 {
			buf[pos] = alphabet[acc&0x1F]
			acc >>= 5
			bits -= 5
			pos--
		}
	}
	for pos >= 0 {
		buf[pos] = alphabet[acc&0x1F]
		acc >>= 5
		pos--
	}
	return string(buf[:])
}

// Parse decodes a 26-character key string. The two unused high bits must be
// zero, which limits the leading character to '0'..'7'.
func Parse(s string) (Key, error) {
	if len(s) != encodedLen {
		return Key{}, ErrInvalidKeyLength
	}
	var k Key
	var acc uint64
	bits := 0
	pos := len(k) - 1
	for i := len(s) - 1; i >= 0; i-- {
		v := decodeTable[s[i]]
		if v == 0xFF {
			return Key{}, ErrInvalidKeyCharacter
		}
		acc |= uint64(v) << bits
		bits += 5
		for bits >= 8 && pos >= 0 {
			k[pos] = byte(acc)
			acc >>= 8
			bits -= 8
			pos--
		}
	}
	if acc != 0 {
		return Key{}, ErrInvalidKeyCharacter
	}
	return k, nil
}
