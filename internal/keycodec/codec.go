// Package keycodec generates and parses TaTTTy license key strings.
//
// A key looks like TZY-7K2M-XXXX-XXXX-XXXX-XXXX-CC: a product prefix, a
// 20-symbol random payload split into groups of 4, and a 2-symbol checksum.
// The checksum is a cheap typo detector, not a security control.
package keycodec

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
)

// Alphabet is the Crockford Base32 symbol set. I, L, O, and U are excluded
// because they are visually ambiguous.
const Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const (
	// PayloadLen is the number of random symbols in a key payload.
	PayloadLen = 20
	// ChecksumLen is the number of checksum symbols appended to a key.
	ChecksumLen = 2
	// groupSize is how many payload symbols go in each hyphenated group.
	groupSize = 4
)

var alphabetIndex = buildIndex()

func buildIndex() map[byte]int {
	idx := make(map[byte]int, len(Alphabet))
	for i := 0; i < len(Alphabet); i++ {
		idx[Alphabet[i]] = i
	}
	return idx
}

// Generate draws a fresh random payload and returns the formatted plaintext
// key along with the raw payload. The plaintext exists only in memory; it is
// the caller's job to hash it before anything is persisted.
func Generate(prefix string) (plaintext, payload string, err error) {
	payload, err = randomPayload(PayloadLen)
	if err != nil {
		return "", "", fmt.Errorf("generate payload: %w", err)
	}
	return Format(prefix, payload, Checksum(payload)), payload, nil
}

func randomPayload(n int) (string, error) {
	max := big.NewInt(int64(len(Alphabet)))
	b := make([]byte, n)
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = Alphabet[v.Int64()]
	}
	return string(b), nil
}

// Checksum hashes the payload and maps the top 16 bits of the digest into
// two alphabet symbols (5 bits each, 10 bits consumed).
func Checksum(payload string) string {
	digest := sha256.Sum256([]byte(payload))
	v := uint16(digest[0])<<8 | uint16(digest[1])
	return string([]byte{Alphabet[(v>>5)&0x1F], Alphabet[v&0x1F]})
}

// Format renders the canonical key string: prefix, payload in groups of 4,
// then the checksum, all hyphen-separated.
func Format(prefix, payload, checksum string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	for i := 0; i < len(payload); i += groupSize {
		sb.WriteByte('-')
		end := i + groupSize
		if end > len(payload) {
			end = len(payload)
		}
		sb.WriteString(payload[i:end])
	}
	sb.WriteByte('-')
	sb.WriteString(checksum)
	return sb.String()
}

// Parse canonicalizes a user-supplied key string (trim, upper-case), checks
// its structure against the expected prefix, and verifies the embedded
// checksum. It returns the canonical key string plus the payload and
// checksum, or ok=false for anything malformed. Parse never touches the
// store; it exists so garbage input is rejected before any hash work.
func Parse(prefix, raw string) (canonical, payload, checksum string, ok bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if !strings.HasPrefix(s, prefix+"-") {
		return "", "", "", false
	}
	parts := strings.Split(s[len(prefix)+1:], "-")
	if len(parts) < 2 {
		return "", "", "", false
	}
	checksum = parts[len(parts)-1]
	if len(checksum) != ChecksumLen {
		return "", "", "", false
	}
	payload = strings.Join(parts[:len(parts)-1], "")
	if len(payload) != PayloadLen {
		return "", "", "", false
	}
	for i := 0; i < len(payload); i++ {
		if _, in := alphabetIndex[payload[i]]; !in {
			return "", "", "", false
		}
	}
	if Checksum(payload) != checksum {
		return "", "", "", false
	}
	return Format(prefix, payload, checksum), payload, checksum, true
}
