// Package fingerprint binds email addresses to key records without ever
// storing the email itself.
package fingerprint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrEmptySalt is returned when a Fingerprinter is constructed without a
// secret salt.
var ErrEmptySalt = errors.New("fingerprint: salt must not be empty")

// Fingerprinter derives a keyed one-way digest of a normalized email
// address. The same email always yields the same digest under the same salt;
// a leaked database alone links nothing back to an email without it.
//
// The salt is immutable for the process lifetime. Rotating it invalidates
// every existing email-to-key lookup; that is an operational hazard to plan
// for, not a bug.
type Fingerprinter struct {
	salt []byte
}

// New creates a Fingerprinter with the given process-wide secret salt.
func New(salt string) (*Fingerprinter, error) {
	if salt == "" {
		return nil, ErrEmptySalt
	}
	return &Fingerprinter{salt: []byte(salt)}, nil
}

// Fingerprint normalizes the email (trim, lower-case) and returns the
// hex-encoded HMAC-SHA256 digest under the process salt.
func (f *Fingerprinter) Fingerprint(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	mac := hmac.New(sha256.New, f.salt)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil))
}
