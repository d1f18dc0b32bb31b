// Package credential hashes license keys for storage and verification.
//
// Two one-way functions with different jobs: a slow, salted, memory-hard
// Argon2id hash proves possession of the full key, and a fast SHA-256
// lookup digest narrows a store query to a single candidate row before the
// slow verification runs. The lookup digest is never the sole proof of
// possession.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Params controls the Argon2id cost parameters.
type Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams returns the Argon2id parameters used in production.
func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024, // 64 MB
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher computes and verifies credential hashes.
type Hasher struct {
	params Params
}

// NewHasher creates a Hasher with the given parameters.
func NewHasher(params Params) *Hasher {
	return &Hasher{params: params}
}

// Hash computes the Argon2id hash of the plaintext key with a fresh random
// salt, encoded in the standard PHC string format:
//
//	$argon2id$v=19$m=65536,t=3,p=2$<salt>$<hash>
func (h *Hasher) Hash(plaintext string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(plaintext), salt, h.params.Iterations,
		h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.Memory, h.params.Iterations, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// Verify checks a candidate plaintext against a stored PHC-encoded hash.
// It fails closed: any decode error, version skew, or mismatch returns
// false. The comparison itself is constant time.
func (h *Hasher) Verify(encoded, candidate string) bool {
	params, salt, hash, err := decode(encoded)
	if err != nil {
		return false
	}
	computed := argon2.IDKey([]byte(candidate), salt, params.Iterations,
		params.Memory, params.Parallelism, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, computed) == 1
}

// LookupDigest returns the hex-encoded SHA-256 digest of the plaintext key,
// used purely as a store lookup index.
func LookupDigest(plaintext string) string {
	d := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(d[:])
}

var errMalformedHash = errors.New("malformed argon2id hash")

func decode(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Params{}, nil, nil, errMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Params{}, nil, nil, errMalformedHash
	}
	if version != argon2.Version {
		return Params{}, nil, nil, errMalformedHash
	}

	var p Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return Params{}, nil, nil, errMalformedHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, errMalformedHash
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Params{}, nil, nil, errMalformedHash
	}
	return p, salt, hash, nil
}
