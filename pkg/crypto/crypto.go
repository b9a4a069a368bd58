// Package crypto provides the cryptographic primitives for clawbox.
//
// This package implements AES-256-GCM authenticated encryption and Argon2id
// key derivation following OWASP recommendations.
//
// # Security Features
//
//   - AES-256-GCM authenticated encryption
//   - Argon2id key derivation (64MB memory, 3 iterations, 4 threads)
//   - Cryptographically secure random nonce generation
//   - Derived keys wiped from memory when released
//
// # Example Usage
//
//	salt, _ := crypto.GenerateSalt()
//	key := crypto.DeriveKey([]byte("password"), salt)
//	defer key.Wipe()
//
//	env, err := crypto.Encrypt(key, plaintext)
//	blob := env.Seal() // nonce || ciphertext, the on-disk form
//
//	env, err = crypto.ParseEnvelope(blob)
//	plaintext, err = crypto.Decrypt(key, env)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// SaltLength is the length of the per-vault salt in bytes (256 bits).
	SaltLength = 32

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key material is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrEnvelopeTooShort indicates an encrypted blob shorter than one nonce.
	ErrEnvelopeTooShort = errors.New("crypto: encrypted data too short")

	// ErrDecryptionFailed indicates decryption or authentication tag
	// verification failed. Wrong key, corrupted ciphertext, and tampering
	// are indistinguishable by design.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")
)

// DerivedKey holds a 256-bit symmetric key derived from a master password.
// The key exists only in memory; Wipe must be called the moment ownership
// ends. The backing bytes are locked into RAM on platforms that support it.
type DerivedKey struct {
	bytes []byte
}

// DeriveKey derives a 256-bit encryption key from a password using Argon2id.
//
// The function uses OWASP-recommended parameters:
//   - Memory: 64 MB
//   - Iterations: 3
//   - Parallelism: 4 threads
//
// Derivation is deterministic for a given (password, salt) pair, which is
// what lets unlock re-derive and compare against the verification token.
func DeriveKey(password, salt []byte) *DerivedKey {
	k := &DerivedKey{
		bytes: argon2.IDKey(password, salt, Argon2Time, Argon2Memory, Argon2Threads, KeyLength),
	}
	// Best effort: keep the key out of swap. Failure is not fatal.
	_ = lockMemory(k.bytes)
	return k
}

// KeyFromBytes constructs a DerivedKey from raw key material, copying the
// input. Used by the sync manager to rebuild the session key from an
// exported copy.
func KeyFromBytes(b []byte) (*DerivedKey, error) {
	if len(b) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	k := &DerivedKey{bytes: make([]byte, KeyLength)}
	copy(k.bytes, b)
	_ = lockMemory(k.bytes)
	return k, nil
}

// Export returns a copy of the raw key bytes for bundle encryption during
// sync. The caller owns the copy and must wipe it with SecureWipe.
func (k *DerivedKey) Export() []byte {
	out := make([]byte, len(k.bytes))
	copy(out, k.bytes)
	return out
}

// Wipe overwrites the key material and releases it. Safe to call more than
// once; the key is unusable afterwards.
func (k *DerivedKey) Wipe() {
	if k == nil || k.bytes == nil {
		return
	}
	SecureWipe(k.bytes)
	_ = unlockMemory(k.bytes)
	k.bytes = nil
}

// raw returns the backing bytes for cipher construction.
func (k *DerivedKey) raw() []byte {
	return k.bytes
}

// Envelope is the unit of storage for any protected payload: a fresh random
// nonce plus the AEAD ciphertext (authentication tag included).
type Envelope struct {
	Nonce      []byte
	Ciphertext []byte
}

// Seal serializes the envelope as nonce || ciphertext, the form stored in
// the database and in sync bundles.
func (e *Envelope) Seal() []byte {
	out := make([]byte, len(e.Nonce)+len(e.Ciphertext))
	copy(out, e.Nonce)
	copy(out[len(e.Nonce):], e.Ciphertext)
	return out
}

// ParseEnvelope splits a nonce || ciphertext blob back into an envelope.
// Any blob under 12 bytes is malformed.
func ParseEnvelope(blob []byte) (*Envelope, error) {
	if len(blob) < NonceLength {
		return nil, ErrEnvelopeTooShort
	}
	return &Envelope{
		Nonce:      blob[:NonceLength],
		Ciphertext: blob[NonceLength:],
	}, nil
}

// GenerateSalt generates a cryptographically secure random salt. Called once
// per vault at initialization.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}

// Encrypt encrypts plaintext using AES-256-GCM authenticated encryption.
//
// A cryptographically secure random 12-byte nonce is generated for every
// call; nonce reuse under the same key would break confidentiality, so the
// nonce is never caller-supplied.
func Encrypt(key *DerivedKey, plaintext []byte) (*Envelope, error) {
	if key == nil || len(key.raw()) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key.raw())
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}

	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	return &Envelope{
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Decrypt decrypts an envelope using AES-256-GCM.
//
// The authentication tag is verified before any plaintext is returned. Tag
// verification failure (wrong key, corruption, tampering) yields
// ErrDecryptionFailed; callers must treat it exactly like a wrong password.
func Decrypt(key *DerivedKey, env *Envelope) ([]byte, error) {
	if key == nil || len(key.raw()) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	if len(env.Nonce) != NonceLength {
		return nil, ErrDecryptionFailed
	}

	block, err := aes.NewCipher(key.raw())
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}

	if len(env.Ciphertext) < gcm.Overhead() {
		return nil, ErrEnvelopeTooShort
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	// by the compiler since b is still "in use" after the loop.
	runtime.KeepAlive(b)
}
