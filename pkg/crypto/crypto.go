// Package crypto implements the envelope that protects shard bodies, shard
// headers and the manifest at rest: key derivation, per-part AES-GCM framing
// and HMAC-SHA-256 manifest signing.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// Mode selects how the root key is protected.
type Mode int

const (
	// ModeNone disables encryption; shards and the manifest are stored in
	// the clear and the manifest carries no signature.
	ModeNone Mode = iota
	// ModeMaster protects the root key with a PBKDF2-derived master key.
	ModeMaster
	// ModeQuickUnlock protects the root key with a per-device quick-unlock
	// key derived from a device-bound secret plus a short password.
	ModeQuickUnlock
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeMaster:
		return "master"
	case ModeQuickUnlock:
		return "quick-unlock"
	default:
		return "unknown"
	}
}

const (
	ivSize  = 12
	tagSize = 16

	// PBKDFIterations is the PBKDF2-SHA-256 iteration count used to derive
	// the master key from a password. It is deliberately expensive.
	PBKDFIterations = 1_500_000

	keySize = 32 // AES-256
)

var (
	// ErrSignatureMismatch is a fatal open-time error: the manifest's HMAC
	// signature does not match its content.
	ErrSignatureMismatch = errors.New("crypto: manifest signature mismatch")
	// ErrCiphertextTooShort means a stored part is too small to contain an
	// IV and a tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext shorter than iv+tag")
	// ErrEncryptedLengthMismatch is returned by the shard codec when the
	// envelope's EncryptedPartSize prediction does not match the bytes it
	// actually produced.
	ErrEncryptedLengthMismatch = errors.New("crypto: encrypted part length mismatch")
)

// Envelope is the capability the shard codec and manifest manager depend on.
// NoopEnvelope and AEADEnvelope are the two implementations; callers never
// branch on concrete type.
type Envelope interface {
	// Mode reports which protection mode this envelope implements.
	Mode() Mode
	// EncryptedPartSize predicts the stored length of a plaintext part of
	// the given size, without performing any encryption.
	EncryptedPartSize(plainSize int) int
	// EncryptShardPart encrypts one header or body part belonging to the
	// shard identified by hash (the shard's content hash, hex-encoded).
	EncryptShardPart(hash string, plain []byte) ([]byte, error)
	// DecryptShardPart reverses EncryptShardPart.
	DecryptShardPart(hash string, stored []byte) ([]byte, error)
	// Sign computes the HMAC-SHA-256 signature over data (the caller is
	// responsible for zeroing the signature field first).
	Sign(data []byte) ([]byte, error)
	// Verify checks a signature produced by Sign.
	Verify(data, signature []byte) error
	// Finalize computes the signature to embed during manifest
	// finalization (nonce/timestamp refresh, then sign). It is
	// semantically Sign, named separately because the manifest manager
	// calls it only at the single finalization point in the CAS loop,
	// never during verification.
	Finalize(data []byte) ([]byte, error)
}

// NoopEnvelope implements Mode = none: parts pass through unmodified and
// Sign/Verify are no-ops that always succeed.
type NoopEnvelope struct{}

// Mode implements Envelope.
func (NoopEnvelope) Mode() Mode { return ModeNone }

// EncryptedPartSize implements Envelope.
func (NoopEnvelope) EncryptedPartSize(plainSize int) int { return plainSize }

// EncryptShardPart implements Envelope.
func (NoopEnvelope) EncryptShardPart(_ string, plain []byte) ([]byte, error) {
	return plain, nil
}

// DecryptShardPart implements Envelope.
func (NoopEnvelope) DecryptShardPart(_ string, stored []byte) ([]byte, error) {
	return stored, nil
}

// Sign implements Envelope.
func (NoopEnvelope) Sign([]byte) ([]byte, error) { return nil, nil }

// Verify implements Envelope.
func (NoopEnvelope) Verify([]byte, []byte) error { return nil }

// Finalize implements Envelope.
func (NoopEnvelope) Finalize([]byte) ([]byte, error) { return nil, nil }

// AEADEnvelope implements Mode = master or Mode = quick-unlock: every part
// is an independent AES-256-GCM frame keyed by a value derived from rootKey
// through HKDF-SHA-256, and the manifest signature is HMAC-SHA-256 over a
// key similarly derived.
type AEADEnvelope struct {
	mode    Mode
	rootKey []byte
}

// NewAEADEnvelope builds an envelope around an already-recovered 32-byte
// root key. Callers obtain rootKey via DecryptRootKeyWithMaster or
// DecryptRootKeyWithQuickUnlock.
func NewAEADEnvelope(mode Mode, rootKey []byte) (*AEADEnvelope, error) {
	if mode != ModeMaster && mode != ModeQuickUnlock {
		return nil, fmt.Errorf("crypto: invalid aead mode %v", mode)
	}

	if len(rootKey) != keySize {
		return nil, fmt.Errorf("crypto: root key must be %d bytes, got %d", keySize, len(rootKey))
	}

	return &AEADEnvelope{mode: mode, rootKey: rootKey}, nil
}

// Mode implements Envelope.
func (e *AEADEnvelope) Mode() Mode { return e.mode }

// EncryptedPartSize implements Envelope.
func (e *AEADEnvelope) EncryptedPartSize(plainSize int) int {
	return plainSize + ivSize + tagSize
}

// EncryptShardPart implements Envelope. The result is [iv || ciphertext ||
// tag], matching spec §4.3's per-part AES-GCM layout.
func (e *AEADEnvelope) EncryptShardPart(hash string, plain []byte) ([]byte, error) {
	gcm, err := e.shardGCM(hash)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("crypto: generating iv: %w", err)
	}

	return gcm.Seal(iv, iv, plain, nil), nil
}

// DecryptShardPart implements Envelope.
func (e *AEADEnvelope) DecryptShardPart(hash string, stored []byte) ([]byte, error) {
	if len(stored) < ivSize+tagSize {
		return nil, ErrCiphertextTooShort
	}

	gcm, err := e.shardGCM(hash)
	if err != nil {
		return nil, err
	}

	iv, ciphertext := stored[:ivSize], stored[ivSize:]

	plain, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypting shard part: %w", err)
	}

	return plain, nil
}

// Sign implements Envelope: HMAC-SHA-256 over data using the signing key
// derived from the root key.
func (e *AEADEnvelope) Sign(data []byte) ([]byte, error) {
	key, err := e.signingKey()
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(data)

	return mac.Sum(nil), nil
}

// Verify implements Envelope.
func (e *AEADEnvelope) Verify(data, signature []byte) error {
	expected, err := e.Sign(data)
	if err != nil {
		return err
	}

	if !hmac.Equal(expected, signature) {
		return ErrSignatureMismatch
	}

	return nil
}

// Finalize implements Envelope.
func (e *AEADEnvelope) Finalize(data []byte) ([]byte, error) {
	return e.Sign(data)
}

func (e *AEADEnvelope) shardGCM(hash string) (cipher.AEAD, error) {
	key, err := e.ShardKey(hash)
	if err != nil {
		return nil, err
	}

	return newGCM(key)
}

// ShardKey derives the AES-256-GCM key for the shard with content hash h.
func (e *AEADEnvelope) ShardKey(h string) ([]byte, error) {
	return derive(e.rootKey, "encryption:shard/"+h)
}

// BlobKey derives the AES-256-GCM key for the blob belonging to document d.
func (e *AEADEnvelope) BlobKey(docID string) ([]byte, error) {
	return derive(e.rootKey, "encryption:blob/"+docID)
}

// signingKey derives the HMAC-SHA-256 key used to sign the manifest.
func (e *AEADEnvelope) signingKey() ([]byte, error) {
	return derive(e.rootKey, "sign:manifest")
}

// derive runs HKDF-SHA-256 with an empty salt over secret, using info as the
// sole domain separator, and reads keySize bytes from the expanded output.
func derive(secret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))

	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: deriving key for %q: %w", info, err)
	}

	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: building aes cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: building gcm: %w", err)
	}

	return gcm, nil
}

// DeriveMasterKey runs PBKDF2-SHA-256 over password with the given salt and
// PBKDFIterations iterations, returning a 32-byte AES-256 key.
func DeriveMasterKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, PBKDFIterations, keySize, sha256.New)
}

// NewMasterKeySalt generates a fresh random 32-byte PBKDF2 salt.
func NewMasterKeySalt() ([]byte, error) {
	salt := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("crypto: generating master key salt: %w", err)
	}

	return salt, nil
}

// NewRootKey generates a fresh random 32-byte root key.
func NewRootKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("crypto: generating root key: %w", err)
	}

	return key, nil
}

// EncryptRootKeyWithMaster wraps rootKey under the master key derived from
// password and salt, for storage in the manifest's crypto.masterKey field.
func EncryptRootKeyWithMaster(rootKey []byte, password string, salt []byte) ([]byte, error) {
	masterKey := DeriveMasterKey(password, salt)

	gcm, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("crypto: generating iv: %w", err)
	}

	return gcm.Seal(iv, iv, rootKey, nil), nil
}

// DecryptRootKeyWithMaster recovers the root key from the manifest's
// crypto.masterKey field given the same password and salt used to encrypt
// it.
func DecryptRootKeyWithMaster(wrapped []byte, password string, salt []byte) ([]byte, error) {
	if len(wrapped) < ivSize+tagSize {
		return nil, ErrCiphertextTooShort
	}

	masterKey := DeriveMasterKey(password, salt)

	gcm, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}

	iv, ciphertext := wrapped[:ivSize], wrapped[ivSize:]

	rootKey, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: unwrapping root key with master: %w", err)
	}

	return rootKey, nil
}

// QuickUnlockKey derives the key that wraps a root key for a single device,
// from the device-bound secret deviceKey and a short unlock password.
func QuickUnlockKey(deviceKey []byte, password string) ([]byte, error) {
	return derive(deviceKey, "encryption:quick_unlock/"+password)
}

// EncryptRootKeyWithQuickUnlock wraps rootKey under a device's quick-unlock
// key, for storage in the manifest's crypto.deviceKey[deviceId].key field.
func EncryptRootKeyWithQuickUnlock(rootKey, deviceKey []byte, password string) ([]byte, error) {
	key, err := QuickUnlockKey(deviceKey, password)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("crypto: generating iv: %w", err)
	}

	return gcm.Seal(iv, iv, rootKey, nil), nil
}

// DecryptRootKeyWithQuickUnlock recovers the root key wrapped by
// EncryptRootKeyWithQuickUnlock.
func DecryptRootKeyWithQuickUnlock(wrapped, deviceKey []byte, password string) ([]byte, error) {
	if len(wrapped) < ivSize+tagSize {
		return nil, ErrCiphertextTooShort
	}

	key, err := QuickUnlockKey(deviceKey, password)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv, ciphertext := wrapped[:ivSize], wrapped[ivSize:]

	rootKey, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: unwrapping root key with quick-unlock: %w", err)
	}

	return rootKey, nil
}

// NewDeviceKey generates a fresh random 32-byte device-bound secret.
func NewDeviceKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("crypto: generating device key: %w", err)
	}

	return key, nil
}
