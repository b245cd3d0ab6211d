// Package crypto provides the encryption primitives for data the platform
// stores at rest: secret environment variable values and the SSH private
// keys minted for provisioned capacity. This is part of the Functional
// Core - all functions are pure with no I/O (key pair generation draws
// from crypto/rand).
//
// Everything is sealed with AES-256-GCM under a key derived from the
// platform master secret.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrKeyTooShort is returned when the encryption key is too short.
	ErrKeyTooShort = errors.New("encryption key must be at least 32 bytes")

	// ErrInvalidCiphertext is returned when the ciphertext is too short to
	// contain a nonce.
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short")

	// ErrDecryptionFailed is returned when decryption fails (wrong key or
	// corrupted data).
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")

	// ErrInvalidSSHKey is returned when the SSH key cannot be parsed.
	ErrInvalidSSHKey = errors.New("invalid SSH private key format")
)

// =============================================================================
// Key Derivation
// =============================================================================

// DeriveKey derives a 32-byte AES-256 key from a passphrase using SHA-256.
// Deterministic: the same passphrase always produces the same key, so the
// master secret alone is enough to open everything sealed under it.
func DeriveKey(passphrase string) []byte {
	hash := sha256.Sum256([]byte(passphrase))
	return hash[:]
}

// =============================================================================
// AES-256-GCM Encryption
// =============================================================================

// Encrypt encrypts plaintext using AES-256-GCM with the provided key.
// Keys longer than 32 bytes are truncated to 32.
//
// The ciphertext format is: nonce (12 bytes) || encrypted data || auth tag (16 bytes)
func Encrypt(plaintext, key []byte) ([]byte, error) {
	if len(key) < 32 {
		return nil, ErrKeyTooShort
	}
	key = key[:32]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts ciphertext that was encrypted with Encrypt.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	if len(key) < 32 {
		return nil, ErrKeyTooShort
	}
	key = key[:32]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// =============================================================================
// Base64 Encoding Variants
// =============================================================================

// EncryptToBase64 encrypts plaintext and returns base64-encoded ciphertext,
// suitable for text fields.
func EncryptToBase64(plaintext, key []byte) (string, error) {
	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptFromBase64 decrypts base64-encoded ciphertext.
func DecryptFromBase64(encoded string, key []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return Decrypt(ciphertext, key)
}

// =============================================================================
// Secret Value Sealing
// =============================================================================

// SealString seals a secret string value for storage in a text column.
// Secret environment variable values go through this before they touch
// the database.
func SealString(value string, key []byte) (string, error) {
	return EncryptToBase64([]byte(value), key)
}

// OpenString reverses SealString.
func OpenString(sealed string, key []byte) (string, error) {
	plaintext, err := DecryptFromBase64(sealed, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// =============================================================================
// SSH Key Utilities
// =============================================================================

// GenerateSSHKeyPair generates a new Ed25519 SSH key pair for a provisioned
// instance. Returns the private key in PEM format and the public key in
// OpenSSH authorized_keys format.
func GenerateSSHKeyPair() (privateKeyPEM []byte, publicKey string, err error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate ed25519 key: %w", err)
	}

	sshPrivKey, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		return nil, "", fmt.Errorf("marshal private key: %w", err)
	}

	pemBytes := pem.EncodeToMemory(sshPrivKey)

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, "", fmt.Errorf("create public key: %w", err)
	}

	return pemBytes, string(ssh.MarshalAuthorizedKey(sshPubKey)), nil
}

// EncryptSSHKey seals an SSH private key for database storage.
func EncryptSSHKey(privateKey, encryptionKey []byte) ([]byte, error) {
	return Encrypt(privateKey, encryptionKey)
}

// DecryptSSHKey opens an SSH private key sealed with EncryptSSHKey.
func DecryptSSHKey(encryptedKey, encryptionKey []byte) ([]byte, error) {
	return Decrypt(encryptedKey, encryptionKey)
}

// ValidateSSHPrivateKey checks that the given bytes parse as an SSH
// private key.
func ValidateSSHPrivateKey(privateKey []byte) error {
	_, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return ErrInvalidSSHKey
	}
	return nil
}

// ParseSSHPrivateKey parses an SSH private key and returns the signer.
func ParseSSHPrivateKey(privateKey []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, ErrInvalidSSHKey
	}
	return signer, nil
}

// GetSSHPublicKey returns the OpenSSH authorized_keys form of the public
// key derived from the private key.
func GetSSHPublicKey(privateKey []byte) (string, error) {
	signer, err := ParseSSHPrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	return string(ssh.MarshalAuthorizedKey(signer.PublicKey())), nil
}

// GetSSHPublicKeyFingerprint returns the SHA256 fingerprint of the public
// key derived from the private key.
func GetSSHPublicKeyFingerprint(privateKey []byte) (string, error) {
	signer, err := ParseSSHPrivateKey(privateKey)
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256(signer.PublicKey().Marshal())
	return "SHA256:" + base64.StdEncoding.EncodeToString(hash[:]), nil
}
