// Package secrets supplies the decrypted platform signing key. The key is
// stored encrypted at rest; the file layout is a random salt header followed
// by the AES-GCM ciphertext.
package secrets

import (
	"errors"
	"fmt"
	"os"

	"github.com/shiplane/shiplane/internal/core/crypto"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrKeyNotFound is returned when the encrypted key file is missing.
	ErrKeyNotFound = errors.New("signing key file not found")

	// ErrDecryptFailed is returned when the key file cannot be decrypted.
	ErrDecryptFailed = errors.New("signing key decryption failed")
)

// =============================================================================
// Provider
// =============================================================================

// Provider decrypts the stored signing key on demand.
type Provider struct {
	keyPath    string
	passphrase string
}

// NewProvider creates a secrets provider for the encrypted key at keyPath.
func NewProvider(keyPath, passphrase string) *Provider {
	return &Provider{keyPath: keyPath, passphrase: passphrase}
}

// SigningKey reads and decrypts the signing key.
func (p *Provider) SigningKey() ([]byte, error) {
	data, err := os.ReadFile(p.keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, p.keyPath)
		}
		return nil, fmt.Errorf("failed to read signing key file: %w", err)
	}

	if len(data) <= crypto.SaltSize {
		return nil, fmt.Errorf("%w: file too short", ErrDecryptFailed)
	}

	salt, ciphertext := data[:crypto.SaltSize], data[crypto.SaltSize:]
	key := crypto.DeriveKey(p.passphrase, salt)

	plaintext, err := crypto.Decrypt(ciphertext, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

// WriteEncryptedKey encrypts a signing key under the passphrase and writes
// it to path. Used by operator tooling and tests.
func WriteEncryptedKey(path, passphrase string, signingKey []byte) error {
	salt, err := crypto.NewSalt()
	if err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	ciphertext, err := crypto.Encrypt(signingKey, crypto.DeriveKey(passphrase, salt))
	if err != nil {
		return fmt.Errorf("failed to encrypt signing key: %w", err)
	}

	return os.WriteFile(path, append(salt, ciphertext...), 0o600)
}
