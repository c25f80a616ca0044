package auth

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrSealedDataInvalid is returned when sealed data cannot be opened
var ErrSealedDataInvalid = errors.New("sealed data is invalid")

// Sealer encrypts account credentials at rest
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the credential key from the hex encoded master key
func NewSealer(hexKey string) (*Sealer, error) {
	master, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(master) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(master))
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, master, nil, []byte("account-credentials"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive credential key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext. The account name is bound as associated data so a
// sealed credential cannot be moved to another account.
func (s *Sealer) Seal(accountName string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return s.aead.Seal(nonce, nonce, plaintext, []byte(accountName)), nil
}

// Open decrypts data produced by Seal
func (s *Sealer) Open(accountName string, sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, ErrSealedDataInvalid
	}

	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(accountName))
	if err != nil {
		return nil, ErrSealedDataInvalid
	}

	return plaintext, nil
}
