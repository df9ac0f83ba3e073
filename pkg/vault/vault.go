// Package vault encrypts datasource credentials at rest with AES-256-GCM
// under a key derived from a configured master secret. A single key is
// active at a time; rotation re-encrypts stored credentials under the new
// active key via Reencrypt.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

const nonceSize = 12

// ErrInvalidPayload is returned for any decryption failure: wrong key,
// tampered ciphertext or malformed payload. The cause is deliberately not
// distinguished.
var ErrInvalidPayload = errors.New("invalid encrypted payload")

// EncryptedCredential is a stored, encrypted password.
type EncryptedCredential struct {
	// KeyID names the key the ciphertext was produced under.
	KeyID string `json:"key_id" yaml:"key_id"`

	// Ciphertext is base64(nonce || AES-GCM ciphertext).
	Ciphertext string `json:"ciphertext" yaml:"ciphertext"`
}

// Vault encrypts and decrypts credentials under the active key.
type Vault struct {
	keyID string
	aead  cipher.AEAD
}

// New derives the active key from masterSecret (SHA-256, truncated to the
// AES-256 key length) and returns a Vault stamping keyID on new ciphertexts.
func New(keyID, masterSecret string) (*Vault, error) {
	if keyID == "" {
		return nil, errors.New("vault: key id is required")
	}
	if masterSecret == "" {
		return nil, errors.New("vault: master secret is required")
	}

	sum := sha256.Sum256([]byte(masterSecret))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("vault: deriving key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}

	return &Vault{keyID: keyID, aead: aead}, nil
}

// ActiveKeyID returns the key id stamped on new ciphertexts.
func (v *Vault) ActiveKeyID() string {
	return v.keyID
}

// Encrypt encrypts plaintext under the active key.
func (v *Vault) Encrypt(plaintext string) (EncryptedCredential, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedCredential{}, fmt.Errorf("vault: generating nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedCredential{
		KeyID:      v.keyID,
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Decrypt decrypts cred with the active key. Any failure, including a
// credential encrypted under a different key, returns ErrInvalidPayload.
func (v *Vault) Decrypt(cred EncryptedCredential) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(cred.Ciphertext)
	if err != nil {
		return "", ErrInvalidPayload
	}
	if len(raw) <= nonceSize {
		return "", ErrInvalidPayload
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrInvalidPayload
	}
	return string(plaintext), nil
}

// Reencrypt decrypts cred and re-encrypts it under the active key. Used
// during key rotation; callers must evict live connection pools afterwards
// so new connections pick up refreshed secrets.
func (v *Vault) Reencrypt(cred EncryptedCredential) (EncryptedCredential, error) {
	plaintext, err := v.Decrypt(cred)
	if err != nil {
		return EncryptedCredential{}, err
	}
	return v.Encrypt(plaintext)
}
