// Package vault encrypts refresh credentials at rest. Access tokens never
// touch storage, so the vault only ever sees refresh tokens.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrDecryption is returned for any ciphertext the vault cannot open:
// corrupted data, foreign key, or malformed encoding. Callers must treat it
// as "re-authenticate", never as an empty credential.
var ErrDecryption = errors.New("vault: decryption failed")

const keySize = 32 // AES-256

// Vault seals and opens strings with a single process-wide AES-GCM key.
// Rotating the master key invalidates every stored ciphertext; there is no
// re-encryption path, affected accounts must re-login.
type Vault struct {
	key []byte
}

// New resolves the master key: explicit base64 key material first, then the
// key file, then first-run bootstrap (generate and persist to the key file).
func New(masterKey, keyFile string) (*Vault, error) {
	if keyFile == "" {
		keyFile = "master.key"
	}

	if masterKey != "" {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(masterKey))
		if err != nil || len(key) != keySize {
			return nil, errors.New("vault: master key must be base64 of 32 bytes")
		}
		return &Vault{key: key}, nil
	}

	if data, err := os.ReadFile(keyFile); err == nil {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) != keySize {
			return nil, fmt.Errorf("vault: key file %s is not base64 of 32 bytes", keyFile)
		}
		return &Vault{key: key}, nil
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("vault: generate key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyFile, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("vault: persist key file: %w", err)
	}
	return &Vault{key: key}, nil
}

// Encrypt seals the plaintext and returns base64(nonce|ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ct := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, ct...)), nil
}

// Decrypt opens base64(nonce|ciphertext). Any failure maps to ErrDecryption.
func (v *Vault) Decrypt(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", ErrDecryption
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	ns := gcm.NonceSize()
	if len(raw) < ns {
		return "", ErrDecryption
	}
	pt, err := gcm.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(pt), nil
}
