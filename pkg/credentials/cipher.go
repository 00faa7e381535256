// Package credentials resolves the opaque credential handle of an account
// into exchange API keys. Secrets may be stored encrypted (ENC[vN]:...) and
// are never rendered by String, JSON or zap.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys.
	KeySize   = 32
	nonceSize = 12
	// encPrefix is followed by the key version, "]:" and base64(nonce+ciphertext).
	encPrefix = "ENC[v"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor seals values with AES-256-GCM under one key version.
type Encryptor struct {
	aead    cipher.AEAD
	version int
}

func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{aead: aead, version: version}, nil
}

func (e *Encryptor) Version() int { return e.version }

func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("%s%d]:%s", encPrefix, e.version, base64.StdEncoding.EncodeToString(sealed)), nil
}

func (e *Encryptor) Decrypt(value string) (string, error) {
	idx := strings.Index(value, "]:")
	if !IsEncrypted(value) || idx < 0 {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(value[idx+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	plain, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// IsEncrypted reports whether value carries the ENC[vN]: prefix.
func IsEncrypted(value string) bool { return strings.HasPrefix(value, encPrefix) }

// ParseVersion returns the key version of an encrypted value, 0 if the
// format is invalid.
func ParseVersion(value string) int {
	if !IsEncrypted(value) {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(value, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}
