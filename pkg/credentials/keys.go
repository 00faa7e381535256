package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var ErrKeyNotFound = errors.New("encryption key not found")

// MasterKeyEnv is the version 1 key; later versions use MasterKeyEnv_V2 and
// so on.
const MasterKeyEnv = "MASTER_ENCRYPTION_KEY"

// KeyManager holds every configured key version and encrypts with the
// newest one.
type KeyManager struct {
	current    int
	encryptors map[int]*Encryptor
}

// NewKeyManager loads base64 keys through getenv. Version 1 is required.
func NewKeyManager(getenv func(string) string) (*KeyManager, error) {
	km := &KeyManager{encryptors: make(map[int]*Encryptor)}
	if err := km.load(getenv, 1, MasterKeyEnv); err != nil {
		return nil, fmt.Errorf("load primary key: %w", err)
	}
	km.current = 1
	for v := 2; v <= 10; v++ {
		if err := km.load(getenv, v, fmt.Sprintf("%s_V%d", MasterKeyEnv, v)); err == nil {
			km.current = v
		}
	}
	return km, nil
}

func (km *KeyManager) load(getenv func(string) string, version int, env string) error {
	raw := getenv(env)
	if raw == "" {
		return ErrKeyNotFound
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("decode key %s: %w", env, err)
	}
	enc, err := NewEncryptor(key, version)
	if err != nil {
		return fmt.Errorf("create encryptor v%d: %w", version, err)
	}
	km.encryptors[version] = enc
	return nil
}

func (km *KeyManager) CurrentVersion() int { return km.current }

func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	return km.encryptors[km.current].Encrypt(plaintext)
}

// Decrypt picks the key version named in value.
func (km *KeyManager) Decrypt(value string) (string, error) {
	v := ParseVersion(value)
	if v == 0 {
		return "", ErrInvalidCiphertext
	}
	enc, ok := km.encryptors[v]
	if !ok {
		return "", fmt.Errorf("key version %d not available", v)
	}
	return enc.Decrypt(value)
}

// GenerateKey returns a random base64 AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
