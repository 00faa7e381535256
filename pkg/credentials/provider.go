package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"go.uber.org/zap/zapcore"
)

var ErrMissingCredential = errors.New("credential not configured")

const redacted = "[REDACTED]"

// Credential is a resolved API key pair. Only the handle is ever rendered.
type Credential struct {
	handle string
	key    string
	secret string
}

func (c Credential) Handle() string    { return c.handle }
func (c Credential) APIKey() string    { return c.key }
func (c Credential) APISecret() string { return c.secret }
func (c Credential) Empty() bool       { return c.key == "" && c.secret == "" }

func (c Credential) String() string { return fmt.Sprintf("Credential(%s, %s)", c.handle, redacted) }

func (c Credential) GoString() string { return c.String() }

func (c Credential) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

func (c Credential) MarshalText() ([]byte, error) { return []byte(redacted), nil }

func (c Credential) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("handle", c.handle)
	enc.AddString("secret", redacted)
	return nil
}

// Provider resolves credential handles.
type Provider interface {
	Resolve(handle string) (Credential, error)
}

// EnvProvider reads <HANDLE>_API_KEY and <HANDLE>_API_SECRET. Encrypted
// values are decrypted with keys.
type EnvProvider struct {
	getenv func(string) string
	keys   *KeyManager
}

// NewEnvProvider builds a provider over getenv (os.Getenv when nil). keys
// may be nil when no value is encrypted.
func NewEnvProvider(getenv func(string) string, keys *KeyManager) *EnvProvider {
	if getenv == nil {
		getenv = os.Getenv
	}
	return &EnvProvider{getenv: getenv, keys: keys}
}

func (p *EnvProvider) Resolve(handle string) (Credential, error) {
	if handle == "" {
		return Credential{}, fmt.Errorf("%w: empty handle", ErrMissingCredential)
	}
	prefix := EnvPrefix(handle)
	key, err := p.value(prefix + "_API_KEY")
	if err != nil {
		return Credential{}, fmt.Errorf("resolve %s: %w", handle, err)
	}
	secret, err := p.value(prefix + "_API_SECRET")
	if err != nil {
		return Credential{}, fmt.Errorf("resolve %s: %w", handle, err)
	}
	if key == "" || secret == "" {
		return Credential{}, fmt.Errorf("%w: %s_API_KEY/%s_API_SECRET", ErrMissingCredential, prefix, prefix)
	}
	return Credential{handle: handle, key: key, secret: secret}, nil
}

func (p *EnvProvider) value(env string) (string, error) {
	v := strings.TrimSpace(p.getenv(env))
	if !IsEncrypted(v) {
		return v, nil
	}
	if p.keys == nil {
		return "", fmt.Errorf("%s is encrypted but %s is not set", env, MasterKeyEnv)
	}
	plain, err := p.keys.Decrypt(v)
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", env, err)
	}
	return plain, nil
}

// EnvPrefix maps a handle to its environment prefix: upper case with every
// non-alphanumeric rune replaced by an underscore.
func EnvPrefix(handle string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, handle)
}
