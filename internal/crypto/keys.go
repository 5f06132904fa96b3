// Package crypto obtains the at-rest encryption key and seals key backups.
//
// The key can come from the OS keystore, an environment variable, or an
// interactive prompt. Failing to obtain a key while encryption is enabled is
// fatal at open time.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/entrolution/causantic/internal/config"
	cerr "github.com/entrolution/causantic/internal/errors"
)

const (
	// KeyBytes is the raw key length (256-bit).
	KeyBytes = 32

	keyringService = "causantic"
	keyringItem    = "db-key"
)

// KeyProvider resolves the database key from a configured source.
type KeyProvider struct {
	source config.KeySource
	envVar string

	// openKeyring is swappable for tests.
	openKeyring func() (keyring.Keyring, error)
}

// NewKeyProvider creates a provider for the configured key source.
func NewKeyProvider(enc config.EncryptionConfig) *KeyProvider {
	return &KeyProvider{
		source: enc.KeySource,
		envVar: enc.EnvVar,
		openKeyring: func() (keyring.Keyring, error) {
			return keyring.Open(keyring.Config{ServiceName: keyringService})
		},
	}
}

// Key resolves the raw 32-byte key. The error is always of the crypto kind;
// callers treat it as fatal when encryption is enabled.
func (p *KeyProvider) Key() ([]byte, error) {
	switch p.source {
	case config.KeySourceKeystore:
		return p.keystoreKey()
	case config.KeySourceEnv:
		return p.envKey()
	case config.KeySourcePrompt:
		return p.promptKey()
	default:
		return nil, cerr.Crypto(fmt.Sprintf("unknown key source %q", p.source), nil)
	}
}

// keystoreKey reads the key from the OS keystore, generating and storing a
// fresh one on first use.
func (p *KeyProvider) keystoreKey() ([]byte, error) {
	ring, err := p.openKeyring()
	if err != nil {
		return nil, cerr.Crypto("open OS keystore", err).
			WithSuggestion("set encryption.key_source to env and export the key instead")
	}

	item, err := ring.Get(keyringItem)
	if err == nil {
		return decodeKey(string(item.Data))
	}
	if err != keyring.ErrKeyNotFound {
		return nil, cerr.Crypto("read key from OS keystore", err)
	}

	key := make([]byte, KeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, cerr.Crypto("generate key", err)
	}
	err = ring.Set(keyring.Item{
		Key:   keyringItem,
		Label: "causantic database key",
		Data:  []byte(hex.EncodeToString(key)),
	})
	if err != nil {
		return nil, cerr.Crypto("store key in OS keystore", err)
	}
	return key, nil
}

func (p *KeyProvider) envKey() ([]byte, error) {
	v := os.Getenv(p.envVar)
	if v == "" {
		return nil, cerr.Crypto(fmt.Sprintf("environment variable %s is not set", p.envVar), nil)
	}
	return decodeKey(v)
}

func (p *KeyProvider) promptKey() ([]byte, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return nil, cerr.Crypto("key prompt requires an interactive terminal", nil).
			WithSuggestion("set encryption.key_source to keystore or env for non-interactive use")
	}
	fmt.Fprint(os.Stderr, "database key: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, cerr.Crypto("read key from terminal", err)
	}
	passphrase := strings.TrimSpace(string(raw))
	if passphrase == "" {
		return nil, cerr.Crypto("empty key", nil)
	}
	return DeriveKey(passphrase), nil
}

// decodeKey accepts a hex-encoded 32-byte key, or derives one from a
// passphrase of any other shape.
func decodeKey(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if decoded, err := hex.DecodeString(v); err == nil && len(decoded) == KeyBytes {
		return decoded, nil
	}
	if v == "" {
		return nil, cerr.Crypto("empty key", nil)
	}
	return DeriveKey(v), nil
}
