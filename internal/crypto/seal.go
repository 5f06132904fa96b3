package crypto

import (
	"bytes"
	"crypto/rand"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	cerr "github.com/entrolution/causantic/internal/errors"
)

// Encrypted payloads (key backups and the sealed database file) begin with a
// four-byte magic.
var Magic = []byte("ECM\x00")

// Argon2id parameters for passphrase-derived keys.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// saltBytes prefixes every sealed payload alongside the nonce.
const saltBytes = 16

// DeriveKey stretches a passphrase into a 32-byte key with a fixed salt.
// Used for prompt- and env-supplied passphrases where no per-file salt can
// be stored (the sealed database file must unseal with the same key on
// every run).
func DeriveKey(passphrase string) []byte {
	return argon2.IDKey([]byte(passphrase), []byte("causantic.v1"), argonTime, argonMemory, argonThreads, KeyBytes)
}

// deriveFileKey stretches a passphrase with a per-file random salt.
func deriveFileKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, KeyBytes)
}

// SealWithKey encrypts plaintext under a raw 32-byte key with
// ChaCha20-Poly1305. Layout: magic | nonce(24) | ciphertext.
// Used for the database file, where the key comes from the key provider;
// passphrase-based payloads (key backups) use Seal instead.
func SealWithKey(plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, cerr.Crypto("init cipher", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, cerr.Crypto("generate nonce", err)
	}

	out := make([]byte, 0, len(Magic)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, Magic...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, Magic), nil
}

// OpenWithKey decrypts a payload produced by SealWithKey. A wrong key fails
// authentication and surfaces as a crypto error.
func OpenWithKey(sealed, key []byte) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, cerr.Crypto("not an encrypted payload (missing magic)", nil)
	}
	body := sealed[len(Magic):]
	if len(body) < chacha20poly1305.NonceSizeX {
		return nil, cerr.Crypto("truncated encrypted payload", nil)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, cerr.Crypto("init cipher", err)
	}

	nonce := body[:chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, body[chacha20poly1305.NonceSizeX:], Magic)
	if err != nil {
		return nil, cerr.Crypto("decrypt failed (wrong key or corrupted payload)", err)
	}
	return plaintext, nil
}

// Seal encrypts plaintext under a passphrase with ChaCha20-Poly1305.
// Layout: magic | salt(16) | nonce(24) | ciphertext.
func Seal(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, cerr.Crypto("generate salt", err)
	}

	aead, err := chacha20poly1305.NewX(deriveFileKey(passphrase, salt))
	if err != nil {
		return nil, cerr.Crypto("init cipher", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, cerr.Crypto("generate nonce", err)
	}

	out := make([]byte, 0, len(Magic)+saltBytes+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, Magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, Magic), nil
}

// Open decrypts a payload produced by Seal.
// A missing magic, truncated header, or failed authentication all surface as
// crypto errors.
func Open(sealed []byte, passphrase string) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, cerr.Crypto("not an encrypted payload (missing magic)", nil)
	}
	body := sealed[len(Magic):]
	if len(body) < saltBytes+chacha20poly1305.NonceSizeX {
		return nil, cerr.Crypto("truncated encrypted payload", nil)
	}

	salt := body[:saltBytes]
	nonce := body[saltBytes : saltBytes+chacha20poly1305.NonceSizeX]
	ciphertext := body[saltBytes+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(deriveFileKey(passphrase, salt))
	if err != nil {
		return nil, cerr.Crypto("init cipher", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, Magic)
	if err != nil {
		return nil, cerr.Crypto("decrypt failed (wrong key or corrupted payload)", err)
	}
	return plaintext, nil
}

// IsSealed reports whether data begins with the encrypted-payload magic.
func IsSealed(data []byte) bool {
	return len(data) >= len(Magic) && bytes.Equal(data[:len(Magic)], Magic)
}

// WriteKeyBackup seals the raw database key under a passphrase and writes it
// to path, so a lost keystore entry is recoverable. The key-backup command
// calls it; enabling encryption does not write a backup by itself.
func WriteKeyBackup(path string, key []byte, passphrase string) error {
	sealed, err := Seal(key, passphrase)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return cerr.Crypto("write key backup", err)
	}
	return nil
}

// ReadKeyBackup opens a sealed key backup file.
func ReadKeyBackup(path string, passphrase string) ([]byte, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, cerr.Crypto("read key backup", err)
	}
	return Open(sealed, passphrase)
}
