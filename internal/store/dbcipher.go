package store

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/entrolution/causantic/internal/crypto"
	cerr "github.com/entrolution/causantic/internal/errors"
)

// At-rest encryption seals the whole database file with ChaCha20-Poly1305
// under the provider key. The at-rest artifact is <db>.enc; while the
// store is open a private 0600 working copy lives at the database path and
// is removed when the store seals back on Close. The pure-Go SQLite driver
// has no page codec, so the cipher sits above the file, not inside it.

// sealedDBPath is the at-rest artifact for a database path.
func sealedDBPath(path string) string {
	return path + ".enc"
}

// dbCipher tracks the sealed artifact and the plaintext working copy of an
// encrypted database.
type dbCipher struct {
	key        []byte
	sealedPath string
	workPath   string
}

// unsealDatabase prepares the plaintext working copy before SQLite opens.
//
//   - sealed file present: authenticate and decrypt it into the working
//     copy. A wrong key fails AEAD authentication and open fails.
//   - working copy already present (first-time enable, or a crash before
//     the last seal): use it as-is; it is sealed on the next clean Close.
//   - neither: fresh database, created plaintext and sealed at Close.
func unsealDatabase(path string, key []byte) (*dbCipher, error) {
	c := &dbCipher{key: key, sealedPath: sealedDBPath(path), workPath: path}

	if fileExistsAt(path) {
		if fileExistsAt(c.sealedPath) {
			slog.Warn("encrypted_db_working_copy_present",
				slog.String("path", path),
				slog.String("reason", "previous run did not seal; using the working copy"))
		}
		return c, nil
	}

	if !fileExistsAt(c.sealedPath) {
		return c, nil
	}

	sealed, err := os.ReadFile(c.sealedPath)
	if err != nil {
		return nil, cerr.Crypto("read encrypted database", err)
	}
	plaintext, err := crypto.OpenWithKey(sealed, key)
	if err != nil {
		return nil, cerr.Crypto("database is encrypted and the key does not unlock it", err)
	}
	if err := os.WriteFile(path, plaintext, 0o600); err != nil {
		return nil, cerr.Crypto("write database working copy", err)
	}
	return c, nil
}

// seal writes the working copy back as the sealed artifact and removes the
// plaintext, leaving only ciphertext at rest. The WAL must be checkpointed
// into the main file before calling.
func (c *dbCipher) seal() error {
	plaintext, err := os.ReadFile(c.workPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cerr.Crypto("read database working copy", err)
	}

	sealed, err := crypto.SealWithKey(plaintext, c.key)
	if err != nil {
		return err
	}

	tmp := c.sealedPath + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return cerr.Crypto("write encrypted database", err)
	}
	if err := os.Rename(tmp, c.sealedPath); err != nil {
		_ = os.Remove(tmp)
		return cerr.Crypto("rename encrypted database", err)
	}

	if err := os.Remove(c.workPath); err != nil {
		return cerr.Crypto(fmt.Sprintf("remove database working copy %s", c.workPath), err)
	}
	// WAL and SHM leftovers carry plaintext pages.
	_ = os.Remove(c.workPath + "-wal")
	_ = os.Remove(c.workPath + "-shm")
	return nil
}

func fileExistsAt(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
