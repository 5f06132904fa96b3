package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/entrolution/causantic/internal/crypto"
	cerr "github.com/entrolution/causantic/internal/errors"
)

func newKeyBackupCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "key-backup",
		Short: "Write a sealed backup of the database key",
		Long: `Resolves the configured encryption key and seals it with
ChaCha20-Poly1305 under a backup passphrase. The backup file lets you
recover the database if the OS keystore entry is lost.`,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Encryption.Enabled {
				return cerr.Invalid("encryption is not enabled in the configuration")
			}

			key, err := crypto.NewKeyProvider(cfg.Encryption).Key()
			if err != nil {
				return err
			}

			passphrase, err := readPassphrase("backup passphrase: ")
			if err != nil {
				return err
			}
			confirmPass, err := readPassphrase("confirm passphrase: ")
			if err != nil {
				return err
			}
			if passphrase != confirmPass {
				return cerr.Invalid("passphrases do not match")
			}

			if out == "" {
				out = filepath.Join(cfg.Paths.DataDir, "causantic.key.enc")
			}
			if err := crypto.WriteKeyBackup(out, key, passphrase); err != nil {
				return err
			}
			fmt.Printf("key backup written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "Backup file path (default <data-dir>/causantic.key.enc)")
	return cmd
}

func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", cerr.Wrap(cerr.KindInternal, err)
	}
	passphrase := strings.TrimSpace(string(raw))
	if passphrase == "" {
		return "", cerr.Invalid("empty passphrase")
	}
	return passphrase, nil
}
