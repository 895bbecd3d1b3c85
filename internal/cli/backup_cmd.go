// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jeranaias/leaf/internal/backup"
)

// PassphraseEnv supplies a backup passphrase without a prompt.
const PassphraseEnv = "LEAF_BACKUP_PASSPHRASE"

func (a *app) exportCmd() *cobra.Command {
	var (
		output string
		seal   bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write all conversations, settings and templates to a backup file",
		Long: `Write all conversations, settings and templates to a backup file.

With --seal the file is encrypted with a passphrase, read from
` + PassphraseEnv + ` or prompted for.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			passphrase := ""
			if seal {
				if passphrase, err = a.passphrase(true); err != nil {
					return err
				}
			}
			data, err := backup.Export(s, passphrase)
			if err != nil {
				return err
			}
			if output == "-" {
				_, err = a.out.Write(data)
				return err
			}
			if err := backup.WriteFile(output, data); err != nil {
				return err
			}
			fmt.Fprintf(a.errOut, "Exported %d conversation(s) to %s\n", len(s.Conversations()), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", backup.DefaultFilename, "file to write, or - for stdout")
	cmd.Flags().BoolVar(&seal, "seal", false, "encrypt the backup with a passphrase")
	return cmd
}

func (a *app) importCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Replace all conversations with a backup file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := backup.ReadFile(args[0])
			if err != nil {
				return err
			}
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if n := len(s.Conversations()); n > 0 && !yes &&
				!a.confirm(fmt.Sprintf("Replace %d existing conversation(s)?", n)) {
				return errors.New("aborted")
			}

			passphrase := ""
			if backup.IsSealed(data) {
				if passphrase, err = a.passphrase(false); err != nil {
					return err
				}
			}
			if err := backup.Import(s, data, passphrase); err != nil {
				return err
			}
			if err := a.persister.Flush(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(a.errOut, "Imported %d conversation(s)\n", len(s.Conversations()))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// =============================================================================
// INPUT
// =============================================================================

// passphrase reads the backup passphrase from the environment or the
// terminal. New passphrases are asked for twice.
func (a *app) passphrase(confirmNew bool) (string, error) {
	if p := os.Getenv(PassphraseEnv); p != "" {
		return p, nil
	}
	if err := RequiresTTY("read a passphrase"); err != nil {
		return "", fmt.Errorf("%w (set %s)", err, PassphraseEnv)
	}
	p, err := readPassword(a.errOut, "Passphrase: ")
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", errors.New("empty passphrase")
	}
	if confirmNew {
		again, err := readPassword(a.errOut, "Repeat passphrase: ")
		if err != nil {
			return "", err
		}
		if again != p {
			return "", errors.New("passphrases do not match")
		}
	}
	return p, nil
}

func readPassword(prompt io.Writer, label string) (string, error) {
	fmt.Fprint(prompt, label)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(prompt)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// readLine reads one line from r a byte at a time, so nothing after the
// newline is consumed.
func readLine(r io.Reader) (string, error) {
	var (
		b   strings.Builder
		buf [1]byte
	)
	for {
		n, err := r.Read(buf[:])
		if n > 0 {
			if buf[0] == '\n' {
				return strings.TrimRight(b.String(), "\r"), nil
			}
			b.WriteByte(buf[0])
		}
		if err != nil {
			if errors.Is(err, io.EOF) && b.Len() > 0 {
				return b.String(), nil
			}
			return b.String(), err
		}
	}
}
