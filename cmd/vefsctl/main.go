// Command vefsctl is a thin CLI wrapper over package vefs, exercising the
// archive's public operations end to end the way the teacher's cmd/siac
// wraps its daemon API in cobra subcommands.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"go.vefs.dev/vefs/vefs"
	"go.vefs.dev/vefs/internal/vefscrypto"
)

var userPRKHex string

func main() {
	root := &cobra.Command{
		Use:   "vefsctl",
		Short: "inspect and manipulate virtual encrypted filesystem archives",
	}
	root.PersistentFlags().StringVar(&userPRKHex, "key", "", "archive key, as 64 hex characters")

	root.AddCommand(newCreateCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newCatCmd())
	root.AddCommand(newWriteCmd())
	root.AddCommand(newEraseCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseKey() ([32]byte, error) {
	var key [32]byte
	if userPRKHex == "" {
		vefscrypto.RandomBytes(key[:])
		fmt.Fprintf(os.Stderr, "warning: no --key given, generated an ephemeral one; archive will be unreadable after this process exits\n")
		return key, nil
	}
	if len(userPRKHex) != 64 {
		return key, fmt.Errorf("--key must be exactly 64 hex characters")
	}
	b, err := hex.DecodeString(userPRKHex)
	if err != nil {
		return key, fmt.Errorf("--key is not valid hex: %w", err)
	}
	copy(key[:], b)
	return key, nil
}

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <archive>",
		Short: "create a new archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey()
			if err != nil {
				return err
			}
			a, err := vefs.Open(args[0], key, vefs.ArchiveOptions{Mode: vefs.CreateNew})
			if err != nil {
				return err
			}
			return a.Close()
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <archive>",
		Short: "list every file in an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey()
			if err != nil {
				return err
			}
			a, err := vefs.Open(args[0], key, vefs.ArchiveOptions{Mode: vefs.OpenExisting})
			if err != nil {
				return err
			}
			defer a.Close()
			for _, path := range a.ListFiles() {
				fmt.Println(path)
			}
			return nil
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <archive> <path>",
		Short: "print a file's contents to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey()
			if err != nil {
				return err
			}
			a, err := vefs.Open(args[0], key, vefs.ArchiveOptions{Mode: vefs.OpenExisting})
			if err != nil {
				return err
			}
			defer a.Close()
			content, err := a.ReadFile(args[1])
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(content)
			return err
		},
	}
}

func newWriteCmd() *cobra.Command {
	var fromFile string
	cmd := &cobra.Command{
		Use:   "write <archive> <path>",
		Short: "write stdin (or --from) as a file's new contents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey()
			if err != nil {
				return err
			}
			a, err := vefs.Open(args[0], key, vefs.ArchiveOptions{Mode: vefs.OpenOrCreate})
			if err != nil {
				return err
			}
			defer a.Close()

			var content []byte
			if fromFile != "" {
				content, err = os.ReadFile(fromFile)
			} else {
				content, err = readAll(os.Stdin)
			}
			if err != nil {
				return err
			}
			return a.WriteFile(args[1], content)
		},
	}
	cmd.Flags().StringVar(&fromFile, "from", "", "read content from this file instead of stdin")
	return cmd
}

func newEraseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <archive> <path>",
		Short: "permanently erase a file from an archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey()
			if err != nil {
				return err
			}
			a, err := vefs.Open(args[0], key, vefs.ArchiveOptions{Mode: vefs.OpenExisting})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Erase(args[1]); err != nil {
				return err
			}
			return a.Commit()
		},
	}
}

func readAll(f *os.File) ([]byte, error) {
	var out []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
	}
}
