package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"casd/internal/auth"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API bearer tokens",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "generate",
			Short: "Generate a token and its bcrypt hash for the config file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				token, err := auth.GenerateToken()
				if err != nil {
					return err
				}
				hash, err := auth.HashToken(token)
				if err != nil {
					return err
				}
				return writeFormatted(map[string]string{
					"token":      token,
					"token_hash": hash,
				})
			},
		},
		&cobra.Command{
			Use:   "hash <token>",
			Short: "Hash an existing token for storage in config",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				hash, err := auth.HashToken(args[0])
				if err != nil {
					return err
				}
				return writePlain("%s\n", hash)
			},
		},
		&cobra.Command{
			Use:   "verify <hash> <token>",
			Short: "Check a token against a stored hash",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if !auth.VerifyToken(args[0], args[1]) {
					return fmt.Errorf("token does not match hash")
				}
				return writePlain("ok\n")
			},
		},
	)

	return cmd
}
