package cmd

import (
	"fmt"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate an argon2id hash for the admin API key",
	Long: `Generate an argon2id hash of an API key for use in config.

The output is a PHC string ("$argon2id$v=19$...") which can be used
directly in the admin.api_key_hash field. Remote admin clients then send
the key as "Authorization: Bearer <api-key>".

Example:
  quota-gate hash-key "my-secret-api-key"

Security note: The key will appear in shell history.
Consider clearing history after use or using environment variable:
  quota-gate hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := argon2id.CreateHash(args[0], argon2id.DefaultParams)
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
