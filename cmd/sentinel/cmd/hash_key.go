package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinelSCA/sentinel/internal/domain/auth"
)

var hashKeyArgon2 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Hash an API key for the config file",
	Long: `Hash an API key for the security.api_key config field.

By default the output is "sha256:<hex>". With --argon2id the output is an
argon2id PHC string, which is slower to verify but resists offline
cracking of a leaked config file.

Example:
  sentinel hash-key "my-secret-api-key"
  sentinel hash-key --argon2id "my-secret-api-key"

Security note: the key will appear in shell history. Prefer passing an
environment variable: sentinel hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashKeyArgon2 {
			hash, err := auth.HashArgon2id(args[0])
			if err != nil {
				return fmt.Errorf("hash key: %w", err)
			}
			fmt.Println(hash)
			return nil
		}
		fmt.Println(auth.HashSHA256(args[0]))
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeyArgon2, "argon2id", false, "emit an argon2id PHC hash instead of sha256")
	rootCmd.AddCommand(hashKeyCmd)
}
