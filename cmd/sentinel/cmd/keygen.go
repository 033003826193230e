package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinelSCA/sentinel/internal/domain/signing"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ed25519 agent keypair",
	Long: `Generate an ed25519 keypair for agent identity registration.

The public key is what you POST to /api/v2/register. The private key
stays with the agent; it is printed once and never stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := signing.GenerateKeypair()
		if err != nil {
			return err
		}
		fmt.Printf("public:  %s\n", pub)
		fmt.Printf("private: %s\n", priv)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
