package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sentinelSCA/sentinel/internal/config"
)

var printConfigCmd = &cobra.Command{
	Use:   "print-config",
	Short: "Render the effective configuration",
	Long: `Load the configuration the way serve would (file, environment,
defaults, validation) and render the result as YAML. Secrets are
redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		redactSecrets(cfg)

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()

		if file := config.ConfigFileUsed(); file != "" {
			fmt.Printf("# config file: %s\n", file)
		} else {
			fmt.Println("# config file: none (environment and defaults)")
		}
		return enc.Encode(cfg)
	},
}

// redactSecrets masks every secret that was actually set.
func redactSecrets(cfg *config.Config) {
	for _, s := range []*string{
		&cfg.Security.APIKey,
		&cfg.Security.SigningSecret,
		&cfg.Security.AuditSecret,
		&cfg.Security.QueueSigningSecret,
		&cfg.Security.VTSalt,
	} {
		if *s != "" {
			*s = "<redacted>"
		}
	}
}

func init() {
	rootCmd.AddCommand(printConfigCmd)
}
