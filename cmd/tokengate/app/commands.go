// Package app provides the entry point for the tokengate command-line
// application.
package app

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tokengate/tokengate/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "tokengate",
	DisableAutoGenTag: true,
	Short:             "tokengate obtains, verifies and exchanges OAuth access tokens",
	Long: `tokengate is a small token-authorization toolkit built on OAuth 2.1.

It can obtain a user-delegated token interactively (login, authorization-code
flow with PKCE), admit or reject proxied requests by asking the authorization
server about the presented token (gate, RFC 7662 introspection), and trade a
token from one authorization domain for one valid in another (broker,
RFC 8693 token exchange followed by an RFC 7523 JWT bearer grant).

The gate and broker serve the external-authorization HTTP contract used by
reverse proxies: 200 allows the request, 401 denies it, 500 signals a broken
deployment.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// Re-initialize so the --debug flag takes effect
		logger.Initialize()
	},
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the tokengate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalf("Failed to bind debug flag: %v", err)
	}

	// TOKENGATE_GATE_CLIENT_SECRET and friends override the flags, which is
	// how the serve commands are configured in a sidecar deployment.
	viper.SetEnvPrefix("TOKENGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(gateCmd)
	rootCmd.AddCommand(brokerCmd)

	return rootCmd
}
