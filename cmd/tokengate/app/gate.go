package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tokengate/tokengate/pkg/extauthz"
	"github.com/tokengate/tokengate/pkg/logger"
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Serve the introspection admission gate",
	Long: `Serve the external-authorization admission gate. Every proxied request's
bearer token is checked against the authorization server's RFC 7662
introspection endpoint; an active token is allowed (200 with X-Subject,
X-Scope and X-Token-Exp headers), everything else is denied (401). Verdicts
are never cached, so revocation takes effect immediately.`,
	RunE: runGate,
}

func init() {
	gateCmd.Flags().String("address", ":8181", "Address to listen on")
	gateCmd.Flags().String("introspect-url", "", "RFC 7662 introspection endpoint URL")
	gateCmd.Flags().String("client-id", "", "Client ID for the introspection endpoint")
	gateCmd.Flags().String("client-secret", "", "Client secret for the introspection endpoint")
	gateCmd.Flags().Duration("upstream-timeout", extauthz.DefaultTimeout, "Timeout for introspection calls")
	gateCmd.Flags().String("ca-cert", "", "Optional CA certificate bundle for the authorization server")

	for _, flag := range []string{"address", "introspect-url", "client-id", "client-secret", "upstream-timeout", "ca-cert"} {
		if err := viper.BindPFlag("gate."+flag, gateCmd.Flags().Lookup(flag)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", flag, err)
		}
	}
}

func runGate(_ *cobra.Command, _ []string) error {
	config := &extauthz.GateConfig{
		IntrospectURL: viper.GetString("gate.introspect-url"),
		ClientID:      viper.GetString("gate.client-id"),
		ClientSecret:  viper.GetString("gate.client-secret"),
		Timeout:       viper.GetDuration("gate.upstream-timeout"),
		CACertPath:    viper.GetString("gate.ca-cert"),
	}

	// A startup failure is distinct from a runtime DENY; a gate that cannot
	// possibly render a decision should not come up at all.
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid gate configuration: %w", err)
	}

	gate, err := extauthz.NewGate(config)
	if err != nil {
		return fmt.Errorf("failed to create gate: %w", err)
	}

	address := viper.GetString("gate.address")
	logger.Infof("Starting admission gate on %s", address)
	logger.Infof("Introspection endpoint: %s, timeout: %s",
		config.IntrospectURL, timeoutOrDefault(config.Timeout))

	return serveUntilSignal(address, extauthz.NewRouter(gate))
}

func timeoutOrDefault(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return extauthz.DefaultTimeout
}
