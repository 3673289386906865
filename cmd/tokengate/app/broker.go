package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tokengate/tokengate/pkg/extauthz"
	"github.com/tokengate/tokengate/pkg/logger"
	"github.com/tokengate/tokengate/pkg/tokenexchange"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Serve the cross-domain token exchange broker",
	Long: `Serve the external-authorization token exchange broker. The incoming
bearer token is first exchanged in its home domain (RFC 8693 token exchange),
and the result is presented to the target domain as a JWT bearer assertion
(RFC 7523). On success the final token is attached as an Authorization header
for the proxy to forward; on any failure the request is denied (401) and the
intermediate token never leaves the process.`,
	RunE: runBroker,
}

func init() {
	brokerCmd.Flags().String("address", ":8182", "Address to listen on")
	brokerCmd.Flags().String("domain-a-token-url", "", "Token endpoint of the caller's home domain")
	brokerCmd.Flags().String("domain-a-client-id", "", "Client ID in the caller's home domain")
	brokerCmd.Flags().String("domain-a-client-secret", "", "Client secret in the caller's home domain")
	brokerCmd.Flags().String("domain-b-token-url", "", "Token endpoint of the target domain")
	brokerCmd.Flags().String("domain-b-client-id", "", "Client ID in the target domain")
	brokerCmd.Flags().String("domain-b-client-secret", "", "Client secret in the target domain")
	brokerCmd.Flags().String("domain-b-auth-method", tokenexchange.AuthMethodClientSecretBasic,
		"Client authentication for the target domain (client_secret_basic or client_secret_post)")
	brokerCmd.Flags().StringSlice("scope", nil, "Scopes to request in the home-domain exchange (repeatable)")
	brokerCmd.Flags().String("audience", "", "Audience for the home-domain exchange")
	brokerCmd.Flags().Duration("upstream-timeout", extauthz.DefaultTimeout, "Timeout for each token endpoint call")
	brokerCmd.Flags().String("ca-cert", "", "Optional CA certificate bundle for both domains")

	for _, flag := range []string{
		"address",
		"domain-a-token-url", "domain-a-client-id", "domain-a-client-secret",
		"domain-b-token-url", "domain-b-client-id", "domain-b-client-secret",
		"domain-b-auth-method", "scope", "audience", "upstream-timeout", "ca-cert",
	} {
		if err := viper.BindPFlag("broker."+flag, brokerCmd.Flags().Lookup(flag)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", flag, err)
		}
	}
}

func runBroker(_ *cobra.Command, _ []string) error {
	config := &extauthz.BrokerConfig{
		DomainA: extauthz.DomainConfig{
			TokenURL:     viper.GetString("broker.domain-a-token-url"),
			ClientID:     viper.GetString("broker.domain-a-client-id"),
			ClientSecret: viper.GetString("broker.domain-a-client-secret"),
		},
		DomainB: extauthz.DomainConfig{
			TokenURL:     viper.GetString("broker.domain-b-token-url"),
			ClientID:     viper.GetString("broker.domain-b-client-id"),
			ClientSecret: viper.GetString("broker.domain-b-client-secret"),
		},
		DomainBAuthMethod: viper.GetString("broker.domain-b-auth-method"),
		Scopes:            viper.GetStringSlice("broker.scope"),
		Audience:          viper.GetString("broker.audience"),
		Timeout:           viper.GetDuration("broker.upstream-timeout"),
		CACertPath:        viper.GetString("broker.ca-cert"),
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid broker configuration: %w", err)
	}

	broker, err := extauthz.NewBroker(config)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}

	address := viper.GetString("broker.address")
	logger.Infof("Starting token exchange broker on %s", address)
	logger.Infof("Domain A: %s, domain B: %s, timeout: %s",
		config.DomainA.TokenURL, config.DomainB.TokenURL, timeoutOrDefault(config.Timeout))

	return serveUntilSignal(address, extauthz.NewRouter(broker))
}
