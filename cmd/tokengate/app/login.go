package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokengate/tokengate/pkg/logger"
	"github.com/tokengate/tokengate/pkg/oauth"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Obtain an access token interactively",
	Long: `Run the OAuth 2.1 authorization-code flow with PKCE against the given
authorization server. A local loopback listener receives the callback, the
browser is opened on the authorization URL, and the resulting token metadata
is printed. The token itself is never printed outside debug logging.`,
	RunE: runLogin,
}

var loginFlags struct {
	clientID     string
	clientSecret string
	authURL      string
	tokenURL     string
	scopes       []string
	callbackPort int
	timeout      time.Duration
	skipBrowser  bool
}

func init() {
	loginCmd.Flags().StringVar(&loginFlags.clientID, "client-id", "", "OAuth client ID")
	loginCmd.Flags().StringVar(&loginFlags.clientSecret, "client-secret", "", "OAuth client secret (confidential clients only)")
	loginCmd.Flags().StringVar(&loginFlags.authURL, "auth-url", "", "Authorization endpoint URL")
	loginCmd.Flags().StringVar(&loginFlags.tokenURL, "token-url", "", "Token endpoint URL")
	loginCmd.Flags().StringSliceVar(&loginFlags.scopes, "scope", nil, "OAuth scopes to request (repeatable)")
	loginCmd.Flags().IntVar(&loginFlags.callbackPort, "callback-port", 0, "Port for the OAuth callback server (0 selects a free port)")
	loginCmd.Flags().DurationVar(&loginFlags.timeout, "timeout", oauth.DefaultFlowTimeout, "How long to wait for the authorization callback")
	loginCmd.Flags().BoolVar(&loginFlags.skipBrowser, "skip-browser", false, "Print the authorization URL instead of opening a browser")
}

func runLogin(cmd *cobra.Command, _ []string) error {
	flow, err := oauth.NewFlow(&oauth.Config{
		ClientID:     loginFlags.clientID,
		ClientSecret: loginFlags.clientSecret,
		AuthURL:      loginFlags.authURL,
		TokenURL:     loginFlags.tokenURL,
		Scopes:       loginFlags.scopes,
		CallbackPort: loginFlags.callbackPort,
		Timeout:      loginFlags.timeout,
		SkipBrowser:  loginFlags.skipBrowser,
	})
	if err != nil {
		return fmt.Errorf("invalid login configuration: %w", err)
	}

	result, err := flow.Start(cmd.Context())
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	logger.Info("Login successful")
	logger.Infow("Token obtained",
		"token_type", result.TokenType,
		"expiry", result.Expiry.Format(time.RFC3339),
		"scope", result.Scope,
	)
	if sub, ok := result.Claims["sub"]; ok {
		logger.Infow("Token subject", "sub", sub)
	}
	logger.Debugw("Access token", "access_token", result.AccessToken)

	return nil
}
