package extauthz

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tokengate/tokengate/pkg/introspection"
	"github.com/tokengate/tokengate/pkg/logger"
	"github.com/tokengate/tokengate/pkg/networking"
)

// GateConfig configures the introspection admission gate.
type GateConfig struct {
	// IntrospectURL is the authorization server's RFC 7662 endpoint
	IntrospectURL string

	// ClientID authenticates the gate to the introspection endpoint
	ClientID string

	// ClientSecret authenticates the gate to the introspection endpoint
	ClientSecret string

	// Timeout bounds the introspection call (DefaultTimeout if zero)
	Timeout time.Duration

	// CACertPath optionally points at a CA bundle for the authorization server
	CACertPath string
}

// Validate checks that the gate has everything it needs to render decisions.
func (c *GateConfig) Validate() error {
	if c.IntrospectURL == "" {
		return fmt.Errorf("introspection URL is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("client secret is required")
	}
	return nil
}

// timeout returns the effective outbound timeout.
func (c *GateConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Gate is the introspection admission decider. It is stateless per request:
// every decision asks the authorization server, and verdicts are never cached
// so revocation takes effect immediately.
type Gate struct {
	config       *GateConfig
	introspector *introspection.Client
}

// NewGate creates an admission gate. An incomplete config is not an error
// here: the gate still serves, answering 500 "misconfigured" per the
// ext-authz contract, so a misdeployed sidecar is loudly distinguishable from
// one that rejects callers. Serve commands validate eagerly on top of this.
func NewGate(config *GateConfig) (*Gate, error) {
	if config == nil {
		return nil, fmt.Errorf("gate config cannot be nil")
	}

	gate := &Gate{config: config}

	if config.Validate() == nil {
		httpClient, err := networking.NewHttpClientBuilder().
			WithTimeout(config.timeout()).
			WithCABundle(config.CACertPath).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}

		gate.introspector, err = introspection.NewClient(config.IntrospectURL, config.ClientID, config.ClientSecret, httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to create introspection client: %w", err)
		}
	}

	return gate, nil
}

// ServeHTTP renders one admission decision. Fail closed: ambiguity of any
// kind (transport failure, authorization-server error, unparseable verdict)
// is a DENY, never an ALLOW.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		decisionsTotal.WithLabelValues("gate", outcomeDenyCaller).Inc()
		writeDeny(w)
		return
	}

	if err := g.config.Validate(); err != nil || g.introspector == nil {
		logger.Errorf("Gate is misconfigured: %v", err)
		decisionsTotal.WithLabelValues("gate", outcomeMisconfigured).Inc()
		writeMisconfigured(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.config.timeout())
	defer cancel()

	result, err := g.introspector.Introspect(ctx, token)
	if err != nil {
		logger.Warnf("Introspection failed, denying: %v", err)
		decisionsTotal.WithLabelValues("gate", outcomeDenyUpstream).Inc()
		writeDeny(w)
		return
	}

	if !result.Active {
		logger.Debugf("Token inactive, denying")
		decisionsTotal.WithLabelValues("gate", outcomeDenyCaller).Inc()
		writeDeny(w)
		return
	}

	// Minimal identity context only; the raw token and any other
	// introspection fields stop here.
	subject := result.Subject
	if subject == "" {
		subject = result.Username
	}
	exp := ""
	if result.Exp != 0 {
		exp = strconv.FormatInt(result.Exp, 10)
	}

	w.Header().Set("X-Subject", subject)
	w.Header().Set("X-Scope", result.Scope)
	w.Header().Set("X-Token-Exp", exp)
	w.Header().Set("Cache-Control", "no-store")
	decisionsTotal.WithLabelValues("gate", outcomeAllow).Inc()
	w.WriteHeader(http.StatusOK)
}
