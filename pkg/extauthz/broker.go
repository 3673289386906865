package extauthz

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tokengate/tokengate/pkg/logger"
	"github.com/tokengate/tokengate/pkg/networking"
	"github.com/tokengate/tokengate/pkg/tokenexchange"
)

// DomainConfig identifies one authorization domain's token endpoint and the
// broker's client registration with it.
type DomainConfig struct {
	// TokenURL is the domain's OAuth 2.0 token endpoint
	TokenURL string

	// ClientID is the broker's client identifier in this domain
	ClientID string

	// ClientSecret is the broker's client secret in this domain
	ClientSecret string
}

func (d *DomainConfig) validate(name string) error {
	if d.TokenURL == "" {
		return fmt.Errorf("%s token URL is required", name)
	}
	if d.ClientID == "" {
		return fmt.Errorf("%s client ID is required", name)
	}
	if d.ClientSecret == "" {
		return fmt.Errorf("%s client secret is required", name)
	}
	return nil
}

// BrokerConfig configures the two-hop token exchange broker.
type BrokerConfig struct {
	// DomainA is the caller's home domain; the incoming bearer token is
	// exchanged there first (RFC 8693).
	DomainA DomainConfig

	// Scopes optionally narrows the hop-A exchange request
	Scopes []string

	// Audience optionally targets the hop-A exchange at a specific audience
	Audience string

	// DomainB is the target domain; the hop-A token is presented there as a
	// JWT bearer assertion (RFC 7523).
	DomainB DomainConfig

	// DomainBAuthMethod selects the client authentication style for domain B:
	// tokenexchange.AuthMethodClientSecretBasic (default) or
	// tokenexchange.AuthMethodClientSecretPost.
	DomainBAuthMethod string

	// Timeout bounds each outbound hop (DefaultTimeout if zero)
	Timeout time.Duration

	// CACertPath optionally points at a CA bundle for both domains
	CACertPath string
}

// Validate checks that the broker has everything it needs for both hops.
func (c *BrokerConfig) Validate() error {
	if err := c.DomainA.validate("domain A"); err != nil {
		return err
	}
	if err := c.DomainB.validate("domain B"); err != nil {
		return err
	}
	if c.DomainBAuthMethod != "" &&
		c.DomainBAuthMethod != tokenexchange.AuthMethodClientSecretBasic &&
		c.DomainBAuthMethod != tokenexchange.AuthMethodClientSecretPost {
		return fmt.Errorf("invalid domain B auth method %q", c.DomainBAuthMethod)
	}
	return nil
}

func (c *BrokerConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Broker crosses authorization domains in two sequential hops: the incoming
// bearer token is exchanged in its home domain, and the resulting token is
// presented to the target domain as a JWT bearer assertion. Intermediate
// tokens never leave the process.
type Broker struct {
	config     *BrokerConfig
	httpClient *http.Client
}

// NewBroker creates a token exchange broker. Like the gate, an incomplete
// config is deferred to request time so the handler can answer 500
// "misconfigured" instead of refusing to serve.
func NewBroker(config *BrokerConfig) (*Broker, error) {
	if config == nil {
		return nil, fmt.Errorf("broker config cannot be nil")
	}

	httpClient, err := networking.NewHttpClientBuilder().
		WithTimeout(config.timeout()).
		WithCABundle(config.CACertPath).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	return &Broker{config: config, httpClient: httpClient}, nil
}

// ServeHTTP performs the two-hop exchange for one request. Any hop failure
// is a 401 to the caller; upstream error details stay in the logs and
// intermediate tokens are never exposed.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subjectToken, ok := bearerToken(r)
	if !ok {
		decisionsTotal.WithLabelValues("broker", outcomeDenyCaller).Inc()
		writeDeny(w)
		return
	}

	if err := b.config.Validate(); err != nil {
		logger.Errorf("Broker is misconfigured: %v", err)
		decisionsTotal.WithLabelValues("broker", outcomeMisconfigured).Inc()
		writeMisconfigured(w)
		return
	}

	hopA := &tokenexchange.ExchangeConfig{
		TokenURL:     b.config.DomainA.TokenURL,
		ClientID:     b.config.DomainA.ClientID,
		ClientSecret: b.config.DomainA.ClientSecret,
		Audience:     b.config.Audience,
		Scopes:       b.config.Scopes,
		SubjectTokenProvider: func() (string, error) {
			return subjectToken, nil
		},
		HTTPClient: b.httpClient,
	}

	intermediate, err := hopA.TokenSource(r.Context()).Token()
	if err != nil {
		b.deny(w, "domain A exchange", err)
		return
	}

	hopB := &tokenexchange.JWTBearerConfig{
		TokenURL:     b.config.DomainB.TokenURL,
		ClientID:     b.config.DomainB.ClientID,
		ClientSecret: b.config.DomainB.ClientSecret,
		AuthMethod:   b.config.DomainBAuthMethod,
		AssertionProvider: func() (string, error) {
			return intermediate.AccessToken, nil
		},
		HTTPClient: b.httpClient,
	}

	final, err := hopB.TokenSource(r.Context()).Token()
	if err != nil {
		b.deny(w, "domain B grant", err)
		return
	}

	w.Header().Set("Authorization", "Bearer "+final.AccessToken)
	w.Header().Set("Cache-Control", "no-store")
	decisionsTotal.WithLabelValues("broker", outcomeAllow).Inc()
	w.WriteHeader(http.StatusOK)
}

// deny maps a hop failure to a 401, keeping the caller/upstream distinction
// in metrics. A definitive rejection by the authorization server counts
// against the caller; anything else is an upstream fault.
func (b *Broker) deny(w http.ResponseWriter, hop string, err error) {
	outcome := outcomeDenyUpstream
	if tokenexchange.AuthorizationRejected(err) {
		outcome = outcomeDenyCaller
	}
	logger.Warnf("%s failed, denying: %v", hop, err)
	decisionsTotal.WithLabelValues("broker", outcome).Inc()
	writeDeny(w)
}
