package extauthz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Decision outcomes recorded per request. The contract collapses everything
// into 200/401/500, so the counter is where operators can tell a rejected
// caller apart from a broken upstream.
const (
	outcomeAllow         = "allow"
	outcomeDenyCaller    = "deny_unauthenticated"
	outcomeDenyUpstream  = "deny_upstream"
	outcomeMisconfigured = "misconfigured"
)

var decisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tokengate",
		Name:      "decisions_total",
		Help:      "Authorization decisions rendered, by service and outcome.",
	},
	[]string{"service", "outcome"},
)
