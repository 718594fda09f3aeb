package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	PairingRequestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkd_pairing_requested_total",
		Help: "Total number of pairing tokens issued.",
	})
	PairingConfirmedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkd_pairing_confirmed_total",
		Help: "Total number of pairings confirmed by the transport.",
	})
	PairingTimedOutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkd_pairing_timed_out_total",
		Help: "Total number of pairing tokens that expired unconfirmed.",
	})
	SessionErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkd_session_errors_total",
		Help: "Total number of sessions moved to the error state.",
	})
	ActiveSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linkd_active_sessions_gauge",
		Help: "Current number of connected agent sessions.",
	})
	TokensRefreshedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkd_tokens_refreshed_total",
		Help: "Total number of credential refreshes performed.",
	})
	RefreshFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkd_refresh_failures_total",
		Help: "Total number of failed credential refreshes.",
	})
	CredentialsRevokedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkd_credentials_revoked_total",
		Help: "Total number of credentials marked revoked.",
	})
	EventsPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkd_events_published_total",
		Help: "Total number of lifecycle events published.",
	})
	EventDeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkd_event_delivery_failures_total",
		Help: "Total number of event deliveries that failed after retries.",
	})
)

// Register registers the manager's metrics with the given registerer.
// It should be called once at application startup.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	for _, c := range []prometheus.Collector{
		PairingRequestedTotal,
		PairingConfirmedTotal,
		PairingTimedOutTotal,
		SessionErrorsTotal,
		ActiveSessionsGauge,
		TokensRefreshedTotal,
		RefreshFailuresTotal,
		CredentialsRevokedTotal,
		EventsPublishedTotal,
		EventDeliveryFailures,
	} {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("Failed to register metric")
		}
	}
}
