package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WebhooksReceived    = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhooks_received_total", Help: "Webhook deliveries accepted past signature verification"})
	WebhooksDuplicate   = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhooks_duplicate_total", Help: "Deliveries short-circuited by the idempotency gate"})
	WebhooksBadSig      = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhooks_invalid_signature_total", Help: "Deliveries rejected for a bad or missing signature"})
	WebhooksDispatchErr = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhooks_dispatch_failures_total", Help: "Dispatches that failed and invited a retry"})
	WebhooksIgnored     = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhooks_ignored_total", Help: "Deliveries with event types that produce no transition"})
	UploadsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "uploads_created_total", Help: "Direct uploads provisioned on the platform"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "uploads_rate_limit_rejects_total", Help: "Upload requests rejected by the rate limiter"})
	FeedCacheHits       = prometheus.NewCounter(prometheus.CounterOpts{Name: "feed_cache_hits_total", Help: "First feed pages served from Redis"})
	FeedCacheMisses     = prometheus.NewCounter(prometheus.CounterOpts{Name: "feed_cache_misses_total", Help: "First feed pages served from Postgres"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			WebhooksReceived,
			WebhooksDuplicate,
			WebhooksBadSig,
			WebhooksDispatchErr,
			WebhooksIgnored,
			UploadsCreated,
			RateLimitRejects,
			FeedCacheHits,
			FeedCacheMisses,
		)
	})
	return promhttp.Handler()
}
