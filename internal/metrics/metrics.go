package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MinersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "solopool",
		Name:      "miners_connected",
		Help:      "Number of active stratum miner sessions.",
	})

	AuthorizedMiners = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "solopool",
		Name:      "authorized_miners",
		Help:      "Number of stratum sessions that have completed mining.authorize.",
	})

	NetworkDifficulty = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "solopool",
		Name:      "network_difficulty",
		Help:      "Difficulty implied by the current job's nBits.",
	})

	PoolHashrate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "solopool",
		Name:      "pool_hashrate",
		Help:      "Estimated pool hashrate in H/s, derived from accepted share difficulty.",
	})

	BlocksFound = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "solopool",
		Name:      "blocks_found_total",
		Help:      "Total Bitcoin blocks found by the pool.",
	})

	// SharesByOutcome is keyed by the lowercase stratum.Outcome string (e.g.
	// "accepted", "accepted_block", "low_difficulty"), so every
	// validator exit path is visible without a separate counter per reject
	// reason.
	SharesByOutcome = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solopool",
		Name:      "shares_total",
		Help:      "Stratum submissions by validator outcome.",
	}, []string{"outcome"})

	BlockSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solopool",
		Name:      "block_submissions_total",
		Help:      "submitblock RPC attempts by result.",
	}, []string{"result"})

	UptimeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "solopool",
		Name:      "uptime_seconds",
		Help:      "Process uptime in seconds.",
	})
)

func init() {
	prometheus.MustRegister(
		MinersConnected,
		AuthorizedMiners,
		NetworkDifficulty,
		PoolHashrate,
		BlocksFound,
		SharesByOutcome,
		BlockSubmissions,
		UptimeSeconds,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
