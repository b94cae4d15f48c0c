// Package metrics collects the relay's operational counters behind a
// prometheus registry and periodically logs a summary, the way the
// teacher's ticker-driven stats loop did before there was a real metrics
// backend to hang them off.
package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Metrics holds every counter/gauge/histogram the relay updates. It is
// safe for concurrent use (prometheus's own types are); the relay's
// single-threaded poll loop is the only writer in practice.
type Metrics struct {
	log zerolog.Logger

	BytesIn     prometheus.Counter
	BytesOut    prometheus.Counter
	PacketsIn   prometheus.Counter
	PacketsOut  prometheus.Counter

	PlayersConnected prometheus.Gauge
	PlayersJoined    prometheus.Counter
	PlayersLeft      prometheus.Counter

	DisconnectsByReason *prometheus.CounterVec
	ErrorsBySubsystem   *prometheus.CounterVec

	PollDuration prometheus.Histogram
	PollOverruns prometheus.Counter

	// playersConnected mirrors PlayersConnected for the periodic log
	// summary, since reading a live value back out of a prometheus.Gauge
	// requires reaching into its protobuf encoding.
	playersConnected atomic.Int64
}

// SetPlayersConnected updates both the exported gauge and the value the
// periodic summary logs.
func (m *Metrics) SetPlayersConnected(n int) {
	m.PlayersConnected.Set(float64(n))
	m.playersConnected.Store(int64(n))
}

// New registers every metric under reg and returns the handle used to
// update them. reg is typically prometheus.NewRegistry() — the relay
// never starts its own HTTP listener to export it; hosting the /metrics
// endpoint is the embedding application's job.
func New(log zerolog.Logger, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		log: log.With().Str("component", "metrics").Logger(),

		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicerelay", Name: "bytes_in_total", Help: "Total bytes received from peers.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicerelay", Name: "bytes_out_total", Help: "Total bytes sent to peers.",
		}),
		PacketsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicerelay", Name: "packets_in_total", Help: "Total datagrams received from peers.",
		}),
		PacketsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicerelay", Name: "packets_out_total", Help: "Total datagrams sent to peers.",
		}),
		PlayersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicerelay", Name: "players_connected", Help: "Currently bound clients.",
		}),
		PlayersJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicerelay", Name: "players_joined_total", Help: "Total clients that completed a handshake.",
		}),
		PlayersLeft: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicerelay", Name: "players_left_total", Help: "Total clients removed from the registry.",
		}),
		DisconnectsByReason: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicerelay", Name: "disconnects_total", Help: "Disconnects, labelled by reason.",
		}, []string{"reason"}),
		ErrorsBySubsystem: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicerelay", Name: "errors_total", Help: "Errors, labelled by subsystem.",
		}, []string{"subsystem"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "voicerelay", Name: "poll_duration_seconds", Help: "Time spent in one poll-loop iteration.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		PollOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicerelay", Name: "poll_overruns_total", Help: "Poll iterations that exceeded their budget.",
		}),
	}

	reg.MustRegister(
		m.BytesIn, m.BytesOut, m.PacketsIn, m.PacketsOut,
		m.PlayersConnected, m.PlayersJoined, m.PlayersLeft,
		m.DisconnectsByReason, m.ErrorsBySubsystem,
		m.PollDuration, m.PollOverruns,
	)
	return m
}

// RunSummary periodically logs an aggregated one-line summary until ctx
// is cancelled, adapted from the teacher's ticker-driven stats loop.
func (m *Metrics) RunSummary(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.log.Info().
				Int64("players_connected", m.playersConnected.Load()).
				Msg("relay summary")
		}
	}
}
