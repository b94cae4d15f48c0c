// Command relayd runs the voice relay as a standalone process: it binds
// the UDP transport, wires the codec/registry/relay stack together, and
// drives the single-threaded poll loop until asked to stop.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"voicerelay/internal/metrics"
	"voicerelay/internal/registry"
	"voicerelay/internal/relay"
	"voicerelay/internal/transport"
	"voicerelay/internal/voice"
)

func main() {
	app := &cli.App{
		Name:  "relayd",
		Usage: "voice relay server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: ":10515", Usage: "UDP listen address"},
			&cli.StringFlag{Name: "metrics-addr", Value: ":9515", Usage: "Prometheus /metrics listen address (empty to disable)"},
			&cli.StringFlag{Name: "preshared-key", EnvVars: []string{"RELAYD_PRESHARED_KEY"}, Usage: "shared connection key clients must present at admission"},
			&cli.DurationFlag{Name: "poll-interval", Value: 5 * time.Millisecond, Usage: "poll loop read deadline"},
			&cli.DurationFlag{Name: "summary-interval", Value: 30 * time.Second, Usage: "periodic log summary interval"},
			&cli.BoolFlag{Name: "pretty-log", Usage: "human-readable console logging instead of JSON"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := newLogger(c.Bool("pretty-log"))

	presharedKey := []byte(c.String("preshared-key"))
	if len(presharedKey) == 0 {
		log.Warn().Msg("no -preshared-key set; generating an ephemeral one, no client can connect without it printed here")
		presharedKey = []byte(xid.New().String())
		log.Warn().Str("preshared_key", string(presharedKey)).Msg("ephemeral preshared key")
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(log, reg)

	session := voice.SessionID(rand.New(rand.NewSource(time.Now().UnixNano())).Uint32()) //nolint:gosec // not security sensitive, just a restart epoch
	sessionRegistry := registry.New(log, session)

	tcfg := transport.DefaultConfig()
	tcfg.ListenAddr = c.String("listen")

	var t *transport.Transport
	r := relay.New(log, relay.Config{PresharedKey: presharedKey}, nil, sessionRegistry, m)
	t = transport.New(log, tcfg, r)
	r.AttachTransport(t)

	if err := t.Start(); err != nil {
		return fmt.Errorf("relayd: start transport: %w", err)
	}
	defer t.Stop() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := c.String("metrics-addr"); addr != "" {
		go serveMetrics(ctx, log, addr, reg)
	}

	go m.RunSummary(ctx, c.Duration("summary-interval"))

	log.Info().Str("addr", tcfg.ListenAddr).Uint32("session", uint32(session)).Msg("relayd starting")
	pollEvery := c.Duration("poll-interval")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relayd shutting down")
			return nil
		default:
		}

		start := time.Now()
		if err := t.Poll(start, pollEvery); err != nil {
			log.Error().Err(err).Msg("poll failed")
		}
		m.PollDuration.Observe(time.Since(start).Seconds())
	}
}

func newLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func serveMetrics(ctx context.Context, log zerolog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server failed")
	}
}
