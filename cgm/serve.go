package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/itohio/gocgm/pkg/config"
	"github.com/itohio/gocgm/pkg/filter"
	"github.com/itohio/gocgm/pkg/metrics"
	"github.com/itohio/gocgm/pkg/monitor"
	"github.com/itohio/gocgm/pkg/publish"
	"github.com/itohio/gocgm/pkg/recorder"
	"github.com/itohio/gocgm/pkg/server"
	"github.com/itohio/gocgm/pkg/session"
)

const (
	retryInitialDelay = time.Second
	retryMaxDelay     = time.Minute
)

func newServeCmd(opts *options) *cobra.Command {
	var record bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the sensor and serve the HTTP/WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if record {
				cfg.Recorder.Enabled = true
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, opts.mock)
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", "", "override listen address (e.g. :8080)")
	cmd.Flags().BoolVar(&record, "record", false, "record drained samples to CSV")

	return cmd
}

// serve assembles the pipeline and blocks until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, mock bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New()
	queue := monitor.NewQueue(cfg.Cache.PendingCapacity, m)
	mon := monitor.New(cfg, queue, m)
	eng := filter.New(cfg.Filter)

	dialer := newDialer(cfg, mock)
	sess := session.New(dialer, cfg.Session, eng, queue, m)
	defer sess.Close()

	srv := server.New(cfg.Server.ListenAddr, mon, sess, eng, m)

	rec := recorder.New(cfg.Recorder)
	defer rec.Close()
	mon.OnUpdate(rec.Record)
	srv.SetRecorder(rec)

	if cfg.NATS.URL != "" {
		nc, err := publish.Connect(cfg.NATS.URL)
		if err != nil {
			log.Warn().Str("component", "main").Err(err).Msg("publishing disabled")
		} else {
			pub := publish.New(nc, cfg.NATS.Subject)
			defer pub.Close()
			mon.OnUpdate(pub.Publish)
			srv.SetPublisher(pub)
		}
	}

	log.Info().
		Str("component", "main").
		Str("port", dialer.Name()).
		Str("listen", cfg.Server.ListenAddr).
		Str("filter", cfg.Filter.Mode).
		Msg("starting")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		mon.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		connectWithRetry(ctx, sess, cfg.Session.AutoReconnect)
	}()

	err := srv.Run(ctx)
	cancel()
	wg.Wait()
	if err != nil {
		log.Error().Str("component", "main").Err(err).Msg("server exited")
		return err
	}

	log.Info().Str("component", "main").Msg("stopped")
	return nil
}

type connector interface {
	Connect(ctx context.Context) error
	Name() string
}

// connectWithRetry makes the initial connection. With retry set it backs
// off from one second up to a minute until ctx is cancelled; the session
// handles reconnects after that.
func connectWithRetry(ctx context.Context, c connector, retry bool) {
	delay := retryInitialDelay

	for attempt := 1; ; attempt++ {
		err := c.Connect(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, session.ErrClosed) || ctx.Err() != nil {
			return
		}

		log.Warn().
			Str("component", "main").
			Str("port", c.Name()).
			Int("attempt", attempt).
			Err(err).
			Msg("connect failed")

		if !retry {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}
