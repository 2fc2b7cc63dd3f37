package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DEEJ4Y/warden"
	"github.com/DEEJ4Y/warden/amqpsink"
	"github.com/DEEJ4Y/warden/internal/config"
	"github.com/DEEJ4Y/warden/internal/logging"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, shutdownTimeout)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for running jobs on shutdown")
	return cmd
}

func run(parent context.Context, opts *rootOptions, shutdownTimeout time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, err := loadOneShot(opts)
	if err != nil {
		return err
	}
	mgr := config.NewManager(opts.configPath, log)
	if _, err := mgr.Load(); err != nil {
		return err
	}

	sess, err := openSession(ctx, cfg, log, true)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sess.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown incomplete")
		}
	}()

	if cfg.Events.AMQPURL != "" {
		sink, err := startSink(ctx, cfg.Events, sess)
		if err != nil {
			return err
		}
		defer sink.Close()
	}

	if err := sess.engine.Start(ctx, warden.StartOptions{}); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("systemd notify failed")
	} else if ok {
		log.Debug().Msg("systemd notified ready")
	}
	go watchdog(ctx, sess)

	go func() {
		if err := mgr.Watch(ctx, func(c *config.Config) {
			lvl, err := logging.ParseLevel(c.Logging.Level)
			if err != nil {
				return
			}
			if lvl != logging.Level() {
				logging.SetLevel(lvl)
				log.Info().Str("level", lvl.String()).Msg("log level changed")
			}
		}); err != nil {
			log.Warn().Err(err).Msg("config watch stopped")
		}
	}()

	log.Info().Int("processes", len(cfg.Processes)).Str("store", cfg.Store.DriverName()).Msg("wardend running")
	<-ctx.Done()
	log.Info().Msg("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	return nil
}

// startSink forwards engine events to RabbitMQ until ctx is done.
func startSink(ctx context.Context, cfg config.EventsConfig, sess *session) (*amqpsink.Sink, error) {
	sinkOpts := amqpsink.Options{URI: cfg.AMQPURL, Exchange: cfg.Exchange}
	for _, t := range cfg.Types {
		sinkOpts.Types = append(sinkOpts.Types, warden.EventType(t))
	}
	sink := amqpsink.New(sinkOpts, sess.log)
	if err := sink.Connect(ctx); err != nil {
		return nil, err
	}
	events, unsubscribe := sess.engine.Events(256)
	go func() {
		defer unsubscribe()
		if err := sink.Run(ctx, events); err != nil {
			sess.log.Warn().Err(err).Msg("event sink stopped")
		}
	}()
	return sink, nil
}

// watchdog pings systemd while the engine is running, if the unit asks for it.
func watchdog(ctx context.Context, sess *session) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sess.engine.IsRunning() {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}
}
