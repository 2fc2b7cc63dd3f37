package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/DEEJ4Y/warden"
	"github.com/DEEJ4Y/warden/internal/config"
	"github.com/DEEJ4Y/warden/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	out        io.Writer
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{out: os.Stdout}
	root := &cobra.Command{
		Use:           "wardend",
		Short:         "A persistent cron and job scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.out = cmd.OutOrStdout()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "wardend.yaml", "path to the YAML config file")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newScheduleCmd(opts))
	root.AddCommand(newCancelCmd(opts))
	root.AddCommand(newListCmd(opts))
	return root
}

// session is an initialized engine over the configured store.
type session struct {
	cfg        *config.Config
	log        zerolog.Logger
	engine     *warden.Engine
	closeStore func() error
}

// openSession loads the config, opens the store and initializes an engine.
// When active is false every process is registered without workers, which
// is what the one-shot commands need to schedule and list jobs.
func openSession(ctx context.Context, cfg *config.Config, log zerolog.Logger, active bool) (*session, error) {
	store, closeStore, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return nil, err
	}

	freq, _ := cfg.Engine.ScanFrequencyDuration()
	trigger, _ := cfg.Engine.ScanTriggerIntervalDuration()
	engineLog := log
	eng, err := warden.New(warden.Config{
		Store:                     store,
		ScanFrequency:             freq,
		ScanTriggerInterval:       trigger,
		Timezone:                  cfg.Engine.Timezone,
		MaxConcurrentDistribution: cfg.Engine.MaxConcurrentDistribution,
		Logger:                    &engineLog,
		OnError: func(ctx context.Context, err error) {
			log.Debug().Err(err).Msg("engine reported error")
		},
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	if err := eng.Initialize(ctx); err != nil {
		_ = closeStore()
		return nil, err
	}

	for _, p := range cfg.Processes {
		popts := warden.ProcessOptions{
			Workers:      p.Workers,
			Inactive:     p.Inactive || !active,
			LockLifetime: p.LockLifetimeDuration(),
			MaxRetries:   p.MaxRetries,
		}
		if _, err := eng.DefineProcess(p.Name, execHandler(p, log), popts); err != nil {
			_ = eng.Close(ctx)
			_ = closeStore()
			return nil, err
		}
	}
	return &session{cfg: cfg, log: log, engine: eng, closeStore: closeStore}, nil
}

func (s *session) Close(ctx context.Context) error {
	err := s.engine.Close(ctx)
	if cerr := s.closeStore(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// loadOneShot loads config and logger for the short-lived commands.
func loadOneShot(opts *rootOptions) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}
