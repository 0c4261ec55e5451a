package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-xlsx-ingest/config"
	"github.com/dhcgn/imap-xlsx-ingest/decode"
	"github.com/dhcgn/imap-xlsx-ingest/filter"
	"github.com/dhcgn/imap-xlsx-ingest/history"
	"github.com/dhcgn/imap-xlsx-ingest/imap"
	"github.com/dhcgn/imap-xlsx-ingest/mbox"
	"github.com/dhcgn/imap-xlsx-ingest/metrics"
	"github.com/dhcgn/imap-xlsx-ingest/model"
	"github.com/dhcgn/imap-xlsx-ingest/runner"
	"github.com/dhcgn/imap-xlsx-ingest/schedule"
	"github.com/dhcgn/imap-xlsx-ingest/store"
	"github.com/dhcgn/imap-xlsx-ingest/trigger"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "imap-xlsx-ingest",
		Short:        "Poll a mailbox for transaction spreadsheets and hand new files to a downstream service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv("."); err != nil {
				return err
			}

			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			source := cfg.IMAPHost
			if cfg.MboxPath != "" {
				source = cfg.MboxPath
			}
			logger.Info("starting imap-xlsx-ingest", "source", source, "folder", cfg.Folder, "dataDir", cfg.DataDir, "schedule", cfg.Schedule, "once", cfg.Once)

			return run(cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	finished := make(chan struct{})
	defer close(finished)
	releaseSignals(ctx, finished, stop, logger)

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("store.Open: %w", err)
	}
	logger.Info("storage ready", "root", st.Root(), "files", st.Snapshot().Files)

	mailbox, err := newMailbox(cfg, logger)
	if err != nil {
		return err
	}

	matcher, err := filter.New(filter.Default())
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	opts := runner.Options{
		Mailbox:   mailbox,
		Folder:    cfg.Folder,
		Criterion: matcher.Criterion(),
		Decode:    decode.Message,
		Matcher:   matcher,
		Store:     st,
		Observers: []runner.Observer{metrics.Observer{}},
	}

	if cfg.TriggerURL == "" {
		logger.Warn("no trigger url configured, new files will not be announced")
	} else {
		client, err := trigger.New(cfg.TriggerURL, cfg.TriggerTimeout)
		if err != nil {
			return fmt.Errorf("trigger.New: %w", err)
		}
		opts.Notifier = client
		logger.Info("trigger configured", "endpoint", client.Endpoint(), "timeout", cfg.TriggerTimeout)
	}

	if cfg.HistoryDB != "" {
		journal, err := history.Open(ctx, cfg.HistoryDB)
		if err != nil {
			return fmt.Errorf("history.Open: %w", err)
		}
		defer journal.Close()
		opts.Observers = append(opts.Observers, journal)

		if last, err := journal.Recent(ctx, 1); err != nil {
			logger.Warn("read tick history", "err", err)
		} else if len(last) == 1 {
			logger.Info("last recorded tick", "tick", last[0].ID, "at", last[0].StartedAt, "state", last[0].State, "saved", last[0].Saved)
		}
	}

	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr)
		go func() {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	r, err := runner.New(opts, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	// Ticks are not cancelled by a signal; they run to a terminal state.
	tickCtx := context.WithoutCancel(ctx)

	report := r.Tick(tickCtx)
	if cfg.Once {
		if report.State == runner.StateFailed {
			return report.Err
		}
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}

	sched, err := schedule.New(cfg.Schedule, logger)
	if err != nil {
		return err
	}
	if err := sched.Add(func() { r.Tick(tickCtx) }); err != nil {
		return err
	}
	sched.Start()

	<-ctx.Done()
	return sched.Stop(context.Background())
}

// releaseSignals restores default signal handling once ctx is done, so a
// second SIGINT or SIGTERM terminates a tick that never finishes. It returns
// without logging when finished is closed first.
func releaseSignals(ctx context.Context, finished <-chan struct{}, stop context.CancelFunc, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
		case <-finished:
			return
		}
		stop()
		logger.Warn("shutting down, waiting for running tick; a second signal forces exit")
	}()
	return done
}

func newMailbox(cfg config.Config, logger *slog.Logger) (model.Mailbox, error) {
	if cfg.MboxPath != "" {
		mb, err := mbox.New(cfg.MboxPath, logger)
		if err != nil {
			return nil, fmt.Errorf("mbox.New: %w", err)
		}
		return mb, nil
	}

	mb, err := imap.New(imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("imap.New: %w", err)
	}
	return mb, nil
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("imap-xlsx-ingest-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts)), cleanup, nil
}
