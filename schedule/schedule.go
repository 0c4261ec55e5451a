package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

// DefaultSpec fires at the start of every minute.
const DefaultSpec = "*/1 * * * *"

// Scheduler invokes registered jobs on a cron expression. A firing that
// arrives while the previous run of the same job is still active is dropped.
type Scheduler struct {
	cron   *cron.Cron
	spec   string
	logger *slog.Logger
}

func New(spec string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSpec
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	cl := cronLogger{logger: logger.With("component", "schedule")}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Scheduler{cron: c, spec: spec, logger: logger}, nil
}

func (s *Scheduler) Spec() string {
	return s.spec
}

// Add registers job on the scheduler's expression.
func (s *Scheduler) Add(job func()) error {
	if _, err := s.cron.AddFunc(s.spec, job); err != nil {
		return fmt.Errorf("add job: %w", err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", "schedule", s.spec)
	s.cron.Start()
}

// Stop prevents further firings and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

// cronLogger routes cron's logr-style calls to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "err", err)...)
}
