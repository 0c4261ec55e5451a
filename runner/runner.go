package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/imap-xlsx-ingest/model"
	"github.com/dhcgn/imap-xlsx-ingest/stats"
)

var ErrTickInProgress = errors.New("previous tick still running")

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateSearching  State = "searching"
	StateFetching   State = "fetching"
	StateProcessing State = "processing"
	StateNotifying  State = "notifying"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateSkipped    State = "skipped"
)

// DecodeFunc turns a raw message into its decoded form.
type DecodeFunc func(model.RawMessage) (model.DecodedMessage, error)

type Store interface {
	Root() string
	StoreIfNew(att model.Attachment) (model.StoreOutcome, error)
}

type Notifier interface {
	Notify(ctx context.Context, root string) (model.TriggerResult, error)
}

// Matcher re-checks a decoded message against the search policy.
type Matcher interface {
	Matches(msg model.DecodedMessage) bool
}

// Observer receives every finished tick report.
type Observer interface {
	ObserveTick(ctx context.Context, report Report) error
}

type Options struct {
	Mailbox   model.Mailbox
	Folder    string
	Criterion model.SearchCriterion
	Decode    DecodeFunc
	Matcher   Matcher
	Store     Store
	Notifier  Notifier
	Observers []Observer
}

// StageError is the cause of a failed tick.
type StageError struct {
	Stage stats.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Report describes one tick from start to its terminal state.
type Report struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	State    State
	Err      error
	Summary  stats.Summary
	Trigger  *model.TriggerResult
}

// FailedStage returns the stage that failed the tick, if any.
func (r Report) FailedStage() stats.Stage {
	var stageErr *StageError
	if errors.As(r.Err, &stageErr) {
		return stageErr.Stage
	}
	return ""
}

// Runner executes ticks of the ingestion pipeline. Ticks never overlap: a
// call made while another tick is running returns a skipped report.
type Runner struct {
	opts   Options
	logger *slog.Logger
	mu     sync.Mutex
}

func New(opts Options, logger *slog.Logger) (*Runner, error) {
	if opts.Mailbox == nil {
		return nil, fmt.Errorf("mailbox must not be nil")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store must not be nil")
	}
	if opts.Decode == nil {
		return nil, fmt.Errorf("decoder must not be nil")
	}
	if len(opts.Criterion.Fields) == 0 {
		return nil, fmt.Errorf("search criterion is empty")
	}
	if opts.Folder == "" {
		opts.Folder = "INBOX"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{opts: opts, logger: logger}, nil
}

// Tick runs connect, search, fetch, per-message processing and, if at least
// one attachment was written, a single downstream notification.
func (r *Runner) Tick(ctx context.Context) (report Report) {
	if !r.mu.TryLock() {
		report = Report{Started: time.Now(), State: StateSkipped, Err: ErrTickInProgress}
		r.logger.Warn("tick skipped", "err", ErrTickInProgress)
		r.notifyObservers(ctx, r.logger, report)
		return report
	}
	defer r.mu.Unlock()

	report = Report{ID: uuid.NewString(), Started: time.Now(), State: StateIdle}
	logger := r.logger.With("tick", report.ID)
	collector := stats.NewCollector()

	defer func() {
		report.Duration = time.Since(report.Started)
		report.Summary = collector.Snapshot()
		r.finish(ctx, logger, report)
	}()

	raws, err := r.collect(ctx, &report, logger)
	if err != nil {
		report.State = StateFailed
		report.Err = err
		return report
	}

	report.State = StateProcessing
	for _, raw := range raws {
		collector.Record(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeMatched, SeqNum: raw.SeqNum})
		r.process(raw, collector, logger)
	}

	if collector.Snapshot().Saved == 0 {
		report.State = StateDone
		return report
	}

	if r.opts.Notifier == nil {
		logger.Info("trigger disabled, skipping notification")
		report.State = StateDone
		return report
	}

	report.State = StateNotifying
	result, err := r.opts.Notifier.Notify(ctx, r.opts.Store.Root())
	if err != nil {
		report.State = StateFailed
		report.Err = &StageError{Stage: stats.StageNotify, Err: err}
		return report
	}

	logger.Info("trigger result", "existed", result.Existed, "created", result.Created)
	report.Trigger = &result
	report.State = StateDone
	return report
}

// collect opens one session, selects, searches and fetches. The session is
// closed before processing starts.
func (r *Runner) collect(ctx context.Context, report *Report, logger *slog.Logger) ([]model.RawMessage, error) {
	report.State = StateConnecting
	session, err := r.opts.Mailbox.Open(ctx)
	if err != nil {
		return nil, &StageError{Stage: stats.StageConnect, Err: err}
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("close mailbox session", "err", err)
		}
	}()

	if err := session.Select(ctx, r.opts.Folder); err != nil {
		return nil, &StageError{Stage: stats.StageConnect, Err: err}
	}

	report.State = StateSearching
	ids, err := session.Search(ctx, r.opts.Criterion)
	if err != nil {
		return nil, &StageError{Stage: stats.StageSearch, Err: err}
	}
	logger.Debug("search finished", "folder", r.opts.Folder, "matches", len(ids))
	if len(ids) == 0 {
		return nil, nil
	}

	report.State = StateFetching
	raws, err := session.Fetch(ctx, ids)
	if err != nil {
		return nil, &StageError{Stage: stats.StageFetch, Err: err}
	}
	return raws, nil
}

// process decodes one message and offers each named attachment to the store.
// Failures are logged and isolated to the message or attachment.
func (r *Runner) process(raw model.RawMessage, collector *stats.Collector, logger *slog.Logger) {
	msg, err := r.opts.Decode(raw)
	if err != nil {
		collector.Record(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeError, SeqNum: raw.SeqNum, Err: err})
		logger.Warn("message skipped", "seq", raw.SeqNum, "uid", raw.UID, "kind", model.Kind(err), "err", err)
		return
	}
	collector.Record(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeDecoded, SeqNum: raw.SeqNum})

	if r.opts.Matcher != nil && !r.opts.Matcher.Matches(msg) {
		collector.Record(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeFiltered, SeqNum: raw.SeqNum})
		logger.Info("message does not match policy", "seq", raw.SeqNum, "from", msg.From, "subject", msg.Subject)
		return
	}

	if len(msg.Attachments) == 0 {
		logger.Debug("message has no attachments", "seq", raw.SeqNum, "uid", raw.UID)
		return
	}

	for _, att := range msg.Attachments {
		if att.Filename == "" {
			collector.Record(stats.Event{Stage: stats.StageStore, Type: stats.EventTypeUnnamed, SeqNum: raw.SeqNum})
			if att.FilenameErr != nil {
				logger.Warn("attachment filename unreadable, skipped", "seq", raw.SeqNum, "disposition", att.Disposition, "err", att.FilenameErr)
			} else {
				logger.Debug("attachment without filename ignored", "seq", raw.SeqNum, "contentType", att.ContentType)
			}
			continue
		}

		outcome, err := r.opts.Store.StoreIfNew(att)
		if err != nil {
			collector.Record(stats.Event{Stage: stats.StageStore, Type: stats.EventTypeError, SeqNum: raw.SeqNum, Filename: att.Filename, Err: err})
			logger.Error("attachment store failed", "seq", raw.SeqNum, "filename", att.Filename, "kind", model.Kind(err), "err", err)
			continue
		}

		switch outcome.Status {
		case model.StoreWritten:
			collector.Record(stats.Event{Stage: stats.StageStore, Type: stats.EventTypeSaved, SeqNum: raw.SeqNum, Filename: att.Filename})
			logger.Info("attachment saved", "filename", att.Filename, "path", outcome.Path, "size", len(att.Content))
		default:
			collector.Record(stats.Event{Stage: stats.StageStore, Type: stats.EventTypeDuplicate, SeqNum: raw.SeqNum, Filename: att.Filename})
			logger.Debug("attachment already stored", "filename", att.Filename)
		}
	}
}

func (r *Runner) finish(ctx context.Context, logger *slog.Logger, report Report) {
	attrs := append(report.Summary.LogAttrs(), "state", report.State, "duration", report.Duration)
	if report.Err != nil {
		attrs = append(attrs, "stage", report.FailedStage(), "kind", model.Kind(report.Err), "err", report.Err)
		logger.Error("tick failed", attrs...)
	} else {
		logger.Info("tick done", attrs...)
	}
	r.notifyObservers(ctx, logger, report)
}

func (r *Runner) notifyObservers(ctx context.Context, logger *slog.Logger, report Report) {
	for _, obs := range r.opts.Observers {
		if err := obs.ObserveTick(ctx, report); err != nil {
			logger.Warn("tick observer failed", "err", err)
		}
	}
}
