package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dhcgn/imap-xlsx-ingest/model"
	"github.com/dhcgn/imap-xlsx-ingest/runner"
	"github.com/dhcgn/imap-xlsx-ingest/stats"
)

func scrape(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(NewServer("").Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestObserver_RecordsTicks(t *testing.T) {
	var obs Observer
	ctx := context.Background()

	reports := []runner.Report{
		{
			State:    runner.StateDone,
			Duration: 120 * time.Millisecond,
			Summary:  stats.Summary{Saved: 2, Duplicates: 1, Unnamed: 1},
			Trigger:  &model.TriggerResult{Existed: 1, Created: 2},
		},
		{
			State: runner.StateFailed,
			Err:   &runner.StageError{Stage: stats.StageNotify, Err: errors.New("503")},
		},
		{State: runner.StateSkipped, Err: runner.ErrTickInProgress},
	}
	for _, r := range reports {
		if err := obs.ObserveTick(ctx, r); err != nil {
			t.Fatalf("ObserveTick() error = %v", err)
		}
	}

	body := scrape(t)
	for _, want := range []string{
		`ingest_ticks_total{state="done"} 1`,
		`ingest_ticks_total{state="failed"} 1`,
		`ingest_ticks_total{state="skipped"} 1`,
		`ingest_attachments_total{outcome="written"} 2`,
		`ingest_attachments_total{outcome="skipped"} 1`,
		`ingest_trigger_calls_total{status="success"} 1`,
		`ingest_trigger_calls_total{status="failed"} 1`,
		`ingest_tick_duration_seconds_count 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
