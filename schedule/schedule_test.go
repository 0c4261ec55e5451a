package schedule

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestNew_Spec(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    string
		wantErr bool
	}{
		{name: "default", spec: "", want: DefaultSpec},
		{name: "every five minutes", spec: "*/5 * * * *", want: "*/5 * * * *"},
		{name: "descriptor", spec: "@hourly", want: "@hourly"},
		{name: "seconds field rejected", spec: "0 */1 * * * *", wantErr: true},
		{name: "garbage", spec: "often", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.spec, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if s.Spec() != tt.want {
				t.Errorf("Spec() = %q, want %q", s.Spec(), tt.want)
			}
		})
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s, err := New("@every 1h", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Add(func() {}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestCronLogger(t *testing.T) {
	var buf bytes.Buffer
	l := cronLogger{logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	l.Info("skip", "entry", 1)
	l.Error(errors.New("panic: boom"), "panic", "stack", "...")

	out := buf.String()
	if !strings.Contains(out, "level=DEBUG msg=skip entry=1") {
		t.Errorf("info line missing: %s", out)
	}
	if !strings.Contains(out, `level=ERROR msg=panic stack=... err="panic: boom"`) {
		t.Errorf("error line missing: %s", out)
	}
}
