package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "auth", err: fmt.Errorf("%w: login: %w", ErrAuth, cause), want: "auth"},
		{name: "network", err: fmt.Errorf("%w: dial: %w", ErrNetwork, cause), want: "network"},
		{name: "protocol", err: fmt.Errorf("wrapped: %w", ErrProtocol), want: "protocol"},
		{name: "parse", err: ErrParse, want: "parse"},
		{name: "io", err: fmt.Errorf("%w: write", ErrIO), want: "io"},
		{name: "unknown", err: cause, want: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Kind(tt.err); got != tt.want {
				t.Errorf("Kind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSearchCriterionValue(t *testing.T) {
	c := SearchCriterion{Fields: []CriterionField{
		{Field: "FROM", Value: "a@example.com"},
		{Field: "SUBJECT", Value: "report"},
	}}

	if v, ok := c.Value("SUBJECT"); !ok || v != "report" {
		t.Errorf("Value(SUBJECT) = %q, %v", v, ok)
	}
	if _, ok := c.Value("TO"); ok {
		t.Error("Value(TO) should be absent")
	}
}
