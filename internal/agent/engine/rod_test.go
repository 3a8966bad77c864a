package engine

import (
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/browserdeck/browserdeck/internal/common/logger"
)

func TestParseTaskBareURL(t *testing.T) {
	steps, err := parseTask("https://example.com  ")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected navigate+extract, got %d steps", len(steps))
	}
	if steps[0].Action != "navigate" || steps[0].URL != "https://example.com" {
		t.Errorf("unexpected first step: %+v", steps[0])
	}
	if steps[1].Action != "extract" {
		t.Errorf("unexpected second step: %+v", steps[1])
	}
}

func TestParseTaskScript(t *testing.T) {
	input := `[
		{"action": "navigate", "url": "https://example.com"},
		{"action": "type", "selector": "#q", "text": "golang"},
		{"action": "click", "selector": "#submit"},
		{"action": "extract", "selector": ".results"}
	]`

	steps, err := parseTask(input)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(steps) != 4 {
		t.Fatalf("expected 4 steps, got %d", len(steps))
	}
	if steps[1].Action != "type" || steps[1].Text != "golang" {
		t.Errorf("unexpected step: %+v", steps[1])
	}
}

func TestParseTaskInvalid(t *testing.T) {
	cases := []string{"", "   ", "[", "[]"}
	for _, input := range cases {
		if _, err := parseTask(input); err == nil {
			t.Errorf("expected error for %q", input)
		}
	}
}

func TestTaskTraceCarriesInstruction(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := &rodSession{logger: &logger.Logger{Logger: zap.New(core)}}

	steps, err := parseTask("https://example.com")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	s.traceTask("You are concise. Respond in English.", steps)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one trace entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["instruction"] != "You are concise. Respond in English." {
		t.Errorf("instruction missing from task trace: %v", fields)
	}
	if fields["steps"] != int64(2) {
		t.Errorf("expected 2 steps in trace, got %v", fields["steps"])
	}
}

func TestIsFatal(t *testing.T) {
	plain := errors.New("element not found")
	if IsFatal(plain) {
		t.Error("plain error should not be fatal")
	}

	fatal := &FatalError{Err: errors.New("browser exited")}
	if !IsFatal(fatal) {
		t.Error("FatalError should be fatal")
	}

	wrapped := fmt.Errorf("attempt 2: %w", fatal)
	if !IsFatal(wrapped) {
		t.Error("wrapped FatalError should be fatal")
	}
	if !errors.Is(wrapped, fatal.Err) {
		t.Error("unwrap should expose the cause")
	}
}
