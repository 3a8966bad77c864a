package history

import (
	"fmt"
	"testing"
	"time"

	v1 "github.com/browserdeck/browserdeck/pkg/api/v1"
)

func TestRecordAndList(t *testing.T) {
	h := New(10)

	base := time.Now()
	for i := 0; i < 3; i++ {
		h.Record(&v1.TaskResult{
			TaskID:     fmt.Sprintf("task-%d", i),
			AgentID:    "agent-1",
			Success:    true,
			FinishedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	results := h.List("agent-1", 0, time.Time{})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].TaskID != "task-0" || results[2].TaskID != "task-2" {
		t.Errorf("results out of order: first=%s last=%s", results[0].TaskID, results[2].TaskID)
	}
}

func TestListLimit(t *testing.T) {
	h := New(10)

	base := time.Now()
	for i := 0; i < 5; i++ {
		h.Record(&v1.TaskResult{
			TaskID:     fmt.Sprintf("task-%d", i),
			AgentID:    "agent-1",
			FinishedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	results := h.List("agent-1", 2, time.Time{})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	// limit keeps the newest entries
	if results[0].TaskID != "task-3" || results[1].TaskID != "task-4" {
		t.Errorf("expected newest two, got %s and %s", results[0].TaskID, results[1].TaskID)
	}
}

func TestListSince(t *testing.T) {
	h := New(10)

	base := time.Now()
	for i := 0; i < 4; i++ {
		h.Record(&v1.TaskResult{
			TaskID:     fmt.Sprintf("task-%d", i),
			AgentID:    "agent-1",
			FinishedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	results := h.List("agent-1", 0, base.Add(90*time.Second))
	if len(results) != 2 {
		t.Fatalf("expected 2 results after cutoff, got %d", len(results))
	}
	if results[0].TaskID != "task-2" {
		t.Errorf("expected task-2 first, got %s", results[0].TaskID)
	}
}

func TestBoundedPerAgent(t *testing.T) {
	h := New(3)

	base := time.Now()
	for i := 0; i < 6; i++ {
		h.Record(&v1.TaskResult{
			TaskID:     fmt.Sprintf("task-%d", i),
			AgentID:    "agent-1",
			FinishedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	results := h.List("agent-1", 0, time.Time{})
	if len(results) != 3 {
		t.Fatalf("expected 3 results after trim, got %d", len(results))
	}
	if results[0].TaskID != "task-3" {
		t.Errorf("expected oldest surviving result to be task-3, got %s", results[0].TaskID)
	}
}

func TestDelete(t *testing.T) {
	h := New(10)

	h.Record(&v1.TaskResult{TaskID: "task-1", AgentID: "agent-1", FinishedAt: time.Now()})
	h.Record(&v1.TaskResult{TaskID: "task-2", AgentID: "agent-2", FinishedAt: time.Now()})

	h.Delete("agent-1")

	if got := h.List("agent-1", 0, time.Time{}); len(got) != 0 {
		t.Errorf("expected no results for deleted agent, got %d", len(got))
	}
	if got := h.List("agent-2", 0, time.Time{}); len(got) != 1 {
		t.Errorf("expected other agent untouched, got %d results", len(got))
	}
}

func TestListIsolatedPerAgent(t *testing.T) {
	h := New(10)

	h.Record(&v1.TaskResult{TaskID: "a", AgentID: "agent-1", FinishedAt: time.Now()})
	h.Record(&v1.TaskResult{TaskID: "b", AgentID: "agent-2", FinishedAt: time.Now()})

	results := h.List("agent-1", 0, time.Time{})
	if len(results) != 1 || results[0].TaskID != "a" {
		t.Errorf("expected only agent-1 results, got %v", results)
	}
}
