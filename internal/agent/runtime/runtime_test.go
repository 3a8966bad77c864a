package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/browserdeck/browserdeck/internal/agent/engine"
	apperrors "github.com/browserdeck/browserdeck/internal/common/errors"
	"github.com/browserdeck/browserdeck/internal/common/logger"
	v1 "github.com/browserdeck/browserdeck/pkg/api/v1"
)

// MockSession implements engine.Session for testing
type MockSession struct {
	RunTaskFn           func(ctx context.Context, instruction, input string) (string, error)
	CaptureScreenshotFn func(ctx context.Context) ([]byte, error)
	CloseFn             func(ctx context.Context) error
}

func (m *MockSession) RunTask(ctx context.Context, instruction, input string) (string, error) {
	if m.RunTaskFn != nil {
		return m.RunTaskFn(ctx, instruction, input)
	}
	return "ok", nil
}

func (m *MockSession) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	if m.CaptureScreenshotFn != nil {
		return m.CaptureScreenshotFn(ctx)
	}
	return []byte("png"), nil
}

func (m *MockSession) Close(ctx context.Context) error {
	if m.CloseFn != nil {
		return m.CloseFn(ctx)
	}
	return nil
}

// MockEngine implements engine.Engine for testing
type MockEngine struct {
	OpenSessionFn func(ctx context.Context, profileID string, opts engine.Options) (engine.Session, error)
}

func (m *MockEngine) OpenSession(ctx context.Context, profileID string, opts engine.Options) (engine.Session, error) {
	if m.OpenSessionFn != nil {
		return m.OpenSessionFn(ctx, profileID, opts)
	}
	return &MockSession{}, nil
}

func testConfig() *v1.AgentConfig {
	cfg := &v1.AgentConfig{
		ID:        "agent-1",
		Name:      "Test Agent",
		ProfileID: "profile-1",
	}
	cfg.ApplyDefaults()
	return cfg
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []v1.AgentStatus
}

func (s *statusRecorder) record(status v1.AgentStatus, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func (s *statusRecorder) list() []v1.AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]v1.AgentStatus, len(s.statuses))
	copy(out, s.statuses)
	return out
}

func waitResult(t *testing.T, ch <-chan *v1.TaskResult) *v1.TaskResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task result")
		return nil
	}
}

func TestStartStopLifecycle(t *testing.T) {
	rec := &statusRecorder{}
	rt := New(testConfig(), &MockEngine{}, logger.NewNop(), Options{
		OnStatus: rec.record,
	})

	if status, _ := rt.Status(); status != v1.AgentStatusStopped {
		t.Fatalf("expected stopped before start, got %s", status)
	}

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if status, _ := rt.Status(); status != v1.AgentStatusRunning {
		t.Fatalf("expected running after start, got %s", status)
	}

	if err := rt.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if status, _ := rt.Status(); status != v1.AgentStatusStopped {
		t.Fatalf("expected stopped after stop, got %s", status)
	}

	want := []v1.AgentStatus{v1.AgentStatusStarting, v1.AgentStatusRunning, v1.AgentStatusStopped}
	got := rec.list()
	if len(got) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestStartIdempotent(t *testing.T) {
	opens := 0
	eng := &MockEngine{
		OpenSessionFn: func(ctx context.Context, profileID string, opts engine.Options) (engine.Session, error) {
			opens++
			return &MockSession{}, nil
		},
	}
	rt := New(testConfig(), eng, logger.NewNop(), Options{})

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	if opens != 1 {
		t.Errorf("expected one session open, got %d", opens)
	}

	_ = rt.Stop(context.Background())
}

func TestStartSessionFailure(t *testing.T) {
	eng := &MockEngine{
		OpenSessionFn: func(ctx context.Context, profileID string, opts engine.Options) (engine.Session, error) {
			return nil, errors.New("browser binary missing")
		},
	}
	rt := New(testConfig(), eng, logger.NewNop(), Options{})

	err := rt.Start(context.Background())
	if err == nil {
		t.Fatal("expected start to fail")
	}
	if apperrors.Code(err) != apperrors.ErrCodeSessionStartError {
		t.Errorf("expected SESSION_START_ERROR, got %s", apperrors.Code(err))
	}

	status, errMsg := rt.Status()
	if status != v1.AgentStatusError {
		t.Errorf("expected error status, got %s", status)
	}
	if errMsg == "" {
		t.Error("expected error message to be set")
	}
}

func TestSubmitRejectedWhenStopped(t *testing.T) {
	rt := New(testConfig(), &MockEngine{}, logger.NewNop(), Options{})

	err := rt.Submit(&Task{ID: "task-1", Input: "https://example.com"})
	if err == nil {
		t.Fatal("expected submit to fail on a stopped agent")
	}
	if apperrors.Code(err) != apperrors.ErrCodeConflict {
		t.Errorf("expected CONFLICT, got %s", apperrors.Code(err))
	}
}

func TestTaskExecutionDeliversResult(t *testing.T) {
	eng := &MockEngine{
		OpenSessionFn: func(ctx context.Context, profileID string, opts engine.Options) (engine.Session, error) {
			return &MockSession{
				RunTaskFn: func(ctx context.Context, instruction, input string) (string, error) {
					return "extracted: " + input, nil
				},
			}, nil
		},
	}

	results := make(chan *v1.TaskResult, 1)
	rt := New(testConfig(), eng, logger.NewNop(), Options{
		OnResult: func(r *v1.TaskResult) { results <- r },
	})

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer rt.Stop(context.Background())

	if err := rt.Submit(&Task{ID: "task-1", ChatID: "chat-1", Input: "https://example.com"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	result := waitResult(t, results)
	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.ErrorMessage)
	}
	if result.Output != "extracted: https://example.com" {
		t.Errorf("unexpected output: %s", result.Output)
	}
	if result.AgentID != "agent-1" || result.ChatID != "chat-1" {
		t.Errorf("result missing identity: agent=%s chat=%s", result.AgentID, result.ChatID)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
}

func TestTaskRetry(t *testing.T) {
	var attempts int32
	var mu sync.Mutex
	eng := &MockEngine{
		OpenSessionFn: func(ctx context.Context, profileID string, opts engine.Options) (engine.Session, error) {
			return &MockSession{
				RunTaskFn: func(ctx context.Context, instruction, input string) (string, error) {
					mu.Lock()
					attempts++
					n := attempts
					mu.Unlock()
					if n < 3 {
						return "", errors.New("element not found")
					}
					return "done", nil
				},
			}, nil
		},
	}

	cfg := testConfig()
	cfg.Execution.RetryAttempts = 2

	results := make(chan *v1.TaskResult, 1)
	rt := New(cfg, eng, logger.NewNop(), Options{
		OnResult: func(r *v1.TaskResult) { results <- r },
	})

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer rt.Stop(context.Background())

	if err := rt.Submit(&Task{ID: "task-1", Input: "x"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	result := waitResult(t, results)
	if !result.Success {
		t.Fatalf("expected success after retries, got: %s", result.ErrorMessage)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestTaskRetriesExhausted(t *testing.T) {
	eng := &MockEngine{
		OpenSessionFn: func(ctx context.Context, profileID string, opts engine.Options) (engine.Session, error) {
			return &MockSession{
				RunTaskFn: func(ctx context.Context, instruction, input string) (string, error) {
					return "", errors.New("element not found")
				},
			}, nil
		},
	}

	cfg := testConfig()
	cfg.Execution.RetryAttempts = 1
	cfg.Execution.ScreenshotOnError = true

	results := make(chan *v1.TaskResult, 1)
	rt := New(cfg, eng, logger.NewNop(), Options{
		OnResult: func(r *v1.TaskResult) { results <- r },
	})

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer rt.Stop(context.Background())

	if err := rt.Submit(&Task{ID: "task-1", Input: "x"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	result := waitResult(t, results)
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", result.Attempts)
	}
	if result.ErrorKind != ErrorKindFailed {
		t.Errorf("expected error kind %q, got %q", ErrorKindFailed, result.ErrorKind)
	}
	if len(result.Screenshot) == 0 {
		t.Error("expected screenshot on error")
	}
}

func TestTaskTimeout(t *testing.T) {
	eng := &MockEngine{
		OpenSessionFn: func(ctx context.Context, profileID string, opts engine.Options) (engine.Session, error) {
			return &MockSession{
				RunTaskFn: func(ctx context.Context, instruction, input string) (string, error) {
					<-ctx.Done()
					return "", ctx.Err()
				},
			}, nil
		},
	}

	cfg := testConfig()
	cfg.Execution.DefaultTimeoutMs = 50

	results := make(chan *v1.TaskResult, 1)
	rt := New(cfg, eng, logger.NewNop(), Options{
		OnResult: func(r *v1.TaskResult) { results <- r },
	})

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer rt.Stop(context.Background())

	if err := rt.Submit(&Task{ID: "task-1", Input: "x"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	result := waitResult(t, results)
	if result.Success {
		t.Fatal("expected timeout failure")
	}
	if result.ErrorKind != ErrorKindTimeout {
		t.Errorf("expected error kind %q, got %q", ErrorKindTimeout, result.ErrorKind)
	}
}

func TestQueueFull(t *testing.T) {
	block := make(chan struct{})
	eng := &MockEngine{
		OpenSessionFn: func(ctx context.Context, profileID string, opts engine.Options) (engine.Session, error) {
			return &MockSession{
				RunTaskFn: func(ctx context.Context, instruction, input string) (string, error) {
					select {
					case <-block:
					case <-ctx.Done():
					}
					return "", nil
				},
			}, nil
		},
	}

	rt := New(testConfig(), eng, logger.NewNop(), Options{QueueSize: 2})

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer func() {
		close(block)
		rt.Stop(context.Background())
	}()

	// First task occupies the dispatch slot; fill the queue behind it
	if err := rt.Submit(&Task{ID: "task-0", Input: "x"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// Wait for the first task to be dequeued
	deadline := time.Now().Add(2 * time.Second)
	for rt.QueueLen() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	for i := 1; i <= 2; i++ {
		if err := rt.Submit(&Task{ID: fmt.Sprintf("task-%d", i), Input: "x"}); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	err := rt.Submit(&Task{ID: "task-3", Input: "x"})
	if err == nil {
		t.Fatal("expected queue full error")
	}
	if apperrors.Code(err) != apperrors.ErrCodeQueueFull {
		t.Errorf("expected QUEUE_FULL, got %s", apperrors.Code(err))
	}
}

func TestPauseHoldsDispatch(t *testing.T) {
	started := make(chan string, 10)
	eng := &MockEngine{
		OpenSessionFn: func(ctx context.Context, profileID string, opts engine.Options) (engine.Session, error) {
			return &MockSession{
				RunTaskFn: func(ctx context.Context, instruction, input string) (string, error) {
					started <- input
					return "ok", nil
				},
			}, nil
		},
	}

	results := make(chan *v1.TaskResult, 10)
	rt := New(testConfig(), eng, logger.NewNop(), Options{
		OnResult: func(r *v1.TaskResult) { results <- r },
	})

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer rt.Stop(context.Background())

	if err := rt.Pause(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if status, _ := rt.Status(); status != v1.AgentStatusPaused {
		t.Fatalf("expected paused, got %s", status)
	}

	// Paused agents still accept tasks but do not dispatch them
	if err := rt.Submit(&Task{ID: "task-1", Input: "held"}); err != nil {
		t.Fatalf("submit while paused failed: %v", err)
	}

	select {
	case in := <-started:
		t.Fatalf("task %q dispatched while paused", in)
	case <-time.After(200 * time.Millisecond):
	}

	if err := rt.Resume(); err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task not dispatched after resume")
	}
	waitResult(t, results)
}

func TestFatalErrorMovesToErrorState(t *testing.T) {
	eng := &MockEngine{
		OpenSessionFn: func(ctx context.Context, profileID string, opts engine.Options) (engine.Session, error) {
			return &MockSession{
				RunTaskFn: func(ctx context.Context, instruction, input string) (string, error) {
					return "", &engine.FatalError{Err: errors.New("browser process exited")}
				},
			}, nil
		},
	}

	results := make(chan *v1.TaskResult, 1)
	rt := New(testConfig(), eng, logger.NewNop(), Options{
		OnResult: func(r *v1.TaskResult) { results <- r },
	})

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := rt.Submit(&Task{ID: "task-1", Input: "x"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	result := waitResult(t, results)
	if result.ErrorKind != ErrorKindSession {
		t.Errorf("expected error kind %q, got %q", ErrorKindSession, result.ErrorKind)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if status, _ := rt.Status(); status == v1.AgentStatusError {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	status, errMsg := rt.Status()
	if status != v1.AgentStatusError {
		t.Fatalf("expected error status, got %s", status)
	}
	if errMsg == "" {
		t.Error("expected error message")
	}

	// Error state is recoverable through stop
	if err := rt.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if status, _ := rt.Status(); status != v1.AgentStatusStopped {
		t.Errorf("expected stopped after stop, got %s", status)
	}
}

func TestStatusReadableWhileHandlerRuns(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{})
	rt := New(testConfig(), &MockEngine{}, logger.NewNop(), Options{
		OnStatus: func(status v1.AgentStatus, _ string) {
			if status == v1.AgentStatusPaused {
				close(entered)
				<-block
			}
		},
	})

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	pauseDone := make(chan error, 1)
	go func() { pauseDone <- rt.Pause() }()
	<-entered

	// The handler is parked inside the pause transition; a concurrent
	// status read must still return
	statusDone := make(chan v1.AgentStatus, 1)
	go func() {
		status, _ := rt.Status()
		statusDone <- status
	}()
	select {
	case status := <-statusDone:
		if status != v1.AgentStatusPaused {
			t.Errorf("expected paused, got %s", status)
		}
	case <-time.After(time.Second):
		t.Fatal("Status blocked while a status handler was running")
	}

	close(block)
	if err := <-pauseDone; err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if err := rt.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}

func TestPerChatResultOrdering(t *testing.T) {
	release := make(chan struct{})
	eng := &MockEngine{
		OpenSessionFn: func(ctx context.Context, profileID string, opts engine.Options) (engine.Session, error) {
			return &MockSession{
				RunTaskFn: func(ctx context.Context, instruction, input string) (string, error) {
					if input == "slow" {
						select {
						case <-release:
						case <-ctx.Done():
							return "", ctx.Err()
						}
					}
					return input, nil
				},
			}, nil
		},
	}

	cfg := testConfig()
	cfg.Execution.MaxConcurrentTasks = 2

	results := make(chan *v1.TaskResult, 2)
	rt := New(cfg, eng, logger.NewNop(), Options{
		OnResult: func(r *v1.TaskResult) { results <- r },
	})

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer rt.Stop(context.Background())

	if err := rt.Submit(&Task{ID: "task-1", ChatID: "chat-1", Input: "slow"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := rt.Submit(&Task{ID: "task-2", ChatID: "chat-1", Input: "fast"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// The fast task finishes first but must not be delivered ahead of
	// the slow one submitted before it
	select {
	case r := <-results:
		t.Fatalf("result %q delivered out of order", r.Input)
	case <-time.After(200 * time.Millisecond):
	}

	close(release)

	first := waitResult(t, results)
	second := waitResult(t, results)
	if first.TaskID != "task-1" || second.TaskID != "task-2" {
		t.Errorf("results out of order: %s then %s", first.TaskID, second.TaskID)
	}
}

func TestStopDropsQueuedTasks(t *testing.T) {
	block := make(chan struct{})
	eng := &MockEngine{
		OpenSessionFn: func(ctx context.Context, profileID string, opts engine.Options) (engine.Session, error) {
			return &MockSession{
				RunTaskFn: func(ctx context.Context, instruction, input string) (string, error) {
					select {
					case <-block:
					case <-ctx.Done():
					}
					return "", ctx.Err()
				},
			}, nil
		},
	}

	rt := New(testConfig(), eng, logger.NewNop(), Options{GracePeriod: 100 * time.Millisecond})

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := rt.Submit(&Task{ID: "task-0", Input: "x"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := rt.Submit(&Task{ID: "task-1", Input: "x"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if err := rt.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	close(block)

	if rt.QueueLen() != 0 {
		t.Errorf("expected queue drained after stop, got %d", rt.QueueLen())
	}
	if status, _ := rt.Status(); status != v1.AgentStatusStopped {
		t.Errorf("expected stopped, got %s", status)
	}
}
