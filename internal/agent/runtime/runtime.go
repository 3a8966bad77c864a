// Package runtime runs a single browser agent: one session, one bounded
// task queue, and the status lifecycle around them.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/browserdeck/browserdeck/internal/agent/engine"
	"github.com/browserdeck/browserdeck/internal/agent/personality"
	apperrors "github.com/browserdeck/browserdeck/internal/common/errors"
	"github.com/browserdeck/browserdeck/internal/common/logger"
	v1 "github.com/browserdeck/browserdeck/pkg/api/v1"
)

// Error kinds recorded on failed task results
const (
	ErrorKindTimeout  = "timeout"
	ErrorKindCanceled = "canceled"
	ErrorKindSession  = "session"
	ErrorKindFailed   = "failed"
)

// StatusHandler observes status transitions. Called in transition order
// with no runtime locks held, so handlers may read Status; they must not
// invoke lifecycle operations.
type StatusHandler func(status v1.AgentStatus, errMessage string)

// ResultHandler receives finished task results. For any given chat the
// handler sees results in submission order; it must not block.
type ResultHandler func(result *v1.TaskResult)

// Runtime owns the execution side of one agent: the browser session, the
// task queue and the dispatch loop. A Runtime is built per start from the
// agent's stored config, so config edits take effect on the next start.
type Runtime struct {
	config      *v1.AgentConfig
	engine      engine.Engine
	logger      *logger.Logger
	queue       *TaskQueue
	instruction string

	onStatus    StatusHandler
	onResult    ResultHandler
	gracePeriod time.Duration

	// notifyMu is taken ahead of mu for every status transition. It keeps
	// notifications in transition order while the handler runs with mu
	// released, so Status() readers and lock-ordering peers never wait on
	// a handler.
	notifyMu sync.Mutex

	mu         sync.Mutex
	status     v1.AgentStatus
	errMessage string
	session    engine.Session
	paused     bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	wake chan struct{}

	// per-chat in-order result delivery
	deliverMu   sync.Mutex
	chatSeq     map[string]uint64
	chatNext    map[string]uint64
	chatPending map[string]map[uint64]*v1.TaskResult
}

// Options configures a runtime beyond the agent config itself
type Options struct {
	QueueSize   int
	GracePeriod time.Duration
	OnStatus    StatusHandler
	OnResult    ResultHandler
}

// New creates a runtime for the given agent config. The config is used as
// given; callers apply defaults before constructing the runtime.
func New(config *v1.AgentConfig, eng engine.Engine, log *logger.Logger, opts Options) *Runtime {
	if opts.QueueSize <= 0 {
		opts.QueueSize = v1.DefaultQueueSize
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	return &Runtime{
		config:      config,
		engine:      eng,
		logger:      log.WithFields(zap.String("component", "agent-runtime"), zap.String("agent_id", config.ID)),
		queue:       NewTaskQueue(opts.QueueSize),
		instruction: personality.Compile(config.Personality),
		onStatus:    opts.OnStatus,
		onResult:    opts.OnResult,
		gracePeriod: opts.GracePeriod,
		status:      v1.AgentStatusStopped,
		wake:        make(chan struct{}, 1),
		chatSeq:     make(map[string]uint64),
		chatNext:    make(map[string]uint64),
		chatPending: make(map[string]map[uint64]*v1.TaskResult),
	}
}

// Status returns the current status and error message
func (r *Runtime) Status() (v1.AgentStatus, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.errMessage
}

// QueueLen returns the number of tasks waiting for dispatch
func (r *Runtime) QueueLen() int {
	return r.queue.Len()
}

// Start opens the browser session and begins dispatching tasks. It blocks
// until the session is confirmed open or failed. Starting an agent that is
// already running is a no-op.
func (r *Runtime) Start(ctx context.Context) error {
	r.notifyMu.Lock()
	r.mu.Lock()
	switch r.status {
	case v1.AgentStatusRunning, v1.AgentStatusStarting, v1.AgentStatusPaused:
		r.mu.Unlock()
		r.notifyMu.Unlock()
		return nil
	}
	r.status = v1.AgentStatusStarting
	r.errMessage = ""
	r.mu.Unlock()
	r.notify(v1.AgentStatusStarting, "")
	r.notifyMu.Unlock()

	session, err := r.engine.OpenSession(ctx, r.config.ProfileID, engine.Options{
		Headless:       r.config.Browser.Headless,
		Persistent:     r.config.Browser.Persistent,
		ViewportWidth:  r.config.Browser.Viewport.Width,
		ViewportHeight: r.config.Browser.Viewport.Height,
	})
	if err != nil {
		r.setStatus(v1.AgentStatusError, err.Error())
		return apperrors.SessionStartError(err)
	}

	// The session outlives the caller's context
	runCtx, cancel := context.WithCancel(context.Background())

	r.notifyMu.Lock()
	r.mu.Lock()
	r.session = session
	r.cancel = cancel
	r.paused = false
	r.status = v1.AgentStatusRunning
	r.errMessage = ""
	r.mu.Unlock()
	r.notify(v1.AgentStatusRunning, "")
	r.notifyMu.Unlock()

	r.wg.Add(1)
	go r.dispatchLoop(runCtx)

	r.logger.Info("agent started", zap.String("profile_id", r.config.ProfileID))
	return nil
}

// Stop cancels in-flight tasks, waits up to the grace period for them to
// finish, and tears down the browser session. Stopping a stopped agent is
// a no-op. Queued tasks are dropped.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.status == v1.AgentStatusStopped {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	session := r.session
	r.cancel = nil
	r.session = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wakeDispatch()

	// Cooperative cancellation with a bounded wait
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.gracePeriod):
		r.logger.Warn("grace period elapsed with tasks still in flight",
			zap.Duration("grace_period", r.gracePeriod))
	case <-ctx.Done():
	}

	if session != nil {
		if err := session.Close(ctx); err != nil {
			r.logger.Warn("failed to close browser session", zap.Error(err))
		}
	}

	if dropped := r.queue.Clear(); len(dropped) > 0 {
		r.logger.Info("dropped queued tasks on stop", zap.Int("count", len(dropped)))
	}

	r.notifyMu.Lock()
	r.mu.Lock()
	r.paused = false
	r.status = v1.AgentStatusStopped
	r.errMessage = ""
	r.mu.Unlock()
	r.notify(v1.AgentStatusStopped, "")
	r.notifyMu.Unlock()

	r.logger.Info("agent stopped")
	return nil
}

// Pause halts task dispatch while keeping the session open. The queue
// keeps accepting tasks while paused.
func (r *Runtime) Pause() error {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if r.status == v1.AgentStatusPaused {
		r.mu.Unlock()
		return nil
	}
	if r.status != v1.AgentStatusRunning {
		status := r.status
		r.mu.Unlock()
		return apperrors.Conflict(fmt.Sprintf("agent %s is %s, not running", r.config.ID, status))
	}
	r.paused = true
	r.status = v1.AgentStatusPaused
	r.errMessage = ""
	r.mu.Unlock()

	r.notify(v1.AgentStatusPaused, "")
	return nil
}

// Resume restarts task dispatch after a pause
func (r *Runtime) Resume() error {
	r.notifyMu.Lock()
	r.mu.Lock()
	if r.status == v1.AgentStatusRunning {
		r.mu.Unlock()
		r.notifyMu.Unlock()
		return nil
	}
	if r.status != v1.AgentStatusPaused {
		status := r.status
		r.mu.Unlock()
		r.notifyMu.Unlock()
		return apperrors.Conflict(fmt.Sprintf("agent %s is %s, not paused", r.config.ID, status))
	}
	r.paused = false
	r.status = v1.AgentStatusRunning
	r.errMessage = ""
	r.mu.Unlock()
	r.notify(v1.AgentStatusRunning, "")
	r.notifyMu.Unlock()

	r.wakeDispatch()
	return nil
}

// Submit enqueues a task for execution. The agent must be running or
// paused; paused agents accept tasks but hold them until resume.
func (r *Runtime) Submit(task *Task) error {
	r.mu.Lock()
	status := r.status
	r.mu.Unlock()

	if status != v1.AgentStatusRunning && status != v1.AgentStatusPaused {
		return apperrors.Conflict(fmt.Sprintf("agent %s is %s and cannot accept tasks", r.config.ID, status))
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.AgentID = r.config.ID

	if err := r.queue.Enqueue(task); err != nil {
		if errors.Is(err, ErrQueueFull) {
			return apperrors.QueueFull(r.config.ID)
		}
		return err
	}

	r.logger.Debug("task enqueued",
		zap.String("task_id", task.ID),
		zap.Int("queue_len", r.queue.Len()))

	r.wakeDispatch()
	return nil
}

func (r *Runtime) wakeDispatch() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop pulls tasks off the queue and hands them to workers up to
// the configured concurrency. Pausing stops new dispatches; tasks already
// running continue.
func (r *Runtime) dispatchLoop(ctx context.Context) {
	defer r.wg.Done()

	maxConcurrent := r.config.Execution.MaxConcurrentTasks
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	slots := make(chan struct{}, maxConcurrent)

	for {
		if ctx.Err() != nil {
			return
		}

		r.mu.Lock()
		paused := r.paused
		r.mu.Unlock()

		var task *Task
		if !paused {
			task = r.queue.Dequeue()
		}

		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
			}
			continue
		}

		// Sequence assigned at dispatch so delivery order matches
		// submission order within each chat
		seq := r.nextSeq(task.ChatID)

		select {
		case <-ctx.Done():
			return
		case slots <- struct{}{}:
		}

		r.wg.Add(1)
		go func(task *Task, seq uint64) {
			defer r.wg.Done()
			defer func() { <-slots }()
			r.runTask(ctx, task, seq)
		}(task, seq)
	}
}

// runTask executes one task with the configured timeout and retries. A
// retried task does not go back through the queue; it re-runs in place
// against the same session.
func (r *Runtime) runTask(ctx context.Context, task *Task, seq uint64) {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	if session == nil {
		return
	}

	exec := r.config.Execution
	timeout := time.Duration(exec.DefaultTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(v1.DefaultTimeoutMs) * time.Millisecond
	}
	maxAttempts := 1 + exec.RetryAttempts

	startedAt := time.Now()
	var output string
	var runErr error
	attempts := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		output, runErr = session.RunTask(attemptCtx, r.instruction, task.Input)
		timedOut := attemptCtx.Err() != nil && ctx.Err() == nil
		cancel()

		if runErr == nil {
			break
		}
		if ctx.Err() != nil || engine.IsFatal(runErr) {
			break
		}
		if timedOut {
			runErr = apperrors.TaskTimeout(task.ID, exec.DefaultTimeoutMs)
		}
		if attempt < maxAttempts {
			r.logger.Warn("task attempt failed, retrying",
				zap.String("task_id", task.ID),
				zap.Int("attempt", attempt),
				zap.Error(runErr))
		}
	}

	result := &v1.TaskResult{
		TaskID:     task.ID,
		AgentID:    r.config.ID,
		ChatID:     task.ChatID,
		Input:      task.Input,
		Output:     output,
		Success:    runErr == nil,
		Attempts:   attempts,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}

	if runErr != nil {
		result.ErrorKind = classifyError(ctx, runErr)
		result.ErrorMessage = runErr.Error()

		if exec.ScreenshotOnError && !engine.IsFatal(runErr) && ctx.Err() == nil {
			shotCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if shot, err := session.CaptureScreenshot(shotCtx); err == nil {
				result.Screenshot = shot
			} else {
				r.logger.Debug("screenshot capture failed", zap.String("task_id", task.ID), zap.Error(err))
			}
			cancel()
		}

		r.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.String("error_kind", result.ErrorKind),
			zap.Int("attempts", attempts),
			zap.Error(runErr))
	} else {
		r.logger.Info("task completed",
			zap.String("task_id", task.ID),
			zap.Int("attempts", attempts),
			zap.Duration("duration", result.FinishedAt.Sub(startedAt)))
	}

	r.deliver(task.ChatID, seq, result)

	// A broken session takes the whole agent down
	if engine.IsFatal(runErr) {
		r.enterError(runErr)
	}
}

func classifyError(ctx context.Context, err error) string {
	switch {
	case engine.IsFatal(err):
		return ErrorKindSession
	case ctx.Err() != nil:
		return ErrorKindCanceled
	case apperrors.Code(err) == apperrors.ErrCodeTaskTimeout:
		return ErrorKindTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	default:
		return ErrorKindFailed
	}
}

// enterError moves the runtime to the error state after a session fault,
// cancelling dispatch and closing what is left of the session
func (r *Runtime) enterError(cause error) {
	r.notifyMu.Lock()
	r.mu.Lock()
	if r.status != v1.AgentStatusRunning && r.status != v1.AgentStatusPaused {
		r.mu.Unlock()
		r.notifyMu.Unlock()
		return
	}
	cancel := r.cancel
	session := r.session
	r.cancel = nil
	r.session = nil
	r.paused = false
	r.status = v1.AgentStatusError
	r.errMessage = cause.Error()
	r.mu.Unlock()
	r.notify(v1.AgentStatusError, cause.Error())
	r.notifyMu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wakeDispatch()
	r.queue.Clear()

	if session != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := session.Close(closeCtx); err != nil {
			r.logger.Warn("failed to close faulted session", zap.Error(err))
		}
	}

	r.logger.Error("agent entered error state", zap.Error(cause))
}

// setStatus records a transition and notifies the handler. It takes both
// locks itself; callers must hold neither.
func (r *Runtime) setStatus(status v1.AgentStatus, errMessage string) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.mu.Lock()
	r.status = status
	r.errMessage = errMessage
	r.mu.Unlock()
	r.notify(status, errMessage)
}

// notify runs the status handler. Callers hold notifyMu and have released
// r.mu, so the handler can read runtime state without deadlocking.
func (r *Runtime) notify(status v1.AgentStatus, errMessage string) {
	if r.onStatus != nil {
		r.onStatus(status, errMessage)
	}
}

// nextSeq reserves the next delivery slot for a chat
func (r *Runtime) nextSeq(chatID string) uint64 {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	seq := r.chatSeq[chatID]
	r.chatSeq[chatID] = seq + 1
	return seq
}

// deliver buffers out-of-order results and flushes each chat's results to
// the handler strictly in dispatch order. The handler runs under the
// delivery lock so concurrent workers cannot interleave a chat's results.
func (r *Runtime) deliver(chatID string, seq uint64, result *v1.TaskResult) {
	if r.onResult == nil {
		return
	}

	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	pending := r.chatPending[chatID]
	if pending == nil {
		pending = make(map[uint64]*v1.TaskResult)
		r.chatPending[chatID] = pending
	}
	pending[seq] = result

	for {
		next, ok := pending[r.chatNext[chatID]]
		if !ok {
			break
		}
		delete(pending, r.chatNext[chatID])
		r.chatNext[chatID]++
		r.onResult(next)
	}
}
