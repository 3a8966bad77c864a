// Package orchestrator supervises the fleet of browser agents: it owns
// their runtimes, enforces profile exclusivity, attaches control channels,
// and fans status changes out to the store, the event bus and subscribers.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/browserdeck/browserdeck/internal/agent/auth"
	"github.com/browserdeck/browserdeck/internal/agent/channel"
	"github.com/browserdeck/browserdeck/internal/agent/engine"
	"github.com/browserdeck/browserdeck/internal/agent/history"
	"github.com/browserdeck/browserdeck/internal/agent/runtime"
	"github.com/browserdeck/browserdeck/internal/agent/store"
	apperrors "github.com/browserdeck/browserdeck/internal/common/errors"
	"github.com/browserdeck/browserdeck/internal/common/logger"
	"github.com/browserdeck/browserdeck/internal/events"
	"github.com/browserdeck/browserdeck/internal/events/bus"
	v1 "github.com/browserdeck/browserdeck/pkg/api/v1"
)

// StatusListener observes agent status transitions. Listeners are called
// in transition order and must not block.
type StatusListener func(agentID string, status v1.AgentStatus, errMessage string)

// ControlChannel is the chat control surface attached to a running agent
type ControlChannel interface {
	Identity() string
	Run(ctx context.Context)
	Close()
	DeliverResult(result *v1.TaskResult)
}

// ChannelDialer connects a control channel for an agent. Swappable so
// tests do not dial the real Telegram API.
type ChannelDialer func(agentID string, cfg v1.ControlChannelConfig, led *auth.Ledger, submit channel.SubmitFunc, log *logger.Logger) (ControlChannel, error)

func telegramDialer(agentID string, cfg v1.ControlChannelConfig, led *auth.Ledger, submit channel.SubmitFunc, log *logger.Logger) (ControlChannel, error) {
	return channel.Dial(agentID, cfg, led, submit, log)
}

type channelHandle struct {
	channel  ControlChannel
	cancel   context.CancelFunc
	botToken string
}

// Options tunes orchestrator behavior beyond its dependencies
type Options struct {
	QueueSize   int
	GracePeriod time.Duration
	HistorySize int
	Dialer      ChannelDialer
}

// Orchestrator manages agent lifecycles and routes tasks and results
type Orchestrator struct {
	store    store.Store
	engine   engine.Engine
	ledger   *auth.Ledger
	eventBus bus.EventBus
	history  *history.History
	locker   *engine.ProfileLocker
	dialer   ChannelDialer
	logger   *logger.Logger

	queueSize   int
	gracePeriod time.Duration

	// Track live runtimes and their channels
	runtimes   map[string]*runtime.Runtime
	channels   map[string]*channelHandle
	profiles   map[string]string // profileID -> agentID holding it
	claims     map[string]string // agentID -> profileID it claimed at start
	tokens     map[string]string // botToken -> agentID with the channel attached
	lastActive map[string]*time.Time
	mu         sync.RWMutex

	// ops serializes start/stop per agent id so a restart cannot overlap
	// a stop still tearing the old runtime down
	ops   map[string]*sync.Mutex
	opsMu sync.Mutex

	// Ordered status subscribers
	subscribers map[uint64]StatusListener
	subOrder    []uint64
	nextSubID   uint64
	subMu       sync.Mutex
}

// New creates an orchestrator
func New(
	s store.Store,
	eng engine.Engine,
	led *auth.Ledger,
	eventBus bus.EventBus,
	locker *engine.ProfileLocker,
	log *logger.Logger,
	opts Options,
) *Orchestrator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = v1.DefaultQueueSize
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 200
	}
	if opts.Dialer == nil {
		opts.Dialer = telegramDialer
	}
	return &Orchestrator{
		store:       s,
		engine:      eng,
		ledger:      led,
		eventBus:    eventBus,
		history:     history.New(opts.HistorySize),
		locker:      locker,
		dialer:      opts.Dialer,
		logger:      log.WithFields(zap.String("component", "orchestrator")),
		queueSize:   opts.QueueSize,
		gracePeriod: opts.GracePeriod,
		runtimes:    make(map[string]*runtime.Runtime),
		channels:    make(map[string]*channelHandle),
		profiles:    make(map[string]string),
		claims:      make(map[string]string),
		tokens:      make(map[string]string),
		lastActive:  make(map[string]*time.Time),
		subscribers: make(map[uint64]StatusListener),
		ops:         make(map[string]*sync.Mutex),
	}
}

// opLock returns the per-agent mutex serializing lifecycle operations
func (o *Orchestrator) opLock(id string) *sync.Mutex {
	o.opsMu.Lock()
	defer o.opsMu.Unlock()
	m := o.ops[id]
	if m == nil {
		m = &sync.Mutex{}
		o.ops[id] = m
	}
	return m
}

// CreateAgent validates and persists a new agent config
func (o *Orchestrator) CreateAgent(ctx context.Context, config *v1.AgentConfig) (*v1.AgentConfig, error) {
	if config.Name == "" {
		return nil, apperrors.ValidationError("name", "name is required")
	}
	if config.ProfileID == "" {
		return nil, apperrors.ValidationError("profile_id", "profile_id is required")
	}
	if config.ControlChannel != nil && config.ControlChannel.BotToken == "" {
		return nil, apperrors.ValidationError("control_channel.bot_token", "bot_token is required when a control channel is configured")
	}
	if err := validateExecution(&config.Execution); err != nil {
		return nil, err
	}

	if config.ID == "" {
		config.ID = uuid.New().String()
	}
	config.ApplyDefaults()
	now := time.Now().UTC()
	config.CreatedAt = now
	config.UpdatedAt = now

	if err := o.store.Create(ctx, config); err != nil {
		return nil, err
	}

	o.publish(ctx, events.AgentCreated, map[string]interface{}{
		"agent_id": config.ID,
		"name":     config.Name,
	})

	o.logger.Info("agent created",
		zap.String("agent_id", config.ID),
		zap.String("name", config.Name),
		zap.String("profile_id", config.ProfileID))
	return config, nil
}

// GetAgent returns the stored config for an agent
func (o *Orchestrator) GetAgent(ctx context.Context, id string) (*v1.AgentConfig, error) {
	return o.store.Get(ctx, id)
}

// UpdateAgent applies a partial update to a stored config. A running
// agent keeps its current session; the new config applies on next start.
func validateExecution(exec *v1.ExecutionConfig) error {
	if exec.MaxConcurrentTasks < 0 {
		return apperrors.ValidationError("execution.max_concurrent_tasks", "max_concurrent_tasks must not be negative")
	}
	if exec.DefaultTimeoutMs < 0 {
		return apperrors.ValidationError("execution.default_timeout_ms", "default_timeout_ms must not be negative")
	}
	if exec.RetryAttempts < 0 {
		return apperrors.ValidationError("execution.retry_attempts", "retry_attempts must not be negative")
	}
	return nil
}

func (o *Orchestrator) UpdateAgent(ctx context.Context, id string, upd *v1.AgentUpdate) (*v1.AgentConfig, error) {
	if upd.Execution != nil {
		if err := validateExecution(upd.Execution); err != nil {
			return nil, err
		}
	}
	config, err := o.store.Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}

	o.publish(ctx, events.AgentUpdated, map[string]interface{}{
		"agent_id": id,
	})

	o.logger.Info("agent updated", zap.String("agent_id", id))
	return config, nil
}

// DeleteAgent stops the agent if needed and removes it along with its
// task history
func (o *Orchestrator) DeleteAgent(ctx context.Context, id string) error {
	if _, err := o.store.Get(ctx, id); err != nil {
		return err
	}

	if err := o.StopAgent(ctx, id); err != nil {
		return err
	}

	if err := o.store.Delete(ctx, id); err != nil {
		return err
	}
	o.history.Delete(id)

	o.mu.Lock()
	delete(o.lastActive, id)
	o.mu.Unlock()

	o.publish(ctx, events.AgentDeleted, map[string]interface{}{
		"agent_id": id,
	})

	o.logger.Info("agent deleted", zap.String("agent_id", id))
	return nil
}

// ListAgents returns summaries for all agents, live status first
func (o *Orchestrator) ListAgents(ctx context.Context) ([]*v1.AgentSummary, error) {
	configs, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]*v1.AgentSummary, 0, len(configs))
	for _, config := range configs {
		summary, err := o.summarize(ctx, config)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}

	// Store order is creation order; keep it
	return summaries, nil
}

// GetAgentSummary returns the summary for one agent
func (o *Orchestrator) GetAgentSummary(ctx context.Context, id string) (*v1.AgentSummary, error) {
	config, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.summarize(ctx, config)
}

func (o *Orchestrator) summarize(ctx context.Context, config *v1.AgentConfig) (*v1.AgentSummary, error) {
	summary := &v1.AgentSummary{
		ID:          config.ID,
		Name:        config.Name,
		Description: config.Description,
		ProfileID:   config.ProfileID,
	}

	o.mu.RLock()
	rt := o.runtimes[config.ID]
	handle := o.channels[config.ID]
	summary.LastActive = o.lastActive[config.ID]
	o.mu.RUnlock()

	if rt != nil {
		summary.Status, summary.ErrorMessage = rt.Status()
	} else {
		rec, err := o.store.GetStatus(ctx, config.ID)
		if err != nil {
			return nil, err
		}
		summary.Status = rec.Status
		summary.ErrorMessage = rec.ErrorMessage
		if summary.LastActive == nil {
			summary.LastActive = rec.LastActive
		}
	}

	if handle != nil {
		summary.ControlChannelIdentity = handle.channel.Identity()
	}

	return summary, nil
}

// StartAgent brings an agent to running: it claims the browser profile,
// opens the session, and attaches the control channel if one is
// configured. Starting a running agent is a no-op.
func (o *Orchestrator) StartAgent(ctx context.Context, id string) error {
	lock := o.opLock(id)
	lock.Lock()
	defer lock.Unlock()

	config, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if rt := o.runtimes[id]; rt != nil {
		status, _ := rt.Status()
		switch status {
		case v1.AgentStatusRunning, v1.AgentStatusStarting, v1.AgentStatusPaused:
			o.mu.Unlock()
			return nil
		}
		// A stopped or faulted runtime is replaced on restart so config
		// edits take effect
		delete(o.runtimes, id)
	}

	// A faulted runtime keeps its claim until stop or restart; if the
	// profile was edited in between, free the stale claim first
	var staleProfile string
	if prev, ok := o.claims[id]; ok && prev != config.ProfileID {
		delete(o.claims, id)
		if o.profiles[prev] == id {
			delete(o.profiles, prev)
		}
		staleProfile = prev
	}

	// 1. Claim the profile before touching the browser
	if holder, ok := o.profiles[config.ProfileID]; ok && holder != id {
		o.mu.Unlock()
		return apperrors.ProfileBusy(config.ProfileID, holder)
	}
	if o.locker != nil {
		holder, ok, err := o.locker.Acquire(config.ProfileID, id)
		if err != nil {
			o.mu.Unlock()
			return apperrors.InternalError("failed to acquire profile lock", err)
		}
		if !ok {
			o.mu.Unlock()
			return apperrors.ProfileBusy(config.ProfileID, holder)
		}
	}
	o.profiles[config.ProfileID] = id
	o.claims[id] = config.ProfileID

	// 2. Build a fresh runtime from the stored config
	rt := runtime.New(config, o.engine, o.logger, runtime.Options{
		QueueSize:   o.queueSize,
		GracePeriod: o.gracePeriod,
		OnStatus: func(status v1.AgentStatus, errMessage string) {
			o.onStatusChange(id, status, errMessage)
		},
		OnResult: func(result *v1.TaskResult) {
			o.onTaskResult(result)
		},
	})
	o.runtimes[id] = rt
	o.mu.Unlock()

	if staleProfile != "" && o.locker != nil {
		if err := o.locker.Release(staleProfile, id); err != nil {
			o.logger.Warn("failed to release stale profile lock",
				zap.String("profile_id", staleProfile),
				zap.Error(err))
		}
	}

	// 3. Open the browser session
	if err := rt.Start(ctx); err != nil {
		o.releaseProfile(id)
		return err
	}

	// 4. Attach the control channel; failure here does not take the
	// agent down
	if config.ControlChannel != nil {
		if err := o.attachChannel(id, *config.ControlChannel); err != nil {
			o.logger.Warn("control channel attach failed, agent continues without it",
				zap.String("agent_id", id),
				zap.Error(err))
		}
	}

	return nil
}

func (o *Orchestrator) attachChannel(agentID string, cfg v1.ControlChannelConfig) error {
	// One bot token serves at most one attached agent
	o.mu.Lock()
	if holder, ok := o.tokens[cfg.BotToken]; ok && holder != agentID {
		o.mu.Unlock()
		return apperrors.ChannelAttachError(fmt.Errorf("bot token already attached to agent %s", holder))
	}
	o.tokens[cfg.BotToken] = agentID
	o.mu.Unlock()

	submit := func(chatID, input string) error {
		_, err := o.SubmitTask(context.Background(), agentID, input, chatID)
		return err
	}

	ch, err := o.dialer(agentID, cfg, o.ledger, submit, o.logger)
	if err != nil {
		o.mu.Lock()
		if o.tokens[cfg.BotToken] == agentID {
			delete(o.tokens, cfg.BotToken)
		}
		o.mu.Unlock()
		return err
	}

	chCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.channels[agentID] = &channelHandle{channel: ch, cancel: cancel, botToken: cfg.BotToken}
	o.mu.Unlock()

	go ch.Run(chCtx)
	return nil
}

// StopAgent stops a running agent, releasing its profile and detaching
// its control channel. Stopping a stopped agent is a no-op.
func (o *Orchestrator) StopAgent(ctx context.Context, id string) error {
	lock := o.opLock(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := o.store.Get(ctx, id); err != nil {
		return err
	}

	o.mu.Lock()
	rt := o.runtimes[id]
	handle := o.channels[id]
	delete(o.runtimes, id)
	delete(o.channels, id)
	if handle != nil && o.tokens[handle.botToken] == id {
		delete(o.tokens, handle.botToken)
	}
	o.mu.Unlock()

	if handle != nil {
		handle.cancel()
		handle.channel.Close()
	}

	if rt == nil {
		return nil
	}

	err := rt.Stop(ctx)
	o.releaseProfile(id)
	return err
}

// releaseProfile frees the profile claim recorded when the agent started.
// The claim, not the current store config, names the profile to release,
// so a config edit between start and stop cannot free the wrong profile.
func (o *Orchestrator) releaseProfile(agentID string) {
	o.mu.Lock()
	profileID, ok := o.claims[agentID]
	if ok {
		delete(o.claims, agentID)
		if o.profiles[profileID] == agentID {
			delete(o.profiles, profileID)
		}
	}
	o.mu.Unlock()

	if !ok {
		return
	}
	if o.locker != nil {
		if err := o.locker.Release(profileID, agentID); err != nil {
			o.logger.Warn("failed to release profile lock",
				zap.String("profile_id", profileID),
				zap.Error(err))
		}
	}
}

// PauseAgent halts task dispatch for a running agent
func (o *Orchestrator) PauseAgent(ctx context.Context, id string) error {
	rt, err := o.liveRuntime(ctx, id)
	if err != nil {
		return err
	}
	return rt.Pause()
}

// ResumeAgent resumes task dispatch for a paused agent
func (o *Orchestrator) ResumeAgent(ctx context.Context, id string) error {
	rt, err := o.liveRuntime(ctx, id)
	if err != nil {
		return err
	}
	return rt.Resume()
}

func (o *Orchestrator) liveRuntime(ctx context.Context, id string) (*runtime.Runtime, error) {
	if _, err := o.store.Get(ctx, id); err != nil {
		return nil, err
	}

	o.mu.RLock()
	rt := o.runtimes[id]
	o.mu.RUnlock()

	if rt == nil {
		return nil, apperrors.Conflict(fmt.Sprintf("agent %s is not running", id))
	}
	return rt, nil
}

// SubmitTask enqueues a task on a running agent and returns its ID.
// chatID is empty for tasks submitted over the API.
func (o *Orchestrator) SubmitTask(ctx context.Context, agentID, input, chatID string) (string, error) {
	rt, err := o.liveRuntime(ctx, agentID)
	if err != nil {
		return "", err
	}

	task := &runtime.Task{
		ID:     uuid.New().String(),
		ChatID: chatID,
		Input:  input,
	}
	if err := rt.Submit(task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// ListResults returns recent task results for an agent
func (o *Orchestrator) ListResults(ctx context.Context, agentID string, limit int, since time.Time) ([]*v1.TaskResult, error) {
	if _, err := o.store.Get(ctx, agentID); err != nil {
		return nil, err
	}
	return o.history.List(agentID, limit, since), nil
}

// GenerateAuthCode issues a fresh authorization code for an agent,
// invalidating any previous unconsumed code
func (o *Orchestrator) GenerateAuthCode(ctx context.Context, agentID string) (*v1.AuthorizationCode, error) {
	return o.ledger.GenerateCode(ctx, agentID)
}

// ListAuthorizedChats returns every chat identity allowed to control the
// agent
func (o *Orchestrator) ListAuthorizedChats(ctx context.Context, agentID string) ([]string, error) {
	return o.ledger.ListAuthorized(ctx, agentID)
}

// SubscribeStatus registers a status listener and returns its
// unsubscribe function. Listeners are notified in registration order.
func (o *Orchestrator) SubscribeStatus(listener StatusListener) func() {
	o.subMu.Lock()
	defer o.subMu.Unlock()

	id := o.nextSubID
	o.nextSubID++
	o.subscribers[id] = listener
	o.subOrder = append(o.subOrder, id)

	return func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		delete(o.subscribers, id)
		for i, sid := range o.subOrder {
			if sid == id {
				o.subOrder = append(o.subOrder[:i], o.subOrder[i+1:]...)
				break
			}
		}
	}
}

// Shutdown stops every running agent
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	ids := make([]string, 0, len(o.runtimes))
	for id := range o.runtimes {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := o.StopAgent(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// onStatusChange persists a transition and fans it out, in order
func (o *Orchestrator) onStatusChange(agentID string, status v1.AgentStatus, errMessage string) {
	o.mu.RLock()
	lastActive := o.lastActive[agentID]
	o.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.store.SetStatus(ctx, agentID, store.StatusRecord{
		Status:       status,
		ErrorMessage: errMessage,
		LastActive:   lastActive,
	}); err != nil {
		o.logger.Warn("failed to persist status",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}

	o.publish(ctx, events.AgentStatusChanged, map[string]interface{}{
		"agent_id":      agentID,
		"status":        string(status),
		"error_message": errMessage,
	})

	o.subMu.Lock()
	for _, sid := range o.subOrder {
		if listener, ok := o.subscribers[sid]; ok {
			listener(agentID, status, errMessage)
		}
	}
	o.subMu.Unlock()
}

// onTaskResult records the result, tracks activity, and routes chat
// results back to their channel
func (o *Orchestrator) onTaskResult(result *v1.TaskResult) {
	o.history.Record(result)

	now := result.FinishedAt
	o.mu.Lock()
	o.lastActive[result.AgentID] = &now
	handle := o.channels[result.AgentID]
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subject := events.TaskCompleted
	if !result.Success {
		subject = events.TaskFailed
	}
	o.publish(ctx, subject, map[string]interface{}{
		"agent_id":   result.AgentID,
		"task_id":    result.TaskID,
		"success":    result.Success,
		"error_kind": result.ErrorKind,
		"attempts":   result.Attempts,
	})

	if result.ChatID != "" && handle != nil {
		handle.channel.DeliverResult(result)
	}
}

func (o *Orchestrator) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if o.eventBus == nil {
		return
	}
	event := bus.NewEvent(subject, "orchestrator", data)
	if err := o.eventBus.Publish(ctx, subject, event); err != nil {
		o.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
