// Package auth manages the remote-authorization handshake for agents that
// expose a control channel: short-lived single-use codes and the resulting
// set of authorized chat identities.
package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/browserdeck/browserdeck/internal/agent/store"
	"github.com/browserdeck/browserdeck/internal/common/errors"
	"github.com/browserdeck/browserdeck/internal/common/logger"
	v1 "github.com/browserdeck/browserdeck/pkg/api/v1"
)

// DefaultCodeTTL is the validity window of a generated code
const DefaultCodeTTL = 10 * time.Minute

// codeLength and codeAlphabet define the generated code shape; the alphabet
// drops characters easy to misread over chat (0/O, 1/I)
const codeLength = 8

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Ledger manages authorization codes and authorized chat identities. All
// mutations for a single agent are serialized through a per-agent lock, so a
// concurrent redemption and config update cannot lose writes.
type Ledger struct {
	store   store.Store
	codeTTL time.Duration
	logger  *logger.Logger

	locks map[string]*sync.Mutex
	mu    sync.Mutex

	now func() time.Time // test seam
}

// NewLedger creates a ledger backed by the given store. A zero ttl means
// DefaultCodeTTL.
func NewLedger(s store.Store, ttl time.Duration, log *logger.Logger) *Ledger {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	return &Ledger{
		store:   s,
		codeTTL: ttl,
		logger:  log.WithFields(zap.String("component", "auth-ledger")),
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// agentLock returns the mutex serializing mutations for one agent
func (l *Ledger) agentLock(agentID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[agentID] = lock
	}
	return lock
}

// GenerateCode issues a fresh code for the agent, invalidating any unconsumed
// code previously issued. Exactly one unconsumed code exists per agent at a
// time, so a user who regenerates cannot be surprised by a stale code being
// redeemed later. Fails with NotFound if the agent has no control channel.
func (l *Ledger) GenerateCode(ctx context.Context, agentID string) (*v1.AuthorizationCode, error) {
	lock := l.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	config, err := l.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if config.ControlChannel == nil {
		return nil, errors.NotFound("control channel for agent", agentID)
	}

	value, err := randomCode()
	if err != nil {
		return nil, errors.InternalError("failed to generate authorization code", err)
	}

	now := l.now().UTC()
	code := &v1.AuthorizationCode{
		Code:      value,
		AgentID:   agentID,
		IssuedAt:  now,
		ExpiresAt: now.Add(l.codeTTL),
	}

	// SaveAuthCode replaces the previous row for this agent, which is what
	// invalidates any earlier unconsumed code
	if err := l.store.SaveAuthCode(ctx, agentID, code); err != nil {
		return nil, err
	}

	l.logger.Info("issued authorization code",
		zap.String("agent_id", agentID),
		zap.Time("expires_at", code.ExpiresAt))

	return code, nil
}

// Redeem consumes a code on behalf of a chat identity, adding that identity
// to the agent's authorized set. Returns the agent id the code was bound to.
// Fails with InvalidCode if the code is unknown or already consumed, and
// CodeExpired if it is past its expiry.
func (l *Ledger) Redeem(ctx context.Context, codeValue string, chatID string) (string, error) {
	code, err := l.store.FindAuthCode(ctx, codeValue)
	if err != nil {
		return "", err
	}

	lock := l.agentLock(code.AgentID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: a concurrent GenerateCode may have replaced it
	current, err := l.store.GetAuthCode(ctx, code.AgentID)
	if err != nil || current.Code != codeValue {
		return "", errors.InvalidCode()
	}
	if current.Consumed {
		return "", errors.InvalidCode()
	}
	if l.now().After(current.ExpiresAt) {
		return "", errors.CodeExpired()
	}

	if err := l.store.ConsumeAuthCode(ctx, code.AgentID); err != nil {
		return "", err
	}
	if err := l.store.AddAuthorizedChatID(ctx, code.AgentID, chatID); err != nil {
		return "", err
	}

	l.logger.Info("authorization code redeemed",
		zap.String("agent_id", code.AgentID),
		zap.String("chat_id", chatID))

	return code.AgentID, nil
}

// IsAuthorized reports whether a chat identity may use the agent's control
// channel: either it is in the authorized set (configured allow-list or a
// prior redemption), or the agent runs in auto-authorize mode, in which case
// the identity is added on first contact. Auto-authorize is trust-on-first-use
// and must stay opt-in per agent.
func (l *Ledger) IsAuthorized(ctx context.Context, agentID string, chatID string) (bool, error) {
	config, err := l.store.Get(ctx, agentID)
	if err != nil {
		return false, err
	}
	if config.ControlChannel == nil {
		return false, nil
	}

	for _, allowed := range config.ControlChannel.AllowedChatIDs {
		if allowed == chatID {
			return true, nil
		}
	}

	authorized, err := l.store.ListAuthorizedChatIDs(ctx, agentID)
	if err != nil {
		return false, err
	}
	for _, a := range authorized {
		if a == chatID {
			return true, nil
		}
	}

	if config.ControlChannel.AutoAuthorize {
		lock := l.agentLock(agentID)
		lock.Lock()
		defer lock.Unlock()
		if err := l.store.AddAuthorizedChatID(ctx, agentID, chatID); err != nil {
			return false, err
		}
		l.logger.Info("auto-authorized chat identity",
			zap.String("agent_id", agentID),
			zap.String("chat_id", chatID))
		return true, nil
	}

	return false, nil
}

// ListAuthorized returns every chat identity currently allowed to use the
// agent's control channel, for display and audit
func (l *Ledger) ListAuthorized(ctx context.Context, agentID string) ([]string, error) {
	config, err := l.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var result []string

	if config.ControlChannel != nil {
		for _, chatID := range config.ControlChannel.AllowedChatIDs {
			if !seen[chatID] {
				seen[chatID] = true
				result = append(result, chatID)
			}
		}
	}

	authorized, err := l.store.ListAuthorizedChatIDs(ctx, agentID)
	if err != nil {
		return nil, err
	}
	for _, chatID := range authorized {
		if !seen[chatID] {
			seen[chatID] = true
			result = append(result, chatID)
		}
	}

	if result == nil {
		result = []string{}
	}
	return result, nil
}

// randomCode generates a short code from the unambiguous alphabet
func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
