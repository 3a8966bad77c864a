package channel

import (
	"context"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/browserdeck/browserdeck/internal/agent/auth"
	"github.com/browserdeck/browserdeck/internal/agent/store"
	apperrors "github.com/browserdeck/browserdeck/internal/common/errors"
	"github.com/browserdeck/browserdeck/internal/common/logger"
	v1 "github.com/browserdeck/browserdeck/pkg/api/v1"
)

// MockBot implements botClient for testing
type MockBot struct {
	GetUpdatesChanFn func(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	SendFn           func(c tgbotapi.Chattable) (tgbotapi.Message, error)

	sent    []tgbotapi.Chattable
	stopped bool
}

func (m *MockBot) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	if m.GetUpdatesChanFn != nil {
		return m.GetUpdatesChanFn(config)
	}
	ch := make(chan tgbotapi.Update)
	close(ch)
	return ch
}

func (m *MockBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.sent = append(m.sent, c)
	if m.SendFn != nil {
		return m.SendFn(c)
	}
	return tgbotapi.Message{}, nil
}

func (m *MockBot) StopReceivingUpdates() {
	m.stopped = true
}

func (m *MockBot) sentTexts() []string {
	var texts []string
	for _, c := range m.sent {
		switch v := c.(type) {
		case tgbotapi.MessageConfig:
			texts = append(texts, v.Text)
		case tgbotapi.PhotoConfig:
			texts = append(texts, v.Caption)
		}
	}
	return texts
}

func setupChannel(t *testing.T, autoAuthorize bool, submit SubmitFunc) (*TelegramChannel, *MockBot, *auth.Ledger, store.Store) {
	t.Helper()

	s := store.NewMemoryStore()
	cfg := &v1.AgentConfig{
		ID:        "agent-1",
		Name:      "Test Agent",
		ProfileID: "profile-1",
		ControlChannel: &v1.ControlChannelConfig{
			BotToken:      "token",
			AutoAuthorize: autoAuthorize,
		},
	}
	cfg.ApplyDefaults()
	if err := s.Create(context.Background(), cfg); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}

	led := auth.NewLedger(s, time.Minute, logger.NewNop())
	if submit == nil {
		submit = func(chatID, input string) error { return nil }
	}
	bot := &MockBot{}
	ch := newTelegramChannel("agent-1", "test_bot", bot, led, submit, logger.NewNop())
	return ch, bot, led, s
}

func textMessage(chatID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: chatID},
		Text: text,
	}
}

func commandMessage(chatID int64, text string) *tgbotapi.Message {
	msg := textMessage(chatID, text)
	// Telegram marks the leading command as a bot_command entity
	end := len(text)
	if idx := strings.IndexByte(text, ' '); idx > 0 {
		end = idx
	}
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: end}}
	return msg
}

func TestUnauthorizedMessageDropped(t *testing.T) {
	submitted := 0
	ch, bot, _, _ := setupChannel(t, false, func(chatID, input string) error {
		submitted++
		return nil
	})

	ch.handleMessage(context.Background(), textMessage(100, "open example.com"))

	if submitted != 0 {
		t.Error("expected no task submission from unauthorized chat")
	}
	texts := bot.sentTexts()
	if len(texts) != 1 {
		t.Fatalf("expected one notice, got %d", len(texts))
	}
}

func TestCodeRedemptionAuthorizes(t *testing.T) {
	submitted := make([]string, 0)
	ch, bot, led, _ := setupChannel(t, false, func(chatID, input string) error {
		submitted = append(submitted, input)
		return nil
	})

	code, err := led.GenerateCode(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("failed to generate code: %v", err)
	}

	ch.handleMessage(context.Background(), commandMessage(100, "/start "+code.Code))

	ok, err := led.IsAuthorized(context.Background(), "agent-1", "100")
	if err != nil {
		t.Fatalf("authorization check failed: %v", err)
	}
	if !ok {
		t.Fatal("expected chat to be authorized after redemption")
	}

	ch.handleMessage(context.Background(), textMessage(100, "open example.com"))
	if len(submitted) != 1 || submitted[0] != "open example.com" {
		t.Errorf("expected task submission, got %v", submitted)
	}

	if len(bot.sentTexts()) == 0 {
		t.Error("expected a confirmation reply")
	}
}

func TestInvalidCodeRejected(t *testing.T) {
	ch, bot, _, _ := setupChannel(t, false, nil)

	ch.handleMessage(context.Background(), commandMessage(100, "/start WRONGCODE"))

	texts := bot.sentTexts()
	if len(texts) != 1 {
		t.Fatalf("expected one reply, got %d", len(texts))
	}
	if texts[0] != "That code is invalid or has expired." {
		t.Errorf("unexpected reply: %s", texts[0])
	}
}

func TestAutoAuthorizeTrustsFirstChat(t *testing.T) {
	submitted := 0
	ch, _, led, _ := setupChannel(t, true, func(chatID, input string) error {
		submitted++
		return nil
	})

	ch.handleMessage(context.Background(), textMessage(100, "first task"))
	if submitted != 1 {
		t.Fatal("expected first chat to be trusted and task submitted")
	}

	// A second, different chat is not auto-trusted
	ch.handleMessage(context.Background(), textMessage(200, "second task"))
	if submitted != 1 {
		t.Error("expected second chat to be rejected")
	}

	ok, _ := led.IsAuthorized(context.Background(), "agent-1", "100")
	if !ok {
		t.Error("expected first chat to remain authorized")
	}
}

func TestQueueFullBackpressureReply(t *testing.T) {
	ch, bot, led, _ := setupChannel(t, false, func(chatID, input string) error {
		return apperrors.QueueFull("agent-1")
	})

	code, err := led.GenerateCode(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("failed to generate code: %v", err)
	}
	if _, err := led.Redeem(context.Background(), code.Code, "100"); err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	bot.sent = nil

	ch.handleMessage(context.Background(), textMessage(100, "open example.com"))

	texts := bot.sentTexts()
	if len(texts) != 1 {
		t.Fatalf("expected one backpressure reply, got %d", len(texts))
	}
	if texts[0] != "I have too many tasks queued right now. Please try again in a moment." {
		t.Errorf("unexpected reply: %s", texts[0])
	}
}

func TestDeliverResultText(t *testing.T) {
	ch, bot, _, _ := setupChannel(t, false, nil)

	ch.DeliverResult(&v1.TaskResult{
		TaskID:  "task-1",
		AgentID: "agent-1",
		ChatID:  "100",
		Success: true,
		Output:  "page title: Example",
	})

	if len(bot.sent) != 1 {
		t.Fatalf("expected one delivery, got %d", len(bot.sent))
	}
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("expected a text message, got %T", bot.sent[0])
	}
	if msg.Text != "page title: Example" {
		t.Errorf("unexpected text: %s", msg.Text)
	}
	if msg.ChatID != 100 {
		t.Errorf("unexpected chat id: %d", msg.ChatID)
	}
}

func TestDeliverResultWithScreenshot(t *testing.T) {
	ch, bot, _, _ := setupChannel(t, false, nil)

	ch.DeliverResult(&v1.TaskResult{
		TaskID:       "task-1",
		AgentID:      "agent-1",
		ChatID:       "100",
		Success:      false,
		ErrorKind:    "failed",
		ErrorMessage: "element not found",
		Screenshot:   []byte("png-bytes"),
	})

	if len(bot.sent) != 1 {
		t.Fatalf("expected one delivery, got %d", len(bot.sent))
	}
	photo, ok := bot.sent[0].(tgbotapi.PhotoConfig)
	if !ok {
		t.Fatalf("expected a photo, got %T", bot.sent[0])
	}
	if photo.Caption != "Task failed (failed): element not found" {
		t.Errorf("unexpected caption: %s", photo.Caption)
	}
}

func TestDeliverFailureNamesErrorKind(t *testing.T) {
	ch, bot, _, _ := setupChannel(t, false, nil)

	ch.DeliverResult(&v1.TaskResult{
		TaskID:       "task-1",
		AgentID:      "agent-1",
		ChatID:       "100",
		Success:      false,
		ErrorKind:    "timeout",
		ErrorMessage: "task timed out after 120000ms",
	})

	texts := bot.sentTexts()
	if len(texts) != 1 {
		t.Fatalf("expected one delivery, got %d", len(texts))
	}
	if texts[0] != "Task failed (timeout): task timed out after 120000ms" {
		t.Errorf("unexpected failure text: %s", texts[0])
	}
}

func TestRunStopsOnClose(t *testing.T) {
	updates := make(chan tgbotapi.Update)
	bot := &MockBot{
		GetUpdatesChanFn: func(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
			return updates
		},
	}

	s := store.NewMemoryStore()
	led := auth.NewLedger(s, time.Minute, logger.NewNop())
	ch := newTelegramChannel("agent-1", "test_bot", bot, led, func(string, string) error { return nil }, logger.NewNop())

	done := make(chan struct{})
	go func() {
		ch.Run(context.Background())
		close(done)
	}()

	ch.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	if !bot.stopped {
		t.Error("expected StopReceivingUpdates to be called")
	}
}
