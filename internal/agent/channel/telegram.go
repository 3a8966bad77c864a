// Package channel attaches chat control channels to agents. The Telegram
// adapter long-polls the Bot API and turns authorized messages into tasks.
package channel

import (
	"context"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/browserdeck/browserdeck/internal/agent/auth"
	apperrors "github.com/browserdeck/browserdeck/internal/common/errors"
	"github.com/browserdeck/browserdeck/internal/common/logger"
	v1 "github.com/browserdeck/browserdeck/pkg/api/v1"
)

// SubmitFunc hands an inbound chat message to the agent as a task
type SubmitFunc func(chatID string, input string) error

// botClient is the slice of the Telegram Bot API the channel uses.
// *tgbotapi.BotAPI satisfies it; tests substitute a mock.
type botClient interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	StopReceivingUpdates()
}

// TelegramChannel binds one bot token to one agent. Messages from
// unauthorized chats are dropped after a short notice; authorized
// messages become tasks and their results flow back as replies.
type TelegramChannel struct {
	agentID  string
	identity string
	bot      botClient
	ledger   *auth.Ledger
	submit   SubmitFunc
	logger   *logger.Logger
	done     chan struct{}
}

// Dial connects to the Telegram Bot API and returns an attached channel.
// Failures here are reported as channel attach errors; the caller decides
// whether the agent keeps running without its channel.
func Dial(agentID string, cfg v1.ControlChannelConfig, led *auth.Ledger, submit SubmitFunc, log *logger.Logger) (*TelegramChannel, error) {
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, apperrors.ChannelAttachError(err)
	}
	return newTelegramChannel(agentID, api.Self.UserName, api, led, submit, log), nil
}

func newTelegramChannel(agentID, identity string, bot botClient, led *auth.Ledger, submit SubmitFunc, log *logger.Logger) *TelegramChannel {
	return &TelegramChannel{
		agentID:  agentID,
		identity: identity,
		bot:      bot,
		ledger:   led,
		submit:   submit,
		logger: log.WithFields(
			zap.String("component", "telegram-channel"),
			zap.String("agent_id", agentID)),
		done: make(chan struct{}),
	}
}

// Identity returns the bot username this channel is attached as
func (c *TelegramChannel) Identity() string {
	return c.identity
}

// Run consumes updates until the context is cancelled or Close is called
func (c *TelegramChannel) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := c.bot.GetUpdatesChan(u)

	c.logger.Info("control channel attached", zap.String("identity", c.identity))

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			c.handleMessage(ctx, update.Message)
		}
	}
}

// Close stops the update stream. Safe to call more than once from the
// owning goroutine.
func (c *TelegramChannel) Close() {
	select {
	case <-c.done:
		return
	default:
	}
	close(c.done)
	c.bot.StopReceivingUpdates()
}

func (c *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	if msg.IsCommand() {
		c.handleCommand(ctx, msg, chatID)
		return
	}

	authorized, err := c.ledger.IsAuthorized(ctx, c.agentID, chatID)
	if err != nil {
		c.logger.Error("authorization check failed", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	if !authorized {
		c.reply(msg.Chat.ID, "This chat is not authorized. Send /start <code> with an authorization code.")
		return
	}

	if err := c.submit(chatID, msg.Text); err != nil {
		if apperrors.Code(err) == apperrors.ErrCodeQueueFull {
			c.reply(msg.Chat.ID, "I have too many tasks queued right now. Please try again in a moment.")
			return
		}
		c.logger.Warn("failed to submit task from chat", zap.String("chat_id", chatID), zap.Error(err))
		c.reply(msg.Chat.ID, "I could not accept that task: "+err.Error())
	}
}

func (c *TelegramChannel) handleCommand(ctx context.Context, msg *tgbotapi.Message, chatID string) {
	switch msg.Command() {
	case "start", "auth":
		code := strings.TrimSpace(msg.CommandArguments())
		if code == "" {
			c.reply(msg.Chat.ID, "Send /start <code> with the authorization code for this agent.")
			return
		}
		if _, err := c.ledger.Redeem(ctx, code, chatID); err != nil {
			if apperrors.IsInvalidCode(err) {
				c.reply(msg.Chat.ID, "That code is invalid or has expired.")
			} else {
				c.logger.Error("code redemption failed", zap.String("chat_id", chatID), zap.Error(err))
				c.reply(msg.Chat.ID, "Something went wrong redeeming that code.")
			}
			return
		}
		c.logger.Info("chat authorized via code", zap.String("chat_id", chatID))
		c.reply(msg.Chat.ID, "You are authorized. Send me a task to get started.")

	default:
		c.reply(msg.Chat.ID, "Unknown command.")
	}
}

// DeliverResult sends a finished task result back to its chat, attaching
// the screenshot when one was captured
func (c *TelegramChannel) DeliverResult(result *v1.TaskResult) {
	chatID, err := strconv.ParseInt(result.ChatID, 10, 64)
	if err != nil {
		c.logger.Warn("result has a non-telegram chat id", zap.String("chat_id", result.ChatID))
		return
	}

	text := result.Output
	if !result.Success {
		text = "Task failed"
		if result.ErrorKind != "" {
			text += " (" + result.ErrorKind + ")"
		}
		text += ": " + result.ErrorMessage
	}
	if text == "" {
		text = "Done."
	}

	if len(result.Screenshot) > 0 {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{
			Name:  "screenshot.png",
			Bytes: result.Screenshot,
		})
		photo.Caption = text
		if _, err := c.bot.Send(photo); err != nil {
			c.logger.Warn("failed to deliver result photo", zap.String("chat_id", result.ChatID), zap.Error(err))
		}
		return
	}

	if _, err := c.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		c.logger.Warn("failed to deliver result", zap.String("chat_id", result.ChatID), zap.Error(err))
	}
}

func (c *TelegramChannel) reply(chatID int64, text string) {
	if _, err := c.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		c.logger.Warn("failed to send reply", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
