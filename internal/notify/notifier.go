// Package notify delivers human-readable events to the operator's
// channels: Discord, Telegram and Slack webhooks, plus the local
// Android notification shade via termux-notification.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/reconx/resilientd/internal/domain"
	"github.com/reconx/resilientd/internal/store"
)

// Channel is one delivery mechanism. Implementations return an error
// for logging only; delivery failures never propagate to the caller.
type Channel interface {
	Name() string
	Send(ctx context.Context, event domain.Event) error
}

// MultiNotifier fans an event out to every configured channel.
type MultiNotifier struct {
	channels []Channel
	logger   *zap.Logger
}

// NewMultiNotifier creates a notifier over the given channels.
func NewMultiNotifier(channels []Channel, logger *zap.Logger) *MultiNotifier {
	return &MultiNotifier{channels: channels, logger: logger}
}

// FromSecrets builds the channel set from stored credentials. Channels
// without credentials are skipped; no credentials at all yields a
// notifier that only writes to the local Termux sink.
func FromSecrets(secrets domain.SecretStore, logger *zap.Logger) *MultiNotifier {
	var channels []Channel

	all, err := secrets.GetAllSecrets()
	if err != nil {
		logger.Warn("cannot read notification credentials", zap.Error(err))
		all = map[string]string{}
	}

	if webhook := all[store.SecretDiscordWebhook]; webhook != "" {
		channels = append(channels, NewDiscordChannel(webhook))
	}
	if token, chatID := all[store.SecretTelegramBotToken], all[store.SecretTelegramChatID]; token != "" && chatID != "" {
		channels = append(channels, NewTelegramChannel(token, chatID))
	}
	if webhook := all[store.SecretSlackWebhook]; webhook != "" {
		channels = append(channels, NewSlackChannel(webhook))
	}
	channels = append(channels, NewTermuxChannel())

	return NewMultiNotifier(channels, logger)
}

// Notify delivers the event to every channel, logging failures.
func (n *MultiNotifier) Notify(ctx context.Context, event domain.Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	for _, ch := range n.channels {
		if err := ch.Send(ctx, event); err != nil {
			n.logger.Warn("notification delivery failed",
				zap.String("channel", ch.Name()),
				zap.String("title", event.Title),
				zap.Error(err))
		}
	}
}

// Ensure MultiNotifier implements domain.Notifier.
var _ domain.Notifier = (*MultiNotifier)(nil)
