package transport

import "context"

// Update is a platform-neutral inbound message.
type Update struct {
	MessageID    int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

// ChatTarget addresses an outbound message.
type ChatTarget struct {
	ChatID int64
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the chat-platform transport the bot talks through.
//
// Send returns an error only for delivery failures (recipient blocked the
// bot, chat gone, platform rejects). Callers decide whether a failure is
// retried; the adapter itself never retries.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	Send(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}
