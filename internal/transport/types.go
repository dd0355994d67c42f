// Package transport defines the chat-platform boundary: the updates a
// platform feeds in and the Adapter surface the bot, notifier and
// broadcaster send through. Everything above this package works in
// these types; only the adapter under telegram/ knows the wire API.
package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is one inbound event. Exactly one of Message and Callback is
// set, per Kind.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread, 0 outside forums
	FromID       int64
	FromUsername string
	FromName     string
	FromLang     string
	FromPremium  bool
	Text         string
	IsGroup      bool
}

// Callback is a pressed inline button.
type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

// ChatTarget addresses a chat, and within forums a topic thread.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef points at a sent message so it can be edited later.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // platform markup, *telebot.ReplyMarkup for Telegram
}

// Notification is one alert handed to the notifier: a price drop, a
// digest, an operator notice. Key, when set, dedups by meaning rather
// than by exact text.
type Notification struct {
	Channel  string // "telegram"
	Priority int    // 0 low to 10 high; 7+ gets a warning prefix
	Target   ChatTarget
	Key      string
	Text     string
	Options  *SendOptions
}

// Adapter is the outbound side of a chat platform.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand is one entry in the platform's command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can push the
// command list to the platform (Telegram's setMyCommands).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
