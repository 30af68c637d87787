// Package transport defines the push provider contract used by the
// dispatcher and the inbound message types used by registration.
package transport

import (
	"context"
	"time"
)

// Notification is one push message. Payload travels as JSON where the
// provider supports structured data.
type Notification struct {
	ExpiresAt time.Time
	Category  string
	Body      string
	Payload   any
}

// Expired reports whether n must not be delivered anymore.
func (n Notification) Expired(now time.Time) bool {
	return !n.ExpiresAt.IsZero() && now.After(n.ExpiresAt)
}

// Failure is the per-recipient outcome of a send that did not go through.
// Permanent means the token will never work again.
type Failure struct {
	Token     string
	Reason    string
	Permanent bool
}

type SendResult struct {
	Sent   []string
	Failed []Failure
}

// Provider opens outbound connections.
type Provider interface {
	Open(ctx context.Context) (Conn, error)
}

// Conn is an open provider connection. Send returns an error only when the
// batch as a whole could not be attempted.
type Conn interface {
	Send(ctx context.Context, n Notification, tokens []string) (SendResult, error)
	Close() error
}

// Message is an inbound chat message.
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// BotCommand is a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// Messenger receives chat messages and replies to them.
type Messenger interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error
	Reply(ctx context.Context, chatID int64, text string) error
}

// CommandMenuUpdater is implemented by messengers with a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
