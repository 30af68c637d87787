// Package notifier turns change events into pushes.
//
// For every changed subject it resolves the subscribed recipients, computes
// the delta each of them should see, batches recipients that share a delta
// and hands each batch to the push provider. Tokens the provider reports as
// permanently invalid are deregistered in the background.
//
// The provider connection is opened lazily on the first send and closed once
// no send has been in flight for IdleClose.
package notifier

import (
	"context"
	"time"

	"subwatch/internal/recipients"
	"subwatch/internal/schedule"
)

type Config struct {
	IdleClose         time.Duration
	Expiry            time.Duration
	Category          string
	SendTimeout       time.Duration
	HousekeepingQueue int
}

func (c Config) withDefaults() Config {
	if c.IdleClose <= 0 {
		c.IdleClose = 10 * time.Second
	}
	if c.Expiry <= 0 {
		c.Expiry = 24 * time.Hour
	}
	if c.Category == "" {
		c.Category = "schedule"
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.HousekeepingQueue <= 0 {
		c.HousekeepingQueue = 256
	}
	return c
}

// RecipientStore is the part of the recipient registry the dispatcher needs.
type RecipientStore interface {
	FindBySubject(ctx context.Context, subject string) ([]recipients.Recipient, error)
	Destroy(ctx context.Context, rec recipients.Recipient) error
}

// Differ computes a subject's delta; *diff.Engine implements it.
type Differ interface {
	Delta(subject string, newS, oldS schedule.Schedule, filter []string) ([]schedule.DeltaItem, error)
}

// HistoryItem records one attempted batch, newest last.
type HistoryItem struct {
	At      time.Time
	Subject string
	Items   int
	Sent    int
	Failed  int
	Err     string
}
