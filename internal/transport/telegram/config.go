// Package telegram implements the push provider, the registration messenger
// and the ops log sink on top of telebot.
package telegram

import "time"

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec bounds outgoing messages across all connections.
	RatePerSec  int
	HTTPTimeout time.Duration
	OpsChatID   int64
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	return c
}
