// Package notifier delivers operator notifications about scheduler
// activity over Telegram. Delivery is asynchronous: a bounded queue in
// front of a small worker pool, rate limited so a burst of stream
// events never trips the Telegram API limits.
package notifier

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Config controls the notification pipeline.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - rate_per_sec: 3
type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	Workers    int
	QueueSize  int
	RatePerSec int
	// PollTimeout for the bot long poll. 0 means 10s.
	PollTimeout time.Duration
}

// Sender delivers a single message. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }
