package workqueue

import (
	"context"
	"errors"
	"time"
)

// ErrReceiptExpired is returned when a receipt no longer identifies the
// current delivery of a message.
var ErrReceiptExpired = errors.New("receipt expired")

// Message asks a worker to run one stage of one job. NotBefore is the
// earliest delivery time; on a Delivery it holds the time the message first
// became visible, whatever the enqueue delay was.
type Message struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Stage      string    `json:"stage"`
	Attempt    int       `json:"attempt"`
	NotBefore  time.Time `json:"not_before"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery is one hand-out of a message to a worker.
type Delivery struct {
	Message
	Receipt    string `json:"receipt"`
	Deliveries int    `json:"deliveries"`
}

// DeadLetter is a message that will not be retried.
type DeadLetter struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"message_id"`
	JobID      string    `json:"job_id"`
	Stage      string    `json:"stage"`
	Attempt    int       `json:"attempt"`
	Deliveries int       `json:"deliveries"`
	Reason     string    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Stats summarizes queue depth.
type Stats struct {
	Ready       int `json:"ready"`
	Invisible   int `json:"invisible"`
	DeadLetters int `json:"dead_letters"`
}

// Queue is the durable trigger channel between stages.
type Queue interface {
	// Enqueue stores msg and makes it visible after delay.
	Enqueue(ctx context.Context, msg Message, delay time.Duration) (string, error)
	// Dequeue hands out up to limit visible messages, hiding each for visibility.
	Dequeue(ctx context.Context, limit int, visibility time.Duration) ([]Delivery, error)
	// Acknowledge removes the delivered message permanently.
	Acknowledge(ctx context.Context, receipt string) error
	// DeadLetter moves the delivered message to the dead-letter channel.
	DeadLetter(ctx context.Context, delivery Delivery, reason string) error
	// DeadLetters lists dead letters, newest first.
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	// PurgeDeadLetters removes every dead letter.
	PurgeDeadLetters(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
