// Package broker is an in-process task broker: named FIFO queues consumed by
// named workers. Every worker is a single goroutine and a queue never has more
// than one message in flight, so tasks routed to the same queue run strictly
// one after another.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrUnavailable is returned once the broker has been closed.
	ErrUnavailable = errors.New("broker: unavailable")
	// ErrUnknownWorker is returned when addressing a worker that does not exist.
	ErrUnknownWorker = errors.New("broker: unknown worker")
	// ErrRevoked is delivered to callers waiting on a message that was
	// terminated before it ran.
	ErrRevoked = errors.New("broker: message revoked")
)

// Message is one unit of work routed to a queue.
type Message struct {
	// ID identifies the task; Terminate addresses messages by it.
	ID            string          `json:"id"`
	Task          string          `json:"task"`
	Args          json.RawMessage `json:"args,omitempty"`
	Queue         string          `json:"queue"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	// DeliveryID and EnqueuedAt are assigned by the broker.
	DeliveryID string    `json:"delivery_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handle identifies an enqueued message.
type Handle struct {
	TaskID     string
	Queue      string
	DeliveryID string
}

// Broker is the queueing surface the task layer runs on.
type Broker interface {
	// Enqueue appends msg to its queue and returns without waiting.
	Enqueue(ctx context.Context, msg Message) (Handle, error)
	// Call enqueues msg and blocks until it has executed, returning its result.
	Call(ctx context.Context, msg Message) (json.RawMessage, error)
	// ActiveQueues maps every live worker to the queues it consumes.
	ActiveQueues(ctx context.Context) (map[string][]string, error)
	// AddConsumer binds worker to queue.
	AddConsumer(ctx context.Context, queue, worker string) error
	// Terminate drops a pending message or cancels a running one.
	Terminate(ctx context.Context, taskID string) error
}

// Executor runs delivered messages.
type Executor interface {
	Execute(ctx context.Context, msg Message) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, msg Message) (json.RawMessage, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, msg Message) (json.RawMessage, error) {
	return f(ctx, msg)
}
