package reader

import (
	"context"

	"github.com/Trendyol/go-scylla-cdc/generation"
	"github.com/Trendyol/go-scylla-cdc/message"
)

// Consumer receives the ordered mutations of exactly one stream. Consume is
// never called concurrently on one instance; the reader waits for it to
// return before handing over the next entry, which is the backpressure
// mechanism. Returning an error is fatal for the stream.
//
// Delivery is at-least-once: after a restart, entries past the last persisted
// checkpoint are delivered again, so implementations must be idempotent.
type Consumer interface {
	Consume(ctx context.Context, entry *message.LogEntry) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, entry *message.LogEntry) error

func (f ConsumerFunc) Consume(ctx context.Context, entry *message.LogEntry) error {
	return f(ctx, entry)
}

// ConsumerFactory creates one Consumer per stream at stream-task startup.
// Instances are never shared across streams, so implementations need no
// cross-stream synchronization.
type ConsumerFactory interface {
	NewConsumer(ctx context.Context, stream generation.Stream) (Consumer, error)
}
