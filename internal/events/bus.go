// Package events carries lifecycle notifications from the job service to
// subscribers (the WebSocket hub, dashboards). Delivery is lossy by
// contract: publishers never block, and a slow subscriber costs events,
// not throughput.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

// Topic is the single topic all job lifecycle events are published on.
const Topic = "jobs"

const (
	TypeJobNew       = "job.new"
	TypeJobClaimed   = "job.claimed"
	TypeJobCompleted = "job.completed"
	TypeJobPaid      = "job.paid"
)

// Event is the wire shape of one lifecycle notification.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the fire-and-forget interface the job service depends on.
type Publisher interface {
	Publish(evt Event)
}

const queueSize = 64

// Bus fronts a watermill gochannel Pub/Sub with a bounded queue. Publish
// enqueues without blocking, dropping the oldest pending event when full;
// a background goroutine drains the queue into watermill.
type Bus struct {
	pubsub *gochannel.GoChannel
	queue  chan Event
	done   chan struct{}
}

// NewBus creates the bus and starts its drain goroutine.
func NewBus() *Bus {
	b := &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: queueSize,
		}, watermill.NopLogger{}),
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
	go b.drain()
	return b
}

// Publish enqueues evt. Never blocks; when the queue is full the oldest
// pending event is discarded.
func (b *Bus) Publish(evt Event) {
	for {
		select {
		case b.queue <- evt:
			return
		default:
		}
		select {
		case dropped := <-b.queue:
			slog.Warn("event bus full, dropping oldest event", "type", dropped.Type)
		default:
		}
	}
}

// Subscribe returns a channel of raw event payloads for topic consumers.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, Topic)
}

// Close stops the drain goroutine and the underlying pub/sub.
func (b *Bus) Close() error {
	close(b.done)
	return b.pubsub.Close()
}

func (b *Bus) drain() {
	for {
		select {
		case <-b.done:
			return
		case evt := <-b.queue:
			payload, err := json.Marshal(evt)
			if err != nil {
				slog.Error("marshal event", "type", evt.Type, "error", err)
				continue
			}
			msg := message.NewMessage(uuid.NewString(), payload)
			if err := b.pubsub.Publish(Topic, msg); err != nil {
				slog.Warn("publish event", "type", evt.Type, "error", err)
			}
		}
	}
}
