// Package broadcast fans out classified trades to WebSocket subscribers and
// an optional durable Kafka replay log. Each subscriber gets its own
// bounded outbox; a full outbox drops the message rather than blocking the
// hub, matching the teacher's full-channel-drops-with-a-log pattern from
// processor/sorter.go's flushBuffer.
package broadcast

import (
	"sync"

	"github.com/google/uuid"

	"optionsflow/internal/metrics"
	"optionsflow/internal/model"
	"optionsflow/logger"
)

// Subscriber is a single outbound connection's delivery queue.
type Subscriber struct {
	ID     string
	outbox chan model.ClassifiedTrade
}

// Hub owns the subscriber set and fans every Publish call out to each
// subscriber's outbox without blocking.
type Hub struct {
	log *logger.Entry

	outboxSize int

	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	replay ReplayWriter
}

// ReplayWriter durably records every published trade, independent of
// whether any WebSocket subscriber is currently connected. Satisfied by
// *KafkaReplay; nil disables replay.
type ReplayWriter interface {
	Write(trade model.ClassifiedTrade)
}

// New builds a Hub with the given per-subscriber outbox capacity.
func New(outboxSize int, replay ReplayWriter) *Hub {
	if outboxSize <= 0 {
		outboxSize = 256
	}
	return &Hub{
		log:         logger.GetLogger().WithComponent("broadcast_hub"),
		outboxSize:  outboxSize,
		subscribers: make(map[string]*Subscriber),
		replay:      replay,
	}
}

// Subscribe registers a new subscriber and returns it. Callers drain
// Subscriber.Outbox() until Unsubscribe is called.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:     uuid.New().String(),
		outbox: make(chan model.ClassifiedTrade, h.outboxSize),
	}
	h.mu.Lock()
	h.subscribers[sub.ID] = sub
	h.mu.Unlock()

	h.log.WithFields(logger.Fields{"subscriber_id": sub.ID}).Info("subscriber connected")
	return sub
}

// Unsubscribe removes sub from the hub and closes its outbox.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub.ID)
	h.mu.Unlock()
	close(sub.outbox)

	h.log.WithFields(logger.Fields{"subscriber_id": sub.ID}).Info("subscriber disconnected")
}

// Outbox returns the channel a subscriber's transport adapter should drain.
func (s *Subscriber) Outbox() <-chan model.ClassifiedTrade {
	return s.outbox
}

// Publish fans trade out to every current subscriber's outbox, non-blocking,
// and to the replay writer if configured. At-most-once delivery: a
// subscriber whose outbox is full simply misses this trade.
func (h *Hub) Publish(trade model.ClassifiedTrade) {
	if h.replay != nil {
		h.replay.Write(trade)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		select {
		case sub.outbox <- trade:
		default:
			metrics.EmitDropMetric(logger.GetLogger(), metrics.DropMetricBroadcastOutbox, trade.ContractSymbol, "broadcast_outbox")
			h.log.WithFields(logger.Fields{
				"subscriber_id":   sub.ID,
				"contract_symbol": trade.ContractSymbol,
			}).Warn("subscriber outbox full, dropping message")
		}
	}
}

// SubscriberCount reports the current number of connected subscribers, for
// the health endpoint.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
