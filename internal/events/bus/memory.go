package bus

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentproxy/internal/common/logger"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// MemoryEventBus implements EventBus in-process. Each subscriber owns a
// mailbox drained by one goroutine.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	queues        map[string]*queueGroup // keyed by queue:subject
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

// queueGroup manages load balancing for queue subscriptions
type queueGroup struct {
	subscribers []*memorySubscription
	nextIndex   int
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		queues:        make(map[string]*queueGroup),
		logger:        log,
	}
}

// Publish enqueues the event for every matching subscriber and one member
// of every matching queue group. It returns once the event is enqueued, not
// once it is handled.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	targets, err := b.targets(subject)
	if err != nil {
		return err
	}

	d := delivery{ctx: context.WithoutCancel(ctx), subject: subject, event: event}
	for _, sub := range targets {
		// Handlers outlive the publisher's ctx; it only bounds waiting on a full mailbox.
		if err := sub.enqueue(ctx, d); err != nil {
			return err
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.Int("subscribers", len(targets)))
	return nil
}

// targets picks the subscriptions that receive an event on subject. The lock
// is released before delivery so handlers may subscribe or unsubscribe.
func (b *MemoryEventBus) targets(subject string) ([]*memorySubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	var out []*memorySubscription
	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if sub.queue != "" || !sub.IsValid() {
				continue
			}
			if matches(subject, pattern, sub.pattern) {
				out = append(out, sub)
			}
		}
	}
	for _, qg := range b.queues {
		if len(qg.subscribers) == 0 {
			continue
		}
		first := qg.subscribers[0]
		if !matches(subject, first.subject, first.pattern) {
			continue
		}
		idx := qg.nextIndex % len(qg.subscribers)
		qg.nextIndex = (idx + 1) % len(qg.subscribers)
		out = append(out, qg.subscribers[idx])
	}
	return out, nil
}

// Subscribe creates a subscription to a subject pattern
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := newMemorySubscription(b, subject, "", handler)
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// QueueSubscribe creates a queue subscription for load balancing.
// Only one subscriber in the queue group receives each message.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := newMemorySubscription(b, subject, queue, handler)
	queueKey := queue + ":" + subject
	qg, ok := b.queues[queueKey]
	if !ok {
		qg = &queueGroup{}
		b.queues[queueKey] = qg
	}
	qg.subscribers = append(qg.subscribers, sub)

	b.logger.Debug("Queue subscribed to subject",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return sub, nil
}

func (b *MemoryEventBus) remove(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.queue != "" {
		queueKey := s.queue + ":" + s.subject
		if qg, ok := b.queues[queueKey]; ok {
			qg.subscribers = removeSub(qg.subscribers, s)
			if len(qg.subscribers) == 0 {
				delete(b.queues, queueKey)
			}
		}
		return
	}
	if subs, ok := b.subscriptions[s.subject]; ok {
		subs = removeSub(subs, s)
		if len(subs) == 0 {
			delete(b.subscriptions, s.subject)
		} else {
			b.subscriptions[s.subject] = subs
		}
	}
}

func removeSub(subs []*memorySubscription, s *memorySubscription) []*memorySubscription {
	for i, sub := range subs {
		if sub == s {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Close closes the event bus. Events not yet handled are dropped.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.deactivate()
		}
	}
	for _, qg := range b.queues {
		for _, sub := range qg.subscribers {
			sub.deactivate()
		}
	}

	b.subscriptions = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)

	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true until the bus is closed
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks if a subject matches a pattern.
// Supports NATS-style wildcards: * (single token) and > (multiple tokens)
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to a regex, or nil when the
// pattern has no wildcards.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
