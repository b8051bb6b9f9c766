package bus

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// mailboxSize bounds how many undelivered events a memory subscriber may
// hold before Publish blocks.
const mailboxSize = 1024

type delivery struct {
	ctx     context.Context
	subject string
	event   *Event
}

// memorySubscription delivers events to its handler from a single worker
// goroutine, so handlers see events in the order they were published.
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact subjects
	handler EventHandler
	queue   string // empty for regular subscriptions

	mailbox chan delivery
	done    chan struct{}
	stop    sync.Once
	active  atomic.Bool
}

func newMemorySubscription(b *MemoryEventBus, subject, queue string, handler EventHandler) *memorySubscription {
	s := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		mailbox: make(chan delivery, mailboxSize),
		done:    make(chan struct{}),
	}
	s.active.Store(true)
	go s.run()
	return s
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.mailbox:
			if err := s.handler(d.ctx, d.event); err != nil {
				s.bus.logger.Error("Event handler error",
					zap.String("subject", d.subject),
					zap.String("queue", s.queue),
					zap.String("event_type", d.event.Type),
					zap.Error(err))
			}
		}
	}
}

// enqueue hands d to the worker, blocking while the mailbox is full.
func (s *memorySubscription) enqueue(ctx context.Context, d delivery) error {
	select {
	case s.mailbox <- d:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deactivate stops the worker. Undelivered events are dropped.
func (s *memorySubscription) deactivate() {
	s.stop.Do(func() {
		s.active.Store(false)
		close(s.done)
	})
}

// Unsubscribe removes the subscription
func (s *memorySubscription) Unsubscribe() error {
	s.deactivate()
	s.bus.remove(s)
	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	return s.active.Load()
}

// natsSubscription wraps a NATS subscription to implement the Subscription interface
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
