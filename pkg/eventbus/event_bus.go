package eventbus

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Event is the payload contract for the in-process bus. Topic strings are
// declared next to the payload structs they identify.
type Event interface {
	Topic() string
}

type Handler func(Event)

type EventBus interface {
	Publish(events ...Event)
	Subscribe(topic string, handler Handler)
	SubscribersCount(topic string) int
}

type publisherImpl struct {
	log      *logrus.Logger
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewEventPublisher(log *logrus.Logger) EventBus {
	return &publisherImpl{log: log, handlers: make(map[string][]Handler)}
}

func (p *publisherImpl) Subscribe(topic string, handler Handler) {
	if handler == nil {
		panic("handler must not be nil")
	}
	p.mu.Lock()
	p.handlers[topic] = append(p.handlers[topic], handler)
	p.mu.Unlock()
}

// Publish delivers each event to every subscriber of its topic. A panicking
// handler is logged and does not stop delivery to the remaining handlers.
func (p *publisherImpl) Publish(events ...Event) {
	for _, event := range events {
		p.mu.RLock()
		handlers := p.handlers[event.Topic()]
		p.mu.RUnlock()

		if len(handlers) == 0 {
			if p.log != nil {
				p.log.Warnf("eventbus: no subscribers for topic %s", event.Topic())
			}
			continue
		}
		for _, handler := range handlers {
			p.dispatch(event, handler)
		}
	}
}

func (p *publisherImpl) dispatch(event Event, handler Handler) {
	defer func() {
		if r := recover(); r != nil && p.log != nil {
			p.log.Errorf("eventbus: handler for topic %s panicked: %v", event.Topic(), r)
		}
	}()
	handler(event)
}

func (p *publisherImpl) SubscribersCount(topic string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handlers[topic])
}
