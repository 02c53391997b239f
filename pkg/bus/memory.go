package bus

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultPublishTimeout = time.Second
	subscriberBuffer      = 128
)

// Memory is an in-process bus. Each subscriber has its own buffered channel;
// a subscriber that stays full longer than the publish timeout loses the
// message.
type Memory struct {
	mu             sync.RWMutex
	subscribers    map[string]map[uint64]chan *Message
	nextID         uint64
	publishTimeout time.Duration
	closed         bool
}

func NewMemory() *Memory {
	return &Memory{
		subscribers:    make(map[string]map[uint64]chan *Message),
		publishTimeout: defaultPublishTimeout,
	}
}

func (b *Memory) Publish(ctx context.Context, topic string, msg *Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	msg.Topic = topic
	for id, ch := range b.subscribers[topic] {
		select {
		case ch <- msg.clone():
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.publishTimeout):
			logrus.WithFields(logrus.Fields{
				"topic":      topic,
				"subscriber": id,
			}).Warn("SpanFlow dropped a message for a slow subscriber")
		}
	}
	return nil
}

func (b *Memory) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	id := b.nextID
	b.nextID++
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[uint64]chan *Message)
	}
	ch := make(chan *Message, subscriberBuffer)
	b.subscribers[topic][id] = ch

	go func() {
		for msg := range ch {
			dispatch(ctx, topic, msg, handler)
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subscribers[topic]; ok {
				if subCh, ok := subs[id]; ok {
					delete(subs, id)
					if len(subs) == 0 {
						delete(b.subscribers, topic)
					}
					close(subCh)
				}
			}
		})
	}
	if done := ctx.Done(); done != nil {
		context.AfterFunc(ctx, unsubscribe)
	}
	return unsubscribe, nil
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subscribers {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.subscribers, topic)
	}
	return nil
}
