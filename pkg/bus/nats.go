package bus

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// natsConn is the part of *nats.Conn the bus uses.
type natsConn interface {
	PublishMsg(m *nats.Msg) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	Close()
}

// Nats publishes core NATS messages. Metadata travels as NATS headers.
type Nats struct {
	conn   natsConn
	prefix string
	group  string
}

func NewNats(cfg Config) (*Nats, error) {
	url := cfg.Address
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("spanflow"))
	if err != nil {
		return nil, err
	}
	return NewNatsWithConn(conn, cfg.TopicPrefix, cfg.ConsumerGroup), nil
}

func NewNatsWithConn(conn *nats.Conn, prefix, group string) *Nats {
	return &Nats{conn: conn, prefix: prefix, group: group}
}

func (b *Nats) Publish(_ context.Context, topic string, msg *Message) error {
	msg.Topic = topic
	return b.conn.PublishMsg(toNatsMsg(b.prefix+topic, msg))
}

func toNatsMsg(subject string, msg *Message) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Data = msg.Payload
	for k, v := range msg.Metadata {
		m.Header.Set(k, v)
	}
	return m
}

// fromNatsMsg 以订阅时的 topic 命名消息，不带前缀
func fromNatsMsg(topic string, m *nats.Msg) *Message {
	msg := NewMessage(m.Data)
	msg.Topic = topic
	for k := range m.Header {
		msg.Metadata[k] = m.Header.Get(k)
	}
	return msg
}

func (b *Nats) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	cb := func(m *nats.Msg) {
		dispatch(ctx, topic, fromNatsMsg(topic, m), handler)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if b.group != "" {
		sub, err = b.conn.QueueSubscribe(b.prefix+topic, b.group, cb)
	} else {
		sub, err = b.conn.Subscribe(b.prefix+topic, cb)
	}
	if err != nil {
		return nil, err
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
				logrus.WithError(err).WithField("topic", topic).Debug("SpanFlow couldn't unsubscribe from nats")
			}
		})
	}
	context.AfterFunc(ctx, unsubscribe)
	return unsubscribe, nil
}

func (b *Nats) Close() error {
	b.conn.Close()
	return nil
}
