// Package notify fans out reply notifications. Delivery is best effort: a
// slow or absent consumer never blocks the reconcile loop.
package notify

import (
	"encoding/json"
	"sync"

	"github.com/beakon/outreach"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

type Notifier interface {
	ReplyReceived(n outreach.Notification)
}

// Discard is the notifier used when nothing is wired up.
var Discard Notifier = discard{}

type discard struct{}

func (discard) ReplyReceived(outreach.Notification) {}

// Bus is an in-process notifier. Subscribers get a buffered channel; a full
// channel drops the notification rather than blocking.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[int]chan outreach.Notification
}

func NewBus() *Bus {
	return &Bus{subs: map[int]chan outreach.Notification{}}
}

// Subscribe returns a channel of notifications and a cancel func. The
// channel is closed on cancel.
func (b *Bus) Subscribe() (<-chan outreach.Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan outreach.Notification, 16)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		sub, ok := b.subs[id]
		if !ok {
			return
		}
		delete(b.subs, id)
		close(sub)
	}
	return ch, cancel
}

func (b *Bus) ReplyReceived(n outreach.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

const repliesSubject = "outreach.replies"

// NATSNotifier publishes each notification as json on outreach.replies.
type NATSNotifier struct {
	conn *nats.Conn
	log  *logrus.Logger
}

func NewNATS(uri string, log *logrus.Logger) (*NATSNotifier, error) {
	conn, err := nats.Connect(uri,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, err
	}
	return &NATSNotifier{conn: conn, log: log}, nil
}

func (n *NATSNotifier) ReplyReceived(notification outreach.Notification) {
	payload, err := json.Marshal(notification)
	if err != nil {
		n.log.WithError(err).Error("could not marshal notification")
		return
	}
	err = n.conn.Publish(repliesSubject, payload)
	if err != nil {
		n.log.WithError(err).Error("could not publish notification")
	}
}

func (n *NATSNotifier) Close() {
	n.conn.Close()
}

// Multi fans one notification out to several notifiers.
type Multi []Notifier

func (m Multi) ReplyReceived(n outreach.Notification) {
	for _, notifier := range m {
		notifier.ReplyReceived(n)
	}
}
