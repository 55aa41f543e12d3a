// Package broker routes per-tenant messages to that tenant's live stream
// subscribers. It does not persist, does not retry, and never crosses
// tenants.
package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/spintel/analytics-server/infrastructure/logging"
)

// Message is the typed payload delivered to subscribers.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewMessage stamps a message with the current server time.
func NewMessage(msgType string, data interface{}) Message {
	return Message{Type: msgType, Data: data, Timestamp: time.Now().UnixMilli()}
}

const sendBuffer = 32

// Subscription is one live stream attachment. Sends are bounded and
// non-blocking: a subscriber that cannot drain its buffer is dropped rather
// than allowed to stall the tenant's broadcasts.
type Subscription struct {
	Owner string

	out  chan []byte
	once sync.Once
}

// NewSubscription creates a subscription for the owner's tenant.
func NewSubscription(owner string) *Subscription {
	return &Subscription{
		Owner: owner,
		out:   make(chan []byte, sendBuffer),
	}
}

// Outbox is the channel the stream writer drains. It is closed when the
// subscription closes.
func (s *Subscription) Outbox() <-chan []byte {
	return s.out
}

// Send enqueues without blocking; false means the buffer is full or closed.
func (s *Subscription) Send(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case s.out <- payload:
		return true
	default:
		return false
	}
}

// Close closes the outbox exactly once.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.out) })
}

type tenantSubs struct {
	// mu serializes publishes for one tenant, preserving publish order.
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Broker is the per-tenant publish/subscribe hub.
type Broker struct {
	mu      sync.Mutex
	tenants map[string]*tenantSubs
	log     *logging.Logger

	// onCountChange observes the live subscription total (metrics gauge).
	onCountChange func(delta int)
}

// New creates a broker.
func New(log *logging.Logger, onCountChange func(delta int)) *Broker {
	if log == nil {
		log = logging.NewFromEnv("broker")
	}
	return &Broker{
		tenants:       make(map[string]*tenantSubs),
		log:           log,
		onCountChange: onCountChange,
	}
}

func (b *Broker) tenant(owner string) *tenantSubs {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.tenants[owner]
	if !ok {
		ts = &tenantSubs{subs: make(map[*Subscription]struct{})}
		b.tenants[owner] = ts
	}
	return ts
}

// Subscribe registers the subscription under its owner's tenant. Idempotent.
func (b *Broker) Subscribe(sub *Subscription) {
	ts := b.tenant(sub.Owner)

	ts.mu.Lock()
	_, exists := ts.subs[sub]
	if !exists {
		ts.subs[sub] = struct{}{}
	}
	ts.mu.Unlock()

	if !exists && b.onCountChange != nil {
		b.onCountChange(1)
	}
}

// Unsubscribe removes the subscription from whichever tenant set holds it.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	ts, ok := b.tenants[sub.Owner]
	b.mu.Unlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	_, exists := ts.subs[sub]
	if exists {
		delete(ts.subs, sub)
	}
	ts.mu.Unlock()

	if exists && b.onCountChange != nil {
		b.onCountChange(-1)
	}
}

// Publish serializes the message once and delivers a copy to every
// subscription registered under the tenant. A subscription whose buffer is
// full is removed and closed.
func (b *Broker) Publish(owner string, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.log.WithError(err).WithFields(map[string]interface{}{
			"tenant": owner,
			"type":   msg.Type,
		}).Error("marshal broker message")
		return
	}

	b.mu.Lock()
	ts, ok := b.tenants[owner]
	b.mu.Unlock()
	if !ok {
		return
	}

	var dropped []*Subscription

	ts.mu.Lock()
	for sub := range ts.subs {
		if !sub.Send(payload) {
			delete(ts.subs, sub)
			dropped = append(dropped, sub)
		}
	}
	ts.mu.Unlock()

	for _, sub := range dropped {
		sub.Close()
		if b.onCountChange != nil {
			b.onCountChange(-1)
		}
		b.log.WithFields(map[string]interface{}{"tenant": owner}).
			Warn("dropped slow stream subscriber")
	}
}

// Count returns the number of live subscriptions across all tenants.
func (b *Broker) Count() int {
	b.mu.Lock()
	tenants := make([]*tenantSubs, 0, len(b.tenants))
	for _, ts := range b.tenants {
		tenants = append(tenants, ts)
	}
	b.mu.Unlock()

	total := 0
	for _, ts := range tenants {
		ts.mu.Lock()
		total += len(ts.subs)
		ts.mu.Unlock()
	}
	return total
}

// CloseAll closes every subscription; the stream layer turns the closed
// outbox into a close notice. Used at shutdown.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	tenants := make([]*tenantSubs, 0, len(b.tenants))
	for _, ts := range b.tenants {
		tenants = append(tenants, ts)
	}
	b.tenants = make(map[string]*tenantSubs)
	b.mu.Unlock()

	for _, ts := range tenants {
		ts.mu.Lock()
		for sub := range ts.subs {
			delete(ts.subs, sub)
			sub.Close()
			if b.onCountChange != nil {
				b.onCountChange(-1)
			}
		}
		ts.mu.Unlock()
	}
}
