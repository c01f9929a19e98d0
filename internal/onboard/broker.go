package onboard

import (
	"sync"

	"github.com/seantiz/foundry/internal/model"
)

// subscriberBufferSize is the channel buffer for each subscriber. Messages
// are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Message kinds.
const (
	MessageStep = "step"
	MessageLog  = "log"
)

// Message is one item on an account's live stream: either an audit event
// for a finished step or a line of deploy output.
type Message struct {
	Kind  string       `json:"kind"`
	Event *model.Event `json:"event,omitempty"`
	Line  string       `json:"line,omitempty"`
}

// EventBroker fans out onboarding messages per account. A topic is open
// while an onboarding run for the account is in flight. It is safe for
// concurrent use.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Message
	nextID int
	open   bool
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{topics: make(map[string]*topic)}
}

// Open starts a run for accountID. Subscribers that join from now until
// Close receive its messages.
func (b *EventBroker) Open(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[accountID]
	if !ok {
		t = &topic{subs: make(map[int]chan Message)}
		b.topics[accountID] = t
	}
	t.open = true
}

// Subscribe returns a channel receiving messages for accountID and an
// unsubscribe function. If no run is in flight the channel is already
// closed.
func (b *EventBroker) Subscribe(accountID string) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, subscriberBufferSize)
	t, ok := b.topics[accountID]
	if !ok || !t.open {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends m to every subscriber of accountID. Messages are dropped for
// subscribers whose buffers are full.
func (b *EventBroker) Publish(accountID string, m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[accountID]
	if !ok || !t.open {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- m:
		default:
			// Drop for slow subscribers to avoid blocking onboarding.
		}
	}
}

// Active reports whether a run for accountID is in flight.
func (b *EventBroker) Active(accountID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[accountID]
	return ok && t.open
}

// Close ends the run for accountID, closing every subscriber channel.
func (b *EventBroker) Close(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[accountID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(b.topics, accountID)
}
