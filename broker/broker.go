/*
Package broker fans out notifications to subscribers interested in events of
a public key. Delivery is best effort, message is dropped for subscriber
whose buffer is full.
*/
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/learnearn/vouchers/types"
)

const (
	maxSubscriptionsPerKey = 5
	subscriptionBufferSize = 5
	pingInterval           = 40 * time.Second
)

var ErrTooManySubscriptions = errors.New("public key already has maximum allowed number of subscriptions")

type Message interface {
	WriteSSE(w io.Writer) error
}

// subscriptions by public key, the map is never modified after it has been published
type subscriptions map[string][]chan Message

/*
MessageBroker keeps copy-on-write map of subscriptions: Notify reads the
current map without locking, Subscribe and Unsubscribe replace it under
the lock.
*/
type MessageBroker struct {
	subs atomic.Pointer[subscriptions]
	m    sync.Mutex
	done <-chan struct{}
}

/*
NewBroker constructs new MessageBroker (zero value is not usable).

When "done" chan is closed all in-flight event streams (StreamSSE calls)
will be terminated.
*/
func NewBroker(done <-chan struct{}) *MessageBroker {
	b := &MessageBroker{done: done}
	b.subs.Store(&subscriptions{})
	go b.ping(pingInterval)
	return b
}

func (b *MessageBroker) Subscribe(pubkey types.PubKey) (<-chan Message, error) {
	b.m.Lock()
	defer b.m.Unlock()

	key := string(pubkey)
	current := *b.subs.Load()
	if len(current[key]) >= maxSubscriptionsPerKey {
		return nil, ErrTooManySubscriptions
	}

	ch := make(chan Message, subscriptionBufferSize)
	next := maps.Clone(current)
	next[key] = append(slices.Clip(current[key]), ch)
	b.subs.Store(&next)
	return ch, nil
}

func (b *MessageBroker) Unsubscribe(pubkey types.PubKey, c <-chan Message) {
	b.m.Lock()
	defer b.m.Unlock()

	key := string(pubkey)
	current := *b.subs.Load()
	remaining := slices.DeleteFunc(slices.Clone(current[key]), func(ch chan Message) bool { return ch == c })

	next := maps.Clone(current)
	if len(remaining) == 0 {
		delete(next, key)
	} else {
		next[key] = remaining
	}
	b.subs.Store(&next)
}

// Notify sends the message to the subscribers of the "pubkey".
func (b *MessageBroker) Notify(pubkey types.PubKey, msg Message) {
	for _, c := range (*b.subs.Load())[string(pubkey)] {
		send(c, msg)
	}
}

// Broadcast sends the message to every subscriber.
func (b *MessageBroker) Broadcast(msg Message) {
	for _, chs := range *b.subs.Load() {
		for _, c := range chs {
			send(c, msg)
		}
	}
}

func send(c chan Message, msg Message) {
	select {
	case c <- msg:
	default:
	}
}

// ping keeps idle event streams alive through proxies.
func (b *MessageBroker) ping(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.Broadcast(pingMsg{})
		}
	}
}

/*
StreamSSE subscribes to broker with "owner" key and streams the messages it receives
as server-sent events to "w" until "ctx" is cancelled or the "done" chan used as
MessageBroker constructor parameter is closed (in both cases nil error is returned).
*/
func (b *MessageBroker) StreamSSE(ctx context.Context, owner types.PubKey, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("streaming is not supported")
	}

	messages, err := b.Subscribe(owner)
	if err != nil {
		return fmt.Errorf("subscribing to notifications: %w", err)
	}
	defer b.Unsubscribe(owner, messages)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-b.done:
			return nil
		case <-ctx.Done():
			return nil
		case msg := <-messages:
			if err := msg.WriteSSE(w); err != nil {
				return fmt.Errorf("writing event to the stream: %w", err)
			}
			flusher.Flush()
		}
	}
}

type pingMsg struct{}

func (pingMsg) WriteSSE(w io.Writer) error {
	_, err := io.WriteString(w, "event: ping\n\n")
	return err
}
