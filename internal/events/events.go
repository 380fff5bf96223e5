// Package events carries raised notification events from the daemon to its
// listeners.
//
// Bus dispatches synchronously on the caller's goroutine, which for the
// daemon is always the reactor loop. A Publisher optionally mirrors every
// raised event to an external bus.
package events

import (
	"context"
	"strconv"

	"github.com/alfredjeanlab/notifyd/internal/model"
)

// TopicNotificationPrefix prefixes the mirror subject; the recipient id is appended.
const TopicNotificationPrefix = "notifyd.notification."

// NotificationTopic returns the mirror subject for a recipient.
func NotificationTopic(recipientID int64) string {
	return TopicNotificationPrefix + strconv.FormatInt(recipientID, 10)
}

// Listener receives raised events.
type Listener func(model.Event)

// Publisher mirrors events to an external bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// Bus is the "new notification" channel between the daemon and the sender.
// It is not safe for concurrent use; all calls happen on the reactor loop.
type Bus struct {
	nextID    int
	listeners map[int]Listener
	order     []int
}

func NewBus() *Bus {
	return &Bus{listeners: make(map[int]Listener)}
}

// Subscribe registers l and returns a function that removes it again.
// Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(l Listener) (unsubscribe func()) {
	b.nextID++
	id := b.nextID
	b.listeners[id] = l
	b.order = append(b.order, id)

	return func() {
		if _, ok := b.listeners[id]; !ok {
			return
		}
		delete(b.listeners, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Raise delivers e to every listener in subscription order and returns once
// all of them have returned.
func (b *Bus) Raise(e model.Event) {
	for _, id := range append([]int(nil), b.order...) {
		if l, ok := b.listeners[id]; ok {
			l(e)
		}
	}
}

// Len reports the number of registered listeners.
func (b *Bus) Len() int {
	return len(b.listeners)
}
