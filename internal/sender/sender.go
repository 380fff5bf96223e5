// Package sender fans raised notification events out to the live
// connections of their recipient.
package sender

import (
	"log/slog"

	"github.com/alfredjeanlab/notifyd/internal/events"
	"github.com/alfredjeanlab/notifyd/internal/metrics"
	"github.com/alfredjeanlab/notifyd/internal/model"
)

// Registry looks up the live connections of a recipient, oldest first.
type Registry interface {
	ConnectionsFor(recipientID int64) []*model.Connection
}

// Sender delivers each event at most once per browser instance. It runs
// on the reactor goroutine, as the Bus that feeds it does.
type Sender struct {
	registry    Registry
	logger      *slog.Logger
	metrics     *metrics.Metrics
	unsubscribe func()
}

// New returns a Sender that is not yet subscribed. m may be nil.
func New(reg Registry, logger *slog.Logger, m *metrics.Metrics) *Sender {
	return &Sender{registry: reg, logger: logger, metrics: m}
}

// Load subscribes to bus. Loading twice keeps the first subscription.
func (s *Sender) Load(bus *events.Bus) {
	if s.unsubscribe != nil {
		return
	}
	s.unsubscribe = bus.Subscribe(func(e model.Event) { s.Send(e) })
}

// Unload drops the subscription, if any.
func (s *Sender) Unload() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// Send writes e to one connection per browser instance of its recipient and
// returns the number of browser instances that accepted it. When the first
// connection of an instance refuses the write, the instance's other
// connections are tried in order. An instance is attempted once per event
// whatever the outcome.
func (s *Sender) Send(e model.Event) int {
	conns := s.registry.ConnectionsFor(e.RecipientID())
	if len(conns) == 0 {
		return 0
	}

	delivered := 0
	attempted := make(map[string]bool, len(conns))
	for i, c := range conns {
		instance := c.BrowserInstance()
		if attempted[instance] {
			continue
		}
		attempted[instance] = true

		if c.SendEvent(e) {
			delivered++
			s.metrics.Delivery(metrics.DeliveryPrimary)
			continue
		}

		if alt := fallback(e, instance, conns[i+1:]); alt != nil {
			delivered++
			s.metrics.Delivery(metrics.DeliveryFallback)
			s.logger.Debug("event delivered on fallback connection",
				"event", e.Identifier(), "peer", c.Address().String(), "fallback", alt.Address().String())
			continue
		}

		s.metrics.Delivery(metrics.DeliveryFailed)
		s.logger.Error("failed to deliver event",
			"event", e.Identifier(),
			"recipient", e.RecipientID(),
			"peer", c.Address().String(),
			"conn", c.ID(),
		)
	}
	return delivered
}

// fallback returns the first connection of instance in rest that accepts e.
func fallback(e model.Event, instance string, rest []*model.Connection) *model.Connection {
	for _, c := range rest {
		if c.BrowserInstance() == instance && c.SendEvent(e) {
			return c
		}
	}
	return nil
}
