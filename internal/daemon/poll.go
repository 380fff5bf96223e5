package daemon

import (
	"time"

	"github.com/alfredjeanlab/notifyd/internal/events"
	"github.com/alfredjeanlab/notifyd/internal/model"
)

// nextDelay returns how long to wait before the next polling iteration so
// that iterations start at most once per tick. An iteration that used up
// the whole tick is followed immediately.
func nextDelay(elapsed, tick time.Duration) time.Duration {
	if elapsed >= tick {
		return 0
	}
	return tick - elapsed
}

// processNotifications runs one polling iteration and schedules the next.
// Iterations of an earlier load are dropped.
func (d *Daemon) processNotifications(gen uint64) {
	if gen != d.generation {
		return
	}
	if d.cancelled {
		d.shutdown(false)
		return
	}

	start := time.Now()
	if err := d.pollOnce(); err != nil {
		if !d.storageError("poll notifications", err) {
			return
		}
	}
	elapsed := time.Since(start)
	d.metrics.ObservePoll(elapsed)

	next := func() { d.processNotifications(gen) }
	if delay := nextDelay(elapsed, d.cfg.TickInterval.Duration); delay > 0 {
		d.next = d.reactor.After(delay, next)
	} else {
		d.next = nil
		d.reactor.Post(next)
	}
}

// pollOnce raises an event for every sent notification newer than the
// cursor. On the first call the cursor is adopted from the newest sent row
// and nothing older is raised. The cursor advances past every row, raised
// or not, in ascending id order. Rows without a contact or identifying tags
// are skipped.
func (d *Daemon) pollOnce() error {
	if !d.cursor.set {
		id, err := d.store.LatestSentNotificationID(d.ctx)
		if err != nil {
			return err
		}
		d.cursor = cursor{id: id, set: true}
		d.metrics.SetCursor(id)
		d.logger.Info("notification cursor initialised", "cursor", id)
	}

	rows, err := d.store.SentNotificationsAfter(d.ctx, d.cursor.id)
	if err != nil {
		return err
	}
	for _, n := range rows {
		if n.ID <= d.cursor.id {
			continue
		}
		payload, ok := n.Payload()
		switch {
		case n.ContactID == 0:
			d.metrics.RowSkipped()
			d.logger.Debug("skipping notification without contact",
				"history_id", n.ID, "incident", n.IncidentID)
		case !ok:
			d.metrics.RowSkipped()
			d.logger.Debug("skipping notification without host tag",
				"history_id", n.ID, "incident", n.IncidentID)
		default:
			d.raise(model.NewEvent(model.EventIncidentNotification, n.ContactID, payload).
				WithRetryInterval(d.cfg.RetryInterval.Duration))
		}
		d.cursor.id = n.ID
		d.metrics.SetCursor(n.ID)
	}
	return nil
}

// raise hands e to the sender and mirrors it.
func (d *Daemon) raise(e model.Event) {
	d.bus.Raise(e)
	d.metrics.EventRaised()
	if err := d.publisher.Publish(d.ctx, events.NotificationTopic(e.RecipientID()), e); err != nil {
		d.logger.Warn("failed to mirror event", "recipient", e.RecipientID(), "error", err)
	}
}
