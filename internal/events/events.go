// Package events defines the alarm lifecycle events published to other
// subsystems and the in-process bus that fans them out locally.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Kind tags an outbound event.
type Kind string

const (
	KindAlarmWaiting Kind = "alarm_waiting"
	KindCameraAlarm  Kind = "camera_alarm"
	KindReedAlarm    Kind = "reed_alarm"
	KindPirAlarm     Kind = "pir_alarm"
	KindAlarmStopped Kind = "alarm_stopped"
)

// Event is an alarm lifecycle event. Delivery is at-least-once; consumers
// dedupe on ID.
type Event struct {
	ID         string `json:"id"`
	Kind       Kind   `json:"kind"`
	GroupID    string `json:"group_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	// Waiting is set on AlarmWaiting: true while a countdown (arming grace
	// period or alarm escalation) is running, false once it is over.
	Waiting   bool   `json:"waiting"`
	Evidence  []byte `json:"evidence,omitempty"` // JPEG snapshot
	Timestamp int64  `json:"timestamp"`          // unix seconds
}

// New builds an event stamped with a fresh ID and the current time.
func New(kind Kind, groupID, deviceName string) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		GroupID:    groupID,
		DeviceName: deviceName,
		Timestamp:  time.Now().Unix(),
	}
}

// Waiting builds an AlarmWaiting event.
func Waiting(groupID string, waiting bool) Event {
	ev := New(KindAlarmWaiting, groupID, "")
	ev.Waiting = waiting
	return ev
}

// Publisher delivers events to an external transport. A non-nil error is
// a transient failure; the caller decides whether to retry.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Fanout publishes to every backend. It fails if any backend fails, so a
// retry may redeliver to backends that already accepted.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher accepts every event and only logs it. Used when no broker is
// configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev Event) error {
	p.Logger.Info("event", "kind", ev.Kind, "group", ev.GroupID, "device", ev.DeviceName, "waiting", ev.Waiting)
	return nil
}

// Retrying wraps a Publisher with block-until-accepted semantics: Publish
// returns only once the inner publisher succeeds or ctx ends.
type Retrying struct {
	inner    Publisher
	interval time.Duration
	logger   *slog.Logger
}

// NewRetrying creates a retrying publisher with a fixed back-off.
func NewRetrying(inner Publisher, interval time.Duration, logger *slog.Logger) *Retrying {
	if interval <= 0 {
		interval = time.Second
	}
	return &Retrying{inner: inner, interval: interval, logger: logger.With("component", "publisher")}
}

func (r *Retrying) Publish(ctx context.Context, ev Event) error {
	for attempt := 1; ; attempt++ {
		err := r.inner.Publish(ctx, ev)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("event published after retry", "kind", ev.Kind, "attempts", attempt)
			}
			return nil
		}
		r.logger.Warn("publish failed, retrying", "kind", ev.Kind, "attempt", attempt, "err", err)

		timer := time.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("publish %s abandoned: %w", ev.Kind, ctx.Err())
		case <-timer.C:
		}
	}
}
