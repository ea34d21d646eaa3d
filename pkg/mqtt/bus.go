package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Handler receives decoded events. Errors are logged and the event dropped.
type Handler func(Event) error

// Bus publishes one coordinator's events and watches other instances.
type Bus struct {
	broker     Broker
	instanceID string
	logger     *slog.Logger
	now        func() time.Time
}

func NewBus(b Broker, instanceID string, logger *slog.Logger) *Bus {
	return &Bus{
		broker:     b,
		instanceID: instanceID,
		logger:     logger,
		now:        time.Now,
	}
}

// Notify wraps payload in an Event and publishes it on the instance's topic
// for kind.
func (b *Bus) Notify(ctx context.Context, kind string, payload any) error {
	ev, err := NewEvent(b.instanceID, kind, payload, b.now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.broker.Publish(ctx, Topic(b.instanceID, kind), data); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", kind, err)
	}

	return nil
}

// Watch delivers every event instanceID publishes to h. AnyInstance watches
// all coordinators on the broker.
func (b *Bus) Watch(ctx context.Context, instanceID string, h Handler) error {
	return b.broker.Subscribe(ctx, Topic(instanceID, "+"), func(topic string, payload []byte) {
		ev, err := b.decode(topic, payload)
		if err != nil {
			b.logger.Warn("dropped malformed event", slog.String("topic", topic), slog.Any("error", err))

			return
		}
		if err := h(ev); err != nil {
			b.logger.Warn("failed to handle event", slog.String("topic", topic), slog.String("event", ev.Kind), slog.Any("error", err))
		}
	})
}

func (b *Bus) Unwatch(ctx context.Context, instanceID string) error {
	return b.broker.Unsubscribe(ctx, Topic(instanceID, "+"))
}

func (b *Bus) Close(ctx context.Context) error {
	return b.broker.Disconnect(ctx)
}

// decode trusts the topic over the envelope for routing fields.
func (b *Bus) decode(topic string, payload []byte) (Event, error) {
	instanceID, kind, err := ParseTopic(topic)
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, err
	}
	ev.InstanceID, ev.Kind = instanceID, kind

	return ev, nil
}
