// Package mqtt carries coordinator events over an MQTT broker. Every message is
// an Event envelope published on paramserver/<instance>/<event>.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	topicPrefix   = "paramserver"
	topicTemplate = topicPrefix + "/%s/%s"

	// AnyInstance matches every coordinator when watching.
	AnyInstance = "+"

	// EventAlive carries Presence. The broker publishes the offline will.
	EventAlive = "alive"

	StatusOnline  = "online"
	StatusOffline = "offline"
)

var (
	errEmptyTopic = errors.New("empty topic")
	errBadTopic   = errors.New("not a paramserver event topic")
)

// Event is the envelope around every published payload.
type Event struct {
	InstanceID string          `json:"instance_id"`
	Kind       string          `json:"event"`
	Time       time.Time       `json:"time"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Presence is the payload of EventAlive.
type Presence struct {
	Status string `json:"status"`
}

func NewEvent(instanceID, kind string, payload any, at time.Time) (Event, error) {
	ev := Event{
		InstanceID: instanceID,
		Kind:       kind,
		Time:       at.UTC(),
	}
	if payload == nil {
		return ev, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	ev.Payload = data

	return ev, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s event has no payload", e.Kind)
	}

	return json.Unmarshal(e.Payload, v)
}

// Topic returns the topic instanceID publishes kind on.
func Topic(instanceID, kind string) string {
	return fmt.Sprintf(topicTemplate, instanceID, kind)
}

// ParseTopic splits an event topic into its instance and event kind.
func ParseTopic(topic string) (string, string, error) {
	if topic == "" {
		return "", "", errEmptyTopic
	}
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != topicPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%w: %q", errBadTopic, topic)
	}

	return parts[1], parts[2], nil
}
