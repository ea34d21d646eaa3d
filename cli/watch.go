package cli

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/paramserver/coordinator"
	"github.com/absmach/paramserver/pkg/fl"
	"github.com/absmach/paramserver/pkg/mqtt"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	defMQTTAddress = "tcp://localhost:1883"
	defMQTTTimeout = 30 * time.Second

	watchBroker mqtt.Broker
)

// SetBroker makes watch use b instead of dialing the broker.
func SetBroker(b mqtt.Broker) {
	watchBroker = b
}

type watchedEvent struct {
	InstanceID string    `json:"instance_id"`
	Event      string    `json:"event"`
	Time       time.Time `json:"time"`
	Payload    any       `json:"payload,omitempty"`
}

// eventPayload decodes ev into the type its kind is published with. Unknown
// kinds are printed as raw JSON.
func eventPayload(ev mqtt.Event) (any, error) {
	var v any
	switch ev.Kind {
	case coordinator.EventProgress:
		v = &coordinator.ProgressReport{}
	case coordinator.EventRound:
		v = &fl.RoundState{}
	case coordinator.EventDone:
		v = &coordinator.DoneReport{}
	case mqtt.EventAlive:
		v = &mqtt.Presence{}
	default:
		if len(ev.Payload) == 0 {
			return nil, nil
		}

		return json.RawMessage(ev.Payload), nil
	}
	if err := ev.Decode(v); err != nil {
		return nil, err
	}

	return v, nil
}

func NewWatchCmd() *cobra.Command {
	var (
		address    = defMQTTAddress
		timeout    = defMQTTTimeout
		instanceID = mqtt.AnyInstance
		username   string
		password   string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch coordinator events",
		Long:  `Subscribe to coordinator presence, progress, round and completion events and print them until interrupted.`,
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			logger := slog.New(slog.DiscardHandler)

			broker := watchBroker
			if broker == nil {
				var err error
				broker, err = mqtt.NewBroker(ctx, mqtt.Config{
					Address:  address,
					ClientID: "paramserver-cli-" + uuid.NewString(),
					Username: username,
					Password: password,
					QoS:      1,
					Timeout:  timeout,
				}, logger)
				if err != nil {
					logErrorCmd(*cmd, err)

					return
				}
			}
			bus := mqtt.NewBus(broker, "", logger)
			defer func() {
				if err := bus.Close(context.Background()); err != nil {
					logErrorCmd(*cmd, err)
				}
			}()

			var mu sync.Mutex
			handler := func(ev mqtt.Event) error {
				payload, err := eventPayload(ev)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				logJSONCmd(*cmd, watchedEvent{InstanceID: ev.InstanceID, Event: ev.Kind, Time: ev.Time, Payload: payload})

				return nil
			}
			if err := bus.Watch(ctx, instanceID, handler); err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			<-ctx.Done()
			if err := bus.Unwatch(context.Background(), instanceID); err != nil {
				logErrorCmd(*cmd, err)
			}
		},
	}

	cmd.Flags().StringVarP(&address, "mqtt-address", "a", address, "MQTT broker address")
	cmd.Flags().StringVarP(&instanceID, "instance", "i", instanceID, "Coordinator instance ID, + for all")
	cmd.Flags().StringVarP(&username, "username", "u", "", "MQTT username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "MQTT password")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", timeout, "MQTT operation timeout")

	return cmd
}
