package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connTimeout    = 10 * time.Second
	reconnTimeout  = time.Minute
	disconnTimeout = 250
)

var errEmptyClientID = errors.New("empty client ID")

// MessageHandler receives the raw payload published on topic.
type MessageHandler func(topic string, payload []byte)

// Broker is the transport a Bus publishes and subscribes through.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Disconnect(ctx context.Context) error
}

type Config struct {
	Address  string
	ClientID string
	Username string
	Password string
	QoS      byte
	// InstanceID, when set, registers an offline will on the instance's
	// alive topic.
	InstanceID string
	// Timeout bounds every broker round trip on top of the caller's context.
	Timeout time.Duration
}

type broker struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	logger  *slog.Logger
}

// NewBroker connects to the broker at cfg.Address. It returns once the
// connection is acknowledged or ctx is done.
func NewBroker(ctx context.Context, cfg Config, logger *slog.Logger) (Broker, error) {
	if cfg.ClientID == "" {
		return nil, errEmptyClientID
	}

	opts, err := clientOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	b := &broker{
		client:  mqtt.NewClient(opts),
		qos:     cfg.QoS,
		timeout: cfg.Timeout,
		logger:  logger,
	}
	if err := b.wait(ctx, b.client.Connect()); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Address, err)
	}

	return b, nil
}

func (b *broker) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return errEmptyTopic
	}

	return b.wait(ctx, b.client.Publish(topic, b.qos, false, payload))
}

func (b *broker) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	if topic == "" {
		return errEmptyTopic
	}

	return b.wait(ctx, b.client.Subscribe(topic, b.qos, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Topic(), m.Payload())
		m.Ack()
	}))
}

func (b *broker) Unsubscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return errEmptyTopic
	}

	return b.wait(ctx, b.client.Unsubscribe(topic))
}

func (b *broker) Disconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.client.Disconnect(disconnTimeout)

	return nil
}

func (b *broker) wait(ctx context.Context, token mqtt.Token) error {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clientOptions(cfg Config, logger *slog.Logger) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Address).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connTimeout).
		SetMaxReconnectInterval(reconnTimeout)

	if cfg.InstanceID != "" {
		will, err := NewEvent(cfg.InstanceID, EventAlive, Presence{Status: StatusOffline}, time.Now())
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(will)
		if err != nil {
			return nil, err
		}
		opts.SetBinaryWill(Topic(cfg.InstanceID, EventAlive), data, cfg.QoS, false)
	}

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("MQTT connection established", slog.String("address", cfg.Address))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", slog.Any("error", err))
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, options *mqtt.ClientOptions) {
		logger.Info("MQTT reconnecting", slog.String("client_id", options.ClientID))
	})

	return opts, nil
}
