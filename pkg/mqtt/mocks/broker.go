package mocks

import (
	"context"

	"github.com/absmach/paramserver/pkg/mqtt"
	"github.com/stretchr/testify/mock"
)

var _ mqtt.Broker = (*MockBroker)(nil)

// MockBroker is a mock implementation of the Broker interface for testing.
type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	args := m.Called(ctx, topic, payload)

	return args.Error(0)
}

func (m *MockBroker) Subscribe(ctx context.Context, topic string, handler mqtt.MessageHandler) error {
	args := m.Called(ctx, topic, handler)

	return args.Error(0)
}

func (m *MockBroker) Unsubscribe(ctx context.Context, topic string) error {
	args := m.Called(ctx, topic)

	return args.Error(0)
}

func (m *MockBroker) Disconnect(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
