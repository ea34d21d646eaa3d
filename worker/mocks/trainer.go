package mocks

import (
	"context"

	"github.com/absmach/paramserver/pkg/shard"
	"github.com/absmach/paramserver/pkg/trainer"
	"github.com/stretchr/testify/mock"
)

var _ trainer.Trainer = (*MockTrainer)(nil)

// MockTrainer is a mock implementation of trainer.Trainer for testing.
type MockTrainer struct {
	mock.Mock
}

func (m *MockTrainer) Train(ctx context.Context, params []byte, s shard.Shard, epochs, batchSize int) ([]byte, error) {
	args := m.Called(ctx, params, s, epochs, batchSize)

	var update []byte
	if v := args.Get(0); v != nil {
		update = v.([]byte)
	}

	return update, args.Error(1)
}

// Factory returns a trainer.Factory that always hands out m.
func (m *MockTrainer) Factory() trainer.Factory {
	return func(string) (trainer.Trainer, error) {
		return m, nil
	}
}
