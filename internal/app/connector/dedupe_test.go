package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/connector-orchestrator/internal/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestEventDeduper(t *testing.T) {
	id := uuid.MustParse("123e4567-e89b-12d3-a456-426614174000")
	key := "webhook_event:123e4567-e89b-12d3-a456-426614174000:Ev1"

	t.Run("first delivery", func(t *testing.T) {
		client := new(mocks.MockRedisClient)
		client.On("SetNX", mock.Anything, key, "1", 5*time.Minute).Return(true, nil)

		first, err := NewEventDeduper(client, 5*time.Minute).FirstSeen(context.Background(), id, "Ev1")
		require.NoError(t, err)
		assert.True(t, first)
		client.AssertExpectations(t)
	})

	t.Run("redelivery", func(t *testing.T) {
		client := new(mocks.MockRedisClient)
		client.On("SetNX", mock.Anything, key, "1", 5*time.Minute).Return(false, nil)

		first, err := NewEventDeduper(client, 5*time.Minute).FirstSeen(context.Background(), id, "Ev1")
		require.NoError(t, err)
		assert.False(t, first)
	})

	t.Run("redis error", func(t *testing.T) {
		client := new(mocks.MockRedisClient)
		client.On("SetNX", mock.Anything, key, "1", 5*time.Minute).Return(false, errors.New("i/o timeout"))

		_, err := NewEventDeduper(client, 5*time.Minute).FirstSeen(context.Background(), id, "Ev1")
		assert.ErrorContains(t, err, "record event")
	})

	t.Run("forget", func(t *testing.T) {
		client := new(mocks.MockRedisClient)
		client.On("Del", mock.Anything, []string{key}).Return(1, nil)

		require.NoError(t, NewEventDeduper(client, time.Minute).Forget(context.Background(), id, "Ev1"))
		client.AssertExpectations(t)
	})
}
