package queue

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_ReceiveThenAckRemovesMessage(t *testing.T) {
	mockClock := clock.NewMock()
	q := NewMemoryQueue(mockClock, int64(30*time.Second), 3)
	q.Send([]byte("hello"))

	msgs, err := q.Receive(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("hello"), msgs[0].Body)

	require.NoError(t, q.Ack(context.Background(), msgs[0]))

	msgs, err = q.Receive(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryQueue_UnackedMessageBecomesVisibleAfterTimeout(t *testing.T) {
	mockClock := clock.NewMock()
	q := NewMemoryQueue(mockClock, int64(30*time.Second), 3)
	q.Send([]byte("hello"))

	msgs, err := q.Receive(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Not acked; immediate redelivery should see nothing yet.
	msgs, err = q.Receive(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	mockClock.Add(31 * time.Second)

	msgs, err = q.Receive(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("hello"), msgs[0].Body)
}

func TestMemoryQueue_DeadLettersAfterMaxReceiveCount(t *testing.T) {
	mockClock := clock.NewMock()
	q := NewMemoryQueue(mockClock, int64(time.Second), 2)
	q.Send([]byte("poison"))

	for i := 0; i < 2; i++ {
		msgs, err := q.Receive(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		mockClock.Add(2 * time.Second)
	}

	msgs, err := q.Receive(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "message should have been dead-lettered, not redelivered")

	assert.Equal(t, [][]byte{[]byte("poison")}, q.DeadLettered())
}
