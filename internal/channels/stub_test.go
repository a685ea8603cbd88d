package channels

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStubSendRecordsCalls(t *testing.T) {
	s := NewStub("test", true)
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, "c1", "hello", "agent"))
	require.NoError(t, s.EditMessage(ctx, "c1", "m1", "hello world"))

	sent := s.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "hello", sent[0].Body)

	edits := s.Edits()
	require.Len(t, edits, 1)
	require.Equal(t, "hello world", edits[0].NewBody)
}

func TestStubEditUnsupported(t *testing.T) {
	s := NewStub("test", false)
	err := s.EditMessage(context.Background(), "c1", "m1", "x")
	require.ErrorIs(t, err, ErrEditUnsupported)
}

func TestStubOnMessageDispatchesToHandler(t *testing.T) {
	s := NewStub("test", false)
	var got string
	s.OnReceive(func(conversationID, author, body, deliveryID string, originTimestamp time.Time) error {
		got = body
		return nil
	})

	require.NoError(t, s.OnMessage("c1", "user1", "hi", "d1", time.Now()))
	require.Equal(t, "hi", got)
}

func TestStubStartStopConnected(t *testing.T) {
	s := NewStub("test", false)
	require.True(t, s.IsConnected())
	require.NoError(t, s.Stop(context.Background()))
	require.False(t, s.IsConnected())
	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.IsConnected())
}
