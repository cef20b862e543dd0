package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coveo-labs/barca-sports-assistant/internal/logger"
)

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func receive(t *testing.T, conn *Connection) []byte {
	t.Helper()
	select {
	case data := <-conn.Send:
		return data
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestHubBroadcastsToConversation(t *testing.T) {
	h, _ := runHub(t)

	a1 := h.NewConnection(nil, "conv-a")
	a2 := h.NewConnection(nil, "conv-a")
	b := h.NewConnection(nil, "conv-b")
	h.Register(a1)
	h.Register(a2)
	h.Register(b)
	require.Eventually(t, func() bool { return h.ConnectionCount() == 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.HasSubscribers("conv-a"))

	require.NoError(t, h.BroadcastJSON("conv-a", map[string]string{"type": "conversation_updated"}))
	assert.JSONEq(t, `{"type":"conversation_updated"}`, string(receive(t, a1)))
	assert.JSONEq(t, `{"type":"conversation_updated"}`, string(receive(t, a2)))

	select {
	case <-b.Send:
		t.Fatal("conv-b must not receive conv-a frames")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHubUnregisterClosesSend(t *testing.T) {
	h, _ := runHub(t)

	conn := h.NewConnection(nil, "conv-a")
	h.Register(conn)
	h.Unregister(conn)

	_, open := <-conn.Send
	assert.False(t, open)
	assert.Equal(t, 0, h.ConnectionCount())
	assert.False(t, h.HasSubscribers("conv-a"))
}

func TestHubSendToConnection(t *testing.T) {
	h, _ := runHub(t)

	conn := h.NewConnection(nil, "conv-a")
	h.Register(conn)
	require.Eventually(t, func() bool { return h.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.SendJSONToConnection(conn, map[string]int{"n": 1}))
	assert.JSONEq(t, `{"n":1}`, string(receive(t, conn)))
}

func TestHubShutdownClosesConnections(t *testing.T) {
	h, cancel := runHub(t)

	conn := h.NewConnection(nil, "conv-a")
	h.Register(conn)
	cancel()

	_, open := <-conn.Send
	assert.False(t, open)

	// Calls after shutdown do not block.
	late := h.NewConnection(nil, "conv-a")
	h.Register(late)
	h.Unregister(late)
	h.Broadcast("conv-a", []byte("x"))
}
