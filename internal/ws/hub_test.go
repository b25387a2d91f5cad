package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
)

func dialTestHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleUpgrade))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) schemas.WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg schemas.WSMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	hub := NewHub(zap.NewNop())
	c1 := dialTestHub(t, hub)
	c2 := dialTestHub(t, hub)

	require.Eventually(t, func() bool { return hub.ConnectionCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	hub.Broadcast(schemas.MsgPhaseGenerating, map[string]string{"name": "p1"})

	for _, conn := range []*websocket.Conn{c1, c2} {
		msg := readFrame(t, conn)
		assert.Equal(t, schemas.MsgPhaseGenerating, msg.Type)
	}
}

func TestSnapshotSentOnConnect(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.SetSnapshotFunc(func() any { return map[string]string{"hello": "world"} })

	conn := dialTestHub(t, hub)
	msg := readFrame(t, conn)
	assert.Equal(t, schemas.MsgAgentConnected, msg.Type)
}

func TestProjectUpdateAccumulator(t *testing.T) {
	hub := NewHub(zap.NewNop())

	hub.Broadcast(schemas.MsgPhaseGenerated, map[string]string{"name": "p1"})
	hub.Broadcast(schemas.MsgGenerationStarted, nil) // not a project update
	hub.Broadcast(schemas.MsgFileGenerated, map[string]string{"filePath": "a.ts"})

	updates := hub.DrainAccumulator()
	require.Len(t, updates, 2)
	assert.Contains(t, updates[0], "PHASE_GENERATED")
	assert.Contains(t, updates[1], "FILE_GENERATED")
	assert.Empty(t, hub.DrainAccumulator(), "drain clears the buffer")
}

func TestIncomingFramesReachHandler(t *testing.T) {
	hub := NewHub(zap.NewNop())
	received := make(chan []byte, 1)
	hub.SetIncomingHandler(func(_ *Conn, payload []byte) { received <- payload })

	conn := dialTestHub(t, hub)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"user_message","text":"hi"}`)))

	select {
	case payload := <-received:
		assert.Contains(t, string(payload), "user_message")
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not receive the frame")
	}
}

func TestCloseRemovesConnection(t *testing.T) {
	hub := NewHub(zap.NewNop())
	conn := dialTestHub(t, hub)

	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	_ = conn.Close()
	assert.Eventually(t, func() bool { return hub.ConnectionCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}
