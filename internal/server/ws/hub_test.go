package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func decodeFrame(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(data, &st))
	return st.AsMap()
}

func TestEncodeAction(t *testing.T) {
	payload, err := json.Marshal(map[string]any{"id": "a-1", "kind": "mirror-trade", "mirror": map[string]any{"size": 12.5}})
	require.NoError(t, err)

	f, err := encodeAction(payload)
	require.NoError(t, err)
	assert.Equal(t, "mirror-trade", f.kind)

	doc := decodeFrame(t, f.data)
	assert.Equal(t, "action", doc["type"])
	body := doc["payload"].(map[string]any)
	assert.Equal(t, "a-1", body["id"])
	assert.Equal(t, 12.5, body["mirror"].(map[string]any)["size"])

	_, err = encodeAction([]byte("not json"))
	assert.Error(t, err)
}

func TestClientKindFilter(t *testing.T) {
	c := &client{kinds: map[string]bool{allKinds: true}}
	assert.True(t, c.wants("notify"))

	c.apply(subscribeMsg{Action: "subscribe", Kinds: []string{"mirror-trade"}})
	assert.True(t, c.wants("mirror-trade"))
	assert.False(t, c.wants("notify"))

	c.apply(subscribeMsg{Action: "unsubscribe", Kinds: []string{"mirror-trade"}})
	assert.False(t, c.wants("mirror-trade"))
}

type chanBus struct{ ch chan []byte }

func (b chanBus) Subscribe(context.Context, string) (<-chan []byte, error) { return b.ch, nil }

func TestViewerReceivesStatusThenActions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := chanBus{ch: make(chan []byte, 1)}
	hub := NewHub(bus, "copybot:actions", Config{Mode: "monitor"}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	status := decodeFrame(t, data)
	assert.Equal(t, "status", status["type"])
	assert.Equal(t, "monitor", status["payload"].(map[string]any)["mode"])

	require.NoError(t, hub.Publish(ctx, "", []byte(`{"id":"local","kind":"notify"}`)))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "local", decodeFrame(t, data)["payload"].(map[string]any)["id"])

	bus.ch <- []byte(`{"id":"remote","kind":"mirror-trade"}`)
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "remote", decodeFrame(t, data)["payload"].(map[string]any)["id"])
}

func httpHandler(h *Hub) http.Handler { return http.HandlerFunc(h.HandleWS) }
