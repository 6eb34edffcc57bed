package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/copybot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// DefaultLiveDataURL is the public live activity socket.
const DefaultLiveDataURL = "wss://ws-live-data.polymarket.com/"

// ActivityHandler receives one matched order together with the local
// receive time.
type ActivityHandler func(trade APITrade, receivedAt time.Time)

// LiveDataClient streams the "activity/orders_matched" topic of the
// Polymarket live-data WebSocket. One Stream call owns one connection;
// reconnection is left to the caller.
type LiveDataClient struct {
	wsURL string
	now   func() time.Time
}

// NewLiveDataClient creates a client for wsURL.
func NewLiveDataClient(wsURL string) *LiveDataClient {
	if wsURL == "" {
		wsURL = DefaultLiveDataURL
	}
	return &LiveDataClient{wsURL: wsURL, now: time.Now}
}

// Stream connects, subscribes, and delivers every matched order to handler
// until ctx is cancelled (nil error) or the connection fails.
func (l *LiveDataClient) Stream(ctx context.Context, handler ActivityHandler) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	headers := http.Header{}
	headers.Set("Origin", "https://polymarket.com")

	conn, _, err := dialer.DialContext(ctx, l.wsURL, headers)
	if err != nil {
		return fmt.Errorf("polymarket/livedata: connect: %w", err)
	}

	var writeMu sync.Mutex
	done := make(chan struct{})
	var closeOnce sync.Once
	shutdown := func() {
		closeOnce.Do(func() {
			close(done)
			writeMu.Lock()
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			writeMu.Unlock()
			conn.Close()
		})
	}
	defer shutdown()

	// Unblock ReadMessage when the caller cancels.
	go func() {
		select {
		case <-ctx.Done():
			shutdown()
		case <-done:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	sub := liveSubscription{
		Action:        "subscribe",
		Subscriptions: []liveTopicSub{{Topic: "activity", Type: "orders_matched"}},
	}
	writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteJSON(sub)
	writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("polymarket/livedata: subscribe: %w", err)
	}

	go l.pingLoop(conn, &writeMu, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("polymarket/livedata: read: %w: %v", domain.ErrWSDisconnect, err)
		}
		// Any frame proves liveness.
		conn.SetReadDeadline(time.Now().Add(pongWait))

		trade, ok := decodeActivity(message)
		if !ok {
			continue
		}
		handler(trade, l.now())
	}
}

// decodeActivity extracts the trade from an orders_matched frame. Frames of
// other topics and undecodable frames report false.
func decodeActivity(raw []byte) (APITrade, bool) {
	var msg liveMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return APITrade{}, false
	}
	if msg.Type != "orders_matched" || len(msg.Payload) == 0 {
		return APITrade{}, false
	}
	var trade APITrade
	if err := json.Unmarshal(msg.Payload, &trade); err != nil {
		return APITrade{}, false
	}
	if time.Time(trade.Timestamp).IsZero() {
		trade.Timestamp = msg.Timestamp
	}
	return trade, true
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (l *LiveDataClient) pingLoop(conn *websocket.Conn, writeMu *sync.Mutex, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
