// Package ws streams emitted actions to WebSocket viewers as protobuf
// google.protobuf.Struct binary frames.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// allKinds subscribes a client to every action kind.
const allKinds = "*"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Subscriber is the pub/sub side of the action bus.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	mu    sync.RWMutex
	kinds map[string]bool
}

// subscribeMsg lets a viewer narrow the feed, e.g.
// {"action":"subscribe","kinds":["mirror-trade"]}.
type subscribeMsg struct {
	Action string   `json:"action"`
	Kinds  []string `json:"kinds"`
}

type frame struct {
	kind string
	data []byte
}

// Config is reported to each viewer on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// Hub fans actions out to connected viewers. Actions arrive from the Redis
// feed channel when a bus is configured, or through Publish in-process.
type Hub struct {
	bus        Subscriber
	channel    string
	cfg        Config
	clients    map[*client]bool
	broadcast  chan frame
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a Hub. bus may be nil.
func NewHub(bus Subscriber, channel string, cfg Config, logger *slog.Logger) *Hub {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	return &Hub{
		bus:        bus,
		channel:    channel,
		cfg:        cfg,
		clients:    make(map[*client]bool),
		broadcast:  make(chan frame, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Publish encodes one action JSON payload and queues it for every viewer.
// A full queue drops the frame; the feed is best effort.
func (h *Hub) Publish(_ context.Context, _ string, payload []byte) error {
	f, err := encodeAction(payload)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- f:
	default:
		h.logger.Warn("ws: broadcast queue full, frame dropped")
	}
	return nil
}

// encodeAction turns an action JSON document into a Struct frame.
func encodeAction(payload []byte) (frame, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return frame{}, fmt.Errorf("ws: decode action: %w", err)
	}
	data, err := encodeStruct(map[string]any{"type": "action", "payload": doc})
	if err != nil {
		return frame{}, err
	}
	kind, _ := doc["kind"].(string)
	return frame{kind: kind, data: data}, nil
}

func encodeStruct(m map[string]any) ([]byte, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("ws: build struct: %w", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("ws: marshal frame: %w", err)
	}
	return data, nil
}

// Run serves registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		go h.follow(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: viewer connected", slog.Int("viewers", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: viewer disconnected", slog.Int("viewers", n))

		case f := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(f.kind) {
					continue
				}
				select {
				case c.send <- f.data:
				default:
					h.logger.Warn("ws: dropping frame for slow viewer")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// follow relays the Redis feed channel into the hub.
func (h *Hub) follow(ctx context.Context) {
	msgs, err := h.bus.Subscribe(ctx, h.channel)
	if err != nil {
		h.logger.Error("ws: subscribe failed",
			slog.String("channel", h.channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("ws: following action feed", slog.String("channel", h.channel))

	for payload := range msgs {
		f, err := encodeAction(payload)
		if err != nil {
			h.logger.Debug("ws: skipping undecodable feed message", slog.String("error", err.Error()))
			continue
		}
		select {
		case h.broadcast <- f:
		case <-ctx.Done():
			return
		}
	}
}

// HandleWS upgrades the request and registers a viewer.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		kinds: map[string]bool{allKinds: true},
	}
	h.register <- c
	c.sendStatus()

	go c.writePump()
	go c.readPump()
}

func (c *client) wants(kind string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.kinds[allKinds] || c.kinds[kind]
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil {
			c.apply(sub)
		}
	}
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		delete(c.kinds, allKinds)
		for _, k := range msg.Kinds {
			c.kinds[k] = true
		}
	case "unsubscribe":
		for _, k := range msg.Kinds {
			delete(c.kinds, k)
		}
	}
}

// sendStatus gives a new viewer something to render before the first action.
func (c *client) sendStatus() {
	data, err := encodeStruct(map[string]any{
		"type": "status",
		"payload": map[string]any{
			"mode":           c.hub.cfg.Mode,
			"uptime_seconds": max(time.Since(c.hub.cfg.StartedAt).Seconds(), 0),
		},
	})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
