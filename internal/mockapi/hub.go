package mockapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// pusherMessage is one frame of the Pusher channels protocol. Data is a
// JSON string on server frames and may be an object on client frames.
type pusherMessage struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type socket struct {
	id       string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	channels map[string]struct{}
}

func (s *socket) send(msg pusherMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(msg)
}

// Hub speaks enough of the Pusher protocol for private channel
// subscriptions and server-side event delivery.
type Hub struct {
	appKey    string
	appSecret string
	logger    *slog.Logger

	mu      sync.RWMutex
	sockets map[string]*socket
}

func NewHub(appKey, appSecret string, logger *slog.Logger) *Hub {
	return &Hub{
		appKey:    appKey,
		appSecret: appSecret,
		logger:    logger,
		sockets:   make(map[string]*socket),
	}
}

// Sign is the channel authorization signature for socketID on channel.
func (h *Hub) Sign(socketID, channel string) string {
	mac := hmac.New(sha256.New, []byte(h.appSecret))
	mac.Write([]byte(socketID + ":" + channel))
	return h.appKey + ":" + hex.EncodeToString(mac.Sum(nil))
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "key") != h.appKey {
		http.Error(w, "unknown app key", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s := &socket{
		id:       fmt.Sprintf("%d.%d", rand.IntN(1_000_000_000), rand.IntN(1_000_000_000)),
		conn:     conn,
		channels: make(map[string]struct{}),
	}
	h.register(s)
	defer func() {
		h.unregister(s.id)
		_ = conn.Close()
	}()

	established, _ := json.Marshal(map[string]any{"socket_id": s.id, "activity_timeout": 30})
	if err := s.send(pusherMessage{Event: "pusher:connection_established", Data: jsonString(established)}); err != nil {
		return
	}
	h.readLoop(s)
}

func (h *Hub) readLoop(s *socket) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", "socket_id", s.id, "error", err)
			}
			return
		}
		var msg pusherMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = s.send(errorFrame(4000, "invalid frame"))
			continue
		}
		switch msg.Event {
		case "pusher:ping":
			_ = s.send(pusherMessage{Event: "pusher:pong", Data: jsonString([]byte("{}"))})
		case "pusher:subscribe":
			h.subscribe(s, msg.Data)
		case "pusher:unsubscribe":
			var data struct {
				Channel string `json:"channel"`
			}
			_ = json.Unmarshal(decodeData(msg.Data), &data)
			h.mu.Lock()
			delete(s.channels, data.Channel)
			h.mu.Unlock()
		}
	}
}

func (h *Hub) subscribe(s *socket, rawData json.RawMessage) {
	var data struct {
		Auth    string `json:"auth"`
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(decodeData(rawData), &data); err != nil || data.Channel == "" {
		_ = s.send(errorFrame(4000, "invalid subscribe"))
		return
	}
	if !hmac.Equal([]byte(data.Auth), []byte(h.Sign(s.id, data.Channel))) {
		status, _ := json.Marshal(map[string]any{"type": "AuthError", "error": "invalid signature", "status": 403})
		_ = s.send(pusherMessage{Event: "pusher:subscription_error", Channel: data.Channel, Data: jsonString(status)})
		return
	}
	h.mu.Lock()
	s.channels[data.Channel] = struct{}{}
	h.mu.Unlock()
	_ = s.send(pusherMessage{Event: "pusher_internal:subscription_succeeded", Channel: data.Channel, Data: jsonString([]byte("{}"))})
}

// Broadcast delivers event to every socket subscribed to channel and returns
// how many received it.
func (h *Hub) Broadcast(channel, event string, payload any) int {
	encoded, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("encode broadcast payload failed", "error", err)
		return 0
	}
	h.mu.RLock()
	targets := make([]*socket, 0)
	for _, s := range h.sockets {
		if _, ok := s.channels[channel]; ok {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.send(pusherMessage{Event: event, Channel: channel, Data: jsonString(encoded)}); err != nil {
			h.unregister(s.id)
			continue
		}
		delivered++
	}
	return delivered
}

// Subscribers counts sockets subscribed to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.sockets {
		if _, ok := s.channels[channel]; ok {
			n++
		}
	}
	return n
}

// Drop closes every socket subscribed to channel, as a network failure
// would, and returns how many were closed.
func (h *Hub) Drop(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, s := range h.sockets {
		if _, ok := s.channels[channel]; !ok {
			continue
		}
		_ = s.conn.Close()
		delete(h.sockets, id)
		n++
	}
	return n
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.sockets {
		_ = s.conn.Close()
		delete(h.sockets, id)
	}
}

func (h *Hub) register(s *socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sockets[s.id] = s
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sockets[id]; ok {
		_ = s.conn.Close()
		delete(h.sockets, id)
	}
}

func errorFrame(code int, message string) pusherMessage {
	data, _ := json.Marshal(map[string]any{"code": code, "message": message})
	return pusherMessage{Event: "pusher:error", Data: jsonString(data)}
}

// jsonString wraps an encoded JSON document as a JSON string literal.
func jsonString(doc []byte) json.RawMessage {
	quoted, _ := json.Marshal(string(doc))
	return quoted
}

// decodeData accepts both a string-encoded and an inline object payload.
func decodeData(raw json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return raw
}
