package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lmst/attendance-admin-client/internal/domain"
	"github.com/lmst/attendance-admin-client/internal/notification"
	"github.com/lmst/attendance-admin-client/internal/observability"
)

const (
	DriverPusher = "pusher"

	privatePrefix           = "private-"
	defaultSubscribeTimeout = 10 * time.Second
	defaultActivityTimeout  = 120 * time.Second
	writeTimeout            = 5 * time.Second
)

var (
	ErrDisconnected         = errors.New("realtime connection closed")
	ErrSubscriptionRejected = errors.New("channel subscription rejected")
	ErrAlreadySubscribed    = errors.New("channel already subscribed")
)

type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type PusherOptions struct {
	Dialer           *websocket.Dialer
	Header           http.Header
	Logger           *slog.Logger
	SubscribeTimeout time.Duration
}

// PusherClient is a Pusher channels protocol client for private channels.
// One websocket is shared by every subscription; it is dialed on the first
// Subscribe and again after it drops.
type PusherClient struct {
	url     string
	auth    Authorizer
	dialer  *websocket.Dialer
	header  http.Header
	logger  *slog.Logger
	timeout time.Duration

	connectMu sync.Mutex
	writeMu   sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	socketID string
	done     chan struct{}
	channels map[string]*channelState
}

type channelState struct {
	handler func(event string, payload json.RawMessage)
	ack     chan error
	closed  chan struct{}
	ended   sync.Once
}

func newChannelState(handler func(event string, payload json.RawMessage)) *channelState {
	return &channelState{handler: handler, ack: make(chan error, 1), closed: make(chan struct{})}
}

func (s *channelState) end() {
	s.ended.Do(func() { close(s.closed) })
}

func NewPusherClient(wsURL string, auth Authorizer, opts PusherOptions) *PusherClient {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = defaultSubscribeTimeout
	}
	return &PusherClient{
		url:      wsURL,
		auth:     auth,
		dialer:   opts.Dialer,
		header:   opts.Header,
		logger:   opts.Logger,
		timeout:  opts.SubscribeTimeout,
		channels: make(map[string]*channelState),
	}
}

// Connect dials the socket and waits for the connection handshake. It is a
// no-op while a connection is open.
func (c *PusherClient) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	open := c.conn != nil
	c.mu.Unlock()
	if open {
		return nil
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return fmt.Errorf("read realtime handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if hello.Event != "pusher:connection_established" {
		_ = conn.Close()
		return fmt.Errorf("unexpected realtime handshake %q: %s", hello.Event, frameData(hello.Data))
	}
	var established struct {
		SocketID        string `json:"socket_id"`
		ActivityTimeout int    `json:"activity_timeout"`
	}
	if err := json.Unmarshal(frameData(hello.Data), &established); err != nil {
		_ = conn.Close()
		return fmt.Errorf("decode realtime handshake: %w", err)
	}
	if established.SocketID == "" {
		_ = conn.Close()
		return errors.New("realtime handshake carried no socket_id")
	}

	activity := defaultActivityTimeout
	if established.ActivityTimeout > 0 {
		activity = time.Duration(established.ActivityTimeout) * time.Second
	}
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.socketID = established.SocketID
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, done)
	go c.keepAlive(conn, done, activity)
	c.logger.Debug("realtime connected", "socket_id", established.SocketID)
	return nil
}

// Subscribe joins the private variant of channel and routes its events to
// handler until the returned subscription is closed.
func (c *PusherClient) Subscribe(ctx context.Context, channel string, handler func(event string, payload json.RawMessage)) (notification.Subscription, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	name := channel
	if !strings.HasPrefix(name, privatePrefix) {
		name = privatePrefix + name
	}

	state := newChannelState(handler)
	c.mu.Lock()
	if _, exists := c.channels[name]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, name)
	}
	conn, socketID, done := c.conn, c.socketID, c.done
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	c.channels[name] = state
	c.mu.Unlock()

	fail := func(err error) (notification.Subscription, error) {
		c.forget(name, state)
		return nil, err
	}

	signature, err := c.auth.Authorize(ctx, socketID, name)
	if err != nil {
		return fail(err)
	}
	data, _ := json.Marshal(map[string]string{"auth": signature, "channel": name})
	if err := c.send(conn, frame{Event: "pusher:subscribe", Data: data}); err != nil {
		return fail(fmt.Errorf("send subscribe: %w", err))
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case err := <-state.ack:
		if err != nil {
			return fail(err)
		}
	case <-done:
		return fail(ErrDisconnected)
	case <-timer.C:
		return fail(fmt.Errorf("subscribe %s: timed out", name))
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	observability.RecordRealtimeEvent(ctx, DriverPusher, "subscribed")
	return &pusherSubscription{client: c, channel: name, state: state}, nil
}

// Close drops the connection and every subscription on it.
func (c *PusherClient) Close() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	return err
}

func (c *PusherClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var msg frame
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.logger.Warn("ignoring malformed realtime frame", "error", err)
				continue
			}
			c.disconnect(conn, err)
			return
		}
		c.dispatch(conn, msg)
	}
}

func (c *PusherClient) dispatch(conn *websocket.Conn, msg frame) {
	switch msg.Event {
	case "pusher:ping":
		_ = c.send(conn, frame{Event: "pusher:pong", Data: json.RawMessage(`{}`)})
	case "pusher:pong":
	case "pusher_internal:subscription_succeeded":
		c.acknowledge(msg.Channel, nil)
	case "pusher:subscription_error":
		c.acknowledge(msg.Channel, fmt.Errorf("%w: %s: %s", ErrSubscriptionRejected, msg.Channel, frameData(msg.Data)))
	case "pusher:error":
		c.logger.Warn("realtime server error", "data", string(frameData(msg.Data)))
	default:
		if strings.HasPrefix(msg.Event, "pusher") {
			return
		}
		c.mu.Lock()
		state := c.channels[msg.Channel]
		c.mu.Unlock()
		if state == nil {
			return
		}
		observability.RecordRealtimeEvent(context.Background(), DriverPusher, msg.Event)
		state.handler(msg.Event, frameData(msg.Data))
	}
}

func (c *PusherClient) keepAlive(conn *websocket.Conn, done chan struct{}, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.send(conn, frame{Event: "pusher:ping", Data: json.RawMessage(`{}`)}); err != nil {
				return
			}
		}
	}
}

func (c *PusherClient) acknowledge(channel string, err error) {
	c.mu.Lock()
	state := c.channels[channel]
	c.mu.Unlock()
	if state == nil {
		return
	}
	select {
	case state.ack <- err:
	default:
	}
}

func (c *PusherClient) disconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.socketID = ""
	dropped := c.channels
	c.channels = make(map[string]*channelState)
	c.mu.Unlock()
	for _, state := range dropped {
		state.end()
	}
	_ = conn.Close()
	observability.RecordRealtimeEvent(context.Background(), DriverPusher, "disconnected")
	if websocket.IsUnexpectedCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Warn("realtime connection lost", "error", cause, "subscriptions", len(dropped))
	}
}

// forget removes name only if it still maps to state.
func (c *PusherClient) forget(name string, state *channelState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[name] != state {
		return false
	}
	delete(c.channels, name)
	return true
}

func (c *PusherClient) send(conn *websocket.Conn, msg frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

type pusherSubscription struct {
	client  *PusherClient
	channel string
	state   *channelState
	once    sync.Once
	err     error
}

// Done is closed when the subscription is closed or its connection drops.
func (s *pusherSubscription) Done() <-chan struct{} {
	return s.state.closed
}

func (s *pusherSubscription) Close() error {
	s.once.Do(func() {
		defer s.state.end()
		if !s.client.forget(s.channel, s.state) {
			return
		}
		s.client.mu.Lock()
		conn := s.client.conn
		s.client.mu.Unlock()
		if conn == nil {
			return
		}
		data, _ := json.Marshal(map[string]string{"channel": s.channel})
		if err := s.client.send(conn, frame{Event: "pusher:unsubscribe", Data: data}); err != nil {
			s.err = fmt.Errorf("send unsubscribe: %w", err)
		}
	})
	return s.err
}

// frameData unwraps a string-encoded data member.
func frameData(raw json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return json.RawMessage(s)
	}
	return raw
}

func decodeJSON(body []byte, out any) error {
	return json.Unmarshal(domain.UnwrapData(body), out)
}
