// Package binancews implements a self-healing WebSocket client for the
// exchange's public market streams. It keeps the set of subscribed streams
// across reconnects, heartbeats the connection and surfaces raw frames in
// arrival order through a callback.
package binancews

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrNotConnected is returned by Subscribe/Unsubscribe when the client
	// has no live connection to write to.
	ErrNotConnected = errors.New("binancews: not connected")
	// ErrClosed marks the terminal state; a closed client never reconnects.
	ErrClosed = errors.New("binancews: client closed")
)

const (
	// DefaultURL is the exchange's raw-stream endpoint.
	DefaultURL = "wss://stream.binance.com:9443/ws"

	writeTimeout  = 5 * time.Second
	maxFrameBytes = 1 << 20
)

// Config controls connection behaviour. Zero fields fall back to the
// exchange-recommended defaults.
type Config struct {
	URL              string
	PingInterval     time.Duration // heartbeat ping cadence
	HandshakeTimeout time.Duration

	ReconnectBaseDelay   time.Duration // first retry delay, doubles per attempt
	ReconnectMaxDelay    time.Duration // delay growth cap
	ReconnectMaxAttempts int           // retries before giving up for good
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 60 * time.Second
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 5
	}
	return c
}

// wsRequest is the subscribe/unsubscribe frame the exchange expects.
type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

const (
	methodSubscribe   = "SUBSCRIBE"
	methodUnsubscribe = "UNSUBSCRIBE"
)

// Client is a reconnecting stream client. Callbacks run on the client's
// internal goroutines and must not call back into methods that take the
// client lock (Subscribe, Unsubscribe, Close); State and Subscriptions
// are safe.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	mu    sync.Mutex
	conn  *websocket.Conn
	subs  map[string]struct{}
	reqID int
	gen   int // connection generation, guards double-failure handling

	state atomic.Int32

	writeMu sync.Mutex // serializes data frames on the live conn

	ctx    context.Context
	cancel context.CancelFunc

	// OnMessage receives every raw frame in arrival order.
	OnMessage func(frame []byte)
	// OnStateChange fires on every lifecycle transition.
	OnStateChange func(from, to State)
	// OnReconnect fires after a successful reconnect, with the attempt
	// number that succeeded. Subscriptions are already restored.
	OnReconnect func(attempt int)
	// OnFatal fires once when reconnection is exhausted and the client
	// goes to StateClosed on its own.
	OnFatal func(err error)
}

// New creates a client. Connect must be called to open the stream.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		subs:   make(map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Subscriptions returns the currently tracked stream names, sorted.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Connect dials the endpoint and starts the read and heartbeat loops.
// Calling it while connecting or connected is a no-op; a closed client
// returns ErrClosed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.State() {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return nil
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	conn, err := c.dialConn(ctx)
	if err != nil {
		c.mu.Lock()
		if c.State() == StateConnecting {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.State() != StateConnecting {
		// Close raced the dial.
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	gen := c.adoptConnLocked(conn)
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	go c.pingLoop(conn, gen)

	log.Printf("[binancews] connected to %s", c.cfg.URL)
	return nil
}

// Close moves the client to its terminal state and releases the connection.
// Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.State() == StateClosed {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		conn.Close()
	}
	return nil
}

// Subscribe sends a SUBSCRIBE frame for the given streams and remembers them
// for resubscription after a reconnect. Requires StateConnected.
func (c *Client) Subscribe(streams ...string) error {
	if len(streams) == 0 {
		return nil
	}
	c.mu.Lock()
	if c.State() != StateConnected || c.conn == nil {
		st := c.State()
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotConnected, st)
	}
	conn := c.conn
	c.reqID++
	id := c.reqID
	c.mu.Unlock()

	if err := c.writeJSON(conn, wsRequest{Method: methodSubscribe, Params: streams, ID: id}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	c.mu.Lock()
	for _, s := range streams {
		c.subs[s] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

// Unsubscribe sends an UNSUBSCRIBE frame and drops the streams from the
// resubscription set. Requires StateConnected.
func (c *Client) Unsubscribe(streams ...string) error {
	if len(streams) == 0 {
		return nil
	}
	c.mu.Lock()
	if c.State() != StateConnected || c.conn == nil {
		st := c.State()
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotConnected, st)
	}
	conn := c.conn
	c.reqID++
	id := c.reqID
	c.mu.Unlock()

	if err := c.writeJSON(conn, wsRequest{Method: methodUnsubscribe, Params: streams, ID: id}); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}

	c.mu.Lock()
	for _, s := range streams {
		delete(c.subs, s)
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) dialConn(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %s: %w", c.cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// adoptConnLocked installs a fresh connection and returns its generation.
// Caller holds c.mu.
func (c *Client) adoptConnLocked(conn *websocket.Conn) int {
	c.gen++
	c.conn = conn
	conn.SetReadLimit(maxFrameBytes)
	readWait := 2 * c.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	return c.gen
}

func (c *Client) setStateLocked(to State) {
	from := State(c.state.Load())
	if from == to {
		return
	}
	c.state.Store(int32(to))
	if c.OnStateChange != nil {
		c.OnStateChange(from, to)
	}
}

func (c *Client) writeJSON(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// readLoop pumps frames from one connection until it dies. Data frames
// extend the read deadline the same way pongs do, so an active stream
// never times out between heartbeats.
func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	readWait := 2 * c.cfg.PingInterval
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.connLost(conn, gen, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		if c.OnMessage != nil {
			c.OnMessage(frame)
		}
	}
}

// pingLoop heartbeats one connection. The exchange drops clients that stay
// silent, and a failed ping is the earliest signal of a dead conn.
func (c *Client) pingLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil {
				c.connLost(conn, gen, err)
				return
			}
		}
	}
}

// connLost handles a dead connection exactly once per generation. The read
// and ping loops of the same conn both land here; whichever arrives second
// finds the generation already retired and returns.
func (c *Client) connLost(conn *websocket.Conn, gen int, err error) {
	c.mu.Lock()
	if gen != c.gen || c.State() != StateConnected {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	conn.Close()
	log.Printf("[binancews] connection lost: %v", err)
	go c.reconnectLoop()
}

// reconnectLoop retries with exponential backoff. On success the stored
// stream set is resubscribed on the new connection before the client
// reports StateConnected, so no consumer observes a connected-but-silent
// stream. Exhausting the attempts is terminal.
func (c *Client) reconnectLoop() {
	delay := c.cfg.ReconnectBaseDelay
	for attempt := 1; attempt <= c.cfg.ReconnectMaxAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.ReconnectMaxDelay {
			delay = c.cfg.ReconnectMaxDelay
		}

		dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
		conn, err := c.dialConn(dialCtx)
		cancel()
		if err != nil {
			log.Printf("[binancews] reconnect %d/%d failed: %v", attempt, c.cfg.ReconnectMaxAttempts, err)
			continue
		}

		if err := c.resubscribe(conn); err != nil {
			log.Printf("[binancews] resubscribe failed: %v", err)
			conn.Close()
			continue
		}

		c.mu.Lock()
		if c.State() == StateClosed {
			// Close raced the reconnect; the new conn is unwanted.
			c.mu.Unlock()
			conn.Close()
			return
		}
		gen := c.adoptConnLocked(conn)
		c.setStateLocked(StateConnected)
		c.mu.Unlock()

		go c.readLoop(conn, gen)
		go c.pingLoop(conn, gen)

		log.Printf("[binancews] reconnected on attempt %d, %d streams restored", attempt, len(c.Subscriptions()))
		if c.OnReconnect != nil {
			c.OnReconnect(attempt)
		}
		return
	}

	c.mu.Lock()
	if c.State() == StateClosed {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateClosed)
	c.mu.Unlock()
	c.cancel()

	err := fmt.Errorf("binancews: gave up after %d reconnect attempts", c.cfg.ReconnectMaxAttempts)
	log.Printf("[binancews] %v", err)
	if c.OnFatal != nil {
		c.OnFatal(err)
	}
}

// resubscribe replays the full stream union on a fresh connection.
func (c *Client) resubscribe(conn *websocket.Conn) error {
	c.mu.Lock()
	streams := make([]string, 0, len(c.subs))
	for s := range c.subs {
		streams = append(streams, s)
	}
	c.reqID++
	id := c.reqID
	c.mu.Unlock()

	if len(streams) == 0 {
		return nil
	}
	sort.Strings(streams)
	return c.writeJSON(conn, wsRequest{Method: methodSubscribe, Params: streams, ID: id})
}
