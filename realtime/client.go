package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/opd-ai/vaultclient/api"
	"github.com/opd-ai/vaultclient/metrics"
	"github.com/opd-ai/vaultclient/retry"
)

const (
	// DefaultHeartbeatInterval is the application-level ping cadence.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultConnectTimeout bounds one dial attempt.
	DefaultConnectTimeout = 15 * time.Second
	// DefaultReconnectBase seeds the reconnect backoff curve.
	DefaultReconnectBase = time.Second
	// DefaultReconnectCap caps the reconnect backoff curve.
	DefaultReconnectCap = 30 * time.Second
	// DefaultMaxReconnectAttempts bounds consecutive reconnect attempts.
	DefaultMaxReconnectAttempts = 5

	// DefaultPath is the websocket endpoint appended to the base URL.
	DefaultPath = "/api/v1/ws"

	// inboundQueueSize buffers frames between the reader goroutine and
	// the event loop.
	inboundQueueSize = 32
)

var (
	pingFrame = []byte(`{"type":"ping"}`)
	pongFrame = []byte(`{"type":"pong"}`)
)

// ErrConnectAborted reports that Disconnect was called while a dial was
// in flight; the freshly opened socket was discarded.
var ErrConnectAborted = errors.New("realtime: connect aborted by disconnect")

// State is the connection lifecycle state.
type State uint8

const (
	// StateDisconnected means no connection and no attempt in flight.
	StateDisconnected State = iota
	// StateConnecting means a dial attempt is in flight.
	StateConnecting
	// StateConnected means the connection is open.
	StateConnected
)

// String returns the lowercase state name used in logs.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Message is one outbound frame. Type is required; Fields are folded
// into the top-level JSON object alongside it.
type Message struct {
	Type   string
	Fields map[string]any
}

func (m Message) encode() ([]byte, error) {
	if m.Type == "" {
		return nil, errors.New("realtime: message type required")
	}
	obj := make(map[string]any, len(m.Fields)+1)
	for k, v := range m.Fields {
		obj[k] = v
	}
	obj["type"] = m.Type
	return json.Marshal(obj)
}

// Conn abstracts the websocket connection so the client can be tested
// without a real server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens one websocket connection.
type Dialer func(ctx context.Context, url string) (Conn, error)

func defaultDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Options configures a Client.
type Options struct {
	// BaseURL is the storage service root; http/https schemes are mapped
	// to ws/wss.
	BaseURL string
	// Path overrides the websocket endpoint path, DefaultPath when empty.
	Path string
	// Tokens resolves the credential immediately before each dial. Nil
	// means unauthenticated.
	Tokens api.TokenProvider
	// HeartbeatInterval overrides the ping cadence.
	HeartbeatInterval time.Duration
	// ConnectTimeout overrides the per-dial deadline.
	ConnectTimeout time.Duration
	// ReconnectBase and ReconnectCap shape the exponential reconnect
	// backoff.
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	// MaxReconnectAttempts bounds consecutive failed reconnects before
	// the client gives up with a reconnect_failed event.
	MaxReconnectAttempts int
	// Dialer overrides the websocket dialer for tests.
	Dialer Dialer
	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// connectAttempt lets concurrent Connect calls share one in-flight dial.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// inboundFrame wraps one message read by the reader goroutine.
type inboundFrame struct {
	data []byte
	err  error
}

// Client maintains a persistent websocket connection to the storage
// service with heartbeat supervision and exponential-backoff reconnects.
// Outbound messages queue FIFO while disconnected; the queue survives
// reconnects and is cleared only by Disconnect.
//
// Architecture follows a single event loop per connection: a reader
// goroutine feeds inbound frames to the loop, and all writes (heartbeat,
// queue flush, pong replies) happen on the loop goroutine.
type Client struct {
	base        string
	path        string
	tokens      api.TokenProvider
	dial        Dialer
	metrics     *metrics.Metrics
	router      *EventRouter
	heartbeat   time.Duration
	connTimeout time.Duration
	backoff     retry.Policy
	maxAttempts int

	wake chan struct{}

	mu             sync.Mutex
	state          State
	conn           Conn
	connCancel     context.CancelFunc
	attempt        int
	manual         bool
	queue          [][]byte
	inflight       *connectAttempt
	reconnectTimer *time.Timer
}

// NewClient creates a Client. It does not connect; call Connect.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("realtime: base URL required")
	}

	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	connTimeout := opts.ConnectTimeout
	if connTimeout <= 0 {
		connTimeout = DefaultConnectTimeout
	}
	base := opts.ReconnectBase
	if base <= 0 {
		base = DefaultReconnectBase
	}
	cap := opts.ReconnectCap
	if cap <= 0 {
		cap = DefaultReconnectCap
	}
	maxAttempts := opts.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}
	dial := opts.Dialer
	if dial == nil {
		dial = defaultDialer
	}

	return &Client{
		base:        strings.TrimRight(opts.BaseURL, "/"),
		path:        path,
		tokens:      opts.Tokens,
		dial:        dial,
		metrics:     opts.Metrics,
		router:      NewEventRouter(),
		heartbeat:   heartbeat,
		connTimeout: connTimeout,
		backoff: retry.Policy{
			BaseDelay: base,
			Backoff:   retry.BackoffExponential,
			MaxDelay:  cap,
		},
		maxAttempts: maxAttempts,
		wake:        make(chan struct{}, 1),
	}, nil
}

// On registers an event handler and returns its unsubscribe function.
// EventAny subscribes to every event.
func (c *Client) On(event string, fn Handler) func() {
	return c.router.On(event, fn)
}

// Off removes every handler for the given event type. To remove one
// handler, call the unsubscribe function returned by On.
func (c *Client) Off(event string) {
	c.router.Off(event)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the connection is open.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// QueueLen returns the number of frames waiting to be sent.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Connect opens the connection. A second Connect during an in-flight
// attempt waits on that same attempt instead of dialing twice; Connect
// on an open client returns nil immediately.
func (c *Client) Connect(ctx context.Context) error {
	return c.doConnect(ctx, true)
}

// doConnect is the shared connect path. Explicit calls clear the manual
// close flag; timer-driven reconnects must not, so a Disconnect that
// raced the timer stays honored.
func (c *Client) doConnect(ctx context.Context, explicit bool) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if !explicit && c.manual {
		c.mu.Unlock()
		return ErrConnectAborted
	}
	if c.inflight != nil {
		att := c.inflight
		c.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	att := &connectAttempt{done: make(chan struct{})}
	c.inflight = att
	c.state = StateConnecting
	if explicit {
		c.manual = false
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	err := c.connect(ctx)

	c.mu.Lock()
	c.inflight = nil
	if err != nil && c.state == StateConnecting {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	att.err = err
	close(att.done)
	return err
}

// connect resolves the credential, dials, and brings the connection up.
func (c *Client) connect(ctx context.Context) error {
	var token string
	if c.tokens != nil {
		var err error
		token, err = c.tokens(ctx)
		if err != nil {
			return fmt.Errorf("realtime: resolving token: %w", err)
		}
	}

	endpoint := c.wsURL(token)
	logrus.WithFields(logrus.Fields{
		"function": "connect",
		"url":      c.base + c.path,
	}).Info("Dialing websocket")

	dialCtx, cancel := context.WithTimeout(ctx, c.connTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx, endpoint)
	if err != nil {
		return fmt.Errorf("realtime: dialing: %w", err)
	}

	c.mu.Lock()
	if c.manual {
		// Disconnect won the race while the dial was in flight; the
		// socket must not be installed over the manual close.
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		logrus.WithFields(logrus.Fields{
			"function": "connect",
		}).Info("Discarding connection dialed during disconnect")
		return ErrConnectAborted
	}

	// The connection outlives the dial context; it is torn down by
	// connCancel on close.
	connCtx, connCancel := context.WithCancel(context.Background())
	c.conn = conn
	c.connCancel = connCancel
	c.state = StateConnected
	c.attempt = 0
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "connect",
	}).Info("Websocket connected")

	c.router.Emit(Event{Type: EventConnected})

	go c.run(connCtx, conn)
	return nil
}

// wsURL builds the endpoint URL, mapping http/https to ws/wss.
func (c *Client) wsURL(token string) string {
	base := c.base
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	endpoint := base + c.path
	if token != "" {
		endpoint += "?token=" + url.QueryEscape(token)
	}
	return endpoint
}

// Send queues one frame for delivery. When connected the event loop
// flushes it immediately; otherwise it waits in the queue for the next
// successful connection.
func (c *Client) Send(msg Message) error {
	frame, err := msg.encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.queue = append(c.queue, frame)
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected {
		c.signalWake()
	}
	return nil
}

// SendUploadProgress queues an upload progress frame.
func (c *Client) SendUploadProgress(uploadID string, progress float64, chunksUploaded, totalChunks int) error {
	return c.Send(Message{Type: TypeUploadProgress, Fields: map[string]any{
		"upload_id":       uploadID,
		"progress":        progress,
		"chunks_uploaded": chunksUploaded,
		"total_chunks":    totalChunks,
	}})
}

// SendFileOperation queues a file change frame.
func (c *Client) SendFileOperation(event string, data map[string]any) error {
	return c.Send(Message{Type: TypeFileUpdate, Fields: map[string]any{
		"event": event,
		"data":  data,
	}})
}

// Subscribe asks the server to deliver events for a channel to this
// connection.
func (c *Client) Subscribe(channel string) error {
	if channel == "" {
		return errors.New("realtime: channel required")
	}
	return c.Send(Message{Type: TypeSubscribe, Fields: map[string]any{
		"channel": channel,
	}})
}

// Unsubscribe reverses Subscribe for a channel.
func (c *Client) Unsubscribe(channel string) error {
	if channel == "" {
		return errors.New("realtime: channel required")
	}
	return c.Send(Message{Type: TypeUnsubscribe, Fields: map[string]any{
		"channel": channel,
	}})
}

// Disconnect closes the connection, suppresses reconnection, and drops
// any queued frames.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.manual = true
	c.attempt = 0
	c.queue = nil
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	cancel := c.connCancel
	c.connCancel = nil
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if wasConnected {
		c.router.Emit(Event{Type: EventDisconnected, Reason: "client disconnect"})
	}
	return err
}

func (c *Client) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// run is the per-connection event loop. All writes happen here.
func (c *Client) run(connCtx context.Context, conn Conn) {
	inbound := make(chan inboundFrame, inboundQueueSize)
	go func() {
		for {
			_, data, err := conn.Read(connCtx)
			select {
			case inbound <- inboundFrame{data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	// Frames queued while disconnected go out first.
	if err := c.flush(connCtx, conn); err != nil {
		c.connectionLost(conn, "write failed: "+err.Error())
		return
	}

	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	awaitingPong := false

	for {
		select {
		case <-connCtx.Done():
			return

		case fr := <-inbound:
			if fr.err != nil {
				c.connectionLost(conn, "connection closed: "+fr.err.Error())
				return
			}
			if c.handleFrame(connCtx, conn, fr.data) {
				awaitingPong = false
			}

		case <-c.wake:
			if err := c.flush(connCtx, conn); err != nil {
				c.connectionLost(conn, "write failed: "+err.Error())
				return
			}

		case <-ticker.C:
			if awaitingPong {
				logrus.WithFields(logrus.Fields{
					"function": "run",
				}).Warn("Heartbeat pong missing, closing connection")
				conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
				c.connectionLost(conn, "heartbeat timeout")
				return
			}
			awaitingPong = true
			if err := conn.Write(connCtx, websocket.MessageText, pingFrame); err != nil {
				c.connectionLost(conn, "ping failed: "+err.Error())
				return
			}
		}
	}
}

// handleFrame routes one inbound frame. Returns true when the frame was
// a heartbeat pong.
func (c *Client) handleFrame(ctx context.Context, conn Conn, data []byte) bool {
	if !gjson.ValidBytes(data) {
		c.metrics.MessageReceived(EventRaw)
		c.router.Emit(Event{Type: EventRaw, Data: data})
		return false
	}

	t := gjson.GetBytes(data, "type")
	if t.Type != gjson.String || t.Str == "" {
		c.metrics.MessageReceived(EventRaw)
		c.router.Emit(Event{Type: EventRaw, Data: data})
		return false
	}

	switch t.Str {
	case TypePong:
		return true
	case TypePing:
		if err := conn.Write(ctx, websocket.MessageText, pongFrame); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleFrame",
				"error":    err.Error(),
			}).Warn("Could not answer server ping")
		}
		return false
	}

	c.metrics.MessageReceived(t.Str)
	c.router.Emit(Event{Type: t.Str, Data: data})
	return false
}

// flush drains the outbound queue in order. On a write failure the
// failed frame goes back to the head so nothing is lost.
func (c *Client) flush(ctx context.Context, conn Conn) error {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return nil
		}
		frame := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			c.mu.Lock()
			c.queue = append([][]byte{frame}, c.queue...)
			c.mu.Unlock()
			return err
		}
	}
}

// connectionLost tears down one connection and, unless the close was
// manual, schedules a reconnect. Stale loops from an already replaced
// connection do nothing.
func (c *Client) connectionLost(conn Conn, reason string) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	manual := c.manual
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.mu.Unlock()

	conn.Close(websocket.StatusGoingAway, reason)

	logrus.WithFields(logrus.Fields{
		"function": "connectionLost",
		"reason":   reason,
	}).Warn("Websocket connection lost")

	c.router.Emit(Event{Type: EventDisconnected, Reason: reason})

	if !manual {
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms the next reconnect attempt with exponential
// backoff, or gives up once the attempt budget is spent.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	if attempt > c.maxAttempts {
		c.mu.Unlock()
		reason := fmt.Sprintf("gave up after %d reconnect attempts", c.maxAttempts)
		logrus.WithFields(logrus.Fields{
			"function": "scheduleReconnect",
			"attempts": c.maxAttempts,
		}).Error("Reconnect budget exhausted")
		c.router.Emit(Event{Type: EventReconnectFailed, Reason: reason})
		return
	}

	delay := c.backoff.Delay(attempt)
	c.reconnectTimer = time.AfterFunc(delay, c.reconnectNow)
	c.mu.Unlock()

	c.metrics.ReconnectScheduled()
	logrus.WithFields(logrus.Fields{
		"function": "scheduleReconnect",
		"attempt":  attempt,
		"delay":    delay,
	}).Info("Reconnect scheduled")
}

func (c *Client) reconnectNow() {
	if err := c.doConnect(context.Background(), false); err != nil {
		if errors.Is(err, ErrConnectAborted) {
			return
		}
		c.mu.Lock()
		manual := c.manual
		c.mu.Unlock()
		if !manual {
			c.scheduleReconnect()
		}
	}
}
