package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotConnected = errors.New("channel not connected")
	ErrClosed       = errors.New("channel closed")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Identity struct {
	Role string
	ID   int64
}

type Handler func(payload json.RawMessage)

type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	BaseURL     string
	BaseDelay   time.Duration
	MaxAttempts int
	DialTimeout time.Duration
	Logger      Logger
}

type Client struct {
	dialer      Dialer
	baseURL     string
	baseDelay   time.Duration
	maxAttempts int
	dialTimeout time.Duration
	logger      Logger
	afterFunc   func(d time.Duration, f func()) *time.Timer

	mu         sync.Mutex
	state      State
	identity   Identity
	transport  Transport
	cancelRead context.CancelFunc
	gen        uint64
	attempts   int
	reconnect  *time.Timer
	active     bool
	gaveUp     bool
	handlers   map[string]Handler
	onState    []func(State)
	onGiveUp   []func()

	dispatchMu sync.Mutex
}

func New(dialer Dialer, opts Options) (*Client, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "ws://localhost:8000"
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Client{
		dialer:      dialer,
		baseURL:     baseURL,
		baseDelay:   baseDelay,
		maxAttempts: maxAttempts,
		dialTimeout: dialTimeout,
		logger:      opts.Logger,
		afterFunc:   time.AfterFunc,
		handlers:    map[string]Handler{},
	}, nil
}

func (c *Client) Endpoint(identity Identity) string {
	return fmt.Sprintf("%s/ws/%s/%d", c.baseURL, url.PathEscape(strings.TrimSpace(identity.Role)), identity.ID)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// A failed dial schedules the same backoff as a dropped connection.
func (c *Client) Connect(ctx context.Context, identity Identity) error {
	if strings.TrimSpace(identity.Role) == "" {
		return fmt.Errorf("identity role is required")
	}
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.stopReconnectLocked()
	c.identity = identity
	c.active = true
	c.gaveUp = false
	c.attempts = 0
	gen := c.beginDialLocked()
	c.mu.Unlock()

	c.notifyState(Connecting)
	return c.dial(ctx, gen)
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	c.active = false
	c.gen++
	c.stopReconnectLocked()
	transport := c.transport
	cancelRead := c.cancelRead
	c.transport = nil
	c.cancelRead = nil
	previous := c.state
	c.state = Disconnected
	c.attempts = 0
	c.handlers = map[string]Handler{}
	c.mu.Unlock()

	if cancelRead != nil {
		cancelRead()
	}
	if transport != nil {
		_ = transport.Close()
	}
	if previous != Disconnected {
		c.logf("channel disconnected")
		c.notifyState(Disconnected)
	}
}

func (c *Client) Subscribe(eventType string, handler Handler) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" || handler == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = handler
}

func (c *Client) Unsubscribe(eventType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, strings.TrimSpace(eventType))
}

func (c *Client) OnStateChange(fn func(State)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, fn)
}

func (c *Client) OnGiveUp(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onGiveUp = append(c.onGiveUp, fn)
}

func (c *Client) Send(ctx context.Context, eventType string, payload any) error {
	data, err := encodeFrame(eventType, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return ErrNotConnected
	}
	return transport.Write(ctx, data)
}

func (c *Client) beginDialLocked() uint64 {
	c.gen++
	c.state = Connecting
	return c.gen
}

func (c *Client) dial(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	endpoint := c.Endpoint(c.identity)
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	transport, err := c.dialer.Dial(dialCtx, endpoint)
	cancel()

	c.mu.Lock()
	if gen != c.gen || !c.active {
		c.mu.Unlock()
		if transport != nil {
			_ = transport.Close()
		}
		return ErrClosed
	}
	if err != nil {
		c.state = Disconnected
		after := c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.logf("channel dial %s failed: %v", endpoint, err)
		c.notifyState(Disconnected)
		after()
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	readCtx, cancelRead := context.WithCancel(context.Background())
	c.transport = transport
	c.cancelRead = cancelRead
	c.state = Connected
	c.attempts = 0
	c.mu.Unlock()

	c.logf("channel connected to %s", endpoint)
	c.notifyState(Connected)
	go c.readLoop(readCtx, gen, transport)
	return nil
}

func (c *Client) readLoop(ctx context.Context, gen uint64, transport Transport) {
	for {
		data, err := transport.Read(ctx)
		if err != nil {
			c.handleClosed(gen, transport, err)
			return
		}
		c.dispatch(gen, data)
	}
}

func (c *Client) dispatch(gen uint64, data []byte) {
	frame, err := decodeFrame(data)
	if err != nil {
		c.logf("channel dropping malformed frame: %v", err)
		return
	}
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	handler := c.handlers[frame.Type]
	c.mu.Unlock()
	if handler == nil {
		return
	}
	handler(frame.Payload)
}

func (c *Client) handleClosed(gen uint64, transport Transport, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != Connected {
		c.mu.Unlock()
		return
	}
	cancelRead := c.cancelRead
	c.transport = nil
	c.cancelRead = nil
	c.state = Disconnected
	after := c.scheduleReconnectLocked()
	c.mu.Unlock()

	if cancelRead != nil {
		cancelRead()
	}
	_ = transport.Close()
	c.logf("channel closed: %v", cause)
	c.notifyState(Disconnected)
	after()
}

// The returned func must run after c.mu is released.
func (c *Client) scheduleReconnectLocked() func() {
	if !c.active {
		return func() {}
	}
	if c.attempts >= c.maxAttempts {
		c.active = false
		if c.gaveUp {
			return func() {}
		}
		c.gaveUp = true
		listeners := append([]func(){}, c.onGiveUp...)
		attempts := c.attempts
		return func() {
			c.logf("channel giving up after %d reconnect attempts", attempts)
			for _, fn := range listeners {
				fn()
			}
		}
	}
	c.attempts++
	delay := time.Duration(c.attempts) * c.baseDelay
	gen := c.gen
	c.stopReconnectLocked()
	c.reconnect = c.afterFunc(delay, func() {
		c.reconnectNow(gen)
	})
	c.logf("channel reconnect %d/%d scheduled in %s", c.attempts, c.maxAttempts, delay)
	return func() {}
}

func (c *Client) reconnectNow(expectedGen uint64) {
	c.mu.Lock()
	if !c.active || c.gen != expectedGen || c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	gen := c.beginDialLocked()
	c.mu.Unlock()

	c.notifyState(Connecting)
	_ = c.dial(context.Background(), gen)
}

func (c *Client) stopReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

func (c *Client) notifyState(state State) {
	c.mu.Lock()
	listeners := append([]func(State){}, c.onState...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
