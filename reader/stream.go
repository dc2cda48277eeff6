package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"feedflow/logger"
)

var (
	ErrNotConnected  = errors.New("stream not connected")
	ErrAlreadyJoined = errors.New("channel already joined")
	ErrNotJoined     = errors.New("channel not joined")
)

// Message is one data event from the stream.
type Message struct {
	// Base is the channel name without the symbol suffix.
	Base       string
	Symbol     string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

type StreamConfig struct {
	URL          string
	Token        string
	PingInterval time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	WriteTimeout time.Duration
	// Globals are joined on every (re)connect.
	Globals []string
}

// Hooks are called from the stream goroutine.
type Hooks struct {
	OnMessage    func(Message)
	OnConnect    func(now time.Time)
	OnDisconnect func(err error, now time.Time)
}

// StreamClient holds one WebSocket connection, joins channels on request and
// reconnects with backoff until its context ends.
type StreamClient struct {
	cfg    StreamConfig
	hooks  Hooks
	dialer *websocket.Dialer
	log    *logger.Log

	mu     sync.Mutex
	conn   *websocket.Conn
	joined map[string]bool
}

func NewStreamClient(cfg StreamConfig, hooks Hooks, log *logger.Log) *StreamClient {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 5 * time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &StreamClient{
		cfg:    cfg,
		hooks:  hooks,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    log,
		joined: make(map[string]bool),
	}
}

// endpoint appends the token as a query parameter.
func (c *StreamClient) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Run connects and reads until ctx is cancelled.
func (c *StreamClient) Run(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}
	log := c.log.WithComponent("stream_reader")
	b := &backoff.Backoff{Min: c.cfg.ReconnectMin, Max: c.cfg.ReconnectMax, Factor: 2, Jitter: true}

	for {
		if ctx.Err() != nil {
			return nil
		}
		err := c.session(ctx, endpoint, b)
		if ctx.Err() != nil {
			return nil
		}
		if c.hooks.OnDisconnect != nil {
			c.hooks.OnDisconnect(err, time.Now())
		}
		wait := b.Duration()
		log.WithError(err).WithField("retry_in", wait.String()).Warn("stream disconnected, reconnecting")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *StreamClient) session(ctx context.Context, endpoint string, b *backoff.Backoff) error {
	log := c.log.WithComponent("stream_reader")
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.joined = make(map[string]bool)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.joined = make(map[string]bool)
		c.mu.Unlock()
		conn.Close()
	}()

	for _, ch := range c.cfg.Globals {
		if err := c.Join(ch); err != nil && !errors.Is(err, ErrAlreadyJoined) {
			return fmt.Errorf("join %s: %w", ch, err)
		}
	}
	b.Reset()
	log.WithField("globals", c.cfg.Globals).Info("stream connected")
	if c.hooks.OnConnect != nil {
		c.hooks.OnConnect(time.Now())
	}

	readTimeout := 3 * c.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
					log.WithError(err).Debug("ping failed")
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		msg, ok := ParseMessage(raw)
		if !ok {
			log.WithField("size", len(raw)).Debug("ignoring message without channel or object payload")
			continue
		}
		msg.ReceivedAt = time.Now().UTC()
		logger.IncrementStreamMessage(msg.Base, len(raw))
		if c.hooks.OnMessage != nil {
			c.hooks.OnMessage(msg)
		}
	}
}

type control struct {
	Channel string `json:"channel"`
	MsgType string `json:"msg_type"`
}

// Join subscribes to channel on the live connection.
func (c *StreamClient) Join(channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if c.joined[channel] {
		return ErrAlreadyJoined
	}
	if err := c.write(control{Channel: channel, MsgType: "join"}); err != nil {
		return err
	}
	c.joined[channel] = true
	return nil
}

// Leave unsubscribes from channel. Leaving while disconnected succeeds
// because the upstream dropped every registration with the connection.
func (c *StreamClient) Leave(channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	if !c.joined[channel] {
		return ErrNotJoined
	}
	if err := c.write(control{Channel: channel, MsgType: "leave"}); err != nil {
		return err
	}
	delete(c.joined, channel)
	return nil
}

// write must be called with c.mu held.
func (c *StreamClient) write(v control) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write %s %s: %w", v.MsgType, v.Channel, err)
	}
	return nil
}

// Connected reports whether a session is live.
func (c *StreamClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Joined returns the channels joined on the current connection.
func (c *StreamClient) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for ch := range c.joined {
		out = append(out, ch)
	}
	return out
}

// SymbolChannel names the per-symbol channel, e.g. price:SPY.
func SymbolChannel(base, symbol string) string {
	return base + ":" + strings.ToUpper(symbol)
}

// ParseMessage accepts the two shapes the upstream sends:
// ["<channel>", {...}] and {"channel"|"topic"|"stream": "...", "data"|"payload": {...}}.
// A message whose payload is not a JSON object is rejected.
func ParseMessage(raw []byte) (Message, bool) {
	var channel string
	var data json.RawMessage

	trimmed := strings.TrimSpace(string(raw))
	switch {
	case strings.HasPrefix(trimmed, "["):
		var parts []json.RawMessage
		if err := json.Unmarshal(raw, &parts); err != nil || len(parts) < 2 {
			return Message{}, false
		}
		if err := json.Unmarshal(parts[0], &channel); err != nil {
			return Message{}, false
		}
		data = parts[1]
	case strings.HasPrefix(trimmed, "{"):
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return Message{}, false
		}
		for _, k := range []string{"channel", "topic", "stream"} {
			if v, ok := obj[k]; ok && json.Unmarshal(v, &channel) == nil && channel != "" {
				break
			}
			channel = ""
		}
		data = json.RawMessage(raw)
		for _, k := range []string{"data", "payload"} {
			if v, ok := obj[k]; ok && isObject(v) {
				data = v
				break
			}
		}
	default:
		return Message{}, false
	}

	if channel == "" || !isObject(data) {
		return Message{}, false
	}
	base, symbol := channel, ""
	if i := strings.IndexByte(channel, ':'); i >= 0 {
		base, symbol = channel[:i], strings.ToUpper(channel[i+1:])
	}
	if symbol == "" {
		symbol = payloadSymbol(data)
	}
	return Message{Base: base, Symbol: symbol, Payload: data}, true
}

func isObject(v json.RawMessage) bool {
	s := strings.TrimSpace(string(v))
	return strings.HasPrefix(s, "{") && json.Valid(v)
}

func payloadSymbol(data json.RawMessage) string {
	var fields map[string]interface{}
	if json.Unmarshal(data, &fields) != nil {
		return ""
	}
	for _, k := range []string{"ticker", "underlying_symbol", "symbol"} {
		if s, ok := fields[k].(string); ok && s != "" {
			return strings.ToUpper(s)
		}
	}
	return ""
}
