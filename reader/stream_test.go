package reader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageShapes(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		ok     bool
		base   string
		symbol string
	}{
		{"array", `["price:spy",{"close":"501.2"}]`, true, "price", "SPY"},
		{"channel field", `{"channel":"gex:QQQ","data":{"gamma":1}}`, true, "gex", "QQQ"},
		{"topic and payload", `{"topic":"option_trades:IWM","payload":{"size":3}}`, true, "option_trades", "IWM"},
		{"stream field inline", `{"stream":"news","headline":"x"}`, true, "news", ""},
		{"global with ticker", `["flow-alerts",{"ticker":"aapl","premium":1}]`, true, "flow-alerts", "AAPL"},
		{"non object payload", `["price:SPY",[1,2,3]]`, false, "", ""},
		{"no channel", `{"data":{"a":1}}`, false, "", ""},
		{"not json", `pong`, false, "", ""},
		{"short array", `["price:SPY"]`, false, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, ok := ParseMessage([]byte(tc.raw))
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.base, msg.Base)
				assert.Equal(t, tc.symbol, msg.Symbol)
				assert.True(t, strings.HasPrefix(string(msg.Payload), "{"))
			}
		})
	}
}

type wsServer struct {
	mu       sync.Mutex
	controls []control
	token    string
	conns    []*websocket.Conn
}

func (s *wsServer) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.token = r.URL.Query().Get("token")
		s.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		for {
			var c control
			if err := conn.ReadJSON(&c); err != nil {
				return
			}
			s.mu.Lock()
			s.controls = append(s.controls, c)
			s.mu.Unlock()
			if c.MsgType == "join" {
				conn.WriteMessage(websocket.TextMessage, []byte(`["`+c.Channel+`",{"joined":true}]`))
			}
		}
	}
}

func (s *wsServer) snapshot() []control {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]control(nil), s.controls...)
}

func TestStreamJoinsAndDelivers(t *testing.T) {
	ws := &wsServer{}
	srv := httptest.NewServer(ws.handler(t))
	defer srv.Close()

	var mu sync.Mutex
	var msgs []Message
	connected := make(chan struct{}, 1)
	client := NewStreamClient(StreamConfig{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket",
		Token:        "secret",
		PingInterval: time.Second,
		ReconnectMin: 10 * time.Millisecond,
		Globals:      []string{"flow-alerts"},
	}, Hooks{
		OnMessage: func(m Message) {
			mu.Lock()
			msgs = append(msgs, m)
			mu.Unlock()
		},
		OnConnect: func(time.Time) { connected <- struct{}{} },
	}, nil)

	assert.ErrorIs(t, client.Join("price:SPY"), ErrNotConnected)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not connect")
	}
	require.NoError(t, client.Join(SymbolChannel("price", "spy")))
	assert.ErrorIs(t, client.Join("price:SPY"), ErrAlreadyJoined)
	require.NoError(t, client.Leave("price:SPY"))
	assert.ErrorIs(t, client.Leave("price:SPY"), ErrNotJoined)

	require.Eventually(t, func() bool { return len(ws.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []control{
		{Channel: "flow-alerts", MsgType: "join"},
		{Channel: "price:SPY", MsgType: "join"},
		{Channel: "price:SPY", MsgType: "leave"},
	}, ws.snapshot())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "flow-alerts", msgs[0].Base)
	assert.Equal(t, "price", msgs[1].Base)
	assert.Equal(t, "SPY", msgs[1].Symbol)
	mu.Unlock()

	ws.mu.Lock()
	assert.Equal(t, "secret", ws.token)
	ws.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
	assert.False(t, client.Connected())
}

func TestStreamReconnectsAfterDrop(t *testing.T) {
	ws := &wsServer{}
	srv := httptest.NewServer(ws.handler(t))
	defer srv.Close()

	connects := make(chan struct{}, 4)
	disconnects := make(chan error, 4)
	client := NewStreamClient(StreamConfig{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
	}, Hooks{
		OnConnect:    func(time.Time) { connects <- struct{}{} },
		OnDisconnect: func(err error, _ time.Time) { disconnects <- err },
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	<-connects
	ws.mu.Lock()
	ws.conns[0].Close()
	ws.mu.Unlock()

	select {
	case err := <-disconnects:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect reported")
	}
	select {
	case <-connects:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not reconnect")
	}
	assert.Empty(t, client.Joined(), "a new connection starts with nothing joined")
}
