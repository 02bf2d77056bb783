package cnc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kaonis/woly-node/internal/protocol"
)

// mockCNC simulates the C&C WebSocket service.
type mockCNC struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     []*websocket.Conn
	messages  []protocol.Message
	headers   []http.Header
	autoReply *protocol.RegisteredPayload
}

func newMockCNC(t *testing.T) *mockCNC {
	m := &mockCNC{
		t: t,
		upgrader: websocket.Upgrader{
			CheckOrigin:  func(r *http.Request) bool { return true },
			Subprotocols: []string{"bearer"},
		},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleWS))
	return m
}

// URL returns the HTTP base URL; the client derives the ws endpoint.
func (m *mockCNC) URL() string { return m.server.URL }

func (m *mockCNC) Close() {
	m.mu.Lock()
	for _, conn := range m.conns {
		_ = conn.Close()
	}
	m.mu.Unlock()
	m.server.Close()
}

// AutoRegister makes the mock answer every register with the given reply.
func (m *mockCNC) AutoRegister(reply protocol.RegisteredPayload) {
	m.mu.Lock()
	m.autoReply = &reply
	m.mu.Unlock()
}

func (m *mockCNC) handleWS(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.headers = append(m.headers, r.Header.Clone())
	m.mu.Unlock()

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		m.mu.Lock()
		m.messages = append(m.messages, msg)
		reply := m.autoReply
		m.mu.Unlock()

		if msg.Type == protocol.TypeRegister && reply != nil {
			out, _ := protocol.NewMessage(protocol.TypeRegistered, reply)
			raw, _ := json.Marshal(out)
			_ = conn.WriteMessage(websocket.TextMessage, raw)
		}
	}
}

// Headers returns the request headers of every accepted upgrade.
func (m *mockCNC) Headers() []http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]http.Header{}, m.headers...)
}

// MessagesOfType returns received messages of one type.
func (m *mockCNC) MessagesOfType(msgType string) []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.Message
	for _, msg := range m.messages {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

// WaitForMessage waits for a message of the given type.
func (m *mockCNC) WaitForMessage(ctx context.Context, msgType string) (*protocol.Message, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			msgs := m.MessagesOfType(msgType)
			if len(msgs) > 0 {
				return &msgs[len(msgs)-1], nil
			}
		}
	}
}

// WaitForConns waits until n upgrades were accepted.
func (m *mockCNC) WaitForConns(ctx context.Context, n int) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.mu.Lock()
			count := len(m.conns)
			m.mu.Unlock()
			if count >= n {
				return nil
			}
		}
	}
}

// SendToLatest writes a raw frame on the most recent connection.
func (m *mockCNC) SendToLatest(msgType, commandID string, data any) error {
	payload, _ := json.Marshal(data)
	msg := protocol.Message{Type: msgType, CommandID: commandID, Data: payload}
	raw, _ := json.Marshal(msg)

	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.conns[len(m.conns)-1]
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// CloseLatest closes the most recent connection with a close frame.
func (m *mockCNC) CloseLatest(code int, reason string) {
	m.mu.Lock()
	conn := m.conns[len(m.conns)-1]
	m.mu.Unlock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	time.Sleep(50 * time.Millisecond)
	_ = conn.Close()
}
