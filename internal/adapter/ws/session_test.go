package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/agentry-io/agentry/internal/config"
	"github.com/agentry-io/agentry/internal/domain/event"
)

// fakeConn is an in-memory transport for session tests.
type fakeConn struct {
	in      chan []byte
	out     chan []byte
	readErr error

	mu     sync.Mutex
	code   websocket.StatusCode
	reason string
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 8),
		out:    make(chan []byte), // unbuffered so tests control drain pace
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	if c.readErr != nil {
		return 0, nil, c.readErr
	}
	select {
	case data := <-c.in:
		return websocket.MessageText, data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Write(ctx context.Context, _ websocket.MessageType, p []byte) error {
	select {
	case c.out <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.code = code
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) closeCode() websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *fakeConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *fakeConn) sendJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal client frame: %v", err)
	}
	select {
	case c.in <- data:
	case <-time.After(time.Second):
		t.Fatal("session did not consume client frame")
	}
}

func (c *fakeConn) recvJSON(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-c.out:
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal server frame: %v", err)
		}
		return m
	case <-time.After(time.Second):
		t.Fatal("no server frame within 1s")
		return nil
	}
}

func (c *fakeConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(time.Second):
		t.Fatal("connection not closed within 1s")
	}
}

// stubVerifier accepts exactly one token.
type stubVerifier struct{}

func (stubVerifier) VerifyToken(token string) (string, error) {
	if token == "good-token" {
		return "user-1", nil
	}
	return "", errors.New("invalid signature")
}

func testWSConfig() config.WS {
	return config.WS{
		HandshakeWindow: time.Second,
		MaxMessageBytes: 64 * 1024,
		SendBuffer:      8,
	}
}

func startSession(t *testing.T, hub *Hub, conn *fakeConn, cfg config.WS) {
	t.Helper()
	s := newSession(context.Background(), hub, conn, stubVerifier{}, cfg)
	done := make(chan struct{})
	go func() {
		s.run()
		close(done)
	}()
	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "test done")
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("session did not stop")
		}
	})
}

func authenticate(t *testing.T, conn *fakeConn) {
	t.Helper()
	conn.sendJSON(t, map[string]any{"action": "authenticate", "token": "good-token"})
	frame := conn.recvJSON(t)
	if frame["status"] != "authenticated" {
		t.Fatalf("unexpected handshake response: %v", frame)
	}
}

func TestHandshakeSuccess(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()
	startSession(t, hub, conn, testWSConfig())

	conn.sendJSON(t, map[string]any{"action": "authenticate", "token": "good-token"})
	frame := conn.recvJSON(t)
	if frame["status"] != "authenticated" || frame["identity"] != "user-1" {
		t.Fatalf("unexpected response: %v", frame)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	cfg := testWSConfig()
	cfg.HandshakeWindow = 20 * time.Millisecond
	hub := NewHub()
	conn := newFakeConn()
	startSession(t, hub, conn, cfg)

	conn.waitClosed(t)
	if code := conn.closeCode(); code != websocket.StatusPolicyViolation {
		t.Fatalf("expected 1008, got %d", code)
	}
	if reason := conn.closeReason(); reason != "authentication timeout" {
		t.Fatalf("expected timeout reason, got %q", reason)
	}
	if hub.ConnectionCount() != 0 {
		t.Fatal("unauthenticated session must not join the hub")
	}
}

func TestHandshakeReadFailureIsNotATimeout(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()
	conn.readErr = errors.New("broken pipe")
	startSession(t, hub, conn, testWSConfig())

	conn.waitClosed(t)
	if code := conn.closeCode(); code != websocket.StatusProtocolError {
		t.Fatalf("expected 1002, got %d", code)
	}
	if reason := conn.closeReason(); reason == "authentication timeout" {
		t.Fatal("transport failure must not be reported as a timeout")
	}
	if hub.ConnectionCount() != 0 {
		t.Fatal("failed handshake must not join the hub")
	}
}

func TestHandshakeInvalidToken(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()
	startSession(t, hub, conn, testWSConfig())

	conn.sendJSON(t, map[string]any{"action": "authenticate", "token": "forged"})
	frame := conn.recvJSON(t)
	if frame["error"] != "invalid token" {
		t.Fatalf("expected error frame, got %v", frame)
	}
	conn.waitClosed(t)
	if code := conn.closeCode(); code != websocket.StatusPolicyViolation {
		t.Fatalf("expected 1008, got %d", code)
	}
}

func TestHandshakeRequiresAuthenticateFirst(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()
	startSession(t, hub, conn, testWSConfig())

	conn.sendJSON(t, map[string]any{"action": "subscribe", "event_types": []string{event.TypeTaskCompleted}})
	frame := conn.recvJSON(t)
	if frame["error"] == nil {
		t.Fatalf("expected error frame, got %v", frame)
	}
	conn.waitClosed(t)
	if code := conn.closeCode(); code != websocket.StatusPolicyViolation {
		t.Fatalf("expected 1008, got %d", code)
	}
}

func TestHandshakeInvalidJSON(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()
	startSession(t, hub, conn, testWSConfig())

	conn.in <- []byte("not json")
	conn.waitClosed(t)
	if code := conn.closeCode(); code != websocket.StatusUnsupportedData {
		t.Fatalf("expected 1003, got %d", code)
	}
}

func TestSubscribeAndBroadcast(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()
	startSession(t, hub, conn, testWSConfig())
	authenticate(t, conn)

	conn.sendJSON(t, map[string]any{"action": "subscribe", "event_types": []string{event.TypeTaskCompleted}})
	if frame := conn.recvJSON(t); frame["status"] != "subscribed" {
		t.Fatalf("unexpected response: %v", frame)
	}

	hub.Broadcast(context.Background(), event.TypeTaskCompleted, map[string]string{"task_id": "task-1"})
	frame := conn.recvJSON(t)
	if frame["event_type"] != event.TypeTaskCompleted {
		t.Fatalf("unexpected envelope: %v", frame)
	}
	data := frame["data"].(map[string]any)
	if data["task_id"] != "task-1" {
		t.Fatalf("unexpected payload: %v", data)
	}
	if frame["timestamp"] == nil {
		t.Fatal("envelope missing timestamp")
	}
}

func TestBroadcastSkipsOtherTopics(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()
	startSession(t, hub, conn, testWSConfig())
	authenticate(t, conn)

	conn.sendJSON(t, map[string]any{"action": "subscribe", "event_types": []string{event.TypeTaskFailed}})
	conn.recvJSON(t)

	hub.Broadcast(context.Background(), event.TypeTaskCompleted, map[string]string{"task_id": "task-1"})

	conn.sendJSON(t, map[string]any{"action": "ping"})
	if frame := conn.recvJSON(t); frame["status"] != "pong" {
		t.Fatalf("expected pong after unrelated broadcast, got %v", frame)
	}
}

func TestSubscribeUnknownTopic(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()
	startSession(t, hub, conn, testWSConfig())
	authenticate(t, conn)

	conn.sendJSON(t, map[string]any{"action": "subscribe", "event_types": []string{"task_exploded"}})
	frame := conn.recvJSON(t)
	if frame["error"] == nil {
		t.Fatalf("expected error for unknown topic, got %v", frame)
	}
	if hub.SubscriberCount("task_exploded") != 0 {
		t.Fatal("unknown topic must not gain subscribers")
	}
}

func TestReauthenticateIsNoop(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()
	startSession(t, hub, conn, testWSConfig())
	authenticate(t, conn)

	conn.sendJSON(t, map[string]any{"action": "authenticate", "token": "anything"})
	frame := conn.recvJSON(t)
	if frame["status"] != "authenticated" || frame["identity"] != "user-1" {
		t.Fatalf("re-authenticate must ack with the original identity, got %v", frame)
	}
}

func TestUnknownAction(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()
	startSession(t, hub, conn, testWSConfig())
	authenticate(t, conn)

	conn.sendJSON(t, map[string]any{"action": "levitate"})
	frame := conn.recvJSON(t)
	if frame["error"] == nil {
		t.Fatalf("expected error frame, got %v", frame)
	}
}

func TestSlowSessionIsDropped(t *testing.T) {
	cfg := testWSConfig()
	cfg.SendBuffer = 1
	hub := NewHub()
	conn := newFakeConn()
	startSession(t, hub, conn, cfg)
	authenticate(t, conn)

	conn.sendJSON(t, map[string]any{"action": "subscribe", "event_types": []string{event.TypeTaskCompleted}})
	conn.recvJSON(t)

	// Nobody drains conn.out: the write loop blocks on the first
	// frame, the buffer holds the second, the third finds it full.
	for i := 0; i < 3; i++ {
		hub.Broadcast(context.Background(), event.TypeTaskCompleted, map[string]string{"n": "x"})
	}

	deadline := time.After(time.Second)
	for hub.ConnectionCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("slow session was not dropped")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDisconnectRemovesFromTopics(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()
	startSession(t, hub, conn, testWSConfig())
	authenticate(t, conn)

	conn.sendJSON(t, map[string]any{"action": "subscribe", "event_types": event.Topics()})
	conn.recvJSON(t)

	conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.After(time.Second)
	for hub.ConnectionCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("session not removed after close")
		case <-time.After(5 * time.Millisecond):
		}
	}
	for _, topic := range event.Topics() {
		if hub.SubscriberCount(topic) != 0 {
			t.Fatalf("topic %s still has subscribers", topic)
		}
	}
}
