package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	agotel "github.com/agentry-io/agentry/internal/adapter/otel"
	"github.com/agentry-io/agentry/internal/config"
	"github.com/agentry-io/agentry/internal/domain/event"
)

// Verifier checks the token presented during the handshake and returns
// the caller identity. Token issuance happens elsewhere.
type Verifier interface {
	VerifyToken(token string) (string, error)
}

// transport is the subset of *websocket.Conn a session needs. Tests
// substitute an in-memory implementation.
type transport interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(limit int64)
}

// clientMessage is every frame a client may send.
type clientMessage struct {
	Action     string   `json:"action"`
	Token      string   `json:"token,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// session is one client connection moving through
// connected -> authenticated -> closed.
type session struct {
	hub      *Hub
	conn     transport
	cfg      config.WS
	verifier Verifier

	identity string
	send     chan []byte
	ctx      context.Context
	cancel   context.CancelFunc

	closeOnce sync.Once
}

func newSession(ctx context.Context, hub *Hub, conn transport, verifier Verifier, cfg config.WS) *session {
	sctx, cancel := context.WithCancel(ctx)
	return &session{
		hub:      hub,
		conn:     conn,
		cfg:      cfg,
		verifier: verifier,
		send:     make(chan []byte, cfg.SendBuffer),
		ctx:      sctx,
		cancel:   cancel,
	}
}

// run drives the session to completion: handshake, then the read and
// write loops until either side closes.
func (s *session) run() {
	s.conn.SetReadLimit(int64(s.cfg.MaxMessageBytes))

	if !s.handshake() {
		s.cancel()
		return
	}

	s.hub.add(s)
	defer s.hub.disconnect(s)

	go s.writeLoop()
	s.readLoop()
	s.close(websocket.StatusNormalClosure, "")
}

// handshake enforces the authenticate-first protocol: the first frame
// must be a valid authenticate message inside the handshake window.
func (s *session) handshake() bool {
	readCtx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeWindow)
	defer cancel()

	typ, data, err := s.conn.Read(readCtx)
	if err != nil {
		// Only report a timeout when the handshake window actually
		// expired; anything else is a transport failure or an oversized
		// first frame.
		if readCtx.Err() != nil {
			s.close(websocket.StatusPolicyViolation, "authentication timeout")
		} else {
			s.close(websocket.StatusProtocolError, "handshake read failed")
		}
		return false
	}
	if typ != websocket.MessageText {
		s.close(websocket.StatusUnsupportedData, "text frames only")
		return false
	}

	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.close(websocket.StatusUnsupportedData, "invalid json")
		return false
	}
	if msg.Action != "authenticate" {
		s.writeJSON(map[string]any{"error": "authentication required"})
		s.close(websocket.StatusPolicyViolation, "authentication required")
		return false
	}

	identity, err := s.verifier.VerifyToken(msg.Token)
	if err != nil {
		s.writeJSON(map[string]any{"error": "invalid token"})
		s.close(websocket.StatusPolicyViolation, "invalid token")
		return false
	}

	s.identity = identity
	s.writeJSON(map[string]any{"status": "authenticated", "identity": identity})
	return true
}

// readLoop handles post-handshake client frames until the connection
// drops or the session is disconnected.
func (s *session) readLoop() {
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			s.close(websocket.StatusUnsupportedData, "text frames only")
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.enqueueJSON(map[string]any{"error": "invalid json"})
			continue
		}

		switch msg.Action {
		case "authenticate":
			// Already authenticated; ack rather than re-verify.
			s.enqueueJSON(map[string]any{"status": "authenticated", "identity": s.identity})
		case "subscribe":
			s.handleSubscribe(msg.EventTypes)
		case "ping":
			s.enqueueJSON(map[string]any{"status": "pong"})
		default:
			s.enqueueJSON(map[string]any{"error": fmt.Sprintf("unknown action %q", msg.Action)})
		}
	}
}

func (s *session) handleSubscribe(topics []string) {
	if len(topics) == 0 {
		s.enqueueJSON(map[string]any{"error": "event_types is required"})
		return
	}
	for _, topic := range topics {
		if !event.ValidTopic(topic) {
			s.enqueueJSON(map[string]any{"error": fmt.Sprintf("unknown event type %q", topic)})
			return
		}
	}

	s.hub.subscribe(s, topics)
	s.enqueueJSON(map[string]any{"status": "subscribed", "event_types": topics})
}

// writeLoop is the single writer for the session after the handshake.
// One FIFO channel per connection keeps per-task event order.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.send:
			if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
				s.hub.disconnect(s)
				return
			}
		}
	}
}

// enqueueJSON queues a control frame behind any pending broadcasts.
func (s *session) enqueueJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal session frame", "error", err)
		return
	}
	select {
	case s.send <- data:
	case <-s.ctx.Done():
	}
}

// writeJSON writes directly; only valid before the write loop starts.
func (s *session) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal session frame", "error", err)
		return
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		slog.Debug("handshake write failed", "error", err)
	}
}

func (s *session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		_ = s.conn.Close(code, reason)
	})
}

// Handler upgrades HTTP requests to WebSocket sessions.
type Handler struct {
	hub      *Hub
	verifier Verifier
	cfg      config.WS
	metrics  *agotel.Metrics
}

// NewHandler creates the /ws endpoint handler.
func NewHandler(hub *Hub, verifier Verifier, cfg config.WS) *Handler {
	return &Handler{hub: hub, verifier: verifier, cfg: cfg}
}

// SetMetrics attaches metric instruments to connection handling.
func (h *Handler) SetMetrics(m *agotel.Metrics) {
	h.metrics = m
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	slog.Info("websocket connected", "remote", r.RemoteAddr)
	if h.metrics != nil {
		h.metrics.WSConnections.Add(r.Context(), 1)
		defer h.metrics.WSConnections.Add(context.Background(), -1)
	}

	s := newSession(r.Context(), h.hub, c, h.verifier, h.cfg)
	s.run()
	slog.Info("websocket disconnected", "identity", s.identity)
}
