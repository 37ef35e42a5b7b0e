package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketConfig holds configuration for the WebSocket transport.
type WebSocketConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	SendBufferSize   int
	Header           http.Header
}

// DefaultWebSocketConfig returns default WebSocket transport configuration.
func DefaultWebSocketConfig(url string) WebSocketConfig {
	return WebSocketConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
		MaxMessageSize:   64 * 1024,
		SendBufferSize:   256,
	}
}

// WebSocketTransport speaks the session protocol over a single WebSocket.
type WebSocketTransport struct {
	*callbackHub

	config WebSocketConfig

	mu            sync.Mutex
	conn          *websocket.Conn
	send          chan []byte
	done          chan struct{}
	closed        bool
	subscriptions map[string]struct{}
}

// NewWebSocketTransport creates a WebSocket transport. Connect must be called
// before any publish or subscribe.
func NewWebSocketTransport(config WebSocketConfig) *WebSocketTransport {
	return &WebSocketTransport{
		callbackHub:   newCallbackHub(),
		config:        config,
		subscriptions: make(map[string]struct{}),
	}
}

// Connect dials the server and starts the read/write pumps.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.closed = false
	t.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: t.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.config.URL, t.config.Header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.config.URL, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.send = make(chan []byte, t.config.SendBufferSize)
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.writePump(conn, t.send, t.done)
	go t.readPump(conn)

	log.Info().Str("url", t.config.URL).Msg("websocket session established")
	t.emitConnectionChange(true)
	return nil
}

// Disconnect tears down the session. Listeners observe a connectivity-lost
// callback after the socket closes.
func (t *WebSocketTransport) Disconnect() {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(t.config.WriteTimeout))
		conn.Close()
	}
}

// Publish sends a message envelope to the given destination.
func (t *WebSocketTransport) Publish(destination, messageID string, body []byte) error {
	payload, err := json.Marshal(outboundEnvelope{
		MessageID:   messageID,
		Destination: destination,
		SentAt:      time.Now(),
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	t.mu.Lock()
	send, done := t.send, t.done
	connected := t.conn != nil
	t.mu.Unlock()
	if !connected {
		return fmt.Errorf("publish to %s: not connected", destination)
	}

	select {
	case send <- payload:
		return nil
	case <-done:
		return fmt.Errorf("publish to %s: session closed", destination)
	default:
		return fmt.Errorf("publish to %s: send buffer full", destination)
	}
}

// Subscribe asks the server to deliver frames for a destination.
func (t *WebSocketTransport) Subscribe(destination string) error {
	t.mu.Lock()
	t.subscriptions[destination] = struct{}{}
	t.mu.Unlock()
	return t.sendControl("subscribe", destination)
}

// Unsubscribe stops delivery for a destination.
func (t *WebSocketTransport) Unsubscribe(destination string) error {
	t.mu.Lock()
	delete(t.subscriptions, destination)
	t.mu.Unlock()
	return t.sendControl("unsubscribe", destination)
}

func (t *WebSocketTransport) sendControl(op, destination string) error {
	payload, err := json.Marshal(map[string]string{
		"op":          op,
		"destination": destination,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}

	t.mu.Lock()
	send, done := t.send, t.done
	connected := t.conn != nil
	t.mu.Unlock()
	if !connected {
		return fmt.Errorf("%s %s: not connected", op, destination)
	}

	select {
	case send <- payload:
		return nil
	case <-done:
		return fmt.Errorf("%s %s: session closed", op, destination)
	}
}

// writePump drains the send channel and keeps the connection alive with pings.
func (t *WebSocketTransport) writePump(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(t.config.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Msg("failed to write message to websocket")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads frames until the connection drops, then reports the loss.
func (t *WebSocketTransport) readPump(conn *websocket.Conn) {
	defer t.teardown(conn)

	conn.SetReadLimit(t.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Msg("unexpected websocket close")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		t.dispatch(message)
	}
}

// dispatch routes one raw inbound payload. Delivery receipts go to their
// per-message listeners, everything else to the raw-frame stream.
func (t *WebSocketTransport) dispatch(message []byte) {
	var frame Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		log.Warn().Err(err).Msg("dropping undecodable frame")
		return
	}

	if frame.Type == FrameTypeDeliveryAck {
		var result DeliveryResult
		if err := json.Unmarshal(frame.Data, &result); err != nil {
			log.Warn().Err(err).Str("frame_id", frame.ID).Msg("dropping undecodable delivery receipt")
			return
		}
		t.emitDelivery(result)
		return
	}

	t.emitFrame(frame)
}

func (t *WebSocketTransport) teardown(conn *websocket.Conn) {
	conn.Close()

	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	userClosed := t.closed
	close(t.done)
	t.mu.Unlock()

	log.Info().Bool("user_closed", userClosed).Msg("websocket session closed")
	if userClosed {
		// Explicit Disconnect; a connectivity-lost callback here would
		// trigger an unwanted reconnect upstream.
		return
	}
	t.emitConnectionChange(false)
}
