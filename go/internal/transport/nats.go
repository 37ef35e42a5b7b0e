package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds configuration for the NATS transport.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	ConnectWait   time.Duration
}

// DefaultNATSConfig returns default NATS transport configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "tablesync-client",
		SubjectPrefix: "session",
		ConnectWait:   2 * time.Second,
	}
}

// NATSTransport speaks the session protocol over NATS subjects. Reconnection
// is owned by the engine, so the client is configured without its own retry
// loop: a dropped connection surfaces as a connectivity-lost callback and
// stays down until Connect is called again.
type NATSTransport struct {
	*callbackHub

	config NATSConfig

	mu   sync.Mutex
	nc   *nats.Conn
	subs map[string]*nats.Subscription
}

// NewNATSTransport creates a NATS transport.
func NewNATSTransport(config NATSConfig) *NATSTransport {
	return &NATSTransport{
		callbackHub: newCallbackHub(),
		config:      config,
		subs:        make(map[string]*nats.Subscription),
	}
}

// Connect establishes the NATS connection and re-establishes any
// subscriptions that were active before a drop.
func (t *NATSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.nc != nil && t.nc.IsConnected() {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	opts := []nats.Option{
		nats.Name(t.config.Name),
		nats.Timeout(t.config.ConnectWait),
		nats.MaxReconnects(0),
		nats.ClosedHandler(func(nc *nats.Conn) {
			t.handleClosed()
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(t.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	t.mu.Lock()
	t.nc = nc
	destinations := make([]string, 0, len(t.subs))
	for dest := range t.subs {
		destinations = append(destinations, dest)
	}
	t.subs = make(map[string]*nats.Subscription)
	t.mu.Unlock()

	for _, dest := range destinations {
		if err := t.Subscribe(dest); err != nil {
			log.Warn().Err(err).Str("destination", dest).Msg("failed to re-establish subscription")
		}
	}

	log.Info().Str("url", t.config.URL).Msg("NATS session established")
	t.emitConnectionChange(true)
	return nil
}

// Disconnect drains and closes the connection.
func (t *NATSTransport) Disconnect() {
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
}

// Publish sends a message envelope to the subject for a destination.
func (t *NATSTransport) Publish(destination, messageID string, body []byte) error {
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
	nc := t.nc
	t.mu.Unlock()
	if nc == nil || !nc.IsConnected() {
		return fmt.Errorf("publish to %s: not connected", destination)
	}
	if err := nc.Publish(t.subjectFor(destination), payload); err != nil {
		return fmt.Errorf("publish to %s: %w", destination, err)
	}
	return nil
}

// Subscribe starts delivering frames published on a destination's subject.
func (t *NATSTransport) Subscribe(destination string) error {
	t.mu.Lock()
	nc := t.nc
	if _, ok := t.subs[destination]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if nc == nil || !nc.IsConnected() {
		// Remembered for re-establishment on the next Connect.
		t.mu.Lock()
		t.subs[destination] = nil
		t.mu.Unlock()
		return nil
	}

	sub, err := nc.Subscribe(t.subjectFor(destination), func(msg *nats.Msg) {
		t.dispatch(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", destination, err)
	}

	t.mu.Lock()
	t.subs[destination] = sub
	t.mu.Unlock()
	return nil
}

// Unsubscribe stops delivery for a destination.
func (t *NATSTransport) Unsubscribe(destination string) error {
	t.mu.Lock()
	sub, ok := t.subs[destination]
	delete(t.subs, destination)
	t.mu.Unlock()
	if !ok || sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", destination, err)
	}
	return nil
}

func (t *NATSTransport) dispatch(message []byte) {
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

func (t *NATSTransport) handleClosed() {
	t.mu.Lock()
	t.nc = nil
	t.mu.Unlock()
	log.Info().Msg("NATS session closed")
	t.emitConnectionChange(false)
}

// subjectFor maps a destination path like /session/42/game/actions onto a
// dotted NATS subject.
func (t *NATSTransport) subjectFor(destination string) string {
	subject := strings.Trim(destination, "/")
	subject = strings.ReplaceAll(subject, "/", ".")
	if t.config.SubjectPrefix != "" && !strings.HasPrefix(subject, t.config.SubjectPrefix+".") {
		subject = t.config.SubjectPrefix + "." + subject
	}
	return subject
}
