package transport

import (
	"context"
	"sync"
)

// Transport is the boundary to the server session. Implementations own the
// socket handshake and frame (de)serialization; everything above this
// interface is transport-agnostic.
//
// Publish stamps messageID onto the outbound envelope so the server's
// delivery receipt can be correlated back through OnDelivery.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Publish(destination, messageID string, body []byte) error
	Subscribe(destination string) error
	Unsubscribe(destination string) error

	// OnConnectionChange registers a listener for asynchronous session
	// drops and recoveries.
	OnConnectionChange(fn func(connected bool)) Subscription
	// OnFrame registers a listener for the raw inbound frame stream.
	OnFrame(fn func(frame Frame)) Subscription
	// OnDelivery registers a listener for the receipt of a single
	// published message.
	OnDelivery(messageID string, fn func(result DeliveryResult)) Subscription
}

// Subscription is a listener registration. Its sole capability is dispose;
// after Unsubscribe the listener receives no further callbacks. Unsubscribe
// is idempotent.
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	once    sync.Once
	dispose func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.dispose)
}

// callbackHub is the listener registry shared by transport implementations.
type callbackHub struct {
	mu         sync.Mutex
	nextID     int
	connFns    map[int]func(bool)
	frameFns   map[int]func(Frame)
	deliverFns map[string]map[int]func(DeliveryResult)
}

func newCallbackHub() *callbackHub {
	return &callbackHub{
		connFns:    make(map[int]func(bool)),
		frameFns:   make(map[int]func(Frame)),
		deliverFns: make(map[string]map[int]func(DeliveryResult)),
	}
}

func (h *callbackHub) OnConnectionChange(fn func(bool)) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.connFns[id] = fn
	return &subscription{dispose: func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.connFns, id)
	}}
}

func (h *callbackHub) OnFrame(fn func(Frame)) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.frameFns[id] = fn
	return &subscription{dispose: func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.frameFns, id)
	}}
}

func (h *callbackHub) OnDelivery(messageID string, fn func(DeliveryResult)) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	if h.deliverFns[messageID] == nil {
		h.deliverFns[messageID] = make(map[int]func(DeliveryResult))
	}
	h.deliverFns[messageID][id] = fn
	return &subscription{dispose: func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if fns, ok := h.deliverFns[messageID]; ok {
			delete(fns, id)
			if len(fns) == 0 {
				delete(h.deliverFns, messageID)
			}
		}
	}}
}

func (h *callbackHub) emitConnectionChange(connected bool) {
	for _, fn := range h.connListeners() {
		fn(connected)
	}
}

func (h *callbackHub) connListeners() []func(bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]func(bool), 0, len(h.connFns))
	for _, fn := range h.connFns {
		out = append(out, fn)
	}
	return out
}

func (h *callbackHub) emitFrame(frame Frame) {
	h.mu.Lock()
	out := make([]func(Frame), 0, len(h.frameFns))
	for _, fn := range h.frameFns {
		out = append(out, fn)
	}
	h.mu.Unlock()
	for _, fn := range out {
		fn(frame)
	}
}

func (h *callbackHub) emitDelivery(result DeliveryResult) {
	h.mu.Lock()
	out := make([]func(DeliveryResult), 0)
	for _, fn := range h.deliverFns[result.MessageID] {
		out = append(out, fn)
	}
	h.mu.Unlock()
	for _, fn := range out {
		fn(result)
	}
}
