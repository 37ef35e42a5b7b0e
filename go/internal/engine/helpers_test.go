package engine

import (
	"context"
	"sync"

	"github.com/jmadden91/tablesync/go/internal/transport"
)

type publishedMessage struct {
	Destination string
	MessageID   string
	Body        []byte
}

// fakeTransport is an in-memory Transport for exercising the engine without
// a socket.
type fakeTransport struct {
	mu          sync.Mutex
	nextID      int
	connFns     map[int]func(bool)
	frameFns    map[int]func(transport.Frame)
	deliverFns  map[string]map[int]func(transport.DeliveryResult)
	connectErr  error
	publishErr  error
	connected   bool
	published   []publishedMessage
	subscribed  []string
	connectCall int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connFns:    make(map[int]func(bool)),
		frameFns:   make(map[int]func(transport.Frame)),
		deliverFns: make(map[string]map[int]func(transport.DeliveryResult)),
	}
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connectCall++
	err := t.connectErr
	if err == nil {
		t.connected = true
	}
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.emitConnectionChange(true)
	return nil
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	was := t.connected
	t.connected = false
	t.mu.Unlock()
	if was {
		t.emitConnectionChange(false)
	}
}

// dropConnection simulates an asynchronous session loss.
func (t *fakeTransport) dropConnection() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	t.emitConnectionChange(false)
}

func (t *fakeTransport) setConnectErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

func (t *fakeTransport) connectCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectCall
}

func (t *fakeTransport) subscribedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribed)
}

func (t *fakeTransport) setPublishErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishErr = err
}

func (t *fakeTransport) Publish(destination, messageID string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.publishErr != nil {
		return t.publishErr
	}
	t.published = append(t.published, publishedMessage{
		Destination: destination,
		MessageID:   messageID,
		Body:        body,
	})
	return nil
}

func (t *fakeTransport) publishedMessages() []publishedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]publishedMessage, len(t.published))
	copy(out, t.published)
	return out
}

func (t *fakeTransport) Subscribe(destination string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribed = append(t.subscribed, destination)
	return nil
}

func (t *fakeTransport) Unsubscribe(destination string) error { return nil }

func (t *fakeTransport) OnConnectionChange(fn func(bool)) transport.Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.connFns[id] = fn
	return fakeSubscription(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.connFns, id)
	})
}

func (t *fakeTransport) OnFrame(fn func(transport.Frame)) transport.Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.frameFns[id] = fn
	return fakeSubscription(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.frameFns, id)
	})
}

func (t *fakeTransport) OnDelivery(messageID string, fn func(transport.DeliveryResult)) transport.Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	if t.deliverFns[messageID] == nil {
		t.deliverFns[messageID] = make(map[int]func(transport.DeliveryResult))
	}
	t.deliverFns[messageID][id] = fn
	return fakeSubscription(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.deliverFns[messageID], id)
	})
}

func (t *fakeTransport) emitConnectionChange(connected bool) {
	t.mu.Lock()
	fns := make([]func(bool), 0, len(t.connFns))
	for _, fn := range t.connFns {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

func (t *fakeTransport) emitFrame(frame transport.Frame) {
	t.mu.Lock()
	fns := make([]func(transport.Frame), 0, len(t.frameFns))
	for _, fn := range t.frameFns {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(frame)
	}
}

func (t *fakeTransport) emitDelivery(result transport.DeliveryResult) {
	t.mu.Lock()
	fns := make([]func(transport.DeliveryResult), 0)
	for _, fn := range t.deliverFns[result.MessageID] {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(result)
	}
}

type fakeSubscription func()

func (f fakeSubscription) Unsubscribe() { f() }
