// Package transport implements a WebSocket client for the Chrome DevTools
// Protocol. It assigns monotonic request ids, correlates responses to the
// caller that sent them, and dispatches unsolicited events by method name
// and to a generic subscription.
//
// One reader goroutine demultiplexes incoming messages by id vs. method;
// outbound writes are serialized; each pending request holds its own
// single-shot response slot.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"inspectkernel/internal/wire"
)

// Sentinel errors returned by Send and exposed to the session kernel.
var (
	// ErrNotConnected is returned when Send is called before Connect or
	// after Disconnect.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrDisconnected is returned to every pending Send when the socket
	// closes, whether locally, remotely, or abnormally, while a request
	// is outstanding.
	ErrDisconnected = errors.New("transport: disconnected")
	// ErrTimeout is returned when a Send's deadline elapses before a
	// response arrives.
	ErrTimeout = errors.New("transport: timeout")
)

// DefaultDeadline bounds how long Send waits for a response when the
// caller does not supply one. It also caps caller-supplied deadlines.
const DefaultDeadline = 30 * time.Second

// pendingSlot is the single-shot result holder for one outstanding request.
type pendingSlot struct {
	once sync.Once
	ch   chan result
}

type result struct {
	msg *wire.Message
	err error
}

func newPendingSlot() *pendingSlot {
	return &pendingSlot{ch: make(chan result, 1)}
}

func (p *pendingSlot) deliver(r result) {
	p.once.Do(func() {
		p.ch <- r
	})
}

// EventHandler receives one dispatched CDP event for the method it was
// registered under.
type EventHandler func(params json.RawMessage)

// AnyEventHandler receives every dispatched CDP event, tagged with its
// method name, for generic subscribers that demultiplex themselves.
type AnyEventHandler func(method string, params json.RawMessage)

// eventQueueSize bounds how many undelivered events a single subscriber
// can have buffered. It is sized generously: a handler is expected to keep
// up with the wire, and the buffer only needs to absorb the handler doing
// its own blocking Send back into the transport (e.g. the kernel's silent
// resume after a suppressed hit-count pause) without the reader goroutine
// stalling on delivery.
const eventQueueSize = 1024

// eventQueue serializes delivery to one subscriber on its own goroutine,
// decoupled from the transport's reader loop. This is what makes it safe
// for a handler to call Send (e.g. the kernel's silent Debugger.resume):
// the reader goroutine enqueues and moves on to read the handler's own
// response off the wire instead of blocking behind it. Delivery is
// serialized per subscriber and parallel across distinct subscribers.
type queuedEvent struct {
	method string
	params json.RawMessage
}

type eventQueue struct {
	ch   chan queuedEvent
	done chan struct{}
}

func newEventQueue(t *Transport, h AnyEventHandler) *eventQueue {
	q := &eventQueue{ch: make(chan queuedEvent, eventQueueSize), done: make(chan struct{})}
	go func() {
		for {
			select {
			case ev := <-q.ch:
				t.safeInvoke(h, ev)
			case <-q.done:
				return
			}
		}
	}()
	return q
}

func (q *eventQueue) enqueue(ev queuedEvent) {
	select {
	case q.ch <- ev:
	case <-q.done:
	}
}

func (q *eventQueue) stop() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}

// Transport is a CDP WebSocket client. The zero value is not usable; build
// one with New.
type Transport struct {
	log *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	nextID    int64
	pending   map[int64]*pendingSlot

	eventMu     sync.Mutex
	subscribers map[string][]*eventQueue
	anySubs     []*eventQueue

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs an unconnected Transport. Call Connect before Send.
func New(log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		log:         log,
		nextID:      1,
		pending:     make(map[int64]*pendingSlot),
		subscribers: make(map[string][]*eventQueue),
		done:        make(chan struct{}),
	}
}

// Connect dials the given inspector WebSocket URL (e.g.
// "ws://127.0.0.1:9229/<uuid>") and starts the background reader.
func (t *Transport) Connect(ctx context.Context, url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "transport: dial inspector websocket")
	}
	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()
	go t.readLoop()
	return nil
}

// IsConnected reports whether the transport currently has a live socket.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Send submits a CDP command and blocks until a matching response arrives,
// the deadline elapses, or the transport disconnects. A zero deadline uses
// DefaultDeadline; deadlines longer than DefaultDeadline are clamped to it.
func (t *Transport) Send(ctx context.Context, method string, params json.RawMessage, deadline time.Duration) (json.RawMessage, error) {
	if deadline <= 0 || deadline > DefaultDeadline {
		deadline = DefaultDeadline
	}

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := t.nextID
	t.nextID++
	slot := newPendingSlot()
	t.pending[id] = slot
	t.mu.Unlock()

	msg := wire.Message{ID: id, Method: method, Params: params}
	b, err := json.Marshal(msg)
	if err != nil {
		t.removePending(id)
		return nil, pkgerrors.Wrap(err, "transport: marshal request")
	}

	t.writeMu.Lock()
	t.log.Debug("cdp send", zap.Int64("id", id), zap.String("method", method))
	writeErr := t.conn.WriteMessage(websocket.TextMessage, b)
	t.writeMu.Unlock()
	if writeErr != nil {
		t.removePending(id)
		return nil, pkgerrors.Wrap(writeErr, "transport: write request")
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case r := <-slot.ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.msg.Error != nil {
			return nil, &CdpError{Code: r.msg.Error.Code, Message: r.msg.Error.Message}
		}
		return r.msg.Result, nil
	case <-timer.C:
		t.removePending(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		t.removePending(id)
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrDisconnected
	}
}

// CdpError is a structured error returned by the inspector in a command
// response.
type CdpError struct {
	Code    int64
	Message string
}

func (e *CdpError) Error() string { return e.Message }

func (t *Transport) removePending(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// On registers a handler invoked, in wire order, for every event with the
// given CDP method name (e.g. "Debugger.paused"). Each call to On gets its
// own serialized delivery queue, so one slow or blocking subscriber never
// delays another.
func (t *Transport) On(method string, h EventHandler) {
	t.eventMu.Lock()
	defer t.eventMu.Unlock()
	t.subscribers[method] = append(t.subscribers[method], newEventQueue(t, func(_ string, params json.RawMessage) {
		h(params)
	}))
}

// OnAny registers a handler invoked for every event, regardless of method,
// after any method-specific subscribers have been enqueued.
func (t *Transport) OnAny(h AnyEventHandler) {
	t.eventMu.Lock()
	defer t.eventMu.Unlock()
	t.anySubs = append(t.anySubs, newEventQueue(t, h))
}

// Disconnect closes the socket, stops every subscriber queue, and resolves
// every outstanding pending request with ErrDisconnected. Safe to call more
// than once.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	conn := t.conn
	t.connected = false
	pending := t.pending
	t.pending = make(map[int64]*pendingSlot)
	t.mu.Unlock()

	t.closeOnce.Do(func() { close(t.done) })

	for _, slot := range pending {
		slot.deliver(result{err: ErrDisconnected})
	}
	if conn != nil {
		conn.Close()
	}

	t.eventMu.Lock()
	for _, queues := range t.subscribers {
		for _, q := range queues {
			q.stop()
		}
	}
	for _, q := range t.anySubs {
		q.stop()
	}
	t.eventMu.Unlock()
}

func (t *Transport) readLoop() {
	for {
		_, b, err := t.conn.ReadMessage()
		if err != nil {
			t.log.Debug("cdp transport read ended", zap.Error(err))
			t.Disconnect()
			return
		}
		t.dispatch(b)
	}
}

func (t *Transport) dispatch(b []byte) {
	m := &wire.Message{}
	if err := json.Unmarshal(b, m); err != nil {
		t.log.Warn("cdp transport: malformed message", zap.Error(err))
		return
	}

	if !m.IsEvent() {
		t.mu.Lock()
		slot, ok := t.pending[m.ID]
		if ok {
			delete(t.pending, m.ID)
		}
		t.mu.Unlock()
		if ok {
			slot.deliver(result{msg: m})
		}
		return
	}

	t.eventMu.Lock()
	specific := append([]*eventQueue(nil), t.subscribers[m.Method]...)
	any := append([]*eventQueue(nil), t.anySubs...)
	t.eventMu.Unlock()

	// Enqueue only; delivery happens on each queue's own goroutine, so a
	// handler that blocks (e.g. the kernel issuing its own Send from
	// within an event callback) never stalls this reader loop, which must
	// stay free to read that handler's own pending response off the wire.
	ev := queuedEvent{method: m.Method, params: m.Params}
	for _, q := range specific {
		q.enqueue(ev)
	}
	for _, q := range any {
		q.enqueue(ev)
	}
}

// safeInvoke isolates a subscriber panic so one throwing handler cannot
// halt dispatch to the remaining subscribers or crash the kernel.
func (t *Transport) safeInvoke(h AnyEventHandler, ev queuedEvent) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("cdp event handler panicked", zap.Any("recover", r))
		}
	}()
	h(ev.method, ev.params)
}
