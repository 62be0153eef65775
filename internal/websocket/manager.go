package websocket

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"docforge/internal/apperr"
	"docforge/internal/pkg/logger"
)

type EventKind int

const (
	EventMessage EventKind = iota
	EventConnected
	EventDisconnected
	EventTransportError
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventTransportError:
		return "transport_error"
	}
	return "unknown"
}

// Event is what subscribers receive: inbound payloads and out-of-band
// connection status.
type Event struct {
	Kind    EventKind
	Address string
	Data    []byte
	Err     error
}

type Subscriber func(Event)

// Conn is one physical duplex connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Transport interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// Manager owns at most one live connection. Outbound messages queue while
// disconnected and flush in order on the next open; inbound messages fan
// out to the current subscribers from a single read pump, so a subscriber
// sees frames in arrival order.
type Manager struct {
	name      string
	transport Transport
	logger    logger.ILogger

	mu      sync.Mutex
	address string
	conn    Conn
	dialing bool
	closed  bool
	queue   [][]byte

	subMu   sync.RWMutex
	subs    map[uint64]Subscriber
	nextSub uint64

	wg sync.WaitGroup
}

func NewManager(name string, transport Transport, log logger.ILogger) *Manager {
	return &Manager{
		name:      name,
		transport: transport,
		logger:    log,
		subs:      make(map[uint64]Subscriber),
	}
}

// Connect is a no-op when already connected (or dialing) to address. A
// connection to any other address is closed first.
func (m *Manager) Connect(ctx context.Context, address string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s manager is closed", apperr.ErrTransport, m.name)
	}
	if m.address == address && (m.conn != nil || m.dialing) {
		m.mu.Unlock()
		return nil
	}
	old := m.conn
	m.conn = nil
	m.address = address
	m.dialing = true
	m.mu.Unlock()

	if old != nil {
		m.logger.Info("Manager", "Closing connection to switch address", map[string]interface{}{"manager": m.name, "address": address})
		old.Close()
	}

	conn, err := m.transport.Dial(ctx, address)

	m.mu.Lock()
	if m.closed || m.address != address {
		// Superseded by Close or by a Connect to another address while dialing.
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return fmt.Errorf("%w: connect to %s superseded", apperr.ErrTransport, address)
	}
	m.dialing = false
	if err != nil {
		m.address = ""
		m.mu.Unlock()
		m.logger.Warn("Manager", "Dial failed", map[string]interface{}{"manager": m.name, "address": address, "error": err.Error()})
		m.publish(Event{Kind: EventTransportError, Address: address, Err: err})
		return fmt.Errorf("%w: dial %s: %v", apperr.ErrTransport, address, err)
	}

	pending := m.queue
	m.queue = nil
	for i, msg := range pending {
		if werr := conn.WriteMessage(msg); werr != nil {
			m.queue = pending[i:]
			m.address = ""
			m.mu.Unlock()
			conn.Close()
			m.publish(Event{Kind: EventTransportError, Address: address, Err: werr})
			return fmt.Errorf("%w: flush to %s: %v", apperr.ErrTransport, address, werr)
		}
	}
	m.conn = conn
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("Manager", "Connected", map[string]interface{}{"manager": m.name, "address": address, "flushed": len(pending)})
	m.publish(Event{Kind: EventConnected, Address: address})
	go m.readPump(conn, address)
	return nil
}

// Send writes payload now if connected, otherwise queues it. Failures are
// reported to subscribers as EventTransportError, never returned.
func (m *Manager) Send(payload []byte) {
	m.mu.Lock()
	if m.conn == nil {
		m.queue = append(m.queue, payload)
		queued := len(m.queue)
		m.mu.Unlock()
		m.logger.Debug("Manager", "Queued outbound message", map[string]interface{}{"manager": m.name, "queued": queued})
		return
	}

	conn, address := m.conn, m.address
	if err := conn.WriteMessage(payload); err != nil {
		m.queue = append(m.queue, payload)
		m.conn = nil
		m.address = ""
		m.mu.Unlock()
		conn.Close()
		m.logger.Warn("Manager", "Write failed, message re-queued", map[string]interface{}{"manager": m.name, "error": err.Error()})
		m.publish(Event{Kind: EventTransportError, Address: address, Err: err})
		return
	}
	m.mu.Unlock()
}

// Subscribe registers fn and returns the handle that revokes it. The handle
// is safe to call more than once.
func (m *Manager) Subscribe(fn Subscriber) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

func (m *Manager) Address() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.address
}

// Pending is the number of queued outbound messages.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close tears the manager down and waits for the read pump to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.address = ""
	m.queue = nil
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.wg.Wait()
	return err
}

func (m *Manager) readPump(conn Conn, address string) {
	defer m.wg.Done()
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			current := m.conn == conn
			if current {
				m.conn = nil
				m.address = ""
			}
			closed := m.closed
			m.mu.Unlock()

			conn.Close()
			if current && !closed {
				m.logger.Info("Manager", "Connection closed by transport", map[string]interface{}{"manager": m.name, "address": address, "error": err.Error()})
				m.publish(Event{Kind: EventDisconnected, Address: address, Err: err})
			}
			return
		}
		m.publish(Event{Kind: EventMessage, Address: address, Data: data})
	}
}

func (m *Manager) publish(ev Event) {
	m.subMu.RLock()
	ids := make([]uint64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	subs := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, m.subs[id])
	}
	m.subMu.RUnlock()

	for _, fn := range subs {
		m.deliver(fn, ev)
	}
}

func (m *Manager) deliver(fn Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Manager", "Subscriber panicked", map[string]interface{}{"manager": m.name, "event": ev.Kind.String(), "panic": fmt.Sprint(r)})
		}
	}()
	fn(ev)
}
