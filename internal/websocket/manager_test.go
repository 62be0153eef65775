package websocket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"docforge/internal/apperr"
	"docforge/internal/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var errFakeClosed = errors.New("fake connection closed")

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	written    [][]byte
	failWrites bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case d := <-c.in:
		return d, nil
	case <-c.closed:
		return nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("broken pipe")
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, w := range c.written {
		out[i] = string(w)
	}
	return out
}

type fakeTransport struct {
	mu    sync.Mutex
	dials []string
	conns []*fakeConn
	fail  error
}

func (t *fakeTransport) Dial(_ context.Context, address string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials = append(t.dials, address)
	if t.fail != nil {
		return nil, t.fail
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[len(t.conns)-1]
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dials)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Kind == EventMessage {
			out = append(out, string(ev.Data))
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	m := NewManager("test", tr, logger.NewNopLogger())
	t.Cleanup(func() { m.Close() })
	return m, tr
}

func TestConnectSameAddressIsNoop(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, tr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "ws://a"))
	require.NoError(t, m.Connect(ctx, "ws://a"))
	assert.Equal(t, 1, tr.dialCount())
	assert.True(t, m.IsConnected())
	assert.Equal(t, "ws://a", m.Address())
	require.NoError(t, m.Close())
}

func TestConnectDifferentAddressClosesPrevious(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, tr := newTestManager(t)
	rec := &recorder{}
	m.Subscribe(rec.record)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "ws://a"))
	first := tr.last()
	require.NoError(t, m.Connect(ctx, "ws://b"))

	assert.True(t, first.isClosed())
	assert.Equal(t, "ws://b", m.Address())
	assert.NotContains(t, rec.kinds(), EventDisconnected, "a superseded connection is not reported as a drop")
	require.NoError(t, m.Close())
}

func TestSendQueuesUntilOpen(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, tr := newTestManager(t)

	m.Send([]byte("one"))
	m.Send([]byte("two"))
	assert.Equal(t, 2, m.Pending())

	require.NoError(t, m.Connect(context.Background(), "ws://a"))
	m.Send([]byte("three"))

	assert.Equal(t, []string{"one", "two", "three"}, tr.last().messages())
	assert.Equal(t, 0, m.Pending())
	require.NoError(t, m.Close())
}

func TestFailedWriteIsReportedNotReturned(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, tr := newTestManager(t)
	rec := &recorder{}
	m.Subscribe(rec.record)

	require.NoError(t, m.Connect(context.Background(), "ws://a"))
	c := tr.last()
	c.mu.Lock()
	c.failWrites = true
	c.mu.Unlock()

	m.Send([]byte("lost?"))
	assert.False(t, m.IsConnected())
	assert.Equal(t, 1, m.Pending(), "payload is kept for the next open")
	assert.Contains(t, rec.kinds(), EventTransportError)

	require.NoError(t, m.Connect(context.Background(), "ws://a"))
	assert.Equal(t, []string{"lost?"}, tr.last().messages())
	require.NoError(t, m.Close())
}

func TestInboundFanOutSurvivesPanickingSubscriber(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, tr := newTestManager(t)

	m.Subscribe(func(ev Event) {
		if ev.Kind == EventMessage {
			panic("bad subscriber")
		}
	})
	rec := &recorder{}
	m.Subscribe(rec.record)

	require.NoError(t, m.Connect(context.Background(), "ws://a"))
	tr.last().in <- []byte("f1")
	tr.last().in <- []byte("f2")

	assert.Eventually(t, func() bool { return len(rec.payloads()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"f1", "f2"}, rec.payloads())
	require.NoError(t, m.Close())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, tr := newTestManager(t)
	rec := &recorder{}
	unsubscribe := m.Subscribe(rec.record)
	witness := &recorder{}
	m.Subscribe(witness.record)

	require.NoError(t, m.Connect(context.Background(), "ws://a"))
	unsubscribe()
	unsubscribe()
	tr.last().in <- []byte("after")

	assert.Eventually(t, func() bool { return len(witness.payloads()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.payloads())
	require.NoError(t, m.Close())
}

func TestTransportCloseClearsAddress(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, tr := newTestManager(t)
	rec := &recorder{}
	m.Subscribe(rec.record)

	require.NoError(t, m.Connect(context.Background(), "ws://a"))
	tr.last().Close()

	assert.Eventually(t, func() bool { return !m.IsConnected() }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		for _, k := range rec.kinds() {
			if k == EventDisconnected {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "", m.Address())

	require.NoError(t, m.Connect(context.Background(), "ws://a"))
	assert.Equal(t, 2, tr.dialCount(), "a later connect to the same address dials again")
	require.NoError(t, m.Close())
}

func TestDialFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, tr := newTestManager(t)
	tr.fail = errors.New("connection refused")
	rec := &recorder{}
	m.Subscribe(rec.record)

	err := m.Connect(context.Background(), "ws://a")
	assert.ErrorIs(t, err, apperr.ErrTransport)
	assert.Equal(t, []EventKind{EventTransportError}, rec.kinds())
	assert.Equal(t, "", m.Address())
	require.NoError(t, m.Close())
}

func TestConnectAfterClose(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Connect(context.Background(), "ws://a"), apperr.ErrTransport)
}
