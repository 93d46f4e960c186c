package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn double. Text frames written by the server
// are recorded; inbound frames are fed through a channel to drive readPump.
type fakeConn struct {
	mu         sync.Mutex
	frames     [][]byte
	closed     bool
	failWrites bool
	inbound    chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.failWrites {
		return errors.New("use of closed network connection")
	}
	if messageType == websocket.TextMessage {
		f.frames = append(f.frames, append([]byte(nil), data...))
	}
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.inbound)
	return nil
}

func (f *fakeConn) setFailWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = true
}

// presenceCounts decodes the recorded frames and returns every presence
// count in arrival order.
func (f *fakeConn) presenceCounts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var counts []int
	for _, frame := range f.frames {
		var env PresenceEvent
		if json.Unmarshal(frame, &env) == nil && env.Type == eventPresence {
			counts = append(counts, env.Count)
		}
	}
	return counts
}

// messageTexts decodes the recorded frames and returns the text of every
// message event in arrival order.
func (f *fakeConn) messageTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var texts []string
	for _, frame := range f.frames {
		var env MessageEvent
		if json.Unmarshal(frame, &env) == nil && env.Type == eventMessage {
			texts = append(texts, env.Message.Text)
		}
	}
	return texts
}

func (f *fakeConn) receivedFrame(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, frame := range f.frames {
		if bytes.Equal(frame, payload) {
			return true
		}
	}
	return false
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(NewHistory(defaultHistoryLimit))
	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
	})
	return hub
}

func registerFakeClient(t *testing.T, hub *Hub) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	client := NewClient(conn, hub, "fake-addr")
	hub.Register(client)
	return client, conn
}

func eventually(t *testing.T, condition func() bool, msg string) {
	t.Helper()
	require.Eventually(t, condition, 2*time.Second, 10*time.Millisecond, msg)
}

func lastCount(counts []int) int {
	if len(counts) == 0 {
		return -1
	}
	return counts[len(counts)-1]
}

func TestHubRegisterAnnouncesPresence(t *testing.T) {
	hub := newTestHub(t)

	_, conn1 := registerFakeClient(t, hub)
	eventually(t, func() bool {
		return lastCount(conn1.presenceCounts()) == 1
	}, "first client never saw presence count 1")

	_, conn2 := registerFakeClient(t, hub)
	eventually(t, func() bool {
		return lastCount(conn1.presenceCounts()) == 2 && lastCount(conn2.presenceCounts()) == 2
	}, "both clients should see presence count 2")

	require.Equal(t, 2, hub.ClientCount())
}

func TestHubUnregisterAnnouncesPresence(t *testing.T) {
	hub := newTestHub(t)

	client1, _ := registerFakeClient(t, hub)
	_, conn2 := registerFakeClient(t, hub)
	eventually(t, func() bool {
		return lastCount(conn2.presenceCounts()) == 2
	}, "second client never saw presence count 2")

	hub.Unregister(client1)

	require.Equal(t, 1, hub.ClientCount())
	eventually(t, func() bool {
		return lastCount(conn2.presenceCounts()) == 1
	}, "remaining client never saw presence count 1")
}

func TestHubUnregisterIsIdempotent(t *testing.T) {
	hub := newTestHub(t)

	client1, _ := registerFakeClient(t, hub)
	_, conn2 := registerFakeClient(t, hub)
	eventually(t, func() bool {
		return lastCount(conn2.presenceCounts()) == 2
	}, "second client never saw presence count 2")

	hub.Unregister(client1)
	eventually(t, func() bool {
		return lastCount(conn2.presenceCounts()) == 1
	}, "remaining client never saw presence count 1")
	observed := len(conn2.presenceCounts())

	// A second deregistration of the same connection is a no-op and must
	// not emit another presence event.
	hub.Unregister(client1)
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, 1, hub.ClientCount())
	require.Len(t, conn2.presenceCounts(), observed)
}

func TestHubBroadcastExcludesSender(t *testing.T) {
	hub := newTestHub(t)

	client1, conn1 := registerFakeClient(t, hub)
	_, conn2 := registerFakeClient(t, hub)
	eventually(t, func() bool {
		return lastCount(conn2.presenceCounts()) == 2
	}, "second client never saw presence count 2")

	payload := []byte(`{"type":"message","message":{"text":"excluded"}}`)
	hub.Broadcast(payload, client1.ID())

	eventually(t, func() bool {
		return conn2.receivedFrame(payload)
	}, "non-excluded client never received the broadcast")
	require.False(t, conn1.receivedFrame(payload))
}

func TestInboundMessageReachesEveryClientIncludingSender(t *testing.T) {
	hub := newTestHub(t)

	_, conn1 := registerFakeClient(t, hub)
	_, conn2 := registerFakeClient(t, hub)
	eventually(t, func() bool {
		return lastCount(conn1.presenceCounts()) == 2 && lastCount(conn2.presenceCounts()) == 2
	}, "clients never settled at presence count 2")

	conn1.inbound <- []byte(`{"type":"message","text":"hi"}`)

	eventually(t, func() bool {
		return len(conn1.messageTexts()) == 1 && len(conn2.messageTexts()) == 1
	}, "message was not fanned out to every client")
	require.Equal(t, []string{"hi"}, conn1.messageTexts())
	require.Equal(t, []string{"hi"}, conn2.messageTexts())
	require.Equal(t, 1, hub.History().Len())
	require.Equal(t, "hi", hub.History().Snapshot()[0].Text)
}

func TestInboundGarbageIsDiscarded(t *testing.T) {
	hub := newTestHub(t)

	_, conn1 := registerFakeClient(t, hub)
	_, conn2 := registerFakeClient(t, hub)
	eventually(t, func() bool {
		return lastCount(conn2.presenceCounts()) == 2
	}, "second client never saw presence count 2")

	conn1.inbound <- []byte(`this is not json`)
	conn1.inbound <- []byte(`{"type":"noise","text":"x"}`)
	conn1.inbound <- []byte(`{"type":"message","text":"   "}`)
	conn1.inbound <- []byte(`{"type":"message","text":"after"}`)

	eventually(t, func() bool {
		return len(conn2.messageTexts()) == 1
	}, "valid message after garbage was not delivered")
	require.Equal(t, []string{"after"}, conn2.messageTexts())
	require.Equal(t, 1, hub.History().Len())
	require.Equal(t, 2, hub.ClientCount(), "malformed payloads must not drop the connection")
}

func TestBroadcastIsolatesFailingConnection(t *testing.T) {
	hub := newTestHub(t)

	_, conn1 := registerFakeClient(t, hub)
	_, conn2 := registerFakeClient(t, hub)
	eventually(t, func() bool {
		return lastCount(conn1.presenceCounts()) == 2 && lastCount(conn2.presenceCounts()) == 2
	}, "clients never settled at presence count 2")

	conn2.setFailWrites()

	payload := []byte(`{"type":"message","message":{"text":"survivor"}}`)
	hub.Broadcast(payload, "")

	// The healthy client still receives the payload, and the broken
	// connection's own close path eventually deregisters it.
	eventually(t, func() bool {
		return conn1.receivedFrame(payload)
	}, "healthy client never received the broadcast")
	eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, "failing client was never deregistered")
	eventually(t, func() bool {
		return lastCount(conn1.presenceCounts()) == 1
	}, "presence was not re-announced after the failure")
}

func TestReadErrorDeregistersClientOnce(t *testing.T) {
	hub := newTestHub(t)

	_, conn1 := registerFakeClient(t, hub)
	_, conn2 := registerFakeClient(t, hub)
	eventually(t, func() bool {
		return lastCount(conn2.presenceCounts()) == 2
	}, "second client never saw presence count 2")

	// Killing the transport ends the read loop; the deferred cleanup must
	// deregister the client and announce presence exactly once.
	require.NoError(t, conn1.Close())

	eventually(t, func() bool {
		return hub.ClientCount() == 1 && lastCount(conn2.presenceCounts()) == 1
	}, "read error did not deregister the client")

	time.Sleep(50 * time.Millisecond)
	counts := conn2.presenceCounts()
	require.Equal(t, []int{2, 1}, counts)
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub := NewHub(NewHistory(defaultHistoryLimit))

	registerFakeClient(t, hub)
	registerFakeClient(t, hub)
	require.Equal(t, 2, hub.ClientCount())

	require.NoError(t, hub.Shutdown(2*time.Second))
	require.Equal(t, 0, hub.ClientCount())
}

func TestHubRejectsRegistrationAfterShutdown(t *testing.T) {
	hub := NewHub(NewHistory(defaultHistoryLimit))
	require.NoError(t, hub.Shutdown(time.Second))

	conn := newFakeConn()
	hub.Register(NewClient(conn, hub, "late-addr"))

	require.Equal(t, 0, hub.ClientCount())
	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.True(t, conn.closed, "late connection should be closed")
}

func TestHubRegisterNilClientIsNoOp(t *testing.T) {
	hub := newTestHub(t)
	hub.Register(nil)
	hub.Unregister(nil)
	require.Equal(t, 0, hub.ClientCount())
}
