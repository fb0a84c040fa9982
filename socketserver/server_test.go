package socketserver

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receivedMessage struct {
	payload []byte
	session SessionInfo
}

// startLiveServer binds a server on an ephemeral port and collects its
// events and messages on channels.
func startLiveServer(t *testing.T, keepAlive bool) (*Server, chan Event, chan receivedMessage) {
	t.Helper()

	events := make(chan Event, 64)
	messages := make(chan receivedMessage, 64)

	srv := New(Options{
		Name:      "test",
		Host:      "127.0.0.1",
		Port:      0,
		KeepAlive: keepAlive,
		OnServerEvent: func(e Event) {
			events <- e
		},
		OnMessage: func(payload []byte, session SessionInfo) {
			messages <- receivedMessage{payload: payload, session: session}
		},
	})
	require.NoError(t, srv.Start())
	waitEvent(t, events, EventServerStarted)

	t.Cleanup(func() {
		_ = srv.Shutdown()
	})

	return srv, events, messages
}

func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func assertNoEvent(t *testing.T, events <-chan Event, kind EventKind, wait time.Duration) {
	t.Helper()

	deadline := time.After(wait)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				t.Fatalf("unexpected %s event", kind)
			}
		case <-deadline:
			return
		}
	}
}

func dialTest(t *testing.T, addr string, subprotocols ...string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{Subprotocols: subprotocols}

	var lastErr error
	for i := 0; i < 20; i++ {
		conn, resp, err := dialer.Dial("ws://"+addr+"/", nil)
		if err == nil {
			resp.Body.Close()
			t.Cleanup(func() { conn.Close() })
			return conn
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("failed to dial %s: %v", addr, lastErr)
	return nil
}

func TestNonUpgradeRequestGetsNotImplemented(t *testing.T) {
	srv, _, _ := startLiveServer(t, false)

	resp, err := http.Get("http://" + srv.Addr() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	assert.Equal(t, 0, srv.SessionCount())
}

func TestFirstSubprotocolIsEchoed(t *testing.T) {
	srv, events, _ := startLiveServer(t, false)

	conn := dialTest(t, srv.Addr(), "chatv1", "v2")
	assert.Equal(t, "chatv1", conn.Subprotocol())

	ev := waitEvent(t, events, EventClientConnected)
	require.NotNil(t, ev.Session)
	assert.Equal(t, []string{"chatv1", "v2"}, ev.Session.Subprotocols)
}

func TestConnectWithoutSubprotocols(t *testing.T) {
	srv, events, _ := startLiveServer(t, false)

	conn := dialTest(t, srv.Addr())
	assert.Equal(t, "", conn.Subprotocol())

	ev := waitEvent(t, events, EventClientConnected)
	require.NotNil(t, ev.Session)
	assert.Len(t, ev.Session.ID, 32)
	assert.Empty(t, ev.Session.Subprotocols)
}

func TestInboundMessageCarriesSessionIdentity(t *testing.T) {
	srv, events, messages := startLiveServer(t, false)

	conn := dialTest(t, srv.Addr(), "chatv1")
	connected := waitEvent(t, events, EventClientConnected)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	select {
	case msg := <-messages:
		assert.Equal(t, []byte("ping"), msg.payload)
		assert.Equal(t, connected.Session.ID, msg.session.ID)
		assert.Equal(t, []string{"chatv1"}, msg.session.Subprotocols)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestBroadcastReachesConnectedClients(t *testing.T) {
	srv, events, _ := startLiveServer(t, false)

	conn1 := dialTest(t, srv.Addr(), "chatv1")
	waitEvent(t, events, EventClientConnected)
	conn2 := dialTest(t, srv.Addr(), "chatv1", "v2")
	waitEvent(t, events, EventClientConnected)
	conn3 := dialTest(t, srv.Addr())
	waitEvent(t, events, EventClientConnected)

	require.Equal(t, 3, srv.SessionCount())

	count := srv.SendToAll([]byte("hello"), ProtocolFilter{"chatv1"})
	assert.Equal(t, 2, count)

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), payload)
	}

	// The filter excluded the session without subprotocols.
	require.NoError(t, conn3.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn3.ReadMessage()
	assert.Error(t, err)
}

func TestDisconnectSendsCloseCode(t *testing.T) {
	srv, events, _ := startLiveServer(t, false)

	conn := dialTest(t, srv.Addr())
	connected := waitEvent(t, events, EventClientConnected)

	require.True(t, srv.Disconnect(connected.Session.ID, websocket.CloseNormalClosure, "done"))

	disconnected := waitEvent(t, events, EventClientDisconnected)
	assert.Equal(t, websocket.CloseNormalClosure, disconnected.Code)
	assert.Equal(t, connected.Session.ID, disconnected.Session.ID)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	assert.Equal(t, 0, srv.SessionCount())
	assert.False(t, srv.Disconnect(connected.Session.ID, websocket.CloseNormalClosure, "done"))
}

func TestClientCloseRemovesSession(t *testing.T) {
	srv, events, _ := startLiveServer(t, false)

	conn := dialTest(t, srv.Addr())
	connected := waitEvent(t, events, EventClientConnected)
	require.Equal(t, 1, srv.SessionCount())

	deadline := time.Now().Add(time.Second)
	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline))

	disconnected := waitEvent(t, events, EventClientDisconnected)
	assert.Equal(t, connected.Session.ID, disconnected.Session.ID)
	assert.Equal(t, websocket.CloseNormalClosure, disconnected.Code)
	assert.Equal(t, 0, srv.SessionCount())

	// The session is gone from subsequent addressing.
	assert.False(t, srv.SendToOne([]byte("hello"), connected.Session.ID, nil))
}

func TestRegistrySizeTracksOpensAndCloses(t *testing.T) {
	srv, events, _ := startLiveServer(t, false)

	var ids []string
	for i := 0; i < 4; i++ {
		dialTest(t, srv.Addr())
		ev := waitEvent(t, events, EventClientConnected)
		ids = append(ids, ev.Session.ID)
	}
	require.Equal(t, 4, srv.SessionCount())

	seen := make(map[string]bool)
	for _, id := range ids {
		assert.False(t, seen[id], "session id reused: %s", id)
		seen[id] = true
	}

	for i, id := range ids {
		require.True(t, srv.Disconnect(id, websocket.CloseNormalClosure, ""))
		waitEvent(t, events, EventClientDisconnected)
		assert.Equal(t, len(ids)-i-1, srv.SessionCount())
	}
}
