package signal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/services"
	"castrelay/internal/infrastructure/repositories/memory"
	"castrelay/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*WebSocketServer, *httptest.Server) {
	t.Helper()
	log := logger.Nop().Sugar()
	registry := services.NewRegistryService(memory.NewMemoryRoomRepository(), time.Minute, log)
	relay := services.NewRelayService(registry, nil, log)

	ws := NewWebSocketServer(relay, log)
	srv := httptest.NewServer(http.HandlerFunc(ws.HandleWebSocket))
	t.Cleanup(srv.Close)
	return ws, srv
}

func dial(t *testing.T, srv *httptest.Server, participantID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?participant_id=" + participantID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Every connection opens with a welcome frame naming the identity.
	env := readEnvelope(t, conn)
	require.Equal(t, "welcome", env.Type)
	require.NotNil(t, env.Message)
	require.Equal(t, domain.ParticipantID(participantID), env.Message.Sender)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(env))
}

func TestWebSocket_CreateAndJoinRoom(t *testing.T) {
	ws, srv := newTestServer(t)

	host := dial(t, srv, "host-1")
	assert.True(t, ws.IsConnected("host-1"))

	writeEnvelope(t, host, Envelope{Type: "create_room"})
	created := readEnvelope(t, host)
	require.Equal(t, "room_created", created.Type)
	require.NotEmpty(t, created.RoomID)
	require.NotEmpty(t, created.Token)

	// Host heartbeats into its own room; no reply for heartbeats.
	writeEnvelope(t, host, Envelope{Type: "heartbeat", RoomID: created.RoomID, Token: created.Token})

	viewer := dial(t, srv, "viewer-1")
	writeEnvelope(t, viewer, Envelope{Type: "join_room", RoomID: created.RoomID, Token: created.Token})

	joined := readEnvelope(t, viewer)
	assert.Equal(t, "joined", joined.Type)
	assert.Equal(t, created.RoomID, joined.RoomID)

	// The host learns about the viewer out of band.
	notified := readEnvelope(t, host)
	require.Equal(t, "viewer_joined", notified.Type)
	require.NotNil(t, notified.Message)
	assert.Equal(t, domain.ParticipantID("viewer-1"), notified.Message.Sender)

	assert.ElementsMatch(t,
		[]domain.ParticipantID{"host-1", "viewer-1"},
		ws.ConnectedParticipants(),
	)
}

func TestWebSocket_JoinWithWrongToken(t *testing.T) {
	_, srv := newTestServer(t)

	host := dial(t, srv, "host-1")
	writeEnvelope(t, host, Envelope{Type: "create_room"})
	created := readEnvelope(t, host)

	viewer := dial(t, srv, "viewer-1")
	writeEnvelope(t, viewer, Envelope{Type: "join_room", RoomID: created.RoomID, Token: "wrong"})

	reply := readEnvelope(t, viewer)
	assert.Equal(t, "error", reply.Type)
}

func TestWebSocket_SignalRoutingAndSenderIdentity(t *testing.T) {
	_, srv := newTestServer(t)

	host := dial(t, srv, "host-1")
	writeEnvelope(t, host, Envelope{Type: "create_room"})
	created := readEnvelope(t, host)
	writeEnvelope(t, host, Envelope{Type: "join_room", RoomID: created.RoomID, Token: created.Token})
	require.Equal(t, "joined", readEnvelope(t, host).Type)

	viewer := dial(t, srv, "viewer-1")
	writeEnvelope(t, viewer, Envelope{Type: "join_room", RoomID: created.RoomID, Token: created.Token})
	require.Equal(t, "joined", readEnvelope(t, viewer).Type)
	require.Equal(t, "viewer_joined", readEnvelope(t, host).Type)

	// The viewer claims a fake sender; the server must overwrite it with the
	// connection identity.
	writeEnvelope(t, viewer, Envelope{Type: "signal", Message: &domain.SignalMessage{
		Kind:   domain.KindAnswer,
		Sender: "someone-else",
	}})

	received := readEnvelope(t, host)
	require.Equal(t, "signal", received.Type)
	require.NotNil(t, received.Message)
	assert.Equal(t, domain.KindAnswer, received.Message.Kind)
	assert.Equal(t, domain.ParticipantID("viewer-1"), received.Message.Sender)

	// Host unicast back to the viewer.
	writeEnvelope(t, host, Envelope{Type: "signal", Message: &domain.SignalMessage{
		Kind:   domain.KindOffer,
		Target: "viewer-1",
	}})

	offer := readEnvelope(t, viewer)
	require.Equal(t, "signal", offer.Type)
	assert.Equal(t, domain.KindOffer, offer.Message.Kind)
	assert.Equal(t, domain.ParticipantID("host-1"), offer.Message.Sender)
}

func TestWebSocket_HostDisconnectStopsViewers(t *testing.T) {
	_, srv := newTestServer(t)

	host := dial(t, srv, "host-1")
	writeEnvelope(t, host, Envelope{Type: "create_room"})
	created := readEnvelope(t, host)
	writeEnvelope(t, host, Envelope{Type: "join_room", RoomID: created.RoomID, Token: created.Token})
	require.Equal(t, "joined", readEnvelope(t, host).Type)

	viewer := dial(t, srv, "viewer-1")
	writeEnvelope(t, viewer, Envelope{Type: "join_room", RoomID: created.RoomID, Token: created.Token})
	require.Equal(t, "joined", readEnvelope(t, viewer).Type)

	// Host socket drops; viewers get the synthesized stop right away.
	require.NoError(t, host.Close())

	env := readEnvelope(t, viewer)
	require.Equal(t, "signal", env.Type)
	require.NotNil(t, env.Message)
	assert.Equal(t, domain.KindStop, env.Message.Kind)
	assert.Equal(t, domain.ParticipantID("host-1"), env.Message.Sender)
}

func TestWebSocket_MalformedEnvelopes(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dial(t, srv, "peer-1")

	t.Run("unknown type", func(t *testing.T) {
		writeEnvelope(t, conn, Envelope{Type: "bogus"})
		assert.Equal(t, "error", readEnvelope(t, conn).Type)
	})

	t.Run("missing type", func(t *testing.T) {
		writeEnvelope(t, conn, Envelope{})
		assert.Equal(t, "error", readEnvelope(t, conn).Type)
	})

	t.Run("join without room", func(t *testing.T) {
		writeEnvelope(t, conn, Envelope{Type: "join_room"})
		assert.Equal(t, "error", readEnvelope(t, conn).Type)
	})

	t.Run("signal without message", func(t *testing.T) {
		writeEnvelope(t, conn, Envelope{Type: "signal"})
		assert.Equal(t, "error", readEnvelope(t, conn).Type)
	})
}

func TestWebSocket_MessageRateLimit(t *testing.T) {
	log := logger.Nop().Sugar()
	registry := services.NewRegistryService(memory.NewMemoryRoomRepository(), time.Minute, log)
	relay := services.NewRelayService(registry, nil, log)

	ws := NewWebSocketServer(relay, log)
	ws.SetMessageRate(1, 1)
	srv := httptest.NewServer(http.HandlerFunc(ws.HandleWebSocket))
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "chatty")

	// Burst of one: the second frame in quick succession must be throttled.
	writeEnvelope(t, conn, Envelope{Type: "create_room"})
	require.Equal(t, "room_created", readEnvelope(t, conn).Type)

	writeEnvelope(t, conn, Envelope{Type: "create_room"})
	reply := readEnvelope(t, conn)
	assert.Equal(t, "error", reply.Type)
}

func TestWebSocket_HealthCheck(t *testing.T) {
	ws, srv := newTestServer(t)
	dial(t, srv, "peer-1")

	health := httptest.NewServer(http.HandlerFunc(ws.HealthCheck))
	t.Cleanup(health.Close)

	resp, err := http.Get(health.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocket_HostReconnectKeepsRoomAlive(t *testing.T) {
	ws, srv := newTestServer(t)

	host := dial(t, srv, "host-1")
	writeEnvelope(t, host, Envelope{Type: "create_room"})
	created := readEnvelope(t, host)
	writeEnvelope(t, host, Envelope{Type: "join_room", RoomID: created.RoomID, Token: created.Token})
	require.Equal(t, "joined", readEnvelope(t, host).Type)

	viewer := dial(t, srv, "viewer-1")
	writeEnvelope(t, viewer, Envelope{Type: "join_room", RoomID: created.RoomID, Token: created.Token})
	require.Equal(t, "joined", readEnvelope(t, viewer).Type)
	require.Equal(t, "viewer_joined", readEnvelope(t, host).Type)

	// Same identity dials again; the server replaces the old connection. The
	// replaced connection's teardown must not report the live host gone.
	reHost := dial(t, srv, "host-1")
	assert.True(t, ws.IsConnected("host-1"))

	// The room survived: a fresh offer from the new socket reaches the viewer
	// as the next frame, not a synthesized stop.
	writeEnvelope(t, reHost, Envelope{Type: "signal", Message: &domain.SignalMessage{
		Kind:   domain.KindOffer,
		Target: "viewer-1",
	}})

	env := readEnvelope(t, viewer)
	require.Equal(t, "signal", env.Type)
	require.NotNil(t, env.Message)
	assert.Equal(t, domain.KindOffer, env.Message.Kind)
	assert.Equal(t, domain.ParticipantID("host-1"), env.Message.Sender)
}
