package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/infrastructure/repositories/memory"
	"castrelay/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures everything delivered to one participant.
type recordingSink struct {
	mu       sync.Mutex
	messages []domain.SignalMessage
	viewers  []domain.ParticipantID
}

func (s *recordingSink) Deliver(msg domain.SignalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSink) ViewerJoined(viewer domain.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewers = append(s.viewers, viewer)
}

func (s *recordingSink) received() []domain.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SignalMessage(nil), s.messages...)
}

func (s *recordingSink) joined() []domain.ParticipantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ParticipantID(nil), s.viewers...)
}

func newTestRelay(t *testing.T) (*RelayService, *RegistryService) {
	t.Helper()
	registry := NewRegistryService(memory.NewMemoryRoomRepository(), time.Minute, logger.Nop().Sugar())
	relay := NewRelayService(registry, nil, logger.Nop().Sugar())
	return relay, registry
}

// populatedRoom creates a room with the host and two viewers attached.
func populatedRoom(t *testing.T, relay *RelayService) (domain.RoomID, domain.RoomToken, *recordingSink, *recordingSink, *recordingSink) {
	t.Helper()
	ctx := context.Background()

	host := &recordingSink{}
	v1 := &recordingSink{}
	v2 := &recordingSink{}
	relay.Attach("host-1", host)
	relay.Attach("viewer-1", v1)
	relay.Attach("viewer-2", v2)

	id, token, err := relay.CreateRoom(ctx, "host-1")
	require.NoError(t, err)
	require.NoError(t, relay.JoinRoom(ctx, id, token, "host-1"))
	require.NoError(t, relay.JoinRoom(ctx, id, token, "viewer-1"))
	require.NoError(t, relay.JoinRoom(ctx, id, token, "viewer-2"))
	return id, token, host, v1, v2
}

func TestRelay_JoinRoomNotifiesHost(t *testing.T) {
	relay, _ := newTestRelay(t)
	_, _, host, _, _ := populatedRoom(t, relay)

	assert.Equal(t, []domain.ParticipantID{"viewer-1", "viewer-2"}, host.joined())
}

func TestRelay_SendUnicast(t *testing.T) {
	relay, _ := newTestRelay(t)
	_, _, _, v1, v2 := populatedRoom(t, relay)

	msg := domain.SignalMessage{
		Kind:   domain.KindOffer,
		Sender: "host-1",
		Target: "viewer-1",
	}
	require.NoError(t, relay.Send(context.Background(), msg))

	require.Len(t, v1.received(), 1)
	assert.Equal(t, domain.KindOffer, v1.received()[0].Kind)
	assert.Empty(t, v2.received(), "unicast must not reach other viewers")
}

func TestRelay_SendBroadcast(t *testing.T) {
	relay, _ := newTestRelay(t)
	_, _, host, v1, v2 := populatedRoom(t, relay)

	t.Run("host fans out to every viewer", func(t *testing.T) {
		msg := domain.SignalMessage{Kind: domain.KindStop, Sender: "host-1"}
		require.NoError(t, relay.Send(context.Background(), msg))

		assert.Len(t, v1.received(), 1)
		assert.Len(t, v2.received(), 1)
		assert.Empty(t, host.received())
	})

	t.Run("viewer collapses to the host", func(t *testing.T) {
		msg := domain.SignalMessage{Kind: domain.KindAnswer, Sender: "viewer-1"}
		require.NoError(t, relay.Send(context.Background(), msg))

		require.Len(t, host.received(), 1)
		assert.Equal(t, domain.KindAnswer, host.received()[0].Kind)
		// The sending viewer and its sibling receive nothing.
		assert.Len(t, v1.received(), 1)
		assert.Len(t, v2.received(), 1)
	})
}

func TestRelay_SendFromStranger(t *testing.T) {
	relay, _ := newTestRelay(t)
	populatedRoom(t, relay)

	msg := domain.SignalMessage{Kind: domain.KindOffer, Sender: "stranger"}
	assert.ErrorIs(t, relay.Send(context.Background(), msg), domain.ErrNotInRoom)
}

func TestRelay_UnreachableTargetDroppedSilently(t *testing.T) {
	relay, _ := newTestRelay(t)
	_, _, _, _, _ = populatedRoom(t, relay)

	relay.Detach("viewer-1")

	msg := domain.SignalMessage{
		Kind:   domain.KindICECandidate,
		Sender: "host-1",
		Target: "viewer-1",
	}
	assert.NoError(t, relay.Send(context.Background(), msg), "drops must be silent")
}

func TestRelay_DisconnectedViewerLeaves(t *testing.T) {
	relay, registry := newTestRelay(t)
	id, _, _, _, _ := populatedRoom(t, relay)
	ctx := context.Background()

	relay.Detach("viewer-1")
	relay.Disconnected(ctx, "viewer-1")

	room, err := registry.RoomOf(ctx, "host-1")
	require.NoError(t, err)
	assert.Equal(t, id, room.ID)
	assert.False(t, room.HasViewer("viewer-1"))
	assert.True(t, room.HasViewer("viewer-2"))
}

func TestRelay_DisconnectedHostTearsDownRoom(t *testing.T) {
	relay, registry := newTestRelay(t)
	id, token, _, v1, v2 := populatedRoom(t, relay)
	ctx := context.Background()

	relay.Detach("host-1")
	relay.Disconnected(ctx, "host-1")

	for _, sink := range []*recordingSink{v1, v2} {
		msgs := sink.received()
		require.Len(t, msgs, 1)
		assert.Equal(t, domain.KindStop, msgs[0].Kind)
		assert.Equal(t, domain.ParticipantID("host-1"), msgs[0].Sender)
	}
	assert.False(t, registry.ValidateToken(ctx, id, token))
}

func TestRelay_PresenceExpiryTearsDownRoom(t *testing.T) {
	registry := NewRegistryService(memory.NewMemoryRoomRepository(), 50*time.Millisecond, logger.Nop().Sugar())
	relay := NewRelayService(registry, nil, logger.Nop().Sugar())
	ctx := context.Background()

	v1 := &recordingSink{}
	relay.Attach("viewer-1", v1)

	id, token, err := relay.CreateRoom(ctx, "host-1")
	require.NoError(t, err)
	require.NoError(t, relay.JoinRoom(ctx, id, token, "host-1"))
	require.NoError(t, relay.JoinRoom(ctx, id, token, "viewer-1"))

	require.Eventually(t, func() bool {
		return len(v1.received()) == 1
	}, time.Second, 10*time.Millisecond, "viewer never got the stop broadcast")
	assert.Equal(t, domain.KindStop, v1.received()[0].Kind)
	assert.False(t, registry.ValidateToken(ctx, id, token))
}
