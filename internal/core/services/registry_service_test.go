package services

import (
	"context"
	"testing"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/infrastructure/repositories/memory"
	"castrelay/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, timeout time.Duration) *RegistryService {
	t.Helper()
	return NewRegistryService(memory.NewMemoryRoomRepository(), timeout, logger.Nop().Sugar())
}

func TestRegistry_CreateRoomIssuesToken(t *testing.T) {
	reg := newTestRegistry(t, time.Second)
	ctx := context.Background()

	id, token, err := reg.CreateRoom(ctx, "host-1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NotEmpty(t, token)

	assert.True(t, reg.ValidateToken(ctx, id, token))
	assert.False(t, reg.ValidateToken(ctx, id, "wrong"))
	assert.False(t, reg.ValidateToken(ctx, "missing", token))
}

func TestRegistry_JoinAsHost(t *testing.T) {
	reg := newTestRegistry(t, time.Second)
	ctx := context.Background()

	id, token, err := reg.CreateRoom(ctx, "host-1")
	require.NoError(t, err)

	require.NoError(t, reg.JoinAsHost(ctx, id, token, "host-1"))
	assert.ErrorIs(t, reg.JoinAsHost(ctx, id, token, "imposter"), domain.ErrNotHost)
	assert.ErrorIs(t, reg.JoinAsHost(ctx, "missing", token, "host-1"), domain.ErrRoomNotFound)

	room, err := reg.RoomOf(ctx, "host-1")
	require.NoError(t, err)
	assert.False(t, room.PresenceDeadline.IsZero(), "heartbeat must set the presence deadline")
}

func TestRegistry_JoinAsViewer(t *testing.T) {
	reg := newTestRegistry(t, time.Second)
	ctx := context.Background()

	id, token, err := reg.CreateRoom(ctx, "host-1")
	require.NoError(t, err)

	host, err := reg.JoinAsViewer(ctx, id, token, "viewer-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID("host-1"), host)

	_, err = reg.JoinAsViewer(ctx, id, "wrong", "viewer-2")
	assert.ErrorIs(t, err, domain.ErrInvalidToken)

	room, err := reg.RoomOf(ctx, "viewer-1")
	require.NoError(t, err)
	assert.Equal(t, id, room.ID)
}

func TestRegistry_CloseRoom(t *testing.T) {
	reg := newTestRegistry(t, time.Second)
	ctx := context.Background()

	id, token, err := reg.CreateRoom(ctx, "host-1")
	require.NoError(t, err)

	t.Run("viewer cannot close", func(t *testing.T) {
		_, err := reg.JoinAsViewer(ctx, id, token, "viewer-1")
		require.NoError(t, err)
		assert.ErrorIs(t, reg.CloseRoom(ctx, id, token, "viewer-1"), domain.ErrNotHost)
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		assert.ErrorIs(t, reg.CloseRoom(ctx, id, "wrong", "host-1"), domain.ErrNotHost)
	})

	t.Run("host closes, second close is a no-op", func(t *testing.T) {
		require.NoError(t, reg.CloseRoom(ctx, id, token, "host-1"))
		require.NoError(t, reg.CloseRoom(ctx, id, token, "host-1"))
		assert.False(t, reg.ValidateToken(ctx, id, token))
	})
}

func TestRegistry_Leave(t *testing.T) {
	reg := newTestRegistry(t, time.Second)
	ctx := context.Background()

	id, token, err := reg.CreateRoom(ctx, "host-1")
	require.NoError(t, err)
	_, err = reg.JoinAsViewer(ctx, id, token, "viewer-1")
	require.NoError(t, err)

	assert.ErrorIs(t, reg.Leave(ctx, "host-1"), domain.ErrNotInRoom)

	require.NoError(t, reg.Leave(ctx, "viewer-1"))
	_, err = reg.RoomOf(ctx, "viewer-1")
	assert.ErrorIs(t, err, domain.ErrNotInRoom)
}

func TestRegistry_PresenceExpiry(t *testing.T) {
	reg := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	expired := make(chan *domain.Room, 1)
	reg.OnPresenceExpired(func(room *domain.Room) {
		expired <- room
	})

	id, token, err := reg.CreateRoom(ctx, "host-1")
	require.NoError(t, err)
	_, err = reg.JoinAsViewer(ctx, id, token, "viewer-1")
	require.NoError(t, err)

	require.NoError(t, reg.JoinAsHost(ctx, id, token, "host-1"))

	select {
	case room := <-expired:
		assert.Equal(t, id, room.ID)
		assert.Equal(t, domain.ParticipantID("host-1"), room.Host)
		assert.Len(t, room.Viewers, 1)
	case <-time.After(time.Second):
		t.Fatal("presence expiry never fired")
	}
}

func TestRegistry_HeartbeatDefersExpiry(t *testing.T) {
	reg := newTestRegistry(t, 80*time.Millisecond)
	ctx := context.Background()

	expired := make(chan *domain.Room, 1)
	reg.OnPresenceExpired(func(room *domain.Room) {
		expired <- room
	})

	id, token, err := reg.CreateRoom(ctx, "host-1")
	require.NoError(t, err)

	// Heartbeat faster than the timeout for a few cycles.
	for i := 0; i < 5; i++ {
		require.NoError(t, reg.JoinAsHost(ctx, id, token, "host-1"))
		time.Sleep(30 * time.Millisecond)

		select {
		case <-expired:
			t.Fatal("room expired despite heartbeats")
		default:
		}
	}

	// Go silent; now it must expire.
	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("presence expiry never fired after heartbeats stopped")
	}
}

func TestRegistry_CloseCancelsTimer(t *testing.T) {
	reg := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	expired := make(chan *domain.Room, 1)
	reg.OnPresenceExpired(func(room *domain.Room) {
		expired <- room
	})

	id, token, err := reg.CreateRoom(ctx, "host-1")
	require.NoError(t, err)
	require.NoError(t, reg.JoinAsHost(ctx, id, token, "host-1"))
	require.NoError(t, reg.CloseRoom(ctx, id, token, "host-1"))

	select {
	case <-expired:
		t.Fatal("timer fired for a closed room")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRegistry_OneRoomPerIdentity(t *testing.T) {
	reg := newTestRegistry(t, time.Second)
	ctx := context.Background()

	idA, tokenA, err := reg.CreateRoom(ctx, "host-a")
	require.NoError(t, err)
	idB, tokenB, err := reg.CreateRoom(ctx, "host-b")
	require.NoError(t, err)

	_, err = reg.JoinAsViewer(ctx, idA, tokenA, "viewer-1")
	require.NoError(t, err)

	t.Run("viewer cannot join a second room", func(t *testing.T) {
		_, err := reg.JoinAsViewer(ctx, idB, tokenB, "viewer-1")
		assert.ErrorIs(t, err, domain.ErrAlreadyInRoom)

		// Room A still lists the viewer; room B never gained it.
		roomA, err := reg.RoomOf(ctx, "viewer-1")
		require.NoError(t, err)
		assert.Equal(t, idA, roomA.ID)
	})

	t.Run("rejoining the same room is idempotent", func(t *testing.T) {
		host, err := reg.JoinAsViewer(ctx, idA, tokenA, "viewer-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ParticipantID("host-a"), host)

		roomA, err := reg.RoomOf(ctx, "viewer-1")
		require.NoError(t, err)
		assert.Len(t, roomA.Viewers, 1)
	})

	t.Run("host cannot view its own room", func(t *testing.T) {
		_, err := reg.JoinAsViewer(ctx, idA, tokenA, "host-a")
		assert.ErrorIs(t, err, domain.ErrAlreadyInRoom)
	})

	t.Run("host cannot open a second room", func(t *testing.T) {
		_, _, err := reg.CreateRoom(ctx, "host-a")
		assert.ErrorIs(t, err, domain.ErrAlreadyInRoom)
	})

	t.Run("leaving frees the identity", func(t *testing.T) {
		require.NoError(t, reg.Leave(ctx, "viewer-1"))
		_, err := reg.JoinAsViewer(ctx, idB, tokenB, "viewer-1")
		assert.NoError(t, err)
	})
}
