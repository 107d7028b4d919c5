package ports

import (
	"context"

	"castrelay/internal/core/domain"
)

// RoomRegistry owns room lifecycle, membership and the host presence deadline.
type RoomRegistry interface {
	CreateRoom(ctx context.Context, host domain.ParticipantID) (domain.RoomID, domain.RoomToken, error)
	JoinAsHost(ctx context.Context, id domain.RoomID, token domain.RoomToken, caller domain.ParticipantID) error
	JoinAsViewer(ctx context.Context, id domain.RoomID, token domain.RoomToken, caller domain.ParticipantID) (domain.ParticipantID, error)
	CloseRoom(ctx context.Context, id domain.RoomID, token domain.RoomToken, caller domain.ParticipantID) error
	Leave(ctx context.Context, participant domain.ParticipantID) error
	RoomOf(ctx context.Context, participant domain.ParticipantID) (*domain.Room, error)
	ValidateToken(ctx context.Context, id domain.RoomID, token domain.RoomToken) bool

	// OnPresenceExpired registers the handler invoked when a host presence
	// deadline elapses without a heartbeat. The room is still registered when
	// the handler runs; teardown is the handler's job.
	OnPresenceExpired(fn func(room *domain.Room))
}

// MessageSink receives addressed deliveries for one attached participant.
// Delivery is best effort; a sink error never propagates to the sender.
type MessageSink interface {
	Deliver(msg domain.SignalMessage) error
	ViewerJoined(viewer domain.ParticipantID)
}

// SignalRelay routes signaling messages between room members and tears rooms
// down when the host disappears.
type SignalRelay interface {
	Attach(participant domain.ParticipantID, sink MessageSink)
	Detach(participant domain.ParticipantID)

	CreateRoom(ctx context.Context, host domain.ParticipantID) (domain.RoomID, domain.RoomToken, error)
	JoinRoom(ctx context.Context, id domain.RoomID, token domain.RoomToken, caller domain.ParticipantID) error
	CloseRoom(ctx context.Context, id domain.RoomID, token domain.RoomToken, caller domain.ParticipantID) error
	Send(ctx context.Context, msg domain.SignalMessage) error

	// Heartbeat refreshes the host presence deadline. Unlike JoinRoom it is
	// fire and forget and never triggers membership side effects.
	Heartbeat(ctx context.Context, id domain.RoomID, token domain.RoomToken, caller domain.ParticipantID) error

	// Disconnected reports that a participant's relay connection dropped.
	// A lost host triggers the same teardown as a presence expiry; a lost
	// viewer just leaves the room.
	Disconnected(ctx context.Context, participant domain.ParticipantID)
}

// RelayMetrics is implemented by the monitoring collector; all methods must
// be cheap and non-blocking.
type RelayMetrics interface {
	RecordRoomCreated()
	RecordRoomClosed()
	RecordParticipantJoined(role domain.Role)
	RecordParticipantLeft(role domain.Role)
	RecordMessageRouted(kind domain.MessageKind)
	RecordMessageDropped(kind domain.MessageKind)
	RecordPresenceExpiry()
}
