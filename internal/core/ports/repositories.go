package ports

import (
	"context"
	"time"

	"castrelay/internal/core/domain"
)

// RoomRepository stores rooms and the participant→room index used for
// message routing. Implementations must be safe for concurrent use.
type RoomRepository interface {
	Create(ctx context.Context, room *domain.Room) error
	GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	Delete(ctx context.Context, id domain.RoomID) error

	AddViewer(ctx context.Context, id domain.RoomID, viewer domain.ParticipantID) error
	RemoveViewer(ctx context.Context, id domain.RoomID, viewer domain.ParticipantID) error
	SetPresenceDeadline(ctx context.Context, id domain.RoomID, deadline time.Time) error

	// FindByParticipant resolves the room a participant belongs to, host or
	// viewer. Returns domain.ErrNotInRoom when the participant is nowhere.
	FindByParticipant(ctx context.Context, participant domain.ParticipantID) (*domain.Room, error)
}
