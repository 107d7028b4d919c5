package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
)

type MemoryRoomRepository struct {
	rooms map[domain.RoomID]*domain.Room
	// participant (host or viewer) -> room, kept in lockstep with rooms.
	index map[domain.ParticipantID]domain.RoomID
	mu    sync.RWMutex
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[domain.RoomID]*domain.Room),
		index: make(map[domain.ParticipantID]domain.RoomID),
	}
}

func (r *MemoryRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[room.ID]; exists {
		return fmt.Errorf("room already exists: %s", room.ID)
	}

	r.rooms[room.ID] = cloneRoom(room)
	r.index[room.Host] = room.ID
	for _, v := range room.Viewers {
		r.index[v] = room.ID
	}
	return nil
}

func (r *MemoryRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	return cloneRoom(room), nil
}

func (r *MemoryRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[id]
	if !exists {
		return domain.ErrRoomNotFound
	}

	delete(r.index, room.Host)
	for _, v := range room.Viewers {
		delete(r.index, v)
	}
	delete(r.rooms, id)
	return nil
}

func (r *MemoryRoomRepository) AddViewer(ctx context.Context, id domain.RoomID, viewer domain.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[id]
	if !exists {
		return domain.ErrRoomNotFound
	}
	if !room.HasViewer(viewer) {
		room.Viewers = append(room.Viewers, viewer)
	}
	r.index[viewer] = id
	return nil
}

func (r *MemoryRoomRepository) RemoveViewer(ctx context.Context, id domain.RoomID, viewer domain.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[id]
	if !exists {
		return domain.ErrRoomNotFound
	}
	for i, v := range room.Viewers {
		if v == viewer {
			room.Viewers = append(room.Viewers[:i], room.Viewers[i+1:]...)
			break
		}
	}
	delete(r.index, viewer)
	return nil
}

func (r *MemoryRoomRepository) SetPresenceDeadline(ctx context.Context, id domain.RoomID, deadline time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[id]
	if !exists {
		return domain.ErrRoomNotFound
	}
	room.PresenceDeadline = deadline
	return nil
}

func (r *MemoryRoomRepository) FindByParticipant(ctx context.Context, participant domain.ParticipantID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.index[participant]
	if !exists {
		return nil, domain.ErrNotInRoom
	}
	room, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrNotInRoom
	}
	return cloneRoom(room), nil
}

// cloneRoom keeps callers from mutating stored state through the returned
// pointer.
func cloneRoom(room *domain.Room) *domain.Room {
	c := *room
	c.Viewers = append([]domain.ParticipantID(nil), room.Viewers...)
	return &c
}
