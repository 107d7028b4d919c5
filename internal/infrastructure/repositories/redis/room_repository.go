package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisRoomRepository keeps each room as a JSON value plus a participant→room
// index so relay routing stays a single lookup.
type RedisRoomRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisRoomRepository(client *redis.Client) ports.RoomRepository {
	return &RedisRoomRepository{
		client: client,
		prefix: "castrelay:room:",
	}
}

func (r *RedisRoomRepository) roomKey(id domain.RoomID) string {
	return r.prefix + string(id)
}

func (r *RedisRoomRepository) participantKey(p domain.ParticipantID) string {
	return r.prefix + "participant:" + string(p)
}

func (r *RedisRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	if err := r.store(ctx, room); err != nil {
		return err
	}

	if err := r.client.Set(ctx, r.participantKey(room.Host), string(room.ID), 0).Err(); err != nil {
		return fmt.Errorf("failed to index room host: %w", err)
	}
	for _, v := range room.Viewers {
		if err := r.client.Set(ctx, r.participantKey(v), string(room.ID), 0).Err(); err != nil {
			return fmt.Errorf("failed to index room viewer: %w", err)
		}
	}
	return nil
}

func (r *RedisRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	data, err := r.client.Get(ctx, r.roomKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}

	var room domain.Room
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	return &room, nil
}

func (r *RedisRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	room, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.roomKey(id))
	pipe.Del(ctx, r.participantKey(room.Host))
	for _, v := range room.Viewers {
		pipe.Del(ctx, r.participantKey(v))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete room from Redis: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) AddViewer(ctx context.Context, id domain.RoomID, viewer domain.ParticipantID) error {
	room, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if !room.HasViewer(viewer) {
		room.Viewers = append(room.Viewers, viewer)
		if err := r.store(ctx, room); err != nil {
			return err
		}
	}
	if err := r.client.Set(ctx, r.participantKey(viewer), string(id), 0).Err(); err != nil {
		return fmt.Errorf("failed to index room viewer: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) RemoveViewer(ctx context.Context, id domain.RoomID, viewer domain.ParticipantID) error {
	room, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	for i, v := range room.Viewers {
		if v == viewer {
			room.Viewers = append(room.Viewers[:i], room.Viewers[i+1:]...)
			break
		}
	}
	if err := r.store(ctx, room); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.participantKey(viewer)).Err(); err != nil {
		return fmt.Errorf("failed to drop viewer index: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) SetPresenceDeadline(ctx context.Context, id domain.RoomID, deadline time.Time) error {
	room, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	room.PresenceDeadline = deadline
	return r.store(ctx, room)
}

func (r *RedisRoomRepository) FindByParticipant(ctx context.Context, participant domain.ParticipantID) (*domain.Room, error) {
	id, err := r.client.Get(ctx, r.participantKey(participant)).Result()
	if err == redis.Nil {
		return nil, domain.ErrNotInRoom
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve participant room: %w", err)
	}

	room, err := r.GetByID(ctx, domain.RoomID(id))
	if err == domain.ErrRoomNotFound {
		return nil, domain.ErrNotInRoom
	}
	return room, err
}

func (r *RedisRoomRepository) store(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}
	if err := r.client.Set(ctx, r.roomKey(room.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set room in Redis: %w", err)
	}
	return nil
}
