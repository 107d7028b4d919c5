package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/pkg/utils"

	"go.uber.org/zap"
)

// RegistryService implements ports.RoomRegistry over a room repository.
// Presence timers are process-local: each host heartbeat cancels and rearms
// the room's timer atomically with respect to a concurrent fire, so a room
// that just heartbeat is never torn down by a stale timer.
type RegistryService struct {
	repo            ports.RoomRepository
	presenceTimeout time.Duration

	mu       sync.Mutex
	timers   map[domain.RoomID]*presenceTimer
	onExpire func(room *domain.Room)

	logger *zap.SugaredLogger
}

type presenceTimer struct {
	timer *time.Timer
	gen   uint64
}

func NewRegistryService(repo ports.RoomRepository, presenceTimeout time.Duration, logger *zap.SugaredLogger) *RegistryService {
	return &RegistryService{
		repo:            repo,
		presenceTimeout: presenceTimeout,
		timers:          make(map[domain.RoomID]*presenceTimer),
		logger:          logger,
	}
}

func (s *RegistryService) OnPresenceExpired(fn func(room *domain.Room)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExpire = fn
}

// CreateRoom registers an empty room with the caller as host. No presence
// timer is armed until the host first heartbeats via JoinAsHost. An identity
// holds at most one role in at most one room, so a caller already registered
// somewhere cannot open a second room.
func (s *RegistryService) CreateRoom(ctx context.Context, host domain.ParticipantID) (domain.RoomID, domain.RoomToken, error) {
	if _, err := s.repo.FindByParticipant(ctx, host); err == nil {
		return "", "", domain.ErrAlreadyInRoom
	}

	room := &domain.Room{
		ID:        domain.RoomID(utils.GenerateRoomID()),
		Token:     domain.RoomToken(utils.GenerateRoomToken()),
		Host:      host,
		CreatedAt: time.Now(),
	}

	if err := s.repo.Create(ctx, room); err != nil {
		return "", "", err
	}

	s.logger.Infow("room created",
		"room_id", room.ID,
		"host", host,
	)
	return room.ID, room.Token, nil
}

// JoinAsHost is the host heartbeat: it refreshes the presence deadline. Only
// the recorded host identity may call it.
func (s *RegistryService) JoinAsHost(ctx context.Context, id domain.RoomID, token domain.RoomToken, caller domain.ParticipantID) error {
	room, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if room.Host != caller {
		return domain.ErrNotHost
	}

	deadline := time.Now().Add(s.presenceTimeout)
	if err := s.repo.SetPresenceDeadline(ctx, id, deadline); err != nil {
		return err
	}

	s.armTimer(id)
	return nil
}

// JoinAsViewer validates the token, adds the caller to the viewer set and
// returns the host identity so the caller can request a connection.
func (s *RegistryService) JoinAsViewer(ctx context.Context, id domain.RoomID, token domain.RoomToken, caller domain.ParticipantID) (domain.ParticipantID, error) {
	room, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if room.Token != token {
		return "", domain.ErrInvalidToken
	}

	// Rejoining the same room as viewer is idempotent; membership anywhere
	// else, or hosting this room, blocks the join.
	if existing, err := s.repo.FindByParticipant(ctx, caller); err == nil {
		if existing.ID != id || existing.Host == caller {
			return "", domain.ErrAlreadyInRoom
		}
	}

	if err := s.repo.AddViewer(ctx, id, caller); err != nil {
		return "", err
	}

	s.logger.Infow("viewer joined room",
		"room_id", id,
		"viewer", caller,
	)
	return room.Host, nil
}

// CloseRoom removes the room. Only the recorded host with the right token may
// close it; closing an already-closed room is a no-op, not an error.
func (s *RegistryService) CloseRoom(ctx context.Context, id domain.RoomID, token domain.RoomToken, caller domain.ParticipantID) error {
	room, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, domain.ErrRoomNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if room.Host != caller || room.Token != token {
		return domain.ErrNotHost
	}

	s.cancelTimer(id)
	if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
		return err
	}

	s.logger.Infow("room closed", "room_id", id)
	return nil
}

// Leave removes a viewer from its room. A host cannot leave its own room
// this way; hosts end rooms via CloseRoom or by going silent.
func (s *RegistryService) Leave(ctx context.Context, participant domain.ParticipantID) error {
	room, err := s.repo.FindByParticipant(ctx, participant)
	if err != nil {
		return err
	}
	if room.Host == participant {
		return domain.ErrNotInRoom
	}
	return s.repo.RemoveViewer(ctx, room.ID, participant)
}

func (s *RegistryService) RoomOf(ctx context.Context, participant domain.ParticipantID) (*domain.Room, error) {
	return s.repo.FindByParticipant(ctx, participant)
}

func (s *RegistryService) ValidateToken(ctx context.Context, id domain.RoomID, token domain.RoomToken) bool {
	room, err := s.repo.GetByID(ctx, id)
	return err == nil && room.Token == token
}

// armTimer cancels any pending timer for the room and schedules a fresh one.
// The generation counter makes a timer that fired concurrently with the reset
// a no-op when it finally acquires the lock.
func (s *RegistryService) armTimer(id domain.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pt, exists := s.timers[id]
	if exists {
		pt.timer.Stop()
		pt.gen++
	} else {
		pt = &presenceTimer{}
		s.timers[id] = pt
	}

	gen := pt.gen
	pt.timer = time.AfterFunc(s.presenceTimeout, func() {
		s.expire(id, gen)
	})
}

func (s *RegistryService) cancelTimer(id domain.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pt, exists := s.timers[id]; exists {
		pt.timer.Stop()
		pt.gen++
		delete(s.timers, id)
	}
}

func (s *RegistryService) expire(id domain.RoomID, gen uint64) {
	s.mu.Lock()
	pt, exists := s.timers[id]
	if !exists || pt.gen != gen {
		// Heartbeat or close raced the fire; this timer is stale.
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	onExpire := s.onExpire
	s.mu.Unlock()

	room, err := s.repo.GetByID(context.Background(), id)
	if err != nil {
		return
	}

	s.logger.Warnw("host presence expired",
		"room_id", id,
		"host", room.Host,
		"viewers", len(room.Viewers),
	)

	if onExpire != nil {
		onExpire(room)
	}
}
