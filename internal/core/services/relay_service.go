package services

import (
	"context"
	"errors"
	"sync"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/pkg/tracing"

	"go.uber.org/zap"
)

// RelayService routes signaling messages by room role. Handshake messages are
// addressed to one peer; untargeted messages fan out host→viewers or collapse
// viewer→host. Undeliverable unicasts are dropped silently because signaling
// is inherently racy with peer departure.
type RelayService struct {
	registry ports.RoomRegistry
	metrics  ports.RelayMetrics

	mu    sync.RWMutex
	sinks map[domain.ParticipantID]ports.MessageSink

	logger *zap.SugaredLogger
}

func NewRelayService(registry ports.RoomRegistry, metrics ports.RelayMetrics, logger *zap.SugaredLogger) *RelayService {
	r := &RelayService{
		registry: registry,
		metrics:  metrics,
		sinks:    make(map[domain.ParticipantID]ports.MessageSink),
		logger:   logger,
	}
	registry.OnPresenceExpired(r.expireRoom)
	return r
}

func (r *RelayService) Attach(participant domain.ParticipantID, sink ports.MessageSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[participant] = sink
}

func (r *RelayService) Detach(participant domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, participant)
}

func (r *RelayService) CreateRoom(ctx context.Context, host domain.ParticipantID) (domain.RoomID, domain.RoomToken, error) {
	ctx, span := tracing.TraceRoomOperation(ctx, "create", "")
	defer span.End()

	id, token, err := r.registry.CreateRoom(ctx, host)
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", "", err
	}
	if r.metrics != nil {
		r.metrics.RecordRoomCreated()
	}
	return id, token, nil
}

// JoinRoom resolves the caller's role itself: the recorded host identity
// heartbeats, anyone else joins as viewer. A successful viewer join notifies
// the host out of band so it can open a session immediately.
func (r *RelayService) JoinRoom(ctx context.Context, id domain.RoomID, token domain.RoomToken, caller domain.ParticipantID) error {
	ctx, span := tracing.TraceRoomOperation(ctx, "join", string(id))
	defer span.End()

	err := r.registry.JoinAsHost(ctx, id, token, caller)
	if err == nil {
		if r.metrics != nil {
			r.metrics.RecordParticipantJoined(domain.RoleHost)
		}
		return nil
	}
	if !errors.Is(err, domain.ErrNotHost) {
		tracing.RecordError(ctx, err)
		return err
	}

	host, err := r.registry.JoinAsViewer(ctx, id, token, caller)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	if r.metrics != nil {
		r.metrics.RecordParticipantJoined(domain.RoleViewer)
	}

	r.mu.RLock()
	sink, ok := r.sinks[host]
	r.mu.RUnlock()
	if ok {
		sink.ViewerJoined(caller)
	}
	return nil
}

// Heartbeat is the host presence refresh. Viewers have no deadline to
// refresh, so anyone but the recorded host gets ErrNotHost back.
func (r *RelayService) Heartbeat(ctx context.Context, id domain.RoomID, token domain.RoomToken, caller domain.ParticipantID) error {
	return r.registry.JoinAsHost(ctx, id, token, caller)
}

func (r *RelayService) CloseRoom(ctx context.Context, id domain.RoomID, token domain.RoomToken, caller domain.ParticipantID) error {
	ctx, span := tracing.TraceRoomOperation(ctx, "close", string(id))
	defer span.End()

	if err := r.registry.CloseRoom(ctx, id, token, caller); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	if r.metrics != nil {
		r.metrics.RecordRoomClosed()
	}
	return nil
}

// Send delivers a message per the routing rules. The only error surfaced to
// the caller is ErrNotInRoom; delivery itself is best effort.
func (r *RelayService) Send(ctx context.Context, msg domain.SignalMessage) error {
	ctx, span := tracing.TraceSignal(ctx, string(msg.Kind), string(msg.Sender))
	defer span.End()

	room, err := r.registry.RoomOf(ctx, msg.Sender)
	if err != nil {
		tracing.RecordError(ctx, domain.ErrNotInRoom)
		return domain.ErrNotInRoom
	}

	if msg.Target != "" {
		r.deliver(msg.Target, msg)
		return nil
	}

	if msg.Sender == room.Host {
		for _, viewer := range room.Viewers {
			r.deliver(viewer, msg)
		}
	} else {
		r.deliver(room.Host, msg)
	}
	return nil
}

// Disconnected handles a dropped relay connection. Losing the host ends the
// room right away instead of waiting out the presence timer.
func (r *RelayService) Disconnected(ctx context.Context, participant domain.ParticipantID) {
	room, err := r.registry.RoomOf(ctx, participant)
	if err != nil {
		return
	}

	if room.Host == participant {
		r.expireRoom(room)
		return
	}

	if err := r.registry.Leave(ctx, participant); err == nil {
		if r.metrics != nil {
			r.metrics.RecordParticipantLeft(domain.RoleViewer)
		}
		r.logger.Infow("viewer left room",
			"room_id", room.ID,
			"viewer", participant,
		)
	}
}

// expireRoom runs on presence expiry or host connection loss: synthesize a
// stop broadcast from the host to every viewer, then tear the room down. The
// host is unreachable by definition, so nothing is reported back to it.
func (r *RelayService) expireRoom(room *domain.Room) {
	stop := domain.SignalMessage{
		Kind:   domain.KindStop,
		Sender: room.Host,
	}
	for _, viewer := range room.Viewers {
		r.deliver(viewer, stop)
	}

	if err := r.registry.CloseRoom(context.Background(), room.ID, room.Token, room.Host); err != nil {
		r.logger.Warnw("failed to tear down expired room",
			"room_id", room.ID,
			"error", err,
		)
		return
	}

	if r.metrics != nil {
		r.metrics.RecordPresenceExpiry()
		r.metrics.RecordRoomClosed()
	}
	r.logger.Infow("room torn down after host loss",
		"room_id", room.ID,
		"viewers_notified", len(room.Viewers),
	)
}

func (r *RelayService) deliver(target domain.ParticipantID, msg domain.SignalMessage) {
	r.mu.RLock()
	sink, ok := r.sinks[target]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debugw("dropping message for unreachable participant",
			"target", target,
			"kind", msg.Kind,
		)
		if r.metrics != nil {
			r.metrics.RecordMessageDropped(msg.Kind)
		}
		return
	}

	if err := sink.Deliver(msg); err != nil {
		r.logger.Debugw("sink rejected message",
			"target", target,
			"kind", msg.Kind,
			"error", err,
		)
		if r.metrics != nil {
			r.metrics.RecordMessageDropped(msg.Kind)
		}
		return
	}

	if r.metrics != nil {
		r.metrics.RecordMessageRouted(msg.Kind)
	}
}
