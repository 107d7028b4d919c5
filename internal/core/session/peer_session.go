package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/pkg/tracing"

	"go.uber.org/zap"
)

// State is the negotiation state of one peer session.
type State string

const (
	StateIdle           State = "idle"
	StateOffering       State = "offering"
	StateAnswering      State = "answering" // offer sent, awaiting the remote answer
	StateNegotiatingICE State = "negotiating-ice"
	StateConnected      State = "connected"
	StateDisconnected   State = "disconnected"
	StateFailed         State = "failed"
	StateClosed         State = "closed"
)

// PeerSession drives the offer/answer/ICE exchange with one remote peer over
// a single transport connection. All handling is serialized by the session
// mutex; the state machine decides what is legal from each state and rejects
// anything else with ErrNegotiation. Once closed, every input becomes a no-op
// so late-arriving messages and stray callbacks are safe.
type PeerSession struct {
	self   domain.ParticipantID
	remote domain.ParticipantID

	transport ports.PeerTransport
	relay     ports.SignalRelay

	mu            sync.Mutex
	state         State
	haveRemote    bool
	pending       []domain.ICECandidate
	senders       []ports.TrackSender
	onStateChange func(state State)
	notifyQueue   []State
	notifying     bool

	logger *zap.SugaredLogger
}

func NewPeerSession(self, remote domain.ParticipantID, transport ports.PeerTransport, relay ports.SignalRelay, logger *zap.SugaredLogger) *PeerSession {
	s := &PeerSession{
		self:      self,
		remote:    remote,
		transport: transport,
		relay:     relay,
		state:     StateIdle,
		logger:    logger,
	}

	transport.OnICECandidate(s.sendCandidate)
	transport.OnConnectionStateChange(s.transportStateChanged)
	return s
}

func (s *PeerSession) Remote() domain.ParticipantID { return s.remote }

func (s *PeerSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers the observer notified on every state transition.
// The callback runs outside the session mutex; notifications are delivered
// one at a time in transition order.
func (s *PeerSession) OnStateChange(fn func(state State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = fn
}

// AddTrack attaches a local track to the transport. The returned sender is
// retained so the quality controller can find the outbound video sender later.
func (s *PeerSession) AddTrack(ctx context.Context, track ports.MediaTrack) (ports.TrackSender, error) {
	sender, err := s.transport.AddTrack(ctx, track)
	if err != nil {
		return nil, fmt.Errorf("%w: add track: %v", domain.ErrNegotiation, err)
	}

	s.mu.Lock()
	s.senders = append(s.senders, sender)
	s.mu.Unlock()
	return sender, nil
}

// VideoSender returns the outbound video sender, or nil when the session has
// no outbound video track.
func (s *PeerSession) VideoSender() ports.TrackSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sender := range s.senders {
		if sender.Track().Kind() == "video" {
			return sender
		}
	}
	return nil
}

// Negotiate produces and sends an offer to the remote peer. Legal from idle
// (initial connect) and from connected (renegotiation after a track change);
// the exchange reuses the existing transport connection.
func (s *PeerSession) Negotiate(ctx context.Context) error {
	ctx, span := tracing.TraceNegotiation(ctx, "offer", string(s.remote))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	if s.state != StateIdle && s.state != StateConnected {
		return fmt.Errorf("%w: cannot offer from state %s", domain.ErrNegotiation, s.state)
	}
	s.setStateLocked(StateOffering)

	offer, err := s.transport.CreateOffer(ctx)
	if err != nil {
		return s.failLocked(ctx, fmt.Errorf("%w: create offer: %v", domain.ErrNegotiation, err))
	}
	if err := s.transport.ApplyLocalDescription(ctx, offer); err != nil {
		return s.failLocked(ctx, fmt.Errorf("%w: apply local offer: %v", domain.ErrNegotiation, err))
	}

	if err := s.sendDescription(ctx, domain.KindOffer, offer); err != nil {
		return s.failLocked(ctx, err)
	}
	s.setStateLocked(StateAnswering)
	return nil
}

// HandleOffer applies a remote offer and replies with an answer. Legal from
// idle (first offer) and from negotiating-ice or connected (renegotiation).
// Queued ICE candidates flush in arrival order right after the remote
// description lands.
func (s *PeerSession) HandleOffer(ctx context.Context, desc domain.SessionDescription) error {
	ctx, span := tracing.TraceNegotiation(ctx, "answer", string(s.remote))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	if s.state != StateIdle && s.state != StateNegotiatingICE && s.state != StateConnected {
		return fmt.Errorf("%w: cannot accept offer in state %s", domain.ErrNegotiation, s.state)
	}

	if err := s.transport.ApplyRemoteDescription(ctx, desc); err != nil {
		return s.failLocked(ctx, fmt.Errorf("%w: apply remote offer: %v", domain.ErrNegotiation, err))
	}
	s.haveRemote = true
	s.flushCandidatesLocked(ctx)

	answer, err := s.transport.CreateAnswer(ctx)
	if err != nil {
		return s.failLocked(ctx, fmt.Errorf("%w: create answer: %v", domain.ErrNegotiation, err))
	}
	if err := s.transport.ApplyLocalDescription(ctx, answer); err != nil {
		return s.failLocked(ctx, fmt.Errorf("%w: apply local answer: %v", domain.ErrNegotiation, err))
	}

	if err := s.sendDescription(ctx, domain.KindAnswer, answer); err != nil {
		return s.failLocked(ctx, err)
	}
	s.setStateLocked(StateNegotiatingICE)
	return nil
}

// HandleAnswer completes the offerer's half of the exchange. Legal only while
// awaiting the answer.
func (s *PeerSession) HandleAnswer(ctx context.Context, desc domain.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	if s.state != StateAnswering {
		return fmt.Errorf("%w: unexpected answer in state %s", domain.ErrNegotiation, s.state)
	}

	if err := s.transport.ApplyRemoteDescription(ctx, desc); err != nil {
		return s.failLocked(ctx, fmt.Errorf("%w: apply remote answer: %v", domain.ErrNegotiation, err))
	}
	s.haveRemote = true
	s.flushCandidatesLocked(ctx)

	s.setStateLocked(StateNegotiatingICE)
	return nil
}

// HandleCandidate applies a remote ICE candidate, queueing it when no remote
// description exists yet. Candidates legally arrive out of order with the
// description they belong to.
func (s *PeerSession) HandleCandidate(ctx context.Context, candidate domain.ICECandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	if !s.haveRemote {
		s.pending = append(s.pending, candidate)
		return nil
	}
	if err := s.transport.AddICECandidate(ctx, candidate); err != nil {
		return fmt.Errorf("%w: add candidate: %v", domain.ErrNegotiation, err)
	}
	return nil
}

// HandleMessage dispatches one relayed signaling message to the right handler.
func (s *PeerSession) HandleMessage(ctx context.Context, msg domain.SignalMessage) error {
	switch msg.Kind {
	case domain.KindOffer:
		var desc domain.SessionDescription
		if err := json.Unmarshal(msg.Payload, &desc); err != nil {
			return fmt.Errorf("%w: malformed offer payload: %v", domain.ErrNegotiation, err)
		}
		return s.HandleOffer(ctx, desc)
	case domain.KindAnswer:
		var desc domain.SessionDescription
		if err := json.Unmarshal(msg.Payload, &desc); err != nil {
			return fmt.Errorf("%w: malformed answer payload: %v", domain.ErrNegotiation, err)
		}
		return s.HandleAnswer(ctx, desc)
	case domain.KindICECandidate:
		var candidate domain.ICECandidate
		if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
			return fmt.Errorf("%w: malformed candidate payload: %v", domain.ErrNegotiation, err)
		}
		return s.HandleCandidate(ctx, candidate)
	default:
		return fmt.Errorf("%w: unroutable message kind %q", domain.ErrNegotiation, msg.Kind)
	}
}

// StatsReport samples the transport's active video direction.
func (s *PeerSession) StatsReport(ctx context.Context) (domain.TransportReport, error) {
	return s.transport.StatsReport(ctx)
}

// Close tears down the transport connection. Idempotent; after Close every
// input to the session is a no-op.
func (s *PeerSession) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateClosed)
	s.pending = nil
	s.senders = nil
	s.mu.Unlock()

	return s.transport.Close()
}

func (s *PeerSession) sendCandidate(candidate domain.ICECandidate) {
	payload, err := json.Marshal(candidate)
	if err != nil {
		return
	}
	msg := domain.SignalMessage{
		Kind:    domain.KindICECandidate,
		Sender:  s.self,
		Target:  s.remote,
		Payload: payload,
	}
	if err := s.relay.Send(context.Background(), msg); err != nil {
		s.logger.Debugw("failed to send local candidate",
			"remote", s.remote,
			"error", err,
		)
	}
}

func (s *PeerSession) transportStateChanged(state ports.ConnectionState) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}

	switch state {
	case ports.ConnectionConnected:
		s.setStateLocked(StateConnected)
	case ports.ConnectionDisconnected:
		s.setStateLocked(StateDisconnected)
	case ports.ConnectionFailed:
		s.setStateLocked(StateFailed)
	}
	s.mu.Unlock()
}

func (s *PeerSession) sendDescription(ctx context.Context, kind domain.MessageKind, desc domain.SessionDescription) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", domain.ErrNegotiation, kind, err)
	}
	msg := domain.SignalMessage{
		Kind:    kind,
		Sender:  s.self,
		Target:  s.remote,
		Payload: payload,
	}
	if err := s.relay.Send(ctx, msg); err != nil {
		return fmt.Errorf("%w: send %s: %v", domain.ErrNegotiation, kind, err)
	}
	return nil
}

func (s *PeerSession) flushCandidatesLocked(ctx context.Context) {
	for _, candidate := range s.pending {
		if err := s.transport.AddICECandidate(ctx, candidate); err != nil {
			s.logger.Warnw("failed to apply queued candidate",
				"remote", s.remote,
				"error", err,
			)
		}
	}
	s.pending = nil
}

func (s *PeerSession) failLocked(ctx context.Context, err error) error {
	tracing.RecordError(ctx, err)
	s.setStateLocked(StateFailed)
	return err
}

func (s *PeerSession) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next
	if s.onStateChange == nil {
		return
	}
	s.notifyQueue = append(s.notifyQueue, next)
	if !s.notifying {
		s.notifying = true
		go s.drainNotifications()
	}
}

// drainNotifications delivers queued transitions to the observer in order. A
// single drainer runs at a time, so the observer never sees a connected after
// the disconnect that followed it.
func (s *PeerSession) drainNotifications() {
	for {
		s.mu.Lock()
		if len(s.notifyQueue) == 0 {
			s.notifying = false
			s.mu.Unlock()
			return
		}
		next := s.notifyQueue[0]
		s.notifyQueue = s.notifyQueue[1:]
		fn := s.onStateChange
		s.mu.Unlock()

		if fn != nil {
			fn(next)
		}
	}
}
