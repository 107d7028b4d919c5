package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/internal/core/session"

	"go.uber.org/zap"
)

// peerLink pairs a session with its stats sampler. The sampler arms when the
// transport connects and disarms on any transition out of connected.
type peerLink struct {
	sess    *session.PeerSession
	sampler *StatsSampler
}

// Coordinator drives one participant's side of a room: the host acquires a
// capture and opens a session per viewer, the viewer waits for the host's
// offer. A negotiation failure on one session closes that session only.
type Coordinator struct {
	self      domain.ParticipantID
	relay     ports.SignalRelay
	transport ports.TransportFactory
	capture   ports.DisplayCapture
	quality   *QualityService

	statsInterval     time.Duration
	heartbeatInterval time.Duration

	mu            sync.Mutex
	role          domain.Role
	roomID        domain.RoomID
	token         domain.RoomToken
	viewers       map[domain.ParticipantID]struct{}
	links         map[domain.ParticipantID]*peerLink
	source        ports.MediaSource
	profile       domain.ProfileName
	stopHeartbeat chan struct{}
	onStreamEnded func()

	logger *zap.SugaredLogger
}

func NewCoordinator(
	self domain.ParticipantID,
	relay ports.SignalRelay,
	transport ports.TransportFactory,
	capture ports.DisplayCapture,
	quality *QualityService,
	statsInterval time.Duration,
	heartbeatInterval time.Duration,
	logger *zap.SugaredLogger,
) *Coordinator {
	return &Coordinator{
		self:              self,
		relay:             relay,
		transport:         transport,
		capture:           capture,
		quality:           quality,
		statsInterval:     statsInterval,
		heartbeatInterval: heartbeatInterval,
		viewers:           make(map[domain.ParticipantID]struct{}),
		links:             make(map[domain.ParticipantID]*peerLink),
		profile:           domain.ProfileNative,
		logger:            logger,
	}
}

// OnStreamEnded registers the handler invoked when the stream terminates from
// the remote side, either by an explicit stop or by host presence expiry.
func (c *Coordinator) OnStreamEnded(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStreamEnded = fn
}

// CreateRoom registers a fresh room with this participant as host, attaches
// to the relay and starts the presence heartbeat.
func (c *Coordinator) CreateRoom(ctx context.Context) (domain.RoomID, domain.RoomToken, error) {
	id, token, err := c.relay.CreateRoom(ctx, c.self)
	if err != nil {
		return "", "", err
	}

	c.relay.Attach(c.self, c)
	if err := c.relay.JoinRoom(ctx, id, token, c.self); err != nil {
		return "", "", err
	}

	c.mu.Lock()
	c.role = domain.RoleHost
	c.roomID = id
	c.token = token
	c.stopHeartbeat = make(chan struct{})
	stop := c.stopHeartbeat
	c.mu.Unlock()

	go c.heartbeat(id, token, stop)

	c.logger.Infow("hosting room", "room_id", id)
	return id, token, nil
}

// JoinRoom enters an existing room as a viewer. Connection begins implicitly
// when the host's offer arrives; there is no explicit start call.
func (c *Coordinator) JoinRoom(ctx context.Context, id domain.RoomID, token domain.RoomToken) error {
	c.relay.Attach(c.self, c)
	if err := c.relay.JoinRoom(ctx, id, token, c.self); err != nil {
		c.relay.Detach(c.self)
		return err
	}

	c.mu.Lock()
	c.role = domain.RoleViewer
	c.roomID = id
	c.token = token
	c.mu.Unlock()

	c.logger.Infow("joined room as viewer", "room_id", id)
	return nil
}

// CloseRoom ends the room (host only). Sharing is stopped first so viewers
// get the stop broadcast before the room disappears.
func (c *Coordinator) CloseRoom(ctx context.Context) error {
	c.mu.Lock()
	if c.role != domain.RoleHost {
		c.mu.Unlock()
		return domain.ErrNotHost
	}
	id, token := c.roomID, c.token
	c.mu.Unlock()

	if err := c.StopSharing(ctx); err != nil {
		return err
	}
	if err := c.relay.CloseRoom(ctx, id, token, c.self); err != nil {
		return err
	}
	c.shutdown()
	return nil
}

// StartSharing acquires the display capture and opens a session to every
// currently known viewer. A capture refusal aborts the attempt and leaves the
// coordinator in the not-sharing state. Already sharing is a no-op.
func (c *Coordinator) StartSharing(ctx context.Context, withAudio bool) error {
	c.mu.Lock()
	if c.role != domain.RoleHost {
		c.mu.Unlock()
		return domain.ErrNotHost
	}
	if c.source != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	source, err := c.capture.AcquireDisplay(ctx, withAudio)
	if err != nil {
		if errors.Is(err, domain.ErrMediaCapture) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrMediaCapture, err)
	}

	c.mu.Lock()
	c.source = source
	pending := make([]domain.ParticipantID, 0, len(c.viewers))
	for viewer := range c.viewers {
		pending = append(pending, viewer)
	}
	c.mu.Unlock()

	go c.watchSource(source)

	for _, viewer := range pending {
		c.openSession(ctx, viewer)
	}

	c.logger.Infow("sharing started",
		"with_audio", withAudio,
		"native_height", source.NativeHeight(),
		"viewers", len(pending),
	)
	return nil
}

// StopSharing broadcasts a stop to the room, closes every session, releases
// the capture and clears published stats. Idempotent.
func (c *Coordinator) StopSharing(ctx context.Context) error {
	c.mu.Lock()
	source := c.source
	c.source = nil
	c.mu.Unlock()

	if source == nil {
		return nil
	}

	stop := domain.SignalMessage{Kind: domain.KindStop, Sender: c.self}
	if err := c.relay.Send(ctx, stop); err != nil {
		c.logger.Debugw("stop broadcast not delivered", "error", err)
	}

	c.closeAllSessions()
	if err := source.Close(); err != nil {
		c.logger.Warnw("failed to release capture", "error", err)
	}

	c.logger.Info("sharing stopped")
	return nil
}

// ChangeQuality applies a profile to every open session's outbound video.
// The new profile also applies to sessions opened later.
func (c *Coordinator) ChangeQuality(ctx context.Context, name domain.ProfileName) error {
	c.mu.Lock()
	if c.role != domain.RoleHost {
		c.mu.Unlock()
		return domain.ErrNotHost
	}
	source := c.source
	links := make([]*peerLink, 0, len(c.links))
	for _, link := range c.links {
		links = append(links, link)
	}
	c.mu.Unlock()

	if _, err := c.quality.Profile(name); err != nil {
		return err
	}

	c.mu.Lock()
	c.profile = name
	c.mu.Unlock()

	if source == nil {
		return nil
	}
	for _, link := range links {
		if err := c.quality.Apply(ctx, link.sess, name, source.NativeHeight()); err != nil {
			c.logger.Warnw("quality change failed for session",
				"remote", link.sess.Remote(),
				"error", err,
			)
		}
	}
	return nil
}

// Stats returns the published stats for the session with the given remote,
// or zero values when no such session is sampled.
func (c *Coordinator) Stats(remote domain.ParticipantID) domain.StreamStats {
	c.mu.Lock()
	link, ok := c.links[remote]
	c.mu.Unlock()
	if !ok {
		return domain.ZeroStats()
	}
	return link.sampler.Stats()
}

// SessionState reports the negotiation state for the given remote, or false
// when no session exists.
func (c *Coordinator) SessionState(remote domain.ParticipantID) (session.State, bool) {
	c.mu.Lock()
	link, ok := c.links[remote]
	c.mu.Unlock()
	if !ok {
		return "", false
	}
	return link.sess.State(), true
}

// ViewerJoined implements ports.MessageSink. While sharing, the host opens a
// session for the new viewer immediately rather than waiting for a request.
func (c *Coordinator) ViewerJoined(viewer domain.ParticipantID) {
	c.mu.Lock()
	c.viewers[viewer] = struct{}{}
	sharing := c.source != nil
	c.mu.Unlock()

	c.logger.Infow("viewer joined", "viewer", viewer)
	if sharing {
		go c.openSession(context.Background(), viewer)
	}
}

// Deliver implements ports.MessageSink. A stop terminates the stream; other
// kinds route to the session for the sending peer. A viewer creates its
// session lazily on the host's first offer.
func (c *Coordinator) Deliver(msg domain.SignalMessage) error {
	if msg.Kind == domain.KindStop {
		c.streamEnded()
		return nil
	}

	link, err := c.linkFor(msg)
	if err != nil {
		return err
	}

	if err := link.sess.HandleMessage(context.Background(), msg); err != nil {
		if errors.Is(err, domain.ErrNegotiation) {
			c.logger.Warnw("negotiation failed, closing session",
				"remote", msg.Sender,
				"error", err,
			)
			c.closeSession(msg.Sender)
		}
		return err
	}
	return nil
}

// Shutdown detaches from the relay and closes everything. Used by viewers
// leaving and by tests; hosts normally go through CloseRoom.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	source := c.source
	c.source = nil
	c.mu.Unlock()

	c.closeAllSessions()
	if source != nil {
		_ = source.Close()
	}
	c.shutdown()
}

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	c.mu.Unlock()
	c.relay.Detach(c.self)
}

// openSession dials a fresh transport to one viewer, attaches the capture
// tracks and starts the offer exchange. Failures close this session only.
func (c *Coordinator) openSession(ctx context.Context, viewer domain.ParticipantID) {
	c.mu.Lock()
	source := c.source
	profile := c.profile
	if _, exists := c.links[viewer]; exists || source == nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	transport, err := c.transport.NewTransport(ctx)
	if err != nil {
		c.logger.Errorw("failed to open transport", "viewer", viewer, "error", err)
		return
	}

	link := c.wireSession(viewer, transport)

	for _, track := range source.Tracks() {
		if _, err := link.sess.AddTrack(ctx, track); err != nil {
			c.logger.Errorw("failed to attach track", "viewer", viewer, "error", err)
			c.closeSession(viewer)
			return
		}
	}

	if profile != domain.ProfileNative {
		if err := c.quality.Apply(ctx, link.sess, profile, source.NativeHeight()); err != nil {
			c.logger.Warnw("initial quality apply failed", "viewer", viewer, "error", err)
		}
	}

	if err := link.sess.Negotiate(ctx); err != nil {
		c.logger.Warnw("offer exchange failed", "viewer", viewer, "error", err)
		c.closeSession(viewer)
	}
}

// wireSession registers a session and couples its stats sampler to the
// transport connection state.
func (c *Coordinator) wireSession(remote domain.ParticipantID, transport ports.PeerTransport) *peerLink {
	sess := session.NewPeerSession(c.self, remote, transport, c.relay, c.logger)
	link := &peerLink{
		sess:    sess,
		sampler: NewStatsSampler(c.statsInterval, c.logger),
	}

	sess.OnStateChange(func(state session.State) {
		switch state {
		case session.StateConnected:
			link.sampler.Arm(sess.StatsReport)
		case session.StateDisconnected, session.StateFailed, session.StateClosed:
			link.sampler.Disarm()
		}
	})

	c.mu.Lock()
	c.links[remote] = link
	c.mu.Unlock()
	return link
}

func (c *Coordinator) linkFor(msg domain.SignalMessage) (*peerLink, error) {
	c.mu.Lock()
	link, ok := c.links[msg.Sender]
	role := c.role
	c.mu.Unlock()
	if ok {
		return link, nil
	}

	// Only a viewer receiving the host's first offer creates a session on
	// demand; anything else references a peer we never connected to.
	if role != domain.RoleViewer || msg.Kind != domain.KindOffer {
		return nil, domain.ErrPeerNotFound
	}

	transport, err := c.transport.NewTransport(context.Background())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNegotiation, err)
	}
	return c.wireSession(msg.Sender, transport), nil
}

func (c *Coordinator) closeSession(remote domain.ParticipantID) {
	c.mu.Lock()
	link, ok := c.links[remote]
	delete(c.links, remote)
	c.mu.Unlock()
	if !ok {
		return
	}

	link.sampler.Disarm()
	if err := link.sess.Close(); err != nil {
		c.logger.Debugw("session close error", "remote", remote, "error", err)
	}
}

func (c *Coordinator) closeAllSessions() {
	c.mu.Lock()
	links := c.links
	c.links = make(map[domain.ParticipantID]*peerLink)
	c.mu.Unlock()

	for remote, link := range links {
		link.sampler.Disarm()
		if err := link.sess.Close(); err != nil {
			c.logger.Debugw("session close error", "remote", remote, "error", err)
		}
	}
}

// streamEnded handles a remote stop, explicit or synthesized by the relay on
// host loss. Terminal for the current stream regardless of role.
func (c *Coordinator) streamEnded() {
	c.mu.Lock()
	source := c.source
	c.source = nil
	fn := c.onStreamEnded
	c.mu.Unlock()

	c.closeAllSessions()
	if source != nil {
		_ = source.Close()
	}

	c.logger.Info("stream ended")
	if fn != nil {
		fn()
	}
}

// watchSource stops sharing when the capture ends from outside, e.g. the user
// dismissing the capture from the system surface.
func (c *Coordinator) watchSource(source ports.MediaSource) {
	<-source.Done()

	c.mu.Lock()
	current := c.source == source
	c.mu.Unlock()
	if !current {
		return
	}

	c.logger.Info("capture ended externally, stopping share")
	if err := c.StopSharing(context.Background()); err != nil {
		c.logger.Warnw("stop after capture end failed", "error", err)
	}
}

// heartbeat refreshes the host presence deadline until stopped. The relay's
// own connection liveness is the primary signal; this keeps the registry
// deadline fresh as a fallback for silent failures.
func (c *Coordinator) heartbeat(id domain.RoomID, token domain.RoomToken, stop chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.heartbeatInterval)
			err := c.relay.Heartbeat(ctx, id, token, c.self)
			cancel()
			if err != nil {
				c.logger.Warnw("presence heartbeat failed", "room_id", id, "error", err)
			}
		}
	}
}
