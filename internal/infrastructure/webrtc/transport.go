package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const videoClockRate = 90000

// Config holds the transport-level WebRTC settings.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Factory opens one peer connection per remote peer.
type Factory struct {
	config Config
	logger *zap.SugaredLogger
}

func NewFactory(config Config, logger *zap.SugaredLogger) *Factory {
	return &Factory{config: config, logger: logger}
}

func (f *Factory) NewTransport(ctx context.Context) (ports.PeerTransport, error) {
	config := webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}

	settingEngine := webrtc.SettingEngine{}
	if f.config.PortRange.Min > 0 && f.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(f.config.PortRange.Min, f.config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("failed to set port range: %w", err)
		}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	return newTransport(pc, f.logger), nil
}

// Transport adapts one pion PeerConnection to ports.PeerTransport. Inbound
// loss and jitter come from the RTCP stream on each receiver; byte totals
// come from the connection's transport stats.
type Transport struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	mu            sync.Mutex
	senders       []*trackSender
	onRemoteTrack func(track ports.MediaTrack)
	packetsLost   int64
	jitterSec     float64
}

func newTransport(pc *webrtc.PeerConnection, logger *zap.SugaredLogger) *Transport {
	t := &Transport{pc: pc, logger: logger}

	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		go t.processRTCP(receiver)

		t.mu.Lock()
		fn := t.onRemoteTrack
		t.mu.Unlock()
		if fn != nil {
			fn(&remoteTrack{remote: remote})
		}
	})

	return t
}

func (t *Transport) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (t *Transport) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (t *Transport) ApplyLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	return t.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (t *Transport) ApplyRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (t *Transport) AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
}

// AddTrack attaches a locally produced track. The track must come from this
// package's capture layer so the underlying pion track is reachable.
func (t *Transport) AddTrack(ctx context.Context, track ports.MediaTrack) (ports.TrackSender, error) {
	local, ok := track.(interface{ Local() webrtc.TrackLocal })
	if !ok {
		return nil, fmt.Errorf("track %s is not a local capture track", track.ID())
	}

	rtpSender, err := t.pc.AddTrack(local.Local())
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	// The sender's RTCP stream must be drained for NACK and PLI handling.
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()

	sender := &trackSender{track: track, rtpSender: rtpSender}
	t.mu.Lock()
	t.senders = append(t.senders, sender)
	t.mu.Unlock()
	return sender, nil
}

func (t *Transport) RemoveTrack(ctx context.Context, sender ports.TrackSender) error {
	ts, ok := sender.(*trackSender)
	if !ok {
		return fmt.Errorf("sender does not belong to this transport")
	}

	t.mu.Lock()
	for i, existing := range t.senders {
		if existing == ts {
			t.senders = append(t.senders[:i], t.senders[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	return t.pc.RemoveTrack(ts.rtpSender)
}

func (t *Transport) OnICECandidate(fn func(candidate domain.ICECandidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(domain.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (t *Transport) OnConnectionStateChange(fn func(state ports.ConnectionState)) {
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(mapConnectionState(state))
	})
}

func (t *Transport) OnRemoteTrack(fn func(track ports.MediaTrack)) {
	t.mu.Lock()
	t.onRemoteTrack = fn
	t.mu.Unlock()
}

// StatsReport samples the active video direction: outbound when this side
// sends tracks, inbound otherwise. Loss and jitter are only carried on the
// inbound side.
func (t *Transport) StatsReport(ctx context.Context) (domain.TransportReport, error) {
	t.mu.Lock()
	outbound := len(t.senders) > 0
	lost := t.packetsLost
	jitter := t.jitterSec
	var meta ports.MediaTrack
	for _, s := range t.senders {
		if s.track.Kind() == "video" {
			meta = s.track
			break
		}
	}
	t.mu.Unlock()

	bytesSent, bytesReceived := t.transportBytes()

	report := domain.TransportReport{
		Timestamp: time.Now(),
	}
	if outbound {
		report.Direction = domain.DirectionOutbound
		report.BytesTotal = bytesSent
		if dims, ok := meta.(interface{ Dimensions() (int, int) }); ok {
			report.FrameWidth, report.FrameHeight = dims.Dimensions()
		}
		if fps, ok := meta.(interface{ FramesPerSecond() float64 }); ok {
			report.FramesPerSecond = fps.FramesPerSecond()
		}
	} else {
		report.Direction = domain.DirectionInbound
		report.BytesTotal = bytesReceived
		report.PacketsLost = lost
		report.JitterSeconds = jitter
		report.HasPacketsLost = true
		report.HasJitter = true
	}
	return report, nil
}

func (t *Transport) Close() error {
	return t.pc.Close()
}

func (t *Transport) transportBytes() (sent, received uint64) {
	stats := t.pc.GetStats()
	for _, s := range stats {
		if ts, ok := s.(webrtc.TransportStats); ok {
			sent += ts.BytesSent
			received += ts.BytesReceived
		}
	}
	return sent, received
}

// processRTCP extracts loss and jitter from receiver reports on an inbound
// track's RTCP stream.
func (t *Transport) processRTCP(receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}

		for _, packet := range packets {
			rr, ok := packet.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, block := range rr.Reports {
				t.mu.Lock()
				t.packetsLost = int64(block.TotalLost)
				t.jitterSec = float64(block.Jitter) / videoClockRate
				t.mu.Unlock()
			}
		}
	}
}

func mapConnectionState(state webrtc.PeerConnectionState) ports.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ports.ConnectionNew
	case webrtc.PeerConnectionStateConnecting:
		return ports.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return ports.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ports.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ports.ConnectionFailed
	default:
		return ports.ConnectionClosed
	}
}

// trackSender wraps one pion RTPSender. Encoding parameters are retained here
// and pushed to the producing track so the encoder side can honor them; pion
// does not expose setParameters on the sender itself.
type trackSender struct {
	track     ports.MediaTrack
	rtpSender *webrtc.RTPSender

	mu     sync.Mutex
	params domain.EncodingParameters
}

func (s *trackSender) Track() ports.MediaTrack { return s.track }

func (s *trackSender) EncodingParameters(ctx context.Context) (domain.EncodingParameters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params, nil
}

func (s *trackSender) SetEncodingParameters(ctx context.Context, params domain.EncodingParameters) error {
	s.mu.Lock()
	s.params = params
	s.mu.Unlock()

	if sink, ok := s.track.(interface {
		ApplyEncodingParameters(params domain.EncodingParameters)
	}); ok {
		sink.ApplyEncodingParameters(params)
	}
	return nil
}

// remoteTrack wraps an inbound pion track.
type remoteTrack struct {
	remote *webrtc.TrackRemote
}

func (r *remoteTrack) ID() string   { return r.remote.ID() }
func (r *remoteTrack) Kind() string { return r.remote.Kind().String() }
