package webrtc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// CaptureConfig describes where the local capture pipeline delivers its RTP
// streams. An external encoder (the screen grabber) pushes VP8 video and,
// optionally, Opus audio to these loopback addresses.
type CaptureConfig struct {
	VideoAddress string
	AudioAddress string
	Width        int
	Height       int
	FrameRate    float64
}

// RTPDisplayCapture implements ports.DisplayCapture over RTP ingest. Each
// acquisition binds the configured UDP ports, so a second concurrent
// acquisition fails the way a denied capture request would.
type RTPDisplayCapture struct {
	config CaptureConfig
	logger *zap.SugaredLogger
}

func NewRTPDisplayCapture(config CaptureConfig, logger *zap.SugaredLogger) *RTPDisplayCapture {
	return &RTPDisplayCapture{config: config, logger: logger}
}

func (c *RTPDisplayCapture) AcquireDisplay(ctx context.Context, withAudio bool) (ports.MediaSource, error) {
	source := &rtpMediaSource{
		nativeHeight: c.config.Height,
		done:         make(chan struct{}),
		logger:       c.logger,
	}

	videoTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		"castrelay-display",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create video track: %v", domain.ErrMediaCapture, err)
	}
	if err := source.ingest(c.config.VideoAddress, videoTrack); err != nil {
		return nil, err
	}
	source.tracks = append(source.tracks, &captureTrack{
		local:     videoTrack,
		width:     c.config.Width,
		height:    c.config.Height,
		frameRate: c.config.FrameRate,
	})

	if withAudio {
		audioTrack, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio",
			"castrelay-display",
		)
		if err != nil {
			source.Close()
			return nil, fmt.Errorf("%w: create audio track: %v", domain.ErrMediaCapture, err)
		}
		if err := source.ingest(c.config.AudioAddress, audioTrack); err != nil {
			source.Close()
			return nil, err
		}
		source.tracks = append(source.tracks, &captureTrack{local: audioTrack})
	}

	c.logger.Infow("display capture acquired",
		"video_addr", c.config.VideoAddress,
		"with_audio", withAudio,
		"native_height", c.config.Height,
	)
	return source, nil
}

// rtpMediaSource forwards RTP from the capture pipeline into local tracks.
// The done channel closes when the pipeline stops feeding, which the
// coordinator treats as the user ending the capture.
type rtpMediaSource struct {
	nativeHeight int
	tracks       []ports.MediaTrack

	mu        sync.Mutex
	listeners []*net.UDPConn
	closed    bool
	done      chan struct{}

	logger *zap.SugaredLogger
}

func (s *rtpMediaSource) ingest(address string, track *webrtc.TrackLocalStaticRTP) error {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", domain.ErrMediaCapture, address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", domain.ErrMediaCapture, address, err)
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, conn)
	s.mu.Unlock()

	go s.forward(conn, track)
	return nil
}

func (s *rtpMediaSource) forward(conn *net.UDPConn, track *webrtc.TrackLocalStaticRTP) {
	packetBuffer := make([]byte, 1500) // MTU size
	rtpPacket := &rtp.Packet{}

	for {
		n, _, err := conn.ReadFromUDP(packetBuffer)
		if err != nil {
			s.signalDone()
			return
		}

		if err := rtpPacket.Unmarshal(packetBuffer[:n]); err != nil {
			s.logger.Warnw("error unmarshaling RTP packet", "error", err)
			continue
		}

		if err := track.WriteRTP(rtpPacket); err != nil {
			s.logger.Warnw("error writing RTP packet to local track",
				"track_id", track.ID(),
				"error", err,
			)
		}
	}
}

func (s *rtpMediaSource) signalDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

func (s *rtpMediaSource) Tracks() []ports.MediaTrack { return s.tracks }
func (s *rtpMediaSource) NativeHeight() int          { return s.nativeHeight }
func (s *rtpMediaSource) Done() <-chan struct{}      { return s.done }

func (s *rtpMediaSource) Close() error {
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()

	for _, conn := range listeners {
		conn.Close()
	}
	return nil
}

// captureTrack exposes one local pion track with its capture geometry.
// Encoding parameters pushed by the quality controller are stored for the
// encoder pipeline to pick up; scaling happens at the producer, not here.
type captureTrack struct {
	local     *webrtc.TrackLocalStaticRTP
	width     int
	height    int
	frameRate float64

	mu     sync.Mutex
	params domain.EncodingParameters
}

func (t *captureTrack) ID() string               { return t.local.ID() }
func (t *captureTrack) Kind() string             { return t.local.Kind().String() }
func (t *captureTrack) Local() webrtc.TrackLocal { return t.local }
func (t *captureTrack) FramesPerSecond() float64 { return t.frameRate }

func (t *captureTrack) Dimensions() (int, int) {
	t.mu.Lock()
	scale := t.params.ScaleResolutionBy
	t.mu.Unlock()
	if scale <= 0 || scale >= 1 {
		return t.width, t.height
	}
	return int(float64(t.width) * scale), int(float64(t.height) * scale)
}

func (t *captureTrack) ApplyEncodingParameters(params domain.EncodingParameters) {
	t.mu.Lock()
	t.params = params
	t.mu.Unlock()
}

func (t *captureTrack) CurrentEncodingParameters() domain.EncodingParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.params
}
