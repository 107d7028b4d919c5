package ports

import (
	"context"

	"castrelay/internal/core/domain"
)

// ConnectionState mirrors the transport's connection lifecycle events.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// MediaTrack is an opaque handle to a capture or remote track.
type MediaTrack interface {
	ID() string
	Kind() string // "video" or "audio"
}

// TrackSender is the outbound handle for one added track, exposing the
// encoding parameters the quality controller adjusts.
type TrackSender interface {
	Track() MediaTrack
	EncodingParameters(ctx context.Context) (domain.EncodingParameters, error)
	SetEncodingParameters(ctx context.Context, params domain.EncodingParameters) error
}

// PeerTransport is one media-transport connection to a single remote peer.
// All operations are asynchronous under the hood and may fail with a
// negotiation error; the peer session state machine decides what is legal
// when.
type PeerTransport interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	ApplyLocalDescription(ctx context.Context, desc domain.SessionDescription) error
	ApplyRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error

	AddTrack(ctx context.Context, track MediaTrack) (TrackSender, error)
	RemoveTrack(ctx context.Context, sender TrackSender) error

	OnICECandidate(fn func(candidate domain.ICECandidate))
	OnConnectionStateChange(fn func(state ConnectionState))
	OnRemoteTrack(fn func(track MediaTrack))

	// StatsReport samples the active video direction. Implementations return
	// an outbound report on the sending side and an inbound report on the
	// receiving side.
	StatsReport(ctx context.Context) (domain.TransportReport, error)

	Close() error
}

// TransportFactory opens a fresh transport connection per remote peer.
type TransportFactory interface {
	NewTransport(ctx context.Context) (PeerTransport, error)
}

// MediaSource is an acquired local capture: its tracks, the native capture
// height quality scaling is computed against, and a done channel that fires
// when the user ends the capture from outside.
type MediaSource interface {
	Tracks() []MediaTrack
	NativeHeight() int
	Done() <-chan struct{}
	Close() error
}

// DisplayCapture acquires the local screen (and optionally audio). Failures
// surface as domain.ErrMediaCapture.
type DisplayCapture interface {
	AcquireDisplay(ctx context.Context, withAudio bool) (MediaSource, error)
}
