package domain

import "time"

type ReportDirection string

const (
	DirectionOutbound ReportDirection = "outbound"
	DirectionInbound  ReportDirection = "inbound"
)

// TransportReport is one raw sample from the media transport for the active
// video direction. Cumulative counters (bytes, packets lost) are totals since
// the connection was established, not deltas.
type TransportReport struct {
	Direction       ReportDirection
	Timestamp       time.Time
	FrameWidth      int
	FrameHeight     int
	FramesPerSecond float64
	BytesTotal      uint64
	PacketsLost     int64
	JitterSeconds   float64
	// Loss and jitter only exist on the inbound (viewer) side.
	HasPacketsLost bool
	HasJitter      bool
}

// StreamStats is the human-facing view derived by the stats sampler. Fields a
// given tick's report does not produce keep their previous value.
type StreamStats struct {
	Resolution  string
	Bitrate     string
	FPS         float64
	PacketsLost int64
	Jitter      float64 // seconds
}

// ZeroStats is the published value while no connection is sampled.
func ZeroStats() StreamStats {
	return StreamStats{
		Resolution: "N/A",
		Bitrate:    "0 kbps",
	}
}
