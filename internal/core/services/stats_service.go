package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"castrelay/internal/core/domain"

	"go.uber.org/zap"
)

// ReportSource samples the transport's active video direction.
type ReportSource func(ctx context.Context) (domain.TransportReport, error)

// StatsSampler polls a transport report on a fixed period and derives the
// published StreamStats. Each tick rewrites only the fields the report type
// produces; outbound reports carry no loss or jitter, so those fields retain
// their previous values on the sending side. Bitrate is computed from the
// delta of the cumulative byte counter between consecutive ticks.
type StatsSampler struct {
	interval time.Duration

	mu        sync.Mutex
	stats     domain.StreamStats
	lastBytes uint64
	lastTick  time.Time
	stop      chan struct{}

	logger *zap.SugaredLogger
}

func NewStatsSampler(interval time.Duration, logger *zap.SugaredLogger) *StatsSampler {
	return &StatsSampler{
		interval: interval,
		stats:    domain.ZeroStats(),
		logger:   logger,
	}
}

// Arm starts periodic sampling from the given source. A previously armed
// ticker is disarmed first.
func (s *StatsSampler) Arm(source ReportSource) {
	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
	}
	stop := make(chan struct{})
	s.stop = stop
	s.lastBytes = 0
	s.lastTick = time.Time{}
	s.mu.Unlock()

	go s.run(source, stop)
}

// Disarm stops sampling and resets published stats to their zero values.
func (s *StatsSampler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.stats = domain.ZeroStats()
	s.lastBytes = 0
	s.lastTick = time.Time{}
}

func (s *StatsSampler) Stats() domain.StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *StatsSampler) run(source ReportSource, stop chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			report, err := source(ctx)
			cancel()
			if err != nil {
				s.logger.Debugw("stats sample failed", "error", err)
				continue
			}
			s.merge(report, stop)
		}
	}
}

// Merge applies one report under the lock. The stop channel identity guards
// against a sample from a disarmed ticker landing after a reset.
func (s *StatsSampler) merge(report domain.TransportReport, stop chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != stop {
		return
	}

	if report.FrameWidth > 0 && report.FrameHeight > 0 {
		s.stats.Resolution = fmt.Sprintf("%dx%d", report.FrameWidth, report.FrameHeight)
	}
	s.stats.FPS = report.FramesPerSecond

	now := report.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	if !s.lastTick.IsZero() && report.BytesTotal >= s.lastBytes {
		elapsed := now.Sub(s.lastTick).Seconds()
		if elapsed > 0 {
			bps := float64(report.BytesTotal-s.lastBytes) * 8 / elapsed
			s.stats.Bitrate = formatBitrate(bps)
		}
	}
	s.lastBytes = report.BytesTotal
	s.lastTick = now

	if report.HasPacketsLost {
		s.stats.PacketsLost = report.PacketsLost
	}
	if report.HasJitter {
		s.stats.Jitter = report.JitterSeconds
	}
}

func formatBitrate(bps float64) string {
	kbps := bps / 1000
	if kbps >= 1000 {
		return fmt.Sprintf("%.1f Mbps", kbps/1000)
	}
	return fmt.Sprintf("%.0f kbps", kbps)
}
