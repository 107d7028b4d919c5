package services

import (
	"context"
	"fmt"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/session"

	"go.uber.org/zap"
)

// QualityService owns the read-only profile table and pushes encoding
// parameters onto a session's outbound video sender. Profile changes only
// affect frames encoded after the change.
type QualityService struct {
	profiles map[domain.ProfileName]domain.QualityProfile
	logger   *zap.SugaredLogger
}

func NewQualityService(logger *zap.SugaredLogger) *QualityService {
	return &QualityService{
		profiles: map[domain.ProfileName]domain.QualityProfile{
			domain.ProfileNative: {Name: domain.ProfileNative, Height: 0, MaxBitrate: 8_000_000},
			domain.Profile1440p:  {Name: domain.Profile1440p, Height: 1440, MaxBitrate: 6_000_000},
			domain.Profile1080p:  {Name: domain.Profile1080p, Height: 1080, MaxBitrate: 4_000_000},
			domain.Profile720p:   {Name: domain.Profile720p, Height: 720, MaxBitrate: 2_000_000},
		},
		logger: logger,
	}
}

func (q *QualityService) Profile(name domain.ProfileName) (domain.QualityProfile, error) {
	profile, ok := q.profiles[name]
	if !ok {
		return domain.QualityProfile{}, fmt.Errorf("unknown quality profile %q", name)
	}
	return profile, nil
}

// Apply computes the scale factor against the current native capture height
// and pushes it, with the profile's bitrate ceiling, onto the session's
// outbound video sender. No-op when the session sends no video.
func (q *QualityService) Apply(ctx context.Context, sess *session.PeerSession, name domain.ProfileName, nativeHeight int) error {
	profile, err := q.Profile(name)
	if err != nil {
		return err
	}

	sender := sess.VideoSender()
	if sender == nil {
		return nil
	}

	params := domain.EncodingParameters{
		ScaleResolutionBy: profile.ScaleFactor(nativeHeight),
		MaxBitrate:        profile.MaxBitrate,
	}
	if err := sender.SetEncodingParameters(ctx, params); err != nil {
		return fmt.Errorf("apply quality %q: %w", name, err)
	}

	q.logger.Debugw("quality profile applied",
		"remote", sess.Remote(),
		"profile", name,
		"scale", params.ScaleResolutionBy,
		"max_bitrate", params.MaxBitrate,
	)
	return nil
}
