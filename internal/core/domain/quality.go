package domain

type ProfileName string

const (
	ProfileNative ProfileName = "native"
	Profile1440p  ProfileName = "1440p"
	Profile1080p  ProfileName = "1080p"
	Profile720p   ProfileName = "720p"
)

// QualityProfile maps a discrete preset to a target height and a bitrate
// ceiling. The resolution scale factor is derived against the native capture
// height at apply time, never against a fixed constant.
type QualityProfile struct {
	Name       ProfileName
	Height     int // 0 = keep native resolution
	MaxBitrate int // bps
}

// ScaleFactor returns the multiplicative scale-down factor for the given
// native capture height. The native profile is always 1, and a profile taller
// than the capture never upscales.
func (p QualityProfile) ScaleFactor(nativeHeight int) float64 {
	if p.Height == 0 || nativeHeight <= 0 || nativeHeight <= p.Height {
		return 1
	}
	return float64(p.Height) / float64(nativeHeight)
}

// EncodingParameters are pushed onto the outbound video sender.
type EncodingParameters struct {
	ScaleResolutionBy float64
	MaxBitrate        int // bps
}
