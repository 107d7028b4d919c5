package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// RoomIDRegex validates room ID format
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// ParticipantIDRegex validates participant ID format
	ParticipantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// TokenRegex validates room token format
	TokenRegex = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
)

// ValidateRoomID validates room ID
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if len(roomID) > 64 {
		return fmt.Errorf("room ID is too long (max 64 characters)")
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room ID format")
	}
	return nil
}

// ValidateParticipantID validates participant ID
func ValidateParticipantID(participantID string) error {
	if participantID == "" {
		return fmt.Errorf("participant ID is required")
	}
	if len(participantID) > 100 {
		return fmt.Errorf("participant ID is too long (max 100 characters)")
	}
	if !ParticipantIDRegex.MatchString(participantID) {
		return fmt.Errorf("invalid participant ID format")
	}
	return nil
}

// ValidateRoomToken validates room token
func ValidateRoomToken(token string) error {
	if token == "" {
		return fmt.Errorf("room token is required")
	}
	if len(token) > 128 {
		return fmt.Errorf("room token is too long (max 128 characters)")
	}
	if !TokenRegex.MatchString(token) {
		return fmt.Errorf("invalid room token format")
	}
	return nil
}

// ValidateQualityProfile validates quality profile name
func ValidateQualityProfile(profile string) error {
	validProfiles := map[string]bool{
		"native": true,
		"1440p":  true,
		"1080p":  true,
		"720p":   true,
	}
	if !validProfiles[profile] {
		return fmt.Errorf("invalid quality profile (must be native, 1440p, 1080p, or 720p)")
	}
	return nil
}

// ValidateRelayURL validates a relay websocket URL
func ValidateRelayURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
