package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateRoomID generates a short opaque room identifier.
func GenerateRoomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// GenerateRoomToken generates a room access token. Longer than a room ID so
// it cannot be guessed from the ID alone.
func GenerateRoomToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") +
		strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateParticipantID generates a process-local participant identity.
func GenerateParticipantID() string {
	return "p_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
