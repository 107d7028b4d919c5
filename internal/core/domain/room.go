package domain

import (
	"time"
)

type RoomID string
type ParticipantID string
type RoomToken string

type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

// Room is a rendezvous context with exactly one host, a shared access token
// and a set of viewers. The host and token are fixed at creation.
type Room struct {
	ID               RoomID
	Token            RoomToken
	Host             ParticipantID
	Viewers          []ParticipantID
	PresenceDeadline time.Time
	CreatedAt        time.Time
}

// HasViewer reports whether the given participant is in the viewer set.
func (r *Room) HasViewer(id ParticipantID) bool {
	for _, v := range r.Viewers {
		if v == id {
			return true
		}
	}
	return false
}

// RoleOf returns the participant's role in this room, or "" if not a member.
func (r *Room) RoleOf(id ParticipantID) Role {
	if r.Host == id {
		return RoleHost
	}
	if r.HasViewer(id) {
		return RoleViewer
	}
	return ""
}
