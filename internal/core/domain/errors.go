package domain

import "errors"

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrInvalidToken  = errors.New("invalid room token")
	ErrNotHost       = errors.New("caller is not the room host")
	ErrNotInRoom     = errors.New("participant is not in a room")
	ErrAlreadyInRoom = errors.New("participant already belongs to a room")
	ErrPeerNotFound  = errors.New("peer not found")
	ErrMediaCapture  = errors.New("media capture failed")
	ErrNegotiation   = errors.New("negotiation failed")
	ErrSessionClosed = errors.New("session is closed")
)
