package domain

import "encoding/json"

type MessageKind string

const (
	KindOffer        MessageKind = "offer"
	KindAnswer       MessageKind = "answer"
	KindICECandidate MessageKind = "ice-candidate"
	KindStop         MessageKind = "stop"
)

// SignalMessage is a single signaling exchange. Target empty means broadcast:
// host messages fan out to every viewer, viewer messages go to the host only.
// Messages are immutable once constructed.
type SignalMessage struct {
	Kind    MessageKind     `json:"kind"`
	Sender  ParticipantID   `json:"sender"`
	Target  ParticipantID   `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SessionDescription carries one half of an offer/answer exchange.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a network-reachability option exchanged during negotiation.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}
