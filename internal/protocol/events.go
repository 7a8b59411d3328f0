// Package protocol is the event vocabulary shared by the relay and the mesh client.
// Both sides import these constants; no event name is spelled anywhere else.
package protocol

import (
	"encoding/json"

	"github.com/dkeye/Mesh/internal/domain"
)

// Client to server.
const (
	TypeJoinRoom    = "join-room"
	TypeLeaveRoom   = "leave-room"
	TypeSendMessage = "send-message"
	TypePing        = "ping"
)

// Server to client.
const (
	TypeWelcome           = "welcome"
	TypeRoster            = "roster"
	TypeParticipantJoined = "participant-joined"
	TypeParticipantLeft   = "participant-left"
	TypeReceiveMessage    = "receive-message"
	TypePong              = "pong"
	TypeError             = "error"
)

// Negotiation kinds travel in both directions: "to" on the way in, "from" on the way out.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// IsNegotiation reports whether t is one of the three relayed negotiation kinds.
func IsNegotiation(t string) bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

// Envelope is the only frame on the real-time channel. Fields not used by a
// given type are omitted on the wire.
type Envelope struct {
	Type    string               `json:"type"`
	RoomID  domain.RoomID        `json:"roomId,omitempty"`
	ID      domain.ConnID        `json:"id,omitempty"`
	Name    string               `json:"name,omitempty"`
	To      domain.ConnID        `json:"to,omitempty"`
	From    domain.ConnID        `json:"from,omitempty"`
	Payload json.RawMessage      `json:"payload,omitempty"`
	Members []domain.Participant `json:"members,omitempty"`
	Message string               `json:"message,omitempty"`
	Sender  string               `json:"sender,omitempty"`
	Error   string               `json:"error,omitempty"`
}

func Welcome(id domain.ConnID) Envelope {
	return Envelope{Type: TypeWelcome, ID: id}
}

func Roster(room domain.RoomID, members []domain.Participant) Envelope {
	if members == nil {
		members = []domain.Participant{}
	}
	return Envelope{Type: TypeRoster, RoomID: room, Members: members}
}

func ParticipantJoined(p domain.Participant) Envelope {
	return Envelope{Type: TypeParticipantJoined, ID: p.ID, Name: p.Name}
}

func ParticipantLeft(id domain.ConnID) Envelope {
	return Envelope{Type: TypeParticipantLeft, ID: id}
}

func ReceiveMessage(message, sender string) Envelope {
	return Envelope{Type: TypeReceiveMessage, Message: message, Sender: sender}
}

func Error(msg string) Envelope {
	return Envelope{Type: TypeError, Error: msg}
}

// Relayed is what the recipient of a negotiation message sees.
func Relayed(kind string, from domain.ConnID, payload json.RawMessage) Envelope {
	return Envelope{Type: kind, From: from, Payload: payload}
}

// Outbound is what a client sends to have a negotiation message relayed.
func Outbound(kind string, to domain.ConnID, payload json.RawMessage) Envelope {
	return Envelope{Type: kind, To: to, Payload: payload}
}

func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func Decode(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}
