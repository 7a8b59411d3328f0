// Package domain contains identifiers and entities shared by the relay and the client, without logic
package domain

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxNameLen  = 36
	DefaultName = "guest"
)

// ConnID identifies one transport session with the relay. The relay assigns it.
type ConnID string

func NewConnID() ConnID {
	return ConnID(uuid.NewString())
}

func (id ConnID) String() string { return string(id) }

// Less is the tie-break order between two connections.
func (id ConnID) Less(other ConnID) bool { return id < other }

// Participant is a connection as seen by the other members of its room.
type Participant struct {
	ID   ConnID `json:"id"`
	Name string `json:"name"`
}

// NewParticipant avoids raw literals in adapters and keeps name rules in one place.
func NewParticipant(id ConnID, name string) Participant {
	return Participant{ID: id, Name: NormalizeName(name)}
}

// NormalizeName trims the display name, falls back to DefaultName and caps it at MaxNameLen runes.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultName
	}
	if utf8.RuneCountInString(name) <= MaxNameLen {
		return name
	}
	runes := []rune(name)
	return string(runes[:MaxNameLen])
}
