package domain

import "strings"

type RoomID string

func (id RoomID) String() string { return string(id) }

// ParseRoomID trims surrounding whitespace; the zero value means "missing".
func ParseRoomID(raw string) RoomID {
	return RoomID(strings.TrimSpace(raw))
}

type RoomInfo struct {
	ID          RoomID `json:"id"`
	MemberCount int    `json:"memberCount"`
}
