package signal

import (
	"errors"

	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(id domain.ConnID, env protocol.Envelope) {
	room := domain.ParseRoomID(env.RoomID.String())
	err := ctl.Relay.Join(id, room, env.Name)
	switch {
	case err == nil:
		log.Info().Str("module", "signal").Str("conn", id.String()).Str("room", room.String()).Msg("join")
	case errors.Is(err, app.ErrMissingRoomID):
		ctl.Relay.Reply(id, protocol.Error("roomId is required"))
	default:
		log.Error().Err(err).Str("module", "signal").Str("conn", id.String()).Msg("join failed")
		ctl.Relay.Reply(id, protocol.Error(err.Error()))
	}
}

// handleLeave leaves the named room, or every room when none is given.
// The connection itself stays open.
func (ctl *SignalWSController) handleLeave(id domain.ConnID, env protocol.Envelope) {
	room := domain.ParseRoomID(env.RoomID.String())
	if room != "" {
		ctl.Relay.Leave(id, room)
		return
	}
	for _, r := range ctl.Relay.Registry.RoomsOf(id) {
		ctl.Relay.Leave(id, r)
	}
}

func (ctl *SignalWSController) handleNegotiation(id domain.ConnID, env protocol.Envelope) {
	if env.To == "" {
		log.Debug().Str("module", "signal").Str("conn", id.String()).Str("type", env.Type).Msg("negotiation without recipient")
		return
	}
	ctl.Relay.Forward(env.Type, id, env.To, env.Payload)
}

func (ctl *SignalWSController) handleChat(id domain.ConnID, env protocol.Envelope) {
	room := domain.ParseRoomID(env.RoomID.String())
	if room == "" {
		ctl.Relay.Reply(id, protocol.Error("roomId is required"))
		return
	}
	ctl.Relay.Chat(id, room, env.Message, domain.NormalizeName(env.Sender))
}

func (ctl *SignalWSController) handlePing(id domain.ConnID) {
	ctl.Relay.Reply(id, protocol.Envelope{Type: protocol.TypePong})
}
