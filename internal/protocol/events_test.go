package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/dkeye/Mesh/internal/domain"
)

func TestIsNegotiation(t *testing.T) {
	for _, typ := range []string{TypeOffer, TypeAnswer, TypeICECandidate} {
		if !IsNegotiation(typ) {
			t.Errorf("IsNegotiation(%q) = false", typ)
		}
	}
	for _, typ := range []string{TypeJoinRoom, TypeRoster, "", "sending-signal"} {
		if IsNegotiation(typ) {
			t.Errorf("IsNegotiation(%q) = true", typ)
		}
	}
}

func TestRelayedKeepsPayloadVerbatim(t *testing.T) {
	payload := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n"}`)
	data, err := Encode(Relayed(TypeOffer, "A", payload))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), string(payload)) {
		t.Fatalf("encoded frame %s does not carry payload verbatim", data)
	}
	if strings.Contains(string(data), `"to"`) {
		t.Errorf("relayed frame should not carry a recipient: %s", data)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.From != "A" || got.Type != TypeOffer {
		t.Errorf("decoded = %+v", got)
	}
}

func TestRosterEncodesEmptyMembers(t *testing.T) {
	data, err := Encode(Roster("r1", nil))
	if err != nil {
		t.Fatal(err)
	}
	// omitempty drops empty slices; an empty roster is still a valid roster.
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeRoster || len(got.Members) != 0 {
		t.Errorf("decoded = %+v", got)
	}

	data, _ = Encode(Roster("r1", []domain.Participant{{ID: "A", Name: "alice"}}))
	if !strings.Contains(string(data), `"members":[{"id":"A","name":"alice"}]`) {
		t.Errorf("encoded roster = %s", data)
	}
}
