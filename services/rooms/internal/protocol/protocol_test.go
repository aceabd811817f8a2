package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/YahyaQandel/planning-poker/pkg/domain"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Inbound
	}{
		{name: "vote with string value", raw: `{"type":"vote","participant_id":"p1","story_id":"s1","value":"coffee"}`, want: Vote{ParticipantID: "p1", StoryID: "s1", Value: "coffee"}},
		{name: "vote with numeric value", raw: `{"type":"vote","participant_id":"p1","value":13}`, want: Vote{ParticipantID: "p1", Value: "13"}},
		{name: "reveal ignores extra fields", raw: `{"type":"reveal","junk":1}`, want: Reveal{}},
		{name: "reset", raw: `{"type":"reset"}`, want: Reset{}},
		{name: "confirm numeric", raw: `{"type":"confirm_points","points":8}`, want: ConfirmPoints{Points: "8"}},
		{name: "confirm missing points", raw: `{"type":"confirm_points"}`, want: ConfirmPoints{}},
		{name: "add story", raw: `{"type":"add_story","story_id":"PP-1","title":"Login"}`, want: AddStory{StoryID: "PP-1", Title: "Login"}},
		{name: "add story blank", raw: `{"type":"add_story"}`, want: AddStory{}},
		{name: "change story", raw: `{"type":"change_story","story_id":"s2"}`, want: ChangeStory{StoryID: "s2"}},
		{name: "switch story", raw: `{"type":"switch_to_existing_story","story_id":"s2"}`, want: SwitchToExistingStory{StoryID: "s2"}},
		{name: "user joined", raw: `{"type":"user_joined","username":"ann"}`, want: UserJoined{Username: "ann"}},
		{name: "user left", raw: `{"type":"user_left","participant_id":"p1"}`, want: UserLeft{ParticipantID: "p1"}},
		{name: "clean room", raw: `{"type":"clean_room"}`, want: CleanRoom{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tc.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tc.want {
				t.Fatalf("decoded %#v, want %#v", got, tc.want)
			}
			if got.Type() != tc.want.Type() {
				t.Fatalf("type tag mismatch")
			}
		})
	}
}

func TestDecodeInboundErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{name: "not json", raw: `vote please`, want: ErrMalformedMessage},
		{name: "array", raw: `[1,2]`, want: ErrMalformedMessage},
		{name: "missing type", raw: `{"value":"5"}`, want: ErrMalformedMessage},
		{name: "wrong field type", raw: `{"type":"vote","participant_id":7}`, want: ErrMalformedMessage},
		{name: "bool points", raw: `{"type":"confirm_points","points":true}`, want: ErrMalformedMessage},
		{name: "change without story", raw: `{"type":"change_story"}`, want: ErrMalformedMessage},
		{name: "join without identity", raw: `{"type":"user_joined"}`, want: ErrMalformedMessage},
		{name: "unknown type", raw: `{"type":"chat","text":"hi"}`, want: ErrUnknownMessageType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(tc.raw))
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestEncodeFlattensType(t *testing.T) {
	snap := domain.NewRoomSnapshot(domain.Room{Code: "ABC123"}, nil, nil, nil)
	raw, err := Encode(VoteCast{ParticipantID: "p1", HasVoted: true, Room: snap})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("encoded frame is not json: %v (%s)", err, raw)
	}
	if got["type"] != TypeVoteCast || got["participant_id"] != "p1" || got["has_voted"] != true {
		t.Fatalf("unexpected frame: %s", raw)
	}
	room, ok := got["room"].(map[string]any)
	if !ok || room["code"] != "ABC123" {
		t.Fatalf("room missing from frame: %s", raw)
	}
}

func TestEncodeRoomCleanedFlattensReport(t *testing.T) {
	raw := MustEncode(RoomCleaned{
		EvictionReport: domain.EvictionReport{ParticipantsRemoved: 2, VotesRemoved: 3, Usernames: []string{"a", "b"}},
	})
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["participants_removed"] != float64(2) || got["votes_removed"] != float64(3) {
		t.Fatalf("report not flattened: %s", raw)
	}
}

func TestEncodeRevealWithoutNumericVotes(t *testing.T) {
	raw := MustEncode(VotesRevealed{})
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["average"] != nil || got["rounded"] != nil || got["discussion"] != nil {
		t.Fatalf("expected null estimate fields: %s", raw)
	}
	if _, present := got["average"]; !present {
		t.Fatalf("average key should be present as null")
	}
}

func TestEncodeError(t *testing.T) {
	raw := MustEncode(Error{Code: CodeNotFound, Message: "story not found"})
	want := `{"type":"error","code":"not_found","message":"story not found"}`
	if string(raw) != want {
		t.Fatalf("got %s, want %s", raw, want)
	}
}
