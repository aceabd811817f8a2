package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/YahyaQandel/planning-poker/pkg/domain"
	"github.com/YahyaQandel/planning-poker/pkg/estimate"
)

// Outbound type tags.
const (
	TypeVoteCast        = "vote_cast"
	TypeVotesRevealed   = "votes_revealed"
	TypeRoomReset       = "room_reset"
	TypePointsConfirmed = "points_confirmed"
	TypeStoryAdded      = "story_added"
	TypeStoryExists     = "story_exists"
	TypeStoryChanged    = "story_changed"
	TypeRoomCleaned     = "room_cleaned"
	TypeRoomState       = "room_state"
	TypeRoomDeleted     = "room_deleted"
	TypeError           = "error"
)

// Error codes carried by private error events.
const (
	CodeNotFound         = "not_found"
	CodeInvalidValue     = "invalid_value"
	CodeMalformedMessage = "malformed_message"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal"
)

// Outbound is a message sent to clients.
type Outbound interface {
	Type() string
	outbound()
}

type VoteCast struct {
	ParticipantID string              `json:"participant_id"`
	HasVoted      bool                `json:"has_voted"`
	Room          domain.RoomSnapshot `json:"room"`
}

// VotesRevealed carries the display mean and the recommended estimate
// separately. Both are null when no numeric vote was cast.
type VotesRevealed struct {
	Room          domain.RoomSnapshot  `json:"room"`
	Average       *float64             `json:"average"`
	Rounded       *int                 `json:"rounded"`
	Discussion    *estimate.Suggestion `json:"discussion"`
	NumericVotes  int                  `json:"numeric_votes"`
	SentinelVotes int                  `json:"sentinel_votes"`
}

type RoomReset struct {
	Room domain.RoomSnapshot `json:"room"`
}

type PointsConfirmed struct {
	Points string              `json:"points"`
	Room   domain.RoomSnapshot `json:"room"`
}

type StoryAdded struct {
	Story domain.StorySnapshot `json:"story"`
	Room  domain.RoomSnapshot  `json:"room"`
}

// StoryExists is sent only to the client that tried to add a duplicate label.
type StoryExists struct {
	Story domain.StorySnapshot `json:"story"`
	Room  domain.RoomSnapshot  `json:"room"`
}

type StoryChanged struct {
	Room domain.RoomSnapshot `json:"room"`
}

type Joined struct {
	Username      string              `json:"username"`
	ParticipantID string              `json:"participant_id"`
	Room          domain.RoomSnapshot `json:"room"`
}

type Left struct {
	ParticipantID string              `json:"participant_id"`
	Room          domain.RoomSnapshot `json:"room"`
}

type RoomCleaned struct {
	domain.EvictionReport
	Room domain.RoomSnapshot `json:"room"`
}

// RoomState is the private snapshot sent when a client connects.
type RoomState struct {
	Room domain.RoomSnapshot `json:"room"`
}

// RoomDeleted is the last message a room's clients receive before the
// server closes their connections.
type RoomDeleted struct {
	Code string `json:"code"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (VoteCast) Type() string        { return TypeVoteCast }
func (VotesRevealed) Type() string   { return TypeVotesRevealed }
func (RoomReset) Type() string       { return TypeRoomReset }
func (PointsConfirmed) Type() string { return TypePointsConfirmed }
func (StoryAdded) Type() string      { return TypeStoryAdded }
func (StoryExists) Type() string     { return TypeStoryExists }
func (StoryChanged) Type() string    { return TypeStoryChanged }
func (Joined) Type() string          { return TypeUserJoined }
func (Left) Type() string            { return TypeUserLeft }
func (RoomCleaned) Type() string     { return TypeRoomCleaned }
func (RoomState) Type() string       { return TypeRoomState }
func (RoomDeleted) Type() string     { return TypeRoomDeleted }
func (Error) Type() string           { return TypeError }

func (VoteCast) outbound()        {}
func (VotesRevealed) outbound()   {}
func (RoomReset) outbound()       {}
func (PointsConfirmed) outbound() {}
func (StoryAdded) outbound()      {}
func (StoryExists) outbound()     {}
func (StoryChanged) outbound()    {}
func (Joined) outbound()          {}
func (Left) outbound()            {}
func (RoomCleaned) outbound()     {}
func (RoomState) outbound()       {}
func (RoomDeleted) outbound()     {}
func (Error) outbound()           {}

// Encode renders msg as a flat JSON object whose first key is "type".
func Encode(msg Outbound) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	tag, _ := json.Marshal(msg.Type())
	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// MustEncode is Encode for messages that cannot fail to marshal.
func MustEncode(msg Outbound) []byte {
	b, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return b
}
