// Package protocol defines the websocket messages exchanged with room clients.
// Both directions are closed sets: only the types declared here satisfy
// Inbound and Outbound.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Inbound type tags.
const (
	TypeVote                  = "vote"
	TypeReveal                = "reveal"
	TypeReset                 = "reset"
	TypeConfirmPoints         = "confirm_points"
	TypeAddStory              = "add_story"
	TypeChangeStory           = "change_story"
	TypeSwitchToExistingStory = "switch_to_existing_story"
	TypeUserJoined            = "user_joined"
	TypeUserLeft              = "user_left"
	TypeCleanRoom             = "clean_room"
)

// Inbound is an action sent by a client.
type Inbound interface {
	Type() string
	inbound()
}

type Vote struct {
	ParticipantID string `json:"participant_id"`
	StoryID       string `json:"story_id"`
	Value         Points `json:"value"`
}

type Reveal struct{}

type Reset struct{}

type ConfirmPoints struct {
	Points Points `json:"points"`
}

type AddStory struct {
	StoryID string `json:"story_id"`
	Title   string `json:"title"`
}

type ChangeStory struct {
	StoryID string `json:"story_id"`
}

type SwitchToExistingStory struct {
	StoryID string `json:"story_id"`
}

type UserJoined struct {
	Username      string `json:"username"`
	ParticipantID string `json:"participant_id"`
}

type UserLeft struct {
	ParticipantID string `json:"participant_id"`
}

type CleanRoom struct{}

func (Vote) Type() string                  { return TypeVote }
func (Reveal) Type() string                { return TypeReveal }
func (Reset) Type() string                 { return TypeReset }
func (ConfirmPoints) Type() string         { return TypeConfirmPoints }
func (AddStory) Type() string              { return TypeAddStory }
func (ChangeStory) Type() string           { return TypeChangeStory }
func (SwitchToExistingStory) Type() string { return TypeSwitchToExistingStory }
func (UserJoined) Type() string            { return TypeUserJoined }
func (UserLeft) Type() string              { return TypeUserLeft }
func (CleanRoom) Type() string             { return TypeCleanRoom }

func (Vote) inbound()                  {}
func (Reveal) inbound()                {}
func (Reset) inbound()                 {}
func (ConfirmPoints) inbound()         {}
func (AddStory) inbound()              {}
func (ChangeStory) inbound()           {}
func (SwitchToExistingStory) inbound() {}
func (UserJoined) inbound()            {}
func (UserLeft) inbound()              {}
func (CleanRoom) inbound()             {}

// DecodeInbound parses one websocket frame.
// Frames that are not JSON objects, lack a type, or miss a required field
// wrap ErrMalformedMessage; unrecognised types wrap ErrUnknownMessageType.
func DecodeInbound(data []byte) (Inbound, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch strings.TrimSpace(env.Type) {
	case TypeVote:
		return decodeAs[Vote](data)
	case TypeReveal:
		return Reveal{}, nil
	case TypeReset:
		return Reset{}, nil
	case TypeConfirmPoints:
		return decodeAs[ConfirmPoints](data)
	case TypeAddStory:
		return decodeAs[AddStory](data)
	case TypeChangeStory:
		return decodeAs[ChangeStory](data)
	case TypeSwitchToExistingStory:
		return decodeAs[SwitchToExistingStory](data)
	case TypeUserJoined:
		return decodeAs[UserJoined](data)
	case TypeUserLeft:
		return decodeAs[UserLeft](data)
	case TypeCleanRoom:
		return CleanRoom{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

type validator interface {
	validate() error
}

func decodeAs[T Inbound](data []byte) (Inbound, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if v, ok := any(msg).(validator); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}
	return msg, nil
}

func (m ChangeStory) validate() error {
	if strings.TrimSpace(m.StoryID) == "" {
		return errors.New("story_id is required")
	}
	return nil
}

func (m SwitchToExistingStory) validate() error {
	return ChangeStory(m).validate()
}

func (m UserJoined) validate() error {
	if strings.TrimSpace(m.Username) == "" && strings.TrimSpace(m.ParticipantID) == "" {
		return errors.New("username or participant_id is required")
	}
	return nil
}

// Points is a card or points value sent either as a JSON string or number.
type Points string

func (p *Points) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*p = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = Points(strings.TrimSpace(s))
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("points must be a string or number: %w", err)
		}
		if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
			return fmt.Errorf("points must be a string or number: %w", err)
		}
		*p = Points(n.String())
		return nil
	}
}
