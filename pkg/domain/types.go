package domain

import (
	"strconv"
	"time"
)

// VoteValue is one card of the deck: a small integer or a sentinel.
type VoteValue string

const (
	VoteZero      VoteValue = "0"
	VoteOne       VoteValue = "1"
	VoteTwo       VoteValue = "2"
	VoteThree     VoteValue = "3"
	VoteFive      VoteValue = "5"
	VoteEight     VoteValue = "8"
	VoteThirteen  VoteValue = "13"
	VoteTwentyOne VoteValue = "21"
	VoteUnsure    VoteValue = "?"
	VoteCoffee    VoteValue = "coffee"
)

// Column limits shared by every store.
const (
	MaxUsernameLen     = 50
	MaxSessionTokenLen = 100
	MaxLabelLen        = 100
	MaxTitleLen        = 255
	MaxFinalPointsLen  = 10
)

// Deck lists every accepted vote value in display order.
var Deck = []VoteValue{
	VoteZero, VoteOne, VoteTwo, VoteThree, VoteFive,
	VoteEight, VoteThirteen, VoteTwentyOne, VoteUnsure, VoteCoffee,
}

// ParseVoteValue reports whether s names a card in the deck.
func ParseVoteValue(s string) (VoteValue, bool) {
	for _, v := range Deck {
		if string(v) == s {
			return v, true
		}
	}
	return "", false
}

// Numeric returns the integer value of a numeric card.
// Sentinels (? and coffee) report false.
func (v VoteValue) Numeric() (int, bool) {
	if v == VoteUnsure || v == VoteCoffee {
		return 0, false
	}
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

type Room struct {
	Code           string    `json:"code"`
	SessionName    string    `json:"session_name"`
	CurrentStoryID *string   `json:"current_story"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Participant struct {
	ID           string    `json:"id"`
	RoomCode     string    `json:"-"`
	Username     string    `json:"username"`
	SessionToken string    `json:"-"`
	Connected    bool      `json:"connected"`
	JoinedAt     time.Time `json:"joined_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Story is a work item. Label is the optional human key (e.g. a ticket id).
type Story struct {
	ID          string     `json:"id"`
	RoomCode    string     `json:"-"`
	Label       string     `json:"story_id"`
	Title       string     `json:"title"`
	FinalPoints *string    `json:"final_points"`
	EstimatedAt *time.Time `json:"estimated_at"`
	Order       int        `json:"order"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Vote struct {
	ID            string    `json:"id"`
	RoomCode      string    `json:"-"`
	ParticipantID string    `json:"participant"`
	StoryID       string    `json:"story"`
	Value         VoteValue `json:"value"`
	Revealed      bool      `json:"revealed"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EvictionReport describes what a clean_room removed.
type EvictionReport struct {
	ParticipantsRemoved int      `json:"participants_removed"`
	VotesRemoved        int      `json:"votes_removed"`
	Usernames           []string `json:"usernames"`
}

// DefaultSessionName is the display name given to rooms created at t.
func DefaultSessionName(t time.Time) string {
	return "Planning Session For " + t.Format("January 02, 2006")
}

// Activity is one applied room action kept as an audit trail.
type Activity struct {
	ID            string         `json:"id"`
	RoomCode      string         `json:"room"`
	Action        string         `json:"action"`
	ParticipantID string         `json:"participant_id,omitempty"`
	StoryID       string         `json:"story_id,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	DurationMs    int64          `json:"duration_ms"`
	At            time.Time      `json:"at"`
}
