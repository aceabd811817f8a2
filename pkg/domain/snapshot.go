package domain

import (
	"sort"
	"time"
)

// RoomSnapshot is the full room state carried by every broadcast.
type RoomSnapshot struct {
	Code              string          `json:"code"`
	SessionName       string          `json:"session_name"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CurrentStory      *string         `json:"current_story"`
	CurrentStoryData  *StorySnapshot  `json:"current_story_data"`
	Participants      []Participant   `json:"participants"`
	Stories           []StorySnapshot `json:"stories"`
	ParticipantsCount int             `json:"participants_count"`
}

type StorySnapshot struct {
	Story
	Votes      []VoteSnapshot `json:"votes"`
	VotesCount int            `json:"votes_count"`
}

// VoteSnapshot hides Value until the vote is revealed; HasVoted is always true.
type VoteSnapshot struct {
	ID              string    `json:"id"`
	Participant     string    `json:"participant"`
	ParticipantName string    `json:"participant_name"`
	Value           VoteValue `json:"value"`
	HasVoted        bool      `json:"has_voted"`
	Revealed        bool      `json:"revealed"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewRoomSnapshot assembles a snapshot from room records.
// Stories are ordered by (order, created_at), votes by created_at.
func NewRoomSnapshot(room Room, participants []Participant, stories []Story, votes []Vote) RoomSnapshot {
	names := make(map[string]string, len(participants))
	connected := 0
	for _, p := range participants {
		names[p.ID] = p.Username
		if p.Connected {
			connected++
		}
	}

	byStory := make(map[string][]VoteSnapshot, len(stories))
	sorted := append([]Vote(nil), votes...)
	SortVotes(sorted)
	for _, v := range sorted {
		vs := VoteSnapshot{
			ID:              v.ID,
			Participant:     v.ParticipantID,
			ParticipantName: names[v.ParticipantID],
			HasVoted:        true,
			Revealed:        v.Revealed,
			CreatedAt:       v.CreatedAt,
		}
		if v.Revealed {
			vs.Value = v.Value
		}
		byStory[v.StoryID] = append(byStory[v.StoryID], vs)
	}

	orderedStories := append([]Story(nil), stories...)
	SortStories(orderedStories)

	snap := RoomSnapshot{
		Code:              room.Code,
		SessionName:       room.SessionName,
		CreatedAt:         room.CreatedAt,
		UpdatedAt:         room.UpdatedAt,
		CurrentStory:      room.CurrentStoryID,
		Participants:      append([]Participant{}, participants...),
		Stories:           make([]StorySnapshot, 0, len(orderedStories)),
		ParticipantsCount: connected,
	}
	sort.SliceStable(snap.Participants, func(i, j int) bool {
		return snap.Participants[i].JoinedAt.Before(snap.Participants[j].JoinedAt)
	})
	for _, s := range orderedStories {
		sv := byStory[s.ID]
		if sv == nil {
			sv = []VoteSnapshot{}
		}
		ss := StorySnapshot{Story: s, Votes: sv, VotesCount: len(sv)}
		snap.Stories = append(snap.Stories, ss)
		if room.CurrentStoryID != nil && *room.CurrentStoryID == s.ID {
			current := ss
			snap.CurrentStoryData = &current
		}
	}
	return snap
}

// SortStories orders stories for display.
func SortStories(stories []Story) {
	sort.SliceStable(stories, func(i, j int) bool {
		if stories[i].Order != stories[j].Order {
			return stories[i].Order < stories[j].Order
		}
		return stories[i].CreatedAt.Before(stories[j].CreatedAt)
	})
}

// SortVotes orders votes by creation time, then participant id.
// This is the ledger order used for tie-breaks.
func SortVotes(votes []Vote) {
	sort.SliceStable(votes, func(i, j int) bool {
		if !votes[i].CreatedAt.Equal(votes[j].CreatedAt) {
			return votes[i].CreatedAt.Before(votes[j].CreatedAt)
		}
		return votes[i].ParticipantID < votes[j].ParticipantID
	})
}
