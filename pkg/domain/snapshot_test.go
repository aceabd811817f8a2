package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewRoomSnapshotMasksHiddenVotes(t *testing.T) {
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	current := "s2"
	room := Room{Code: "ABC123", SessionName: DefaultSessionName(base), CurrentStoryID: &current}
	participants := []Participant{
		{ID: "p2", Username: "bo", Connected: false, JoinedAt: base.Add(time.Minute)},
		{ID: "p1", Username: "ann", Connected: true, JoinedAt: base},
	}
	stories := []Story{
		{ID: "s2", Label: "PP-2", Order: 1, CreatedAt: base.Add(time.Second)},
		{ID: "s1", Label: "PP-1", Order: 0, CreatedAt: base},
	}
	votes := []Vote{
		{ID: "v2", ParticipantID: "p2", StoryID: "s2", Value: VoteEight, CreatedAt: base.Add(2 * time.Second)},
		{ID: "v1", ParticipantID: "p1", StoryID: "s2", Value: VoteThree, Revealed: true, CreatedAt: base.Add(time.Second)},
	}

	snap := NewRoomSnapshot(room, participants, stories, votes)

	if snap.ParticipantsCount != 1 {
		t.Fatalf("participants_count counts connected only, got %d", snap.ParticipantsCount)
	}
	if snap.Participants[0].ID != "p1" {
		t.Fatalf("participants should be ordered by join time")
	}
	if snap.Stories[0].ID != "s1" || snap.Stories[1].ID != "s2" {
		t.Fatalf("stories out of order: %s, %s", snap.Stories[0].ID, snap.Stories[1].ID)
	}
	if snap.CurrentStoryData == nil || snap.CurrentStoryData.ID != "s2" {
		t.Fatalf("current story data missing")
	}
	cur := snap.CurrentStoryData
	if cur.VotesCount != 2 || cur.Votes[0].ID != "v1" {
		t.Fatalf("votes not ordered by created_at: %+v", cur.Votes)
	}
	if cur.Votes[0].Value != VoteThree || cur.Votes[0].ParticipantName != "ann" {
		t.Fatalf("revealed vote should carry value and name: %+v", cur.Votes[0])
	}
	if cur.Votes[1].Value != "" || !cur.Votes[1].HasVoted {
		t.Fatalf("hidden vote leaked value: %+v", cur.Votes[1])
	}
	if snap.Stories[0].Votes == nil {
		t.Fatalf("stories without votes should carry an empty list")
	}
}

func TestRoomSnapshotJSONShape(t *testing.T) {
	snap := NewRoomSnapshot(Room{Code: "XYZ789"}, nil, nil, nil)
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{`"code":"XYZ789"`, `"current_story":null`, `"current_story_data":null`, `"participants_count":0`} {
		if !strings.Contains(string(raw), key) {
			t.Fatalf("snapshot json %s missing %s", raw, key)
		}
	}
}

func TestParseVoteValue(t *testing.T) {
	for _, v := range Deck {
		if got, ok := ParseVoteValue(string(v)); !ok || got != v {
			t.Fatalf("ParseVoteValue(%q) failed", v)
		}
	}
	for _, bad := range []string{"4", "", "Coffee", "100"} {
		if _, ok := ParseVoteValue(bad); ok {
			t.Fatalf("ParseVoteValue(%q) should fail", bad)
		}
	}
	if n, ok := VoteTwentyOne.Numeric(); !ok || n != 21 {
		t.Fatalf("21 should be numeric")
	}
	if _, ok := VoteCoffee.Numeric(); ok {
		t.Fatalf("coffee is not numeric")
	}
}

func TestDefaultSessionName(t *testing.T) {
	got := DefaultSessionName(time.Date(2025, 7, 4, 0, 0, 0, 0, time.UTC))
	if got != "Planning Session For July 04, 2025" {
		t.Fatalf("session name = %q", got)
	}
}
