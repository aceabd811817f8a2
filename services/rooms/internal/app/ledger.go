package app

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/YahyaQandel/planning-poker/pkg/domain"
	"github.com/YahyaQandel/planning-poker/pkg/estimate"
	"github.com/YahyaQandel/planning-poker/pkg/store"
)

// Ledger owns vote records: one vote per participant per story.
type Ledger struct {
	clock
}

// RevealResult is what a reveal computed for the current story.
// Average, Estimate and Discussion stay nil without numeric votes.
type RevealResult struct {
	StoryID    string
	Votes      []domain.Vote
	Numeric    int
	Sentinel   int
	Average    *float64
	Estimate   *int
	Discussion *estimate.Suggestion
}

// parseCard accepts only values from the deck.
func parseCard(value string) (domain.VoteValue, error) {
	card, ok := domain.ParseVoteValue(strings.TrimSpace(value))
	if !ok {
		return "", fmt.Errorf("%w: vote value %q is not in the deck", ErrInvalidValue, value)
	}
	return card, nil
}

// Cast upserts the vote of participantID on storyID. Re-casting keeps the
// record identity and resets revealed to false.
func (l Ledger) Cast(tx store.Store, roomCode, participantID, storyID, value string) (domain.Vote, error) {
	card, err := parseCard(value)
	if err != nil {
		return domain.Vote{}, err
	}
	if _, ok, err := tx.GetParticipant(roomCode, participantID); err != nil {
		return domain.Vote{}, err
	} else if !ok {
		return domain.Vote{}, fmt.Errorf("%w: participant %s", ErrNotFound, participantID)
	}
	if _, ok, err := tx.GetStory(roomCode, storyID); err != nil {
		return domain.Vote{}, err
	} else if !ok {
		return domain.Vote{}, fmt.Errorf("%w: story %s", ErrNotFound, storyID)
	}
	now := l.stamp()
	return tx.UpsertVote(domain.Vote{
		ID:            l.id(),
		RoomCode:      roomCode,
		ParticipantID: participantID,
		StoryID:       storyID,
		Value:         card,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// Reveal flips every vote of the current story to revealed and computes the
// display mean, the recommended estimate and a discussion suggestion.
// It returns nil when the room has no current story. final_points is untouched.
func (l Ledger) Reveal(tx store.Store, room domain.Room) (*RevealResult, error) {
	if room.CurrentStoryID == nil {
		return nil, nil
	}
	storyID := *room.CurrentStoryID
	if _, err := tx.RevealVotes(room.Code, storyID); err != nil {
		return nil, err
	}
	votes, err := tx.ListStoryVotes(room.Code, storyID)
	if err != nil {
		return nil, err
	}
	participants, err := tx.ListParticipants(room.Code)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(participants))
	for _, p := range participants {
		names[p.ID] = p.Username
	}

	domain.SortVotes(votes)
	res := &RevealResult{StoryID: storyID, Votes: votes}
	values := make([]int, 0, len(votes))
	owned := make([]estimate.OwnedVote, 0, len(votes))
	for _, v := range votes {
		n, ok := v.Value.Numeric()
		if !ok {
			res.Sentinel++
			continue
		}
		values = append(values, n)
		owned = append(owned, estimate.OwnedVote{ParticipantID: v.ParticipantID, Username: names[v.ParticipantID], Value: n})
	}
	res.Numeric = len(values)
	if len(values) == 0 {
		return res, nil
	}
	mean := estimate.Mean(values)
	rec := estimate.Estimate(values)
	res.Average = &mean
	res.Estimate = &rec
	res.Discussion = estimate.Suggest(owned)
	return res, nil
}

// Reset deletes every vote of the current story and clears its confirmation.
// applied is false when the room has no current story.
func (l Ledger) Reset(tx store.Store, room domain.Room) (removed int, applied bool, err error) {
	if room.CurrentStoryID == nil {
		return 0, false, nil
	}
	story, ok, err := tx.GetStory(room.Code, *room.CurrentStoryID)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, fmt.Errorf("%w: story %s", ErrNotFound, *room.CurrentStoryID)
	}
	removed, err = tx.DeleteStoryVotes(room.Code, story.ID)
	if err != nil {
		return 0, false, err
	}
	story.FinalPoints = nil
	story.EstimatedAt = nil
	if err := tx.SaveStory(story); err != nil {
		return 0, false, err
	}
	return removed, true, nil
}

// Confirm records points as the final estimate of the current story.
// Any non-empty value up to the column limit is accepted. It returns nil
// when the room has no current story. Votes are untouched.
func (l Ledger) Confirm(tx store.Store, room domain.Room, points string) (*domain.Story, error) {
	points = strings.TrimSpace(points)
	if points == "" {
		return nil, fmt.Errorf("%w: points are required", ErrInvalidValue)
	}
	if utf8.RuneCountInString(points) > domain.MaxFinalPointsLen {
		return nil, fmt.Errorf("%w: points longer than %d characters", ErrInvalidValue, domain.MaxFinalPointsLen)
	}
	if room.CurrentStoryID == nil {
		return nil, nil
	}
	story, ok, err := tx.GetStory(room.Code, *room.CurrentStoryID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: story %s", ErrNotFound, *room.CurrentStoryID)
	}
	at := l.stamp()
	story.FinalPoints = &points
	story.EstimatedAt = &at
	if err := tx.SaveStory(story); err != nil {
		return nil, err
	}
	return &story, nil
}
