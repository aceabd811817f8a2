package app

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/YahyaQandel/planning-poker/pkg/domain"
	"github.com/YahyaQandel/planning-poker/pkg/store"
)

// generated labels are retried this many times when they collide.
const labelAttempts = 5

// Director owns the story list and the room's current story pointer.
type Director struct {
	clock
	namer StoryNamer
}

// Add starts work on a new story and makes it current. A label that already
// exists in the room is returned with exists=true and nothing is written.
// Missing label or title are generated. Creating a story deletes the votes
// of the previous current story.
func (d Director) Add(tx store.Store, room *domain.Room, label, title string) (story domain.Story, exists bool, err error) {
	label, title = strings.TrimSpace(label), strings.TrimSpace(title)
	if label != "" {
		existing, ok, err := tx.GetStoryByLabel(room.Code, label)
		if err != nil {
			return domain.Story{}, false, err
		}
		if ok {
			return existing, true, nil
		}
	}
	if utf8.RuneCountInString(label) > domain.MaxLabelLen {
		return domain.Story{}, false, fmt.Errorf("%w: story_id longer than %d characters", ErrInvalidValue, domain.MaxLabelLen)
	}
	if utf8.RuneCountInString(title) > domain.MaxTitleLen {
		return domain.Story{}, false, fmt.Errorf("%w: title longer than %d characters", ErrInvalidValue, domain.MaxTitleLen)
	}
	if label == "" {
		if label, err = d.freshLabel(tx, room.Code); err != nil {
			return domain.Story{}, false, err
		}
	}
	if title == "" {
		_, title = d.name()
	}

	count, err := tx.CountStories(room.Code)
	if err != nil {
		return domain.Story{}, false, err
	}
	now := d.stamp()
	story = domain.Story{
		ID:        d.id(),
		RoomCode:  room.Code,
		Label:     label,
		Title:     title,
		Order:     count,
		CreatedAt: now,
	}
	if err := tx.SaveStory(story); err != nil {
		return domain.Story{}, false, err
	}
	if room.CurrentStoryID != nil {
		if _, err := tx.DeleteStoryVotes(room.Code, *room.CurrentStoryID); err != nil {
			return domain.Story{}, false, err
		}
	}
	room.CurrentStoryID = &story.ID
	room.UpdatedAt = now
	if err := tx.SaveRoom(*room); err != nil {
		return domain.Story{}, false, err
	}
	return story, false, nil
}

// SwitchTo points the room at an existing story. Votes are never touched.
func (d Director) SwitchTo(tx store.Store, room *domain.Room, storyID string) (domain.Story, error) {
	story, ok, err := tx.GetStory(room.Code, strings.TrimSpace(storyID))
	if err != nil {
		return domain.Story{}, err
	}
	if !ok {
		return domain.Story{}, fmt.Errorf("%w: story %s", ErrNotFound, storyID)
	}
	room.CurrentStoryID = &story.ID
	room.UpdatedAt = d.stamp()
	if err := tx.SaveRoom(*room); err != nil {
		return domain.Story{}, err
	}
	return story, nil
}

// Count is the number of stories in the room.
func (d Director) Count(tx store.Store, roomCode string) (int, error) {
	return tx.CountStories(roomCode)
}

func (d Director) name() (string, string) {
	if d.namer == nil {
		return RandomStoryNamer()()
	}
	return d.namer()
}

func (d Director) freshLabel(tx store.Store, roomCode string) (string, error) {
	var label string
	for range labelAttempts {
		label, _ = d.name()
		_, taken, err := tx.GetStoryByLabel(roomCode, label)
		if err != nil {
			return "", err
		}
		if !taken {
			return label, nil
		}
	}
	return fmt.Sprintf("%s-%d", label, labelAttempts), nil
}
