package app

import (
	"context"
	"errors"
	"time"

	"github.com/YahyaQandel/planning-poker/internal/util"
	"github.com/YahyaQandel/planning-poker/pkg/domain"
	"github.com/YahyaQandel/planning-poker/pkg/events"
	"github.com/YahyaQandel/planning-poker/pkg/store"
)

// ActionRecord describes one successfully applied action.
type ActionRecord struct {
	Room          string
	Action        string
	ParticipantID string
	StoryID       string
	Detail        map[string]any
	Duration      time.Duration
	At            time.Time
}

// Observer is notified after an action commits, outside the room lock.
type Observer interface {
	ActionApplied(ctx context.Context, rec ActionRecord)
}

// Observers fans a record out to each observer in order.
type Observers []Observer

func (o Observers) ActionApplied(ctx context.Context, rec ActionRecord) {
	for _, obs := range o {
		if obs != nil {
			obs.ActionApplied(ctx, rec)
		}
	}
}

// LogObserver writes one structured line per action.
type LogObserver struct{}

func (LogObserver) ActionApplied(ctx context.Context, rec ActionRecord) {
	attrs := []any{
		"room", rec.Room,
		"action", rec.Action,
		"duration_ms", rec.Duration.Milliseconds(),
	}
	if rec.ParticipantID != "" {
		attrs = append(attrs, "participant_id", rec.ParticipantID)
	}
	if rec.StoryID != "" {
		attrs = append(attrs, "story_id", rec.StoryID)
	}
	if len(rec.Detail) > 0 {
		attrs = append(attrs, "detail", rec.Detail)
	}
	util.LoggerFromContext(ctx).Info("room_action", attrs...)
}

// EventSink accepts events without blocking; events.Publisher implements it.
type EventSink interface {
	Publish(events.Event) bool
}

// EventObserver forwards records to a message broker.
type EventObserver struct {
	Sink EventSink
}

func (o EventObserver) ActionApplied(_ context.Context, rec ActionRecord) {
	o.Sink.Publish(events.Event{
		Room:          rec.Room,
		Action:        rec.Action,
		ParticipantID: rec.ParticipantID,
		StoryID:       rec.StoryID,
		Detail:        rec.Detail,
		DurationMs:    rec.Duration.Milliseconds(),
		At:            rec.At,
	})
}

// ActivityObserver keeps the audit trail in the store.
type ActivityObserver struct {
	Store store.Store
	NewID func() string
}

func (o ActivityObserver) ActionApplied(ctx context.Context, rec ActionRecord) {
	newID := o.NewID
	if newID == nil {
		newID = util.NewUUID
	}
	err := o.Store.AppendActivity(domain.Activity{
		ID:            newID(),
		RoomCode:      rec.Room,
		Action:        rec.Action,
		ParticipantID: rec.ParticipantID,
		StoryID:       rec.StoryID,
		Detail:        rec.Detail,
		DurationMs:    rec.Duration.Milliseconds(),
		At:            rec.At,
	})
	switch {
	case errors.Is(err, store.ErrNoRoom):
		// delete_room and actions racing it arrive after the room is gone.
		util.LoggerFromContext(ctx).Debug("activity skipped for deleted room", "room", rec.Room, "action", rec.Action)
	case err != nil:
		util.LoggerFromContext(ctx).Warn("activity append failed", "room", rec.Room, "action", rec.Action, "err", err)
	}
}
