package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/YahyaQandel/planning-poker/internal/util"
	"github.com/YahyaQandel/planning-poker/pkg/domain"
	"github.com/YahyaQandel/planning-poker/pkg/store"
	"github.com/YahyaQandel/planning-poker/services/rooms/internal/protocol"
)

// Broadcaster delivers an encoded event to every subscriber of a room.
// CloseRoom sends a final event and disconnects the room's subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomCode string, payload []byte) error
	CloseRoom(ctx context.Context, roomCode string, payload []byte) error
}

// Actor identifies the connection an action came from.
type Actor struct {
	ParticipantID string
}

// Result is what an applied action produced. Broadcast goes to the whole
// room and has already been handed to the Broadcaster; Private is meant
// for the originating connection only.
type Result struct {
	Broadcast protocol.Outbound
	Private   protocol.Outbound
}

// JoinResult is returned by Coordinator.Join.
type JoinResult struct {
	Participant domain.Participant
	Created     bool
	Room        domain.RoomSnapshot
}

// Coordinator serializes every mutation of one room. Each action runs in a
// single store transaction that starts by locking the room row, and its
// broadcast is handed off before that transaction ends. Coordinators of the
// same room in other processes queue on the row lock, so subscribers see
// snapshots in apply order.
type Coordinator struct {
	code     string
	mu       sync.Mutex
	store    store.Store
	out      Broadcaster
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	ledger   Ledger
	director Director
	presence Presence
}

type coordinatorDeps struct {
	store    store.Store
	out      Broadcaster
	observer Observer
	logger   *slog.Logger
	clock    clock
	namer    StoryNamer
}

func newCoordinator(code string, deps coordinatorDeps) *Coordinator {
	logger := deps.logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := deps.observer
	if observer == nil {
		observer = Observers(nil)
	}
	return &Coordinator{
		code:     code,
		store:    deps.store,
		out:      deps.out,
		observer: observer,
		logger:   logger.With("room", code),
		now:      deps.clock.stamp,
		ledger:   Ledger{clock: deps.clock},
		director: Director{clock: deps.clock, namer: deps.namer},
		presence: Presence{clock: deps.clock},
	}
}

// Code is the room this coordinator serves.
func (c *Coordinator) Code() string { return c.code }

// mutation runs inside the room transaction against the freshly loaded room.
type mutation func(tx store.Store, room *domain.Room) (Result, ActionRecord, error)

// Apply runs one inbound action. On failure nothing is written and nothing is
// broadcast; the returned Result carries a private error event.
func (c *Coordinator) Apply(ctx context.Context, actor Actor, msg protocol.Inbound) (Result, error) {
	return c.run(ctx, msg.Type(), func(tx store.Store, room *domain.Room) (Result, ActionRecord, error) {
		return c.dispatch(tx, room, actor, msg)
	})
}

// Join registers or resumes a participant and announces them to the room.
func (c *Coordinator) Join(ctx context.Context, username, token string) (JoinResult, error) {
	var out JoinResult
	_, err := c.run(ctx, "join", func(tx store.Store, room *domain.Room) (Result, ActionRecord, error) {
		p, created, err := c.presence.Join(tx, room.Code, username, token)
		if err != nil {
			return Result{}, ActionRecord{}, err
		}
		snap, err := loadSnapshot(tx, *room)
		if err != nil {
			return Result{}, ActionRecord{}, err
		}
		out = JoinResult{Participant: p, Created: created, Room: snap}
		rec := ActionRecord{ParticipantID: p.ID, Detail: map[string]any{"username": p.Username, "created": created}}
		return Result{Broadcast: protocol.Joined{Username: p.Username, ParticipantID: p.ID, Room: snap}}, rec, nil
	})
	return out, err
}

// Snapshot reads the current room state in apply order.
func (c *Coordinator) Snapshot(ctx context.Context) (domain.RoomSnapshot, error) {
	var snap domain.RoomSnapshot
	err := c.Attach(ctx, func(s domain.RoomSnapshot) error {
		snap = s
		return nil
	})
	return snap, err
}

// Attach loads the room snapshot and calls fn while no action can run.
// Subscribing inside fn means the subscriber's first message is this
// snapshot and every later broadcast follows it.
func (c *Coordinator) Attach(ctx context.Context, fn func(domain.RoomSnapshot) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var snap domain.RoomSnapshot
	err := c.store.Atomic(ctx, func(tx store.Store) error {
		room, err := c.loadRoom(tx)
		if err != nil {
			return err
		}
		snap, err = loadSnapshot(tx, room)
		return err
	})
	if err != nil {
		return err
	}
	return fn(snap)
}

// Remove calls before (if set) with the final snapshot and then deletes the
// room with everything it owns. A failing before keeps the room. Once the
// delete commits, subscribers get room_deleted and are disconnected.
func (c *Coordinator) Remove(ctx context.Context, before func(domain.RoomSnapshot) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if before != nil {
		var snap domain.RoomSnapshot
		err := c.store.Atomic(ctx, func(tx store.Store) error {
			room, err := c.loadRoom(tx)
			if err != nil {
				return err
			}
			snap, err = loadSnapshot(tx, room)
			return err
		})
		if err != nil {
			return err
		}
		if err := before(snap); err != nil {
			return err
		}
	}
	err := c.store.Atomic(ctx, func(tx store.Store) error {
		room, err := c.lockRoom(tx)
		if err != nil {
			return err
		}
		return tx.DeleteRoom(room.Code)
	})
	if err != nil {
		return err
	}
	if c.out != nil {
		if err := c.out.CloseRoom(ctx, c.code, protocol.MustEncode(protocol.RoomDeleted{Code: c.code})); err != nil {
			c.logger.Error("close room subscribers failed", "err", err)
		}
	}
	return nil
}

func (c *Coordinator) run(ctx context.Context, action string, fn mutation) (Result, error) {
	start := c.now()

	c.mu.Lock()
	var (
		res       Result
		rec       ActionRecord
		delivered bool
	)
	err := c.store.Atomic(ctx, func(tx store.Store) error {
		room, err := c.lockRoom(tx)
		if err != nil {
			return err
		}
		res, rec, err = fn(tx, &room)
		if err != nil {
			return err
		}
		if res.Broadcast != nil {
			c.deliver(ctx, action, res.Broadcast)
			delivered = true
		}
		return nil
	})
	if err != nil && delivered {
		c.resync(ctx)
	}
	c.mu.Unlock()

	if err != nil {
		util.LoggerFromContext(ctx).Warn("room action failed", "room", c.code, "action", action, "err", err)
		return Result{Private: ErrorEvent(err)}, err
	}
	rec.Room = c.code
	rec.Action = action
	rec.At = c.now()
	rec.Duration = rec.At.Sub(start)
	c.observer.ActionApplied(ctx, rec)
	return res, nil
}

// deliver hands an applied event to the broadcaster. A failed delivery is
// logged and does not undo the action.
func (c *Coordinator) deliver(ctx context.Context, action string, msg protocol.Outbound) {
	if c.out == nil {
		return
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error("encode broadcast failed", "action", action, "err", err)
		return
	}
	if err := c.out.Broadcast(ctx, c.code, payload); err != nil {
		c.logger.Error("broadcast failed", "action", action, "type", msg.Type(), "err", err)
	}
}

// resync broadcasts the committed state after a commit failed behind an
// event that was already delivered.
func (c *Coordinator) resync(ctx context.Context) {
	var snap domain.RoomSnapshot
	err := c.store.Atomic(ctx, func(tx store.Store) error {
		room, err := c.loadRoom(tx)
		if err != nil {
			return err
		}
		snap, err = loadSnapshot(tx, room)
		return err
	})
	if err != nil {
		c.logger.Error("resync after failed commit", "err", err)
		return
	}
	c.deliver(ctx, "resync", protocol.RoomState{Room: snap})
}

func (c *Coordinator) loadRoom(tx store.Store) (domain.Room, error) {
	return c.findRoom(tx.GetRoom)
}

// lockRoom loads the room for a mutation and holds its row until the
// transaction ends.
func (c *Coordinator) lockRoom(tx store.Store) (domain.Room, error) {
	return c.findRoom(tx.LockRoom)
}

func (c *Coordinator) findRoom(get func(code string) (domain.Room, bool, error)) (domain.Room, error) {
	room, ok, err := get(c.code)
	if err != nil {
		return domain.Room{}, err
	}
	if !ok {
		return domain.Room{}, fmt.Errorf("%w: room %s", ErrNotFound, c.code)
	}
	return room, nil
}

func (c *Coordinator) dispatch(tx store.Store, room *domain.Room, actor Actor, msg protocol.Inbound) (Result, ActionRecord, error) {
	switch m := msg.(type) {
	case protocol.Vote:
		return c.vote(tx, room, actor, m)
	case protocol.Reveal:
		return c.reveal(tx, room)
	case protocol.Reset:
		return c.reset(tx, room)
	case protocol.ConfirmPoints:
		return c.confirm(tx, room, m)
	case protocol.AddStory:
		return c.addStory(tx, room, m)
	case protocol.ChangeStory:
		return c.switchStory(tx, room, m.StoryID)
	case protocol.SwitchToExistingStory:
		return c.switchStory(tx, room, m.StoryID)
	case protocol.UserJoined:
		return c.userJoined(tx, room, actor, m)
	case protocol.UserLeft:
		return c.userLeft(tx, room, actor, m)
	case protocol.CleanRoom:
		return c.cleanRoom(tx, room)
	default:
		return Result{}, ActionRecord{}, fmt.Errorf("%w: %s", protocol.ErrUnknownMessageType, msg.Type())
	}
}

// unchanged answers a no-op action with the current state, privately.
func unchanged(tx store.Store, room domain.Room) (Result, ActionRecord, error) {
	snap, err := loadSnapshot(tx, room)
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	return Result{Private: protocol.RoomState{Room: snap}}, ActionRecord{Detail: map[string]any{"noop": true}}, nil
}

func (c *Coordinator) vote(tx store.Store, room *domain.Room, actor Actor, m protocol.Vote) (Result, ActionRecord, error) {
	if _, err := parseCard(string(m.Value)); err != nil {
		return Result{}, ActionRecord{}, err
	}
	if room.CurrentStoryID == nil {
		return unchanged(tx, *room)
	}
	participantID := firstNonEmpty(m.ParticipantID, actor.ParticipantID)
	storyID := firstNonEmpty(m.StoryID, *room.CurrentStoryID)
	vote, err := c.ledger.Cast(tx, room.Code, participantID, storyID, string(m.Value))
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	snap, err := loadSnapshot(tx, *room)
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	rec := ActionRecord{ParticipantID: vote.ParticipantID, StoryID: vote.StoryID}
	return Result{Broadcast: protocol.VoteCast{ParticipantID: vote.ParticipantID, HasVoted: true, Room: snap}}, rec, nil
}

func (c *Coordinator) reveal(tx store.Store, room *domain.Room) (Result, ActionRecord, error) {
	res, err := c.ledger.Reveal(tx, *room)
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	if res == nil {
		return unchanged(tx, *room)
	}
	snap, err := loadSnapshot(tx, *room)
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	detail := map[string]any{"numeric_votes": res.Numeric, "sentinel_votes": res.Sentinel}
	if res.Estimate != nil {
		detail["average"] = *res.Average
		detail["estimate"] = *res.Estimate
	}
	if res.Discussion != nil {
		detail["spread_level"] = res.Discussion.SpreadLevel
	}
	out := protocol.VotesRevealed{
		Room:          snap,
		Average:       res.Average,
		Rounded:       res.Estimate,
		Discussion:    res.Discussion,
		NumericVotes:  res.Numeric,
		SentinelVotes: res.Sentinel,
	}
	return Result{Broadcast: out}, ActionRecord{StoryID: res.StoryID, Detail: detail}, nil
}

func (c *Coordinator) reset(tx store.Store, room *domain.Room) (Result, ActionRecord, error) {
	removed, applied, err := c.ledger.Reset(tx, *room)
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	if !applied {
		return unchanged(tx, *room)
	}
	snap, err := loadSnapshot(tx, *room)
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	rec := ActionRecord{StoryID: *room.CurrentStoryID, Detail: map[string]any{"votes_removed": removed}}
	return Result{Broadcast: protocol.RoomReset{Room: snap}}, rec, nil
}

func (c *Coordinator) confirm(tx store.Store, room *domain.Room, m protocol.ConfirmPoints) (Result, ActionRecord, error) {
	story, err := c.ledger.Confirm(tx, *room, string(m.Points))
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	if story == nil {
		return unchanged(tx, *room)
	}
	snap, err := loadSnapshot(tx, *room)
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	rec := ActionRecord{StoryID: story.ID, Detail: map[string]any{"points": *story.FinalPoints}}
	return Result{Broadcast: protocol.PointsConfirmed{Points: *story.FinalPoints, Room: snap}}, rec, nil
}

func (c *Coordinator) addStory(tx store.Store, room *domain.Room, m protocol.AddStory) (Result, ActionRecord, error) {
	story, exists, err := c.director.Add(tx, room, m.StoryID, m.Title)
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	snap, err := loadSnapshot(tx, *room)
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	rec := ActionRecord{StoryID: story.ID, Detail: map[string]any{"label": story.Label, "exists": exists}}
	storySnap := findStory(snap, story.ID)
	if exists {
		return Result{Private: protocol.StoryExists{Story: storySnap, Room: snap}}, rec, nil
	}
	return Result{Broadcast: protocol.StoryAdded{Story: storySnap, Room: snap}}, rec, nil
}

func (c *Coordinator) switchStory(tx store.Store, room *domain.Room, storyID string) (Result, ActionRecord, error) {
	story, err := c.director.SwitchTo(tx, room, storyID)
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	snap, err := loadSnapshot(tx, *room)
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	return Result{Broadcast: protocol.StoryChanged{Room: snap}}, ActionRecord{StoryID: story.ID}, nil
}

func (c *Coordinator) userJoined(tx store.Store, room *domain.Room, actor Actor, m protocol.UserJoined) (Result, ActionRecord, error) {
	var (
		p   domain.Participant
		err error
	)
	switch {
	case strings.TrimSpace(m.ParticipantID) != "":
		p, err = c.presence.MarkConnected(tx, room.Code, strings.TrimSpace(m.ParticipantID))
	case strings.TrimSpace(m.Username) != "":
		p, err = c.presence.MarkConnectedByUsername(tx, room.Code, m.Username)
	default:
		p, err = c.presence.MarkConnected(tx, room.Code, actor.ParticipantID)
	}
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	snap, err := loadSnapshot(tx, *room)
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	return Result{Broadcast: protocol.Joined{Username: p.Username, ParticipantID: p.ID, Room: snap}}, ActionRecord{ParticipantID: p.ID}, nil
}

func (c *Coordinator) userLeft(tx store.Store, room *domain.Room, actor Actor, m protocol.UserLeft) (Result, ActionRecord, error) {
	id := firstNonEmpty(m.ParticipantID, actor.ParticipantID)
	if id == "" {
		return Result{}, ActionRecord{}, fmt.Errorf("%w: participant_id is required", protocol.ErrMalformedMessage)
	}
	p, err := c.presence.MarkDisconnected(tx, room.Code, id)
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	snap, err := loadSnapshot(tx, *room)
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	return Result{Broadcast: protocol.Left{ParticipantID: p.ID, Room: snap}}, ActionRecord{ParticipantID: p.ID}, nil
}

func (c *Coordinator) cleanRoom(tx store.Store, room *domain.Room) (Result, ActionRecord, error) {
	report, err := c.presence.Evict(tx, room.Code)
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	snap, err := loadSnapshot(tx, *room)
	if err != nil {
		return Result{}, ActionRecord{}, err
	}
	rec := ActionRecord{Detail: map[string]any{
		"participants_removed": report.ParticipantsRemoved,
		"votes_removed":        report.VotesRemoved,
	}}
	return Result{Broadcast: protocol.RoomCleaned{EvictionReport: report, Room: snap}}, rec, nil
}

func loadSnapshot(tx store.Store, room domain.Room) (domain.RoomSnapshot, error) {
	participants, err := tx.ListParticipants(room.Code)
	if err != nil {
		return domain.RoomSnapshot{}, err
	}
	stories, err := tx.ListStories(room.Code)
	if err != nil {
		return domain.RoomSnapshot{}, err
	}
	votes, err := tx.ListVotes(room.Code)
	if err != nil {
		return domain.RoomSnapshot{}, err
	}
	return domain.NewRoomSnapshot(room, participants, stories, votes), nil
}

func findStory(snap domain.RoomSnapshot, id string) domain.StorySnapshot {
	for _, s := range snap.Stories {
		if s.ID == id {
			return s
		}
	}
	return domain.StorySnapshot{Votes: []domain.VoteSnapshot{}}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
