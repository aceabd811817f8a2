package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/YahyaQandel/planning-poker/internal/util"
	"github.com/YahyaQandel/planning-poker/pkg/domain"
	"github.com/YahyaQandel/planning-poker/pkg/storage"
	"github.com/YahyaQandel/planning-poker/pkg/store"
	"github.com/YahyaQandel/planning-poker/services/rooms/internal/protocol"
)

const (
	roomCodeLength   = 6
	roomCodeAttempts = 5
	defaultIdleTTL   = 10 * time.Minute
	maxActivityLimit = 500
)

// Archiver stores a final room snapshot; storage.Archive implements it.
type Archiver interface {
	Save(ctx context.Context, snap domain.RoomSnapshot) (storage.Archived, error)
}

// Options configures a Service. Store is required.
type Options struct {
	Store       store.Store
	Broadcaster Broadcaster
	Observer    Observer
	Archive     Archiver
	Namer       StoryNamer
	Subscribers func(code string) int
	IdleTTL     time.Duration
	Logger      *slog.Logger

	Now     func() time.Time
	NewID   func() string
	NewCode func() string
}

// Service is the entry point for transports: room lifecycle plus routing of
// actions to the room's coordinator.
type Service struct {
	store    store.Store
	arena    *Arena
	archive  Archiver
	observer Observer
	director Director
	clock    clock
	newCode  func() string
	logger   *slog.Logger
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	namer := opts.Namer
	if namer == nil {
		namer = RandomStoryNamer()
	}
	newCode := opts.NewCode
	if newCode == nil {
		newCode = func() string { return util.NewRoomCode(roomCodeLength) }
	}
	observer := opts.Observer
	if observer == nil {
		observer = Observers(nil)
	}
	ttl := opts.IdleTTL
	if ttl <= 0 {
		ttl = defaultIdleTTL
	}
	clk := clock{now: opts.Now, newID: opts.NewID}
	s := &Service{
		store:    opts.Store,
		archive:  opts.Archive,
		observer: observer,
		director: Director{clock: clk, namer: namer},
		clock:    clk,
		newCode:  newCode,
		logger:   logger,
	}
	deps := coordinatorDeps{
		store:    opts.Store,
		out:      opts.Broadcaster,
		observer: observer,
		logger:   logger,
		clock:    clk,
		namer:    namer,
	}
	s.arena = NewArena(func(code string) *Coordinator {
		return newCoordinator(code, deps)
	}, opts.Subscribers, ttl, logger)
	if opts.Now != nil {
		s.arena.now = opts.Now
	}
	return s
}

// Arena exposes the coordinator index for the reaper.
func (s *Service) Arena() *Arena { return s.arena }

// ArchiveEnabled reports whether rooms can be archived.
func (s *Service) ArchiveEnabled() bool { return s.archive != nil }

// CreateRoom opens a new room. A first story is added only when a label or
// title is given.
func (s *Service) CreateRoom(ctx context.Context, label, title string) (domain.RoomSnapshot, error) {
	start := s.clock.stamp()
	var snap domain.RoomSnapshot
	var lastErr error
	for range roomCodeAttempts {
		code := s.newCode()
		lastErr = s.store.Atomic(ctx, func(tx store.Store) error {
			now := s.clock.stamp()
			room := domain.Room{
				Code:        code,
				SessionName: domain.DefaultSessionName(now),
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.CreateRoom(room); err != nil {
				return err
			}
			if strings.TrimSpace(label) != "" || strings.TrimSpace(title) != "" {
				if _, _, err := s.director.Add(tx, &room, label, title); err != nil {
					return err
				}
			}
			var err error
			snap, err = loadSnapshot(tx, room)
			return err
		})
		if !errors.Is(lastErr, store.ErrConflict) {
			break
		}
	}
	if lastErr != nil {
		return domain.RoomSnapshot{}, fmt.Errorf("create room: %w", lastErr)
	}
	at := s.clock.stamp()
	s.observer.ActionApplied(ctx, ActionRecord{
		Room:     snap.Code,
		Action:   "create_room",
		At:       at,
		Duration: at.Sub(start),
	})
	return snap, nil
}

// Snapshot returns the current state of a room.
func (s *Service) Snapshot(ctx context.Context, code string) (domain.RoomSnapshot, error) {
	coord, release := s.arena.Lease(util.NormalizeRoomCode(code))
	defer release()
	return coord.Snapshot(ctx)
}

// Join registers a participant and announces them to the room.
func (s *Service) Join(ctx context.Context, code, username, token string) (JoinResult, error) {
	coord, release := s.arena.Lease(util.NormalizeRoomCode(code))
	defer release()
	return coord.Join(ctx, username, token)
}

// Apply routes one inbound action to the room's coordinator.
func (s *Service) Apply(ctx context.Context, code string, actor Actor, msg protocol.Inbound) (Result, error) {
	coord, release := s.arena.Lease(util.NormalizeRoomCode(code))
	defer release()
	return coord.Apply(ctx, actor, msg)
}

// Connect leases the room for a long-lived connection and calls attach with
// the current snapshot before any later action can be applied. The returned
// release must be called when the connection ends.
func (s *Service) Connect(ctx context.Context, code string, attach func(domain.RoomSnapshot) error) (*Coordinator, func(), error) {
	coord, release := s.arena.Lease(util.NormalizeRoomCode(code))
	if err := coord.Attach(ctx, attach); err != nil {
		release()
		return nil, nil, err
	}
	return coord, release, nil
}

// DeleteRoom removes a room. With an archive configured the final snapshot
// is stored first and a failed upload keeps the room.
func (s *Service) DeleteRoom(ctx context.Context, code string) (*storage.Archived, error) {
	code = util.NormalizeRoomCode(code)
	coord, release := s.arena.Lease(code)
	var archived *storage.Archived
	var before func(domain.RoomSnapshot) error
	if s.archive != nil {
		before = func(snap domain.RoomSnapshot) error {
			a, err := s.archive.Save(ctx, snap)
			if err != nil {
				return fmt.Errorf("archive room: %w", err)
			}
			archived = &a
			return nil
		}
	}
	err := coord.Remove(ctx, before)
	release()
	if err != nil {
		return nil, err
	}
	s.arena.Forget(code)
	s.observer.ActionApplied(ctx, ActionRecord{Room: code, Action: "delete_room", At: s.clock.stamp()})
	return archived, nil
}

// ArchiveRoom stores the current snapshot without deleting the room.
func (s *Service) ArchiveRoom(ctx context.Context, code string) (storage.Archived, error) {
	if s.archive == nil {
		return storage.Archived{}, ErrArchiveDisabled
	}
	snap, err := s.Snapshot(ctx, code)
	if err != nil {
		return storage.Archived{}, err
	}
	return s.archive.Save(ctx, snap)
}

// Activity returns up to limit recent actions of a room, oldest first.
func (s *Service) Activity(ctx context.Context, code string, limit int) ([]domain.Activity, error) {
	code = util.NormalizeRoomCode(code)
	if limit <= 0 || limit > maxActivityLimit {
		limit = maxActivityLimit
	}
	var out []domain.Activity
	err := s.store.Atomic(ctx, func(tx store.Store) error {
		if _, ok, err := tx.GetRoom(code); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: room %s", ErrNotFound, code)
		}
		var err error
		out, err = tx.ListActivity(code, limit)
		return err
	})
	return out, err
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
