package store

import (
	"context"
	"errors"

	"github.com/YahyaQandel/planning-poker/pkg/domain"
)

// ErrConflict is returned when a write violates a uniqueness rule
// (room code, username within a room).
var ErrConflict = errors.New("store: conflict")

// ErrNoRoom is returned when a row is written for a room that does not exist.
var ErrNoRoom = errors.New("store: room does not exist")

// Store is the persistence collaborator for rooms and everything they own.
// Lookups report (value, found, err); absence is never an error.
type Store interface {
	// rooms
	CreateRoom(domain.Room) error
	GetRoom(code string) (domain.Room, bool, error)
	// LockRoom reads the room and holds its row until the surrounding
	// Atomic call ends, so writers of one room queue up across processes.
	LockRoom(code string) (domain.Room, bool, error)
	SaveRoom(domain.Room) error
	DeleteRoom(code string) error

	// participants
	SaveParticipant(domain.Participant) error
	GetParticipant(roomCode, id string) (domain.Participant, bool, error)
	GetParticipantByUsername(roomCode, username string) (domain.Participant, bool, error)
	ListParticipants(roomCode string) ([]domain.Participant, error)
	DeleteParticipants(roomCode string, ids []string) (int, error)

	// stories
	SaveStory(domain.Story) error
	GetStory(roomCode, id string) (domain.Story, bool, error)
	GetStoryByLabel(roomCode, label string) (domain.Story, bool, error)
	ListStories(roomCode string) ([]domain.Story, error)
	CountStories(roomCode string) (int, error)

	// votes
	UpsertVote(domain.Vote) (domain.Vote, error)
	ListVotes(roomCode string) ([]domain.Vote, error)
	ListStoryVotes(roomCode, storyID string) ([]domain.Vote, error)
	RevealVotes(roomCode, storyID string) (int, error)
	DeleteStoryVotes(roomCode, storyID string) (int, error)
	DeleteParticipantVotes(roomCode string, participantIDs []string) (int, error)

	// activity; appending to an unknown room yields ErrNoRoom
	AppendActivity(domain.Activity) error
	ListActivity(roomCode string, limit int) ([]domain.Activity, error)

	// Atomic runs fn against a transactional view of the store. Any error
	// returned by fn rolls back every write fn made.
	Atomic(ctx context.Context, fn func(Store) error) error
	Ping(ctx context.Context) error
	Close() error
}
