package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/YahyaQandel/planning-poker/pkg/domain"
)

// MemoryStore keeps rooms in-process. Used for local runs and tests.
// A single mutex guards all rooms; Atomic holds it for the whole callback.
type MemoryStore struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	rooms        map[string]domain.Room
	participants map[string]domain.Participant // key: participant ID
	stories      map[string]domain.Story       // key: story ID
	votes        map[string]domain.Vote        // key: vote ID
	activity     map[string][]domain.Activity  // key: room code
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memState{
		rooms:        make(map[string]domain.Room),
		participants: make(map[string]domain.Participant),
		stories:      make(map[string]domain.Story),
		votes:        make(map[string]domain.Vote),
		activity:     make(map[string][]domain.Activity),
	}}
}

// Atomic runs fn with the store locked; writes are undone when fn fails.
func (m *MemoryStore) Atomic(ctx context.Context, fn func(Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{state: &m.state}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

// view runs fn as a single-operation transaction.
func (m *MemoryStore) view(fn func(tx *memTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{state: &m.state}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (m *MemoryStore) CreateRoom(r domain.Room) error {
	return m.view(func(tx *memTx) error { return tx.CreateRoom(r) })
}

func (m *MemoryStore) GetRoom(code string) (r domain.Room, ok bool, err error) {
	err = m.view(func(tx *memTx) error { r, ok, err = tx.GetRoom(code); return err })
	return
}

// LockRoom is GetRoom; Atomic already holds the store-wide lock.
func (m *MemoryStore) LockRoom(code string) (domain.Room, bool, error) {
	return m.GetRoom(code)
}

func (m *MemoryStore) SaveRoom(r domain.Room) error {
	return m.view(func(tx *memTx) error { return tx.SaveRoom(r) })
}

func (m *MemoryStore) DeleteRoom(code string) error {
	return m.view(func(tx *memTx) error { return tx.DeleteRoom(code) })
}

func (m *MemoryStore) SaveParticipant(p domain.Participant) error {
	return m.view(func(tx *memTx) error { return tx.SaveParticipant(p) })
}

func (m *MemoryStore) GetParticipant(roomCode, id string) (p domain.Participant, ok bool, err error) {
	err = m.view(func(tx *memTx) error { p, ok, err = tx.GetParticipant(roomCode, id); return err })
	return
}

func (m *MemoryStore) GetParticipantByUsername(roomCode, username string) (p domain.Participant, ok bool, err error) {
	err = m.view(func(tx *memTx) error { p, ok, err = tx.GetParticipantByUsername(roomCode, username); return err })
	return
}

func (m *MemoryStore) ListParticipants(roomCode string) (ps []domain.Participant, err error) {
	err = m.view(func(tx *memTx) error { ps, err = tx.ListParticipants(roomCode); return err })
	return
}

func (m *MemoryStore) DeleteParticipants(roomCode string, ids []string) (n int, err error) {
	err = m.view(func(tx *memTx) error { n, err = tx.DeleteParticipants(roomCode, ids); return err })
	return
}

func (m *MemoryStore) SaveStory(s domain.Story) error {
	return m.view(func(tx *memTx) error { return tx.SaveStory(s) })
}

func (m *MemoryStore) GetStory(roomCode, id string) (s domain.Story, ok bool, err error) {
	err = m.view(func(tx *memTx) error { s, ok, err = tx.GetStory(roomCode, id); return err })
	return
}

func (m *MemoryStore) GetStoryByLabel(roomCode, label string) (s domain.Story, ok bool, err error) {
	err = m.view(func(tx *memTx) error { s, ok, err = tx.GetStoryByLabel(roomCode, label); return err })
	return
}

func (m *MemoryStore) ListStories(roomCode string) (ss []domain.Story, err error) {
	err = m.view(func(tx *memTx) error { ss, err = tx.ListStories(roomCode); return err })
	return
}

func (m *MemoryStore) CountStories(roomCode string) (n int, err error) {
	err = m.view(func(tx *memTx) error { n, err = tx.CountStories(roomCode); return err })
	return
}

func (m *MemoryStore) UpsertVote(v domain.Vote) (out domain.Vote, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.UpsertVote(v); return err })
	return
}

func (m *MemoryStore) ListVotes(roomCode string) (vs []domain.Vote, err error) {
	err = m.view(func(tx *memTx) error { vs, err = tx.ListVotes(roomCode); return err })
	return
}

func (m *MemoryStore) ListStoryVotes(roomCode, storyID string) (vs []domain.Vote, err error) {
	err = m.view(func(tx *memTx) error { vs, err = tx.ListStoryVotes(roomCode, storyID); return err })
	return
}

func (m *MemoryStore) RevealVotes(roomCode, storyID string) (n int, err error) {
	err = m.view(func(tx *memTx) error { n, err = tx.RevealVotes(roomCode, storyID); return err })
	return
}

func (m *MemoryStore) DeleteStoryVotes(roomCode, storyID string) (n int, err error) {
	err = m.view(func(tx *memTx) error { n, err = tx.DeleteStoryVotes(roomCode, storyID); return err })
	return
}

func (m *MemoryStore) DeleteParticipantVotes(roomCode string, ids []string) (n int, err error) {
	err = m.view(func(tx *memTx) error { n, err = tx.DeleteParticipantVotes(roomCode, ids); return err })
	return
}

func (m *MemoryStore) AppendActivity(a domain.Activity) error {
	return m.view(func(tx *memTx) error { return tx.AppendActivity(a) })
}

func (m *MemoryStore) ListActivity(roomCode string, limit int) (as []domain.Activity, err error) {
	err = m.view(func(tx *memTx) error { as, err = tx.ListActivity(roomCode, limit); return err })
	return
}

// memTx operates on locked state and journals an undo step per write.
type memTx struct {
	state *memState
	undo  []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// Atomic nests into the running transaction.
func (t *memTx) Atomic(ctx context.Context, fn func(Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mark := len(t.undo)
	if err := fn(t); err != nil {
		for i := len(t.undo) - 1; i >= mark; i-- {
			t.undo[i]()
		}
		t.undo = t.undo[:mark]
		return err
	}
	return nil
}

func (t *memTx) Ping(context.Context) error { return nil }
func (t *memTx) Close() error               { return nil }

func putJournaled[K comparable, V any](t *memTx, m map[K]V, key K, val V) {
	prev, existed := m[key]
	m[key] = val
	t.undo = append(t.undo, func() {
		if existed {
			m[key] = prev
		} else {
			delete(m, key)
		}
	})
}

func deleteJournaled[K comparable, V any](t *memTx, m map[K]V, key K) bool {
	prev, existed := m[key]
	if !existed {
		return false
	}
	delete(m, key)
	t.undo = append(t.undo, func() { m[key] = prev })
	return true
}

func (t *memTx) CreateRoom(r domain.Room) error {
	if _, exists := t.state.rooms[r.Code]; exists {
		return fmt.Errorf("%w: room %s", ErrConflict, r.Code)
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	putJournaled(t, t.state.rooms, r.Code, r)
	return nil
}

func (t *memTx) GetRoom(code string) (domain.Room, bool, error) {
	r, ok := t.state.rooms[code]
	return r, ok, nil
}

func (t *memTx) LockRoom(code string) (domain.Room, bool, error) {
	return t.GetRoom(code)
}

func (t *memTx) SaveRoom(r domain.Room) error {
	cur, ok := t.state.rooms[r.Code]
	if !ok {
		return nil
	}
	cur.SessionName = r.SessionName
	cur.CurrentStoryID = r.CurrentStoryID
	cur.UpdatedAt = r.UpdatedAt
	putJournaled(t, t.state.rooms, r.Code, cur)
	return nil
}

func (t *memTx) DeleteRoom(code string) error {
	for id, v := range t.state.votes {
		if v.RoomCode == code {
			deleteJournaled(t, t.state.votes, id)
		}
	}
	for id, p := range t.state.participants {
		if p.RoomCode == code {
			deleteJournaled(t, t.state.participants, id)
		}
	}
	for id, s := range t.state.stories {
		if s.RoomCode == code {
			deleteJournaled(t, t.state.stories, id)
		}
	}
	deleteJournaled(t, t.state.activity, code)
	deleteJournaled(t, t.state.rooms, code)
	return nil
}

func (t *memTx) SaveParticipant(p domain.Participant) error {
	for id, other := range t.state.participants {
		if id != p.ID && other.RoomCode == p.RoomCode && other.Username == p.Username {
			return fmt.Errorf("%w: username %q taken", ErrConflict, p.Username)
		}
	}
	if prev, ok := t.state.participants[p.ID]; ok {
		p.JoinedAt = prev.JoinedAt
	}
	putJournaled(t, t.state.participants, p.ID, p)
	return nil
}

func (t *memTx) GetParticipant(roomCode, id string) (domain.Participant, bool, error) {
	p, ok := t.state.participants[id]
	if !ok || p.RoomCode != roomCode {
		return domain.Participant{}, false, nil
	}
	return p, true, nil
}

func (t *memTx) GetParticipantByUsername(roomCode, username string) (domain.Participant, bool, error) {
	for _, p := range t.state.participants {
		if p.RoomCode == roomCode && p.Username == username {
			return p, true, nil
		}
	}
	return domain.Participant{}, false, nil
}

func (t *memTx) ListParticipants(roomCode string) ([]domain.Participant, error) {
	res := make([]domain.Participant, 0)
	for _, p := range t.state.participants {
		if p.RoomCode == roomCode {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].JoinedAt.Equal(res[j].JoinedAt) {
			return res[i].JoinedAt.Before(res[j].JoinedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (t *memTx) DeleteParticipants(roomCode string, ids []string) (int, error) {
	removed := 0
	for _, id := range ids {
		if p, ok := t.state.participants[id]; ok && p.RoomCode == roomCode {
			deleteJournaled(t, t.state.participants, id)
			removed++
		}
	}
	return removed, nil
}

func (t *memTx) SaveStory(s domain.Story) error {
	if prev, ok := t.state.stories[s.ID]; ok {
		s.CreatedAt = prev.CreatedAt
	} else if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	putJournaled(t, t.state.stories, s.ID, s)
	return nil
}

func (t *memTx) GetStory(roomCode, id string) (domain.Story, bool, error) {
	s, ok := t.state.stories[id]
	if !ok || s.RoomCode != roomCode {
		return domain.Story{}, false, nil
	}
	return s, true, nil
}

func (t *memTx) GetStoryByLabel(roomCode, label string) (domain.Story, bool, error) {
	stories, _ := t.ListStories(roomCode)
	for _, s := range stories {
		if s.Label == label {
			return s, true, nil
		}
	}
	return domain.Story{}, false, nil
}

func (t *memTx) ListStories(roomCode string) ([]domain.Story, error) {
	res := make([]domain.Story, 0)
	for _, s := range t.state.stories {
		if s.RoomCode == roomCode {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	domain.SortStories(res)
	return res, nil
}

func (t *memTx) CountStories(roomCode string) (int, error) {
	n := 0
	for _, s := range t.state.stories {
		if s.RoomCode == roomCode {
			n++
		}
	}
	return n, nil
}

func (t *memTx) UpsertVote(v domain.Vote) (domain.Vote, error) {
	for id, cur := range t.state.votes {
		if cur.ParticipantID == v.ParticipantID && cur.StoryID == v.StoryID {
			cur.Value = v.Value
			cur.Revealed = v.Revealed
			cur.UpdatedAt = v.UpdatedAt
			putJournaled(t, t.state.votes, id, cur)
			return cur, nil
		}
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = v.CreatedAt
	}
	putJournaled(t, t.state.votes, v.ID, v)
	return v, nil
}

func (t *memTx) ListVotes(roomCode string) ([]domain.Vote, error) {
	return t.filterVotes(func(v domain.Vote) bool { return v.RoomCode == roomCode }), nil
}

func (t *memTx) ListStoryVotes(roomCode, storyID string) ([]domain.Vote, error) {
	return t.filterVotes(func(v domain.Vote) bool { return v.RoomCode == roomCode && v.StoryID == storyID }), nil
}

func (t *memTx) filterVotes(keep func(domain.Vote) bool) []domain.Vote {
	res := make([]domain.Vote, 0)
	for _, v := range t.state.votes {
		if keep(v) {
			res = append(res, v)
		}
	}
	domain.SortVotes(res)
	return res
}

func (t *memTx) RevealVotes(roomCode, storyID string) (int, error) {
	votes, _ := t.ListStoryVotes(roomCode, storyID)
	now := time.Now().UTC()
	for _, v := range votes {
		v.Revealed = true
		v.UpdatedAt = now
		putJournaled(t, t.state.votes, v.ID, v)
	}
	return len(votes), nil
}

func (t *memTx) DeleteStoryVotes(roomCode, storyID string) (int, error) {
	votes, _ := t.ListStoryVotes(roomCode, storyID)
	for _, v := range votes {
		deleteJournaled(t, t.state.votes, v.ID)
	}
	return len(votes), nil
}

func (t *memTx) DeleteParticipantVotes(roomCode string, participantIDs []string) (int, error) {
	votes := t.filterVotes(func(v domain.Vote) bool {
		return v.RoomCode == roomCode && slices.Contains(participantIDs, v.ParticipantID)
	})
	for _, v := range votes {
		deleteJournaled(t, t.state.votes, v.ID)
	}
	return len(votes), nil
}

func (t *memTx) AppendActivity(a domain.Activity) error {
	if _, ok := t.state.rooms[a.RoomCode]; !ok {
		return fmt.Errorf("%w: %s", ErrNoRoom, a.RoomCode)
	}
	prev := t.state.activity[a.RoomCode]
	next := append(slices.Clone(prev), a)
	putJournaled(t, t.state.activity, a.RoomCode, next)
	return nil
}

func (t *memTx) ListActivity(roomCode string, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		return []domain.Activity{}, nil
	}
	all := t.state.activity[roomCode]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return slices.Clone(all), nil
}
