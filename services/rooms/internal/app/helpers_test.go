package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/YahyaQandel/planning-poker/pkg/domain"
	"github.com/YahyaQandel/planning-poker/pkg/store"
	"github.com/YahyaQandel/planning-poker/services/rooms/internal/protocol"
)

type broadcastRecorder struct {
	mu       sync.Mutex
	payloads [][]byte
	closed   []string
}

func (r *broadcastRecorder) Broadcast(_ context.Context, _ string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, append([]byte(nil), payload...))
	return nil
}

// CloseRoom records the final payload like a broadcast and remembers the room.
func (r *broadcastRecorder) CloseRoom(ctx context.Context, room string, payload []byte) error {
	_ = r.Broadcast(ctx, room, payload)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, room)
	return nil
}

func (r *broadcastRecorder) closedRooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closed...)
}

func (r *broadcastRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

type envelope struct {
	Type string              `json:"type"`
	Room domain.RoomSnapshot `json:"room"`
}

func (r *broadcastRecorder) decoded(t *testing.T) []envelope {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]envelope, 0, len(r.payloads))
	for _, p := range r.payloads {
		var env envelope
		if err := json.Unmarshal(p, &env); err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		out = append(out, env)
	}
	return out
}

type recordCollector struct {
	mu      sync.Mutex
	records []ActionRecord
}

func (c *recordCollector) ActionApplied(_ context.Context, rec ActionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *recordCollector) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r.Action)
	}
	return out
}

// stepClock advances one millisecond per reading.
type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Millisecond)
	return c.cur
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

type testEnv struct {
	svc      *Service
	store    *store.MemoryStore
	out      *broadcastRecorder
	observed *recordCollector
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	env := &testEnv{store: st, out: &broadcastRecorder{}, observed: &recordCollector{}}
	clk := &stepClock{cur: time.Date(2024, 3, 7, 9, 0, 0, 0, time.UTC)}
	opts := Options{
		Store:       st,
		Broadcaster: env.out,
		Observer:    env.observed,
		Namer:       NewStoryNamer(1, 2),
		Now:         clk.Now,
		NewID:       sequentialIDs("id"),
		NewCode:     sequentialIDs("ROOM"),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	env.svc = NewService(opts)
	return env
}

func (e *testEnv) room(t *testing.T) string {
	t.Helper()
	snap, err := e.svc.CreateRoom(context.Background(), "", "")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return snap.Code
}

func (e *testEnv) join(t *testing.T, code, username string) string {
	t.Helper()
	res, err := e.svc.Join(context.Background(), code, username, "")
	if err != nil {
		t.Fatalf("join %s: %v", username, err)
	}
	return res.Participant.ID
}

func (e *testEnv) apply(t *testing.T, code, actor string, msg protocol.Inbound) Result {
	t.Helper()
	res, err := e.svc.Apply(context.Background(), code, Actor{ParticipantID: actor}, msg)
	if err != nil {
		t.Fatalf("apply %s: %v", msg.Type(), err)
	}
	return res
}

func (e *testEnv) addStory(t *testing.T, code, label, title string) domain.StorySnapshot {
	t.Helper()
	res := e.apply(t, code, "", protocol.AddStory{StoryID: label, Title: title})
	added, ok := res.Broadcast.(protocol.StoryAdded)
	if !ok {
		t.Fatalf("expected story_added, got %#v", res)
	}
	return added.Story
}

func (e *testEnv) snapshot(t *testing.T, code string) domain.RoomSnapshot {
	t.Helper()
	snap, err := e.svc.Snapshot(context.Background(), code)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func (e *testEnv) storyVotes(t *testing.T, code, storyID string) []domain.Vote {
	t.Helper()
	votes, err := e.store.ListStoryVotes(code, storyID)
	if err != nil {
		t.Fatalf("list votes: %v", err)
	}
	return votes
}
