package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/YahyaQandel/planning-poker/pkg/domain"
	"github.com/YahyaQandel/planning-poker/pkg/store"
	"github.com/YahyaQandel/planning-poker/services/rooms/internal/protocol"
)

func TestBroadcastsFollowApplyOrder(t *testing.T) {
	env := newTestEnv(t)
	code := env.room(t)
	env.addStory(t, code, "PP-1", "")
	const voters = 12
	ids := make([]string, voters)
	for i := range ids {
		ids[i] = env.join(t, code, string(rune('a'+i))+"-dev")
	}
	start := env.out.count()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := env.svc.Apply(context.Background(), code, Actor{ParticipantID: id}, protocol.Vote{Value: "5"}); err != nil {
				t.Errorf("vote: %v", err)
			}
		}(id)
	}
	wg.Wait()

	got := env.out.decoded(t)[start:]
	if len(got) != voters {
		t.Fatalf("expected %d broadcasts, got %d", voters, len(got))
	}
	for i, env := range got {
		if env.Type != protocol.TypeVoteCast {
			t.Fatalf("broadcast %d: unexpected type %s", i, env.Type)
		}
		if n := env.Room.CurrentStoryData.VotesCount; n != i+1 {
			t.Fatalf("broadcast %d carries %d votes, snapshots out of order", i, n)
		}
	}
}

func TestCoordinatorNotifiesObservers(t *testing.T) {
	env := newTestEnv(t)
	code := env.room(t)
	alice := env.join(t, code, "alice")
	story := env.addStory(t, code, "PP-1", "")
	env.apply(t, code, alice, protocol.Vote{Value: "3"})
	env.apply(t, code, "", protocol.Reveal{})
	_, _ = env.svc.Apply(context.Background(), code, Actor{}, protocol.Vote{Value: "bogus"})

	want := []string{"create_room", "join", "add_story", "vote", "reveal"}
	got := env.observed.actions()
	if len(got) != len(want) {
		t.Fatalf("expected actions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected actions %v, got %v", want, got)
		}
	}
	env.observed.mu.Lock()
	reveal := env.observed.records[4]
	env.observed.mu.Unlock()
	if reveal.Room != code || reveal.StoryID != story.ID || reveal.Detail["estimate"] != 3 {
		t.Fatalf("unexpected reveal record %+v", reveal)
	}
	if reveal.At.IsZero() || reveal.Duration <= 0 {
		t.Fatalf("expected timing on record %+v", reveal)
	}
}

func TestActivityObserverKeepsTrail(t *testing.T) {
	st := store.NewMemoryStore()
	env := newTestEnv(t, func(o *Options) {
		o.Store = st
		o.Observer = Observers{LogObserver{}, ActivityObserver{Store: st}}
	})
	code := env.room(t)
	env.join(t, code, "alice")
	env.addStory(t, code, "PP-1", "")

	trail, err := env.svc.Activity(context.Background(), code, 10)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if len(trail) != 3 || trail[0].Action != "create_room" || trail[2].Action != "add_story" {
		t.Fatalf("unexpected trail %+v", trail)
	}
	if trail[2].Detail["label"] != "PP-1" {
		t.Fatalf("unexpected detail %+v", trail[2].Detail)
	}
	if _, err := env.svc.Activity(context.Background(), "NOPE00", 10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAttachRunsBeforeLaterActions(t *testing.T) {
	env := newTestEnv(t)
	code := env.room(t)
	env.addStory(t, code, "PP-1", "")

	var attached domain.RoomSnapshot
	coord, release, err := env.svc.Connect(context.Background(), code, func(s domain.RoomSnapshot) error {
		attached = s
		return nil
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer release()
	if coord.Code() != code || attached.Code != code || len(attached.Stories) != 1 {
		t.Fatalf("unexpected attach %+v", attached)
	}

	if _, _, err := env.svc.Connect(context.Background(), "NOPE00", func(domain.RoomSnapshot) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	boom := errors.New("boom")
	if _, _, err := env.svc.Connect(context.Background(), code, func(domain.RoomSnapshot) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected attach error, got %v", err)
	}
}

func TestErrorEvent(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{ErrNotFound, protocol.CodeNotFound},
		{ErrInvalidValue, protocol.CodeInvalidValue},
		{protocol.ErrMalformedMessage, protocol.CodeMalformedMessage},
		{errors.New("db down"), protocol.CodeInternal},
	}
	for _, tc := range cases {
		if got := ErrorEvent(tc.err); got.Code != tc.code {
			t.Fatalf("%v: expected %s, got %s", tc.err, tc.code, got.Code)
		}
	}
	if got := ErrorEvent(errors.New("secret dsn")); got.Message == "secret dsn" {
		t.Fatalf("internal error leaked detail")
	}
}

// instance is one Service process with its own broadcast stream.
type instance struct {
	name string
	svc  *Service
	out  *broadcastRecorder
}

func newInstance(st store.Store, name string) instance {
	out := &broadcastRecorder{}
	clk := &stepClock{cur: time.Date(2024, 3, 7, 9, 0, 0, 0, time.UTC)}
	svc := NewService(Options{
		Store:       st,
		Broadcaster: out,
		Namer:       NewStoryNamer(1, 2),
		Now:         clk.Now,
		NewID:       sequentialIDs(name),
		NewCode:     sequentialIDs("ROOM"),
	})
	return instance{name: name, svc: svc, out: out}
}

func TestInstancesSharingStoreSerializeRoomActions(t *testing.T) {
	opens := map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store { return store.NewMemoryStore() },
		"sqlite": func(t *testing.T) store.Store {
			st, err := store.NewGormStore(store.DriverSQLite, "file:shared_instances?mode=memory&cache=shared")
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			return st
		},
	}
	for name, open := range opens {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			t.Cleanup(func() { _ = st.Close() })
			a, b := newInstance(st, "a"), newInstance(st, "b")
			snap, err := a.svc.CreateRoom(context.Background(), "", "")
			if err != nil {
				t.Fatalf("create room: %v", err)
			}
			code := snap.Code

			const perInstance = 6
			var wg sync.WaitGroup
			for _, inst := range []instance{a, b} {
				for i := 0; i < perInstance; i++ {
					wg.Add(1)
					go func(inst instance, i int) {
						defer wg.Done()
						label := fmt.Sprintf("%s-%d", inst.name, i)
						if _, err := inst.svc.Apply(context.Background(), code, Actor{}, protocol.AddStory{StoryID: label}); err != nil {
							t.Errorf("add story %s: %v", label, err)
						}
					}(inst, i)
				}
			}
			wg.Wait()

			const total = 2 * perInstance
			seen := make(map[int]bool)
			for _, inst := range []instance{a, b} {
				for _, env := range inst.out.decoded(t) {
					if env.Type != protocol.TypeStoryAdded {
						continue
					}
					n := len(env.Room.Stories)
					if n < 1 || n > total || seen[n] {
						t.Fatalf("story_added snapshot with %d stories repeats or is out of range", n)
					}
					seen[n] = true
				}
			}
			if len(seen) != total {
				t.Fatalf("expected %d story_added broadcasts, got %d", total, len(seen))
			}

			final, err := a.svc.Snapshot(context.Background(), code)
			if err != nil {
				t.Fatalf("snapshot: %v", err)
			}
			if len(final.Stories) != total {
				t.Fatalf("expected %d stories, got %d", total, len(final.Stories))
			}
			orders := make(map[int]bool)
			var last domain.StorySnapshot
			for _, story := range final.Stories {
				if story.Order < 0 || story.Order >= total || orders[story.Order] {
					t.Fatalf("story order %d repeats or is out of range", story.Order)
				}
				orders[story.Order] = true
				if story.Order == total-1 {
					last = story
				}
			}
			if final.CurrentStory == nil || *final.CurrentStory != last.ID {
				t.Fatalf("current story %v is not the last added %s", final.CurrentStory, last.ID)
			}
		})
	}
}

// commitFailStore rolls back the next transaction after fn succeeded, like
// a commit that the database rejected.
type commitFailStore struct {
	*store.MemoryStore
	armed atomic.Bool
}

var errCommit = errors.New("commit failed")

func (c *commitFailStore) Atomic(ctx context.Context, fn func(store.Store) error) error {
	return c.MemoryStore.Atomic(ctx, func(tx store.Store) error {
		if err := fn(tx); err != nil {
			return err
		}
		if c.armed.CompareAndSwap(true, false) {
			return errCommit
		}
		return nil
	})
}

func TestFailedCommitResyncsSubscribers(t *testing.T) {
	st := &commitFailStore{MemoryStore: store.NewMemoryStore()}
	env := newTestEnv(t, func(o *Options) { o.Store = st })
	code := env.room(t)
	alice := env.join(t, code, "alice")
	env.addStory(t, code, "PP-1", "")
	before := env.out.count()

	st.armed.Store(true)
	res, err := env.svc.Apply(context.Background(), code, Actor{ParticipantID: alice}, protocol.Vote{Value: "3"})
	if !errors.Is(err, errCommit) {
		t.Fatalf("expected commit failure, got %v", err)
	}
	if e, ok := res.Private.(protocol.Error); !ok || e.Code != protocol.CodeInternal {
		t.Fatalf("expected internal error event, got %#v", res.Private)
	}

	got := env.out.decoded(t)[before:]
	if len(got) != 2 || got[0].Type != protocol.TypeVoteCast || got[1].Type != protocol.TypeRoomState {
		t.Fatalf("expected vote_cast then room_state, got %+v", got)
	}
	if n := got[1].Room.CurrentStoryData.VotesCount; n != 0 {
		t.Fatalf("resync snapshot carries %d votes, want the committed 0", n)
	}
}
