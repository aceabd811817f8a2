package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/YahyaQandel/planning-poker/pkg/domain"
	"github.com/YahyaQandel/planning-poker/pkg/queue"
	"github.com/YahyaQandel/planning-poker/pkg/storage"
	"github.com/YahyaQandel/planning-poker/pkg/store"
	"github.com/YahyaQandel/planning-poker/services/rooms/internal/app"
	"github.com/YahyaQandel/planning-poker/services/rooms/internal/hub"
)

type memoryArchive struct {
	mu    sync.Mutex
	saved []domain.RoomSnapshot
}

func (a *memoryArchive) Save(_ context.Context, snap domain.RoomSnapshot) (storage.Archived, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, snap)
	return storage.Archived{Key: "rooms/" + snap.Code + "/export.json"}, nil
}

func TestExportsDisabledWithoutQueue(t *testing.T) {
	ts, _ := newTestServer(t)
	code := createRoom(t, ts, nil).Code

	resp := postJSON(t, ts.URL+"/api/rooms/"+code+"/exports", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	resp, err := http.Get(ts.URL + "/api/exports/abc")
	if err != nil {
		t.Fatalf("get export: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestExportRoomInBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.New(nil)
	go func() { _ = h.Run(ctx) }()
	archive := &memoryArchive{}
	svc := app.NewService(app.Options{
		Store:       store.NewMemoryStore(),
		Broadcaster: h,
		Subscribers: h.Subscribers,
		Archive:     archive,
		Namer:       app.NewStoryNamer(5, 6),
	})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	exports, err := queue.NewArchiveQueue(client, queue.Config{Stream: "test:exports", Block: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	go func() {
		_ = exports.Run(ctx, 1, func(ctx context.Context, job queue.Job) (string, error) {
			archived, err := svc.ArchiveRoom(ctx, job.RoomCode)
			return archived.Key, err
		})
	}()

	srv, err := New(Config{Rooms: svc, Hub: h, Exports: exports})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	code := createRoom(t, ts, map[string]string{"story_id": "PP-1"}).Code

	resp := postJSON(t, ts.URL+"/api/rooms/NOPE00/exports", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown room export expected 404, got %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/rooms/"+code+"/exports", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var job queue.Job
	decodeBody(t, resp, &job)
	if job.ID == "" || job.RoomCode != code || job.Status != queue.StatusQueued {
		t.Fatalf("unexpected job: %+v", job)
	}

	deadline := time.Now().Add(3 * time.Second)
	for job.Status != queue.StatusDone {
		if time.Now().After(deadline) {
			t.Fatalf("export never finished, last state %+v", job)
		}
		time.Sleep(10 * time.Millisecond)
		resp, err := http.Get(ts.URL + "/api/exports/" + job.ID)
		if err != nil {
			t.Fatalf("get export: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		decodeBody(t, resp, &job)
	}
	if job.ArchiveKey != "rooms/"+code+"/export.json" {
		t.Fatalf("archive key = %q", job.ArchiveKey)
	}

	archive.mu.Lock()
	saved := len(archive.saved)
	archive.mu.Unlock()
	if saved != 1 {
		t.Fatalf("expected one archived snapshot, got %d", saved)
	}
	if _, err := svc.Snapshot(ctx, code); err != nil {
		t.Fatalf("export must keep the room: %v", err)
	}

	resp, err = http.Get(ts.URL + "/api/exports/missing")
	if err != nil {
		t.Fatalf("get export: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
