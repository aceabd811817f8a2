package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/YahyaQandel/planning-poker/internal/ratelimit"
	"github.com/YahyaQandel/planning-poker/pkg/domain"
	"github.com/YahyaQandel/planning-poker/services/rooms/internal/protocol"
)

type frame struct {
	Type          string               `json:"type"`
	Code          string               `json:"code"`
	ParticipantID string               `json:"participant_id"`
	Rounded       *int                 `json:"rounded"`
	Story         domain.StorySnapshot `json:"story"`
	Room          domain.RoomSnapshot  `json:"room"`
}

func socketURL(ts *httptest.Server, code, participantID string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/rooms/" + code
	if participantID != "" {
		u += "?participant_id=" + participantID
	}
	return u
}

func dialRoom(t *testing.T, ts *httptest.Server, code, participantID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(socketURL(ts, code, participantID), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return f
}

func expect(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	f := read(t, conn)
	if f.Type != typ {
		t.Fatalf("expected %s, got %s (%+v)", typ, f.Type, f)
	}
	return f
}

func TestRoomSocketFlow(t *testing.T) {
	ts, _ := newTestServer(t)
	code := createRoom(t, ts, nil).Code
	aliceID := joinRoom(t, ts, code, "alice")
	bobID := joinRoom(t, ts, code, "bob")

	alice := dialRoom(t, ts, code, aliceID)
	if f := expect(t, alice, protocol.TypeRoomState); len(f.Room.Participants) != 2 {
		t.Fatalf("unexpected initial state %+v", f.Room)
	}
	bob := dialRoom(t, ts, code, bobID)
	expect(t, bob, protocol.TypeRoomState)

	send(t, alice, `{"type":"add_story","story_id":"PP-1","title":"Login"}`)
	for _, c := range []*websocket.Conn{alice, bob} {
		if f := expect(t, c, protocol.TypeStoryAdded); f.Story.Label != "PP-1" {
			t.Fatalf("unexpected story %+v", f.Story)
		}
	}

	send(t, alice, `{"type":"vote","value":"5"}`)
	for _, c := range []*websocket.Conn{alice, bob} {
		if f := expect(t, c, protocol.TypeVoteCast); f.ParticipantID != aliceID {
			t.Fatalf("unexpected voter %s", f.ParticipantID)
		}
	}
	send(t, bob, `{"type":"vote","value":8}`)
	expect(t, alice, protocol.TypeVoteCast)
	expect(t, bob, protocol.TypeVoteCast)

	send(t, alice, `{"type":"dance"}`)
	send(t, alice, `not json`)
	if f := expect(t, alice, protocol.TypeError); f.Code != protocol.CodeMalformedMessage {
		t.Fatalf("unexpected error code %s", f.Code)
	}

	send(t, bob, `{"type":"reveal"}`)
	for _, c := range []*websocket.Conn{alice, bob} {
		f := expect(t, c, protocol.TypeVotesRevealed)
		if f.Rounded == nil || *f.Rounded != 8 {
			t.Fatalf("expected estimate 8, got %v", f.Rounded)
		}
	}

	send(t, alice, `{"type":"add_story","story_id":"PP-1"}`)
	expect(t, alice, protocol.TypeStoryExists)

	send(t, bob, `{"type":"vote","value":"42"}`)
	if f := expect(t, bob, protocol.TypeError); f.Code != protocol.CodeInvalidValue {
		t.Fatalf("unexpected error code %s", f.Code)
	}

	_ = alice.Close()
	f := expect(t, bob, protocol.TypeUserLeft)
	if f.ParticipantID != aliceID || f.Room.ParticipantsCount != 1 {
		t.Fatalf("unexpected user_left %+v", f)
	}
}

func TestRoomSocketClosedOnDelete(t *testing.T) {
	ts, _ := newTestServer(t)
	code := createRoom(t, ts, nil).Code
	conn := dialRoom(t, ts, code, joinRoom(t, ts, code, "alice"))
	expect(t, conn, protocol.TypeRoomState)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/rooms/"+code, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	if f := expect(t, conn, protocol.TypeRoomDeleted); f.Code != code {
		t.Fatalf("unexpected room_deleted %+v", f)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestRoomSocketUnknownRoom(t *testing.T) {
	ts, _ := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(socketURL(ts, "NOPE00", ""), nil)
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %+v", resp)
	}
}

func TestRoomSocketRejectsForeignOrigin(t *testing.T) {
	ts, _ := newTestServer(t, func(c *Config) { c.AllowedOrigins = []string{"http://poker.example"} })
	code := createRoom(t, ts, nil).Code

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(socketURL(ts, code, ""), header)
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}

	header.Set("Origin", "http://poker.example")
	conn, _, err := websocket.DefaultDialer.Dial(socketURL(ts, code, ""), header)
	if err != nil {
		t.Fatalf("allowed origin dial: %v", err)
	}
	defer conn.Close()
	expect(t, conn, protocol.TypeRoomState)
}

func TestRoomSocketRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewFixedWindowLimiter(client, "test:action", 1, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	ts, _ := newTestServer(t, func(c *Config) { c.ActionLimiter = limiter })
	code := createRoom(t, ts, nil).Code
	conn := dialRoom(t, ts, code, "")
	expect(t, conn, protocol.TypeRoomState)

	send(t, conn, `{"type":"add_story"}`)
	expect(t, conn, protocol.TypeStoryAdded)
	send(t, conn, `{"type":"add_story"}`)
	if f := expect(t, conn, protocol.TypeError); f.Code != protocol.CodeRateLimited {
		t.Fatalf("unexpected error code %s", f.Code)
	}
}
