package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/YahyaQandel/planning-poker/internal/ratelimit"
	"github.com/YahyaQandel/planning-poker/internal/util"
	"github.com/YahyaQandel/planning-poker/services/rooms/internal/app"
	"github.com/YahyaQandel/planning-poker/services/rooms/internal/hub"
)

const (
	serviceName  = "rooms"
	maxBodyBytes = 64 << 10
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Rooms          *app.Service
	Hub            *hub.Hub
	Redis          redis.UniversalClient
	CreateLimiter  ratelimit.Limiter
	ActionLimiter  ratelimit.Limiter
	AllowedOrigins []string
	TrustedProxies *util.TrustedProxies
	Exports        ExportQueue
}

// Server exposes the REST and websocket endpoints of the room service.
type Server struct {
	rooms         *app.Service
	hub           *hub.Hub
	redis         redis.UniversalClient
	createLimiter ratelimit.Limiter
	actionLimiter ratelimit.Limiter
	origins       util.Origins
	trusted       *util.TrustedProxies
	exports       ExportQueue
	upgrader      websocket.Upgrader
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Rooms == nil {
		return nil, errors.New("server: rooms service is required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("server: hub is required")
	}
	s := &Server{
		rooms:         cfg.Rooms,
		hub:           cfg.Hub,
		redis:         cfg.Redis,
		createLimiter: cfg.CreateLimiter,
		actionLimiter: cfg.ActionLimiter,
		origins:       util.Origins(cfg.AllowedOrigins),
		trusted:       cfg.TrustedProxies,
		exports:       cfg.Exports,
		mux:           http.NewServeMux(),
	}
	if s.createLimiter == nil {
		s.createLimiter = ratelimit.AllowAll{}
	}
	if s.actionLimiter == nil {
		s.actionLimiter = ratelimit.AllowAll{}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.origins.Allows(r.Header.Get("Origin"))
		},
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(serviceName, util.WithSecurityHeaders(util.WithCORS(s.origins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /api/rooms", s.handleCreateRoom)
	s.mux.HandleFunc("GET /api/rooms/{code}", s.handleGetRoom)
	s.mux.HandleFunc("DELETE /api/rooms/{code}", s.handleDeleteRoom)
	s.mux.HandleFunc("POST /api/rooms/{code}/join", s.handleJoin)
	s.mux.HandleFunc("POST /api/rooms/{code}/archive", s.handleArchive)
	s.mux.HandleFunc("GET /api/rooms/{code}/activity", s.handleActivity)
	s.mux.HandleFunc("POST /api/rooms/{code}/exports", s.handleCreateExport)
	s.mux.HandleFunc("GET /api/exports/{id}", s.handleGetExport)

	s.mux.HandleFunc("GET /ws/rooms/{code}", s.handleRoomSocket)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok", "database": "ok", "redis": "disabled"}
	if err := s.rooms.Ping(r.Context()); err != nil {
		util.LoggerFromContext(r.Context()).Warn("database health check failed", "err", err)
		status = http.StatusServiceUnavailable
		body["database"] = "error"
	}
	if s.redis != nil {
		body["redis"] = "ok"
		if err := s.redis.Ping(r.Context()).Err(); err != nil {
			util.LoggerFromContext(r.Context()).Warn("redis health check failed", "err", err)
			status = http.StatusServiceUnavailable
			body["redis"] = "error"
		}
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

type createRoomRequest struct {
	StoryID string `json:"story_id"`
	Title   string `json:"title"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.createLimiter, "create:"+util.ClientIP(r, s.trusted)) {
		return
	}
	var req createRoomRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	snap, err := s.rooms.CreateRoom(r.Context(), req.StoryID, req.Title)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	snap, err := s.rooms.Snapshot(r.Context(), r.PathValue("code"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	archived, err := s.rooms.DeleteRoom(r.Context(), r.PathValue("code"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if archived != nil {
		util.LoggerFromContext(r.Context()).Info("room archived before delete", "key", archived.Key)
	}
	w.WriteHeader(http.StatusNoContent)
}

type joinRequest struct {
	Username  string `json:"username"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.rooms.Join(r.Context(), r.PathValue("code"), req.Username, req.SessionID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"participant": res.Participant,
		"created":     res.Created,
		"room":        res.Room,
	})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	archived, err := s.rooms.ArchiveRoom(r.Context(), r.PathValue("code"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, archived)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := s.rooms.Activity(r.Context(), r.PathValue("code"), limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, key string) bool {
	if limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, app.ErrInvalidValue):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrArchiveDisabled):
		writeError(w, http.StatusServiceUnavailable, "archive not configured")
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request canceled")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
