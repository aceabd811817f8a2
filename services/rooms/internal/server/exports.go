package server

import (
	"context"
	"net/http"

	"github.com/YahyaQandel/planning-poker/pkg/queue"
	"github.com/YahyaQandel/planning-poker/services/rooms/internal/app"
)

// ExportQueue schedules background room archives; queue.ArchiveQueue implements it.
type ExportQueue interface {
	Enqueue(ctx context.Context, roomCode string) (queue.Job, error)
	Job(ctx context.Context, jobID string) (queue.Job, bool, error)
}

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	if s.exports == nil || !s.rooms.ArchiveEnabled() {
		writeAppError(w, r, app.ErrArchiveDisabled)
		return
	}
	snap, err := s.rooms.Snapshot(r.Context(), r.PathValue("code"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	job, err := s.exports.Enqueue(r.Context(), snap.Code)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/exports/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	if s.exports == nil {
		writeAppError(w, r, app.ErrArchiveDisabled)
		return
	}
	job, ok, err := s.exports.Job(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "export not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}
