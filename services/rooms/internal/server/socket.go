package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/YahyaQandel/planning-poker/internal/util"
	"github.com/YahyaQandel/planning-poker/pkg/domain"
	"github.com/YahyaQandel/planning-poker/services/rooms/internal/app"
	"github.com/YahyaQandel/planning-poker/services/rooms/internal/hub"
	"github.com/YahyaQandel/planning-poker/services/rooms/internal/protocol"
)

const leaveTimeout = 5 * time.Second

// handleRoomSocket subscribes a websocket to a room. The first message is a
// private room_state; inbound frames are applied as room actions. When the
// connection ends the bound participant is marked disconnected.
func (s *Server) handleRoomSocket(w http.ResponseWriter, r *http.Request) {
	code := util.NormalizeRoomCode(r.PathValue("code"))
	if _, err := s.rooms.Snapshot(r.Context(), code); err != nil {
		writeAppError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("websocket upgrade failed", "room", code, "err", err)
		return
	}

	ctx := r.Context()
	participantID := strings.TrimSpace(r.URL.Query().Get("participant_id"))
	logger := util.LoggerFromContext(ctx).With("room", code, "participant_id", participantID)
	client := hub.NewClient(conn, code, participantID)
	limitKey := "action:" + code + ":" + participantID
	if participantID == "" {
		limitKey += util.ClientIP(r, s.trusted)
	}

	_, release, err := s.rooms.Connect(ctx, code, func(snap domain.RoomSnapshot) error {
		payload, err := protocol.Encode(protocol.RoomState{Room: snap})
		if err != nil {
			return err
		}
		return s.hub.Subscribe(ctx, client, payload)
	})
	if err != nil {
		logger.Warn("websocket attach failed", "err", err)
		payload, encErr := protocol.Encode(app.ErrorEvent(err))
		if encErr == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteMessage(websocket.TextMessage, payload)
		}
		_ = conn.Close()
		return
	}
	defer release()
	logger.Info("websocket connected")

	go client.WritePump()
	readErr := client.ReadPump(ctx, func(ctx context.Context, frame []byte) {
		s.handleFrame(ctx, client, frame, limitKey, logger)
	})
	if hub.IsUnexpectedClose(readErr) {
		logger.Warn("websocket closed unexpectedly", "err", readErr)
	}
	s.hub.Unsubscribe(client)

	if participantID != "" {
		leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
		defer cancel()
		_, err := s.rooms.Apply(leaveCtx, code, app.Actor{ParticipantID: participantID}, protocol.UserLeft{ParticipantID: participantID})
		if err != nil && !errors.Is(err, app.ErrNotFound) {
			logger.Warn("mark disconnected failed", "err", err)
		}
	}
	logger.Info("websocket disconnected")
}

func (s *Server) handleFrame(ctx context.Context, c *hub.Client, frame []byte, limitKey string, logger *slog.Logger) {
	msg, err := protocol.DecodeInbound(frame)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownMessageType) {
			logger.Info("ignoring unknown message", "err", err)
			return
		}
		logger.Warn("dropping malformed message", "err", err)
		s.reply(ctx, c, protocol.Error{Code: protocol.CodeMalformedMessage, Message: err.Error()})
		return
	}

	if !s.actionLimiter.Allow(ctx, limitKey) {
		s.reply(ctx, c, protocol.Error{Code: protocol.CodeRateLimited, Message: "too many actions"})
		return
	}

	res, err := s.rooms.Apply(ctx, c.Room(), app.Actor{ParticipantID: c.ParticipantID()}, msg)
	if err != nil {
		logger.Debug("room action rejected", "type", msg.Type(), "err", err)
	}
	if res.Private != nil {
		s.reply(ctx, c, res.Private)
	}
}

func (s *Server) reply(ctx context.Context, c *hub.Client, msg protocol.Outbound) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		util.LoggerFromContext(ctx).Error("encode reply failed", "type", msg.Type(), "err", err)
		return
	}
	_ = s.hub.Direct(ctx, c, payload)
}
