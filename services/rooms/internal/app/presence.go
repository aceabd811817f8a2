package app

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/YahyaQandel/planning-poker/pkg/domain"
	"github.com/YahyaQandel/planning-poker/pkg/store"
)

// Presence tracks who is in a room and whether they are connected.
// Disconnecting never deletes anything; only Evict does.
type Presence struct {
	clock
}

// Join registers username in the room or resumes the existing participant
// with that name. created reports whether a new participant was made.
func (p Presence) Join(tx store.Store, roomCode, username, token string) (participant domain.Participant, created bool, err error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return domain.Participant{}, false, fmt.Errorf("%w: username is required", ErrInvalidValue)
	}
	if utf8.RuneCountInString(username) > domain.MaxUsernameLen {
		return domain.Participant{}, false, fmt.Errorf("%w: username longer than %d characters", ErrInvalidValue, domain.MaxUsernameLen)
	}
	if len(token) > domain.MaxSessionTokenLen {
		return domain.Participant{}, false, fmt.Errorf("%w: session token too long", ErrInvalidValue)
	}

	now := p.stamp()
	existing, ok, err := tx.GetParticipantByUsername(roomCode, username)
	if err != nil {
		return domain.Participant{}, false, err
	}
	if ok {
		if token != "" {
			existing.SessionToken = token
		}
		existing.Connected = true
		existing.LastSeen = now
		if err := tx.SaveParticipant(existing); err != nil {
			return domain.Participant{}, false, err
		}
		return existing, false, nil
	}
	participant = domain.Participant{
		ID:           p.id(),
		RoomCode:     roomCode,
		Username:     username,
		SessionToken: token,
		Connected:    true,
		JoinedAt:     now,
		LastSeen:     now,
	}
	if err := tx.SaveParticipant(participant); err != nil {
		return domain.Participant{}, false, err
	}
	return participant, true, nil
}

// MarkConnected sets the connected flag of a participant found by id.
func (p Presence) MarkConnected(tx store.Store, roomCode, participantID string) (domain.Participant, error) {
	found, ok, err := tx.GetParticipant(roomCode, participantID)
	if err != nil {
		return domain.Participant{}, err
	}
	if !ok {
		return domain.Participant{}, fmt.Errorf("%w: participant %s", ErrNotFound, participantID)
	}
	return p.setConnected(tx, found, true)
}

// MarkConnectedByUsername is MarkConnected for clients that only know their name.
func (p Presence) MarkConnectedByUsername(tx store.Store, roomCode, username string) (domain.Participant, error) {
	found, ok, err := tx.GetParticipantByUsername(roomCode, strings.TrimSpace(username))
	if err != nil {
		return domain.Participant{}, err
	}
	if !ok {
		return domain.Participant{}, fmt.Errorf("%w: participant %q", ErrNotFound, username)
	}
	return p.setConnected(tx, found, true)
}

// MarkDisconnected clears the connected flag. The participant and their
// votes remain so a reconnect resumes them.
func (p Presence) MarkDisconnected(tx store.Store, roomCode, participantID string) (domain.Participant, error) {
	found, ok, err := tx.GetParticipant(roomCode, participantID)
	if err != nil {
		return domain.Participant{}, err
	}
	if !ok {
		return domain.Participant{}, fmt.Errorf("%w: participant %s", ErrNotFound, participantID)
	}
	return p.setConnected(tx, found, false)
}

// Evict deletes every disconnected participant and every vote they own.
func (p Presence) Evict(tx store.Store, roomCode string) (domain.EvictionReport, error) {
	report := domain.EvictionReport{Usernames: []string{}}
	participants, err := tx.ListParticipants(roomCode)
	if err != nil {
		return report, err
	}
	var ids []string
	for _, part := range participants {
		if part.Connected {
			continue
		}
		ids = append(ids, part.ID)
		report.Usernames = append(report.Usernames, part.Username)
	}
	if len(ids) == 0 {
		return report, nil
	}
	if report.VotesRemoved, err = tx.DeleteParticipantVotes(roomCode, ids); err != nil {
		return report, err
	}
	if report.ParticipantsRemoved, err = tx.DeleteParticipants(roomCode, ids); err != nil {
		return report, err
	}
	return report, nil
}

func (p Presence) setConnected(tx store.Store, part domain.Participant, connected bool) (domain.Participant, error) {
	part.Connected = connected
	part.LastSeen = p.stamp()
	if err := tx.SaveParticipant(part); err != nil {
		return domain.Participant{}, err
	}
	return part, nil
}
