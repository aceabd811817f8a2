package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewID returns a URL-safe hex string ID.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewUUID returns a random RFC 4122 identifier used for records.
func NewUUID() string {
	return uuid.NewString()
}

// NewRoomCode returns a short human-shareable code of n characters from A-Z0-9.
func NewRoomCode(n int) string {
	if n <= 0 {
		n = 6
	}
	b := make([]byte, n)
	_, _ = rand.Read(b)
	var sb strings.Builder
	sb.Grow(n)
	for _, v := range b {
		sb.WriteByte(roomCodeAlphabet[int(v)%len(roomCodeAlphabet)])
	}
	return sb.String()
}

// NormalizeRoomCode upper-cases and trims a user supplied room code.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
