package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/YahyaQandel/planning-poker/pkg/domain"
)

const defaultLinkExpiry = 24 * time.Hour

// Archived describes a stored snapshot.
type Archived struct {
	Key string `json:"key"`
	URL string `json:"url,omitempty"`
}

// Archive writes room snapshots to object storage as JSON documents
// keyed rooms/<code>/<timestamp>.json.
type Archive struct {
	objects    ObjectStore
	linkExpiry time.Duration
	now        func() time.Time
}

// NewArchive wraps objects. A zero linkExpiry uses one day.
func NewArchive(objects ObjectStore, linkExpiry time.Duration) *Archive {
	if linkExpiry <= 0 {
		linkExpiry = defaultLinkExpiry
	}
	return &Archive{objects: objects, linkExpiry: linkExpiry, now: time.Now}
}

// Save uploads snap and returns its key and a time-limited download link.
// A failure to presign is not fatal; the key is still returned.
func (a *Archive) Save(ctx context.Context, snap domain.RoomSnapshot) (Archived, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return Archived{}, fmt.Errorf("encode snapshot: %w", err)
	}
	key := fmt.Sprintf("rooms/%s/%s.json", snap.Code, a.now().UTC().Format("20060102T150405.000Z"))
	if err := a.objects.Put(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return Archived{}, err
	}
	out := Archived{Key: key}
	if url, err := a.objects.PresignGet(ctx, key, a.linkExpiry); err == nil {
		out.URL = url
	}
	return out, nil
}
