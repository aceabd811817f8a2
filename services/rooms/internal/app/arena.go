package app

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Arena indexes live coordinators by room code. Coordinators are created on
// first lease and reaped once they have no leases, no subscribers and have
// been idle for the configured TTL.
type Arena struct {
	mu          sync.Mutex
	rooms       map[string]*arenaSlot
	create      func(code string) *Coordinator
	subscribers func(code string) int
	idleTTL     time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

type arenaSlot struct {
	coord    *Coordinator
	leases   int
	lastUsed time.Time
}

// NewArena builds an arena. subscribers may be nil when no transport
// tracks connections.
func NewArena(create func(code string) *Coordinator, subscribers func(code string) int, idleTTL time.Duration, logger *slog.Logger) *Arena {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arena{
		rooms:       make(map[string]*arenaSlot),
		create:      create,
		subscribers: subscribers,
		idleTTL:     idleTTL,
		now:         time.Now,
		logger:      logger,
	}
}

// Lease returns the coordinator for code. The caller must call release when
// done; release is safe to call more than once.
func (a *Arena) Lease(code string) (*Coordinator, func()) {
	a.mu.Lock()
	slot, ok := a.rooms[code]
	if !ok {
		slot = &arenaSlot{coord: a.create(code)}
		a.rooms[code] = slot
	}
	slot.leases++
	slot.lastUsed = a.now()
	a.mu.Unlock()

	var once sync.Once
	return slot.coord, func() {
		once.Do(func() {
			a.mu.Lock()
			slot.leases--
			slot.lastUsed = a.now()
			a.mu.Unlock()
		})
	}
}

// Forget drops the coordinator for code if nothing holds it.
func (a *Arena) Forget(code string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if slot, ok := a.rooms[code]; ok && slot.leases == 0 {
		delete(a.rooms, code)
	}
}

// Len is the number of live coordinators.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rooms)
}

// Reap removes idle coordinators and returns their room codes.
func (a *Arena) Reap() []string {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	var reaped []string
	for code, slot := range a.rooms {
		if slot.leases > 0 || now.Sub(slot.lastUsed) < a.idleTTL {
			continue
		}
		if a.subscribers != nil && a.subscribers(code) > 0 {
			continue
		}
		delete(a.rooms, code)
		reaped = append(reaped, code)
	}
	return reaped
}

// Run reaps on every tick until ctx is done.
func (a *Arena) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if reaped := a.Reap(); len(reaped) > 0 {
				a.logger.Debug("reaped idle rooms", "count", len(reaped), "rooms", reaped)
			}
		}
	}
}
