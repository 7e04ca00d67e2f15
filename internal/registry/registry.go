// Package registry maps presentation ids to resident rooms. Rooms hydrate
// lazily from the durable store on first join and are evicted again once
// empty and idle, so residency stays bounded by actual use.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sundersouls/SlideCollab/internal/ident"
	"github.com/sundersouls/SlideCollab/internal/model"
	"github.com/sundersouls/SlideCollab/internal/room"
)

// PresentationLoader is the hydration slice of the durable store.
type PresentationLoader interface {
	GetPresentation(ctx context.Context, id string) (*model.Presentation, error)
}

// Flusher is what eviction drains before dropping a room.
type Flusher interface {
	Flush()
}

// Config tunes residency.
type Config struct {
	// EvictAfter is how long an empty room stays resident.
	EvictAfter time.Duration

	// ResumeWindow is handed to new rooms for their resume tokens.
	ResumeWindow time.Duration

	// SweepInterval is how often the eviction loop runs. Zero means
	// EvictAfter / 2.
	SweepInterval time.Duration
}

// Registry is the process-wide room table.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room.Room

	store   PresentationLoader
	flusher Flusher
	config  Config
	logger  *zap.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(store PresentationLoader, flusher Flusher, config Config, logger *zap.Logger) *Registry {
	if config.SweepInterval <= 0 {
		config.SweepInterval = config.EvictAfter / 2
	}
	return &Registry{
		rooms:   make(map[string]*room.Room),
		store:   store,
		flusher: flusher,
		config:  config,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// GetOrHydrate returns the resident room for a presentation, loading it
// from the durable store if needed. Propagates apperr.ErrNotFound when the
// presentation exists nowhere.
func (reg *Registry) GetOrHydrate(ctx context.Context, presentationID string) (*room.Room, error) {
	reg.mu.RLock()
	r, ok := reg.rooms[presentationID]
	reg.mu.RUnlock()
	if ok {
		// Mark the room active before handing it out, or an eviction
		// sweep could drop it between here and the caller's join.
		r.Touch()
		return r, nil
	}

	p, err := reg.store.GetPresentation(ctx, presentationID)
	if err != nil {
		return nil, err
	}

	// A persisted presentation with no slide rows would break the
	// at-least-one-slide invariant on arrival; patch it in memory.
	if len(p.Slides) == 0 {
		reg.logger.Warn("hydrated presentation had no slides",
			zap.String("presentation_id", p.ID))
		p.Slides = []*model.Slide{{ID: ident.New(), Order: 0, Elements: []model.TextElement{}}}
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	// A concurrent join may have hydrated first; keep the winner.
	if existing, ok := reg.rooms[presentationID]; ok {
		existing.Touch()
		return existing, nil
	}
	r = room.New(p, reg.config.ResumeWindow)
	reg.rooms[presentationID] = r
	reg.logger.Info("room hydrated", zap.String("presentation_id", presentationID))
	return r, nil
}

// Lookup returns a resident room without hydrating.
func (reg *Registry) Lookup(presentationID string) (*room.Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[presentationID]
	return r, ok
}

// Register makes a freshly created presentation resident without a store
// round-trip. Used by the creation endpoint.
func (reg *Registry) Register(p *model.Presentation) *room.Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if existing, ok := reg.rooms[p.ID]; ok {
		return existing
	}
	r := room.New(p, reg.config.ResumeWindow)
	reg.rooms[p.ID] = r
	return r
}

// ActiveCounts returns live participant counts per resident presentation.
func (reg *Registry) ActiveCounts() map[string]int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	counts := make(map[string]int, len(reg.rooms))
	for id, r := range reg.rooms {
		counts[id] = r.ParticipantCount()
	}
	return counts
}

// RoomCount returns the number of resident rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// StartEviction launches the background sweep.
func (reg *Registry) StartEviction() {
	reg.wg.Add(1)
	go reg.run()
}

// Stop halts the sweep loop.
func (reg *Registry) Stop() {
	close(reg.stop)
	reg.wg.Wait()
}

func (reg *Registry) run() {
	defer reg.wg.Done()

	ticker := time.NewTicker(reg.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-reg.stop:
			return
		case <-ticker.C:
			reg.evictIdle()
		}
	}
}

func (reg *Registry) evictIdle() {
	now := time.Now()

	reg.mu.RLock()
	var candidates []string
	for id, r := range reg.rooms {
		if r.Evictable(now, reg.config.EvictAfter) {
			candidates = append(candidates, id)
		}
	}
	reg.mu.RUnlock()

	if len(candidates) == 0 {
		return
	}

	// Flush before dropping residency so pending snapshots land before
	// the next hydration reads them back. Empty rooms produce no new
	// writes, so nothing can slip in between.
	if reg.flusher != nil {
		reg.flusher.Flush()
	}

	reg.mu.Lock()
	for _, id := range candidates {
		r, ok := reg.rooms[id]
		// Re-check with a fresh clock: the flush took time, and a join
		// may have touched the room since the scan.
		if !ok || !r.Evictable(time.Now(), reg.config.EvictAfter) {
			continue
		}
		delete(reg.rooms, id)
		reg.logger.Info("room evicted", zap.String("presentation_id", id))
	}
	reg.mu.Unlock()
}
