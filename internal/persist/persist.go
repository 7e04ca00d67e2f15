// Package persist mirrors committed in-memory mutations to the durable
// store without ever blocking the live session. Writes ride a buffered
// queue into a single worker; element snapshots coalesce per slide on a
// debounce interval so rapid editing does not amplify into a write storm.
// Failures are retried a bounded number of times, logged, and then dropped:
// in-memory state stays the source of truth either way.
package persist

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sundersouls/SlideCollab/internal/model"
)

// SlideStore is the slice of the durable store the synchronizer writes to.
type SlideStore interface {
	CreateSlide(ctx context.Context, presentationID string, slide *model.Slide) error
	DeleteSlide(ctx context.Context, slideID string) error
	WriteSlideElements(ctx context.Context, slideID string, elements []model.TextElement) error
}

// Config tunes the synchronizer's queue and retry policy.
type Config struct {
	Debounce   time.Duration
	MaxRetries int
	QueueSize  int
}

func DefaultConfig() Config {
	return Config{
		Debounce:   250 * time.Millisecond,
		MaxRetries: 3,
		QueueSize:  1024,
	}
}

type taskKind int

const (
	taskCreateSlide taskKind = iota
	taskDeleteSlide
	taskSnapshot
	taskFlush
)

type task struct {
	kind           taskKind
	presentationID string
	slideID        string
	slide          *model.Slide
	elements       []model.TextElement
	done           chan struct{}
}

// Synchronizer is the asynchronous mirror between rooms and the store.
type Synchronizer struct {
	store  SlideStore
	config Config
	logger *zap.Logger

	tasks chan task
	stop  chan struct{}
	wg    sync.WaitGroup
}

func New(store SlideStore, config Config, logger *zap.Logger) *Synchronizer {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultConfig().MaxRetries
	}
	return &Synchronizer{
		store:  store,
		config: config,
		logger: logger,
		tasks:  make(chan task, config.QueueSize),
		stop:   make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (s *Synchronizer) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop flushes pending snapshots and shuts the worker down.
func (s *Synchronizer) Stop() {
	s.Flush()
	close(s.stop)
	s.wg.Wait()
}

// EnqueueCreateSlide records a new slide row. Fire-and-forget.
func (s *Synchronizer) EnqueueCreateSlide(presentationID string, slide *model.Slide) {
	s.enqueue(task{kind: taskCreateSlide, presentationID: presentationID, slide: slide})
}

// EnqueueDeleteSlide records a slide deletion and discards any pending
// snapshot for the same slide.
func (s *Synchronizer) EnqueueDeleteSlide(slideID string) {
	s.enqueue(task{kind: taskDeleteSlide, slideID: slideID})
}

// EnqueueSnapshot replaces the pending element snapshot for a slide. Only
// the latest snapshot per slide reaches the store on each debounce tick.
func (s *Synchronizer) EnqueueSnapshot(slideID string, elements []model.TextElement) {
	s.enqueue(task{kind: taskSnapshot, slideID: slideID, elements: elements})
}

// Flush forces all pending snapshots out and waits for the worker to
// confirm. Used on shutdown and before room eviction.
func (s *Synchronizer) Flush() {
	done := make(chan struct{})
	select {
	case s.tasks <- task{kind: taskFlush, done: done}:
		<-done
	case <-s.stop:
	}
}

func (s *Synchronizer) enqueue(t task) {
	select {
	case s.tasks <- t:
	default:
		// Queue pressure means the store is badly behind. Dropping is
		// deliberate: the live session must not stall on persistence.
		s.logger.Warn("persistence queue full, dropping write",
			zap.String("slide_id", t.slideID))
	}
}

func (s *Synchronizer) run() {
	defer s.wg.Done()

	pending := make(map[string][]model.TextElement)

	ticker := time.NewTicker(s.config.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			s.flushPending(pending)
			return
		case <-ticker.C:
			s.flushPending(pending)
		case t := <-s.tasks:
			switch t.kind {
			case taskCreateSlide:
				s.withRetry("create slide", t.slide.ID, func(ctx context.Context) error {
					return s.store.CreateSlide(ctx, t.presentationID, t.slide)
				})
			case taskDeleteSlide:
				delete(pending, t.slideID)
				s.withRetry("delete slide", t.slideID, func(ctx context.Context) error {
					return s.store.DeleteSlide(ctx, t.slideID)
				})
			case taskSnapshot:
				pending[t.slideID] = t.elements
			case taskFlush:
				acks := s.drainSnapshots(pending)
				s.flushPending(pending)
				close(t.done)
				for _, done := range acks {
					close(done)
				}
			}
		}
	}
}

// drainSnapshots folds any queued-but-unread snapshot tasks into pending so
// a flush covers everything enqueued before it. Nested flush requests are
// returned unacknowledged; their callers are waiting on durability, so the
// acks must not fire before flushPending runs.
func (s *Synchronizer) drainSnapshots(pending map[string][]model.TextElement) []chan struct{} {
	var acks []chan struct{}
	for {
		select {
		case t := <-s.tasks:
			switch t.kind {
			case taskCreateSlide:
				s.withRetry("create slide", t.slide.ID, func(ctx context.Context) error {
					return s.store.CreateSlide(ctx, t.presentationID, t.slide)
				})
			case taskDeleteSlide:
				delete(pending, t.slideID)
				s.withRetry("delete slide", t.slideID, func(ctx context.Context) error {
					return s.store.DeleteSlide(ctx, t.slideID)
				})
			case taskSnapshot:
				pending[t.slideID] = t.elements
			case taskFlush:
				acks = append(acks, t.done)
			}
		default:
			return acks
		}
	}
}

func (s *Synchronizer) flushPending(pending map[string][]model.TextElement) {
	for slideID, elements := range pending {
		id, els := slideID, elements
		s.withRetry("write slide elements", id, func(ctx context.Context) error {
			return s.store.WriteSlideElements(ctx, id, els)
		})
		delete(pending, slideID)
	}
}

// withRetry runs a durable write with bounded retries and backoff. Exhausted
// retries are logged and swallowed.
func (s *Synchronizer) withRetry(op, slideID string, fn func(ctx context.Context) error) {
	var err error
	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = fn(ctx)
		cancel()
		if err == nil {
			return
		}
		s.logger.Warn("durable write failed",
			zap.String("op", op),
			zap.String("slide_id", slideID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	s.logger.Error("durable write dropped after retries",
		zap.String("op", op),
		zap.String("slide_id", slideID),
		zap.Error(err))
}
