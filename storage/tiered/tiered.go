// Package tiered provides a Hot/Cold tiered storage adapter that fronts
// durable persistent storage (Cold) with fast ephemeral storage (Hot).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache storage (e.g., Redis, Memory) serving entitlement reads
	Hot entitlement.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) and the
	// source of truth. It must implement entitlement.Transactor.
	Cold entitlement.Storage

	// AsyncHotFill populates Hot from a background worker after Cold writes.
	// If false, Hot is written synchronously (slower but never stale after a
	// successful write).
	AsyncHotFill bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot write fails.
	// Essential for monitoring consistency drift.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered storage architecture:
// - Read-Through: subscriptions (Hot → Cold → populate Hot)
// - Write-Through: subscriptions (Cold → Hot)
// - Cold-Only: idempotency keys and conditional updates
//
// A user is marked stale before every Cold write and stays stale until a Hot
// fill of that write succeeds. Reads of a stale user bypass Hot, so a failed
// or dropped fill never serves an outdated tier. Fills never replace a Hot
// record with an older Version.
type Storage struct {
	hot  entitlement.Storage
	cold entitlement.Storage
	tx   entitlement.Transactor
	conf Config

	mu    sync.Mutex
	gen   uint64
	stale map[string]staleMark

	// fillMu serializes the version check and write of Hot fills
	fillMu sync.Mutex

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}
	tx, ok := config.Cold.(entitlement.Transactor)
	if !ok {
		return nil, errors.New("tiered storage: cold storage must implement entitlement.Transactor")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		tx:        tx,
		conf:      config,
		stale:     make(map[string]staleMark),
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotFill {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotFill {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially to keep per-user write order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// staleMark records the latest Cold write of a user whose Hot fill has not
// succeeded yet. settled is set once that Cold write has returned.
type staleMark struct {
	gen     uint64
	settled bool
}

// markStale makes reads of userID bypass Hot until a fill carrying the
// returned generation succeeds.
func (s *Storage) markStale(userID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.stale[userID] = staleMark{gen: s.gen}
	return s.gen
}

// settle records that the Cold write of gen returned, committed or not.
func (s *Storage) settle(userID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mark, ok := s.stale[userID]; ok && mark.gen == gen {
		mark.settled = true
		s.stale[userID] = mark
	}
}

// readGen reports whether reads of userID must bypass Hot, and the
// generation a read-repair fill may settle. It is 0 while a Cold write is
// still in flight, since a Cold read may not see that write yet.
func (s *Storage) readGen(userID string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mark, ok := s.stale[userID]
	if !ok {
		return 0, false
	}
	if !mark.settled {
		return 0, true
	}
	return mark.gen, true
}

// clearStale lets reads use Hot again if no newer write marked userID since gen.
func (s *Storage) clearStale(userID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale[userID].gen == gen {
		delete(s.stale, userID)
	}
}

// fillHot writes sub to Hot, synchronously or through the worker. gen is the
// stale generation the fill settles; 0 for read-repair of a current user.
func (s *Storage) fillHot(sub *entitlement.Subscription, gen uint64) {
	job := func() error {
		if err := s.writeHot(sub); err != nil {
			return err
		}
		if gen != 0 {
			s.clearStale(sub.UserID, gen)
		}
		return nil
	}
	if !s.conf.AsyncHotFill {
		s.report(job())
		return
	}
	select {
	case s.syncQueue <- job:
	default:
		s.report(fmt.Errorf("sync queue full, dropped hot fill for %s", sub.UserID))
	}
}

// writeHot stores sub in Hot unless Hot already holds a newer version.
func (s *Storage) writeHot(sub *entitlement.Subscription) error {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()

	ctx := context.Background()
	current, err := s.hot.Get(ctx, sub.UserID)
	if err != nil && !errors.Is(err, entitlement.ErrSubscriptionNotFound) {
		return err
	}
	if current != nil && current.Version > sub.Version {
		return nil
	}
	return s.hot.Set(ctx, sub)
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// Get implements entitlement.Storage with read-through strategy.
func (s *Storage) Get(ctx context.Context, userID string) (*entitlement.Subscription, error) {
	// 1. Try Hot, unless a write has not reached it yet
	gen, stale := s.readGen(userID)
	if !stale {
		if sub, err := s.hot.Get(ctx, userID); err == nil {
			return sub, nil
		}
	}

	// 2. Try Cold (Source of Truth)
	sub, err := s.cold.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	// 3. Populate Hot (Read-Repair)
	s.fillHot(sub.Clone(), gen)
	return sub, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---
// Critical data must be durable first.

// Set implements entitlement.Storage with write-through strategy.
func (s *Storage) Set(ctx context.Context, sub *entitlement.Subscription) error {
	gen := s.markStale(sub.UserID)
	err := s.cold.Set(ctx, sub)
	s.settle(sub.UserID, gen)
	if err != nil {
		return err
	}
	s.fillHot(sub.Clone(), gen)
	return nil
}

// --- Strategy: Cold-Only ---

// CheckAndRecordIdempotencyKey implements entitlement.Storage against Cold only;
// a key recorded in a cache would not survive the cache.
func (s *Storage) CheckAndRecordIdempotencyKey(ctx context.Context, userID, key string) (bool, error) {
	return s.cold.CheckAndRecordIdempotencyKey(ctx, userID, key)
}

// ReleaseIdempotencyKey implements entitlement.Storage against Cold only.
func (s *Storage) ReleaseIdempotencyKey(ctx context.Context, userID, key string) error {
	return s.cold.ReleaseIdempotencyKey(ctx, userID, key)
}

// Update implements entitlement.Transactor on Cold, then refreshes Hot.
func (s *Storage) Update(ctx context.Context, userID, idempotencyKey string,
	fn entitlement.UpdateFunc) (*entitlement.Subscription, error) {
	gen := s.markStale(userID)
	sub, err := s.tx.Update(ctx, userID, idempotencyKey, fn)
	s.settle(userID, gen)
	if err != nil || sub == nil {
		return sub, err
	}
	s.fillHot(sub.Clone(), gen)
	return sub, nil
}
