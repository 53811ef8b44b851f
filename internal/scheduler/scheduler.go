// Package scheduler fires one delivery per configured chat per day at an
// exact wall-clock time.
//
// It keeps a min-heap of (fire-time, chat) pairs derived from the settings
// store. A single loop sleeps until the earliest entry is due; configuration
// changes rebuild the heap and wake the loop early so it never sleeps on a
// stale head.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"moyubot/internal/settings"
	logx "moyubot/pkg/logx"
)

// Entry is one pending firing.
type Entry struct {
	At   time.Time
	Chat string
}

// TimeSource exposes the configured per-chat trigger times.
type TimeSource interface {
	Times() []settings.TimeEntry
	Time(id string) (string, bool)
}

// Deliverer performs one delivery attempt for a chat.
type Deliverer interface {
	Deliver(ctx context.Context, chat string) error
}

const defaultCooldown = time.Minute

type Service struct {
	store   TimeSource
	deliver Deliverer
	log     logx.Logger
	loc     *time.Location

	// mu guards the heap; the loop must never observe it mid-mutation.
	mu sync.Mutex
	q  entryHeap

	// wake has capacity 1; signaling is non-blocking and coalesces.
	wake chan struct{}

	// now and cooldown are swappable for tests.
	now      func() time.Time
	cooldown time.Duration
}

func New(store TimeSource, deliver Deliverer, loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		store:    store,
		deliver:  deliver,
		log:      log,
		loc:      loc,
		wake:     make(chan struct{}, 1),
		now:      time.Now,
		cooldown: defaultCooldown,
	}
}

// Recompute rebuilds the heap from the settings store: for every chat with a
// configured time, today's instant at that HH:MM, rolled to tomorrow when
// already past. Malformed time strings are logged and skipped; one bad entry
// never aborts the rest.
func (s *Service) Recompute() {
	now := s.now().In(s.loc)

	var q entryHeap
	for _, te := range s.store.Times() {
		h, m, err := settings.ParseHHMM(te.Time)
		if err != nil {
			s.log.Error("skipping chat with malformed trigger time",
				logx.String("chat", te.Chat), logx.String("time", te.Time), logx.Err(err))
			continue
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, s.loc)
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		q = append(q, Entry{At: at, Chat: te.Chat})
	}
	heap.Init(&q)

	s.mu.Lock()
	s.q = q
	s.mu.Unlock()
	s.log.Debug("schedule recomputed", logx.Int("entries", len(q)))
}

// Remove drops every pending entry for a chat and reports whether any
// existed.
func (s *Service) Remove(chat string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.q[:0]
	removed := false
	for _, e := range s.q {
		if e.Chat == chat {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	s.q = kept
	heap.Init(&s.q)
	return removed
}

// Wake pokes the loop to re-evaluate the heap head without waiting out its
// current timer. Call after any configuration mutation.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// NextFor returns the earliest pending fire time for a chat.
func (s *Service) NextFor(chat string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best time.Time
	found := false
	for _, e := range s.q {
		if e.Chat != chat {
			continue
		}
		if !found || e.At.Before(best) {
			best = e.At
			found = true
		}
	}
	return best, found
}

// Pending returns a snapshot of all pending entries (diagnostics).
func (s *Service) Pending() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.q))
	copy(out, s.q)
	return out
}

// Run is the scheduler loop. It returns only when ctx is canceled; any fault
// inside one iteration is logged and followed by a fixed cooldown so a
// transient failure never kills the loop.
func (s *Service) Run(ctx context.Context) {
	s.log.Info("scheduler loop started")
	for {
		if ctx.Err() != nil {
			s.log.Info("scheduler loop stopped")
			return
		}
		if err := s.runOnce(ctx); err != nil {
			s.log.Error("scheduler iteration failed; cooling down",
				logx.Err(err), logx.Duration("cooldown", s.cooldown))
			if !sleepCtx(ctx, s.cooldown) {
				s.log.Info("scheduler loop stopped")
				return
			}
		}
	}
}

func (s *Service) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	s.mu.Lock()
	empty := len(s.q) == 0
	var head Entry
	if !empty {
		head = s.q[0]
	}
	s.mu.Unlock()

	if empty {
		s.log.Debug("schedule empty; waiting for wake")
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
			return nil
		}
	}

	if wait := head.At.Sub(s.now()); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.wake:
			// Configuration changed; re-peek.
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}

	// Pop under the lock; the heap may have changed while we slept.
	s.mu.Lock()
	if len(s.q) == 0 {
		s.mu.Unlock()
		return nil
	}
	e := heap.Pop(&s.q).(Entry)
	if e.At.After(s.now()) {
		// A nearer entry was replaced by a later one; put it back.
		heap.Push(&s.q, e)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.execute(ctx, e)
	return nil
}

// execute fires one entry and schedules the next day's firing from the
// original target instant, not from "now", so delays never accumulate drift.
func (s *Service) execute(ctx context.Context, e Entry) {
	// The chat may have cleared its setting between scheduling and firing.
	if _, ok := s.store.Time(e.Chat); !ok {
		s.log.Debug("skipping fired entry for unconfigured chat", logx.String("chat", e.Chat))
		return
	}

	if err := s.deliver.Deliver(ctx, e.Chat); err != nil {
		s.log.Error("delivery failed", logx.String("chat", e.Chat), logx.Err(err))
	} else {
		s.log.Info("delivery done", logx.String("chat", e.Chat), logx.Time("scheduled", e.At))
	}

	next := Entry{At: e.At.AddDate(0, 0, 1), Chat: e.Chat}
	s.mu.Lock()
	heap.Push(&s.q, next)
	s.mu.Unlock()
	s.log.Debug("next firing scheduled", logx.String("chat", e.Chat), logx.Time("at", next.At))
}

// sleepCtx sleeps for d, returning false when interrupted by ctx.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
