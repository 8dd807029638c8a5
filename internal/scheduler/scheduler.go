// Package scheduler keeps one priority queue of next-fire times, at most one
// entry per auction, and fires a callback when an entry comes due.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FireFunc must not block; the engine only enqueues a tick.
type FireFunc func(auctionID string, due time.Time)

type entry struct {
	id    string
	at    time.Time
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type Scheduler struct {
	mu    sync.Mutex
	h     entryHeap
	byID  map[string]*entry
	wake  chan struct{}
	clock Clock
	fire  FireFunc
	log   *zap.Logger
}

func New(clock Clock, log *zap.Logger) *Scheduler {
	return &Scheduler{
		byID:  make(map[string]*entry),
		wake:  make(chan struct{}, 1),
		clock: clock,
		log:   log,
	}
}

// OnFire sets the callback Run invokes. It has to be set before Run starts.
func (s *Scheduler) OnFire(fn FireFunc) { s.fire = fn }

// Schedule sets the auction's next fire time, replacing any earlier entry.
func (s *Scheduler) Schedule(auctionID string, at time.Time) {
	s.mu.Lock()
	if e, ok := s.byID[auctionID]; ok {
		e.at = at
		heap.Fix(&s.h, e.index)
	} else {
		e := &entry{id: auctionID, at: at}
		heap.Push(&s.h, e)
		s.byID[auctionID] = e
	}
	s.mu.Unlock()
	s.poke()
}

func (s *Scheduler) Cancel(auctionID string) {
	s.mu.Lock()
	if e, ok := s.byID[auctionID]; ok {
		heap.Remove(&s.h, e.index)
		delete(s.byID, auctionID)
	}
	s.mu.Unlock()
	s.poke()
}

// Next reports the head of the queue.
func (s *Scheduler) Next() (string, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.h) == 0 {
		return "", time.Time{}, false
	}
	return s.h[0].id, s.h[0].at, true
}

// When reports the pending fire time for one auction.
func (s *Scheduler) When(auctionID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[auctionID]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.h)
}

// Due pops every entry whose fire time is at or before now, earliest first.
func (s *Scheduler) Due(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for len(s.h) > 0 && !s.h[0].at.After(now) {
		e := heap.Pop(&s.h).(*entry)
		delete(s.byID, e.id)
		ids = append(ids, e.id)
	}
	return ids
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run sleeps until the head entry is due, pops it and fires. It returns when
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		wait := time.Hour
		if _, at, ok := s.Next(); ok {
			wait = at.Sub(s.clock.Now())
		}
		if wait <= 0 {
			now := s.clock.Now()
			for _, id := range s.Due(now) {
				if s.fire != nil {
					s.fire(id, now)
				}
			}
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped", zap.Int("pending", s.Len()))
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}
