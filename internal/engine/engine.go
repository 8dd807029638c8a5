package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"auction-engine/internal/apperr"
	"auction-engine/internal/metrics"
	"auction-engine/internal/model"
	"auction-engine/internal/scheduler"
	"auction-engine/internal/store"
)

// Publisher receives events once the transaction that produced them has
// committed. It must not block.
type Publisher interface {
	Publish(evs ...model.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(...model.Event) {}

type Config struct {
	Workers              int
	PlatformUserID       string
	PlatformFeePercent   decimal.Decimal
	ForfeitSellerPercent decimal.Decimal
	PaymentWindow        time.Duration
	ReturnWindow         time.Duration
	// A failed scheduled transition is retried after TickRetryBase, doubling
	// on each consecutive failure up to TickRetryMax.
	TickRetryBase time.Duration
	TickRetryMax  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:              8,
		PlatformUserID:       "platform",
		PlatformFeePercent:   decimal.NewFromInt(5),
		ForfeitSellerPercent: decimal.NewFromInt(70),
		PaymentWindow:        48 * time.Hour,
		ReturnWindow:         7 * 24 * time.Hour,
		TickRetryBase:        time.Second,
		TickRetryMax:         5 * time.Minute,
	}
}

type Deps struct {
	Store     store.Store
	Clock     scheduler.Clock
	Scheduler *scheduler.Scheduler
	Publisher Publisher
	Log       *zap.Logger
	Metrics   *metrics.Metrics
}

// ── Manager ──────────────────────────────────────────

// Manager owns every auction. Commands for one auction queue in that
// auction's mailbox and a fixed pool of workers drains the mailboxes, so an
// auction is handled by at most one worker at a time while unrelated
// auctions proceed in parallel.
type Manager struct {
	store   store.Store
	clock   scheduler.Clock
	sched   *scheduler.Scheduler
	publish Publisher
	log     *zap.Logger
	metrics *metrics.Metrics
	cfg     Config

	mu     sync.Mutex
	cond   *sync.Cond
	boxes  map[string]*mailbox
	ready  []*mailbox
	closed bool
	wg     sync.WaitGroup

	retryMu sync.Mutex
	retries map[string]int
}

type mailbox struct {
	id      string
	queue   []func()
	running bool
}

func NewManager(d Deps, cfg Config) *Manager {
	if d.Clock == nil {
		d.Clock = scheduler.SystemClock{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Scheduler == nil {
		d.Scheduler = scheduler.New(d.Clock, d.Log.Named("scheduler"))
	}
	if d.Publisher == nil {
		d.Publisher = nopPublisher{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.TickRetryBase <= 0 {
		cfg.TickRetryBase = time.Second
	}
	if cfg.TickRetryMax < cfg.TickRetryBase {
		cfg.TickRetryMax = cfg.TickRetryBase
	}
	m := &Manager{
		store:   d.Store,
		clock:   d.Clock,
		sched:   d.Scheduler,
		publish: d.Publisher,
		log:     d.Log,
		metrics: d.Metrics,
		cfg:     cfg,
		boxes:   make(map[string]*mailbox),
		retries: make(map[string]int),
	}
	m.cond = sync.NewCond(&m.mu)
	m.sched.OnFire(func(id string, _ time.Time) { m.enqueueTick(id) })
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

func (m *Manager) Scheduler() *scheduler.Scheduler { return m.sched }

// Boot schedules every auction that still has a timed transition ahead of
// it. Deadlines that passed while the process was down fire immediately.
// Sold auctions are found through their open orders, so the finished ones
// are never loaded.
func (m *Manager) Boot(ctx context.Context) error {
	auctions, err := m.store.ListAuctions(ctx, model.AuctionFilter{Statuses: model.NonTerminalStatuses})
	if err != nil {
		return fmt.Errorf("list auctions: %w", err)
	}
	orders, err := m.store.ListOrdersByStatus(ctx, model.OrderPendingPayment, model.OrderDelivered)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	for _, o := range orders {
		a, err := m.store.GetAuction(ctx, o.AuctionID)
		if err != nil {
			return fmt.Errorf("load auction of order %s: %w", o.OrderNumber, err)
		}
		if a.Status == model.StatusSold {
			auctions = append(auctions, *a)
		}
	}
	for i := range auctions {
		m.schedule(ctx, &auctions[i])
	}
	m.log.Info("engine booted", zap.Int("auctions", len(auctions)), zap.Int("scheduled", m.sched.Len()))
	return nil
}

// Close stops accepting commands and waits for queued ones to finish.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Worker Pool ──────────────────────────────────────

func (m *Manager) submit(auctionID string, cmd func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return apperr.ErrEngineShuttingDown
	}
	box, ok := m.boxes[auctionID]
	if !ok {
		box = &mailbox{id: auctionID}
		m.boxes[auctionID] = box
	}
	box.queue = append(box.queue, cmd)
	m.metrics.MailboxAdd(1)
	if !box.running {
		box.running = true
		m.ready = append(m.ready, box)
		m.cond.Signal()
	}
	return nil
}

// worker runs one command per turn and puts the mailbox back at the end of
// the ready queue, so a busy auction cannot starve the others.
func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for len(m.ready) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.ready) == 0 {
			m.mu.Unlock()
			return
		}
		box := m.ready[0]
		m.ready = m.ready[1:]
		cmd := box.queue[0]
		box.queue = box.queue[1:]
		m.mu.Unlock()

		m.metrics.MailboxAdd(-1)
		cmd()

		m.mu.Lock()
		if len(box.queue) > 0 {
			m.ready = append(m.ready, box)
			m.cond.Signal()
		} else {
			box.running = false
			delete(m.boxes, box.id)
		}
		m.mu.Unlock()
	}
}

// exec runs fn in the auction's exclusive section and waits for the result.
// The command keeps running if the caller goes away, so it gets a context
// that is never cancelled.
func exec[T any](ctx context.Context, m *Manager, auctionID, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	cmdCtx := context.WithoutCancel(ctx)
	err := m.submit(auctionID, func() {
		start := time.Now()
		v, err := fn(cmdCtx)
		m.metrics.ObserveCommand(op, time.Since(start))
		ch <- result{v, err}
	})
	if err != nil {
		var zero T
		return zero, err
	}
	r := <-ch
	return r.v, r.err
}

// auctionCmd catches the auction up on due transitions, then runs fn against
// the loaded auction in one transaction and persists the auction afterwards.
func auctionCmd[T any](ctx context.Context, m *Manager, auctionID, op string, fn func(ctx context.Context, t *txn, a *model.Auction) (T, error)) (T, error) {
	return exec(ctx, m, auctionID, op, func(ctx context.Context) (T, error) {
		var zero T
		if err := m.catchUp(ctx, auctionID); err != nil {
			return zero, err
		}
		var v T
		err := m.inTx(ctx, func(t *txn) error {
			a, err := t.GetAuction(ctx, auctionID)
			if err != nil {
				return err
			}
			if v, err = fn(ctx, t, a); err != nil {
				return err
			}
			a.UpdatedAt = t.now
			return t.UpdateAuction(ctx, a)
		})
		m.reschedule(ctx, auctionID)
		if err != nil {
			return zero, err
		}
		return v, nil
	})
}

// ── Transactions ─────────────────────────────────────

// txn is a store transaction plus the events and post-commit hooks the
// command produced. Events are appended to the event log on commit and only
// then handed to the publisher.
type txn struct {
	store.Tx
	now    time.Time
	events []model.Event
	after  []func()
}

func (t *txn) emit(auctionID string, typ model.EventType, payload any) {
	t.events = append(t.events, model.Event{AuctionID: auctionID, Type: typ, Payload: payload, CreatedAt: t.now})
}

func (t *txn) onCommit(fn func()) { t.after = append(t.after, fn) }

func (m *Manager) inTx(ctx context.Context, fn func(t *txn) error) error {
	var done *txn
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		t := &txn{Tx: tx, now: m.clock.Now()}
		if err := fn(t); err != nil {
			return err
		}
		for i := range t.events {
			if err := tx.AppendEvent(ctx, &t.events[i]); err != nil {
				return fmt.Errorf("append event: %w", err)
			}
		}
		done = t
		return nil
	})
	if err != nil {
		if apperr.IsInternal(err) {
			m.metrics.Invariant()
			m.log.Error("command aborted", zap.Error(err))
		}
		return err
	}
	m.publish.Publish(done.events...)
	for _, fn := range done.after {
		fn()
	}
	return nil
}

// ── Scheduling ───────────────────────────────────────

// deadline is the next instant a timed transition is due for a.
func (m *Manager) deadline(ctx context.Context, a *model.Auction) (time.Time, bool) {
	switch a.Status {
	case model.StatusPending:
		return a.QualificationOpensAt(), true
	case model.StatusQualifying:
		return a.ActivationTime(), true
	case model.StatusActive:
		return a.ActualEndTime, true
	case model.StatusSold:
		o, err := m.store.GetOrderByAuction(ctx, a.ID)
		if err != nil {
			return time.Time{}, false
		}
		switch o.Status {
		case model.OrderPendingPayment:
			return o.PaymentDueAt, true
		case model.OrderDelivered:
			if o.DeliveredAt != nil {
				return o.DeliveredAt.Add(m.cfg.ReturnWindow), true
			}
		}
	}
	return time.Time{}, false
}

func (m *Manager) schedule(ctx context.Context, a *model.Auction) {
	if at, ok := m.deadline(ctx, a); ok {
		m.sched.Schedule(a.ID, at)
		return
	}
	m.sched.Cancel(a.ID)
}

func (m *Manager) reschedule(ctx context.Context, auctionID string) {
	a, err := m.store.GetAuction(ctx, auctionID)
	if err != nil {
		m.sched.Cancel(auctionID)
		return
	}
	m.schedule(ctx, a)
}

// catchUp applies every transition that is due at the current time in its
// own transaction. It is idempotent, which is what makes scheduler firings
// safe to repeat.
func (m *Manager) catchUp(ctx context.Context, auctionID string) error {
	a, err := m.store.GetAuction(ctx, auctionID)
	if err != nil {
		return err
	}
	at, ok := m.deadline(ctx, a)
	if !ok || m.clock.Now().Before(at) {
		return nil
	}
	return m.inTx(ctx, func(t *txn) error {
		a, err := t.GetAuction(ctx, auctionID)
		if err != nil {
			return err
		}
		if err := m.advance(ctx, t, a); err != nil {
			return err
		}
		a.UpdatedAt = t.now
		return t.UpdateAuction(ctx, a)
	})
}

func (m *Manager) enqueueTick(auctionID string) {
	err := m.submit(auctionID, func() {
		if err := m.tick(context.Background(), auctionID); err != nil {
			m.log.Warn("tick failed", zap.String("auction_id", auctionID), zap.Error(err))
		}
	})
	if err != nil {
		m.log.Debug("tick not queued", zap.String("auction_id", auctionID), zap.Error(err))
	}
}

// tick runs the due transitions. A failure is retried with backoff instead
// of at the deadline that already passed, which would fire again at once.
func (m *Manager) tick(ctx context.Context, auctionID string) error {
	if err := m.catchUp(ctx, auctionID); err != nil {
		at := m.clock.Now().Add(m.retryDelay(auctionID))
		m.sched.Schedule(auctionID, at)
		return err
	}
	m.retryMu.Lock()
	delete(m.retries, auctionID)
	m.retryMu.Unlock()
	m.reschedule(ctx, auctionID)
	return nil
}

// retryDelay counts another consecutive failure and returns the wait before
// the next attempt.
func (m *Manager) retryDelay(auctionID string) time.Duration {
	m.retryMu.Lock()
	defer m.retryMu.Unlock()
	m.retries[auctionID]++
	d := m.cfg.TickRetryBase
	for i := 1; i < m.retries[auctionID] && d < m.cfg.TickRetryMax; i++ {
		d *= 2
	}
	return min(d, m.cfg.TickRetryMax)
}

// Tick runs the auction's due transitions now and waits for them.
func (m *Manager) Tick(ctx context.Context, auctionID string) error {
	_, err := exec(ctx, m, auctionID, "tick", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.tick(ctx, auctionID)
	})
	return err
}

// Advance fires every scheduler entry due at the clock's current time and
// waits for the resulting transitions. It is the synchronous counterpart of
// Scheduler.Run.
func (m *Manager) Advance(ctx context.Context) error {
	for {
		ids := m.sched.Due(m.clock.Now())
		if len(ids) == 0 {
			return nil
		}
		for _, id := range ids {
			if err := m.Tick(ctx, id); err != nil {
				return fmt.Errorf("tick %s: %w", id, err)
			}
		}
	}
}
