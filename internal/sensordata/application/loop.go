package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mobility-hub/internal/observability/metrics"
	sensordata "mobility-hub/internal/sensordata/domain"
	session "mobility-hub/internal/session/domain"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultLimit    = 50
	MaxLimit        = 500

	eventBuffer = 16
)

// State is the sync loop state.
type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
	StateReady   State = "ready"
)

// Lister fetches the most recent sensor records.
type Lister interface {
	ListSensorData(ctx context.Context, token string, limit int) ([]sensordata.Record, error)
}

// Invalidator ends a session after the hub rejected its token.
type Invalidator interface {
	Invalidate(ctx context.Context, token string)
}

// Publisher publishes loop events.
type Publisher interface {
	Publish(ctx context.Context, event any) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Snapshot is a read-only copy of the loop state.
type Snapshot struct {
	State       State
	Records     []sensordata.Record
	Err         error
	LastSuccess time.Time
	Sequence    uint64
}

// Loop polls the hub listing for the lifetime of a session. Polls run one at
// a time on a per-session goroutine; timer ticks and refreshes arriving
// while a poll is outstanding are coalesced behind it.
type Loop struct {
	lister      Lister
	invalidator Invalidator
	publisher   Publisher
	clock       Clock
	logger      *slog.Logger
	baseCtx     context.Context
	interval    time.Duration
	limit       int
	recentN     int

	wg sync.WaitGroup

	// Events reach the publisher from a single dispatcher goroutine so a
	// slow sink never holds up polling. When the buffer is full the oldest
	// event is dropped.
	events       chan any
	quit         chan struct{}
	dispatchOnce sync.Once
	quitOnce     sync.Once

	mu          sync.RWMutex
	state       State
	records     []sensordata.Record
	lastErr     error
	lastSuccess time.Time
	token       string
	// generation changes on every start and stop; polls from an older
	// generation never touch state.
	generation uint64
	// sequence is the latest initiated poll.
	sequence  uint64
	cancel    context.CancelFunc
	refreshCh chan struct{}
}

// Option configures the loop.
type Option func(*Loop)

// WithInterval sets the poll interval.
func WithInterval(interval time.Duration) Option {
	return func(l *Loop) {
		if interval > 0 {
			l.interval = interval
		}
	}
}

// WithLimit sets the per-poll record limit.
func WithLimit(limit int) Option {
	return func(l *Loop) {
		if limit > 0 && limit <= MaxLimit {
			l.limit = limit
		}
	}
}

// WithRecentN sets the length of the recent series projection.
func WithRecentN(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.recentN = n
		}
	}
}

// WithInvalidator sets who is told about rejected tokens.
func WithInvalidator(invalidator Invalidator) Option {
	return func(l *Loop) {
		if invalidator != nil {
			l.invalidator = invalidator
		}
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(publisher Publisher) Option {
	return func(l *Loop) {
		if publisher != nil {
			l.publisher = publisher
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithBaseContext sets the parent context of every session goroutine.
func WithBaseContext(ctx context.Context) Option {
	return func(l *Loop) {
		if ctx != nil {
			l.baseCtx = ctx
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(l *Loop) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewLoop constructs an idle loop.
func NewLoop(lister Lister, opts ...Option) (*Loop, error) {
	if lister == nil {
		return nil, errors.New("sync loop: nil lister")
	}
	l := &Loop{
		lister:   lister,
		clock:    systemClock{},
		logger:   slog.Default(),
		baseCtx:  context.Background(),
		interval: DefaultInterval,
		limit:    DefaultLimit,
		recentN:  sensordata.DefaultRecentN,
		state:    StateIdle,
		events:   make(chan any, eventBuffer),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Start begins polling with token, replacing any running session. The first
// poll is issued immediately.
func (l *Loop) Start(token string) error {
	if token == "" {
		return session.ErrNoSession
	}
	ctx, cancel := context.WithCancel(l.baseCtx)
	refresh := make(chan struct{}, 1)

	l.mu.Lock()
	l.resetLocked()
	gen := l.generation
	l.token = token
	l.state = StatePolling
	l.cancel = cancel
	l.refreshCh = refresh
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run(ctx, gen, token, refresh)
	l.logger.Info("sync loop started", "interval", l.interval, "limit", l.limit)
	return nil
}

// Stop cancels the timer and any outstanding poll, discards the snapshot
// and returns to idle. It does not wait for the session goroutine.
func (l *Loop) Stop() {
	l.mu.Lock()
	wasRunning := l.cancel != nil
	l.resetLocked()
	l.mu.Unlock()

	if wasRunning {
		l.logger.Info("sync loop stopped")
	}
}

// Shutdown stops the loop and waits for the session goroutine to exit. The
// event dispatcher is told to quit but is not waited for; a sink call in
// flight finishes on its own.
func (l *Loop) Shutdown() {
	l.Stop()
	l.wg.Wait()
	l.quitOnce.Do(func() { close(l.quit) })
}

// Refresh requests an immediate poll. Requests made while one is already
// pending collapse into it.
func (l *Loop) Refresh() error {
	l.mu.RLock()
	ch := l.refreshCh
	l.mu.RUnlock()
	if ch == nil {
		return session.ErrNoSession
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

// HandleSessionStarted starts polling for a new session.
func (l *Loop) HandleSessionStarted(ctx context.Context, evt session.Started) error {
	return l.Start(evt.Session.Token)
}

// HandleSessionEnded returns the loop to idle.
func (l *Loop) HandleSessionEnded(ctx context.Context, evt session.Ended) error {
	l.Stop()
	return nil
}

func (l *Loop) resetLocked() {
	if l.cancel != nil {
		l.cancel()
	}
	l.cancel = nil
	l.refreshCh = nil
	l.generation++
	l.token = ""
	l.state = StateIdle
	l.records = nil
	l.lastErr = nil
	l.lastSuccess = time.Time{}
	metrics.SetSnapshotRecords(0)
}

func (l *Loop) run(ctx context.Context, gen uint64, token string, refresh <-chan struct{}) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.poll(ctx, gen, token)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.poll(ctx, gen, token)
		case <-refresh:
			l.poll(ctx, gen, token)
		}
	}
}

func (l *Loop) poll(ctx context.Context, gen uint64, token string) {
	seq, ok := l.beginPoll(gen)
	if !ok {
		return
	}
	start := time.Now()
	records, err := l.lister.ListSensorData(ctx, token, l.limit)
	if ctx.Err() != nil {
		// Stopped or shutting down; the result belongs to nobody.
		metrics.ObservePoll(metrics.ResultDiscarded, time.Since(start))
		return
	}
	l.finishPoll(gen, seq, token, records, err, time.Since(start))
}

// beginPoll tags a new poll with the next sequence number.
func (l *Loop) beginPoll(gen uint64) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.generation {
		return 0, false
	}
	l.sequence++
	l.state = StatePolling
	return l.sequence, true
}

// finishPoll applies a completed poll only if it belongs to the current
// session and is the latest initiated one.
func (l *Loop) finishPoll(gen, seq uint64, token string, records []sensordata.Record, err error, elapsed time.Duration) {
	now := l.clock.Now()

	l.mu.Lock()
	if gen != l.generation || seq != l.sequence {
		l.mu.Unlock()
		metrics.ObservePoll(metrics.ResultDiscarded, elapsed)
		l.logger.Debug("poll result discarded", "sequence", seq)
		return
	}

	switch {
	case err == nil:
		l.records = append([]sensordata.Record(nil), records...)
		l.lastErr = nil
		l.lastSuccess = now
		l.state = StateReady
		snapshot := append([]sensordata.Record(nil), records...)
		l.mu.Unlock()

		metrics.ObservePoll(metrics.ResultSuccess, elapsed)
		metrics.SetSnapshotRecords(len(snapshot))
		l.logger.Debug("snapshot replaced", "sequence", seq, "records", len(snapshot))
		l.publish(SnapshotReplaced{Records: snapshot, Sequence: seq, At: now})

	case errors.Is(err, session.ErrAuth):
		l.resetLocked()
		l.mu.Unlock()

		metrics.ObservePoll(metrics.ResultUnauthorized, elapsed)
		l.logger.Warn("poll unauthorized, ending session", "sequence", seq)
		if l.invalidator != nil {
			l.invalidator.Invalidate(context.WithoutCancel(l.baseCtx), token)
		}

	default:
		if !errors.Is(err, sensordata.ErrTransient) {
			err = fmt.Errorf("%w: %w", sensordata.ErrTransient, err)
		}
		l.lastErr = err
		l.state = StateReady
		l.mu.Unlock()

		metrics.ObservePoll(metrics.ResultError, elapsed)
		l.logger.Warn("poll failed", "sequence", seq, "err", err)
		l.publish(PollFailed{Err: err, Sequence: seq, At: now})
	}
}

// publish queues event for the dispatcher and never blocks.
func (l *Loop) publish(event any) {
	if l.publisher == nil {
		return
	}
	l.dispatchOnce.Do(func() { go l.dispatch() })
	for {
		select {
		case l.events <- event:
			return
		default:
		}
		select {
		case dropped := <-l.events:
			metrics.IncSinkError("dispatch")
			l.logger.Warn("loop event dropped, sinks are behind", "event", fmt.Sprintf("%T", dropped))
		default:
		}
	}
}

func (l *Loop) dispatch() {
	for {
		select {
		case <-l.quit:
			return
		case event := <-l.events:
			if err := l.publisher.Publish(l.baseCtx, event); err != nil {
				l.logger.Warn("publish loop event failed", "err", err)
			}
		}
	}
}

// Snapshot returns a copy of the current state.
func (l *Loop) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{
		State:       l.state,
		Records:     append([]sensordata.Record(nil), l.records...),
		Err:         l.lastErr,
		LastSuccess: l.lastSuccess,
		Sequence:    l.sequence,
	}
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Loop) currentRecords() []sensordata.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.records
}

// Totals groups the snapshot by category.
func (l *Loop) Totals() []sensordata.CategoryTotal {
	return sensordata.CategoryTotals(l.currentRecords())
}

// Recent returns the most recent records for the trend series.
func (l *Loop) Recent() []sensordata.Record {
	return sensordata.RecentSeries(l.currentRecords(), l.recentN)
}

// Stats summarizes the snapshot.
func (l *Loop) Stats() sensordata.Stats {
	return sensordata.ComputeStats(l.currentRecords())
}

// Table returns the last n records newest first.
func (l *Loop) Table(n int) []sensordata.Record {
	return sensordata.Table(l.currentRecords(), n)
}
