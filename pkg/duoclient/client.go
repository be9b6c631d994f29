package duoclient

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultTickInterval = time.Second
)

// Options tunes the queue client. Zero values fall back to the
// defaults; tests use millisecond intervals.
type Options struct {
	PollInterval time.Duration
	TickInterval time.Duration
	Prefs        PreferenceStore
	Logger       *zap.Logger

	// OnUpdate is invoked after every state change with a fresh
	// snapshot. Called from the client's internal goroutines.
	OnUpdate func(Snapshot)
}

// Client is the queue state machine: idle -> searching -> found, with
// searching -> idle on cancel. One polling session exists per join; a
// generation counter acts as the cancellation token so a response that
// arrives after cancellation is discarded instead of applied.
type Client struct {
	transport Transport
	prefs     PreferenceStore
	log       *zap.Logger
	onUpdate  func(Snapshot)

	pollInterval time.Duration
	tickInterval time.Duration

	mu            sync.Mutex
	status        Status
	elapsed       int
	matchID       int64
	opponent      *OpponentSummary
	generation    uint64
	cancelSession context.CancelFunc
}

func NewClient(transport Transport, opts Options) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Prefs == nil {
		opts.Prefs = NewMemoryPreferenceStore()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		transport:    transport,
		prefs:        opts.Prefs,
		log:          opts.Logger,
		onUpdate:     opts.OnUpdate,
		pollInterval: opts.PollInterval,
		tickInterval: opts.TickInterval,
		status:       StatusIdle,
	}
}

// Preferences returns the stored preferences, if any.
func (c *Client) Preferences() (*Preferences, error) {
	return c.prefs.Load()
}

// Join enters the queue. The preferences are persisted first, then one
// enqueue call is issued. An immediate pairing short-circuits straight
// to found without ever starting the poll loop; otherwise polling and
// the elapsed ticker run until a match, a cancel, or Close.
func (c *Client) Join(ctx context.Context, prefs Preferences) error {
	if !c.transport.Authenticated() {
		return ErrNotAuthenticated
	}

	c.mu.Lock()
	if c.status != StatusIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.status = StatusSearching
	c.elapsed = 0
	c.matchID = 0
	c.opponent = nil
	c.generation++
	gen := c.generation
	c.mu.Unlock()
	c.notify()

	if err := c.prefs.Save(prefs); err != nil {
		c.log.Warn("failed to persist queue preferences", zap.Error(err))
	}

	result, err := c.transport.Join(ctx, prefs)
	if err != nil {
		// Enqueue failure reverts to idle; the caller decides whether
		// to retry.
		c.mu.Lock()
		if c.generation == gen {
			c.status = StatusIdle
		}
		c.mu.Unlock()
		c.notify()
		return err
	}

	if result.Status == JoinStatusMatched {
		c.applyMatch(gen, result.MatchID, result.Opponent)
		return nil
	}

	c.mu.Lock()
	if c.generation != gen {
		// Cancelled while the enqueue call was in flight.
		c.mu.Unlock()
		return nil
	}
	sessionCtx, cancel := context.WithCancel(context.Background())
	c.cancelSession = cancel
	c.mu.Unlock()

	go c.pollLoop(sessionCtx, gen)
	go c.tickLoop(sessionCtx, gen)
	return nil
}

// Cancel leaves the queue. A no-op unless searching. The leave call is
// best-effort: local state resets no matter what the server says.
func (c *Client) Cancel() {
	c.mu.Lock()
	if c.status != StatusSearching {
		c.mu.Unlock()
		return
	}
	c.generation++
	if c.cancelSession != nil {
		c.cancelSession()
		c.cancelSession = nil
	}
	c.status = StatusIdle
	c.elapsed = 0
	c.opponent = nil
	c.matchID = 0
	c.mu.Unlock()
	c.notify()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.transport.Leave(ctx); err != nil {
			c.log.Debug("leave queue failed", zap.Error(err))
		}
	}()
}

// Close is the teardown hook for hosts unmounting the queue screen. It
// runs the same path as Cancel so no timers or polls are orphaned.
func (c *Client) Close() {
	c.Cancel()
}

func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		Status:         c.status,
		ElapsedSeconds: c.elapsed,
		MatchID:        c.matchID,
	}
	if c.opponent != nil {
		copied := *c.opponent
		snap.Opponent = &copied
	}
	return snap
}

func (c *Client) pollLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.isCurrent(gen) {
			return
		}

		result, err := c.transport.Status(ctx)
		if err != nil {
			// Transient poll failures never surface; the cadence
			// continues until an explicit cancel or a match.
			c.log.Debug("poll tick failed", zap.Error(err))
			continue
		}
		if result.Status == PollStatusFound {
			c.applyMatch(gen, result.MatchID, result.Opponent)
			return
		}
	}
}

func (c *Client) tickLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		if c.generation != gen || c.status != StatusSearching {
			c.mu.Unlock()
			return
		}
		c.elapsed++
		c.mu.Unlock()
		c.notify()
	}
}

// applyMatch moves searching -> found, unless the session was cancelled
// while the result was in flight: then the result is discarded.
func (c *Client) applyMatch(gen uint64, matchID int64, opponent *OpponentSummary) {
	c.mu.Lock()
	if c.generation != gen || c.status != StatusSearching {
		c.mu.Unlock()
		return
	}
	c.status = StatusFound
	c.matchID = matchID
	c.opponent = opponent
	if c.cancelSession != nil {
		c.cancelSession()
		c.cancelSession = nil
	}
	c.mu.Unlock()
	c.notify()

	c.log.Info("match found", zap.Int64("matchID", matchID))
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen && c.status == StatusSearching
}

func (c *Client) notify() {
	if c.onUpdate == nil {
		return
	}
	c.onUpdate(c.Snapshot())
}
