package duoclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	mu          sync.Mutex
	authed      bool
	joinFn      func(ctx context.Context, prefs Preferences) (*JoinResult, error)
	statusFn    func(ctx context.Context) (*StatusResult, error)
	leaveErr    error
	statusCalls int
	leaveCalls  int
}

func (f *fakeTransport) Authenticated() bool { return f.authed }

func (f *fakeTransport) Join(ctx context.Context, prefs Preferences) (*JoinResult, error) {
	if f.joinFn != nil {
		return f.joinFn(ctx, prefs)
	}
	return &JoinResult{Status: JoinStatusQueued}, nil
}

func (f *fakeTransport) Status(ctx context.Context) (*StatusResult, error) {
	f.mu.Lock()
	f.statusCalls++
	f.mu.Unlock()
	if f.statusFn != nil {
		return f.statusFn(ctx)
	}
	return &StatusResult{Status: "waiting"}, nil
}

func (f *fakeTransport) Leave(ctx context.Context) error {
	f.mu.Lock()
	f.leaveCalls++
	f.mu.Unlock()
	return f.leaveErr
}

func (f *fakeTransport) statusCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *fakeTransport) leaveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaveCalls
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func testOpponent() *OpponentSummary {
	return &OpponentSummary{ID: 42, Name: "ShadowFox", MicEnabled: true}
}

func TestJoinImmediateMatch(t *testing.T) {
	transport := &fakeTransport{
		authed: true,
		joinFn: func(ctx context.Context, prefs Preferences) (*JoinResult, error) {
			return &JoinResult{Status: JoinStatusMatched, MatchID: 7, Opponent: testOpponent()}, nil
		},
	}
	c := NewClient(transport, Options{PollInterval: 5 * time.Millisecond})

	if err := c.Join(context.Background(), Preferences{Game: "valorant", Mode: ModeCasual}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	snap := c.Snapshot()
	if snap.Status != StatusFound {
		t.Fatalf("status = %q, want %q", snap.Status, StatusFound)
	}
	if snap.MatchID != 7 {
		t.Fatalf("matchID = %d, want 7", snap.MatchID)
	}
	if snap.Opponent == nil || snap.Opponent.ID != 42 {
		t.Fatalf("opponent = %+v, want id 42", snap.Opponent)
	}

	// An immediate pairing never starts the poll loop.
	time.Sleep(30 * time.Millisecond)
	if n := transport.statusCount(); n != 0 {
		t.Fatalf("status polls after immediate match = %d, want 0", n)
	}
}

func TestJoinPollsUntilFound(t *testing.T) {
	transport := &fakeTransport{authed: true}
	transport.statusFn = func(ctx context.Context) (*StatusResult, error) {
		if transport.statusCount() < 3 {
			return &StatusResult{Status: "waiting"}, nil
		}
		return &StatusResult{Status: PollStatusFound, MatchID: 9, Opponent: testOpponent()}, nil
	}
	c := NewClient(transport, Options{PollInterval: 5 * time.Millisecond})

	if err := c.Join(context.Background(), Preferences{Game: "valorant", Mode: ModeCasual}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got := c.Snapshot().Status; got != StatusSearching {
		t.Fatalf("status after queued join = %q, want %q", got, StatusSearching)
	}

	waitFor(t, time.Second, func() bool {
		return c.Snapshot().Status == StatusFound
	})
	snap := c.Snapshot()
	if snap.MatchID != 9 || snap.Opponent == nil {
		t.Fatalf("snapshot = %+v, want matchID 9 with opponent", snap)
	}

	// The loop stops on the found response.
	time.Sleep(30 * time.Millisecond)
	if n := transport.statusCount(); n != 3 {
		t.Fatalf("status polls = %d, want exactly 3", n)
	}
}

func TestJoinRequiresAuth(t *testing.T) {
	c := NewClient(&fakeTransport{authed: false}, Options{})
	err := c.Join(context.Background(), Preferences{Game: "valorant", Mode: ModeCasual})
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Join error = %v, want ErrNotAuthenticated", err)
	}
	if got := c.Snapshot().Status; got != StatusIdle {
		t.Fatalf("status = %q, want %q", got, StatusIdle)
	}
}

func TestJoinWhileSearching(t *testing.T) {
	transport := &fakeTransport{authed: true}
	c := NewClient(transport, Options{PollInterval: time.Hour})
	defer c.Close()

	if err := c.Join(context.Background(), Preferences{Game: "valorant", Mode: ModeCasual}); err != nil {
		t.Fatalf("first Join: %v", err)
	}
	err := c.Join(context.Background(), Preferences{Game: "valorant", Mode: ModeCasual})
	if !errors.Is(err, ErrNotIdle) {
		t.Fatalf("second Join error = %v, want ErrNotIdle", err)
	}
}

func TestJoinFailureRevertsToIdle(t *testing.T) {
	boom := errors.New("connection refused")
	transport := &fakeTransport{authed: true}
	transport.joinFn = func(ctx context.Context, prefs Preferences) (*JoinResult, error) {
		return nil, boom
	}
	c := NewClient(transport, Options{})

	if err := c.Join(context.Background(), Preferences{Game: "valorant", Mode: ModeCasual}); !errors.Is(err, boom) {
		t.Fatalf("Join error = %v, want %v", err, boom)
	}
	if got := c.Snapshot().Status; got != StatusIdle {
		t.Fatalf("status after failed join = %q, want %q", got, StatusIdle)
	}

	// A retry is allowed after the failure.
	transport.joinFn = nil
	if err := c.Join(context.Background(), Preferences{Game: "valorant", Mode: ModeCasual}); err != nil {
		t.Fatalf("retry Join: %v", err)
	}
	c.Close()
}

func TestCancelStopsPolling(t *testing.T) {
	transport := &fakeTransport{authed: true}
	c := NewClient(transport, Options{PollInterval: 5 * time.Millisecond})

	if err := c.Join(context.Background(), Preferences{Game: "valorant", Mode: ModeCasual}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitFor(t, time.Second, func() bool { return transport.statusCount() >= 1 })

	c.Cancel()
	if got := c.Snapshot().Status; got != StatusIdle {
		t.Fatalf("status after cancel = %q, want %q", got, StatusIdle)
	}

	after := transport.statusCount()
	time.Sleep(50 * time.Millisecond)
	if n := transport.statusCount(); n != after {
		t.Fatalf("polls continued after cancel: %d -> %d", after, n)
	}
	waitFor(t, time.Second, func() bool { return transport.leaveCount() == 1 })
}

func TestCancelDiscardsLateResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	transport := &fakeTransport{authed: true}
	transport.statusFn = func(ctx context.Context) (*StatusResult, error) {
		close(started)
		<-release
		return &StatusResult{Status: PollStatusFound, MatchID: 11, Opponent: testOpponent()}, nil
	}
	c := NewClient(transport, Options{PollInterval: 5 * time.Millisecond})

	if err := c.Join(context.Background(), Preferences{Game: "valorant", Mode: ModeCasual}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	<-started
	c.Cancel()
	close(release)

	// The found response landed after the cancel and must be dropped.
	time.Sleep(30 * time.Millisecond)
	snap := c.Snapshot()
	if snap.Status != StatusIdle || snap.MatchID != 0 || snap.Opponent != nil {
		t.Fatalf("late result applied: %+v", snap)
	}
}

func TestCancelWhileIdle(t *testing.T) {
	transport := &fakeTransport{authed: true}
	c := NewClient(transport, Options{})

	c.Cancel()
	time.Sleep(20 * time.Millisecond)
	if n := transport.leaveCount(); n != 0 {
		t.Fatalf("leave calls from idle cancel = %d, want 0", n)
	}
	if got := c.Snapshot().Status; got != StatusIdle {
		t.Fatalf("status = %q, want %q", got, StatusIdle)
	}
}

func TestElapsedTicks(t *testing.T) {
	transport := &fakeTransport{authed: true}
	c := NewClient(transport, Options{
		PollInterval: time.Hour,
		TickInterval: 5 * time.Millisecond,
	})

	if err := c.Join(context.Background(), Preferences{Game: "valorant", Mode: ModeCasual}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitFor(t, time.Second, func() bool { return c.Snapshot().ElapsedSeconds >= 2 })

	c.Cancel()
	if got := c.Snapshot().ElapsedSeconds; got != 0 {
		t.Fatalf("elapsed after cancel = %d, want 0", got)
	}
}

func TestJoinPersistsPreferences(t *testing.T) {
	store := NewMemoryPreferenceStore()
	transport := &fakeTransport{authed: true}
	c := NewClient(transport, Options{PollInterval: time.Hour, Prefs: store})
	defer c.Close()

	want := Preferences{Game: "apex", Mode: ModeCompetitive, MicEnabled: true}
	if err := c.Join(context.Background(), want); err != nil {
		t.Fatalf("Join: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil || *got != want {
		t.Fatalf("stored prefs = %+v, want %+v", got, want)
	}
}

func TestOnUpdateNotifies(t *testing.T) {
	var mu sync.Mutex
	var seen []Status
	transport := &fakeTransport{authed: true}
	transport.joinFn = func(ctx context.Context, prefs Preferences) (*JoinResult, error) {
		return &JoinResult{Status: JoinStatusMatched, MatchID: 3, Opponent: testOpponent()}, nil
	}
	c := NewClient(transport, Options{
		OnUpdate: func(snap Snapshot) {
			mu.Lock()
			seen = append(seen, snap.Status)
			mu.Unlock()
		},
	})

	if err := c.Join(context.Background(), Preferences{Game: "valorant", Mode: ModeCasual}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 || seen[0] != StatusSearching || seen[len(seen)-1] != StatusFound {
		t.Fatalf("update sequence = %v, want searching then found", seen)
	}
}
