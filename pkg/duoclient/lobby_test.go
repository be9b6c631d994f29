package duoclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSignaler struct {
	mu        sync.Mutex
	events    chan PeerEvent
	published []PeerEvent
	closeOnce sync.Once
	closed    bool
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{events: make(chan PeerEvent, 16)}
}

func (s *fakeSignaler) Publish(ctx context.Context, event PeerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, event)
	return nil
}

func (s *fakeSignaler) Events() <-chan PeerEvent { return s.events }

func (s *fakeSignaler) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.events)
	})
	return nil
}

// peer injects an event as if the other player sent it.
func (s *fakeSignaler) peer(event PeerEvent) {
	s.events <- event
}

func (s *fakeSignaler) publishedTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.published))
	for _, e := range s.published {
		types = append(types, e.Type)
	}
	return types
}

func (s *fakeSignaler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func countTypes(types []string, want string) int {
	n := 0
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}

// slowLobbyOptions keeps the countdown far away so the behaviour under
// test is the only clock that matters.
func slowLobbyOptions() LobbyOptions {
	return LobbyOptions{
		CountdownSeconds: 60,
		TickInterval:     time.Hour,
		RevealDelay:      10 * time.Millisecond,
	}
}

func TestLobbyRevealAfterMutualReady(t *testing.T) {
	sig := newFakeSignaler()
	var reveals atomic.Int32
	opts := slowLobbyOptions()
	opts.OnReveal = func() { reveals.Add(1) }

	l := NewLobby(5, OpponentSummary{ID: 42, Name: "ShadowFox"}, sig, opts)
	defer l.Cancel()

	if err := l.SetReady(); err != nil {
		t.Fatalf("SetReady: %v", err)
	}
	snap := l.Snapshot()
	if !snap.SelfReady || snap.OpponentReady {
		t.Fatalf("snapshot after self ready = %+v", snap)
	}
	if snap.IdentityRevealed || snap.Opponent != nil {
		t.Fatalf("identity leaked before mutual ready: %+v", snap)
	}

	sig.peer(PeerEvent{Type: PeerEventReady})
	waitFor(t, time.Second, func() bool { return l.Snapshot().Phase == PhaseRevealed })

	snap = l.Snapshot()
	if !snap.IdentityRevealed || snap.Opponent == nil || snap.Opponent.ID != 42 {
		t.Fatalf("reveal snapshot = %+v, want opponent 42", snap)
	}
	if got := reveals.Load(); got != 1 {
		t.Fatalf("reveal callbacks = %d, want 1", got)
	}
}

func TestLobbyRevealFiresOnce(t *testing.T) {
	sig := newFakeSignaler()
	var reveals atomic.Int32
	opts := slowLobbyOptions()
	opts.OnReveal = func() { reveals.Add(1) }

	l := NewLobby(5, OpponentSummary{ID: 42}, sig, opts)
	defer l.Cancel()

	if err := l.SetReady(); err != nil {
		t.Fatalf("SetReady: %v", err)
	}
	sig.peer(PeerEvent{Type: PeerEventReady})
	waitFor(t, time.Second, func() bool { return l.Snapshot().Phase == PhaseRevealed })

	// Repeated signals after the reveal change nothing.
	sig.peer(PeerEvent{Type: PeerEventReady})
	_ = l.SetReady()
	time.Sleep(50 * time.Millisecond)
	if got := reveals.Load(); got != 1 {
		t.Fatalf("reveal callbacks = %d, want 1", got)
	}
}

func TestLobbyReadyIdempotent(t *testing.T) {
	sig := newFakeSignaler()
	l := NewLobby(5, OpponentSummary{ID: 42}, sig, slowLobbyOptions())
	defer l.Cancel()

	for i := 0; i < 3; i++ {
		if err := l.SetReady(); err != nil {
			t.Fatalf("SetReady #%d: %v", i+1, err)
		}
	}
	if got := countTypes(sig.publishedTypes(), PeerEventReady); got != 1 {
		t.Fatalf("ready events published = %d, want 1", got)
	}
	if !l.Snapshot().SelfReady {
		t.Fatal("self ready flag not set")
	}
}

func TestLobbyCountdownExpiry(t *testing.T) {
	sig := newFakeSignaler()
	var dissolves atomic.Int32
	opts := LobbyOptions{
		CountdownSeconds: 3,
		TickInterval:     5 * time.Millisecond,
		RevealDelay:      time.Hour,
		OnDissolve:       func() { dissolves.Add(1) },
	}

	l := NewLobby(5, OpponentSummary{ID: 42}, sig, opts)
	waitFor(t, time.Second, func() bool { return l.Snapshot().Phase == PhaseDissolved })

	time.Sleep(30 * time.Millisecond)
	if got := dissolves.Load(); got != 1 {
		t.Fatalf("dissolve callbacks = %d, want 1", got)
	}
	if err := l.SetReady(); !errors.Is(err, ErrLobbyEnded) {
		t.Fatalf("SetReady after expiry = %v, want ErrLobbyEnded", err)
	}
	if err := l.Send("hello?"); !errors.Is(err, ErrLobbyEnded) {
		t.Fatalf("Send after expiry = %v, want ErrLobbyEnded", err)
	}
	if !sig.isClosed() {
		t.Fatal("signaler left open after expiry")
	}
}

func TestLobbyExpiryBeatsReveal(t *testing.T) {
	sig := newFakeSignaler()
	var reveals, dissolves atomic.Int32
	opts := LobbyOptions{
		CountdownSeconds: 1,
		TickInterval:     5 * time.Millisecond,
		// Reveal armed but scheduled past the expiry.
		RevealDelay: 200 * time.Millisecond,
		OnReveal:    func() { reveals.Add(1) },
		OnDissolve:  func() { dissolves.Add(1) },
	}

	l := NewLobby(5, OpponentSummary{ID: 42}, sig, opts)
	if err := l.SetReady(); err != nil {
		t.Fatalf("SetReady: %v", err)
	}
	sig.peer(PeerEvent{Type: PeerEventReady})

	waitFor(t, time.Second, func() bool { return l.Snapshot().Phase == PhaseDissolved })
	time.Sleep(250 * time.Millisecond)

	snap := l.Snapshot()
	if snap.IdentityRevealed || snap.Opponent != nil {
		t.Fatalf("identity revealed after expiry: %+v", snap)
	}
	if got := reveals.Load(); got != 0 {
		t.Fatalf("reveal callbacks = %d, want 0", got)
	}
	if got := dissolves.Load(); got != 1 {
		t.Fatalf("dissolve callbacks = %d, want 1", got)
	}
}

func TestLobbyPeerCancel(t *testing.T) {
	sig := newFakeSignaler()
	var dissolves atomic.Int32
	opts := slowLobbyOptions()
	opts.OnDissolve = func() { dissolves.Add(1) }

	l := NewLobby(5, OpponentSummary{ID: 42}, sig, opts)
	sig.peer(PeerEvent{Type: PeerEventCancel})

	waitFor(t, time.Second, func() bool { return l.Snapshot().Phase == PhaseDissolved })
	if got := dissolves.Load(); got != 1 {
		t.Fatalf("dissolve callbacks = %d, want 1", got)
	}

	// Local cancel after the peer's is a no-op.
	l.Cancel()
	if got := dissolves.Load(); got != 1 {
		t.Fatalf("dissolve callbacks after double cancel = %d, want 1", got)
	}
}

func TestLobbyCancelAfterRevealKeepsIdentity(t *testing.T) {
	sig := newFakeSignaler()
	l := NewLobby(5, OpponentSummary{ID: 42, Name: "ShadowFox"}, sig, slowLobbyOptions())

	if err := l.SetReady(); err != nil {
		t.Fatalf("SetReady: %v", err)
	}
	sig.peer(PeerEvent{Type: PeerEventReady})
	waitFor(t, time.Second, func() bool { return l.Snapshot().Phase == PhaseRevealed })

	l.Cancel()
	snap := l.Snapshot()
	if snap.Phase != PhaseDissolved {
		t.Fatalf("phase = %q, want %q", snap.Phase, PhaseDissolved)
	}
	if !snap.IdentityRevealed || snap.Opponent == nil {
		t.Fatalf("reveal rolled back by cancel: %+v", snap)
	}
	if got := countTypes(sig.publishedTypes(), PeerEventCancel); got != 1 {
		t.Fatalf("cancel events published = %d, want 1", got)
	}
}

func TestLobbyChatTranscript(t *testing.T) {
	sig := newFakeSignaler()
	l := NewLobby(5, OpponentSummary{ID: 42}, sig, slowLobbyOptions())
	defer l.Cancel()

	if err := l.Send("glhf"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sig.peer(PeerEvent{Type: PeerEventMessage, Text: "u2"})
	waitFor(t, time.Second, func() bool { return len(l.Messages()) == 3 })

	msgs := l.Messages()
	if msgs[0].Sender != SenderSystem {
		t.Fatalf("first message sender = %q, want system", msgs[0].Sender)
	}
	if msgs[1].Sender != SenderMe || msgs[1].Text != "glhf" {
		t.Fatalf("second message = %+v", msgs[1])
	}
	if msgs[2].Sender != SenderThem || msgs[2].Text != "u2" {
		t.Fatalf("third message = %+v", msgs[2])
	}
	if got := countTypes(sig.publishedTypes(), PeerEventMessage); got != 1 {
		t.Fatalf("message events published = %d, want 1", got)
	}
}

func TestLobbyLaunch(t *testing.T) {
	sig := newFakeSignaler()
	var dissolves atomic.Int32
	opts := slowLobbyOptions()
	opts.OnDissolve = func() { dissolves.Add(1) }
	l := NewLobby(5, OpponentSummary{ID: 42}, sig, opts)

	if err := l.Launch(); !errors.Is(err, ErrNotRevealed) {
		t.Fatalf("Launch before reveal = %v, want ErrNotRevealed", err)
	}

	if err := l.SetReady(); err != nil {
		t.Fatalf("SetReady: %v", err)
	}
	sig.peer(PeerEvent{Type: PeerEventReady})
	waitFor(t, time.Second, func() bool { return l.Snapshot().Phase == PhaseRevealed })

	if err := l.Launch(); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if got := l.Snapshot().Phase; got != PhaseLaunched {
		t.Fatalf("phase = %q, want %q", got, PhaseLaunched)
	}
	if got := countTypes(sig.publishedTypes(), PeerEventLaunch); got != 1 {
		t.Fatalf("launch events published = %d, want 1", got)
	}
	if !sig.isClosed() {
		t.Fatal("signaler left open after launch")
	}
	if got := dissolves.Load(); got != 0 {
		t.Fatalf("dissolve callbacks after launch = %d, want 0", got)
	}
}

func TestLobbyCountdownTicks(t *testing.T) {
	sig := newFakeSignaler()
	l := NewLobby(5, OpponentSummary{ID: 42}, sig, LobbyOptions{
		CountdownSeconds: 60,
		TickInterval:     5 * time.Millisecond,
		RevealDelay:      time.Hour,
	})
	defer l.Cancel()

	waitFor(t, time.Second, func() bool { return l.Snapshot().SecondsRemaining <= 57 })
}
