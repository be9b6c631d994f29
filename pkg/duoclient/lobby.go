package duoclient

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultCountdownSeconds = 60
	DefaultRevealDelay      = 500 * time.Millisecond

	publishTimeout = 5 * time.Second
)

// LobbyPhase tracks the virtual lobby's lifecycle. negotiating and
// revealed are live; launched and dissolved are terminal and one-way.
type LobbyPhase string

const (
	PhaseNegotiating LobbyPhase = "negotiating"
	PhaseRevealed    LobbyPhase = "revealed"
	PhaseLaunched    LobbyPhase = "launched"
	PhaseDissolved   LobbyPhase = "dissolved"
)

type LobbyOptions struct {
	CountdownSeconds int
	TickInterval     time.Duration
	RevealDelay      time.Duration
	Logger           *zap.Logger

	// OnReveal fires once when mutual readiness unlocks the opponent's
	// identity. OnDissolve fires exactly once on expiry, peer cancel or
	// local cancel. Both are called from internal goroutines.
	OnReveal   func()
	OnDissolve func()
}

type LobbySnapshot struct {
	Phase            LobbyPhase
	SelfReady        bool
	OpponentReady    bool
	SecondsRemaining int
	IdentityRevealed bool
	// Opponent stays nil until the reveal; the card is the reward for
	// mutual readiness.
	Opponent *OpponentSummary
}

// Lobby is the mutual-confirmation controller that takes over once a
// match is found. It owns the countdown, both ready flags and the chat
// transcript; the peer's half arrives through the Signaler.
type Lobby struct {
	matchID  int64
	signaler Signaler
	log      *zap.Logger

	revealDelay time.Duration
	onReveal    func()
	onDissolve  func()

	mu              sync.Mutex
	phase           LobbyPhase
	selfReady       bool
	opponentReady   bool
	revealed        bool
	revealScheduled bool
	remaining       int
	opponent        OpponentSummary
	messages        []ChatMessage
	revealTimer     *time.Timer
	cancelLoops     context.CancelFunc
}

// NewLobby starts the countdown and the peer-event consumer
// immediately; the session is live from the moment of pairing.
func NewLobby(matchID int64, opponent OpponentSummary, signaler Signaler, opts LobbyOptions) *Lobby {
	if opts.CountdownSeconds <= 0 {
		opts.CountdownSeconds = DefaultCountdownSeconds
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.RevealDelay <= 0 {
		opts.RevealDelay = DefaultRevealDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Lobby{
		matchID:     matchID,
		signaler:    signaler,
		log:         opts.Logger,
		revealDelay: opts.RevealDelay,
		onReveal:    opts.OnReveal,
		onDissolve:  opts.OnDissolve,
		phase:       PhaseNegotiating,
		remaining:   opts.CountdownSeconds,
		messages: []ChatMessage{
			{Sender: SenderSystem, Text: "Opponent found. Ready up to reveal identities."},
		},
		cancelLoops: cancel,
	}
	l.opponent = opponent

	go l.countdownLoop(ctx, opts.TickInterval)
	go l.consumeEvents()
	return l
}

// SetReady flips the local ready flag. One-way and idempotent: the
// second call does nothing and publishes nothing.
func (l *Lobby) SetReady() error {
	l.mu.Lock()
	if l.phase == PhaseLaunched || l.phase == PhaseDissolved {
		l.mu.Unlock()
		return ErrLobbyEnded
	}
	if l.selfReady {
		l.mu.Unlock()
		return nil
	}
	l.selfReady = true
	l.maybeScheduleRevealLocked()
	l.mu.Unlock()

	l.publish(PeerEvent{Type: PeerEventReady})
	return nil
}

// Send appends a me-tagged message and broadcasts it to the peer,
// fire-and-forget.
func (l *Lobby) Send(text string) error {
	if text == "" {
		return nil
	}
	l.mu.Lock()
	if l.phase == PhaseLaunched || l.phase == PhaseDissolved {
		l.mu.Unlock()
		return ErrLobbyEnded
	}
	l.messages = append(l.messages, ChatMessage{Sender: SenderMe, Text: text})
	l.mu.Unlock()

	l.publish(PeerEvent{Type: PeerEventMessage, Text: text})
	return nil
}

// Launch hands control back to the host application. Only valid once
// the identity is revealed; ends the session as launched.
func (l *Lobby) Launch() error {
	l.mu.Lock()
	if l.phase != PhaseRevealed {
		l.mu.Unlock()
		return ErrNotRevealed
	}
	l.phase = PhaseLaunched
	l.stopTimersLocked()
	l.mu.Unlock()

	l.publish(PeerEvent{Type: PeerEventLaunch})
	l.closeSignaler()
	l.log.Info("lobby launched", zap.Int64("matchID", l.matchID))
	return nil
}

// Cancel ends the lobby before launch. Idempotent; termination is a
// one-way street, a cancel after reveal does not hide the identity
// again, it only dissolves the session.
func (l *Lobby) Cancel() {
	if l.dissolve("cancelled") {
		l.publish(PeerEvent{Type: PeerEventCancel})
		l.closeSignaler()
	}
}

func (l *Lobby) Snapshot() LobbySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := LobbySnapshot{
		Phase:            l.phase,
		SelfReady:        l.selfReady,
		OpponentReady:    l.opponentReady,
		SecondsRemaining: l.remaining,
		IdentityRevealed: l.revealed,
	}
	if l.revealed {
		copied := l.opponent
		snap.Opponent = &copied
	}
	return snap
}

// Messages returns a copy of the transcript in arrival order.
func (l *Lobby) Messages() []ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ChatMessage(nil), l.messages...)
}

func (l *Lobby) countdownLoop(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		l.mu.Lock()
		if l.phase == PhaseLaunched || l.phase == PhaseDissolved {
			l.mu.Unlock()
			return
		}
		// The countdown runs regardless of ready state; partial
		// readiness earns no grace extension.
		l.remaining--
		expired := l.remaining <= 0
		l.mu.Unlock()

		if expired {
			if l.dissolve("expired") {
				l.closeSignaler()
			}
			return
		}
	}
}

func (l *Lobby) consumeEvents() {
	for event := range l.signaler.Events() {
		switch event.Type {
		case PeerEventReady:
			l.handlePeerReady()
		case PeerEventMessage:
			l.handlePeerMessage(event.Text)
		case PeerEventCancel:
			if l.dissolve("peer cancelled") {
				l.closeSignaler()
			}
		}
	}
}

func (l *Lobby) handlePeerReady() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.phase == PhaseLaunched || l.phase == PhaseDissolved {
		return
	}
	if l.opponentReady {
		return
	}
	l.opponentReady = true
	l.maybeScheduleRevealLocked()
}

func (l *Lobby) handlePeerMessage(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.phase == PhaseLaunched || l.phase == PhaseDissolved {
		return
	}
	l.messages = append(l.messages, ChatMessage{Sender: SenderThem, Text: text})
}

// maybeScheduleRevealLocked arms the reveal timer the instant both
// flags are true. The revealScheduled latch makes sure a double ready
// (both sides in the same tick, or repeated signals) arms it once.
func (l *Lobby) maybeScheduleRevealLocked() {
	if !l.selfReady || !l.opponentReady {
		return
	}
	if l.revealScheduled || l.phase != PhaseNegotiating {
		return
	}
	l.revealScheduled = true
	l.revealTimer = time.AfterFunc(l.revealDelay, l.reveal)
}

// reveal fires after the short transition delay. If the countdown beat
// it to the punch the session is already dissolved and expiry wins.
func (l *Lobby) reveal() {
	l.mu.Lock()
	if l.phase != PhaseNegotiating {
		l.mu.Unlock()
		return
	}
	l.phase = PhaseRevealed
	l.revealed = true
	l.messages = append(l.messages, ChatMessage{Sender: SenderSystem, Text: "Both players ready. Identities revealed."})
	cb := l.onReveal
	l.mu.Unlock()

	l.log.Info("lobby identity revealed", zap.Int64("matchID", l.matchID))
	if cb != nil {
		cb()
	}
}

// dissolve is the single terminal path for everything that is not a
// launch. Returns true only for the call that actually performed the
// transition, so the dissolve callback fires exactly once.
func (l *Lobby) dissolve(reason string) bool {
	l.mu.Lock()
	if l.phase == PhaseLaunched || l.phase == PhaseDissolved {
		l.mu.Unlock()
		return false
	}
	l.phase = PhaseDissolved
	l.stopTimersLocked()
	l.messages = append(l.messages, ChatMessage{Sender: SenderSystem, Text: "Lobby dissolved: " + reason + "."})
	cb := l.onDissolve
	l.mu.Unlock()

	l.log.Info("lobby dissolved",
		zap.Int64("matchID", l.matchID),
		zap.String("reason", reason),
	)
	if cb != nil {
		cb()
	}
	return true
}

func (l *Lobby) stopTimersLocked() {
	if l.revealTimer != nil {
		l.revealTimer.Stop()
		l.revealTimer = nil
	}
	if l.cancelLoops != nil {
		l.cancelLoops()
		l.cancelLoops = nil
	}
}

// publish pushes an event to the peer, best-effort. No delivery
// acknowledgement exists or is needed.
func (l *Lobby) publish(event PeerEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := l.signaler.Publish(ctx, event); err != nil {
		l.log.Debug("lobby publish failed",
			zap.String("type", event.Type),
			zap.Error(err),
		)
	}
}

func (l *Lobby) closeSignaler() {
	if err := l.signaler.Close(); err != nil {
		l.log.Debug("signaler close failed", zap.Error(err))
	}
}
