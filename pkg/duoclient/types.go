// Package duoclient implements the player-side half of the random-duo
// flow: the queue state machine (idle/searching/found with polling) and
// the virtual-lobby controller (mutual-ready gating, countdown,
// identity reveal). Hosts embed it and react through snapshots and
// callbacks; all network access goes through the Transport and Signaler
// interfaces so the package carries no hard server dependency.
package duoclient

import "errors"

var (
	ErrNotAuthenticated = errors.New("duoclient: no bearer token available")
	ErrNotIdle          = errors.New("duoclient: client is not idle")
	ErrNotRevealed      = errors.New("duoclient: lobby identity not revealed yet")
	ErrLobbyEnded       = errors.New("duoclient: lobby already ended")
)

const (
	ModeCasual      = "casual"
	ModeCompetitive = "competitive"
)

// Preferences mirrors the queue-join payload. Persisted across sessions
// through the configured PreferenceStore.
type Preferences struct {
	Game       string `json:"game"`
	Mode       string `json:"mode"`
	MicEnabled bool   `json:"micEnabled"`
}

// Status is the queue client's lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSearching Status = "searching"
	StatusFound     Status = "found"
)

// OpponentSummary is received atomically with a pairing and never
// mutated afterwards.
type OpponentSummary struct {
	ID         int64    `json:"id,string"`
	Name       string   `json:"name"`
	Avatar     string   `json:"avatar,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	MicEnabled bool     `json:"micEnabled"`
}

// Sender tags a chat transcript entry.
type Sender string

const (
	SenderMe     Sender = "me"
	SenderThem   Sender = "them"
	SenderSystem Sender = "system"
)

type ChatMessage struct {
	Sender Sender `json:"sender"`
	Text   string `json:"text"`
}

// Snapshot is a consistent copy of the queue client's state, safe to
// hold across ticks.
type Snapshot struct {
	Status         Status
	ElapsedSeconds int
	MatchID        int64
	Opponent       *OpponentSummary
}
