package queue

import "time"

const (
	ModeCasual      = "casual"
	ModeCompetitive = "competitive"
)

// Preferences is what a player queues with. Mic is carried along for the
// opponent card but is never a pairing constraint.
type Preferences struct {
	Game       string `json:"game"`
	Mode       string `json:"mode"`
	MicEnabled bool   `json:"micEnabled"`
}

type JoinRequest struct {
	UserID int64
	Prefs  Preferences
	IP     string
}

type JoinStatus string

const (
	JoinStatusQueued  JoinStatus = "queued"
	JoinStatusMatched JoinStatus = "matched"
)

type QueueStatus string

const (
	QueueStatusIdle    QueueStatus = "idle"
	QueueStatusWaiting QueueStatus = "waiting"
	QueueStatusFound   QueueStatus = "found"
)

type OpponentSummary struct {
	ID         int64    `json:"id,string"`
	Name       string   `json:"name"`
	Avatar     string   `json:"avatar,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	MicEnabled bool     `json:"micEnabled"`
}

type JoinResult struct {
	Status   JoinStatus       `json:"status"`
	MatchID  int64            `json:"matchId,string,omitempty"`
	Opponent *OpponentSummary `json:"opponent,omitempty"`
}

type StatusResult struct {
	Status   QueueStatus      `json:"status"`
	MatchID  int64            `json:"matchId,string,omitempty"`
	Opponent *OpponentSummary `json:"opponent,omitempty"`
	JoinedAt *time.Time       `json:"joinedAt,omitempty"`
}

type queueMember struct {
	UserID     int64     `json:"userId"`
	Game       string    `json:"game"`
	Mode       string    `json:"mode"`
	MicEnabled bool      `json:"micEnabled"`
	IP         string    `json:"ip"`
	JoinedAt   time.Time `json:"joinedAt"`
}

type matchNotifyPayload struct {
	MatchID  int64           `json:"matchId"`
	Opponent OpponentSummary `json:"opponent"`
}
