package relay

import (
	"context"
	"sync"

	appErr "duo-service/pkg/errors"
	"duo-service/pkg/logger"

	"go.uber.org/zap"
)

// Event is the signaling vocabulary of the virtual lobby. Ready and
// message events are relayed verbatim to the peer; cancel and launch
// additionally close the match server-side.
type Event struct {
	Type string `json:"type"` // ready/message/cancel/launch
	Text string `json:"text,omitempty"`
	From int64  `json:"from,string,omitempty"`
}

const (
	EventReady   = "ready"
	EventMessage = "message"
	EventCancel  = "cancel"
	EventLaunch  = "launch"
)

// Finisher records a lobby outcome on the match record. Wired to
// queue.Service.FinishMatch in the container.
type Finisher func(ctx context.Context, matchID int64, outcome string) error

type room struct {
	members map[int64]chan Event
}

// Service relays lobby events between the two members of a match. The
// room is a plain in-process registry: each match has at most two
// subscribers and the lobby lives for at most a minute.
type Service struct {
	mu     sync.Mutex
	rooms  map[int64]*room
	finish Finisher
}

func NewService(finish Finisher) *Service {
	return &Service{
		rooms:  make(map[int64]*room),
		finish: finish,
	}
}

// Join registers a member with the match's room and returns the channel
// the peer's events arrive on. Rejoining replaces the previous channel.
func (s *Service) Join(matchID, userID int64) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[matchID]
	if !ok {
		r = &room{members: make(map[int64]chan Event)}
		s.rooms[matchID] = r
	}
	if len(r.members) >= 2 {
		if _, rejoining := r.members[userID]; !rejoining {
			return nil, appErr.ErrLobbyAccessDenied
		}
	}

	if old, ok := r.members[userID]; ok {
		close(old)
	}
	ch := make(chan Event, 16)
	r.members[userID] = ch

	logger.Log.Info("lobby member joined",
		zap.Int64("matchID", matchID),
		zap.Int64("userID", userID),
	)
	return ch, nil
}

// Publish forwards an event to the other member of the room, never back
// to the sender. Delivery is at-most-once: a full peer buffer drops the
// event with a warning rather than blocking the relay.
func (s *Service) Publish(ctx context.Context, matchID, fromUserID int64, event Event) error {
	event.From = fromUserID

	s.mu.Lock()
	r, ok := s.rooms[matchID]
	if !ok {
		s.mu.Unlock()
		return appErr.ErrLobbyClosed
	}
	for uid, ch := range r.members {
		if uid == fromUserID {
			continue
		}
		select {
		case ch <- event:
		default:
			logger.Log.Warn("lobby relay buffer full, dropping event",
				zap.Int64("matchID", matchID),
				zap.Int64("userID", uid),
				zap.String("type", event.Type),
			)
		}
	}
	s.mu.Unlock()

	switch event.Type {
	case EventCancel:
		s.finishMatch(ctx, matchID, "dissolved")
	case EventLaunch:
		s.finishMatch(ctx, matchID, "launched")
	}
	return nil
}

// Leave removes a member and tears the room down once it is empty.
func (s *Service) Leave(matchID, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[matchID]
	if !ok {
		return
	}
	if ch, ok := r.members[userID]; ok {
		close(ch)
		delete(r.members, userID)
	}
	if len(r.members) == 0 {
		delete(s.rooms, matchID)
	}
}

func (s *Service) finishMatch(ctx context.Context, matchID int64, outcome string) {
	if s.finish == nil {
		return
	}
	if err := s.finish(ctx, matchID, outcome); err != nil {
		logger.Log.Warn("failed to record lobby outcome",
			zap.Int64("matchID", matchID),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
	}
}
