package duoclient

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// PeerEvent is the lobby signaling vocabulary exchanged between the two
// paired players. Delivery is fire-and-forget, at-most-once.
type PeerEvent struct {
	Type string `json:"type"` // ready/message/cancel/launch
	Text string `json:"text,omitempty"`
}

const (
	PeerEventReady   = "ready"
	PeerEventMessage = "message"
	PeerEventCancel  = "cancel"
	PeerEventLaunch  = "launch"
)

// Signaler is the bidirectional channel between the two members of a
// match, keyed server-side by match id. Events() yields only the peer's
// events, never echoes of our own.
type Signaler interface {
	Publish(ctx context.Context, event PeerEvent) error
	Events() <-chan PeerEvent
	Close() error
}

// WSSignaler rides the duo-service lobby relay over a websocket.
type WSSignaler struct {
	conn   *websocket.Conn
	events chan PeerEvent

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialSignaler connects to the lobby relay for a match. baseURL is the
// service's HTTP address; the scheme is rewritten for the socket.
func DialSignaler(ctx context.Context, baseURL string, matchID int64, token string) (*WSSignaler, error) {
	wsURL, err := lobbyURL(baseURL, matchID, token)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("duoclient: dial lobby relay: %w", err)
	}

	s := &WSSignaler{
		conn:   conn,
		events: make(chan PeerEvent, 16),
	}
	go s.readPump()
	return s, nil
}

func lobbyURL(baseURL string, matchID int64, token string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("duoclient: unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = fmt.Sprintf("/ws/lobby/%d", matchID)
	parsed.RawQuery = url.Values{"token": {token}}.Encode()
	return parsed.String(), nil
}

func (s *WSSignaler) readPump() {
	defer func() {
		close(s.events)
		s.conn.Close()
	}()

	for {
		var event PeerEvent
		if err := s.conn.ReadJSON(&event); err != nil {
			return
		}
		if event.Type == "" {
			continue
		}
		select {
		case s.events <- event:
		default:
			// Slow consumer; the lobby only cares about the latest
			// ready/cancel anyway.
		}
	}
}

func (s *WSSignaler) Publish(ctx context.Context, event PeerEvent) error {
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(event)
}

func (s *WSSignaler) Events() <-chan PeerEvent {
	return s.events
}

func (s *WSSignaler) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
