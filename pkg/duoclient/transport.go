package duoclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// JoinResult is the synchronous answer to a queue join: either the
// pairing happened right away or the client is queued and should poll.
type JoinResult struct {
	Status   string           `json:"status"` // matched/queued
	MatchID  int64            `json:"matchId,string,omitempty"`
	Opponent *OpponentSummary `json:"opponent,omitempty"`
}

type StatusResult struct {
	Status   string           `json:"status"` // found/waiting/idle
	MatchID  int64            `json:"matchId,string,omitempty"`
	Opponent *OpponentSummary `json:"opponent,omitempty"`
}

const (
	JoinStatusMatched = "matched"
	JoinStatusQueued  = "queued"
	PollStatusFound   = "found"
)

// Transport is the minimal REST contract the queue client consumes.
// Every call must respect its context so an in-flight poll can be
// aborted on cancellation.
type Transport interface {
	Authenticated() bool
	Join(ctx context.Context, prefs Preferences) (*JoinResult, error)
	Status(ctx context.Context) (*StatusResult, error)
	Leave(ctx context.Context) error
}

// HTTPTransport talks to the duo-service REST surface with a bearer
// token, decoding the {code,data,msg} envelope.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *HTTPTransport) Authenticated() bool {
	return t.token != ""
}

func (t *HTTPTransport) Join(ctx context.Context, prefs Preferences) (*JoinResult, error) {
	var result JoinResult
	if err := t.do(ctx, http.MethodPost, "/duoService/v1/match/join", prefs, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (t *HTTPTransport) Status(ctx context.Context) (*StatusResult, error) {
	var result StatusResult
	if err := t.do(ctx, http.MethodGet, "/duoService/v1/match/status", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (t *HTTPTransport) Leave(ctx context.Context) error {
	return t.do(ctx, http.MethodPost, "/duoService/v1/match/leave", nil, nil)
}

type envelope struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data"`
	Msg  string          `json:"msg"`
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("duoclient: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := env.Msg
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("duoclient: %s %s: %s", method, path, msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("duoclient: decode payload: %w", err)
		}
	}
	return nil
}
