package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/continuity/internal/core"
	"github.com/dkeye/continuity/internal/domain"
)

// Client posts JSON requests to the backend, routing them with an Encoder.
// It never retries: auth and session errors go straight back to the caller.
type Client struct {
	url     string
	http    *http.Client
	encoder core.Encoder
	tracker core.SessionTracker
}

func NewClient(url string, timeout time.Duration, encoder core.Encoder, tracker core.SessionTracker) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:     url,
		http:    &http.Client{Timeout: timeout},
		encoder: encoder,
		tracker: tracker,
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Send(ctx context.Context, req core.BackendRequest) (json.RawMessage, error) {
	headers := core.Headers{"Content-Type": "application/json"}
	body := core.Body{}
	for k, v := range req.Body {
		body[k] = v
	}
	c.encoder.Encode(req.Key, headers, body)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal backend request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}

	if resp.StatusCode < 300 {
		if c.tracker != nil && req.SessionID != "" {
			c.tracker.RecordSuccess(req.SessionID)
		}
		return json.RawMessage(raw), nil
	}

	err = classify(resp.StatusCode, raw, req.SessionID)
	log.Warn().Err(err).Str("module", "adapters.backend").Str("sid", req.SessionID).Int("status", resp.StatusCode).Msg("backend error")
	if c.tracker != nil && domain.IsSessionError(err) {
		return nil, c.tracker.RecordFailure(req.SessionID, err)
	}
	return nil, err
}

func classify(status int, raw []byte, sessionID string) error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	code, msg := eb.Code, eb.Message
	if eb.Error != nil {
		code, msg = eb.Error.Code, eb.Error.Message
	}

	switch code {
	case "session_expired":
		return &domain.SessionError{SessionID: sessionID, Reason: domain.SessionExpired}
	case "session_invalid":
		return &domain.SessionError{SessionID: sessionID, Reason: domain.SessionInvalid}
	case "session_not_found":
		return &domain.SessionError{SessionID: sessionID, Reason: domain.SessionNotFound}
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		ac := domain.AuthCode(code)
		switch ac {
		case domain.AuthUnauthorized, domain.AuthForbidden, domain.AuthInvalidToken, domain.AuthTokenExpired:
		default:
			ac = domain.AuthUnauthorized
			if status == http.StatusForbidden {
				ac = domain.AuthForbidden
			}
		}
		return &domain.AuthError{Code: ac, Status: status, Detail: msg}
	case http.StatusNotFound:
		return &domain.SessionError{SessionID: sessionID, Reason: domain.SessionNotFound}
	case http.StatusGone:
		return &domain.SessionError{SessionID: sessionID, Reason: domain.SessionExpired}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("backend status %d: %s", status, msg)
}
