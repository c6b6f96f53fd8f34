package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"eventbridge/internal/errs"
)

// HTTPSender is the reference Sender adapter: a plain HTTP POST to a
// remote chat API, classifying responses into the errs taxonomy (4xx
// permanent, 429 rate-limited with Retry-After honored, 5xx and network
// failures transient).
type HTTPSender struct {
	client    *http.Client
	endpoint  string
	authToken string
}

// NewHTTPSender builds a sender posting to endpoint (expected to accept a
// JSON {chat_id, text} body and return {message_id} on 2xx).
func NewHTTPSender(endpoint, authToken string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{
		client:    &http.Client{Timeout: timeout},
		endpoint:  endpoint,
		authToken: authToken,
	}
}

type sendRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Send implements transport.Sender.
func (s *HTTPSender) Send(ctx context.Context, chatID, text string) (string, error) {
	body, err := json.Marshal(sendRequest{ChatID: chatID, Text: text})
	if err != nil {
		return "", errs.New(errs.SerializationError, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", errs.New(errs.ProtocolError, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", errs.New(errs.ConnectionTimeout, err)
		}
		return "", errs.New(errs.ConnectionTimeout, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed sendResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return "", errs.New(errs.SerializationError, err)
		}
		return parsed.MessageID, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		wait := retryAfter(resp.Header.Get("Retry-After"))
		be := errs.New(errs.RateLimited, apiError(raw, resp.StatusCode))
		if wait > 0 {
			be.WithWait(wait)
		}
		return "", be

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", errs.New(errs.Auth, apiError(raw, resp.StatusCode))

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", errs.New(errs.InvalidRequest, apiError(raw, resp.StatusCode))

	default: // 5xx and anything else unexpected: treat as transient.
		return "", errs.New(errs.ConnectionTimeout, apiError(raw, resp.StatusCode))
	}
}

// Probe implements tier.Prober with a cheap HEAD request; health checks
// never send a real event.
func (s *HTTPSender) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.endpoint, nil)
	if err != nil {
		return errs.New(errs.ProtocolError, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return errs.New(errs.ConnectionTimeout, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errs.New(errs.ConnectionTimeout, fmt.Errorf("probe status %d", resp.StatusCode))
	}
	return nil
}

func apiError(raw []byte, status int) error {
	var body apiErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return fmt.Errorf("transport: %d %s: %s", status, body.Code, body.Message)
	}
	return fmt.Errorf("transport: status %d", status)
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
