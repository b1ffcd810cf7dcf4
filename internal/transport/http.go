// internal/transport/http.go
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

	"go.uber.org/zap"
)

// HTTPTransport posts messages to a provider's JSON send endpoint.
type HTTPTransport struct {
	BaseURL string
	APIKey  string
	client  *http.Client
	log     *zap.Logger
}

func NewHTTPTransport(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		BaseURL: baseURL,
		APIKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

type sendRequest struct {
	SessionID string `json:"session_id"`
	To        string `json:"to"`
	Text      string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

func (t *HTTPTransport) Send(ctx context.Context, sessionID, address, body string) (SendResult, error) {
	start := time.Now()

	payload, err := json.Marshal(sendRequest{SessionID: sessionID, To: address, Text: body})
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to marshal send payload: %w", err)
	}

	url := t.BaseURL + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.APIKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return SendResult{}, &Error{Code: CodeTimeout, Message: err.Error()}
		}
		return SendResult{}, &Error{Code: CodeProvider, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out sendResponse
	_ = json.Unmarshal(raw, &out)

	t.log.Debug("provider send",
		zap.String("session_id", sessionID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return SendResult{}, &Error{
			Code:       CodeRateLimited,
			Message:    messageOr(out.Error, "provider rate limit"),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return SendResult{}, &Error{Code: CodeInvalidAddress, Message: messageOr(out.Error, string(raw))}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return SendResult{}, &Error{Code: CodeProvider, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, messageOr(out.Error, string(raw)))}
	case out.MessageID == "":
		return SendResult{}, &Error{Code: CodeProvider, Message: "provider response has no message_id"}
	}
	return SendResult{ProviderMessageID: out.MessageID}, nil
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
