// internal/transport/transport.go
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

type Code string

const (
	CodeRateLimited    Code = "rate_limited"
	CodeTimeout        Code = "timeout"
	CodeInvalidAddress Code = "invalid_address"
	CodeProvider       Code = "provider_error"
)

// Error is a failed send as reported by the provider.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Temporary reports whether resending the same message later may succeed.
func (e *Error) Temporary() bool {
	return e.Code == CodeRateLimited || e.Code == CodeTimeout
}

type SendResult struct {
	ProviderMessageID string
}

// Transport sends one rendered message on a messaging session.
type Transport interface {
	Send(ctx context.Context, sessionID, address, body string) (SendResult, error)
}

// DeliveryReport is a provider callback about a previously sent message.
type DeliveryReport struct {
	ProviderMessageID string                `json:"provider_message_id"`
	Status            model.RecipientStatus `json:"status"`
	At                time.Time             `json:"timestamp"`
}

// Reporter is implemented by transports that push delivery reports in process.
type Reporter interface {
	Reports() <-chan DeliveryReport
}
