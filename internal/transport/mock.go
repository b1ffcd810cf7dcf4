// internal/transport/mock.go
package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// MockTransport accepts every message with configurable failure odds and
// optionally emits a delivered report for each accepted message.
type MockTransport struct {
	mu          sync.Mutex
	rng         *rand.Rand
	failureRate float64
	reports     chan DeliveryReport
	emitReports bool

	// Fail, when set, decides the outcome for an address before the random draw.
	Fail func(address string) error

	sent []SentMessage
}

type SentMessage struct {
	SessionID         string
	Address           string
	Body              string
	ProviderMessageID string
}

func NewMockTransport(failureRate float64, emitReports bool) *MockTransport {
	return &MockTransport{
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		failureRate: failureRate,
		reports:     make(chan DeliveryReport, 1024),
		emitReports: emitReports,
	}
}

func (m *MockTransport) Send(ctx context.Context, sessionID, address, body string) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, &Error{Code: CodeTimeout, Message: err.Error()}
	}
	if m.Fail != nil {
		if err := m.Fail(address); err != nil {
			return SendResult{}, err
		}
	}

	m.mu.Lock()
	failed := m.rng.Float64() < m.failureRate
	m.mu.Unlock()
	if failed {
		return SendResult{}, &Error{Code: CodeProvider, Message: "mock sending failed"}
	}

	id := uuid.NewString()
	m.mu.Lock()
	m.sent = append(m.sent, SentMessage{SessionID: sessionID, Address: address, Body: body, ProviderMessageID: id})
	m.mu.Unlock()

	if m.emitReports {
		select {
		case m.reports <- DeliveryReport{ProviderMessageID: id, Status: model.RecipientDelivered, At: time.Now().UTC()}:
		default:
		}
	}
	return SendResult{ProviderMessageID: id}, nil
}

func (m *MockTransport) Reports() <-chan DeliveryReport { return m.reports }

// Sent returns a copy of every accepted message.
func (m *MockTransport) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
