// Package mail defines the outbound send capability. Providers live
// behind the Sender interface; send must be idempotent by correlation
// id (the draft id), and non-idempotent adapters are wrapped.
package mail

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// SendResult reports a completed send.
type SendResult struct {
	OK         bool
	ProviderID string
}

// Sender delivers an outbound reply. CorrelationID identifies the
// draft being sent; repeating a correlation id must not deliver twice.
type Sender interface {
	Send(ctx context.Context, to, subject, body string, correlationID int64) (SendResult, error)
}

// LogSender is the development adapter: it logs the message and
// reports success with a synthetic provider id.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a logging sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, to, subject, body string, correlationID int64) (SendResult, error) {
	providerID := uuid.NewString()
	s.logger.Info("Outbound mail (log sender)",
		"to", to,
		"subject", subject,
		"correlation_id", correlationID,
		"provider_id", providerID,
		"body_bytes", len(body))
	return SendResult{OK: true, ProviderID: providerID}, nil
}

// IdempotentSender wraps a possibly non-idempotent adapter with an
// in-memory correlation cache: a repeated correlation id returns the
// first successful result without calling the adapter again.
type IdempotentSender struct {
	inner Sender

	mu   sync.Mutex
	sent map[int64]SendResult
}

// NewIdempotentSender wraps inner.
func NewIdempotentSender(inner Sender) *IdempotentSender {
	return &IdempotentSender{inner: inner, sent: make(map[int64]SendResult)}
}

func (s *IdempotentSender) Send(ctx context.Context, to, subject, body string, correlationID int64) (SendResult, error) {
	s.mu.Lock()
	if result, ok := s.sent[correlationID]; ok {
		s.mu.Unlock()
		return result, nil
	}
	s.mu.Unlock()

	result, err := s.inner.Send(ctx, to, subject, body, correlationID)
	if err != nil || !result.OK {
		// Rejections are not cached; the retry must reach the provider.
		return result, err
	}

	s.mu.Lock()
	s.sent[correlationID] = result
	s.mu.Unlock()
	return result, nil
}
