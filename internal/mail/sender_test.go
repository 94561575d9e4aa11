package mail

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSender struct {
	mu     sync.Mutex
	calls  int
	fail   bool
	reject bool
}

func (s *countingSender) Send(ctx context.Context, to, subject, body string, correlationID int64) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return SendResult{}, errors.New("provider down")
	}
	if s.reject {
		return SendResult{OK: false}, nil
	}
	return SendResult{OK: true, ProviderID: "prov-1"}, nil
}

func TestIdempotentSenderCachesSuccess(t *testing.T) {
	inner := &countingSender{}
	sender := NewIdempotentSender(inner)
	ctx := context.Background()

	first, err := sender.Send(ctx, "patient@example.de", "Re: Termin", "body", 42)
	require.NoError(t, err)
	assert.True(t, first.OK)

	second, err := sender.Send(ctx, "patient@example.de", "Re: Termin", "body", 42)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls, "repeated correlation id must not reach the provider")
}

func TestIdempotentSenderRetriesAfterFailure(t *testing.T) {
	inner := &countingSender{fail: true}
	sender := NewIdempotentSender(inner)
	ctx := context.Background()

	_, err := sender.Send(ctx, "patient@example.de", "Re: Termin", "body", 7)
	require.Error(t, err)

	// A failed send is not cached; the retry goes through.
	inner.fail = false
	result, err := sender.Send(ctx, "patient@example.de", "Re: Termin", "body", 7)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, 2, inner.calls)
}

func TestIdempotentSenderRetriesAfterRejection(t *testing.T) {
	inner := &countingSender{reject: true}
	sender := NewIdempotentSender(inner)
	ctx := context.Background()

	first, err := sender.Send(ctx, "patient@example.de", "Re: Termin", "body", 9)
	require.NoError(t, err)
	require.False(t, first.OK)

	// A provider rejection is not cached either; the retry reaches the
	// provider and succeeds.
	inner.reject = false
	second, err := sender.Send(ctx, "patient@example.de", "Re: Termin", "body", 9)
	require.NoError(t, err)
	assert.True(t, second.OK, "provider succeeded on retry")
	assert.Equal(t, 2, inner.calls)
}

func TestIdempotentSenderDistinctCorrelationIDs(t *testing.T) {
	inner := &countingSender{}
	sender := NewIdempotentSender(inner)
	ctx := context.Background()

	_, err := sender.Send(ctx, "a@example.de", "s", "b", 1)
	require.NoError(t, err)
	_, err = sender.Send(ctx, "b@example.de", "s", "b", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}
