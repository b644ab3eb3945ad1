package memcached

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerFailurePolicy_AllowedUntilTripped(t *testing.T) {
	p := NewBreakerFailurePolicy("node-a", 2, time.Minute, time.Minute, nil)
	assert.True(t, p.Allowed())
}

func TestBreakerFailurePolicy_TripsOnConsecutiveFailures(t *testing.T) {
	var tripped []NodeFailedEvent
	p := NewBreakerFailurePolicy("node-a", 2, time.Minute, time.Minute, func(ev NodeFailedEvent) {
		tripped = append(tripped, ev)
	})

	failing := func(context.Context) (*Response, error) {
		return nil, ErrServerNotAvailable
	}

	_, _ = p.Execute(context.Background(), failing)
	assert.True(t, p.Allowed())

	_, err := p.Execute(context.Background(), failing)
	assert.Error(t, err)
	assert.False(t, p.Allowed())

	require.Len(t, tripped, 1)
	assert.Equal(t, "node-a", tripped[0].Node)
}

func TestBreakerFailurePolicy_StaysAllowedBelowThreshold(t *testing.T) {
	p := NewBreakerFailurePolicy("node-a", 5, time.Minute, time.Minute, nil)

	_, _ = p.Execute(context.Background(), func(context.Context) (*Response, error) {
		return nil, ErrServerNotAvailable
	})

	assert.True(t, p.Allowed())
}

func TestBreakerFailurePolicy_HalfOpenProbeRestores(t *testing.T) {
	p := NewBreakerFailurePolicy("node-a", 1, time.Minute, 10*time.Millisecond, nil)

	_, err := p.Execute(context.Background(), func(context.Context) (*Response, error) {
		return nil, ErrServerNotAvailable
	})
	require.Error(t, err)
	require.False(t, p.Allowed())

	time.Sleep(20 * time.Millisecond)

	resp, err := p.Execute(context.Background(), func(context.Context) (*Response, error) {
		return &Response{Status: SUCCESS}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, SUCCESS, resp.Status)
	assert.True(t, p.Allowed())
}

func TestBreakerFailurePolicy_PropagatesExecError(t *testing.T) {
	p := NewBreakerFailurePolicy("node-a", 5, time.Minute, time.Minute, nil)

	wantErr := errors.New("boom")
	_, err := p.Execute(context.Background(), func(context.Context) (*Response, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}
