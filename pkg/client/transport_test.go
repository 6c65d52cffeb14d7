package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotboard/collab/pkg/resilience"
)

func newFailingTransport(threshold int) *Transport {
	config := DefaultTransportConfig()
	config.URL = "ws://127.0.0.1:1/ws"
	config.Breaker = resilience.ConnectionBreakerConfig{
		FailureThreshold: threshold,
		CoolDown:         time.Minute,
		MaxCoolDown:      5 * time.Minute,
	}
	t := NewTransport(config, nil, nil)
	t.dial = func(context.Context, string) (*websocket.Conn, error) {
		return nil, errors.New("connection refused")
	}
	return t
}

func TestTransportConnectFailure(t *testing.T) {
	tr := newFailingTransport(5)

	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusError, tr.Status())
	assert.Equal(t, QualityOffline, tr.Quality())
}

func TestTransportCircuitOpensAtThreshold(t *testing.T) {
	tr := newFailingTransport(2)

	require.Error(t, tr.Connect(context.Background()))
	assert.Equal(t, StatusError, tr.Status())

	// the failure that trips the breaker surfaces circuit-open immediately,
	// not on the next gated attempt
	require.Error(t, tr.Connect(context.Background()))
	assert.Equal(t, StatusCircuitOpen, tr.Status())

	err := tr.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen, "threshold reached, attempts refused")
	assert.Equal(t, StatusCircuitOpen, tr.Status())
}

func TestTransportStatusListeners(t *testing.T) {
	tr := newFailingTransport(5)

	var mu sync.Mutex
	var transitions []Status
	tr.OnStatusChange(func(status Status) {
		mu.Lock()
		transitions = append(transitions, status)
		mu.Unlock()
	})

	_ = tr.Connect(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusConnecting, StatusError}, transitions)
}

func TestTransportSendWhileDisconnected(t *testing.T) {
	tr := newFailingTransport(5)
	delivered := tr.Send(context.Background(), chatEnvelope("hello"))
	assert.False(t, delivered, "nothing is written without a connection")
}

func TestTransportDisconnectIsIdempotent(t *testing.T) {
	tr := newFailingTransport(5)
	tr.Disconnect()
	tr.Disconnect()
	assert.Equal(t, StatusDisconnected, tr.Status())
	tr.Close()
}
