package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vigilerrors "github.com/vigil-dev/vigil/pkg/errors"
	"github.com/vigil-dev/vigil/pkg/wire"
)

// echoPeer answers every request on conn with a response echoing the payload
// until the conn closes.
func echoPeer(t *testing.T, conn Conn) {
	t.Helper()
	go func() {
		for {
			f, err := conn.ReadFrame()
			if err != nil {
				return
			}
			if req := f.Kind.Request; req != nil {
				_ = conn.WriteFrame(wire.NewResponse(req.ID, req.Action, req.Payload))
			}
		}
	}()
}

func pipeDialer(t *testing.T, peer func(Conn)) Dialer {
	t.Helper()
	return func(ctx context.Context) (Conn, error) {
		client, server := net.Pipe()
		peer(NewStreamConn(server))
		return NewStreamConn(client), nil
	}
}

func TestChannelRequestRoundTrip(t *testing.T) {
	dial := pipeDialer(t, func(c Conn) { echoPeer(t, c) })
	ch := NewChannel(dial, nil, nil, nil, &ChannelConfig{RequestTimeout: time.Second})
	defer ch.Close()

	payload, err := ch.Request(context.Background(), wire.ActionGetMetadata, wire.StringPayload("ping"))
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, "ping", *payload)
	assert.Equal(t, StateConnected, ch.State())
}

func TestChannelLazyConnect(t *testing.T) {
	dial := pipeDialer(t, func(c Conn) { echoPeer(t, c) })
	ch := NewChannel(dial, nil, nil, nil, nil)
	defer ch.Close()

	// No dial happens at construction.
	assert.Equal(t, StateDisconnected, ch.State())

	_, err := ch.Request(context.Background(), wire.ActionGetMetadata, nil)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, ch.State())
}

func TestChannelConcurrentSendsShareOneDial(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var dials atomic.Int32
	dial := func(ctx context.Context) (Conn, error) {
		dials.Add(1)
		started <- struct{}{}
		<-release
		client, server := net.Pipe()
		echoPeer(t, NewStreamConn(server))
		return NewStreamConn(client), nil
	}
	ch := NewChannel(dial, nil, nil, nil, &ChannelConfig{RequestTimeout: time.Second})
	defer ch.Close()

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := ch.Request(context.Background(), wire.ActionGetMetadata, wire.StringPayload("ping"))
			results <- err
		}()
	}

	// One dial goes out; the second sender waits for it instead of dialing.
	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		require.NoError(t, <-results)
	}
	assert.EqualValues(t, 1, dials.Load())
	assert.Equal(t, StateConnected, ch.State())
}

func TestChannelDisconnectFailsPending(t *testing.T) {
	conns := make(chan Conn, 1)
	dial := pipeDialer(t, func(c Conn) { conns <- c })
	ch := NewChannel(dial, nil, nil, nil, &ChannelConfig{RequestTimeout: 5 * time.Second})
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))
	peer := <-conns

	result := make(chan error, 1)
	go func() {
		_, err := ch.Request(context.Background(), wire.ActionCollect, nil)
		result <- err
	}()

	// Let the request land in the pending table, then kill the peer.
	time.Sleep(50 * time.Millisecond)
	peer.Close()

	select {
	case err := <-result:
		require.Error(t, err)
		assert.True(t, vigilerrors.IsCode(err, vigilerrors.ErrCodeProcessStopped))
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed after disconnect")
	}
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestChannelBackoffRefusesTightRetry(t *testing.T) {
	attempts := 0
	dial := func(ctx context.Context) (Conn, error) {
		attempts++
		return nil, vigilerrors.New(vigilerrors.ErrCodeTransportRefused, "connection refused")
	}
	ch := NewChannel(dial, nil, nil, nil, &ChannelConfig{
		ReconnectBackoff:    time.Hour,
		ReconnectBackoffMax: time.Hour,
	})
	defer ch.Close()

	_, err := ch.Request(context.Background(), wire.ActionCollect, nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	// Within the backoff window the channel refuses to redial.
	_, err = ch.Request(context.Background(), wire.ActionCollect, nil)
	require.Error(t, err)
	assert.True(t, vigilerrors.IsCode(err, vigilerrors.ErrCodeProcessNotRunning))
	assert.Equal(t, 1, attempts)
}

func TestChannelReconnectsAfterLoss(t *testing.T) {
	dial := pipeDialer(t, func(c Conn) { echoPeer(t, c) })
	ch := NewChannel(dial, nil, nil, nil, &ChannelConfig{
		RequestTimeout:   time.Second,
		ReconnectBackoff: time.Millisecond,
	})
	defer ch.Close()

	_, err := ch.Request(context.Background(), wire.ActionGetMetadata, nil)
	require.NoError(t, err)

	// Drop the conn out from under the channel.
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	conn.Close()

	// Wait for the receive loop to notice, then the next send redials.
	require.Eventually(t, func() bool {
		return ch.State() == StateDisconnected
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := ch.Request(context.Background(), wire.ActionGetMetadata, nil)
		return err == nil
	}, time.Second, 20*time.Millisecond)
}

func TestChannelRequestTimeoutSendsCancel(t *testing.T) {
	cancels := make(chan uint64, 1)
	dial := pipeDialer(t, func(c Conn) {
		go func() {
			for {
				f, err := c.ReadFrame()
				if err != nil {
					return
				}
				// Swallow requests, surface cancels.
				if cf := f.Kind.Cancel; cf != nil {
					cancels <- cf.ID
				}
			}
		}()
	})
	ch := NewChannel(dial, nil, nil, nil, nil)
	defer ch.Close()

	_, err := ch.RequestTimeout(context.Background(), wire.ActionCollect, nil, 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, vigilerrors.IsCode(err, vigilerrors.ErrCodeCorrelationTimeout))

	select {
	case id := <-cancels:
		assert.Equal(t, uint64(1), id)
	case <-time.After(time.Second):
		t.Fatal("no Cancel frame after timeout")
	}
}

func TestChannelHandlerAnswersRequests(t *testing.T) {
	peerConns := make(chan Conn, 1)
	dial := pipeDialer(t, func(c Conn) { peerConns <- c })

	handler := func(ctx context.Context, f wire.Frame) *wire.Frame {
		if req := f.Kind.Request; req != nil {
			resp := wire.NewResponse(req.ID, req.Action, wire.StringPayload("handled"))
			return &resp
		}
		return nil
	}
	ch := NewChannel(dial, handler, nil, nil, nil)
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))
	peer := <-peerConns

	require.NoError(t, peer.WriteFrame(wire.NewRequest(7, wire.ActionCollect, nil)))

	f, err := peer.ReadFrame()
	require.NoError(t, err)
	require.NotNil(t, f.Kind.Response)
	assert.Equal(t, uint64(7), f.Kind.Response.ID)
	assert.Equal(t, "handled", *f.Kind.Response.Payload)
}

func TestChannelNotify(t *testing.T) {
	events := make(chan wire.Event, 1)
	dial := pipeDialer(t, func(c Conn) {
		go func() {
			for {
				f, err := c.ReadFrame()
				if err != nil {
					return
				}
				if ev := f.Kind.Event; ev != nil {
					events <- *ev
				}
			}
		}()
	})
	ch := NewChannel(dial, nil, nil, nil, nil)
	defer ch.Close()

	reg, err := wire.JSONPayload(RegisterPayload{ObserverID: "obs-1"})
	require.NoError(t, err)
	require.NoError(t, ch.Notify(context.Background(), wire.ActionRegister, reg))

	select {
	case ev := <-events:
		assert.Equal(t, wire.ActionRegister, ev.Action)
		var got RegisterPayload
		require.NoError(t, json.Unmarshal([]byte(*ev.Payload), &got))
		assert.Equal(t, "obs-1", got.ObserverID)
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
	}
}
