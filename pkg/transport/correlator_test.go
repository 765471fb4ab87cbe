package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vigilerrors "github.com/vigil-dev/vigil/pkg/errors"
	"github.com/vigil-dev/vigil/pkg/wire"
)

func TestCorrelatorResolvesResponse(t *testing.T) {
	c := NewCorrelator(nil)
	id := c.NextID()
	done := c.Track(id)

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Resolve(wire.NewResponse(id, wire.ActionCollect, wire.StringPayload("ok")))
	}()

	f, err := c.Await(context.Background(), id, done, time.Second)
	require.NoError(t, err)
	require.NotNil(t, f.Kind.Response)
	assert.Equal(t, "ok", *f.Kind.Response.Payload)
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelatorTimeoutBeatsLateResponse(t *testing.T) {
	c := NewCorrelator(nil)
	id := c.NextID()
	done := c.Track(id)

	// Response lands at 100ms; the 50ms timeout must win and the late
	// response must be dropped, not delivered.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(100 * time.Millisecond)
		c.Resolve(wire.NewResponse(id, wire.ActionCollect, wire.StringPayload("too late")))
	}()

	_, err := c.Await(context.Background(), id, done, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, vigilerrors.IsCode(err, vigilerrors.ErrCodeCorrelationTimeout))

	wg.Wait()
	assert.Equal(t, 0, c.PendingCount())

	// The done channel must not hold a second result.
	select {
	case res := <-done:
		t.Fatalf("request fired twice: %+v", res)
	default:
	}
}

func TestCorrelatorResponseBeatsTimeout(t *testing.T) {
	c := NewCorrelator(nil)
	id := c.NextID()
	done := c.Track(id)

	c.Resolve(wire.NewResponse(id, wire.ActionGetMetadata, nil))

	f, err := c.Await(context.Background(), id, done, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, f.Kind.Response)
}

func TestCorrelatorErrorFrame(t *testing.T) {
	c := NewCorrelator(nil)
	id := c.NextID()
	done := c.Track(id)

	c.Resolve(wire.NewError(id, string(vigilerrors.ErrCodeStrategyExtraction), "extraction failed", "no transcript"))

	_, err := c.Await(context.Background(), id, done, time.Second)
	require.Error(t, err)
	assert.True(t, vigilerrors.IsCode(err, vigilerrors.ErrCodeStrategyExtraction))
}

func TestCorrelatorUnknownIDDropped(t *testing.T) {
	c := NewCorrelator(nil)
	// Must not panic or hang.
	c.Resolve(wire.NewResponse(999, wire.ActionCollect, nil))
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelatorFailAll(t *testing.T) {
	c := NewCorrelator(nil)

	type waiter struct {
		id   uint64
		done <-chan Result
	}
	waiters := make([]waiter, 0, 3)
	for i := 0; i < 3; i++ {
		id := c.NextID()
		waiters = append(waiters, waiter{id: id, done: c.Track(id)})
	}

	n := c.FailAll(nil)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, c.PendingCount())

	for _, w := range waiters {
		_, err := c.Await(context.Background(), w.id, w.done, time.Second)
		require.Error(t, err)
		assert.True(t, vigilerrors.IsCode(err, vigilerrors.ErrCodeProcessStopped))
		assert.True(t, vigilerrors.IsRetryable(err))
	}
}

func TestCorrelatorContextCancel(t *testing.T) {
	c := NewCorrelator(nil)
	id := c.NextID()
	done := c.Track(id)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Await(ctx, id, done, time.Minute)
	require.Error(t, err)
	assert.True(t, vigilerrors.IsCode(err, vigilerrors.ErrCodeCorrelationStale))
}

func TestCorrelatorIDsRestartAfterReset(t *testing.T) {
	c := NewCorrelator(nil)
	assert.Equal(t, uint64(1), c.NextID())
	assert.Equal(t, uint64(2), c.NextID())
	c.Reset()
	assert.Equal(t, uint64(1), c.NextID())
}
