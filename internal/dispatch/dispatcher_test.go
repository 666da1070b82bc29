package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type ctxKey struct{}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestSubmit_DoesNotBlockAndOutlivesRequest(t *testing.T) {
	d := New(context.Background(), 4, time.Second, nil)

	reqCtx, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "corr-1"))
	release := make(chan struct{})
	var sawValue string
	var sawErr error

	done, err := d.Submit(reqCtx, "task", func(ctx context.Context) {
		<-release
		sawValue, _ = ctx.Value(ctxKey{}).(string)
		sawErr = ctx.Err()
	})
	require.NoError(t, err)

	// The request finishing must not cancel the task.
	cancel()
	close(release)
	waitDone(t, done)

	require.Equal(t, "corr-1", sawValue)
	require.NoError(t, sawErr)
}

func TestSubmit_BoundsConcurrency(t *testing.T) {
	d := New(context.Background(), 2, time.Second, nil)

	var running, peak atomic.Int32
	release := make(chan struct{})
	var dones []<-chan struct{}
	for i := 0; i < 6; i++ {
		done, err := d.Submit(context.Background(), "task", func(context.Context) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		})
		require.NoError(t, err)
		dones = append(dones, done)
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	for _, done := range dones {
		waitDone(t, done)
	}
	require.Equal(t, int32(2), peak.Load())
}

func TestSubmit_AppliesTimeout(t *testing.T) {
	d := New(context.Background(), 1, 20*time.Millisecond, nil)

	var err error
	done, subErr := d.Submit(context.Background(), "slow", func(ctx context.Context) {
		<-ctx.Done()
		err = ctx.Err()
	})
	require.NoError(t, subErr)
	waitDone(t, done)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmit_RecoversPanic(t *testing.T) {
	d := New(context.Background(), 1, time.Second, nil)

	done, err := d.Submit(context.Background(), "panics", func(context.Context) { panic("boom") })
	require.NoError(t, err)
	waitDone(t, done)

	// The slot is released after a panic.
	ran := false
	done, err = d.Submit(context.Background(), "after", func(context.Context) { ran = true })
	require.NoError(t, err)
	waitDone(t, done)
	require.True(t, ran)
}

func TestClose_DrainsAndRejects(t *testing.T) {
	d := New(context.Background(), 2, time.Second, nil)

	var finished atomic.Bool
	_, err := d.Submit(context.Background(), "task", func(context.Context) {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})
	require.NoError(t, err)

	require.NoError(t, d.Close(context.Background()))
	require.True(t, finished.Load())

	_, err = d.Submit(context.Background(), "late", func(context.Context) {})
	require.ErrorIs(t, err, ErrClosed)
}

func TestClose_RespectsDeadline(t *testing.T) {
	d := New(context.Background(), 1, time.Second, nil)
	release := make(chan struct{})
	defer close(release)

	_, err := d.Submit(context.Background(), "stuck", func(context.Context) { <-release })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
}

func TestSubmit_QueuedTaskExpiresWaitingForSlot(t *testing.T) {
	d := New(context.Background(), 1, 30*time.Millisecond, nil)

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	_, err := d.Submit(context.Background(), "holder", func(context.Context) {
		close(started)
		<-release
	})
	require.NoError(t, err)
	waitDone(t, started)

	var ran atomic.Bool
	done, err := d.Submit(context.Background(), "queued", func(context.Context) { ran.Store(true) })
	require.NoError(t, err)

	waitDone(t, done)
	require.False(t, ran.Load())
}
