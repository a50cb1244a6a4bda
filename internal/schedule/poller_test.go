package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type countingPoll struct {
	calls atomic.Int32
	err   error
}

func (c *countingPoll) poll(context.Context) error {
	c.calls.Add(1)
	return c.err
}

func newTestPoller(t *testing.T) (*Poller, *FakeClock, *countingPoll) {
	t.Helper()

	clock := NewFakeClock(epoch)
	cp := &countingPoll{}
	p := NewPoller(cp.poll, Config{Clock: clock})

	t.Cleanup(p.Stop)

	return p, clock, cp
}

func TestPoller_PollsImmediatelyOnStart(t *testing.T) {
	p, _, cp := newTestPoller(t)

	p.Start(context.Background())

	assert.Equal(t, int32(1), cp.calls.Load())
}

func TestPoller_Interval(t *testing.T) {
	p, clock, cp := newTestPoller(t)

	p.Start(context.Background())

	clock.Advance(4 * time.Second)
	assert.Equal(t, int32(1), cp.calls.Load())

	clock.Advance(time.Second)
	assert.Equal(t, int32(2), cp.calls.Load())

	clock.Advance(15 * time.Second)
	assert.Equal(t, int32(5), cp.calls.Load())
}

func TestPoller_KickFiresAfterDelay(t *testing.T) {
	p, clock, cp := newTestPoller(t)

	p.Start(context.Background())
	require.NoError(t, p.Kick())
	assert.Equal(t, 1, p.Pending())

	clock.Advance(2 * time.Second)
	assert.Equal(t, int32(1), cp.calls.Load())

	clock.Advance(time.Second)
	assert.Equal(t, int32(2), cp.calls.Load())
	assert.Equal(t, 0, p.Pending())
}

func TestPoller_MultipleKicksAllFire(t *testing.T) {
	p, clock, cp := newTestPoller(t)

	p.Start(context.Background())

	for range 3 {
		require.NoError(t, p.Kick())
	}

	assert.Equal(t, 3, p.Pending())

	clock.Advance(3 * time.Second)
	assert.Equal(t, int32(4), cp.calls.Load())
}

func TestPoller_StopCancelsEverything(t *testing.T) {
	p, clock, cp := newTestPoller(t)

	p.Start(context.Background())
	require.NoError(t, p.Kick())
	require.NoError(t, p.Kick())

	p.Stop()

	assert.Equal(t, 0, p.Pending())
	assert.Equal(t, 0, clock.Pending())

	clock.Advance(time.Minute)
	assert.Equal(t, int32(1), cp.calls.Load())
}

func TestPoller_StopIsIdempotent(t *testing.T) {
	p, _, _ := newTestPoller(t)

	p.Stop()
	p.Start(context.Background())
	p.Stop()
	p.Stop()
}

func TestPoller_KickWhenStopped(t *testing.T) {
	p, _, _ := newTestPoller(t)

	assert.ErrorIs(t, p.Kick(), ErrNotRunning)

	p.Start(context.Background())
	p.Stop()

	assert.ErrorIs(t, p.Kick(), ErrNotRunning)
}

func TestPoller_StartTwiceIsNoop(t *testing.T) {
	p, clock, cp := newTestPoller(t)

	p.Start(context.Background())
	p.Start(context.Background())
	assert.Equal(t, int32(1), cp.calls.Load())

	clock.Advance(5 * time.Second)
	assert.Equal(t, int32(2), cp.calls.Load())
}

func TestPoller_ErrorsDoNotStopSchedule(t *testing.T) {
	clock := NewFakeClock(epoch)
	cp := &countingPoll{err: errors.New("backend down")}
	p := NewPoller(cp.poll, Config{Clock: clock})
	defer p.Stop()

	p.Start(context.Background())
	clock.Advance(10 * time.Second)

	assert.Equal(t, int32(3), cp.calls.Load())
}

func TestPoller_StopCancelsPollContext(t *testing.T) {
	clock := NewFakeClock(epoch)

	var seen context.Context

	p := NewPoller(func(ctx context.Context) error {
		seen = ctx
		return nil
	}, Config{Clock: clock})

	p.Start(context.Background())
	require.NotNil(t, seen)
	require.NoError(t, seen.Err())

	p.Stop()
	assert.ErrorIs(t, seen.Err(), context.Canceled)
}

func TestPoller_CustomTiming(t *testing.T) {
	clock := NewFakeClock(epoch)
	cp := &countingPoll{}
	p := NewPoller(cp.poll, Config{Clock: clock, Interval: time.Minute, RepollDelay: 10 * time.Second})
	defer p.Stop()

	p.Start(context.Background())
	require.NoError(t, p.Kick())

	clock.Advance(10 * time.Second)
	assert.Equal(t, int32(2), cp.calls.Load())

	clock.Advance(50 * time.Second)
	assert.Equal(t, int32(3), cp.calls.Load())
}

func TestPoller_RealClock(t *testing.T) {
	cp := &countingPoll{}
	p := NewPoller(cp.poll, Config{Interval: 20 * time.Millisecond, RepollDelay: 10 * time.Millisecond})

	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool { return cp.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestFakeClock_StopBeforeFire(t *testing.T) {
	clock := NewFakeClock(epoch)

	fired := false
	timer := clock.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	clock.Advance(time.Hour)
	assert.False(t, fired)
	assert.Equal(t, epoch.Add(time.Hour), clock.Now())
}

func TestFakeClock_FiresInDeadlineOrder(t *testing.T) {
	clock := NewFakeClock(epoch)

	var order []int

	clock.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	clock.AfterFunc(time.Second, func() { order = append(order, 1) })
	clock.AfterFunc(2*time.Second, func() {
		order = append(order, 2)
		clock.AfterFunc(500*time.Millisecond, func() { order = append(order, 25) })
	})

	clock.Advance(5 * time.Second)

	assert.Equal(t, []int{1, 2, 25, 3}, order)
}
