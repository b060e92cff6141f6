package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func TestRealClock(t *testing.T) {
	t.Parallel()
	clock := RealClock{}

	before := time.Now()
	now := clock.Now()
	assert.False(t, now.Before(before))
	assert.GreaterOrEqual(t, clock.Since(before.Add(-time.Second)), time.Second)

	timer := clock.NewTimer(time.Millisecond)
	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}

	ticker := clock.NewTicker(time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Fatal("real ticker did not tick")
	}
}

func TestMockClock_TimerFiresAtDeadline(t *testing.T) {
	t.Parallel()
	clock := NewMockClock(epoch)
	timer := clock.NewTimer(500 * time.Millisecond)
	require.Equal(t, 1, clock.ActiveTimers())

	clock.Advance(499 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	clock.Advance(time.Millisecond)
	select {
	case got := <-timer.C():
		assert.Equal(t, epoch.Add(500*time.Millisecond), got)
	default:
		t.Fatal("timer did not fire at deadline")
	}
	assert.Equal(t, 0, clock.ActiveTimers())
}

func TestMockClock_TimerStopAndReset(t *testing.T) {
	t.Parallel()
	clock := NewMockClock(epoch)
	timer := clock.NewTimer(time.Second)

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	clock.Advance(2 * time.Second)
	assert.Len(t, timer.C(), 0)

	assert.False(t, timer.Reset(time.Second))
	clock.Advance(999 * time.Millisecond)
	assert.Len(t, timer.C(), 0)
	clock.Advance(time.Millisecond)
	assert.Len(t, timer.C(), 1)
}

func TestMockClock_Ticker(t *testing.T) {
	t.Parallel()
	clock := NewMockClock(epoch)
	ticker := clock.NewTicker(time.Second)

	clock.Advance(time.Second)
	<-ticker.C()
	clock.Advance(time.Second)
	<-ticker.C()

	ticker.Stop()
	clock.Advance(5 * time.Second)
	assert.Len(t, ticker.C(), 0)

	ticker.Reset(2 * time.Second)
	clock.Advance(time.Second)
	assert.Len(t, ticker.C(), 0)
	clock.Advance(time.Second)
	assert.Len(t, ticker.C(), 1)
}

func TestMockClock_After(t *testing.T) {
	t.Parallel()
	clock := NewMockClock(epoch)
	ch := clock.After(time.Minute)
	clock.Advance(time.Minute)
	assert.Equal(t, epoch.Add(time.Minute), <-ch)
	assert.Equal(t, time.Minute, clock.Since(epoch))
}

func TestStreamClock(t *testing.T) {
	t.Parallel()
	host := NewMockClock(epoch)
	sc := NewStreamClock(host)
	assert.True(t, sc.Now().IsZero())

	stream := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sc.Observe(stream)
	assert.Equal(t, stream, sc.Now())

	host.Advance(3 * time.Second)
	assert.Equal(t, stream.Add(3*time.Second), sc.Now())

	// An older timestamp does not move the estimate backwards.
	sc.Observe(stream.Add(-time.Minute))
	assert.Equal(t, stream.Add(3*time.Second), sc.Now())

	sc.Observe(stream.Add(10 * time.Second))
	assert.Equal(t, stream.Add(10*time.Second), sc.Now())
}
