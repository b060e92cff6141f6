package pipeline

import (
	"context"
	"testing"

	"github.com/banshee-data/campus.safety/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSource records releases.
type stubSource struct {
	released []uint64
}

func (s *stubSource) Next(context.Context) (*frame.Frame, error) { return nil, frame.ErrEndOfStream }

func (s *stubSource) Release(id uint64) error {
	s.released = append(s.released, id)
	return nil
}

func TestLifecycle_FusedPath(t *testing.T) {
	src := &stubSource{}
	l := newLifecycle(src, true)

	require.NoError(t, l.admit(1))
	require.NoError(t, l.advance(1, StateDispatched))
	require.NoError(t, l.advance(1, StateFused))
	require.NoError(t, l.release(1))

	assert.Equal(t, []uint64{1}, src.released)
	released, dropped, illegal := l.counts()
	assert.Equal(t, 1, released)
	assert.Zero(t, dropped)
	assert.Zero(t, illegal)
	assert.Empty(t, l.outstanding())
}

func TestLifecycle_DropPaths(t *testing.T) {
	src := &stubSource{}
	l := newLifecycle(src, true)

	require.NoError(t, l.admit(1))
	require.NoError(t, l.drop(1))

	require.NoError(t, l.admit(2))
	require.NoError(t, l.advance(2, StateDispatched))
	require.NoError(t, l.drop(2))

	assert.Equal(t, []uint64{1, 2}, src.released)
	_, dropped, _ := l.counts()
	assert.Equal(t, 2, dropped)
}

func TestLifecycle_StrictPanics(t *testing.T) {
	l := newLifecycle(&stubSource{}, true)
	require.NoError(t, l.admit(1))

	assert.Panics(t, func() { _ = l.advance(1, StateFused) })
	assert.Panics(t, func() { _ = l.admit(1) })
	assert.Panics(t, func() { _ = l.release(7) })
}

func TestLifecycle_CountsViolations(t *testing.T) {
	src := &stubSource{}
	l := newLifecycle(src, false)

	require.NoError(t, l.admit(1))
	assert.Error(t, l.release(1), "admitted frames cannot skip to released")
	require.NoError(t, l.drop(1))
	assert.Error(t, l.release(1), "second release is refused")

	assert.Equal(t, []uint64{1}, src.released)
	_, _, illegal := l.counts()
	assert.Equal(t, 2, illegal)
}

func TestFrameStateString(t *testing.T) {
	assert.Equal(t, "admitted", StateAdmitted.String())
	assert.Equal(t, "released", StateReleased.String())
	assert.Equal(t, "state(42)", FrameState(42).String())
}
