package monitoring

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogger_CapturesSummaries(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	lt := NewLatencyTracker(8)
	lt.Record("hazard", 12*time.Millisecond)
	lt.LogSummaries()

	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "hazard latency: n=1")
}

func TestSetLogger_NilMutes(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(string, ...interface{}) { called = true })
	SetLogger(nil)

	require.NotNil(t, Logf)
	assert.NotPanics(t, func() { Logf("dropped %d", 1) })
	assert.False(t, called)
}
