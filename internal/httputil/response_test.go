package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, map[string]int{"count": 3})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var got map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 3, got["count"])
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter)
		status int
		msg    string
	}{
		{"method", MethodNotAllowed, http.StatusMethodNotAllowed, "method not allowed"},
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "bad limit") }, http.StatusBadRequest, "bad limit"},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "no such report") }, http.StatusNotFound, "no such report"},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "db closed") }, http.StatusInternalServerError, "db closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)
			assert.Equal(t, tt.status, w.Code)
			var got map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Equal(t, tt.msg, got["error"])
		})
	}
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?limit=25&bad=-1&word=ten", nil)

	v, err := QueryInt(r, "limit", 10)
	require.NoError(t, err)
	assert.Equal(t, 25, v)

	v, err = QueryInt(r, "missing", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	_, err = QueryInt(r, "bad", 10)
	assert.Error(t, err)
	_, err = QueryInt(r, "word", 10)
	assert.Error(t, err)
}

func TestQueryTime(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?from=2026-03-02T09:00:00Z&to=1772442000&bad=yesterday", nil)

	from, err := QueryTime(r, "from")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), from)

	to, err := QueryTime(r, "to")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1772442000, 0).UTC(), to)

	zero, err := QueryTime(r, "missing")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, err = QueryTime(r, "bad")
	assert.Error(t, err)
}
