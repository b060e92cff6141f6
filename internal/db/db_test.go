package db

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/campus.safety/internal/incident"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "sfc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func closedIncident(id, category string, offset time.Duration, peak float64, obs ...uint64) incident.Incident {
	first := t0.Add(offset)
	last := first.Add(2 * time.Second)
	return incident.Incident{
		ID:             id,
		Category:       category,
		FirstSeen:      first,
		LastSeen:       last,
		PeakConfidence: peak,
		ObservationIDs: obs,
		State:          incident.StateClosed,
		ClosedAt:       last.Add(10 * time.Second),
	}
}

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var synchronous int
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous) // NORMAL

	var tempStore int
	require.NoError(t, db.QueryRow("PRAGMA temp_store").Scan(&tempStore))
	assert.Equal(t, 2, tempStore) // MEMORY
}

func TestMigrations(t *testing.T) {
	db := newTestDB(t)

	latest, err := LatestMigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(3), latest)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, latest, version)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	var tables int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='profiles'").Scan(&tables))
	assert.Zero(t, tables)

	require.NoError(t, db.MigrateUp())
	require.NoError(t, db.MigrateUp(), "second up is a no-op")
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sfc.db")
	db1, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db1.InsertIncidents(context.Background(), "s1", []incident.Incident{
		closedIncident("inc_1", "fire", 0, 0.9, 1),
	}))
	require.NoError(t, db1.Close())

	db2, err := NewDB(path)
	require.NoError(t, err)
	defer db2.Close()
	rec, err := db2.GetIncident(context.Background(), "inc_1")
	require.NoError(t, err)
	assert.Equal(t, "fire", rec.Category)
	assert.Equal(t, path, db2.Path())
}

func TestInsertAndGetIncident(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	want := closedIncident("inc_1", "fire", 0, 0.92, 3, 4, 5)

	require.NoError(t, db.InsertIncidents(ctx, "s1", []incident.Incident{want}))
	got, err := db.GetIncident(ctx, "inc_1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got.Incident); diff != "" {
		t.Errorf("stored incident differs (-want +got):\n%s", diff)
	}
	assert.Equal(t, "s1", got.SessionID)

	_, err = db.GetIncident(ctx, "inc_missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, db.InsertIncidents(ctx, "s1", nil))
}

func TestIncidentsQuery(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.InsertIncidents(ctx, "s1", []incident.Incident{
		closedIncident("inc_a", "fire", 0, 0.9, 1),
		closedIncident("inc_b", "smoke", time.Minute, 0.8, 2),
		closedIncident("inc_c", "crowd_gathering", 2*time.Minute, 0.76, 3),
		closedIncident("inc_d", "fire", 3*time.Minute, 0.85, 4),
	}))

	ids := func(recs []IncidentRecord) []string {
		var out []string
		for _, r := range recs {
			out = append(out, r.ID)
		}
		return out
	}

	tests := []struct {
		name string
		q    IncidentQuery
		want []string
	}{
		{"all newest first", IncidentQuery{}, []string{"inc_d", "inc_c", "inc_b", "inc_a"}},
		{"limit", IncidentQuery{Limit: 2}, []string{"inc_d", "inc_c"}},
		{"category substring", IncidentQuery{Search: "fir"}, []string{"inc_d", "inc_a"}},
		{"id substring", IncidentQuery{Search: "inc_b"}, []string{"inc_b"}},
		{"wildcards are literal", IncidentQuery{Search: "%"}, nil},
		{"underscore is literal", IncidentQuery{Search: "d_g"}, []string{"inc_c"}},
		{"range", IncidentQuery{From: t0.Add(30 * time.Second), To: t0.Add(2 * time.Minute)}, []string{"inc_c", "inc_b"}},
		{"search and range", IncidentQuery{Search: "fire", From: t0.Add(time.Second)}, []string{"inc_d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := db.Incidents(ctx, tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(recs))
		})
	}
}

func TestIncidentStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	empty, err := db.IncidentStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Count)
	assert.Empty(t, empty.ByCategory)
	assert.True(t, empty.First.IsZero())

	require.NoError(t, db.InsertIncidents(ctx, "s1", []incident.Incident{
		closedIncident("inc_a", "fire", 0, 0.9),
		closedIncident("inc_b", "fire", time.Minute, 0.8),
		closedIncident("inc_c", "smoke", 2*time.Minute, 0.7),
	}))
	stats, err := db.IncidentStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Count)
	assert.InDelta(t, 0.8, stats.MeanPeak, 1e-9)
	assert.Equal(t, 0.9, stats.MaxPeak)
	assert.Equal(t, 0.7, stats.MinPeak)
	assert.Equal(t, map[string]int{"fire": 2, "smoke": 1}, stats.ByCategory)
	assert.True(t, stats.First.Equal(t0))
	assert.True(t, stats.Last.Equal(t0.Add(2*time.Minute+2*time.Second)))
}

func TestDeleteClearPrune(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	var incs []incident.Incident
	for i := 0; i < 5; i++ {
		incs = append(incs, closedIncident(fmt.Sprintf("inc_%d", i), "fire", time.Duration(i)*time.Minute, 0.8))
	}
	require.NoError(t, db.InsertIncidents(ctx, "s1", incs))

	require.NoError(t, db.DeleteIncident(ctx, "inc_0"))
	assert.True(t, errors.Is(db.DeleteIncident(ctx, "inc_0"), ErrNotFound))

	pruned, err := db.PruneIncidents(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)
	recs, err := db.Incidents(ctx, IncidentQuery{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "inc_4", recs[0].ID)
	assert.Equal(t, "inc_3", recs[1].ID)

	_, err = db.PruneIncidents(ctx, 0)
	assert.Error(t, err)

	cleared, err := db.ClearIncidents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cleared)
}

func TestHistoryExporterCapsRecords(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	e := &HistoryExporter{DB: db, SessionID: "s1", MaxRecords: 3}

	require.NoError(t, e.Export(ctx, []incident.Incident{
		closedIncident("inc_1", "fire", 0, 0.9),
		closedIncident("inc_2", "smoke", time.Minute, 0.8),
	}))
	e.SessionID = "s2"
	require.NoError(t, e.Export(ctx, []incident.Incident{
		closedIncident("inc_3", "fire", 2*time.Minute, 0.9),
		closedIncident("inc_4", "fire", 3*time.Minute, 0.95),
	}))

	recs, err := db.Incidents(ctx, IncidentQuery{})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "inc_4", recs[0].ID)
	assert.Equal(t, "s2", recs[0].SessionID)
	assert.Equal(t, "inc_2", recs[2].ID)
}

func TestSessionRuns(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.StartSessionRun(ctx, "s1", "camera", t0))
	require.NoError(t, db.StartSessionRun(ctx, "s2", "replay:/frames", t0.Add(time.Hour)))

	run, err := db.GetSessionRun(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "running", run.Status)
	assert.True(t, run.EndedAt.IsZero())

	require.NoError(t, db.FinishSessionRun(ctx, SessionRun{
		ID: "s1", EndedAt: t0.Add(time.Minute), Status: "completed",
		FramesAdmitted: 10, FramesFused: 8, FramesDropped: 2, Observations: 8, Incidents: 1,
	}))
	run, err = db.GetSessionRun(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, 8, run.FramesFused)
	assert.True(t, run.EndedAt.Equal(t0.Add(time.Minute)))
	assert.Equal(t, "camera", run.Source)

	runs, err := db.SessionRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "s2", runs[0].ID)

	err = db.FinishSessionRun(ctx, SessionRun{ID: "nope", Status: "failed"})
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = db.GetSessionRun(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestProfiles(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.InsertProfile(ctx, Profile{Name: "Rin Okafor"})
	assert.ErrorIs(t, err, ErrInvalidProfile)

	rin, err := db.InsertProfile(ctx, Profile{
		Name: "Rin Okafor", MemberID: "S-1001", Department: "Physics",
		Email: "rin@example.edu", ImageName: "rin.png", Embedding: []float64{0.5, -0.25, 1},
	})
	require.NoError(t, err)
	require.NotEmpty(t, rin.ID)
	ade, err := db.InsertProfile(ctx, Profile{Name: "Ade Balogun", MemberID: "F-0042", Department: "History"})
	require.NoError(t, err)

	got, err := db.GetProfile(ctx, rin.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(rin, got, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Errorf("profile mismatch (-want +got):\n%s", diff)
	}

	all, err := db.Profiles(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ade.ID, all[0].ID, "ordered by name")
	assert.Empty(t, all[0].Embedding)

	found, err := db.Profiles(ctx, "phys")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, rin.ID, found[0].ID)

	rin.Phone = "555-0100"
	rin.Embedding = nil
	require.NoError(t, db.UpdateProfile(ctx, rin))
	got, err = db.GetProfile(ctx, rin.ID)
	require.NoError(t, err)
	assert.Equal(t, "555-0100", got.Phone)
	assert.Equal(t, []float64{0.5, -0.25, 1}, got.Embedding, "nil embedding keeps the stored one")

	rin.Embedding = []float64{1, 2}
	require.NoError(t, db.UpdateProfile(ctx, rin))
	got, err = db.GetProfile(ctx, rin.ID)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, got.Embedding)

	assert.ErrorIs(t, db.UpdateProfile(ctx, Profile{ID: "nope", Name: "x", MemberID: "y"}), ErrNotFound)
	rin.MemberID = " "
	assert.ErrorIs(t, db.UpdateProfile(ctx, rin), ErrInvalidProfile)

	require.NoError(t, db.DeleteProfile(ctx, ade.ID))
	assert.ErrorIs(t, db.DeleteProfile(ctx, ade.ID), ErrNotFound)
	_, err = db.GetProfile(ctx, ade.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandleProfiles(t *testing.T) {
	db := newTestDB(t)
	_, err := db.InsertProfile(context.Background(), Profile{Name: "Rin", MemberID: "S-1", Embedding: []float64{1, 2, 3}})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	db.handleProfiles(w, httptest.NewRequest(http.MethodGet, "/debug/profiles?q=rin", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var got []Profile
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "Rin", got[0].Name)
	assert.Nil(t, got[0].Embedding, "embeddings stay out of the listing")

	w = httptest.NewRecorder()
	db.handleProfiles(w, httptest.NewRequest(http.MethodGet, "/debug/profiles?q=nobody", nil))
	assert.JSONEq(t, "[]", w.Body.String())

	w = httptest.NewRecorder()
	db.handleProfiles(w, httptest.NewRequest(http.MethodDelete, "/debug/profiles", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleIncidents(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.InsertIncidents(context.Background(), "s1", []incident.Incident{
		closedIncident("inc_a", "fire", 0, 0.9),
		closedIncident("inc_b", "smoke", time.Minute, 0.8),
	}))

	get := func(h http.HandlerFunc, target string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest(http.MethodGet, target, nil))
		return w
	}

	w := get(db.handleIncidents, "/debug/incidents?q=smoke")
	require.Equal(t, http.StatusOK, w.Code)
	var recs []IncidentRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "inc_b", recs[0].ID)

	w = get(db.handleIncidents, fmt.Sprintf("/debug/incidents?to=%d", t0.Add(time.Second).Unix()))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "inc_a", recs[0].ID)

	assert.Equal(t, http.StatusBadRequest, get(db.handleIncidents, "/debug/incidents?limit=-1").Code)
	assert.Equal(t, http.StatusBadRequest, get(db.handleIncidents, "/debug/incidents?from=yesterday").Code)

	w = get(db.handleIncidentStats, "/debug/incidents/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var stats IncidentStats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, 2, stats.Count)

	w = get(db.handleSessions, "/debug/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = httptest.NewRecorder()
	db.handleIncidents(w, httptest.NewRequest(http.MethodPost, "/debug/incidents", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleBackup(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.InsertIncidents(context.Background(), "s1", []incident.Incident{
		closedIncident("inc_a", "fire", 0, 0.9),
	}))

	w := httptest.NewRecorder()
	db.handleBackup(w, httptest.NewRequest(http.MethodGet, "/debug/backup", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "-backup-")

	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.True(t, len(data) > 16 && string(data[:15]) == "SQLite format 3")
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	reports := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "reports:"+r.URL.Path)
	})
	require.NoError(t, db.AttachAdminRoutes(mux, reports))

	for _, path := range []string{"/debug/tailsql/", "/debug/backup", "/debug/incidents", "/debug/incidents/stats", "/debug/sessions", "/debug/profiles", "/debug/reports/"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.RemoteAddr = "127.0.0.1:40000"
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			// Registered routes answer with 200 or the debug access check's 403.
			assert.NotEqual(t, http.StatusNotFound, w.Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/reports/SFC_Report_x.pdf", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code == http.StatusOK {
		assert.Equal(t, "reports:/SFC_Report_x.pdf", w.Body.String())
	}
}
