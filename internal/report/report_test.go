package report

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/campus.safety/internal/fsutil"
	"github.com/banshee-data/campus.safety/internal/incident"
	"github.com/banshee-data/campus.safety/internal/timeutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot/vg"
)

var t0 = time.Date(2026, 3, 2, 9, 15, 0, 0, time.Local)

func sampleIncidents() []incident.Incident {
	return []incident.Incident{
		{
			ID: "inc_b", Category: "smoke", FirstSeen: t0.Add(40 * time.Second), LastSeen: t0.Add(41 * time.Second),
			PeakConfidence: 0.7, ObservationIDs: []uint64{40, 41}, State: incident.StateClosed, ClosedAt: t0.Add(51 * time.Second),
		},
		{
			ID: "inc_a", Category: "fire", FirstSeen: t0, LastSeen: t0.Add(2 * time.Second),
			PeakConfidence: 0.9, ObservationIDs: []uint64{1, 2, 3}, State: incident.StateClosed, ClosedAt: t0.Add(12 * time.Second),
		},
		{
			ID: "inc_c", Category: "fire", FirstSeen: t0.Add(90 * time.Second), LastSeen: t0.Add(90 * time.Second),
			PeakConfidence: 0.8, ObservationIDs: []uint64{90}, State: incident.StateClosed, ClosedAt: t0.Add(100 * time.Second),
		},
	}
}

func TestReportName(t *testing.T) {
	assert.Equal(t, "SFC_Report_20260302_091500.pdf", ReportName(t0, PDF))
	assert.Equal(t, "SFC_Report_20260302_091500.json", ReportName(t0, JSON))

	f, ok := parseName("SFC_Report_20260302_091500_3.html")
	require.True(t, ok)
	assert.Equal(t, HTML, f.Format)
	assert.True(t, f.GeneratedAt.Equal(t0))
	assert.Equal(t, 3, f.seq)

	_, ok = parseName("notes.txt")
	assert.False(t, ok)
}

func TestParseFormats(t *testing.T) {
	fs, err := ParseFormats("PDF, json")
	require.NoError(t, err)
	assert.Equal(t, []Format{PDF, JSON}, fs)

	_, err = ParseFormats("pdf,docx")
	assert.Error(t, err)
	_, err = ParseFormats(" , ")
	assert.Error(t, err)
}

func TestComputeStats(t *testing.T) {
	s := ComputeStats(sampleIncidents())
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 6, s.Observations)
	assert.InDelta(t, 0.8, s.MeanPeak, 1e-9)
	assert.Equal(t, 0.9, s.MaxPeak)
	assert.Equal(t, 0.7, s.MinPeak)
	assert.Equal(t, 3.0, s.TotalSeconds)
	assert.Equal(t, map[string]int{"fire": 2, "smoke": 1}, s.ByCategory)
	assert.Equal(t, []string{"fire", "smoke"}, s.Categories())
	assert.True(t, s.First.Equal(t0))
	assert.True(t, s.Last.Equal(t0.Add(90*time.Second)))

	empty := ComputeStats(nil)
	assert.Zero(t, empty.Count)
	assert.Zero(t, empty.MaxPeak)
}

func TestNewDocumentOrdersIncidents(t *testing.T) {
	doc := NewDocument(sampleIncidents(), t0, Meta{SessionID: "s1"})
	var ids []string
	for _, inc := range doc.Incidents {
		ids = append(ids, inc.ID)
	}
	assert.Equal(t, []string{"inc_a", "inc_b", "inc_c"}, ids)
	assert.Equal(t, Title, doc.Title)
}

func TestWritePDF(t *testing.T) {
	for name, incs := range map[string][]incident.Incident{
		"incidents": sampleIncidents(),
		"empty":     nil,
	} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			doc := NewDocument(incs, t0, Meta{SessionID: "s1", Source: "camera"})
			require.NoError(t, WritePDF(&buf, doc))
			assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
			assert.Contains(t, buf.String(), "%%EOF")
		})
	}
}

func TestWritePDF_ManyIncidentsPaginates(t *testing.T) {
	var incs []incident.Incident
	for i := 0; i < 120; i++ {
		ts := t0.Add(time.Duration(i) * time.Minute)
		incs = append(incs, incident.Incident{ID: "inc", Category: "fire", FirstSeen: ts, LastSeen: ts.Add(time.Second), PeakConfidence: 0.8})
	}
	var buf bytes.Buffer
	require.NoError(t, WritePDF(&buf, NewDocument(incs, t0, Meta{})))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
}

func TestTimelinePNG(t *testing.T) {
	data, err := TimelinePNG(NewDocument(sampleIncidents(), t0, Meta{}), 12*vg.Centimeter, 6*vg.Centimeter)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 100)
	assert.Greater(t, img.Bounds().Dy(), 50)
}

func TestWriteHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, NewDocument(sampleIncidents(), t0, Meta{Source: "replay"})))
	out := buf.String()
	assert.Contains(t, out, "echarts")
	assert.Contains(t, out, "Incidents by category")
	assert.Contains(t, out, "smoke")
}

func TestWriteJSON_ReadBack(t *testing.T) {
	doc := NewDocument(sampleIncidents(), t0, Meta{SessionID: "s1"})
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, doc))

	got, err := ReadJSON(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(doc, got); diff != "" {
		t.Errorf("json report changed on read (-want +got):\n%s", diff)
	}
}

func newMemExporter(formats ...Format) (*FileExporter, *fsutil.MemoryFileSystem, *timeutil.MockClock) {
	mfs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(t0)
	mfs.SetNow(clock.Now)
	e := NewFileExporter("/reports", formats, Meta{SessionID: "s1"})
	e.FS = mfs
	e.Clock = clock
	return e, mfs, clock
}

func TestFileExporter(t *testing.T) {
	e, mfs, clock := newMemExporter(Formats...)
	ctx := context.Background()

	require.NoError(t, e.Export(ctx, sampleIncidents()))
	assert.Equal(t, []string{
		"/reports/SFC_Report_20260302_091500.pdf",
		"/reports/SFC_Report_20260302_091500.json",
		"/reports/SFC_Report_20260302_091500.html",
	}, e.Written())

	require.NoError(t, e.Export(ctx, nil))
	clock.Advance(time.Minute)
	require.NoError(t, e.Export(ctx, nil))

	files, err := List(mfs, "/reports")
	require.NoError(t, err)
	require.Len(t, files, 9)
	assert.Equal(t, "SFC_Report_20260302_091600.html", files[0].Name)
	assert.Equal(t, "SFC_Report_20260302_091500_2.html", files[3].Name)
	assert.Equal(t, "SFC_Report_20260302_091500.html", files[6].Name)

	f, data, err := Read(mfs, "/reports", "SFC_Report_20260302_091500.json")
	require.NoError(t, err)
	assert.Equal(t, JSON, f.Format)
	doc, err := ReadJSON(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 3, doc.Stats.Count)

	require.NoError(t, Remove(mfs, "/reports", "SFC_Report_20260302_091500.json"))
	_, _, err = Read(mfs, "/reports", "SFC_Report_20260302_091500.json")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileExporter_UnknownFormat(t *testing.T) {
	e, mfs, _ := newMemExporter(JSON, Format("docx"))
	err := e.Export(context.Background(), sampleIncidents())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "docx")
	assert.True(t, mfs.Exists("/reports/SFC_Report_20260302_091500.json"))
}

func TestList_MissingDir(t *testing.T) {
	files, err := List(fsutil.NewMemoryFileSystem(), "/nowhere")
	require.NoError(t, err)
	assert.Empty(t, files)
}

type failingExporter struct{ err error }

func (f failingExporter) Export(context.Context, []incident.Incident) error { return f.err }

func TestMulti(t *testing.T) {
	e, _, _ := newMemExporter(JSON)
	errA := errors.New("history store closed")
	errB := errors.New("disk full")
	err := Multi{failingExporter{errA}, e, failingExporter{errB}}.Export(context.Background(), sampleIncidents())
	assert.True(t, errors.Is(err, errA))
	assert.True(t, errors.Is(err, errB))
	assert.Len(t, e.Written(), 1)

	assert.NoError(t, Multi{e}.Export(context.Background(), nil))
}

func TestHandler(t *testing.T) {
	e, mfs, _ := newMemExporter(PDF, JSON)
	require.NoError(t, e.Export(context.Background(), sampleIncidents()))
	h := Handler(mfs, "/reports")

	do := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		return w
	}

	w := do(http.MethodGet, "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "SFC_Report_20260302_091500.pdf")

	w = do(http.MethodGet, "/SFC_Report_20260302_091500.pdf")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "%PDF-"))

	assert.Equal(t, http.StatusBadRequest, do(http.MethodGet, "/..secret").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/SFC_Report_20250101_000000.pdf").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/notes.txt").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(http.MethodPost, "/").Code)

	assert.Equal(t, http.StatusNoContent, do(http.MethodDelete, "/SFC_Report_20260302_091500.json").Code)
	assert.False(t, mfs.Exists("/reports/SFC_Report_20260302_091500.json"))
}
