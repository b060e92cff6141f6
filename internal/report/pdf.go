package report

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"codeberg.org/go-pdf/fpdf"
	"github.com/banshee-data/campus.safety/internal/incident"
	"gonum.org/v1/plot/vg"
)

var pdfColumns = []struct {
	title string
	width float64
	align string
}{
	{"#", 10, "R"},
	{"Category", 40, "L"},
	{"First seen", 38, "L"},
	{"Last seen", 38, "L"},
	{"Duration", 24, "R"},
	{"Peak", 20, "R"},
	{"Frames", 20, "R"},
}

// WritePDF renders doc as an A4 portrait PDF.
func WritePDF(w io.Writer, doc Document) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(doc.Title, true)
	pdf.SetAuthor("campus.safety", true)
	pdf.SetCreator("sfc", true)
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, tr(doc.Title), "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, "Generated "+doc.GeneratedAt.Format("2006-01-02 15:04:05 MST"), "", 1, "C", false, 0, "")
	if doc.Meta.Source != "" {
		pdf.CellFormat(0, 6, tr("Source: "+doc.Meta.Source), "", 1, "C", false, 0, "")
	}
	if doc.Meta.SessionID != "" {
		pdf.CellFormat(0, 6, "Session "+doc.Meta.SessionID, "", 1, "C", false, 0, "")
	}
	pdf.Ln(4)

	writeSummary(pdf, tr, doc.Stats)

	if len(doc.Incidents) == 0 {
		pdf.SetFont("Helvetica", "I", 11)
		pdf.CellFormat(0, 8, "No incidents were recorded.", "", 1, "L", false, 0, "")
		return pdf.Output(w)
	}

	png, err := TimelinePNG(doc, 19*vg.Centimeter, 8*vg.Centimeter)
	if err != nil {
		return err
	}
	opts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("timeline", opts, bytes.NewReader(png))
	pdf.ImageOptions("timeline", 10, pdf.GetY(), 190, 0, true, opts, 0, "")
	pdf.Ln(4)

	writeIncidentTable(pdf, tr, doc.Incidents)
	return pdf.Output(w)
}

func writeSummary(pdf *fpdf.Fpdf, tr func(string) string, s Stats) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Summary", "B", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)

	lines := []string{fmt.Sprintf("Incidents: %d (%d frames)", s.Count, s.Observations)}
	if s.Count > 0 {
		lines = append(lines,
			fmt.Sprintf("Period: %s to %s", s.First.Format("2006-01-02 15:04:05"), s.Last.Format("2006-01-02 15:04:05")),
			fmt.Sprintf("Peak confidence: mean %.2f, max %.2f, min %.2f", s.MeanPeak, s.MaxPeak, s.MinPeak),
			fmt.Sprintf("Total incident time: %s", time.Duration(s.TotalSeconds*float64(time.Second)).Round(time.Second)),
		)
		for _, c := range s.Categories() {
			lines = append(lines, fmt.Sprintf("  %s: %d", c, s.ByCategory[c]))
		}
	}
	for _, l := range lines {
		pdf.MultiCell(0, 5, tr(l), "", "L", false)
	}
	pdf.Ln(4)
}

func writeIncidentTable(pdf *fpdf.Fpdf, tr func(string) string, incs []incident.Incident) {
	header := func() {
		pdf.SetFont("Helvetica", "B", 9)
		pdf.SetFillColor(220, 220, 220)
		for _, c := range pdfColumns {
			pdf.CellFormat(c.width, 7, c.title, "1", 0, "C", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Helvetica", "", 9)
	}

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Incidents", "B", 1, "L", false, 0, "")
	header()
	_, pageHeight := pdf.GetPageSize()
	_, _, _, bottom := pdf.GetMargins()
	for i, inc := range incs {
		if pdf.GetY()+6 > pageHeight-bottom-15 {
			pdf.AddPage()
			header()
		}
		cells := []string{
			fmt.Sprintf("%d", i+1),
			tr(inc.Category),
			inc.FirstSeen.Format("01-02 15:04:05"),
			inc.LastSeen.Format("01-02 15:04:05"),
			inc.Duration().Round(100 * time.Millisecond).String(),
			fmt.Sprintf("%.2f", inc.PeakConfidence),
			fmt.Sprintf("%d", len(inc.ObservationIDs)),
		}
		for j, c := range pdfColumns {
			pdf.CellFormat(c.width, 6, cells[j], "1", 0, c.align, false, 0, "")
		}
		pdf.Ln(-1)
	}
}
