package report

import (
	"bytes"
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// TimelinePNG draws each incident as a bar from FirstSeen to LastSeen
// at the height of its peak confidence, one colour per category.
func TimelinePNG(doc Document, width, height vg.Length) ([]byte, error) {
	p := plot.New()
	p.Title.Text = "Incident timeline"
	p.X.Label.Text = "Time"
	p.Y.Label.Text = "Peak confidence"
	p.X.Tick.Marker = plot.TimeTicks{Format: "15:04:05"}
	p.Y.Min = 0
	p.Y.Max = 1
	p.Add(plotter.NewGrid())

	for i, cat := range doc.Stats.Categories() {
		var starts plotter.XYs
		c := plotutil.Color(i)
		for _, inc := range doc.Incidents {
			if inc.Category != cat {
				continue
			}
			first := float64(inc.FirstSeen.Unix())
			last := float64(inc.LastSeen.Unix())
			starts = append(starts, plotter.XY{X: first, Y: inc.PeakConfidence})

			span, err := plotter.NewLine(plotter.XYs{{X: first, Y: inc.PeakConfidence}, {X: last, Y: inc.PeakConfidence}})
			if err != nil {
				return nil, fmt.Errorf("incident %s line: %w", inc.ID, err)
			}
			span.Color = c
			span.Width = vg.Points(3)
			p.Add(span)
		}
		pts, err := plotter.NewScatter(starts)
		if err != nil {
			return nil, fmt.Errorf("%s points: %w", cat, err)
		}
		pts.GlyphStyle.Color = c
		pts.GlyphStyle.Radius = vg.Points(3)
		pts.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(pts)
		p.Legend.Add(cat, pts)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return nil, fmt.Errorf("render timeline: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encode timeline: %w", err)
	}
	return buf.Bytes(), nil
}
