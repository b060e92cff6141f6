package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// AssetsHost, when set, is where the HTML report loads the echarts
// scripts from instead of the go-echarts CDN.
var AssetsHost string

func initOpts(height string) opts.Initialization {
	init := opts.Initialization{PageTitle: Title, Width: "100%", Height: height}
	if AssetsHost != "" {
		init.AssetsHost = AssetsHost
	}
	return init
}

// WriteHTML renders doc as a standalone page with an incident timeline
// and a per-category bar chart.
func WriteHTML(w io.Writer, doc Document) error {
	subtitle := fmt.Sprintf("generated %s, %d incidents", doc.GeneratedAt.Format("2006-01-02 15:04:05"), doc.Stats.Count)
	if doc.Meta.Source != "" {
		subtitle += ", source " + doc.Meta.Source
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts("480px")),
		charts.WithTitleOpts(opts.Title{Title: doc.Title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "time", Name: "First seen", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1, Name: "Peak confidence", NameLocation: "middle", NameGap: 30}),
	)
	cats := doc.Stats.Categories()
	for _, cat := range cats {
		var data []opts.ScatterData
		for _, inc := range doc.Incidents {
			if inc.Category != cat {
				continue
			}
			data = append(data, opts.ScatterData{
				Name:  inc.ID,
				Value: []interface{}{inc.FirstSeen.UnixMilli(), inc.PeakConfidence, inc.Duration().Seconds()},
			})
		}
		scatter.AddSeries(cat, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}))
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts("360px")),
		charts.WithTitleOpts(opts.Title{Title: "Incidents by category"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	counts := make([]opts.BarData, 0, len(cats))
	for _, cat := range cats {
		counts = append(counts, opts.BarData{Value: doc.Stats.ByCategory[cat]})
	}
	bar.SetXAxis(cats).
		AddSeries("incidents", counts,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	if AssetsHost != "" {
		page.SetAssetsHost(AssetsHost)
	}
	page.AddCharts(scatter, bar)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render html report: %w", err)
	}
	return nil
}
