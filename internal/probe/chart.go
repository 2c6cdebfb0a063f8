package probe

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// WriteLatencyChart renders an HTML bar chart of round-trip latency per
// check. Failed checks are included so a slow timeout stands out next to the
// passing exchanges.
func WriteLatencyChart(w io.Writer, results []Result) error {
	stats := Summarise(results)

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Echo round-trip latency"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Round-trip latency by check",
			Subtitle: fmt.Sprintf("checks=%d passed=%d mean=%.2fms p85=%.2fms", stats.Checks, stats.Passed, stats.MeanMs, stats.P85Ms),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms"}),
	)

	names := make([]string, 0, len(results))
	data := make([]opts.BarData, 0, len(results))
	for _, r := range results {
		names = append(names, r.Check)
		data = append(data, opts.BarData{Value: float64(r.RoundTrip.Microseconds()) / 1000.0})
	}

	bar.SetXAxis(names).AddSeries("round-trip (ms)", data)

	return bar.Render(w)
}
