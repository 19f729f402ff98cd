package benchmarks

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// RenderPlot draws a grouped bar chart of latency per workload, one
// bar color per engine, saved in the format named by the file
// extension (.svg, .png, .pdf).
func RenderPlot(path string, results []Result) error {
	if len(results) == 0 {
		return fmt.Errorf("no results to plot")
	}
	workloads := distinct(results, func(r Result) string { return r.Workload })
	engines := distinct(results, func(r Result) string { return r.Engine })

	latency := make(map[[2]string]int64, len(results))
	for _, r := range results {
		latency[[2]string{r.Engine, r.Workload}] = r.NsPerOp
	}

	p := plot.New()
	p.Title.Text = "Index latency by workload"
	p.Y.Label.Text = "ns/op"

	const barWidth = 20
	for i, eng := range engines {
		vals := make(plotter.Values, len(workloads))
		for j, wl := range workloads {
			vals[j] = float64(latency[[2]string{eng, wl}])
		}
		bars, err := plotter.NewBarChart(vals, vg.Points(barWidth))
		if err != nil {
			return err
		}
		bars.LineStyle.Width = vg.Length(0)
		bars.Color = plotutil.Color(i)
		bars.Offset = vg.Points(float64(i)*(barWidth+2) - float64(len(engines)-1)*(barWidth+2)/2)
		p.Add(bars)
		p.Legend.Add(eng, bars)
	}
	p.Legend.Top = true
	p.NominalX(workloads...)

	return p.Save(8*vg.Inch, 4*vg.Inch, path)
}

// distinct returns the values of key in first-seen order.
func distinct(results []Result, key func(Result) string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range results {
		k := key(r)
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
