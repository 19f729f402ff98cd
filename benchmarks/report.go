package benchmarks

import (
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"
	"time"
)

// Report renders suite results with system context and target checks.
type Report struct {
	// Timestamp is when the report was generated.
	Timestamp time.Time
	// GoVersion, OS, Arch describe the machine the suite ran on.
	GoVersion string
	OS        string
	Arch      string
	// Results contains the suite measurements in run order.
	Results []Result
	// Targets are the performance floors checked against the tern rows.
	Targets map[string]Target
}

// Target is a performance floor for one workload of the tern engine.
// Either bound may be zero.
type Target struct {
	// Workload names the workload the target applies to.
	Workload string
	// Description is a human-readable summary.
	Description string
	// MaxNsPerOp is the highest acceptable latency.
	MaxNsPerOp float64
	// MinOpsPerSec is the lowest acceptable throughput.
	MinOpsPerSec float64
}

// NewReport builds a report over the results with the default targets
// and this machine's system information.
func NewReport(results []Result) *Report {
	return &Report{
		Timestamp: time.Now(),
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Results:   results,
		Targets:   defaultTargets(),
	}
}

// defaultTargets returns the performance floors the index is built to
// hold on ordinary hardware.
func defaultTargets() map[string]Target {
	return map[string]Target{
		WorkloadLookup: {
			Workload:    WorkloadLookup,
			Description: "point lookup of a present key",
			MaxNsPerOp:  50000, // < 50 us
		},
		WorkloadLoad: {
			Workload:     WorkloadLoad,
			Description:  "sequential batched inserts",
			MinOpsPerSec: 10000, // 10,000+ ops/s
		},
		WorkloadDelete: {
			Workload:     WorkloadDelete,
			Description:  "batched deletes with rebalancing",
			MinOpsPerSec: 5000, // 5,000+ ops/s
		},
	}
}

// TargetCheck is the outcome of one target comparison.
type TargetCheck struct {
	Workload        string
	Description     string
	Passed          bool
	ActualNsPerOp   float64
	TargetNsPerOp   float64
	ActualOpsPerSec float64
	TargetOpsPerSec float64
}

// CheckTargets compares the tern rows against the targets.
func (r *Report) CheckTargets() []TargetCheck {
	var checks []TargetCheck
	for _, result := range r.Results {
		if result.Engine != "tern" {
			continue
		}
		target, ok := r.Targets[result.Workload]
		if !ok {
			continue
		}

		check := TargetCheck{
			Workload:      result.Workload,
			Description:   target.Description,
			ActualNsPerOp: float64(result.NsPerOp),
		}
		if target.MaxNsPerOp > 0 {
			check.TargetNsPerOp = target.MaxNsPerOp
			check.Passed = check.ActualNsPerOp <= target.MaxNsPerOp
		} else if target.MinOpsPerSec > 0 {
			check.ActualOpsPerSec = result.OpsPerSec()
			check.TargetOpsPerSec = target.MinOpsPerSec
			check.Passed = check.ActualOpsPerSec >= target.MinOpsPerSec
		}
		checks = append(checks, check)
	}
	return checks
}

// GenerateTextReport writes the report as aligned text.
func (r *Report) GenerateTextReport(w io.Writer) error {
	fmt.Fprintf(w, "=== tern Benchmark Report ===\n\n")
	fmt.Fprintf(w, "Generated: %s\n", r.Timestamp.Format(time.RFC3339))
	if r.GoVersion != "" {
		fmt.Fprintf(w, "Go Version: %s\n", r.GoVersion)
	}
	if r.OS != "" && r.Arch != "" {
		fmt.Fprintf(w, "Platform: %s/%s\n", r.OS, r.Arch)
	}
	fmt.Fprintln(w)

	for _, engine := range r.engines() {
		fmt.Fprintf(w, "--- Engine: %s ---\n\n", engine)
		fmt.Fprintf(w, "%-14s %10s %14s %14s %10s %14s\n",
			"Workload", "Ops", "ns/op", "ops/s", "AllocMB", "HeapObjects")
		fmt.Fprintf(w, "%s\n", strings.Repeat("-", 80))
		for _, result := range r.Results {
			if result.Engine != engine {
				continue
			}
			fmt.Fprintf(w, "%-14s %10d %14d %14s %10d %14d\n",
				result.Workload,
				result.Ops,
				result.NsPerOp,
				formatOpsPerSec(result.OpsPerSec()),
				result.AllocMB,
				result.HeapObjects)
		}
		fmt.Fprintln(w)
	}

	checks := r.CheckTargets()
	if len(checks) == 0 {
		return nil
	}
	fmt.Fprintln(w, "=== Target Compliance ===")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-36s %12s %14s %8s\n", "Target", "Actual", "Bound", "Status")
	fmt.Fprintf(w, "%s\n", strings.Repeat("-", 75))

	allPassed := true
	for _, check := range checks {
		status := "PASS"
		if !check.Passed {
			status = "FAIL"
			allPassed = false
		}
		actual, bound := formatCheck(check)
		fmt.Fprintf(w, "%-36s %12s %14s %8s\n", check.Description, actual, bound, status)
	}
	fmt.Fprintln(w)
	if allPassed {
		fmt.Fprintln(w, "All targets met.")
	} else {
		fmt.Fprintln(w, "WARNING: Some targets not met!")
	}
	return nil
}

// GenerateMarkdownReport writes the report as Markdown tables.
func (r *Report) GenerateMarkdownReport(w io.Writer) error {
	fmt.Fprintln(w, "# tern Benchmark Report")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Generated: %s\n\n", r.Timestamp.Format(time.RFC3339))
	if r.GoVersion != "" || r.OS != "" {
		fmt.Fprintln(w, "## System Information")
		fmt.Fprintln(w)
		if r.GoVersion != "" {
			fmt.Fprintf(w, "- Go Version: %s\n", r.GoVersion)
		}
		if r.OS != "" && r.Arch != "" {
			fmt.Fprintf(w, "- Platform: %s/%s\n", r.OS, r.Arch)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "## Results")
	fmt.Fprintln(w)
	for _, engine := range r.engines() {
		fmt.Fprintf(w, "### %s\n\n", engine)
		fmt.Fprintln(w, "| Workload | Ops | ns/op | ops/s | AllocMB | HeapObjects |")
		fmt.Fprintln(w, "|----------|-----|-------|-------|---------|-------------|")
		for _, result := range r.Results {
			if result.Engine != engine {
				continue
			}
			fmt.Fprintf(w, "| %s | %d | %d | %s | %d | %d |\n",
				result.Workload,
				result.Ops,
				result.NsPerOp,
				formatOpsPerSec(result.OpsPerSec()),
				result.AllocMB,
				result.HeapObjects)
		}
		fmt.Fprintln(w)
	}

	checks := r.CheckTargets()
	if len(checks) == 0 {
		return nil
	}
	fmt.Fprintln(w, "## Target Compliance")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| Target | Actual | Bound | Status |")
	fmt.Fprintln(w, "|--------|--------|-------|--------|")
	allPassed := true
	for _, check := range checks {
		status := "PASS"
		if !check.Passed {
			status = "**FAIL**"
			allPassed = false
		}
		actual, bound := formatCheck(check)
		fmt.Fprintf(w, "| %s | %s | %s | %s |\n", check.Description, actual, bound, status)
	}
	fmt.Fprintln(w)
	if allPassed {
		fmt.Fprintln(w, "All targets met.")
	} else {
		fmt.Fprintln(w, "**WARNING: Some targets not met!**")
	}
	return nil
}

// engines lists the engines present in the results, in run order.
func (r *Report) engines() []string {
	return distinct(r.Results, func(res Result) string { return res.Engine })
}

// Summary condenses the report into a few lines.
func (r *Report) Summary() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Measurements: %d across %d engine(s)\n",
		len(r.Results), len(r.engines())))

	byWorkload := make(map[string][]Result)
	for _, result := range r.Results {
		byWorkload[result.Workload] = append(byWorkload[result.Workload], result)
	}
	workloads := make([]string, 0, len(byWorkload))
	for wl := range byWorkload {
		workloads = append(workloads, wl)
	}
	sort.Strings(workloads)

	checks := r.CheckTargets()
	passed := 0
	for _, check := range checks {
		if check.Passed {
			passed++
		}
	}
	sb.WriteString(fmt.Sprintf("Targets: %d/%d passed\n", passed, len(checks)))
	return sb.String()
}

func formatCheck(check TargetCheck) (actual, bound string) {
	if check.TargetNsPerOp > 0 {
		return formatDuration(check.ActualNsPerOp),
			fmt.Sprintf("< %s", formatDuration(check.TargetNsPerOp))
	}
	return formatOpsPerSec(check.ActualOpsPerSec),
		fmt.Sprintf(">= %s", formatOpsPerSec(check.TargetOpsPerSec))
}

func formatDuration(ns float64) string {
	if ns < 1000 {
		return fmt.Sprintf("%.2f ns", ns)
	} else if ns < 1000000 {
		return fmt.Sprintf("%.2f us", ns/1000)
	} else if ns < 1000000000 {
		return fmt.Sprintf("%.2f ms", ns/1000000)
	}
	return fmt.Sprintf("%.2f s", ns/1000000000)
}

func formatOpsPerSec(ops float64) string {
	if ops >= 1000000 {
		return fmt.Sprintf("%.2fM/s", ops/1000000)
	} else if ops >= 1000 {
		return fmt.Sprintf("%.2fK/s", ops/1000)
	}
	return fmt.Sprintf("%.2f/s", ops)
}
