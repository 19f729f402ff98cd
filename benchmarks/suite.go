package benchmarks

import (
	"encoding/csv"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Workload names. They become rows in the CSV and bars in the chart.
const (
	WorkloadLoad   = "load"
	WorkloadLookup = "lookup"
	WorkloadOLTP   = "oltp-90-10"
	WorkloadOLAP   = "olap-10-90"
	WorkloadScan   = "scan"
	WorkloadDelete = "delete"
)

// Result is one measured workload on one engine.
type Result struct {
	Engine      string
	Workload    string
	Ops         int
	NsPerOp     int64
	AllocMB     uint64
	HeapObjects uint64
}

// OpsPerSec converts the latency into throughput.
func (r Result) OpsPerSec() float64 {
	if r.NsPerOp <= 0 {
		return 0
	}
	return 1e9 / float64(r.NsPerOp)
}

// Options configures a suite run.
type Options struct {
	// Dir is the working directory; each engine gets a subdirectory.
	Dir string
	// N is the number of keys loaded per engine.
	N int
	// Batch is how many tern writes share one commit.
	Batch int
	// Engines selects the engines to run, in order.
	Engines []string
	// Seed makes the random workloads repeatable.
	Seed int64
	// ScanWidth is the key width of one range scan.
	ScanWidth int
}

// DefaultOptions returns a medium-sized repeatable run over both
// engines.
func DefaultOptions() Options {
	return Options{
		N:         100000,
		Batch:     1000,
		Engines:   []string{"tern", "pebble"},
		Seed:      1,
		ScanWidth: 100,
	}
}

// Run executes every workload on every requested engine and returns
// the measurements in run order.
func Run(opts Options, progress func(format string, args ...interface{})) ([]Result, error) {
	if opts.N <= 0 {
		opts.N = DefaultOptions().N
	}
	if opts.ScanWidth <= 0 {
		opts.ScanWidth = DefaultOptions().ScanWidth
	}
	if len(opts.Engines) == 0 {
		opts.Engines = DefaultOptions().Engines
	}
	if progress == nil {
		progress = func(string, ...interface{}) {}
	}

	var results []Result
	for _, name := range opts.Engines {
		dir := filepath.Join(opts.Dir, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		progress("== %s (n=%d) ==", name, opts.N)

		idx, err := openEngine(name, dir, opts.Batch)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		engineResults, err := runEngine(idx, name, opts, progress)
		if cerr := idx.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		results = append(results, engineResults...)
	}
	return results, nil
}

func openEngine(name, dir string, batch int) (Index, error) {
	switch name {
	case "tern":
		return OpenTern(dir, batch)
	case "pebble":
		return OpenPebble(dir)
	default:
		return nil, fmt.Errorf("unknown engine %q", name)
	}
}

// runEngine runs the fixed workload sequence: sequential load, random
// point lookups, two mixed read/write scenarios, range scans, then
// deletes of a tenth of the loaded keys.
func runEngine(idx Index, name string, opts Options, progress func(string, ...interface{})) ([]Result, error) {
	rng := rand.New(rand.NewSource(opts.Seed))
	n := opts.N
	next := int64(n) // source of fresh keys for the mixed workloads

	var results []Result
	record := func(workload string, ops int, elapsed time.Duration) {
		mem := sampleMem()
		r := Result{
			Engine:      name,
			Workload:    workload,
			Ops:         ops,
			NsPerOp:     elapsed.Nanoseconds() / int64(ops),
			AllocMB:     mem.AllocMB,
			HeapObjects: mem.HeapObjects,
		}
		results = append(results, r)
		progress("  %-12s %8d ops  %10d ns/op", workload, ops, r.NsPerOp)
	}

	// Load: keys 0..n-1 in order.
	start := time.Now()
	for k := 0; k < n; k++ {
		if err := idx.Insert(int64(k), benchOID(int64(k))); err != nil {
			return nil, fmt.Errorf("load key %d: %w", k, err)
		}
	}
	if err := idx.Flush(); err != nil {
		return nil, err
	}
	record(WorkloadLoad, n, time.Since(start))

	// Lookup: random present keys.
	ops := n / 2
	start = time.Now()
	for i := 0; i < ops; i++ {
		if _, err := idx.Search(int64(rng.Intn(n))); err != nil {
			return nil, fmt.Errorf("lookup: %w", err)
		}
	}
	record(WorkloadLookup, ops, time.Since(start))

	// Mixed scenarios: read-heavy, then write-heavy.
	for _, mix := range []struct {
		workload string
		reads    int
	}{
		{WorkloadOLTP, 90},
		{WorkloadOLAP, 10},
	} {
		start = time.Now()
		for i := 0; i < ops; i++ {
			if rng.Intn(100) < mix.reads {
				if _, err := idx.Search(int64(rng.Intn(n))); err != nil {
					return nil, fmt.Errorf("%s read: %w", mix.workload, err)
				}
				continue
			}
			if err := idx.Insert(next, benchOID(next)); err != nil {
				return nil, fmt.Errorf("%s write: %w", mix.workload, err)
			}
			next++
		}
		if err := idx.Flush(); err != nil {
			return nil, err
		}
		record(mix.workload, ops, time.Since(start))
	}

	// Scan: fixed-width ranges at random starts.
	scans := 100
	start = time.Now()
	for i := 0; i < scans; i++ {
		from := int64(rng.Intn(n))
		if _, err := idx.Scan(from, from+int64(opts.ScanWidth)); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
	}
	record(WorkloadScan, scans, time.Since(start))

	// Delete: every tenth loaded key, with the oid it was loaded under.
	start = time.Now()
	deletes := 0
	for k := 0; k < n; k += 10 {
		if err := idx.Delete(int64(k), benchOID(int64(k))); err != nil {
			return nil, fmt.Errorf("delete key %d: %w", k, err)
		}
		deletes++
	}
	if err := idx.Flush(); err != nil {
		return nil, err
	}
	record(WorkloadDelete, deletes, time.Since(start))

	// The tern adapter can prove the tree survived the run intact.
	if v, ok := idx.(interface{ Verify() error }); ok {
		if err := v.Verify(); err != nil {
			return nil, fmt.Errorf("verify after workloads: %w", err)
		}
	}
	return results, nil
}

// WriteCSV writes the results as CSV, one row per measurement.
func WriteCSV(path string, results []Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"Engine", "Workload", "Ops", "NsPerOp", "AllocMB", "HeapObjects"}); err != nil {
		return err
	}
	for _, r := range results {
		err := w.Write([]string{
			r.Engine,
			r.Workload,
			strconv.Itoa(r.Ops),
			strconv.FormatInt(r.NsPerOp, 10),
			strconv.FormatUint(r.AllocMB, 10),
			strconv.FormatUint(r.HeapObjects, 10),
		})
		if err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
