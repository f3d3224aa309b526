package metrics

import (
	"fmt"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rattlesnakeos/otatools/internal/ota"
	"io"
	"strconv"
	"time"
)

const namespace = "otatools"

// Recorder collects the metrics of package builds into its own registry
type Recorder struct {
	registry *prometheus.Registry

	Packages      *prometheus.CounterVec
	PackageBytes  prometheus.Gauge
	BuildDuration prometheus.Histogram
	Operations    *prometheus.GaugeVec
	NewBlocks     *prometheus.GaugeVec
	StashBlocks   *prometheus.GaugeVec
	PatchBytes    *prometheus.GaugeVec
	DataBytes     *prometheus.GaugeVec
}

// New returns a Recorder with every metric registered
func New() *Recorder {
	partitionGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "partition",
			Name:      name,
			Help:      help,
		}, []string{"partition"})
	}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		Packages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_total",
			Help:      "Packages built, by type and whether they are incremental.",
		}, []string{"type", "incremental"}),
		PackageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "package_bytes",
			Help:      "Size of the last package built.",
		}),
		BuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall time of package builds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		Operations:  partitionGauge("operations", "Transfer list commands or payload operations of a partition."),
		NewBlocks:   partitionGauge("new_blocks", "Blocks shipped as new data."),
		StashBlocks: partitionGauge("stash_blocks", "Peak stash of a transfer list, in blocks."),
		PatchBytes:  partitionGauge("patch_bytes", "Bytes of bsdiff and imgdiff patches."),
		DataBytes:   partitionGauge("data_bytes", "Bytes of new data or payload blobs."),
	}
	r.registry.MustRegister(r.Packages, r.PackageBytes, r.BuildDuration, r.Operations, r.NewBlocks,
		r.StashBlocks, r.PatchBytes, r.DataBytes)
	return r
}

// Registry returns the registry the metrics are registered with
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Record adds a build summary to the metrics
func (r *Recorder) Record(s *ota.Summary) {
	r.Packages.WithLabelValues(s.Type, strconv.FormatBool(s.Incremental)).Inc()
	r.PackageBytes.Set(float64(s.PackageBytes))
	r.BuildDuration.Observe(s.Duration.Seconds())
	for _, p := range s.Partitions {
		r.Operations.WithLabelValues(p.Name).Set(float64(p.Operations))
		r.NewBlocks.WithLabelValues(p.Name).Set(float64(p.NewBlocks))
		r.StashBlocks.WithLabelValues(p.Name).Set(float64(p.StashBlocks))
		r.PatchBytes.WithLabelValues(p.Name).Set(float64(p.PatchBytes))
		r.DataBytes.WithLabelValues(p.Name).Set(float64(p.DataBytes))
	}
}

// WriteTextfile writes the metrics in the text format read by the node exporter
// textfile collector
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %v: %w", path, err)
	}
	return nil
}

// WriteSummary prints one row per partition followed by the package totals
func WriteSummary(w io.Writer, s *ota.Summary) {
	kind := "full"
	if s.Incremental {
		kind = "incremental"
	}
	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader([]string{"Partition", "Update", "Operations", "New blocks", "Stash blocks", "Patch bytes", "Data bytes"})
	var patchBytes, dataBytes int64
	for _, p := range s.Partitions {
		update := "full"
		if p.Incremental {
			update = "incremental"
		}
		tbl.Append([]string{
			p.Name,
			update,
			strconv.Itoa(p.Operations),
			strconv.Itoa(p.NewBlocks),
			strconv.Itoa(p.StashBlocks),
			strconv.FormatInt(p.PatchBytes, 10),
			strconv.FormatInt(p.DataBytes, 10),
		})
		patchBytes += p.PatchBytes
		dataBytes += p.DataBytes
	}
	tbl.SetFooter([]string{s.Type, kind, "", "", "", strconv.FormatInt(patchBytes, 10), strconv.FormatInt(dataBytes, 10)})
	tbl.Render()
	_, _ = fmt.Fprintf(w, "%v: %d bytes in %v\n", s.Output, s.PackageBytes, s.Duration.Round(time.Millisecond))
}
