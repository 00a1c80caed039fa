// Package metrics records a Prometheus summary of a single imgsync run and
// writes it to a textfile for node_exporter's textfile collector. There is
// no HTTP server: the tool is a one-shot CLI, not a daemon, so the metrics
// are gathered once at the end of the run and written out.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

const namespace = "imgsync"

// Decision label values mirror pkg/resize.Decision.String().
const (
	DecisionNoop   = "noop"
	DecisionGrow   = "grow"
	DecisionShrink = "shrink"
)

// Recorder accumulates metrics for one run against its own registry, so
// that concurrent or repeated runs within the same process (tests, in
// particular) never collide on Prometheus's default global registerer.
type Recorder struct {
	registry *prometheus.Registry

	runDuration         prometheus.Histogram
	runResult           *prometheus.GaugeVec
	resizeDecision      *prometheus.GaugeVec
	bytesAllocated      prometheus.Counter
	bytesExtended       prometheus.Counter
	bytesTruncated      prometheus.Counter
	replicationDuration *prometheus.HistogramVec
}

// NewRecorder creates a Recorder with a private registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of the run.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
		}),
		runResult: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_result",
			Help:      "1 for the mode/outcome pair that describes this run, 0 otherwise.",
		}, []string{"mode", "outcome"}),
		resizeDecision: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resize_decision",
			Help:      "1 for the resize decision made this run, 0 otherwise.",
		}, []string{"decision"}),
		bytesAllocated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_allocated_total",
			Help:      "Bytes written while creating a new image file.",
		}),
		bytesExtended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_extended_total",
			Help:      "Bytes appended to the image file by a grow.",
		}),
		bytesTruncated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_truncated_total",
			Help:      "Bytes removed from the image file by a shrink.",
		}),
		replicationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replication_duration_seconds",
			Help:      "Duration of rsync replication, by mount point.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
		}, []string{"mount_point"}),
	}
}

// RecordRun records the run's total wall-clock duration and its
// mode/outcome pair.
func (r *Recorder) RecordRun(mode string, success bool, duration time.Duration) {
	r.runDuration.Observe(duration.Seconds())
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.runResult.WithLabelValues(mode, outcome).Set(1)
}

// RecordResizeDecision marks which resize decision this run made.
func (r *Recorder) RecordResizeDecision(decision string) {
	r.resizeDecision.WithLabelValues(decision).Set(1)
}

// AddBytesAllocated adds to the bytes-allocated counter.
func (r *Recorder) AddBytesAllocated(n int64) { r.bytesAllocated.Add(float64(n)) }

// AddBytesExtended adds to the bytes-extended counter.
func (r *Recorder) AddBytesExtended(n int64) { r.bytesExtended.Add(float64(n)) }

// AddBytesTruncated adds to the bytes-truncated counter.
func (r *Recorder) AddBytesTruncated(n int64) { r.bytesTruncated.Add(float64(n)) }

// RecordReplication records how long replication took for one mount point.
func (r *Recorder) RecordReplication(mountPoint string, duration time.Duration) {
	r.replicationDuration.WithLabelValues(mountPoint).Observe(duration.Seconds())
}

// WriteTextfile gathers the registry and writes it in Prometheus text
// exposition format to path, atomically via a temp-file rename so
// node_exporter's textfile collector never reads a partial file.
func (r *Recorder) WriteTextfile(path string) error {
	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gathering: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".imgsync-metrics-*")
	if err != nil {
		return fmt.Errorf("metrics: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(tmp, mf); err != nil {
			tmp.Close()
			return fmt.Errorf("metrics: encoding: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("metrics: closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("metrics: renaming into place: %w", err)
	}
	return nil
}

