package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"hbk-go/internal/hbk"
)

// Textfile implements hbk.Metrics for the node_exporter textfile collector.
// hbk runs once per invocation, so every value is a gauge describing the
// latest run; Flush rewrites hbk_<operation>.prom atomically.
type Textfile struct {
	dir      string
	registry *prometheus.Registry

	lastRun      *prometheus.GaugeVec
	lastSuccess  *prometheus.GaugeVec
	lastDuration *prometheus.GaugeVec
	payloadBytes prometheus.Gauge
	pruneDeleted prometheus.Gauge
	pruneFailed  prometheus.Gauge

	mu        sync.Mutex
	operation string
}

// NewTextfile creates a Textfile writing into dir. dir must exist.
func NewTextfile(dir, hostID string) *Textfile {
	labels := prometheus.Labels{"host": hostID}
	t := &Textfile{
		dir:      dir,
		registry: prometheus.NewRegistry(),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "hbk",
			Name:        "last_run_timestamp_seconds",
			Help:        "Unix time the last run finished",
			ConstLabels: labels,
		}, []string{"operation"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "hbk",
			Name:        "last_run_success",
			Help:        "1 if the last run succeeded, 0 otherwise",
			ConstLabels: labels,
		}, []string{"operation"}),
		lastDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "hbk",
			Name:        "last_run_duration_seconds",
			Help:        "Wall time of the last run",
			ConstLabels: labels,
		}, []string{"operation"}),
		payloadBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hbk",
			Name:        "artifact_payload_bytes",
			Help:        "Size of the payload ciphertext placed by the last backup",
			ConstLabels: labels,
		}),
		pruneDeleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hbk",
			Name:        "prune_deleted_files",
			Help:        "Files deleted by the last retention pass",
			ConstLabels: labels,
		}),
		pruneFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hbk",
			Name:        "prune_failed_files",
			Help:        "Files the last retention pass failed to delete",
			ConstLabels: labels,
		}),
	}
	t.registry.MustRegister(t.lastRun, t.lastSuccess, t.lastDuration)
	return t
}

// ObserveRun records the outcome of operation. The operation also names the
// file Flush writes.
func (t *Textfile) ObserveRun(operation, status string, duration time.Duration, finishedAt time.Time) {
	t.mu.Lock()
	t.operation = operation
	t.mu.Unlock()

	success := 0.0
	if status == hbk.RunStatusSuccess {
		success = 1
	}
	t.lastRun.WithLabelValues(operation).Set(float64(finishedAt.Unix()))
	t.lastSuccess.WithLabelValues(operation).Set(success)
	t.lastDuration.WithLabelValues(operation).Set(duration.Seconds())
}

// ObserveArtifact records the placed payload size. The gauge is only
// exported once set, so a failed backup does not report a stale size of 0.
func (t *Textfile) ObserveArtifact(payloadSize int64) {
	t.payloadBytes.Set(float64(payloadSize))
	t.register(t.payloadBytes)
}

// ObservePrune records the last retention pass.
func (t *Textfile) ObservePrune(deleted, failed int) {
	t.pruneDeleted.Set(float64(deleted))
	t.pruneFailed.Set(float64(failed))
	t.register(t.pruneDeleted, t.pruneFailed)
}

func (t *Textfile) register(cs ...prometheus.Collector) {
	for _, c := range cs {
		// AlreadyRegistered just means a second observation in the same run.
		_ = t.registry.Register(c)
	}
}

// Path returns the file Flush writes, or "" before any run was observed.
func (t *Textfile) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.operation == "" {
		return ""
	}
	return filepath.Join(t.dir, "hbk_"+t.operation+".prom")
}

// Flush writes the registry to the textfile. Nothing is written before a
// run has been observed.
func (t *Textfile) Flush() error {
	path := t.Path()
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, t.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	// node_exporter runs as its own user.
	if err := os.Chmod(path, 0o644); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

// Registry exposes the underlying registry for inspection.
func (t *Textfile) Registry() *prometheus.Registry {
	return t.registry
}

var _ hbk.Metrics = (*Textfile)(nil)
