package hbk

import "time"

// Metrics receives run outcomes. Flush persists them, e.g. to a node_exporter
// textfile; it is called once per run after the lock is released.
type Metrics interface {
	ObserveRun(operation, status string, duration time.Duration, finishedAt time.Time)
	ObserveArtifact(payloadSize int64)
	ObservePrune(deleted, failed int)
	Flush() error
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObserveRun(string, string, time.Duration, time.Time) {}
func (NopMetrics) ObserveArtifact(int64)                               {}
func (NopMetrics) ObservePrune(int, int)                               {}
func (NopMetrics) Flush() error                                        { return nil }
