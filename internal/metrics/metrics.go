// Package metrics exports media pipeline telemetry to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "mithril_media"

// Recorder implements the media, disk guard, and janitor observers on top of
// Prometheus collectors. A nil *Recorder records nothing.
type Recorder struct {
	ingestRequests  *prometheus.CounterVec
	ingestFiles     *prometheus.CounterVec
	ingestDuration  *prometheus.HistogramVec
	storedFiles     *prometheus.CounterVec
	storedBytes     *prometheus.CounterVec
	optimizerRuns   *prometheus.CounterVec
	optimizerRatio  prometheus.Histogram
	rollbacks       prometheus.Counter
	rolledBackFiles prometheus.Counter
	deletes         *prometheus.CounterVec
	diskFree        prometheus.Gauge
	janitorRemoved  prometheus.Counter
	janitorErrors   prometheus.Counter
}

// New creates a Recorder and registers its collectors with reg, which
// defaults to prometheus.DefaultRegisterer. Collectors that are already
// registered are reused.
func New(namespace string, reg prometheus.Registerer) (*Recorder, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Recorder{}
	var err error
	if r.ingestRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_requests_total",
		Help:      "Upload requests by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if r.ingestFiles, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_files_total",
		Help:      "Files received in upload requests by request outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if r.ingestDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ingest_duration_seconds",
		Help:      "Time from intake to the final media set, by outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if r.storedFiles, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stored_files_total",
		Help:      "Files written under the storage root by kind.",
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	if r.storedBytes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stored_bytes_total",
		Help:      "Bytes of stored files after optimization, by kind.",
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	if r.optimizerRuns, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "optimizer_runs_total",
		Help:      "Image optimizer runs by outcome (optimized, skipped, failed).",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if r.optimizerRatio, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "optimizer_size_ratio",
		Help:      "Optimized size divided by original size.",
		Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2},
	})); err != nil {
		return nil, err
	}
	if r.rollbacks, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rollbacks_total",
		Help:      "Failed upload requests whose written files were cleaned up.",
	})); err != nil {
		return nil, err
	}
	if r.rolledBackFiles, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rolled_back_files_total",
		Help:      "Files removed by rollbacks.",
	})); err != nil {
		return nil, err
	}
	if r.deletes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deletes_total",
		Help:      "Delete-by-URL calls by outcome (deleted, skipped, rejected, failed).",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if r.diskFree, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "disk_free_megabytes",
		Help:      "Free space on the storage filesystem at the last sample.",
	})); err != nil {
		return nil, err
	}
	if r.janitorRemoved, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "janitor_removed_files_total",
		Help:      "Stale temporary files removed by the janitor.",
	})); err != nil {
		return nil, err
	}
	if r.janitorErrors, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "janitor_errors_total",
		Help:      "Janitor sweeps that ended with an error.",
	})); err != nil {
		return nil, err
	}
	return r, nil
}

// register registers c, returning the already registered collector of the
// same description instead when there is one.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register media metric: %w", err)
	}
	return c, nil
}

func (r *Recorder) ObserveIngest(outcome string, files int, duration time.Duration) {
	if r == nil {
		return
	}
	r.ingestRequests.WithLabelValues(outcome).Inc()
	r.ingestFiles.WithLabelValues(outcome).Add(float64(files))
	if duration > 0 {
		r.ingestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

func (r *Recorder) ObserveStored(kind string, sizeBytes int64) {
	if r == nil {
		return
	}
	r.storedFiles.WithLabelValues(kind).Inc()
	if sizeBytes > 0 {
		r.storedBytes.WithLabelValues(kind).Add(float64(sizeBytes))
	}
}

func (r *Recorder) ObserveOptimize(outcome string, ratio *float64) {
	if r == nil {
		return
	}
	r.optimizerRuns.WithLabelValues(outcome).Inc()
	if ratio != nil {
		r.optimizerRatio.Observe(*ratio)
	}
}

func (r *Recorder) ObserveRollback(files int) {
	if r == nil {
		return
	}
	r.rollbacks.Inc()
	r.rolledBackFiles.Add(float64(files))
}

func (r *Recorder) ObserveDelete(outcome string) {
	if r == nil {
		return
	}
	r.deletes.WithLabelValues(outcome).Inc()
}

// ObserveDiskFree records a disk guard sample.
func (r *Recorder) ObserveDiskFree(freeMB uint64) {
	if r == nil {
		return
	}
	r.diskFree.Set(float64(freeMB))
}

// ObserveSweep records one janitor run.
func (r *Recorder) ObserveSweep(removed int, err error) {
	if r == nil {
		return
	}
	r.janitorRemoved.Add(float64(removed))
	if err != nil {
		r.janitorErrors.Inc()
	}
}
