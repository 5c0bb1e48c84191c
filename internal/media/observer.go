package media

import "time"

// Observer captures telemetry for the ingest pipeline. Implementations must
// be safe for concurrent use.
type Observer interface {
	ObserveIngest(outcome string, files int, duration time.Duration)
	ObserveStored(kind string, sizeBytes int64)
	ObserveOptimize(outcome string, ratio *float64)
	ObserveRollback(files int)
	ObserveDelete(outcome string)
}

// Outcome labels reported to the Observer.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"

	OutcomeOptimized = "optimized"
	OutcomeSkipped   = "skipped"

	OutcomeDeleted = "deleted"
)

type nopObserver struct{}

func (nopObserver) ObserveIngest(string, int, time.Duration) {}

func (nopObserver) ObserveStored(string, int64) {}

func (nopObserver) ObserveOptimize(string, *float64) {}

func (nopObserver) ObserveRollback(int) {}

func (nopObserver) ObserveDelete(string) {}
