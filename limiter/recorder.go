package limiter

import "github.com/yourusername/quotafence/core"

// Recorder receives limiter events for metrics. Implementations must be safe
// for concurrent use, since every key's actor reports from its own goroutine.
type Recorder interface {
	ObserveDecision(key string, granted bool, tokens int64)
	ObserveState(state core.BucketState)
	ObserveStoreError(key string, op string)
}

// noopRecorder keeps the hot path free of nil checks.
type noopRecorder struct{}

func (noopRecorder) ObserveDecision(string, bool, int64) {}
func (noopRecorder) ObserveState(core.BucketState)       {}
func (noopRecorder) ObserveStoreError(string, string)    {}
