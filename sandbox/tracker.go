package sandbox

import "time"

// Default coverage budget before any successful run has been observed,
// and the slack added on top of the running average afterwards.
const (
	defaultCoverageTimeout = 30 * time.Second
	coverageTimeoutSlack   = 2 * time.Second
)

// runtimeTracker keeps an online mean of successful coverage run
// durations, in seconds, without storing history. Failed or timed-out
// runs must not be fed into it.
type runtimeTracker struct {
	count int
	avg   float64
}

// newRuntimeTracker returns a tracker with no history. The average is a
// -1 sentinel until the first sample arrives.
func newRuntimeTracker() runtimeTracker {
	return runtimeTracker{avg: -1}
}

// observe folds one successful run duration into the running average.
func (t *runtimeTracker) observe(d time.Duration) {
	sample := d.Seconds()
	t.count++
	if t.count == 1 {
		t.avg = sample
		return
	}
	t.avg += (sample - t.avg) / float64(t.count)
}

// average returns the mean of all observed samples in seconds, or -1
// when no sample has been observed yet.
func (t *runtimeTracker) average() float64 {
	return t.avg
}

// samples returns how many successful runs have been observed.
func (t *runtimeTracker) samples() int {
	return t.count
}

// timeout derives the budget for the next coverage run: the running
// average plus a little slack for slower harnesses, or the fixed default
// when there is no history.
func (t *runtimeTracker) timeout() time.Duration {
	if t.count == 0 {
		return defaultCoverageTimeout
	}
	return time.Duration(t.avg*float64(time.Second)) + coverageTimeoutSlack
}
