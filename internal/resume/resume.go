// Package resume detects wall-clock gaps consistent with a suspend/resume
// cycle (laptop lid close mid-copy) and signals the scheduler to force a
// manifest flush and journal replay when one is seen.
package resume

import (
	"time"
)

// DefaultGapThreshold is the minimum elapsed-time jump between samples
// that is treated as a suspend, not just scheduling jitter.
const DefaultGapThreshold = 30 * time.Second

// Monitor samples wall-clock time at SampleInterval and reports a gap
// whenever the observed delta between samples exceeds Threshold.
type Monitor struct {
	SampleInterval time.Duration
	Threshold      time.Duration
	now            func() time.Time
}

// New returns a Monitor with the given sampling interval and the default
// suspend-gap threshold.
func New(sampleInterval time.Duration) *Monitor {
	return &Monitor{SampleInterval: sampleInterval, Threshold: DefaultGapThreshold, now: time.Now}
}

// Run samples until stop is closed, invoking onGap(observedDelta) every
// time a suspend-sized gap is detected.
func (m *Monitor) Run(stop <-chan struct{}, onGap func(time.Duration)) {
	last := m.now()
	ticker := time.NewTicker(m.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			current := m.now()
			if delta := current.Sub(last); delta > m.Threshold {
				onGap(delta)
			}
			last = current
		}
	}
}
