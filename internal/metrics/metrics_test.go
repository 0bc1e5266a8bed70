package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCountersAccumulate(t *testing.T) {
	r := New()
	r.PlanAdded(3, 1000)
	r.FileCommitted(400)
	r.FileCommitted(600)
	r.FileFailed()
	r.CycleCompleted()

	snap := r.Snapshot()
	assert.Equal(t, 3.0, snap.FilesPlanned)
	assert.Equal(t, 1000.0, snap.BytesPlanned)
	assert.Equal(t, 2.0, snap.FilesDone)
	assert.Equal(t, 1000.0, snap.BytesDone)
	assert.Equal(t, 1.0, snap.FilesFailed)
	assert.Equal(t, 1.0, snap.CyclesRun)
}

func TestObservePhaseDoesNotPanic(t *testing.T) {
	r := New()
	assert.NotPanics(t, func() {
		r.ObservePhase("planning", 250*time.Millisecond)
	})
}

func TestNewRegistryIsIndependent(t *testing.T) {
	a := New()
	b := New()
	a.FileCommitted(10)
	assert.Equal(t, 10.0, a.Snapshot().BytesDone)
	assert.Equal(t, 0.0, b.Snapshot().BytesDone)
}
