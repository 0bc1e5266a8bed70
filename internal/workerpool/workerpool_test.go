package workerpool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/GeovaneJefferson/timemachine/internal/cancel"
)

func TestResizeHDDAlwaysHardCap(t *testing.T) {
	assert.Equal(t, HDDHardCap, Resize(HDD, 16, 0.0))
	assert.Equal(t, HDDHardCap, Resize(HDD, 2, 0.99))
}

func TestResizeSSDHalvesOnHighLoad(t *testing.T) {
	assert.Equal(t, 4, Resize(SSD, 8, 0.9))
}

func TestResizeSSDHalveFloor(t *testing.T) {
	assert.Equal(t, MinWorkers, Resize(SSD, 2, 0.9))
}

func TestResizeSSDDoublesOnLowLoad(t *testing.T) {
	assert.Equal(t, 8, Resize(SSD, 4, 0.05))
}

func TestResizeSSDDoubleCeiling(t *testing.T) {
	assert.Equal(t, MaxWorkers, Resize(SSD, 16, 0.05))
}

func TestResizeSSDMidLoadUnchanged(t *testing.T) {
	assert.Equal(t, 6, Resize(SSD, 6, 0.5))
}

func TestPoolRunsAllTasks(t *testing.T) {
	p := New(4, nil)

	var count int64
	const n = 50
	for i := 0; i < n; i++ {
		p.Submit(func() { atomic.AddInt64(&count, 1) })
	}
	p.Close()
	assert.Equal(t, int64(n), atomic.LoadInt64(&count))
}

func TestPoolRejectsAfterCancel(t *testing.T) {
	bus := cancel.New()
	p := New(2, bus)
	defer p.Close()

	bus.Cancel(cancel.Graceful)
	accepted := p.Submit(func() {})
	assert.False(t, accepted)
}

func TestSampleCPUUtilReturnsFractionOrFalse(t *testing.T) {
	util, ok := SampleCPUUtil(10 * time.Millisecond)
	if !ok {
		t.Skip("/proc/stat unavailable on this platform")
	}
	assert.GreaterOrEqual(t, util, 0.0)
	assert.LessOrEqual(t, util, 1.0)
}
