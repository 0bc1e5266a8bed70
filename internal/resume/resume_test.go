package resume

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunDetectsSuspendGap(t *testing.T) {
	m := New(5 * time.Millisecond)
	m.Threshold = 20 * time.Millisecond

	var clock time.Time
	var tick int
	m.now = func() time.Time {
		tick++
		if tick == 3 {
			clock = clock.Add(time.Second) // simulate a suspend between samples 2 and 3
		} else {
			clock = clock.Add(time.Millisecond)
		}
		return clock
	}

	var gaps int64
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		m.Run(stop, func(time.Duration) { atomic.AddInt64(&gaps, 1) })
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	close(stop)
	<-done

	assert.GreaterOrEqual(t, atomic.LoadInt64(&gaps), int64(1))
}

func TestRunStopsCleanlyWithoutGap(t *testing.T) {
	m := New(2 * time.Millisecond)
	stop := make(chan struct{})
	done := make(chan struct{})
	called := false
	go func() {
		m.Run(stop, func(time.Duration) { called = true })
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	close(stop)
	<-done
	assert.False(t, called)
}
