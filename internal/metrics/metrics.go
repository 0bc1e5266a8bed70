// Package metrics backs the run counters and cycle-phase timings with
// Prometheus collectors, queried in-process only: the web/HTTP UI is out
// of scope for this engine, so no promhttp.Handler is ever mounted on a
// network listener. cmd/timemachinectl's --stats flag instead asks the
// daemon's IPC control socket for a Snapshot, and the test suite reads
// one directly.
package metrics

import (
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the run counters, cumulative across cycles, and the
// cycle-phase histogram, all in a private prometheus.Registry.
type Registry struct {
	reg *prometheus.Registry

	filesPlanned prometheus.Counter
	bytesPlanned prometheus.Counter
	filesDone    prometheus.Counter
	bytesDone    prometheus.Counter
	filesFailed  prometheus.Counter
	cyclesRun    prometheus.Counter

	phaseDuration *prometheus.HistogramVec
}

// New builds a fresh Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		filesPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timemachine", Subsystem: "run", Name: "files_planned_total",
			Help: "Total files planned for backup across all cycles.",
		}),
		bytesPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timemachine", Subsystem: "run", Name: "bytes_planned_total",
			Help: "Total bytes planned for backup across all cycles.",
		}),
		filesDone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timemachine", Subsystem: "run", Name: "files_done_total",
			Help: "Total files successfully committed across all cycles.",
		}),
		bytesDone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timemachine", Subsystem: "run", Name: "bytes_done_total",
			Help: "Total bytes successfully written across all cycles.",
		}),
		filesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timemachine", Subsystem: "run", Name: "files_failed_total",
			Help: "Total files that failed to commit across all cycles.",
		}),
		cyclesRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timemachine", Subsystem: "run", Name: "cycles_total",
			Help: "Total completed scheduler cycles.",
		}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "timemachine", Subsystem: "cycle", Name: "phase_duration_seconds",
			Help:    "Duration of each scheduler cycle phase.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		}, []string{"phase"}),
	}

	reg.MustRegister(r.filesPlanned, r.bytesPlanned, r.filesDone, r.bytesDone, r.filesFailed, r.cyclesRun, r.phaseDuration)
	return r
}

// PlanAdded records newly planned work for the current cycle.
func (r *Registry) PlanAdded(files int, bytes int64) {
	r.filesPlanned.Add(float64(files))
	r.bytesPlanned.Add(float64(bytes))
}

// FileCommitted records one successfully committed file.
func (r *Registry) FileCommitted(bytes int64) {
	r.filesDone.Inc()
	r.bytesDone.Add(float64(bytes))
}

// FileFailed records one failed commit.
func (r *Registry) FileFailed() {
	r.filesFailed.Inc()
}

// CycleCompleted records one finished cycle.
func (r *Registry) CycleCompleted() {
	r.cyclesRun.Inc()
}

// ObservePhase records how long a named cycle phase took.
func (r *Registry) ObservePhase(phase string, d time.Duration) {
	r.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// Snapshot is a point-in-time dump of the cumulative counters, used by
// cmd/timemachinectl's --stats flag.
type Snapshot struct {
	FilesPlanned float64
	BytesPlanned float64
	FilesDone    float64
	BytesDone    float64
	FilesFailed  float64
	CyclesRun    float64
}

// Snapshot reads the current counter values.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		FilesPlanned: readCounter(r.filesPlanned),
		BytesPlanned: readCounter(r.bytesPlanned),
		FilesDone:    readCounter(r.filesDone),
		BytesDone:    readCounter(r.bytesDone),
		FilesFailed:  readCounter(r.filesFailed),
		CyclesRun:    readCounter(r.cyclesRun),
	}
}

func readCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil || m.Counter == nil {
		return 0
	}
	return m.Counter.GetValue()
}
