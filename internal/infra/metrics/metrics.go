package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ticksTotal = promauto.With(prometheus.DefaultRegisterer).NewCounter(
	prometheus.CounterOpts{
		Name: "sideloaderd_ticks_total",
		Help: "Total number of completed arbitration ticks.",
	},
)

var criticalActive = promauto.With(prometheus.DefaultRegisterer).NewGauge(
	prometheus.GaugeOpts{
		Name: "sideloaderd_critical_active",
		Help: "Whether the critical resource condition is currently in effect.",
	},
)

var overloadActive = promauto.With(prometheus.DefaultRegisterer).NewGauge(
	prometheus.GaugeOpts{
		Name: "sideloaderd_overload_active",
		Help: "Whether the overload condition is currently in effect.",
	},
)

var jobsCurrent = promauto.With(prometheus.DefaultRegisterer).NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "sideloaderd_jobs",
		Help: "Number of tracked side jobs by state.",
	},
	[]string{"state"},
)

var killsTotal = promauto.With(prometheus.DefaultRegisterer).NewCounterVec(
	prometheus.CounterOpts{
		Name: "sideloaderd_job_kills_total",
		Help: "Total number of side job kills by cause.",
	},
	[]string{"cause"},
)

var cpuAvailPct = promauto.With(prometheus.DefaultRegisterer).NewGauge(
	prometheus.GaugeOpts{
		Name: "sideloaderd_cpu_avail_percent",
		Help: "CPU budget currently granted to the side slice, in percent of one CPU times NumCPU.",
	},
)

var syscfgWarnings = promauto.With(prometheus.DefaultRegisterer).NewGauge(
	prometheus.GaugeOpts{
		Name: "sideloaderd_sysconfig_warnings",
		Help: "Number of warnings reported by the last system configuration check.",
	},
)

// Recorder publishes daemon counters to the default prometheus registry.
type Recorder struct{}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (*Recorder) RecordTick() {
	ticksTotal.Inc()
}

func (*Recorder) RecordState(critical, overloaded bool) {
	criticalActive.Set(boolToFloat(critical))
	overloadActive.Set(boolToFloat(overloaded))
}

func (*Recorder) RecordJobs(total, active, frozen, pending int) {
	jobsCurrent.WithLabelValues("total").Set(float64(total))
	jobsCurrent.WithLabelValues("active").Set(float64(active))
	jobsCurrent.WithLabelValues("frozen").Set(float64(frozen))
	jobsCurrent.WithLabelValues("pending").Set(float64(pending))
}

func (*Recorder) RecordKill(cause string) {
	killsTotal.WithLabelValues(cause).Inc()
}

func (*Recorder) RecordCPUAvail(pct float64) {
	cpuAvailPct.Set(pct)
}

func (*Recorder) RecordSyscfgWarnings(count int) {
	syscfgWarnings.Set(float64(count))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}

	return 0
}
