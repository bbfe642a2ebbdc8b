package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// CronJobMetrics records maintenance job runs. The last-success gauge lets an
// alert fire when the ledger audit silently stops running.
type CronJobMetrics struct {
	duration    *prometheus.HistogramVec
	runs        *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
	now         func() time.Time
}

func NewCronJobMetrics(reg prometheus.Registerer) *CronJobMetrics {
	if reg == nil {
		return &CronJobMetrics{}
	}
	m := &CronJobMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maintenance_job_duration_seconds",
			Help:    "Duration of maintenance jobs in seconds.",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900, 1800},
		}, []string{"job"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintenance_job_runs_total",
			Help: "Maintenance job runs by result. Audits that find drift count as failures.",
		}, []string{"job", "result"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maintenance_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per job.",
		}, []string{"job"}),
		now: time.Now,
	}
	reg.MustRegister(m.duration, m.runs, m.lastSuccess)
	return m
}

// ObserveRun records one finished run; a nil err is a success.
func (c *CronJobMetrics) ObserveRun(job string, duration time.Duration, err error) {
	if c == nil || c.runs == nil {
		return
	}
	job = normalizeLabel(job)
	c.duration.WithLabelValues(job).Observe(duration.Seconds())
	if err != nil {
		c.runs.WithLabelValues(job, resultFailure).Inc()
		return
	}
	c.runs.WithLabelValues(job, resultSuccess).Inc()
	c.lastSuccess.WithLabelValues(job).Set(float64(c.now().Unix()))
}
