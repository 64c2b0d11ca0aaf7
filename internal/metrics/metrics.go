package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flume",
		Name:      "runs_total",
		Help:      "Total number of pipeline runs by verdict.",
	}, []string{"verdict"})

	stageFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flume",
		Name:      "stage_failures_total",
		Help:      "Total number of failed stages by cause.",
	}, []string{"cause"})

	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flume",
		Name:      "stage_duration_seconds",
		Help:      "Wall-clock runtime of pipeline stages in seconds.",
	}, []string{"pipeline"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "flume",
		Name:      "build_info",
		Help:      "Build metadata for the running flume binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(runsTotal, stageFailures, stageDuration, buildInfo)
}

// Registry returns the Prometheus registry containing all flume metrics.
func Registry() *prometheus.Registry {
	return registry
}

// IncrementRun counts a completed run under its verdict.
func IncrementRun(verdict string) {
	if verdict == "" {
		return
	}
	runsTotal.WithLabelValues(verdict).Inc()
}

// IncrementStageFailure counts a failed stage under its cause.
func IncrementStageFailure(cause string) {
	if cause == "" {
		cause = "unknown"
	}
	stageFailures.WithLabelValues(cause).Inc()
}

// ObserveStageDuration records how long a stage ran.
func ObserveStageDuration(pipeline string, d time.Duration) {
	label := pipeline
	if label == "" {
		label = "unknown"
	}
	stageDuration.WithLabelValues(label).Observe(d.Seconds())
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}
