// Package metrics builds the tally scope the daemon reports request counters
// and transform latency through. Reports are flushed as debug-level log lines.
package metrics

import (
	"io"
	"log/slog"
	"time"

	tally "github.com/uber-go/tally/v4"

	"cssmod/internal/logging"
)

// Metric names emitted by the daemon.
const (
	Requests         = "requests"
	CacheHit         = "cache_hit"
	CacheMiss        = "cache_miss"
	CacheCorrupt     = "cache_corrupt"
	RequestError     = "request_error"
	TransformLatency = "transform_latency"
)

// NewScope returns a root scope reporting every interval. A non-positive
// interval disables reporting and returns tally.NoopScope.
func NewScope(logger *slog.Logger, prefix string, interval time.Duration) (tally.Scope, io.Closer) {
	if interval <= 0 {
		return tally.NoopScope, nopCloser{}
	}
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix:   prefix,
		Reporter: NewLogReporter(logger),
	}, interval)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// LogReporter implements tally.StatsReporter by writing each value as a
// structured log record.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter returns a reporter writing to logger at debug level.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logging.NewComponentLogger(logger, "metrics")}
}

type capabilities struct{}

func (capabilities) Reporting() bool { return true }
func (capabilities) Tagging() bool   { return false }

// Capabilities implements tally.BaseStatsReporter.
func (r *LogReporter) Capabilities() tally.Capabilities { return capabilities{} }

// Flush implements tally.BaseStatsReporter.
func (r *LogReporter) Flush() {}

// ReportCounter implements tally.StatsReporter.
func (r *LogReporter) ReportCounter(name string, _ map[string]string, value int64) {
	r.logger.Debug("counter",
		logging.String(logging.FieldEventType, "metric_counter"),
		logging.String("metric", name),
		logging.Int64("value", value))
}

// ReportGauge implements tally.StatsReporter.
func (r *LogReporter) ReportGauge(name string, _ map[string]string, value float64) {
	r.logger.Debug("gauge",
		logging.String(logging.FieldEventType, "metric_gauge"),
		logging.String("metric", name),
		logging.Any("value", value))
}

// ReportTimer implements tally.StatsReporter.
func (r *LogReporter) ReportTimer(name string, _ map[string]string, interval time.Duration) {
	r.logger.Debug("timer",
		logging.String(logging.FieldEventType, "metric_timer"),
		logging.String("metric", name),
		logging.Duration("value", interval))
}

// ReportHistogramValueSamples implements tally.StatsReporter.
func (r *LogReporter) ReportHistogramValueSamples(name string, _ map[string]string, _ tally.Buckets, lower, upper float64, samples int64) {
	r.logger.Debug("histogram",
		logging.String(logging.FieldEventType, "metric_histogram"),
		logging.String("metric", name),
		logging.Any("lower", lower),
		logging.Any("upper", upper),
		logging.Int64("samples", samples))
}

// ReportHistogramDurationSamples implements tally.StatsReporter.
func (r *LogReporter) ReportHistogramDurationSamples(name string, _ map[string]string, _ tally.Buckets, lower, upper time.Duration, samples int64) {
	r.logger.Debug("histogram",
		logging.String(logging.FieldEventType, "metric_histogram"),
		logging.String("metric", name),
		logging.Duration("lower", lower),
		logging.Duration("upper", upper),
		logging.Int64("samples", samples))
}

var _ tally.StatsReporter = (*LogReporter)(nil)
