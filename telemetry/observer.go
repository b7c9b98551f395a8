package telemetry

import (
	"time"

	"github.com/nervemind/nervemind/runtime/execlog"
)

// Metric names emitted by the observer.
const (
	MetricExecutionsStarted  = "nervemind.executions.started"
	MetricExecutionsFinished = "nervemind.executions.finished"
	MetricNodeDuration       = "nervemind.node.duration"
	MetricNodeErrors         = "nervemind.node.errors"
	MetricNodeRetries        = "nervemind.node.retries"
	MetricRateLimitEvents    = "nervemind.ratelimit.events"
)

// Observer translates execution log records into engine metrics. It
// implements execlog.Handler so it registers directly on the execution
// logger; record translation is cheap enough to run inline.
type Observer struct {
	metrics Metrics
}

// NewObserver builds an Observer recording into metrics.
func NewObserver(metrics Metrics) *Observer {
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	return &Observer{metrics: metrics}
}

// Handle implements execlog.Handler.
func (o *Observer) Handle(rec execlog.Record) {
	switch rec.Category {
	case execlog.CategoryExecutionStart:
		o.metrics.IncCounter(MetricExecutionsStarted, 1)
	case execlog.CategoryExecutionEnd:
		o.metrics.IncCounter(MetricExecutionsFinished, 1, "status", contextString(rec, "status"))
	case execlog.CategoryNodeEnd:
		if d, ok := contextNumber(rec, "durationMs"); ok {
			o.metrics.RecordTimer(MetricNodeDuration,
				time.Duration(d)*time.Millisecond, "node", rec.NodeID)
		}
	case execlog.CategoryError:
		o.metrics.IncCounter(MetricNodeErrors, 1, "node", rec.NodeID)
	case execlog.CategoryRetry:
		o.metrics.IncCounter(MetricNodeRetries, 1, "node", rec.NodeID)
	case execlog.CategoryRateLimit:
		o.metrics.IncCounter(MetricRateLimitEvents, 1, "node", rec.NodeID)
	}
}

func contextString(rec execlog.Record, key string) string {
	if rec.Context == nil {
		return ""
	}
	s, _ := rec.Context[key].(string)
	return s
}

func contextNumber(rec execlog.Record, key string) (float64, bool) {
	if rec.Context == nil {
		return 0, false
	}
	switch v := rec.Context[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}
