package instrument

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Sink receives finished timer records.
type Sink interface {
	Log(Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Record)

func (f SinkFunc) Log(r Record) { f(r) }

type multiSink []Sink

func (m multiSink) Log(r Record) {
	for _, s := range m {
		s.Log(r)
	}
}

// Multi fans a record out to every non-nil sink. It returns nil when no sink
// remains.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s == nil {
			continue
		}
		if m, ok := s.(multiSink); ok {
			out = append(out, m...)
			continue
		}
		out = append(out, s)
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

// Collector keeps every record it receives, typically for one request.
type Collector struct {
	mu      sync.Mutex
	records []Record
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Log(r Record) {
	c.mu.Lock()
	c.records = append(c.records, r)
	c.mu.Unlock()
}

// Records returns a copy of the collected records in arrival order.
func (c *Collector) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

type logSink struct {
	logger *zap.Logger
}

// NewLogSink writes successful operations at debug level and failed ones at
// warn level.
func NewLogSink(logger *zap.Logger) Sink {
	return &logSink{logger: logger}
}

func (s *logSink) Log(r Record) {
	fields := []zap.Field{
		zap.String("type", r.Type),
		zap.String("op", r.Name),
		zap.Duration("duration", r.Duration),
		zap.String("message", r.Message),
	}
	if r.Error != nil {
		fields = append(fields,
			zap.String("error", r.Error.Message),
			zap.String("code", r.Error.Code),
			zap.String("entity", r.Error.Entity),
		)
		s.logger.Warn("operation failed", fields...)
		return
	}
	s.logger.Debug("operation finished", fields...)
}

type metricsSink struct {
	duration *prometheus.HistogramVec
}

// NewMetricsSink registers the operation duration histogram with reg and
// returns a sink feeding it.
func NewMetricsSink(reg prometheus.Registerer) Sink {
	return &metricsSink{
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "docmodel",
				Name:      "operation_duration_seconds",
				Help:      "Duration of storage and transport operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type", "name", "outcome"},
		),
	}
}

func (s *metricsSink) Log(r Record) {
	outcome := "ok"
	if r.Error != nil {
		outcome = "error"
		if r.Error.Code != "" {
			outcome = r.Error.Code
		}
	}
	s.duration.WithLabelValues(r.Type, r.Name, outcome).Observe(r.Duration.Seconds())
}

type sinkKey struct{}

// WithSink attaches a sink to ctx. Operations started with that context
// report to it in addition to their configured sink.
func WithSink(ctx context.Context, sink Sink) context.Context {
	if sink == nil {
		return ctx
	}
	return context.WithValue(ctx, sinkKey{}, Multi(SinkFromContext(ctx), sink))
}

// SinkFromContext returns the sink attached with WithSink, or nil.
func SinkFromContext(ctx context.Context) Sink {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(sinkKey{}).(Sink)
	return s
}
