package observability

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Metrics bundles every Prometheus collector the room/orchestrator/API
// layers instrument against. DuplicateTriggerTotal counts discussion
// ticks that found no newly-eligible agent.
type Metrics struct {
	ActiveConnections     prometheus.Gauge
	RoomCount             prometheus.Gauge
	CommandLatency        *prometheus.HistogramVec
	BroadcastLatency      prometheus.Observer
	DuplicateTriggerTotal prometheus.Counter
	CommandReject         *prometheus.CounterVec
	AgentLatency          *prometheus.HistogramVec
	AgentErrorTotal       *prometheus.CounterVec
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer.(*prometheus.Registry)
	}
	return &Metrics{
		ActiveConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Number of active websocket connections",
		}),
		RoomCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "rooms_active",
			Help: "Number of rooms currently in the registry",
		}),
		CommandLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "command_latency_ms",
			Help:    "Latency for processing REST/WS commands",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"command_type"}),
		BroadcastLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "broadcast_latency_ms",
			Help:    "Broadcast delivery latency",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		DuplicateTriggerTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "discussion_tick_no_op_total",
			Help: "Discussion ticks that found no newly eligible agent",
		}),
		CommandReject: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "command_reject_total",
			Help: "Rejected commands by reason",
		}, []string{"reason"}),
		AgentLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_generation_latency_ms",
			Help:    "Agent decision/message/vote generation latency",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"kind"}),
		AgentErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agent_generation_error_total",
			Help: "Agent generation errors that fell back to canned output",
		}, []string{"kind"}),
	}
}

func SetupTracerProvider(ctx context.Context, serviceName string, stdout bool, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	var exporter *stdouttrace.Exporter
	var err error
	if stdout {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
	}

	rs := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion("1.0.0"),
		attribute.String("game.kind", "social-deduction"),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(rs),
	)
	if exporter != nil {
		tp.RegisterSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter))
	}
	otel.SetTracerProvider(tp)
	logger.Info("tracer initialized", zap.String("service", serviceName))
	return tp, nil
}

func SetupLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	// Room actors attach room_code/conn_id/player_id on top of this name,
	// so every line in a merged stream is attributable to the arena.
	return logger.Named("arena"), nil
}

// ZapToSlog wraps a zap.Logger as slog.Logger, for the queue consumer
// code written against the standard library's structured logger.
func ZapToSlog(logger *zap.Logger) *slog.Logger {
	return slog.New(slogHandler{sugar: logger.Sugar()})
}

type slogHandler struct {
	sugar *zap.SugaredLogger
	// prefix carries accumulated WithGroup names, dot-joined, so grouped
	// slog attrs flatten into the zap line instead of being dropped.
	prefix string
}

func (h slogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h slogHandler) Handle(ctx context.Context, r slog.Record) error {
	args := make([]interface{}, 0, r.NumAttrs()*2)
	r.Attrs(func(a slog.Attr) bool {
		args = append(args, h.prefix+a.Key, a.Value.Any())
		return true
	})
	switch r.Level {
	case slog.LevelDebug:
		h.sugar.Debugw(r.Message, args...)
	case slog.LevelInfo:
		h.sugar.Infow(r.Message, args...)
	case slog.LevelWarn:
		h.sugar.Warnw(r.Message, args...)
	case slog.LevelError:
		h.sugar.Errorw(r.Message, args...)
	}
	return nil
}

func (h slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	args := make([]interface{}, 0, len(attrs)*2)
	for _, a := range attrs {
		args = append(args, h.prefix+a.Key, a.Value.Any())
	}
	return slogHandler{sugar: h.sugar.With(args...), prefix: h.prefix}
}

func (h slogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return slogHandler{sugar: h.sugar, prefix: h.prefix + name + "."}
}
