package observer

import (
	"context"

	"go.uber.org/zap"
)

// LogObserver writes one structured line per request.
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver returns observer.
func NewLogObserver(logger *zap.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) OnRequest(_ context.Context, ex Exchange) {
	o.logger.Debug("request received",
		zap.String("request_id", ex.RequestID),
		zap.String("method", ex.Method),
		zap.String("path", ex.Path),
	)
}

func (o *LogObserver) OnResponse(_ context.Context, ex Exchange, out Outcome) {
	fields := []zap.Field{
		zap.String("request_id", ex.RequestID),
		zap.String("correlation_id", ex.CorrelationID),
		zap.String("method", ex.Method),
		zap.String("route", ex.Route),
		zap.String("path", ex.Path),
		zap.String("caller", ex.Caller),
		zap.Int("status", out.Status),
		zap.Int("bytes", out.Bytes),
		zap.Duration("duration", out.Duration),
	}
	switch {
	case out.Status >= 500:
		o.logger.Error("request failed", fields...)
	case out.Status >= 400:
		o.logger.Warn("request rejected", fields...)
	default:
		o.logger.Info("request handled", fields...)
	}
}
