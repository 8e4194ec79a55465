// Package oplog routes booking operation callbacks into zap.
package oplog

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/reformer/pkg/booking"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements booking.OperationLogger.
type ZapLogger struct {
	logger *zap.Logger
}

// New wraps logger. A nil logger discards everything.
func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("booking")}
}

// LogOperation writes one structured line per operation. Expected business
// refusals log at info, integrity failures and store errors at error, and a
// restore that had to mint a fallback batch at warn. A cancellation that found
// the booked count already at zero also logs at error.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry booking.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if customer := entry.CustomerID.String(); customer != "" {
		fields = append(fields, zap.String("customer_id", customer))
	}
	if class := entry.ClassID.String(); class != "" {
		fields = append(fields, zap.String("class_id", class))
	}
	if entry.Station > 0 {
		fields = append(fields, zap.Int("station", int(entry.Station)))
	}
	if batch := entry.BatchID.String(); batch != "" {
		fields = append(fields, zap.String("batch_id", batch))
	}
	if entry.Credits != 0 {
		fields = append(fields, zap.Int("credits", entry.Credits))
	}
	if entry.CountDrift {
		fields = append(fields, zap.Bool("booked_count_drift", true))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	zapLogger.logger.Log(levelFor(entry), "booking operation", fields...)
}

func levelFor(entry booking.OperationLog) zapcore.Level {
	switch {
	case entry.CountDrift:
		return zapcore.ErrorLevel
	case entry.Error == nil && entry.RestoreFallback:
		return zapcore.WarnLevel
	case entry.Error == nil:
		return zapcore.InfoLevel
	case errors.Is(entry.Error, booking.ErrNoStationAvailable):
		return zapcore.ErrorLevel
	case booking.IsBusinessError(entry.Error):
		return zapcore.InfoLevel
	default:
		return zapcore.ErrorLevel
	}
}
