package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// NoopSender logs emails instead of delivering them.
type NoopSender struct {
	logger *zap.Logger
	nowFn  func() time.Time
}

// NewNoopSender creates a NoopSender. A nil logger discards output.
func NewNoopSender(logger *zap.Logger) *NoopSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoopSender{logger: logger, nowFn: time.Now}
}

// Send logs the email.
func (s *NoopSender) Send(_ context.Context, req SendRequest) (SendResult, error) {
	now := s.nowFn().UTC()
	s.logger.Info("noop email send", zap.Strings("to", req.To), zap.String("subject", req.Subject))
	return SendResult{MessageID: fmt.Sprintf("noop-%d", now.UnixNano()), SentAt: now}, nil
}

// SendBatch logs every email of the batch.
func (s *NoopSender) SendBatch(_ context.Context, reqs []SendRequest) ([]SendResult, error) {
	now := s.nowFn().UTC()
	results := make([]SendResult, 0, len(reqs))
	for index, req := range reqs {
		s.logger.Info("noop email batch",
			zap.Int("index", index),
			zap.Strings("to", req.To),
			zap.String("subject", req.Subject),
		)
		results = append(results, SendResult{
			MessageID: fmt.Sprintf("noop-batch-%d-%d", now.UnixNano(), index),
			SentAt:    now,
		})
	}
	return results, nil
}
