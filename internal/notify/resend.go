package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"
)

const resendBatchLimit = 100

// ErrInvalidSenderConfig is returned when a sender cannot be constructed.
var ErrInvalidSenderConfig = errors.New("invalid sender config")

// ResendSender sends emails via the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
	logger *zap.Logger
}

// NewResendSender creates a sender that uses the Resend API.
func NewResendSender(apiKey string, from string, logger *zap.Logger) (*ResendSender, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: resend api key is required", ErrInvalidSenderConfig)
	}
	if strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("%w: from address is required", ErrInvalidSenderConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResendSender{
		client: resend.NewClient(apiKey),
		from:   strings.TrimSpace(from),
		logger: logger,
	}, nil
}

// Send delivers a single email. An empty From uses the sender's default address.
func (s *ResendSender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	params := s.toRequest(req)
	sent, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return SendResult{}, fmt.Errorf("resend send: %w", err)
	}
	s.logger.Info("email sent",
		zap.String("message_id", sent.Id),
		zap.Strings("to", req.To),
		zap.String("subject", req.Subject),
	)
	return SendResult{MessageID: sent.Id, SentAt: time.Now().UTC()}, nil
}

// SendBatch delivers emails in chunks of at most 100 per API call.
func (s *ResendSender) SendBatch(ctx context.Context, reqs []SendRequest) ([]SendResult, error) {
	results := make([]SendResult, 0, len(reqs))
	for start := 0; start < len(reqs); start += resendBatchLimit {
		end := start + resendBatchLimit
		if end > len(reqs) {
			end = len(reqs)
		}
		chunk := make([]*resend.SendEmailRequest, 0, end-start)
		for _, req := range reqs[start:end] {
			chunk = append(chunk, s.toRequest(req))
		}
		resp, err := s.client.Batch.SendWithContext(ctx, chunk)
		if err != nil {
			return results, fmt.Errorf("resend batch send (offset %d): %w", start, err)
		}
		sentAt := time.Now().UTC()
		for _, sent := range resp.Data {
			results = append(results, SendResult{MessageID: sent.Id, SentAt: sentAt})
		}
	}
	return results, nil
}

func (s *ResendSender) toRequest(req SendRequest) *resend.SendEmailRequest {
	from := req.From
	if from == "" {
		from = s.from
	}
	return &resend.SendEmailRequest{
		From:    from,
		To:      req.To,
		Subject: req.Subject,
		Html:    req.HTML,
		ReplyTo: req.ReplyTo,
	}
}
