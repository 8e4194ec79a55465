package main

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/reformer/internal/notify"
)

const (
	emailProviderNoop   = "noop"
	emailProviderResend = "resend"
)

func buildDispatcher(cfg *runtimeConfig, logger *zap.Logger) (*notify.Dispatcher, func(), error) {
	location, err := time.LoadLocation(cfg.EmailTimezone)
	if err != nil {
		return nil, nil, fmt.Errorf("email timezone: %w", err)
	}

	var sender notify.Sender
	switch cfg.EmailProvider {
	case emailProviderResend:
		resendSender, err := notify.NewResendSender(cfg.ResendAPIKey, cfg.EmailFrom, logger)
		if err != nil {
			return nil, nil, err
		}
		sender = resendSender
	default:
		sender = notify.NewNoopSender(logger)
	}
	options := []notify.DispatcherOption{notify.WithEmailSender(sender)}

	cleanup := func() {}
	if cfg.AMQPURL != "" {
		publisher, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, nil, fmt.Errorf("amqp publisher: %w", err)
		}
		options = append(options, notify.WithEventPublisher(publisher))
		cleanup = func() {
			if closeErr := publisher.Close(); closeErr != nil {
				logger.Warn("amqp close failed", zap.Error(closeErr))
			}
		}
	}

	dispatcher, err := notify.NewDispatcher(logger, notify.DispatcherConfig{
		Workers:   cfg.NotifyWorkers,
		QueueSize: cfg.NotifyQueueSize,
		From:      cfg.EmailFrom,
		ReplyTo:   cfg.EmailReplyTo,
		Location:  location,
	}, options...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return dispatcher, cleanup, nil
}
