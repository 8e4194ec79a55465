package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/reformer/pkg/booking"
)

const (
	defaultWorkerCount     = 2
	defaultQueueSize       = 64
	defaultDeliveryTimeout = 10 * time.Second
)

// ErrInvalidDispatcherConfig is returned when the dispatcher cannot be built.
var ErrInvalidDispatcherConfig = errors.New("invalid dispatcher config")

// DispatcherConfig configures the notification worker pool.
type DispatcherConfig struct {
	Workers         int
	QueueSize       int
	From            string
	ReplyTo         string
	DeliveryTimeout time.Duration
	Location        *time.Location
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithEmailSender delivers rendered emails through sender.
func WithEmailSender(sender Sender) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.sender = sender
	}
}

// WithEventPublisher publishes booking events through publisher.
func WithEventPublisher(publisher EventPublisher) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.publisher = publisher
	}
}

// Dispatcher is a booking.Notifier that delivers notifications on background
// workers. Notify never blocks: when the queue is full the notification is dropped.
type Dispatcher struct {
	config    DispatcherConfig
	logger    *zap.Logger
	templates *TemplateSet
	sender    Sender
	publisher EventPublisher

	queue     chan booking.Notification
	mu        sync.RWMutex
	started   bool
	closed    bool
	workers   sync.WaitGroup
	closeOnce sync.Once
}

// NewDispatcher validates config and builds a stopped dispatcher.
func NewDispatcher(logger *zap.Logger, config DispatcherConfig, options ...DispatcherOption) (*Dispatcher, error) {
	if config.Workers < 0 || config.QueueSize < 0 || config.DeliveryTimeout < 0 {
		return nil, fmt.Errorf("%w: workers, queue size and timeout must not be negative", ErrInvalidDispatcherConfig)
	}
	if config.Workers == 0 {
		config.Workers = defaultWorkerCount
	}
	if config.QueueSize == 0 {
		config.QueueSize = defaultQueueSize
	}
	if config.DeliveryTimeout == 0 {
		config.DeliveryTimeout = defaultDeliveryTimeout
	}
	config.From = strings.TrimSpace(config.From)
	config.ReplyTo = strings.TrimSpace(config.ReplyTo)
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := &Dispatcher{
		config:    config,
		logger:    logger.Named("notify"),
		templates: NewTemplateSet(config.Location),
		queue:     make(chan booking.Notification, config.QueueSize),
	}
	for _, option := range options {
		if option != nil {
			option(dispatcher)
		}
	}
	if dispatcher.sender == nil && dispatcher.publisher == nil {
		return nil, fmt.Errorf("%w: at least one sink is required", ErrInvalidDispatcherConfig)
	}
	return dispatcher, nil
}

// Start launches the worker goroutines. Calling Start twice is a no-op.
func (dispatcher *Dispatcher) Start() {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if dispatcher.started || dispatcher.closed {
		return
	}
	dispatcher.started = true
	for index := 0; index < dispatcher.config.Workers; index++ {
		dispatcher.workers.Add(1)
		go dispatcher.run()
	}
}

// Notify enqueues notification for delivery.
func (dispatcher *Dispatcher) Notify(_ context.Context, notification booking.Notification) {
	dispatcher.mu.RLock()
	defer dispatcher.mu.RUnlock()
	if dispatcher.closed {
		dispatcher.logger.Warn("notification dropped", zap.String("kind", string(notification.Kind)), zap.String("reason", "dispatcher closed"))
		return
	}
	select {
	case dispatcher.queue <- notification:
	default:
		dispatcher.logger.Warn("notification dropped",
			zap.String("kind", string(notification.Kind)),
			zap.String("customer_id", notification.CustomerID.String()),
			zap.String("class_id", notification.Class.ID.String()),
			zap.String("reason", "queue full"),
		)
	}
}

// Close stops accepting notifications and waits for queued ones to be delivered
// or for ctx to end.
func (dispatcher *Dispatcher) Close(ctx context.Context) error {
	dispatcher.closeOnce.Do(func() {
		dispatcher.mu.Lock()
		dispatcher.closed = true
		close(dispatcher.queue)
		started := dispatcher.started
		dispatcher.mu.Unlock()
		if !started {
			for notification := range dispatcher.queue {
				dispatcher.deliver(notification)
			}
		}
	})
	done := make(chan struct{})
	go func() {
		dispatcher.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (dispatcher *Dispatcher) run() {
	defer dispatcher.workers.Done()
	for notification := range dispatcher.queue {
		dispatcher.deliver(notification)
	}
}

func (dispatcher *Dispatcher) deliver(notification booking.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatcher.config.DeliveryTimeout)
	defer cancel()

	fields := []zap.Field{
		zap.String("kind", string(notification.Kind)),
		zap.String("customer_id", notification.CustomerID.String()),
		zap.String("class_id", notification.Class.ID.String()),
	}
	if dispatcher.publisher != nil {
		if err := dispatcher.publisher.PublishEvent(ctx, notification.Kind, NewBookingEvent(notification)); err != nil {
			dispatcher.logger.Error("booking event publish failed", append(fields, zap.Error(err))...)
		}
	}
	if dispatcher.sender == nil {
		return
	}
	if notification.Contact.Email == "" {
		dispatcher.logger.Debug("booking email skipped", append(fields, zap.String("reason", "no contact email"))...)
		return
	}
	rendered, err := dispatcher.templates.Render(notification)
	if err != nil {
		dispatcher.logger.Error("booking email render failed", append(fields, zap.Error(err))...)
		return
	}
	result, err := dispatcher.sender.Send(ctx, SendRequest{
		To:      []string{notification.Contact.Email},
		From:    dispatcher.config.From,
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		ReplyTo: dispatcher.config.ReplyTo,
	})
	if err != nil {
		dispatcher.logger.Error("booking email send failed", append(fields, zap.Error(err))...)
		return
	}
	dispatcher.logger.Info("booking email sent", append(fields, zap.String("message_id", result.MessageID))...)
}
