package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/MarkoPoloResearchLab/reformer/pkg/booking"
)

const (
	RoutingKeyBookingConfirmed = "booking.confirmed"
	RoutingKeyBookingCancelled = "booking.cancelled"

	exchangeKindTopic = "topic"
	contentTypeJSON   = "application/json"
)

// BookingEvent is the JSON body published for every committed booking change.
type BookingEvent struct {
	Kind       string    `json:"kind"`
	CustomerID string    `json:"customer_id"`
	ClassID    string    `json:"class_id"`
	ClassTitle string    `json:"class_title"`
	StartTime  time.Time `json:"start_time"`
	Station    int       `json:"station_number"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewBookingEvent converts a notification into its wire event.
func NewBookingEvent(notification booking.Notification) BookingEvent {
	return BookingEvent{
		Kind:       string(notification.Kind),
		CustomerID: notification.CustomerID.String(),
		ClassID:    notification.Class.ID.String(),
		ClassTitle: notification.Class.Title,
		StartTime:  notification.Class.StartTime.UTC(),
		Station:    int(notification.Station),
		OccurredAt: notification.OccurredAt.UTC(),
	}
}

// RoutingKeyFor returns the topic routing key for a notification kind.
func RoutingKeyFor(kind booking.NotificationKind) (string, error) {
	switch kind {
	case booking.NotificationBookingConfirmation:
		return RoutingKeyBookingConfirmed, nil
	case booking.NotificationBookingCancellation:
		return RoutingKeyBookingCancelled, nil
	default:
		return "", fmt.Errorf("no routing key for %q", kind)
	}
}

// EventPublisher publishes booking events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, kind booking.NotificationKind, event BookingEvent) error
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange string, key string, mandatory bool, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes booking events to a durable RabbitMQ topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	nowFn    func() time.Time
}

// NewAMQPPublisher dials url and declares exchange as a durable topic exchange.
func NewAMQPPublisher(url string, exchange string) (*AMQPPublisher, error) {
	exchange = strings.TrimSpace(exchange)
	if strings.TrimSpace(url) == "" || exchange == "" {
		return nil, fmt.Errorf("%w: amqp url and exchange are required", ErrInvalidSenderConfig)
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	publisher := newAMQPPublisher(channel, exchange)
	publisher.conn = conn
	return publisher, nil
}

func newAMQPPublisher(channel amqpChannel, exchange string) *AMQPPublisher {
	return &AMQPPublisher{channel: channel, exchange: exchange, nowFn: time.Now}
}

// PublishEvent publishes event as a persistent JSON message.
func (publisher *AMQPPublisher) PublishEvent(ctx context.Context, kind booking.NotificationKind, event BookingEvent) error {
	routingKey, err := RoutingKeyFor(kind)
	if err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal booking event: %w", err)
	}
	message := amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Timestamp:    publisher.nowFn().UTC(),
		Body:         body,
	}
	// amqp channels are not safe for concurrent publishers.
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if err := publisher.channel.PublishWithContext(ctx, publisher.exchange, routingKey, false, false, message); err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Close closes the channel and connection.
func (publisher *AMQPPublisher) Close() error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if publisher.channel != nil {
		_ = publisher.channel.Close()
	}
	if publisher.conn != nil {
		return publisher.conn.Close()
	}
	return nil
}
