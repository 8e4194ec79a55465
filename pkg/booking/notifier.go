package booking

import (
	"context"
	"strings"
	"time"
)

// NotificationKind names the template a notification renders with.
type NotificationKind string

const (
	NotificationBookingConfirmation NotificationKind = "booking_confirmation"
	NotificationBookingCancellation NotificationKind = "booking_cancellation"
)

// Contact is the customer's addressable identity for notifications.
type Contact struct {
	Email string
	Name  string
}

// Notification is emitted after a booking transaction commits.
type Notification struct {
	Kind       NotificationKind
	CustomerID CustomerID
	Contact    Contact
	Class      ClassSession
	Station    StationNumber
	OccurredAt time.Time
}

// Notifier receives committed booking events. Implementations must not block
// and must not report delivery failures back to the caller.
type Notifier interface {
	Notify(ctx context.Context, notification Notification)
}

type contactContextKey struct{}

// ContextWithContact attaches the acting customer's contact details to ctx.
func ContextWithContact(ctx context.Context, contact Contact) context.Context {
	contact.Email = strings.TrimSpace(contact.Email)
	contact.Name = strings.TrimSpace(contact.Name)
	return context.WithValue(ctx, contactContextKey{}, contact)
}

// ContactFromContext returns the contact attached by ContextWithContact.
func ContactFromContext(ctx context.Context) (Contact, bool) {
	contact, ok := ctx.Value(contactContextKey{}).(Contact)
	if !ok || contact.Email == "" {
		return Contact{}, false
	}
	return contact, true
}
