package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CustomerID identifies the owner of bookings and credit batches.
type CustomerID struct {
	value string
}

// ClassID identifies a class session.
type ClassID struct {
	value string
}

// BookingID identifies a confirmed booking.
type BookingID struct {
	value string
}

// BatchID identifies a credit batch.
type BatchID struct {
	value string
}

// PaymentReference identifies the payment that produced a credit batch.
type PaymentReference struct {
	value string
}

// MetadataJSON stores arbitrary metadata attached to credit entries.
type MetadataJSON struct {
	value string
}

// StationNumber is a reformer slot within a class, 1..capacity.
type StationNumber int

// NewCustomerID validates and normalizes a customer id.
func NewCustomerID(raw string) (CustomerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CustomerID{}, fmt.Errorf("%w: empty value", ErrInvalidCustomerID)
	}
	return CustomerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CustomerID) String() string {
	return id.value
}

// NewClassID validates and normalizes a class id.
func NewClassID(raw string) (ClassID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ClassID{}, fmt.Errorf("%w: empty value", ErrInvalidClassID)
	}
	return ClassID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ClassID) String() string {
	return id.value
}

// NewBookingID validates and normalizes a booking id.
func NewBookingID(raw string) (BookingID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BookingID{}, fmt.Errorf("%w: empty value", ErrInvalidBookingID)
	}
	return BookingID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id BookingID) String() string {
	return id.value
}

// NewBatchID validates and normalizes a batch id.
func NewBatchID(raw string) (BatchID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BatchID{}, fmt.Errorf("%w: empty value", ErrInvalidBatchID)
	}
	return BatchID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id BatchID) String() string {
	return id.value
}

// NewPaymentReference validates and normalizes a payment reference.
func NewPaymentReference(raw string) (PaymentReference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PaymentReference{}, fmt.Errorf("%w: empty value", ErrInvalidPaymentReference)
	}
	return PaymentReference{value: trimmed}, nil
}

// String returns the normalized reference.
func (reference PaymentReference) String() string {
	return reference.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// ClassSession is a fixed-capacity class with numbered stations.
type ClassSession struct {
	ID          ClassID
	Title       string
	Description string
	Instructor  string
	StartTime   time.Time
	EndTime     time.Time
	Capacity    int
	BookedCount int
}

// AvailableSpots returns the number of unbooked stations.
func (class ClassSession) AvailableSpots() int {
	available := class.Capacity - class.BookedCount
	if available < 0 {
		return 0
	}
	return available
}

// IsFull reports whether every station is taken.
func (class ClassSession) IsFull() bool {
	return class.BookedCount >= class.Capacity
}

// ClassInput carries the admin-supplied attributes of a new class.
type ClassInput struct {
	Title       string
	Description string
	Instructor  string
	StartTime   time.Time
	EndTime     time.Time
	Capacity    int
}

// NewClassSession validates input and builds an unbooked class.
func NewClassSession(id ClassID, input ClassInput) (ClassSession, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return ClassSession{}, fmt.Errorf("%w: title is required", ErrInvalidClass)
	}
	if input.StartTime.IsZero() || input.EndTime.IsZero() {
		return ClassSession{}, fmt.Errorf("%w: start and end time are required", ErrInvalidClass)
	}
	if !input.EndTime.After(input.StartTime) {
		return ClassSession{}, fmt.Errorf("%w: end time must be after start time", ErrInvalidClass)
	}
	if input.Capacity <= 0 {
		return ClassSession{}, fmt.Errorf("%w: capacity must be greater than zero", ErrInvalidClass)
	}
	return ClassSession{
		ID:          id,
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Instructor:  strings.TrimSpace(input.Instructor),
		StartTime:   input.StartTime.UTC(),
		EndTime:     input.EndTime.UTC(),
		Capacity:    input.Capacity,
	}, nil
}

// Booking links one customer to one class and its assigned station.
type Booking struct {
	ID         BookingID
	CustomerID CustomerID
	ClassID    ClassID
	Station    StationNumber
	CreatedAt  time.Time
}

// CreditBatch is a purchased allotment of class admissions with a shared expiry.
type CreditBatch struct {
	ID               BatchID
	CustomerID       CustomerID
	CreditsTotal     int
	CreditsRemaining int
	ExpiresAt        *time.Time
	PaymentReference string
	CreatedAt        time.Time
}

// Expired reports whether the batch can no longer be used at now.
func (batch CreditBatch) Expired(now time.Time) bool {
	return batch.ExpiresAt != nil && batch.ExpiresAt.Before(now)
}

// Usable reports whether the batch has a credit that can be consumed at now.
func (batch CreditBatch) Usable(now time.Time) bool {
	return batch.CreditsRemaining > 0 && !batch.Expired(now)
}

// CreditEntryType enumerates credit ledger entry kinds.
type CreditEntryType string

const (
	CreditEntryGrant           CreditEntryType = "grant"
	CreditEntryConsume         CreditEntryType = "consume"
	CreditEntryRestore         CreditEntryType = "restore"
	CreditEntryRestoreFallback CreditEntryType = "restore_fallback"
)

// String returns the entry type value.
func (entryType CreditEntryType) String() string {
	return string(entryType)
}

// ParseCreditEntryType validates a stored entry type.
func ParseCreditEntryType(raw string) (CreditEntryType, error) {
	switch CreditEntryType(raw) {
	case CreditEntryGrant, CreditEntryConsume, CreditEntryRestore, CreditEntryRestoreFallback:
		return CreditEntryType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCreditEntryType, raw)
	}
}

// CreditEntry is a single immutable line in a customer's credit history.
type CreditEntry struct {
	EntryID    string
	CustomerID CustomerID
	BatchID    BatchID
	Type       CreditEntryType
	Delta      int
	ClassID    string
	Metadata   MetadataJSON
	CreatedAt  time.Time
}

// Balance is the customer's usable credit view.
type Balance struct {
	TotalCredits int
	Batches      []CreditBatch
}

// Store is the persistence contract used by Service.
// Methods marked "locks" must take a row lock when the store supports it.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	InsertClass(ctx context.Context, class ClassSession) error
	GetClass(ctx context.Context, classID ClassID) (ClassSession, error)
	// LockClass locks the class row for the rest of the transaction.
	LockClass(ctx context.Context, classID ClassID) (ClassSession, error)
	// AdjustBookedCount applies +1 or -1. Increments fail with ErrClassFull at capacity;
	// decrements at zero are a no-op.
	AdjustBookedCount(ctx context.Context, classID ClassID, delta int) error
	ListClassesStartingAfter(ctx context.Context, from time.Time) ([]ClassSession, error)

	OccupiedStations(ctx context.Context, classID ClassID) ([]StationNumber, error)
	FindBooking(ctx context.Context, customerID CustomerID, classID ClassID) (Booking, error)
	InsertBooking(ctx context.Context, booking Booking) error
	DeleteBooking(ctx context.Context, bookingID BookingID) error
	ListClassBookings(ctx context.Context, classID ClassID) ([]Booking, error)
	ListCustomerBookings(ctx context.Context, customerID CustomerID) ([]Booking, error)

	// ListUnexpiredBatches returns every non-expired batch of the customer (locks).
	ListUnexpiredBatches(ctx context.Context, customerID CustomerID, now time.Time) ([]CreditBatch, error)
	// ListBatches returns every batch, expired ones included, of the customers whose
	// id contains customerSearch ignoring case. An empty search matches everyone.
	ListBatches(ctx context.Context, customerSearch string) ([]CreditBatch, error)
	InsertBatch(ctx context.Context, batch CreditBatch) error
	// AdjustBatchRemaining applies delta and fails with ErrCreditBounds when the
	// result would leave [0, creditsTotal].
	AdjustBatchRemaining(ctx context.Context, batchID BatchID, delta int) error
	InsertCreditEntry(ctx context.Context, entry CreditEntry) error
	ListCreditEntries(ctx context.Context, customerID CustomerID, before time.Time, limit int) ([]CreditEntry, error)
}
