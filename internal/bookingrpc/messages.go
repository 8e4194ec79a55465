package bookingrpc

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/MarkoPoloResearchLab/reformer/pkg/booking"
)

// ContactFields carries the acting customer's notification contact.
type ContactFields struct {
	ContactEmail string `json:"contact_email,omitempty"`
	ContactName  string `json:"contact_name,omitempty"`
}

// ReserveRequest books a station in a class for a customer.
type ReserveRequest struct {
	CustomerID string `json:"customer_id"`
	ClassID    string `json:"class_id"`
	ContactFields
}

// CancelRequest cancels the customer's booking of a class.
type CancelRequest struct {
	CustomerID string `json:"customer_id"`
	ClassID    string `json:"class_id"`
	ContactFields
}

// CancelResponse is empty; success is the absence of an error.
type CancelResponse struct{}

// GrantCreditsRequest records a paid credit purchase.
type GrantCreditsRequest struct {
	CustomerID       string `json:"customer_id"`
	Credits          int    `json:"credits"`
	PaymentReference string `json:"payment_reference"`
}

// CustomerRequest addresses a single customer.
type CustomerRequest struct {
	CustomerID string `json:"customer_id"`
}

// ListCreditEntriesRequest pages a customer's credit history, newest first.
type ListCreditEntriesRequest struct {
	CustomerID string     `json:"customer_id"`
	Before     *time.Time `json:"before,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// CreateClassRequest schedules a new class.
type CreateClassRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Instructor  string    `json:"instructor,omitempty"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Capacity    int       `json:"capacity"`
}

// ListUpcomingClassesRequest has no parameters.
type ListUpcomingClassesRequest struct{}

// ClassRequest addresses a single class.
type ClassRequest struct {
	ClassID string `json:"class_id"`
}

// CustomerSearchRequest filters customers by a case-insensitive id substring.
type CustomerSearchRequest struct {
	Search string `json:"search,omitempty"`
}

// BookingView is the wire form of a booking.
type BookingView struct {
	BookingID     string    `json:"booking_id"`
	CustomerID    string    `json:"customer_id"`
	ClassID       string    `json:"class_id"`
	StationNumber int       `json:"station_number"`
	CreatedAt     time.Time `json:"created_at"`
}

// BatchView is the wire form of a credit batch.
type BatchView struct {
	BatchID          string     `json:"batch_id"`
	CustomerID       string     `json:"customer_id"`
	CreditsTotal     int        `json:"credits_total"`
	CreditsRemaining int        `json:"credits_remaining"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	PaymentReference string     `json:"payment_reference,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// BalanceView is the customer's usable credit.
type BalanceView struct {
	TotalCredits int         `json:"total_credits"`
	Batches      []BatchView `json:"batches"`
}

// CreditEntryView is the wire form of a credit history line.
type CreditEntryView struct {
	EntryID   string          `json:"entry_id"`
	BatchID   string          `json:"batch_id"`
	Type      string          `json:"type"`
	Delta     int             `json:"delta"`
	ClassID   string          `json:"class_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreditEntriesView lists credit history lines.
type CreditEntriesView struct {
	Entries []CreditEntryView `json:"entries"`
}

// ClassView is the wire form of a class with its availability.
type ClassView struct {
	ClassID        string    `json:"class_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Instructor     string    `json:"instructor,omitempty"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Capacity       int       `json:"capacity"`
	BookedCount    int       `json:"booked_count"`
	AvailableSpots int       `json:"available_spots"`
	IsFull         bool      `json:"is_full"`
}

// ClassListView lists classes.
type ClassListView struct {
	Classes []ClassView `json:"classes"`
}

// ClassRosterView is a class with its bookings ordered by station.
type ClassRosterView struct {
	Class    ClassView     `json:"class"`
	Bookings []BookingView `json:"bookings"`
}

// BookingListView lists bookings.
type BookingListView struct {
	Bookings []BookingView `json:"bookings"`
}

// CustomerSummaryView is one customer's credit standing.
type CustomerSummaryView struct {
	CustomerID       string     `json:"customer_id"`
	AvailableCredits int        `json:"available_credits"`
	PurchasedCredits int        `json:"purchased_credits"`
	LastPurchaseAt   *time.Time `json:"last_purchase_at,omitempty"`
}

// CustomerSummaryListView lists customer summaries.
type CustomerSummaryListView struct {
	Customers []CustomerSummaryView `json:"customers"`
}

// NewBookingView converts a booking.
func NewBookingView(record booking.Booking) BookingView {
	return BookingView{
		BookingID:     record.ID.String(),
		CustomerID:    record.CustomerID.String(),
		ClassID:       record.ClassID.String(),
		StationNumber: int(record.Station),
		CreatedAt:     record.CreatedAt.UTC(),
	}
}

// NewBookingListView converts bookings, preserving order.
func NewBookingListView(records []booking.Booking) BookingListView {
	views := make([]BookingView, 0, len(records))
	for _, record := range records {
		views = append(views, NewBookingView(record))
	}
	return BookingListView{Bookings: views}
}

// NewBatchView converts a credit batch.
func NewBatchView(batch booking.CreditBatch) BatchView {
	view := BatchView{
		BatchID:          batch.ID.String(),
		CustomerID:       batch.CustomerID.String(),
		CreditsTotal:     batch.CreditsTotal,
		CreditsRemaining: batch.CreditsRemaining,
		PaymentReference: batch.PaymentReference,
		CreatedAt:        batch.CreatedAt.UTC(),
	}
	if batch.ExpiresAt != nil {
		expiresAt := batch.ExpiresAt.UTC()
		view.ExpiresAt = &expiresAt
	}
	return view
}

// NewBalanceView converts a balance.
func NewBalanceView(balance booking.Balance) BalanceView {
	batches := make([]BatchView, 0, len(balance.Batches))
	for _, batch := range balance.Batches {
		batches = append(batches, NewBatchView(batch))
	}
	return BalanceView{TotalCredits: balance.TotalCredits, Batches: batches}
}

// NewCreditEntriesView converts credit entries, preserving order.
func NewCreditEntriesView(entries []booking.CreditEntry) CreditEntriesView {
	views := make([]CreditEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, CreditEntryView{
			EntryID:   entry.EntryID,
			BatchID:   entry.BatchID.String(),
			Type:      entry.Type.String(),
			Delta:     entry.Delta,
			ClassID:   entry.ClassID,
			Metadata:  json.RawMessage(entry.Metadata.String()),
			CreatedAt: entry.CreatedAt.UTC(),
		})
	}
	return CreditEntriesView{Entries: views}
}

// NewClassView converts a class session.
func NewClassView(class booking.ClassSession) ClassView {
	return ClassView{
		ClassID:        class.ID.String(),
		Title:          class.Title,
		Description:    class.Description,
		Instructor:     class.Instructor,
		StartTime:      class.StartTime.UTC(),
		EndTime:        class.EndTime.UTC(),
		Capacity:       class.Capacity,
		BookedCount:    class.BookedCount,
		AvailableSpots: class.AvailableSpots(),
		IsFull:         class.IsFull(),
	}
}

// NewClassListView converts classes, preserving order.
func NewClassListView(classes []booking.ClassSession) ClassListView {
	views := make([]ClassView, 0, len(classes))
	for _, class := range classes {
		views = append(views, NewClassView(class))
	}
	return ClassListView{Classes: views}
}

// NewCustomerSummaryListView converts customer summaries, preserving order.
func NewCustomerSummaryListView(summaries []booking.CustomerSummary) CustomerSummaryListView {
	views := make([]CustomerSummaryView, 0, len(summaries))
	for _, summary := range summaries {
		view := CustomerSummaryView{
			CustomerID:       summary.CustomerID.String(),
			AvailableCredits: summary.AvailableCredits,
			PurchasedCredits: summary.PurchasedCredits,
		}
		if summary.LastPurchaseAt != nil {
			lastPurchaseAt := summary.LastPurchaseAt.UTC()
			view.LastPurchaseAt = &lastPurchaseAt
		}
		views = append(views, view)
	}
	return CustomerSummaryListView{Customers: views}
}

// ToStruct encodes a message through its JSON form.
func ToStruct(message any) (*structpb.Struct, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	encoded, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return encoded, nil
}

// FromStruct decodes message into target. A nil message decodes as empty.
func FromStruct(message *structpb.Struct, target any) error {
	if message == nil {
		message = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(message)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
