package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ClassSession mirrors the class_sessions table.
type ClassSession struct {
	ClassID     string    `gorm:"type:uuid;primaryKey"`
	Title       string    `gorm:"not null"`
	Description string    `gorm:"not null;default:''"`
	Instructor  string    `gorm:"not null;default:''"`
	StartTime   time.Time `gorm:"not null;index:idx_class_sessions_start"`
	EndTime     time.Time `gorm:"not null"`
	Capacity    int       `gorm:"not null"`
	BookedCount int       `gorm:"not null;default:0"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (ClassSession) TableName() string { return "class_sessions" }

func (class *ClassSession) BeforeCreate(tx *gorm.DB) error {
	if class.ClassID == "" {
		class.ClassID = uuid.NewString()
	}
	return nil
}

// Booking mirrors the bookings table. The two unique indexes back the
// one-booking-per-customer and one-customer-per-station rules.
type Booking struct {
	BookingID     string    `gorm:"type:uuid;primaryKey"`
	CustomerID    string    `gorm:"not null;index:uniq_bookings_customer_class,unique,priority:1"`
	ClassID       string    `gorm:"type:uuid;not null;index:uniq_bookings_customer_class,unique,priority:2;index:uniq_bookings_class_station,unique,priority:1"`
	StationNumber int       `gorm:"not null;index:uniq_bookings_class_station,unique,priority:2"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (Booking) TableName() string { return "bookings" }

func (booking *Booking) BeforeCreate(tx *gorm.DB) error {
	if booking.BookingID == "" {
		booking.BookingID = uuid.NewString()
	}
	return nil
}

// CreditBatch mirrors the credit_batches table.
type CreditBatch struct {
	BatchID          string     `gorm:"type:uuid;primaryKey"`
	CustomerID       string     `gorm:"not null;index:idx_credit_batches_customer"`
	CreditsTotal     int        `gorm:"not null"`
	CreditsRemaining int        `gorm:"not null"`
	ExpiresAt        *time.Time `gorm:""`
	PaymentReference *string    `gorm:"index:uniq_credit_batches_payment_reference,unique"`
	CreatedAt        time.Time  `gorm:"not null"`
}

func (CreditBatch) TableName() string { return "credit_batches" }

func (batch *CreditBatch) BeforeCreate(tx *gorm.DB) error {
	if batch.BatchID == "" {
		batch.BatchID = uuid.NewString()
	}
	return nil
}

// CreditEntry mirrors the append-only credit_entries table.
type CreditEntry struct {
	EntryID    string         `gorm:"type:uuid;primaryKey"`
	CustomerID string         `gorm:"not null;index:idx_credit_entries_customer_created,priority:1"`
	BatchID    string         `gorm:"type:uuid;not null"`
	Type       string         `gorm:"not null"`
	Delta      int            `gorm:"not null"`
	ClassID    *string        `gorm:""`
	Metadata   datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt  time.Time      `gorm:"not null;index:idx_credit_entries_customer_created,priority:2"`
}

func (CreditEntry) TableName() string { return "credit_entries" }

func (entry *CreditEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Models lists every table managed by the store, in migration order.
func Models() []any {
	return []any{&ClassSession{}, &Booking{}, &CreditBatch{}, &CreditEntry{}}
}
