package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/reformer/pkg/booking"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintBookingCustomerClass  = "uniq_bookings_customer_class"
	constraintBookingClassStation   = "uniq_bookings_class_station"
	constraintBatchPaymentReference = "uniq_credit_batches_payment_reference"
	sqliteColumnsCustomerClass      = "bookings.customer_id"
	sqliteColumnsClassStation       = "bookings.station_number"
	sqliteColumnsPaymentReference   = "credit_batches.payment_reference"
	defaultMetadataJSON             = "{}"
	pgUniqueViolationCode           = "23505"
	pgInvalidTextCode               = "22P02"
	sqliteConstraintCode            = 19
	errorOperationStore             = "store"
	errorSubjectClass               = "class"
	errorSubjectBooking             = "booking"
	errorSubjectBatch               = "batch"
	errorSubjectEntry               = "entry"
	errorCodeAdjust                 = "adjust"
	errorCodeDelete                 = "delete"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeLock                   = "lock"
)

// Store implements booking.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the booking tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) InsertClass(ctx context.Context, class booking.ClassSession) error {
	model := ClassSession{
		ClassID:     class.ID.String(),
		Title:       class.Title,
		Description: class.Description,
		Instructor:  class.Instructor,
		StartTime:   class.StartTime.UTC(),
		EndTime:     class.EndTime.UTC(),
		Capacity:    class.Capacity,
		BookedCount: class.BookedCount,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectClass, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetClass(ctx context.Context, classID booking.ClassID) (booking.ClassSession, error) {
	return store.loadClass(ctx, classID, false)
}

func (store *Store) LockClass(ctx context.Context, classID booking.ClassID) (booking.ClassSession, error) {
	return store.loadClass(ctx, classID, true)
}

func (store *Store) loadClass(ctx context.Context, classID booking.ClassID, lock bool) (booking.ClassSession, error) {
	code := errorCodeGet
	query := store.db.WithContext(ctx)
	if lock {
		code = errorCodeLock
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model ClassSession
	err := query.Where("class_id = ?", classID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || isInvalidIdentifier(err) {
			return booking.ClassSession{}, wrapStoreError(errorSubjectClass, code, booking.ErrClassNotFound)
		}
		return booking.ClassSession{}, wrapStoreError(errorSubjectClass, code, err)
	}
	class, err := mapClass(model)
	if err != nil {
		return booking.ClassSession{}, wrapStoreError(errorSubjectClass, errorCodeInvalid, err)
	}
	return class, nil
}

func (store *Store) AdjustBookedCount(ctx context.Context, classID booking.ClassID, delta int) error {
	query := store.db.WithContext(ctx).Model(&ClassSession{}).Where("class_id = ?", classID.String())
	if delta > 0 {
		query = query.Where("booked_count + ? <= capacity", delta)
	} else {
		query = query.Where("booked_count + ? >= 0", delta)
	}
	result := query.UpdateColumn("booked_count", gorm.Expr("booked_count + ?", delta))
	if result.Error != nil {
		return wrapStoreError(errorSubjectClass, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 && delta > 0 {
		return wrapStoreError(errorSubjectClass, errorCodeAdjust, booking.ErrClassFull)
	}
	return nil
}

func (store *Store) ListClassesStartingAfter(ctx context.Context, from time.Time) ([]booking.ClassSession, error) {
	var rows []ClassSession
	err := store.db.WithContext(ctx).
		Where("start_time >= ?", from.UTC()).
		Order("start_time ASC").
		Order("class_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectClass, errorCodeList, err)
	}
	classes := make([]booking.ClassSession, 0, len(rows))
	for _, row := range rows {
		class, err := mapClass(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectClass, errorCodeInvalid, err)
		}
		classes = append(classes, class)
	}
	return classes, nil
}

func (store *Store) OccupiedStations(ctx context.Context, classID booking.ClassID) ([]booking.StationNumber, error) {
	var numbers []int
	err := store.db.WithContext(ctx).
		Model(&Booking{}).
		Where("class_id = ?", classID.String()).
		Pluck("station_number", &numbers).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	stations := make([]booking.StationNumber, 0, len(numbers))
	for _, number := range numbers {
		stations = append(stations, booking.StationNumber(number))
	}
	return stations, nil
}

func (store *Store) FindBooking(ctx context.Context, customerID booking.CustomerID, classID booking.ClassID) (booking.Booking, error) {
	var model Booking
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("customer_id = ? AND class_id = ?", customerID.String(), classID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || isInvalidIdentifier(err) {
			return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeGet, booking.ErrBookingNotFound)
		}
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeGet, err)
	}
	mapped, err := mapBooking(model)
	if err != nil {
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
	}
	return mapped, nil
}

func (store *Store) InsertBooking(ctx context.Context, reservation booking.Booking) error {
	model := Booking{
		BookingID:     reservation.ID.String(),
		CustomerID:    reservation.CustomerID.String(),
		ClassID:       reservation.ClassID.String(),
		StationNumber: int(reservation.Station),
		CreatedAt:     reservation.CreatedAt.UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err, constraintBookingCustomerClass, sqliteColumnsCustomerClass):
		return wrapStoreError(errorSubjectBooking, errorCodeDuplicate, booking.ErrAlreadyBooked)
	case isUniqueViolation(err, constraintBookingClassStation, sqliteColumnsClassStation):
		return wrapStoreError(errorSubjectBooking, errorCodeDuplicate, booking.ErrNoStationAvailable)
	default:
		return wrapStoreError(errorSubjectBooking, errorCodeInsert, err)
	}
}

func (store *Store) DeleteBooking(ctx context.Context, bookingID booking.BookingID) error {
	result := store.db.WithContext(ctx).Where("booking_id = ?", bookingID.String()).Delete(&Booking{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBooking, errorCodeDelete, booking.ErrBookingNotFound)
	}
	return nil
}

func (store *Store) ListClassBookings(ctx context.Context, classID booking.ClassID) ([]booking.Booking, error) {
	return store.listBookings(ctx, store.db.WithContext(ctx).Where("class_id = ?", classID.String()).Order("station_number ASC"))
}

func (store *Store) ListCustomerBookings(ctx context.Context, customerID booking.CustomerID) ([]booking.Booking, error) {
	return store.listBookings(ctx, store.db.WithContext(ctx).Where("customer_id = ?", customerID.String()).Order("created_at ASC"))
}

func (store *Store) listBookings(_ context.Context, query *gorm.DB) ([]booking.Booking, error) {
	var rows []Booking
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	bookings := make([]booking.Booking, 0, len(rows))
	for _, row := range rows {
		mapped, err := mapBooking(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
		}
		bookings = append(bookings, mapped)
	}
	return bookings, nil
}

func (store *Store) ListUnexpiredBatches(ctx context.Context, customerID booking.CustomerID, now time.Time) ([]booking.CreditBatch, error) {
	var rows []CreditBatch
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("customer_id = ?", customerID.String()).
		Where("(expires_at IS NULL OR expires_at >= ?)", now.UTC()).
		Order("created_at ASC").
		Order("batch_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	return mapBatches(rows)
}

func (store *Store) ListBatches(ctx context.Context, customerSearch string) ([]booking.CreditBatch, error) {
	var rows []CreditBatch
	err := store.db.WithContext(ctx).
		Where(`LOWER(customer_id) LIKE ? ESCAPE '\'`, containsPattern(customerSearch)).
		Order("customer_id ASC").
		Order("created_at ASC").
		Order("batch_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	return mapBatches(rows)
}

func (store *Store) InsertBatch(ctx context.Context, batch booking.CreditBatch) error {
	var reference *string
	if batch.PaymentReference != "" {
		value := batch.PaymentReference
		reference = &value
	}
	var expiresAt *time.Time
	if batch.ExpiresAt != nil {
		value := batch.ExpiresAt.UTC()
		expiresAt = &value
	}
	model := CreditBatch{
		BatchID:          batch.ID.String(),
		CustomerID:       batch.CustomerID.String(),
		CreditsTotal:     batch.CreditsTotal,
		CreditsRemaining: batch.CreditsRemaining,
		ExpiresAt:        expiresAt,
		PaymentReference: reference,
		CreatedAt:        batch.CreatedAt.UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintBatchPaymentReference, sqliteColumnsPaymentReference) {
		return wrapStoreError(errorSubjectBatch, errorCodeDuplicate, booking.ErrDuplicatePayment)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) AdjustBatchRemaining(ctx context.Context, batchID booking.BatchID, delta int) error {
	result := store.db.WithContext(ctx).
		Model(&CreditBatch{}).
		Where("batch_id = ?", batchID.String()).
		Where("credits_remaining + ? >= 0 AND credits_remaining + ? <= credits_total", delta, delta).
		UpdateColumn("credits_remaining", gorm.Expr("credits_remaining + ?", delta))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeAdjust, booking.ErrCreditBounds)
	}
	return nil
}

func (store *Store) InsertCreditEntry(ctx context.Context, entry booking.CreditEntry) error {
	var classID *string
	if entry.ClassID != "" {
		value := entry.ClassID
		classID = &value
	}
	model := CreditEntry{
		EntryID:    entry.EntryID,
		CustomerID: entry.CustomerID.String(),
		BatchID:    entry.BatchID.String(),
		Type:       entry.Type.String(),
		Delta:      entry.Delta,
		ClassID:    classID,
		Metadata:   datatypesJSON(entry.Metadata.String()),
		CreatedAt:  entry.CreatedAt.UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListCreditEntries(ctx context.Context, customerID booking.CustomerID, before time.Time, limit int) ([]booking.CreditEntry, error) {
	var rows []CreditEntry
	err := store.db.WithContext(ctx).
		Where("customer_id = ? AND created_at < ?", customerID.String(), before.UTC()).
		Order("created_at DESC").
		Order("entry_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]booking.CreditEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return booking.WrapError(errorOperationStore, subject, code, err)
}

func mapClass(row ClassSession) (booking.ClassSession, error) {
	classID, err := booking.NewClassID(row.ClassID)
	if err != nil {
		return booking.ClassSession{}, err
	}
	return booking.ClassSession{
		ID:          classID,
		Title:       row.Title,
		Description: row.Description,
		Instructor:  row.Instructor,
		StartTime:   row.StartTime.UTC(),
		EndTime:     row.EndTime.UTC(),
		Capacity:    row.Capacity,
		BookedCount: row.BookedCount,
	}, nil
}

func mapBooking(row Booking) (booking.Booking, error) {
	bookingID, err := booking.NewBookingID(row.BookingID)
	if err != nil {
		return booking.Booking{}, err
	}
	customerID, err := booking.NewCustomerID(row.CustomerID)
	if err != nil {
		return booking.Booking{}, err
	}
	classID, err := booking.NewClassID(row.ClassID)
	if err != nil {
		return booking.Booking{}, err
	}
	return booking.Booking{
		ID:         bookingID,
		CustomerID: customerID,
		ClassID:    classID,
		Station:    booking.StationNumber(row.StationNumber),
		CreatedAt:  row.CreatedAt.UTC(),
	}, nil
}

func mapBatches(rows []CreditBatch) ([]booking.CreditBatch, error) {
	batches := make([]booking.CreditBatch, 0, len(rows))
	for _, row := range rows {
		batch, err := mapBatch(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func mapBatch(row CreditBatch) (booking.CreditBatch, error) {
	batchID, err := booking.NewBatchID(row.BatchID)
	if err != nil {
		return booking.CreditBatch{}, err
	}
	customerID, err := booking.NewCustomerID(row.CustomerID)
	if err != nil {
		return booking.CreditBatch{}, err
	}
	var expiresAt *time.Time
	if row.ExpiresAt != nil {
		value := row.ExpiresAt.UTC()
		expiresAt = &value
	}
	reference := ""
	if row.PaymentReference != nil {
		reference = *row.PaymentReference
	}
	return booking.CreditBatch{
		ID:               batchID,
		CustomerID:       customerID,
		CreditsTotal:     row.CreditsTotal,
		CreditsRemaining: row.CreditsRemaining,
		ExpiresAt:        expiresAt,
		PaymentReference: reference,
		CreatedAt:        row.CreatedAt.UTC(),
	}, nil
}

func mapEntry(row CreditEntry) (booking.CreditEntry, error) {
	customerID, err := booking.NewCustomerID(row.CustomerID)
	if err != nil {
		return booking.CreditEntry{}, err
	}
	batchID, err := booking.NewBatchID(row.BatchID)
	if err != nil {
		return booking.CreditEntry{}, err
	}
	entryType, err := booking.ParseCreditEntryType(row.Type)
	if err != nil {
		return booking.CreditEntry{}, err
	}
	metadata, err := booking.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return booking.CreditEntry{}, err
	}
	classID := ""
	if row.ClassID != nil {
		classID = *row.ClassID
	}
	return booking.CreditEntry{
		EntryID:    row.EntryID,
		CustomerID: customerID,
		BatchID:    batchID,
		Type:       entryType,
		Delta:      row.Delta,
		ClassID:    classID,
		Metadata:   metadata,
		CreatedAt:  row.CreatedAt.UTC(),
	}, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds a lowercase LIKE pattern matching search anywhere.
func containsPattern(search string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(strings.TrimSpace(search))) + "%"
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

// isUniqueViolation reports whether err is a unique-index violation on the named
// constraint. SQLite does not report constraint names, so its message is matched
// against the constrained column instead.
func isUniqueViolation(err error, constraint string, sqliteColumn string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode && strings.Contains(sqliteErr.Error(), sqliteColumn)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return strings.Contains(err.Error(), constraint) || strings.Contains(err.Error(), sqliteColumn)
	}
	return false
}

// isInvalidIdentifier reports whether postgres rejected a lookup key that is not
// a valid uuid. Such a key cannot match any row.
func isInvalidIdentifier(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgInvalidTextCode
}
