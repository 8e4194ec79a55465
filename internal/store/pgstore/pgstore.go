package pgstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/reformer/pkg/booking"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintBookingCustomerClass  = "uniq_bookings_customer_class"
	constraintBookingClassStation   = "uniq_bookings_class_station"
	constraintBatchPaymentReference = "uniq_credit_batches_payment_reference"
	pgUniqueViolationCode           = "23505"
	pgInvalidTextCode               = "22P02"
	errorOperationStore             = "store"
	errorSubjectClass               = "class"
	errorSubjectBooking             = "booking"
	errorSubjectBatch               = "batch"
	errorSubjectEntry               = "entry"
	errorSubjectSchema              = "schema"
	errorSubjectTransaction         = "transaction"
	errorCodeAdjust                 = "adjust"
	errorCodeBegin                  = "begin"
	errorCodeCommit                 = "commit"
	errorCodeDelete                 = "delete"
	errorCodeDuplicate              = "duplicate"
	errorCodeEnsure                 = "ensure"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeLock                   = "lock"

	// Schema is the DDL the store expects. It matches the gorm models.
	Schema = `
		create table if not exists class_sessions (
			class_id uuid primary key,
			title text not null,
			description text not null default '',
			instructor text not null default '',
			start_time timestamptz not null,
			end_time timestamptz not null,
			capacity integer not null check (capacity > 0),
			booked_count integer not null default 0 check (booked_count >= 0 and booked_count <= capacity),
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create index if not exists idx_class_sessions_start on class_sessions(start_time);

		create table if not exists bookings (
			booking_id uuid primary key,
			customer_id text not null,
			class_id uuid not null references class_sessions(class_id),
			station_number integer not null check (station_number > 0),
			created_at timestamptz not null default now()
		);
		create unique index if not exists uniq_bookings_customer_class on bookings(customer_id, class_id);
		create unique index if not exists uniq_bookings_class_station on bookings(class_id, station_number);

		create table if not exists credit_batches (
			batch_id uuid primary key,
			customer_id text not null,
			credits_total integer not null check (credits_total > 0),
			credits_remaining integer not null check (credits_remaining >= 0 and credits_remaining <= credits_total),
			expires_at timestamptz,
			payment_reference text,
			created_at timestamptz not null default now()
		);
		create index if not exists idx_credit_batches_customer on credit_batches(customer_id);
		create unique index if not exists uniq_credit_batches_payment_reference on credit_batches(payment_reference);

		create table if not exists credit_entries (
			entry_id uuid primary key,
			customer_id text not null,
			batch_id uuid not null references credit_batches(batch_id),
			type text not null,
			delta integer not null,
			class_id text,
			metadata jsonb not null default '{}',
			created_at timestamptz not null default now()
		);
		create index if not exists idx_credit_entries_customer_created on credit_entries(customer_id, created_at);
	`

	sqlInsertClass = `
		insert into class_sessions(class_id, title, description, instructor, start_time, end_time, capacity, booked_count)
		values($1, $2, $3, $4, $5, $6, $7, $8)
	`

	sqlSelectClass = `
		select class_id::text, title, description, instructor, start_time, end_time, capacity, booked_count
		from class_sessions
		where class_id = $1
	`

	sqlSelectClassForUpdate = sqlSelectClass + ` for update`

	sqlIncrementBookedCount = `
		update class_sessions set booked_count = booked_count + $2, updated_at = now()
		where class_id = $1 and booked_count + $2 <= capacity
	`

	sqlDecrementBookedCount = `
		update class_sessions set booked_count = booked_count + $2, updated_at = now()
		where class_id = $1 and booked_count + $2 >= 0
	`

	sqlListClassesFrom = `
		select class_id::text, title, description, instructor, start_time, end_time, capacity, booked_count
		from class_sessions
		where start_time >= $1
		order by start_time asc, class_id asc
	`

	sqlOccupiedStations = `
		select station_number from bookings where class_id = $1
	`

	sqlSelectBookingForUpdate = `
		select booking_id::text, customer_id, class_id::text, station_number, created_at
		from bookings
		where customer_id = $1 and class_id = $2
		for update
	`

	sqlInsertBooking = `
		insert into bookings(booking_id, customer_id, class_id, station_number, created_at)
		values($1, $2, $3, $4, $5)
	`

	sqlDeleteBooking = `
		delete from bookings where booking_id = $1
	`

	sqlListClassBookings = `
		select booking_id::text, customer_id, class_id::text, station_number, created_at
		from bookings
		where class_id = $1
		order by station_number asc
	`

	sqlListCustomerBookings = `
		select booking_id::text, customer_id, class_id::text, station_number, created_at
		from bookings
		where customer_id = $1
		order by created_at asc
	`

	sqlListUnexpiredBatches = `
		select batch_id::text, customer_id, credits_total, credits_remaining, expires_at, coalesce(payment_reference,''), created_at
		from credit_batches
		where customer_id = $1 and (expires_at is null or expires_at >= $2)
		order by created_at asc, batch_id asc
		for update
	`

	sqlListBatchesMatching = `
		select batch_id::text, customer_id, credits_total, credits_remaining, expires_at, coalesce(payment_reference,''), created_at
		from credit_batches
		where lower(customer_id) like $1 escape '\'
		order by customer_id asc, created_at asc, batch_id asc
	`

	sqlInsertBatch = `
		insert into credit_batches(batch_id, customer_id, credits_total, credits_remaining, expires_at, payment_reference, created_at)
		values($1, $2, $3, $4, $5, nullif($6,''), $7)
	`

	sqlAdjustBatchRemaining = `
		update credit_batches set credits_remaining = credits_remaining + $2
		where batch_id = $1 and credits_remaining + $2 >= 0 and credits_remaining + $2 <= credits_total
	`

	sqlInsertEntry = `
		insert into credit_entries(entry_id, customer_id, batch_id, type, delta, class_id, metadata, created_at)
		values(coalesce(nullif($1,'')::uuid, gen_random_uuid()), $2, $3, $4, $5, nullif($6,''), coalesce(nullif($7,''),'{}')::jsonb, $8)
	`

	sqlListEntriesBefore = `
		select entry_id::text, customer_id, batch_id::text, type, delta, coalesce(class_id,''), coalesce(metadata::text,'{}'), created_at
		from credit_entries
		where customer_id = $1 and created_at < $2
		order by created_at desc, entry_id desc
		limit $3
	`
)

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements booking.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	db   queryer
}

// TxStore implements booking.Store for an active transaction.
type TxStore struct {
	Store
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// EnsureSchema applies Schema. All statements are idempotent.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, Schema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{Store: Store{pool: store.pool, db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx reuses the open transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	return fn(ctx, store)
}

func (store *Store) InsertClass(ctx context.Context, class booking.ClassSession) error {
	_, err := store.db.Exec(ctx, sqlInsertClass,
		class.ID.String(),
		class.Title,
		class.Description,
		class.Instructor,
		class.StartTime.UTC(),
		class.EndTime.UTC(),
		class.Capacity,
		class.BookedCount,
	)
	if err != nil {
		return wrapStoreError(errorSubjectClass, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetClass(ctx context.Context, classID booking.ClassID) (booking.ClassSession, error) {
	return store.selectClass(ctx, sqlSelectClass, errorCodeGet, classID)
}

func (store *Store) LockClass(ctx context.Context, classID booking.ClassID) (booking.ClassSession, error) {
	return store.selectClass(ctx, sqlSelectClassForUpdate, errorCodeLock, classID)
}

func (store *Store) selectClass(ctx context.Context, query string, code string, classID booking.ClassID) (booking.ClassSession, error) {
	class, err := scanClass(store.db.QueryRow(ctx, query, classID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidIdentifier(err) {
			return booking.ClassSession{}, wrapStoreError(errorSubjectClass, code, booking.ErrClassNotFound)
		}
		return booking.ClassSession{}, wrapStoreError(errorSubjectClass, code, err)
	}
	return class, nil
}

func (store *Store) AdjustBookedCount(ctx context.Context, classID booking.ClassID, delta int) error {
	query := sqlDecrementBookedCount
	if delta > 0 {
		query = sqlIncrementBookedCount
	}
	tag, err := store.db.Exec(ctx, query, classID.String(), delta)
	if err != nil {
		return wrapStoreError(errorSubjectClass, errorCodeAdjust, err)
	}
	if tag.RowsAffected() == 0 && delta > 0 {
		return wrapStoreError(errorSubjectClass, errorCodeAdjust, booking.ErrClassFull)
	}
	return nil
}

func (store *Store) ListClassesStartingAfter(ctx context.Context, from time.Time) ([]booking.ClassSession, error) {
	rows, err := store.db.Query(ctx, sqlListClassesFrom, from.UTC())
	if err != nil {
		return nil, wrapStoreError(errorSubjectClass, errorCodeList, err)
	}
	defer rows.Close()
	var classes []booking.ClassSession
	for rows.Next() {
		class, err := scanClass(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectClass, errorCodeInvalid, err)
		}
		classes = append(classes, class)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectClass, errorCodeList, err)
	}
	return classes, nil
}

func (store *Store) OccupiedStations(ctx context.Context, classID booking.ClassID) ([]booking.StationNumber, error) {
	rows, err := store.db.Query(ctx, sqlOccupiedStations, classID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	numbers, err := pgx.CollectRows(rows, pgx.RowTo[int32])
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
	found, err := scanBooking(store.db.QueryRow(ctx, sqlSelectBookingForUpdate, customerID.String(), classID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidIdentifier(err) {
			return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeGet, booking.ErrBookingNotFound)
		}
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeGet, err)
	}
	return found, nil
}

func (store *Store) InsertBooking(ctx context.Context, reservation booking.Booking) error {
	createdAt := reservation.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := store.db.Exec(ctx, sqlInsertBooking,
		reservation.ID.String(),
		reservation.CustomerID.String(),
		reservation.ClassID.String(),
		int32(reservation.Station),
		createdAt,
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err, constraintBookingCustomerClass):
		return wrapStoreError(errorSubjectBooking, errorCodeDuplicate, booking.ErrAlreadyBooked)
	case isUniqueViolation(err, constraintBookingClassStation):
		return wrapStoreError(errorSubjectBooking, errorCodeDuplicate, booking.ErrNoStationAvailable)
	default:
		return wrapStoreError(errorSubjectBooking, errorCodeInsert, err)
	}
}

func (store *Store) DeleteBooking(ctx context.Context, bookingID booking.BookingID) error {
	tag, err := store.db.Exec(ctx, sqlDeleteBooking, bookingID.String())
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeDelete, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBooking, errorCodeDelete, booking.ErrBookingNotFound)
	}
	return nil
}

func (store *Store) ListClassBookings(ctx context.Context, classID booking.ClassID) ([]booking.Booking, error) {
	return store.listBookings(ctx, sqlListClassBookings, classID.String())
}

func (store *Store) ListCustomerBookings(ctx context.Context, customerID booking.CustomerID) ([]booking.Booking, error) {
	return store.listBookings(ctx, sqlListCustomerBookings, customerID.String())
}

func (store *Store) listBookings(ctx context.Context, query string, argument string) ([]booking.Booking, error) {
	rows, err := store.db.Query(ctx, query, argument)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	defer rows.Close()
	var bookings []booking.Booking
	for rows.Next() {
		found, err := scanBooking(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
		}
		bookings = append(bookings, found)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	return bookings, nil
}

func (store *Store) ListUnexpiredBatches(ctx context.Context, customerID booking.CustomerID, now time.Time) ([]booking.CreditBatch, error) {
	return store.listBatches(ctx, sqlListUnexpiredBatches, customerID.String(), now.UTC())
}

func (store *Store) ListBatches(ctx context.Context, customerSearch string) ([]booking.CreditBatch, error) {
	return store.listBatches(ctx, sqlListBatchesMatching, containsPattern(customerSearch))
}

func (store *Store) listBatches(ctx context.Context, query string, arguments ...any) ([]booking.CreditBatch, error) {
	rows, err := store.db.Query(ctx, query, arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	defer rows.Close()
	var batches []booking.CreditBatch
	for rows.Next() {
		var (
			batchValue    string
			customerValue string
			batch         booking.CreditBatch
			expiresAt     *time.Time
		)
		if err := rows.Scan(&batchValue, &customerValue, &batch.CreditsTotal, &batch.CreditsRemaining, &expiresAt, &batch.PaymentReference, &batch.CreatedAt); err != nil {
			return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
		}
		if batch.ID, err = booking.NewBatchID(batchValue); err != nil {
			return nil, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
		}
		if batch.CustomerID, err = booking.NewCustomerID(customerValue); err != nil {
			return nil, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
		}
		if expiresAt != nil {
			value := expiresAt.UTC()
			batch.ExpiresAt = &value
		}
		batch.CreatedAt = batch.CreatedAt.UTC()
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	return batches, nil
}

func (store *Store) InsertBatch(ctx context.Context, batch booking.CreditBatch) error {
	var expiresAt *time.Time
	if batch.ExpiresAt != nil {
		value := batch.ExpiresAt.UTC()
		expiresAt = &value
	}
	_, err := store.db.Exec(ctx, sqlInsertBatch,
		batch.ID.String(),
		batch.CustomerID.String(),
		batch.CreditsTotal,
		batch.CreditsRemaining,
		expiresAt,
		batch.PaymentReference,
		batch.CreatedAt.UTC(),
	)
	if isUniqueViolation(err, constraintBatchPaymentReference) {
		return wrapStoreError(errorSubjectBatch, errorCodeDuplicate, booking.ErrDuplicatePayment)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) AdjustBatchRemaining(ctx context.Context, batchID booking.BatchID, delta int) error {
	tag, err := store.db.Exec(ctx, sqlAdjustBatchRemaining, batchID.String(), delta)
	if err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeAdjust, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeAdjust, booking.ErrCreditBounds)
	}
	return nil
}

func (store *Store) InsertCreditEntry(ctx context.Context, entry booking.CreditEntry) error {
	_, err := store.db.Exec(ctx, sqlInsertEntry,
		entry.EntryID,
		entry.CustomerID.String(),
		entry.BatchID.String(),
		entry.Type.String(),
		entry.Delta,
		entry.ClassID,
		entry.Metadata.String(),
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListCreditEntries(ctx context.Context, customerID booking.CustomerID, before time.Time, limit int) ([]booking.CreditEntry, error) {
	rows, err := store.db.Query(ctx, sqlListEntriesBefore, customerID.String(), before.UTC(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	var entries []booking.CreditEntry
	for rows.Next() {
		var (
			entry         booking.CreditEntry
			customerValue string
			batchValue    string
			typeValue     string
			metadataValue string
		)
		if err := rows.Scan(&entry.EntryID, &customerValue, &batchValue, &typeValue, &entry.Delta, &entry.ClassID, &metadataValue, &entry.CreatedAt); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		if entry.CustomerID, err = booking.NewCustomerID(customerValue); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		if entry.BatchID, err = booking.NewBatchID(batchValue); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		if entry.Type, err = booking.ParseCreditEntryType(typeValue); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		if entry.Metadata, err = booking.NewMetadataJSON(metadataValue); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func scanClass(row pgx.Row) (booking.ClassSession, error) {
	var (
		classValue string
		class      booking.ClassSession
	)
	if err := row.Scan(&classValue, &class.Title, &class.Description, &class.Instructor, &class.StartTime, &class.EndTime, &class.Capacity, &class.BookedCount); err != nil {
		return booking.ClassSession{}, err
	}
	classID, err := booking.NewClassID(classValue)
	if err != nil {
		return booking.ClassSession{}, err
	}
	class.ID = classID
	class.StartTime = class.StartTime.UTC()
	class.EndTime = class.EndTime.UTC()
	return class, nil
}

func scanBooking(row pgx.Row) (booking.Booking, error) {
	var (
		bookingValue  string
		customerValue string
		classValue    string
		station       int32
		createdAt     time.Time
	)
	if err := row.Scan(&bookingValue, &customerValue, &classValue, &station, &createdAt); err != nil {
		return booking.Booking{}, err
	}
	bookingID, err := booking.NewBookingID(bookingValue)
	if err != nil {
		return booking.Booking{}, err
	}
	customerID, err := booking.NewCustomerID(customerValue)
	if err != nil {
		return booking.Booking{}, err
	}
	classID, err := booking.NewClassID(classValue)
	if err != nil {
		return booking.Booking{}, err
	}
	return booking.Booking{
		ID:         bookingID,
		CustomerID: customerID,
		ClassID:    classID,
		Station:    booking.StationNumber(station),
		CreatedAt:  createdAt.UTC(),
	}, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds a lowercase LIKE pattern matching search anywhere.
func containsPattern(search string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(strings.TrimSpace(search))) + "%"
}

func wrapStoreError(subject string, code string, err error) error {
	return booking.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}

// isInvalidIdentifier reports whether postgres rejected a lookup key that is not
// a valid uuid. Such a key cannot match any row.
func isInvalidIdentifier(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgInvalidTextCode
}
