package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Service coordinates bookings, station capacity and credits over a Store.
type Service struct {
	store    Store
	nowFn    func() time.Time
	newID    func() string
	logger   OperationLogger
	notifier Notifier
	ledger   CreditLedger
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	service.ledger = NewCreditLedger(service.nowFn, service.newID)
	return service, nil
}

// Reserve books a station in classID for customerID and spends one credit.
// Station, credit and booking are written in a single transaction.
func (service *Service) Reserve(ctx context.Context, customerID CustomerID, classID ClassID) (Booking, error) {
	var (
		reserved Booking
		class    ClassSession
		movement CreditMovement
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, err := transactionStore.LockClass(ctx, classID)
		if err != nil {
			return err
		}
		_, err = transactionStore.FindBooking(ctx, customerID, classID)
		switch {
		case err == nil:
			return ErrAlreadyBooked
		case !errors.Is(err, ErrBookingNotFound):
			return err
		}
		hasCredit, err := service.ledger.HasUsableCredit(ctx, transactionStore, customerID)
		if err != nil {
			return err
		}
		if !hasCredit {
			return ErrNoCreditsAvailable
		}
		station, err := TryReserveStation(ctx, transactionStore, classID)
		if err != nil {
			return err
		}
		movement, err = service.ledger.ConsumeOneCredit(ctx, transactionStore, customerID, classID)
		if err != nil {
			return err
		}
		bookingID, err := NewBookingID(service.newID())
		if err != nil {
			return err
		}
		candidate := Booking{
			ID:         bookingID,
			CustomerID: customerID,
			ClassID:    classID,
			Station:    station,
			CreatedAt:  service.nowFn().UTC(),
		}
		if err := transactionStore.InsertBooking(ctx, candidate); err != nil {
			return err
		}
		locked.BookedCount++
		reserved = candidate
		class = locked
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationReserve,
		CustomerID: customerID,
		ClassID:    classID,
		Station:    reserved.Station,
		BatchID:    movement.BatchID,
		Credits:    -1,
		Error:      operationError,
	})
	if operationError != nil {
		return Booking{}, operationError
	}
	service.notify(ctx, NotificationBookingConfirmation, customerID, class, reserved.Station)
	return reserved, nil
}

// Cancel removes the customer's booking, frees its station and gives the credit back.
func (service *Service) Cancel(ctx context.Context, customerID CustomerID, classID ClassID) error {
	var (
		cancelled Booking
		class     ClassSession
		movement  CreditMovement
		drifted   bool
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, err := transactionStore.LockClass(ctx, classID)
		if err != nil {
			if errors.Is(err, ErrClassNotFound) {
				return ErrBookingNotFound
			}
			return err
		}
		existing, err := transactionStore.FindBooking(ctx, customerID, classID)
		if err != nil {
			return err
		}
		if err := transactionStore.DeleteBooking(ctx, existing.ID); err != nil {
			return err
		}
		released, err := ReleaseStation(ctx, transactionStore, locked)
		if err != nil {
			return err
		}
		movement, err = service.ledger.RestoreOneCredit(ctx, transactionStore, customerID, classID)
		if err != nil {
			return err
		}
		if released {
			locked.BookedCount--
		}
		drifted = !released
		cancelled = existing
		class = locked
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationCancel,
		CustomerID:      customerID,
		ClassID:         classID,
		Station:         cancelled.Station,
		BatchID:         movement.BatchID,
		Credits:         1,
		RestoreFallback: movement.Fallback,
		CountDrift:      drifted,
		Error:           operationError,
	})
	if operationError != nil {
		return operationError
	}
	service.notify(ctx, NotificationBookingCancellation, customerID, class, cancelled.Station)
	return nil
}

// GrantCredits records a purchased batch of credits expiring after CreditValidityMonths.
// A payment reference is accepted once; repeats return ErrDuplicatePayment.
func (service *Service) GrantCredits(ctx context.Context, customerID CustomerID, credits int, reference PaymentReference) (CreditBatch, error) {
	var granted CreditBatch
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		batch, err := service.ledger.GrantBatch(ctx, transactionStore, customerID, credits, reference)
		if err != nil {
			return err
		}
		granted = batch
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationGrantCredits,
		CustomerID: customerID,
		BatchID:    granted.ID,
		Credits:    credits,
		Error:      operationError,
	})
	if operationError != nil {
		return CreditBatch{}, operationError
	}
	return granted, nil
}

// Balance returns the customer's usable batches in consumption order and their total.
func (service *Service) Balance(ctx context.Context, customerID CustomerID) (Balance, error) {
	now := service.nowFn()
	batches, err := service.store.ListUnexpiredBatches(ctx, customerID, now)
	if err != nil {
		return Balance{}, err
	}
	usable := make([]CreditBatch, 0, len(batches))
	total := 0
	for _, batch := range batches {
		if batch.Usable(now) {
			usable = append(usable, batch)
			total += batch.CreditsRemaining
		}
	}
	sortBatches(usable)
	return Balance{TotalCredits: total, Batches: usable}, nil
}

// ListCreditEntries pages the customer's credit history, newest first.
// A zero before means "now"; a zero limit selects the default page size.
func (service *Service) ListCreditEntries(ctx context.Context, customerID CustomerID, before time.Time, limit int) ([]CreditEntry, error) {
	normalizedLimit, err := normalizeEntryLimit(limit)
	if err != nil {
		return nil, err
	}
	if before.IsZero() {
		before = service.nowFn().Add(time.Second)
	}
	return service.store.ListCreditEntries(ctx, customerID, before.UTC(), normalizedLimit)
}

// CreateClass validates and stores a new class with no bookings.
func (service *Service) CreateClass(ctx context.Context, input ClassInput) (ClassSession, error) {
	classID, err := NewClassID(service.newID())
	if err != nil {
		return ClassSession{}, err
	}
	class, err := NewClassSession(classID, input)
	if err == nil {
		err = service.store.InsertClass(ctx, class)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationCreateClass,
		ClassID:   classID,
		Error:     err,
	})
	if err != nil {
		return ClassSession{}, err
	}
	return class, nil
}

// UpcomingClasses lists classes starting at or after now, earliest first.
func (service *Service) UpcomingClasses(ctx context.Context) ([]ClassSession, error) {
	classes, err := service.store.ListClassesStartingAfter(ctx, service.nowFn().UTC())
	if err != nil {
		return nil, err
	}
	sort.SliceStable(classes, func(left, right int) bool {
		return classes[left].StartTime.Before(classes[right].StartTime)
	})
	return classes, nil
}

// ClassRoster returns the class and its bookings ordered by station.
func (service *Service) ClassRoster(ctx context.Context, classID ClassID) (ClassSession, []Booking, error) {
	class, err := service.store.GetClass(ctx, classID)
	if err != nil {
		return ClassSession{}, nil, err
	}
	bookings, err := service.store.ListClassBookings(ctx, classID)
	if err != nil {
		return ClassSession{}, nil, err
	}
	sort.SliceStable(bookings, func(left, right int) bool {
		return bookings[left].Station < bookings[right].Station
	})
	return class, bookings, nil
}

// CustomerBookings lists every booking held by the customer.
func (service *Service) CustomerBookings(ctx context.Context, customerID CustomerID) ([]Booking, error) {
	return service.store.ListCustomerBookings(ctx, customerID)
}

func (service *Service) notify(ctx context.Context, kind NotificationKind, customerID CustomerID, class ClassSession, station StationNumber) {
	if service.notifier == nil {
		return
	}
	contact, _ := ContactFromContext(ctx)
	service.notifier.Notify(context.WithoutCancel(ctx), Notification{
		Kind:       kind,
		CustomerID: customerID,
		Contact:    contact,
		Class:      class,
		Station:    station,
		OccurredAt: service.nowFn().UTC(),
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func normalizeEntryLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, fmt.Errorf("%w: %d", ErrInvalidListLimit, limit)
	case limit == 0:
		return defaultEntryListLimit, nil
	case limit > maxEntryListLimit:
		return maxEntryListLimit, nil
	default:
		return limit, nil
	}
}
