package booking

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

var testNow = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

type stubState struct {
	classes  map[ClassID]ClassSession
	bookings map[BookingID]Booking
	batches  map[BatchID]CreditBatch
	entries  []CreditEntry
}

func (state *stubState) clone() *stubState {
	cloned := &stubState{
		classes:  make(map[ClassID]ClassSession, len(state.classes)),
		bookings: make(map[BookingID]Booking, len(state.bookings)),
		batches:  make(map[BatchID]CreditBatch, len(state.batches)),
		entries:  append([]CreditEntry(nil), state.entries...),
	}
	for key, value := range state.classes {
		cloned.classes[key] = value
	}
	for key, value := range state.bookings {
		cloned.bookings[key] = value
	}
	for key, value := range state.batches {
		cloned.batches[key] = value
	}
	return cloned
}

// stubStore keeps state in memory and applies transactions atomically:
// WithTx works on a copy and swaps it in only when fn succeeds.
type stubStore struct {
	test     *testing.T
	mutex    *sync.Mutex
	root     **stubState
	state    *stubState
	inTx     bool
	failures map[string]error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	state := &stubState{
		classes:  map[ClassID]ClassSession{},
		bookings: map[BookingID]Booking{},
		batches:  map[BatchID]CreditBatch{},
	}
	root := &state
	return &stubStore{test: test, mutex: &sync.Mutex{}, root: root, failures: map[string]error{}}
}

func (store *stubStore) current() *stubState {
	if store.inTx {
		return store.state
	}
	return *store.root
}

func (store *stubStore) lock() func() {
	if store.inTx {
		return func() {}
	}
	store.mutex.Lock()
	return store.mutex.Unlock
}

func (store *stubStore) fail(method string) error {
	return store.failures[method]
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	working := (*store.root).clone()
	txStore := &stubStore{test: store.test, mutex: store.mutex, root: store.root, state: working, inTx: true, failures: store.failures}
	if err := fn(ctx, txStore); err != nil {
		return err
	}
	*store.root = working
	return nil
}

func (store *stubStore) InsertClass(_ context.Context, class ClassSession) error {
	defer store.lock()()
	if err := store.fail("InsertClass"); err != nil {
		return err
	}
	store.current().classes[class.ID] = class
	return nil
}

func (store *stubStore) GetClass(_ context.Context, classID ClassID) (ClassSession, error) {
	defer store.lock()()
	class, ok := store.current().classes[classID]
	if !ok {
		return ClassSession{}, ErrClassNotFound
	}
	return class, nil
}

func (store *stubStore) LockClass(ctx context.Context, classID ClassID) (ClassSession, error) {
	if err := store.fail("LockClass"); err != nil {
		return ClassSession{}, err
	}
	return store.GetClass(ctx, classID)
}

func (store *stubStore) AdjustBookedCount(_ context.Context, classID ClassID, delta int) error {
	defer store.lock()()
	state := store.current()
	class, ok := state.classes[classID]
	if !ok {
		return ErrClassNotFound
	}
	switch {
	case delta > 0 && class.BookedCount+delta > class.Capacity:
		return ErrClassFull
	case delta < 0 && class.BookedCount+delta < 0:
		return nil
	}
	class.BookedCount += delta
	state.classes[classID] = class
	return nil
}

func (store *stubStore) ListClassesStartingAfter(_ context.Context, from time.Time) ([]ClassSession, error) {
	defer store.lock()()
	var classes []ClassSession
	for _, class := range store.current().classes {
		if !class.StartTime.Before(from) {
			classes = append(classes, class)
		}
	}
	sort.Slice(classes, func(left, right int) bool {
		return classes[left].ID.String() < classes[right].ID.String()
	})
	return classes, nil
}

func (store *stubStore) OccupiedStations(_ context.Context, classID ClassID) ([]StationNumber, error) {
	defer store.lock()()
	var stations []StationNumber
	for _, booking := range store.current().bookings {
		if booking.ClassID == classID {
			stations = append(stations, booking.Station)
		}
	}
	return stations, nil
}

func (store *stubStore) FindBooking(_ context.Context, customerID CustomerID, classID ClassID) (Booking, error) {
	defer store.lock()()
	for _, booking := range store.current().bookings {
		if booking.CustomerID == customerID && booking.ClassID == classID {
			return booking, nil
		}
	}
	return Booking{}, ErrBookingNotFound
}

func (store *stubStore) InsertBooking(_ context.Context, booking Booking) error {
	defer store.lock()()
	if err := store.fail("InsertBooking"); err != nil {
		return err
	}
	state := store.current()
	for _, existing := range state.bookings {
		if existing.ClassID != booking.ClassID {
			continue
		}
		if existing.CustomerID == booking.CustomerID {
			return ErrAlreadyBooked
		}
		if existing.Station == booking.Station {
			return ErrNoStationAvailable
		}
	}
	state.bookings[booking.ID] = booking
	return nil
}

func (store *stubStore) DeleteBooking(_ context.Context, bookingID BookingID) error {
	defer store.lock()()
	state := store.current()
	if _, ok := state.bookings[bookingID]; !ok {
		return ErrBookingNotFound
	}
	delete(state.bookings, bookingID)
	return nil
}

func (store *stubStore) ListClassBookings(_ context.Context, classID ClassID) ([]Booking, error) {
	defer store.lock()()
	var bookings []Booking
	for _, booking := range store.current().bookings {
		if booking.ClassID == classID {
			bookings = append(bookings, booking)
		}
	}
	return bookings, nil
}

func (store *stubStore) ListCustomerBookings(_ context.Context, customerID CustomerID) ([]Booking, error) {
	defer store.lock()()
	var bookings []Booking
	for _, booking := range store.current().bookings {
		if booking.CustomerID == customerID {
			bookings = append(bookings, booking)
		}
	}
	return bookings, nil
}

func (store *stubStore) ListUnexpiredBatches(_ context.Context, customerID CustomerID, now time.Time) ([]CreditBatch, error) {
	defer store.lock()()
	if err := store.fail("ListUnexpiredBatches"); err != nil {
		return nil, err
	}
	var batches []CreditBatch
	for _, batch := range store.current().batches {
		if batch.CustomerID == customerID && !batch.Expired(now) {
			batches = append(batches, batch)
		}
	}
	return batches, nil
}

func (store *stubStore) ListBatches(_ context.Context, customerSearch string) ([]CreditBatch, error) {
	defer store.lock()()
	search := strings.ToLower(customerSearch)
	var batches []CreditBatch
	for _, batch := range store.current().batches {
		if strings.Contains(strings.ToLower(batch.CustomerID.String()), search) {
			batches = append(batches, batch)
		}
	}
	return batches, nil
}

func (store *stubStore) InsertBatch(_ context.Context, batch CreditBatch) error {
	defer store.lock()()
	state := store.current()
	if batch.PaymentReference != "" {
		for _, existing := range state.batches {
			if existing.PaymentReference == batch.PaymentReference {
				return ErrDuplicatePayment
			}
		}
	}
	state.batches[batch.ID] = batch
	return nil
}

func (store *stubStore) AdjustBatchRemaining(_ context.Context, batchID BatchID, delta int) error {
	defer store.lock()()
	state := store.current()
	batch, ok := state.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s missing", batchID.String())
	}
	next := batch.CreditsRemaining + delta
	if next < 0 || next > batch.CreditsTotal {
		return ErrCreditBounds
	}
	batch.CreditsRemaining = next
	state.batches[batchID] = batch
	return nil
}

func (store *stubStore) InsertCreditEntry(_ context.Context, entry CreditEntry) error {
	defer store.lock()()
	state := store.current()
	state.entries = append(state.entries, entry)
	return nil
}

func (store *stubStore) ListCreditEntries(_ context.Context, customerID CustomerID, before time.Time, limit int) ([]CreditEntry, error) {
	defer store.lock()()
	var entries []CreditEntry
	state := store.current()
	for index := len(state.entries) - 1; index >= 0 && len(entries) < limit; index-- {
		entry := state.entries[index]
		if entry.CustomerID == customerID && entry.CreatedAt.Before(before) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (store *stubStore) snapshot() *stubState {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (*store.root).clone()
}

func (store *stubStore) addClass(test *testing.T, rawID string, capacity int) ClassID {
	test.Helper()
	classID := mustClassID(test, rawID)
	(*store.root).classes[classID] = ClassSession{
		ID:        classID,
		Title:     "Reformer " + rawID,
		StartTime: testNow.Add(24 * time.Hour),
		EndTime:   testNow.Add(25 * time.Hour),
		Capacity:  capacity,
	}
	return classID
}

func (store *stubStore) addBatch(test *testing.T, rawID string, customerID CustomerID, total int, remaining int, expiresAt *time.Time) BatchID {
	test.Helper()
	batchID := mustBatchID(test, rawID)
	(*store.root).batches[batchID] = CreditBatch{
		ID:               batchID,
		CustomerID:       customerID,
		CreditsTotal:     total,
		CreditsRemaining: remaining,
		ExpiresAt:        expiresAt,
		CreatedAt:        testNow.Add(-time.Hour),
	}
	return batchID
}

func (store *stubStore) addBooking(test *testing.T, rawID string, customerID CustomerID, classID ClassID, station StationNumber) {
	test.Helper()
	bookingID, err := NewBookingID(rawID)
	if err != nil {
		test.Fatalf("booking id: %v", err)
	}
	state := *store.root
	state.bookings[bookingID] = Booking{ID: bookingID, CustomerID: customerID, ClassID: classID, Station: station}
	class := state.classes[classID]
	class.BookedCount++
	state.classes[classID] = class
}

func (state *stubState) remainingCredits(customerID CustomerID) int {
	total := 0
	for _, batch := range state.batches {
		if batch.CustomerID == customerID {
			total += batch.CreditsRemaining
		}
	}
	return total
}

func (state *stubState) classBookings(classID ClassID) []Booking {
	var bookings []Booking
	for _, booking := range state.bookings {
		if booking.ClassID == classID {
			bookings = append(bookings, booking)
		}
	}
	return bookings
}

type sequenceIDs struct {
	mutex sync.Mutex
	next  int
}

func (ids *sequenceIDs) generate() string {
	ids.mutex.Lock()
	defer ids.mutex.Unlock()
	ids.next++
	return fmt.Sprintf("id-%04d", ids.next)
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	ids := &sequenceIDs{}
	allOptions := append([]ServiceOption{WithIDGenerator(ids.generate)}, options...)
	service, err := NewService(store, func() time.Time { return testNow }, allOptions...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustCustomerID(test *testing.T, raw string) CustomerID {
	test.Helper()
	customerID, err := NewCustomerID(raw)
	if err != nil {
		test.Fatalf("customer id: %v", err)
	}
	return customerID
}

func mustClassID(test *testing.T, raw string) ClassID {
	test.Helper()
	classID, err := NewClassID(raw)
	if err != nil {
		test.Fatalf("class id: %v", err)
	}
	return classID
}

func mustBatchID(test *testing.T, raw string) BatchID {
	test.Helper()
	batchID, err := NewBatchID(raw)
	if err != nil {
		test.Fatalf("batch id: %v", err)
	}
	return batchID
}

func mustPaymentReference(test *testing.T, raw string) PaymentReference {
	test.Helper()
	reference, err := NewPaymentReference(raw)
	if err != nil {
		test.Fatalf("payment reference: %v", err)
	}
	return reference
}

func timePointer(value time.Time) *time.Time {
	return &value
}
