package booking

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSelectBatchOrdering(test *testing.T) {
	test.Parallel()
	soon := testNow.Add(time.Hour)
	later := testNow.Add(48 * time.Hour)
	testCases := []struct {
		name     string
		batches  []CreditBatch
		eligible func(CreditBatch, time.Time) bool
		expected string
		found    bool
	}{
		{
			name: "soonest expiry wins",
			batches: []CreditBatch{
				{ID: BatchID{value: "later"}, CreditsTotal: 5, CreditsRemaining: 5, ExpiresAt: &later},
				{ID: BatchID{value: "soon"}, CreditsTotal: 5, CreditsRemaining: 5, ExpiresAt: &soon},
			},
			eligible: consumable,
			expected: "soon",
			found:    true,
		},
		{
			name: "non-expiring batches come last",
			batches: []CreditBatch{
				{ID: BatchID{value: "forever"}, CreditsTotal: 5, CreditsRemaining: 5},
				{ID: BatchID{value: "later"}, CreditsTotal: 5, CreditsRemaining: 5, ExpiresAt: &later},
			},
			eligible: consumable,
			expected: "later",
			found:    true,
		},
		{
			name: "ties broken by creation time then id",
			batches: []CreditBatch{
				{ID: BatchID{value: "b"}, CreditsTotal: 1, CreditsRemaining: 1, ExpiresAt: &soon, CreatedAt: testNow.Add(-time.Minute)},
				{ID: BatchID{value: "c"}, CreditsTotal: 1, CreditsRemaining: 1, ExpiresAt: &soon, CreatedAt: testNow.Add(-2 * time.Minute)},
				{ID: BatchID{value: "a"}, CreditsTotal: 1, CreditsRemaining: 1, ExpiresAt: &soon, CreatedAt: testNow.Add(-2 * time.Minute)},
			},
			eligible: consumable,
			expected: "a",
			found:    true,
		},
		{
			name: "drained and expired batches are skipped",
			batches: []CreditBatch{
				{ID: BatchID{value: "drained"}, CreditsTotal: 5, CreditsRemaining: 0, ExpiresAt: &soon},
				{ID: BatchID{value: "expired"}, CreditsTotal: 5, CreditsRemaining: 5, ExpiresAt: timePointer(testNow.Add(-time.Second))},
			},
			eligible: consumable,
			found:    false,
		},
		{
			name: "expiring exactly now is still usable",
			batches: []CreditBatch{
				{ID: BatchID{value: "edge"}, CreditsTotal: 1, CreditsRemaining: 1, ExpiresAt: timePointer(testNow)},
			},
			eligible: consumable,
			expected: "edge",
			found:    true,
		},
		{
			name: "restore skips full batches but accepts drained ones",
			batches: []CreditBatch{
				{ID: BatchID{value: "full"}, CreditsTotal: 5, CreditsRemaining: 5, ExpiresAt: &soon},
				{ID: BatchID{value: "drained"}, CreditsTotal: 5, CreditsRemaining: 0, ExpiresAt: &later},
			},
			eligible: restorable,
			expected: "drained",
			found:    true,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			selected, found := selectBatch(testCase.batches, testNow, testCase.eligible)
			if found != testCase.found {
				test.Fatalf("expected found=%v, got %v", testCase.found, found)
			}
			if found && selected.ID.String() != testCase.expected {
				test.Fatalf("expected %s, got %s", testCase.expected, selected.ID.String())
			}
		})
	}
}

func TestConsumeOneCreditWithoutBatches(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	ledger := NewCreditLedger(func() time.Time { return testNow }, (&sequenceIDs{}).generate)
	customerID := mustCustomerID(test, "customer-1")

	_, err := ledger.ConsumeOneCredit(context.Background(), store, customerID, mustClassID(test, "class-1"))
	if !errors.Is(err, ErrNoCreditsAvailable) {
		test.Fatalf("expected ErrNoCreditsAvailable, got %v", err)
	}
}

func TestRestoreOneCreditPrefersExistingBatch(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	ledger := NewCreditLedger(func() time.Time { return testNow }, (&sequenceIDs{}).generate)
	customerID := mustCustomerID(test, "customer-1")
	batchID := store.addBatch(test, "batch-1", customerID, 10, 7, timePointer(testNow.Add(time.Hour)))

	movement, err := ledger.RestoreOneCredit(context.Background(), store, customerID, mustClassID(test, "class-1"))
	if err != nil {
		test.Fatalf("restore: %v", err)
	}
	if movement.BatchID != batchID || movement.NewRemaining != 8 || movement.Fallback {
		test.Fatalf("unexpected movement: %+v", movement)
	}
}

func TestRestoreOneCreditFallsBackWhenBatchesAreFull(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	ledger := NewCreditLedger(func() time.Time { return testNow }, (&sequenceIDs{}).generate)
	customerID := mustCustomerID(test, "customer-1")
	store.addBatch(test, "full", customerID, 4, 4, nil)

	movement, err := ledger.RestoreOneCredit(context.Background(), store, customerID, mustClassID(test, "class-1"))
	if err != nil {
		test.Fatalf("restore: %v", err)
	}
	if !movement.Fallback || movement.NewRemaining != 1 {
		test.Fatalf("expected fallback batch, got %+v", movement)
	}
	state := store.snapshot()
	if state.batches[mustBatchID(test, "full")].CreditsRemaining != 4 {
		test.Fatalf("full batch must not exceed its total")
	}
	for _, batch := range state.batches {
		if batch.CreditsRemaining < 0 || batch.CreditsRemaining > batch.CreditsTotal {
			test.Fatalf("batch out of bounds: %+v", batch)
		}
	}
}

func TestGrantBatchRecordsPaymentMetadata(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	ledger := NewCreditLedger(func() time.Time { return testNow }, (&sequenceIDs{}).generate)
	customerID := mustCustomerID(test, "customer-1")

	if _, err := ledger.GrantBatch(context.Background(), store, customerID, 5, mustPaymentReference(test, "pay-1")); err != nil {
		test.Fatalf("grant: %v", err)
	}
	entries := store.snapshot().entries
	if len(entries) != 1 || entries[0].Metadata.String() != `{"payment_reference":"pay-1"}` {
		test.Fatalf("unexpected grant entry: %+v", entries)
	}
}
