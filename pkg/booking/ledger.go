package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// CreditMovement reports the batch touched by a single-credit ledger operation.
type CreditMovement struct {
	BatchID      BatchID
	NewRemaining int
	// Fallback is true when no batch could take the credit back and a new one was created.
	Fallback bool
}

// CreditLedger moves single credits in and out of a customer's batches.
// Every method runs against the transaction-scoped store it is given.
type CreditLedger struct {
	nowFn func() time.Time
	newID func() string
}

// NewCreditLedger builds a ledger using the provided clock and id generator.
func NewCreditLedger(now func() time.Time, newID func() string) CreditLedger {
	return CreditLedger{nowFn: now, newID: newID}
}

// HasUsableCredit reports whether the customer holds at least one consumable credit.
func (ledger CreditLedger) HasUsableCredit(ctx context.Context, txStore Store, customerID CustomerID) (bool, error) {
	now := ledger.nowFn()
	batches, err := txStore.ListUnexpiredBatches(ctx, customerID, now)
	if err != nil {
		return false, err
	}
	_, found := selectBatch(batches, now, consumable)
	return found, nil
}

// ConsumeOneCredit decrements the usable batch that expires soonest.
func (ledger CreditLedger) ConsumeOneCredit(ctx context.Context, txStore Store, customerID CustomerID, classID ClassID) (CreditMovement, error) {
	now := ledger.nowFn()
	batches, err := txStore.ListUnexpiredBatches(ctx, customerID, now)
	if err != nil {
		return CreditMovement{}, err
	}
	batch, found := selectBatch(batches, now, consumable)
	if !found {
		return CreditMovement{}, ErrNoCreditsAvailable
	}
	if err := txStore.AdjustBatchRemaining(ctx, batch.ID, -1); err != nil {
		return CreditMovement{}, err
	}
	if err := ledger.appendEntry(ctx, txStore, customerID, batch.ID, CreditEntryConsume, -1, classID.String(), nil, now); err != nil {
		return CreditMovement{}, err
	}
	return CreditMovement{BatchID: batch.ID, NewRemaining: batch.CreditsRemaining - 1}, nil
}

// RestoreOneCredit returns one credit to the customer. A non-expired batch with
// headroom takes it back, including one that was drained to zero; otherwise a one-credit batch is created. It never fails for
// business reasons.
func (ledger CreditLedger) RestoreOneCredit(ctx context.Context, txStore Store, customerID CustomerID, classID ClassID) (CreditMovement, error) {
	now := ledger.nowFn()
	batches, err := txStore.ListUnexpiredBatches(ctx, customerID, now)
	if err != nil {
		return CreditMovement{}, err
	}
	if batch, found := selectBatch(batches, now, restorable); found {
		if err := txStore.AdjustBatchRemaining(ctx, batch.ID, 1); err != nil {
			return CreditMovement{}, err
		}
		if err := ledger.appendEntry(ctx, txStore, customerID, batch.ID, CreditEntryRestore, 1, classID.String(), nil, now); err != nil {
			return CreditMovement{}, err
		}
		return CreditMovement{BatchID: batch.ID, NewRemaining: batch.CreditsRemaining + 1}, nil
	}

	fallback, err := ledger.newBatch(customerID, FallbackBatchCredits, "", now)
	if err != nil {
		return CreditMovement{}, err
	}
	if err := txStore.InsertBatch(ctx, fallback); err != nil {
		return CreditMovement{}, err
	}
	if err := ledger.appendEntry(ctx, txStore, customerID, fallback.ID, CreditEntryRestoreFallback, FallbackBatchCredits, classID.String(), nil, now); err != nil {
		return CreditMovement{}, err
	}
	return CreditMovement{BatchID: fallback.ID, NewRemaining: fallback.CreditsRemaining, Fallback: true}, nil
}

// GrantBatch records a purchased batch of credits.
func (ledger CreditLedger) GrantBatch(ctx context.Context, txStore Store, customerID CustomerID, credits int, reference PaymentReference) (CreditBatch, error) {
	if credits <= 0 {
		return CreditBatch{}, fmt.Errorf("%w: credits must be greater than zero", ErrInvalidCreditAmount)
	}
	now := ledger.nowFn()
	batch, err := ledger.newBatch(customerID, credits, reference.String(), now)
	if err != nil {
		return CreditBatch{}, err
	}
	if err := txStore.InsertBatch(ctx, batch); err != nil {
		return CreditBatch{}, err
	}
	metadata := map[string]string{"payment_reference": reference.String()}
	if err := ledger.appendEntry(ctx, txStore, customerID, batch.ID, CreditEntryGrant, credits, "", metadata, now); err != nil {
		return CreditBatch{}, err
	}
	return batch, nil
}

func (ledger CreditLedger) newBatch(customerID CustomerID, credits int, reference string, now time.Time) (CreditBatch, error) {
	batchID, err := NewBatchID(ledger.newID())
	if err != nil {
		return CreditBatch{}, err
	}
	expiresAt := creditExpiry(now)
	return CreditBatch{
		ID:               batchID,
		CustomerID:       customerID,
		CreditsTotal:     credits,
		CreditsRemaining: credits,
		ExpiresAt:        &expiresAt,
		PaymentReference: reference,
		CreatedAt:        now.UTC(),
	}, nil
}

func (ledger CreditLedger) appendEntry(ctx context.Context, txStore Store, customerID CustomerID, batchID BatchID, entryType CreditEntryType, delta int, classID string, metadata map[string]string, now time.Time) error {
	metadataJSON := MetadataJSON{}
	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return WrapError("ledger", "metadata", "encode", err)
		}
		metadataJSON, err = NewMetadataJSON(string(encoded))
		if err != nil {
			return err
		}
	}
	return txStore.InsertCreditEntry(ctx, CreditEntry{
		EntryID:    ledger.newID(),
		CustomerID: customerID,
		BatchID:    batchID,
		Type:       entryType,
		Delta:      delta,
		ClassID:    classID,
		Metadata:   metadataJSON,
		CreatedAt:  now.UTC(),
	})
}

func consumable(batch CreditBatch, now time.Time) bool {
	return batch.Usable(now)
}

func restorable(batch CreditBatch, now time.Time) bool {
	return !batch.Expired(now) && batch.CreditsRemaining < batch.CreditsTotal
}

// selectBatch picks the eligible batch that expires soonest. Non-expiring
// batches sort last; ties fall back to creation time and then id.
func selectBatch(batches []CreditBatch, now time.Time, eligible func(CreditBatch, time.Time) bool) (CreditBatch, bool) {
	candidates := make([]CreditBatch, 0, len(batches))
	for _, batch := range batches {
		if eligible(batch, now) {
			candidates = append(candidates, batch)
		}
	}
	if len(candidates) == 0 {
		return CreditBatch{}, false
	}
	sortBatches(candidates)
	return candidates[0], true
}

func sortBatches(batches []CreditBatch) {
	sort.SliceStable(batches, func(left, right int) bool {
		return batchPrecedes(batches[left], batches[right])
	})
}

func batchPrecedes(left CreditBatch, right CreditBatch) bool {
	switch {
	case left.ExpiresAt != nil && right.ExpiresAt == nil:
		return true
	case left.ExpiresAt == nil && right.ExpiresAt != nil:
		return false
	case left.ExpiresAt != nil && !left.ExpiresAt.Equal(*right.ExpiresAt):
		return left.ExpiresAt.Before(*right.ExpiresAt)
	}
	if !left.CreatedAt.Equal(right.CreatedAt) {
		return left.CreatedAt.Before(right.CreatedAt)
	}
	return left.ID.String() < right.ID.String()
}
