package booking

import (
	"context"
	"sort"
	"strings"
	"time"
)

// CustomerSummary is one customer's credit standing in the admin overview.
type CustomerSummary struct {
	CustomerID CustomerID
	// AvailableCredits counts credits in usable batches.
	AvailableCredits int
	// PurchasedCredits counts every paid credit, expired or spent ones included.
	PurchasedCredits int
	LastPurchaseAt   *time.Time
}

// CustomerSummaries aggregates the credit batches of every customer whose id
// contains search, ignoring case. An empty search lists everyone. Customers with
// the most recent purchase come first; those without purchases come last.
func (service *Service) CustomerSummaries(ctx context.Context, search string) ([]CustomerSummary, error) {
	batches, err := service.store.ListBatches(ctx, strings.TrimSpace(search))
	if err != nil {
		return nil, err
	}
	return summarizeCustomers(batches, service.nowFn()), nil
}

func summarizeCustomers(batches []CreditBatch, now time.Time) []CustomerSummary {
	byCustomer := make(map[CustomerID]*CustomerSummary)
	for _, batch := range batches {
		summary, ok := byCustomer[batch.CustomerID]
		if !ok {
			summary = &CustomerSummary{CustomerID: batch.CustomerID}
			byCustomer[batch.CustomerID] = summary
		}
		if batch.Usable(now) {
			summary.AvailableCredits += batch.CreditsRemaining
		}
		if batch.PaymentReference == "" {
			continue
		}
		summary.PurchasedCredits += batch.CreditsTotal
		if summary.LastPurchaseAt == nil || batch.CreatedAt.After(*summary.LastPurchaseAt) {
			purchasedAt := batch.CreatedAt.UTC()
			summary.LastPurchaseAt = &purchasedAt
		}
	}
	summaries := make([]CustomerSummary, 0, len(byCustomer))
	for _, summary := range byCustomer {
		summaries = append(summaries, *summary)
	}
	sort.Slice(summaries, func(left, right int) bool {
		return summaryPrecedes(summaries[left], summaries[right])
	})
	return summaries
}

func summaryPrecedes(left CustomerSummary, right CustomerSummary) bool {
	switch {
	case left.LastPurchaseAt != nil && right.LastPurchaseAt == nil:
		return true
	case left.LastPurchaseAt == nil && right.LastPurchaseAt != nil:
		return false
	case left.LastPurchaseAt != nil && !left.LastPurchaseAt.Equal(*right.LastPurchaseAt):
		return left.LastPurchaseAt.After(*right.LastPurchaseAt)
	}
	return left.CustomerID.String() < right.CustomerID.String()
}
