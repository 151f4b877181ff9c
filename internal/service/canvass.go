package service

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

// QuotationTotal is one sibling quotation's priced total.
type QuotationTotal struct {
	RequestID   string    `json:"request_id"`
	OwnerID     string    `json:"owner_id"`
	SubmittedAt time.Time `json:"submitted_at"`
	UnitPrices  float64   `json:"unit_prices"`
	Charges     float64   `json:"charges"`
	Total       float64   `json:"total"`
}

// ItemQuote is the lowest unit price seen for one item.
type ItemQuote struct {
	Item        string  `json:"item"`
	UnitPrice   float64 `json:"unit_price"`
	QuotationID string  `json:"quotation_id"`
}

// CanvassResult compares the pending quotations against one requisition.
type CanvassResult struct {
	RequisitionID string           `json:"requisition_id"`
	Quotations    []QuotationTotal `json:"quotations"`
	PerItemLowest []ItemQuote      `json:"per_item_lowest"`
	Recommended   *QuotationTotal  `json:"recommended,omitempty"`
}

// CanvassService ranks competing quotations.
type CanvassService struct {
	store   repository.Store
	linkage *LinkageResolver
}

// NewCanvassService creates a CanvassService.
func NewCanvassService(store repository.Store, linkage *LinkageResolver) *CanvassService {
	return &CanvassService{store: store, linkage: linkage}
}

// CompareQuotations totals every PENDING quotation linked to requisitionID.
// A quotation's total is the sum of its item unit prices plus every charge
// field. The recommendation is the lowest total, earliest submission on ties.
func (s *CanvassService) CompareQuotations(ctx context.Context, requisitionID string) (*CanvassResult, error) {
	result := &CanvassResult{RequisitionID: requisitionID}

	err := s.store.InTransaction(ctx, repository.ReadCommitted, func(tx repository.Tx) error {
		result.Quotations = nil
		result.PerItemLowest = nil
		result.Recommended = nil

		req, err := tx.Requests().GetByID(ctx, requisitionID)
		if err != nil {
			return unknownRequest(err, requisitionID)
		}
		if req.FormType != repository.FormTypeRequisition {
			return wrapf(ErrInvalidLinkage, "%s is a %s, not a requisition", req.ID, req.FormType)
		}

		quotes, err := s.linkage.FindDownstream(ctx, tx, req.ID, repository.FormTypeQuotation, PendingOnly)
		if err != nil {
			return err
		}
		sort.SliceStable(quotes, func(i, j int) bool { return submittedBefore(quotes[i], quotes[j]) })

		lowest := make(map[string]ItemQuote)
		for _, q := range quotes {
			form, grouped, err := s.linkage.Contents(ctx, tx, q)
			if err != nil {
				return err
			}

			qt := QuotationTotal{RequestID: q.ID, OwnerID: q.OwnerID, SubmittedAt: q.SubmittedAt}
			for _, line := range ItemLines(form, grouped) {
				if !line.HasPrice {
					continue
				}
				qt.UnitPrices += line.UnitPrice
				if cur, ok := lowest[line.Key]; !ok || line.UnitPrice < cur.UnitPrice {
					lowest[line.Key] = ItemQuote{Item: line.Label, UnitPrice: line.UnitPrice, QuotationID: q.ID}
				}
			}
			qt.Charges = ChargeTotal(form, grouped)
			qt.Total = qt.UnitPrices + qt.Charges
			result.Quotations = append(result.Quotations, qt)
		}

		keys := make([]string, 0, len(lowest))
		for k := range lowest {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			result.PerItemLowest = append(result.PerItemLowest, lowest[k])
		}

		// Quotations are in submission order, so a strict comparison keeps
		// the earliest of tied totals.
		for i := range result.Quotations {
			q := &result.Quotations[i]
			if result.Recommended == nil || q.Total < result.Recommended.Total-quantityTolerance {
				best := *q
				result.Recommended = &best
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func submittedBefore(a, b *repository.Request) bool {
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.ID < b.ID
}
