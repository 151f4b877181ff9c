package service

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-proc-requests/internal/common/errors"
	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

// quantityTolerance absorbs float rounding in quantity sums.
const quantityTolerance = 1e-9

// ConservationEntry is the derived balance of one item against an upstream request.
type ConservationEntry struct {
	UpstreamRequestID string  `json:"upstream_request_id"`
	Item              string  `json:"item"`
	Approved          float64 `json:"approved"`
	Committed         float64 `json:"committed"`
	Available         float64 `json:"available"`
}

// claim is the quantity a request takes of one item.
type claim struct {
	Label    string
	Quantity float64
}

// Claims sums a request's item quantities by item key.
func Claims(form *repository.Form, g GroupedResponses) map[string]claim {
	out := make(map[string]claim)
	for _, line := range ItemLines(form, g) {
		c := out[line.Key]
		if c.Label == "" {
			c.Label = line.Label
		}
		c.Quantity += line.Quantity
		out[line.Key] = c
	}
	return out
}

// Ledger enforces that downstream requests never claim more of an item than
// their upstream request approved.
type Ledger struct {
	linkage *LinkageResolver
}

// NewLedger creates a Ledger.
func NewLedger(linkage *LinkageResolver) *Ledger {
	return &Ledger{linkage: linkage}
}

// ValidateConsumption checks that requested units of itemKey fit in what is
// left of upstreamID, ignoring the claims of excludingID. It takes the claim
// lock for the pair, so it must run inside a SERIALIZABLE transaction that
// also writes the claim.
func (l *Ledger) ValidateConsumption(ctx context.Context, tx repository.Tx, upstreamID, itemKey string, requested float64, excludingID string) error {
	up, err := tx.Requests().GetByID(ctx, upstreamID)
	if err != nil {
		return unknownRequest(err, upstreamID)
	}
	if up.Status != repository.RequestStatusApproved {
		return wrapf(ErrInvalidLinkage, "upstream %s is %s, not APPROVED", up.ID, up.Status)
	}
	key := repository.NormalizeItemKey(itemKey)
	return l.validate(ctx, tx, up, map[string]claim{key: {Label: itemKey, Quantity: requested}}, excludingID)
}

// validate checks every claim against upstream. Locks are taken in key order.
func (l *Ledger) validate(ctx context.Context, tx repository.Tx, upstream *repository.Request, claims map[string]claim, excludingID string) error {
	if len(claims) == 0 {
		return nil
	}
	keys := make([]string, 0, len(claims))
	for k, c := range claims {
		if c.Quantity < 0 {
			return errors.InvalidInput(c.Label, "quantity must not be negative")
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := tx.LockClaim(ctx, upstream.ID, k); err != nil {
			return err
		}
	}

	approved, err := l.approved(ctx, tx, upstream)
	if err != nil {
		return err
	}
	committed, err := l.committed(ctx, tx, upstream, excludingID)
	if err != nil {
		return err
	}

	for _, k := range keys {
		c := claims[k]
		available := approved[k].Quantity - committed[k]
		if c.Quantity > available+quantityTolerance {
			return &QuantityExceededError{
				UpstreamRequestID: upstream.ID,
				Item:              c.Label,
				Requested:         c.Quantity,
				Available:         max(available, 0),
			}
		}
	}
	return nil
}

// approved reads the upstream's own item quantities.
func (l *Ledger) approved(ctx context.Context, tx repository.Tx, upstream *repository.Request) (map[string]claim, error) {
	form, grouped, err := l.linkage.Contents(ctx, tx, upstream)
	if err != nil {
		return nil, err
	}
	return Claims(form, grouped), nil
}

// committed sums the claims of every active downstream request by item key.
func (l *Ledger) committed(ctx context.Context, tx repository.Tx, upstream *repository.Request, excludingID string) (map[string]float64, error) {
	downstream, err := l.linkage.FindAllDownstream(ctx, tx, upstream, ActiveClaims)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, d := range downstream {
		if d.ID == excludingID {
			continue
		}
		form, grouped, err := l.linkage.Contents(ctx, tx, d)
		if err != nil {
			return nil, err
		}
		for k, c := range Claims(form, grouped) {
			out[k] += c.Quantity
		}
	}
	return out, nil
}

// Balance reports approved, committed and available quantity per item of upstreamID.
func (l *Ledger) Balance(ctx context.Context, tx repository.Tx, upstreamID string) ([]ConservationEntry, error) {
	up, err := tx.Requests().GetByID(ctx, upstreamID)
	if err != nil {
		return nil, unknownRequest(err, upstreamID)
	}
	approved, err := l.approved(ctx, tx, up)
	if err != nil {
		return nil, err
	}
	committed, err := l.committed(ctx, tx, up, "")
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(approved))
	for k := range approved {
		keys = append(keys, k)
	}
	for k := range committed {
		if _, ok := approved[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	entries := make([]ConservationEntry, 0, len(keys))
	for _, k := range keys {
		label := approved[k].Label
		if label == "" {
			label = k
		}
		entries = append(entries, ConservationEntry{
			UpstreamRequestID: up.ID,
			Item:              label,
			Approved:          approved[k].Quantity,
			Committed:         committed[k],
			Available:         approved[k].Quantity - committed[k],
		})
	}
	return entries, nil
}
