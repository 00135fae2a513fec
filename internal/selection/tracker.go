package selection

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-settlement/internal/common"
	"github.com/noah-isme/pos-settlement/internal/pricing"
	"github.com/noah-isme/pos-settlement/internal/snapshot"
)

// Kind distinguishes the two selection variants.
type Kind int

const (
	// Explicit holds per-item quantities.
	Explicit Kind = iota
	// AllRemaining stands for every unpaid unit of every line.
	AllRemaining
)

func (k Kind) String() string {
	if k == AllRemaining {
		return "all_remaining"
	}
	return "explicit"
}

// Line is one selected item with its priced amount.
type Line struct {
	ItemID   string
	Quantity int64
	Amount   pricing.Money
}

// Tracker records which items and quantities are being paid in the current
// session. It never offers more than the snapshot's remaining quantity.
type Tracker struct {
	snap     snapshot.Snapshot
	index    map[string]snapshot.LineItem
	kind     Kind
	explicit map[string]int64
}

// NewTracker starts with an empty explicit selection over a private copy of
// snap.
func NewTracker(snap snapshot.Snapshot) *Tracker {
	snap = snap.Clone()
	index := make(map[string]snapshot.LineItem, len(snap.Items))
	for _, it := range snap.Items {
		index[it.ID] = it
	}
	return &Tracker{snap: snap, index: index, explicit: map[string]int64{}}
}

// Kind returns the active variant.
func (t *Tracker) Kind() Kind {
	return t.kind
}

// SelectAll switches to the AllRemaining variant.
func (t *Tracker) SelectAll() {
	t.kind = AllRemaining
	t.explicit = map[string]int64{}
}

// ClearSelection drops every selection.
func (t *Tracker) ClearSelection() {
	t.kind = Explicit
	t.explicit = map[string]int64{}
}

// ToggleFull deselects a fully selected item, otherwise selects its whole
// remaining quantity.
func (t *Tracker) ToggleFull(itemID string) error {
	item, err := t.selectable(itemID)
	if err != nil {
		return err
	}
	t.materialize()
	if t.explicit[itemID] == item.QuantityRemaining {
		delete(t.explicit, itemID)
		return nil
	}
	t.explicit[itemID] = item.QuantityRemaining
	return nil
}

// SetQuantity clamps qty to [0, remaining]; zero removes the entry.
func (t *Tracker) SetQuantity(itemID string, qty int64) error {
	item, err := t.selectable(itemID)
	if err != nil {
		return err
	}
	t.materialize()
	if qty > item.QuantityRemaining {
		qty = item.QuantityRemaining
	}
	if qty <= 0 {
		delete(t.explicit, itemID)
		return nil
	}
	t.explicit[itemID] = qty
	return nil
}

// Quantity returns the effective selected quantity for an item.
func (t *Tracker) Quantity(itemID string) int64 {
	if t.kind == AllRemaining {
		return t.index[itemID].QuantityRemaining
	}
	return t.explicit[itemID]
}

// IsFullySelected reports whether every remaining unit of the item is selected.
func (t *Tracker) IsFullySelected(itemID string) bool {
	item, ok := t.index[itemID]
	return ok && item.Selectable() && t.Quantity(itemID) == item.QuantityRemaining
}

// AllSelected reports whether the effective selection covers every unpaid unit.
func (t *Tracker) AllSelected() bool {
	selectable := t.snap.SelectableItems()
	if len(selectable) == 0 {
		return false
	}
	for _, it := range selectable {
		if t.Quantity(it.ID) != it.QuantityRemaining {
			return false
		}
	}
	return true
}

// IsEmpty reports whether nothing is selected.
func (t *Tracker) IsEmpty() bool {
	return len(t.Lines()) == 0
}

// Quantities returns the effective selection as an explicit map, holding only
// items with a positive quantity.
func (t *Tracker) Quantities() map[string]int64 {
	out := make(map[string]int64)
	for _, line := range t.Lines() {
		out[line.ItemID] = line.Quantity
	}
	return out
}

// Lines returns the effective selection in sale order with priced amounts.
func (t *Tracker) Lines() []Line {
	out := make([]Line, 0, len(t.snap.Items))
	for _, it := range t.snap.Items {
		qty := t.Quantity(it.ID)
		if qty <= 0 || !it.Selectable() {
			continue
		}
		out = append(out, Line{ItemID: it.ID, Quantity: qty, Amount: LineAmount(it, qty)})
	}
	return out
}

// Subtotal sums the priced amount of every selected line.
func (t *Tracker) Subtotal() pricing.Money {
	var total pricing.Money
	for _, line := range t.Lines() {
		total += line.Amount
	}
	return total
}

// PaidItems lists fully or partially paid lines for the read-only view.
func (t *Tracker) PaidItems() []snapshot.LineItem {
	return t.snap.PaidItems()
}

// LineAmount prices qty units of item. Extras were added once for the whole
// line, so they are charged in proportion to the original quantity:
// extrasTotal * qty / quantityTotal, rounded half-up.
func LineAmount(item snapshot.LineItem, qty int64) pricing.Money {
	base := item.UnitPrice * qty
	extras := item.ExtrasTotal()
	if extras == 0 || item.QuantityTotal <= 0 {
		return base
	}
	share := decimal.NewFromInt(extras).
		Mul(decimal.NewFromInt(qty)).
		Div(decimal.NewFromInt(item.QuantityTotal))
	return base + pricing.RoundHalfUp(share)
}

func (t *Tracker) selectable(itemID string) (snapshot.LineItem, error) {
	item, ok := t.index[itemID]
	if !ok {
		return snapshot.LineItem{}, common.InvalidSelection(fmt.Sprintf("item %s is not part of sale %s", itemID, t.snap.SaleID))
	}
	if !item.Selectable() {
		return snapshot.LineItem{}, common.InvalidSelection(fmt.Sprintf("item %s is already paid", itemID))
	}
	return item, nil
}

// materialize converts AllRemaining into explicit per-item quantities so that
// a partial edit does not silently revert to "all".
func (t *Tracker) materialize() {
	if t.kind != AllRemaining {
		return
	}
	explicit := make(map[string]int64, len(t.index))
	for _, it := range t.snap.Items {
		if it.Selectable() {
			explicit[it.ID] = it.QuantityRemaining
		}
	}
	t.explicit = explicit
	t.kind = Explicit
}
