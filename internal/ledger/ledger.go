package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrNotLoaded means no ledger line exists for the (vehicle, product).
	ErrNotLoaded = errors.New("product not loaded on vehicle")
	// ErrInsufficientStock means the sale asked for more than the line holds.
	ErrInsufficientStock = errors.New("insufficient stock on vehicle")
	// ErrInvalidQuantity rejects zero or negative mutation quantities.
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// ErrorMessage maps ledger errors to the text shown to the operator.
func ErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotLoaded):
		return "This product is not loaded on the selected vehicle."
	case errors.Is(err, ErrInsufficientStock):
		return "Not enough stock of this product on the vehicle."
	case errors.Is(err, ErrInvalidQuantity):
		return "Quantity must be greater than zero."
	}
	return "Stock update failed."
}

// MovementType tags a ledger mutation.
type MovementType string

const (
	MovementLoad       MovementType = "load"
	MovementSale       MovementType = "sale"
	MovementAdjustment MovementType = "adjustment"
)

// Movement is one immutable ledger mutation record. Movements are only ever
// appended; replaying their deltas reconstructs every line exactly.
type Movement struct {
	ID          string          `json:"id"`
	VehicleID   string          `json:"vehicleId"`
	ProductID   string          `json:"productId"`
	Type        MovementType    `json:"type"`
	Quantity    decimal.Decimal `json:"quantity"` // magnitude, always positive
	ReferenceID string          `json:"referenceId,omitempty"`
	Date        time.Time       `json:"date"`
}

// Delta is the signed effect of the movement on its line: loads and
// adjustments add, sales subtract.
func (m Movement) Delta() decimal.Decimal {
	if m.Type == MovementSale {
		return m.Quantity.Neg()
	}
	return m.Quantity
}

type lineKey struct {
	vehicleID string
	productID string
}

// Book is the authoritative per-vehicle, per-product quantity store. It is
// the single writer of vehicle stock: every mutation re-reads the live
// quantity under the lock, so a stale snapshot held by a sale pane can never
// push a line negative.
type Book struct {
	log *zap.Logger

	mu        sync.Mutex
	lines     map[lineKey]decimal.Decimal
	movements []Movement
	journal   *Journal
}

// NewBook creates an empty ledger.
func NewBook(log *zap.Logger) *Book {
	if log == nil {
		log = zap.NewNop()
	}
	return &Book{
		log:   log,
		lines: make(map[lineKey]decimal.Decimal),
	}
}

// AttachJournal mirrors every movement into a CSV audit journal.
func (b *Book) AttachJournal(j *Journal) {
	b.mu.Lock()
	b.journal = j
	b.mu.Unlock()
}

// Load increases a vehicle's stock of a product, creating the line on first
// load. No upper bound.
func (b *Book) Load(vehicleID, productID string, qty decimal.Decimal) (Movement, error) {
	if qty.Sign() <= 0 {
		return Movement{}, fmt.Errorf("%w: load %s of %s", ErrInvalidQuantity, qty, productID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := lineKey{vehicleID, productID}
	b.lines[key] = b.lines[key].Add(qty)
	return b.append(Movement{
		VehicleID: vehicleID,
		ProductID: productID,
		Type:      MovementLoad,
		Quantity:  qty,
	}), nil
}

// Sell decreases a vehicle's stock for one sale line. The quantity is
// validated against the live line immediately before the debit; referenceID
// names the originating invoice.
func (b *Book) Sell(vehicleID, productID string, qty decimal.Decimal, referenceID string) (Movement, error) {
	if qty.Sign() <= 0 {
		return Movement{}, fmt.Errorf("%w: sell %s of %s", ErrInvalidQuantity, qty, productID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := lineKey{vehicleID, productID}
	current, ok := b.lines[key]
	if !ok {
		return Movement{}, fmt.Errorf("%w: %s on vehicle %s", ErrNotLoaded, productID, vehicleID)
	}
	if qty.GreaterThan(current) {
		return Movement{}, fmt.Errorf("%w: want %s, have %s of %s on vehicle %s",
			ErrInsufficientStock, qty, current, productID, vehicleID)
	}

	b.lines[key] = current.Sub(qty)
	return b.append(Movement{
		VehicleID:   vehicleID,
		ProductID:   productID,
		Type:        MovementSale,
		Quantity:    qty,
		ReferenceID: referenceID,
	}), nil
}

// Adjust adds stock back outside the load path — the compensation hook for a
// sale commit that failed after earlier lines were already debited.
func (b *Book) Adjust(vehicleID, productID string, qty decimal.Decimal, referenceID string) (Movement, error) {
	if qty.Sign() <= 0 {
		return Movement{}, fmt.Errorf("%w: adjust %s of %s", ErrInvalidQuantity, qty, productID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := lineKey{vehicleID, productID}
	b.lines[key] = b.lines[key].Add(qty)
	return b.append(Movement{
		VehicleID:   vehicleID,
		ProductID:   productID,
		Type:        MovementAdjustment,
		Quantity:    qty,
		ReferenceID: referenceID,
	}), nil
}

// CanSell checks a prospective sale line against the live ledger without
// mutating anything. Used for the dry-run pass of a multi-line commit.
func (b *Book) CanSell(vehicleID, productID string, qty decimal.Decimal) error {
	if qty.Sign() <= 0 {
		return fmt.Errorf("%w: sell %s of %s", ErrInvalidQuantity, qty, productID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.lines[lineKey{vehicleID, productID}]
	if !ok {
		return fmt.Errorf("%w: %s on vehicle %s", ErrNotLoaded, productID, vehicleID)
	}
	if qty.GreaterThan(current) {
		return fmt.Errorf("%w: want %s, have %s of %s on vehicle %s",
			ErrInsufficientStock, qty, current, productID, vehicleID)
	}
	return nil
}

// CurrentQuantity returns the live quantity of a line, zero for an absent
// one. Never an error.
func (b *Book) CurrentQuantity(vehicleID, productID string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lines[lineKey{vehicleID, productID}]
}

// StockLine is a read-model row of a vehicle's current stock.
type StockLine struct {
	ProductID string          `json:"productId"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// VehicleStock returns every line aboard a vehicle, including lines sold
// down to exactly zero.
func (b *Book) VehicleStock(vehicleID string) []StockLine {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []StockLine
	for key, qty := range b.lines {
		if key.vehicleID == vehicleID {
			out = append(out, StockLine{ProductID: key.productID, Quantity: qty})
		}
	}
	return out
}

// Movements returns the audit trail for one vehicle, oldest first.
func (b *Book) Movements(vehicleID string) []Movement {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Movement
	for _, m := range b.movements {
		if m.VehicleID == vehicleID {
			out = append(out, m)
		}
	}
	return out
}

// AllMovements returns a copy of the full audit trail, oldest first.
func (b *Book) AllMovements() []Movement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Movement(nil), b.movements...)
}

// append finalizes and records a movement. Caller holds the lock.
func (b *Book) append(m Movement) Movement {
	m.ID = uuid.NewString()
	m.Date = time.Now()
	b.movements = append(b.movements, m)
	if b.journal != nil {
		b.journal.Record(m)
	}
	b.log.Debug("ledger movement",
		zap.String("vehicle", m.VehicleID),
		zap.String("product", m.ProductID),
		zap.String("type", string(m.Type)),
		zap.String("quantity", m.Quantity.String()))
	return m
}
