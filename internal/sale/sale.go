// Package sale orchestrates the moment a weighing becomes business state:
// capturing the live scale sample into a vehicle's drift counters, and
// committing multi-line sales against the vehicle ledger and the external
// invoice collaborator.
package sale

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mandisoft/mandiscale/internal/invoicing"
	"github.com/mandisoft/mandiscale/internal/ledger"
	"github.com/mandisoft/mandiscale/internal/scale"
)

// ErrNoSample means capture was requested while the scale holds no reading.
var ErrNoSample = errors.New("no weight sample available")

// Orchestrator wires the scale session, the vehicle ledger, the drift book
// and the invoice collaborator together.
type Orchestrator struct {
	log      *zap.Logger
	session  *scale.Session
	book     *ledger.Book
	drift    *ledger.DriftBook
	invoices invoicing.Creator
}

func NewOrchestrator(log *zap.Logger, session *scale.Session, book *ledger.Book, drift *ledger.DriftBook, invoices invoicing.Creator) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{log: log, session: session, book: book, drift: drift, invoices: invoices}
}

// CaptureResult reports one capture: the sample committed to the sale line
// and the drift it added to the vehicle's counters.
type CaptureResult struct {
	Sample scale.Sample `json:"sample"`
	Gain   float64      `json:"gain"`
	Loss   float64      `json:"loss"`
}

// CaptureWeight commits the sample current at this instant to a vehicle:
// the drift book absorbs the rounding difference, and the rounded value is
// returned for use as the sale-line quantity. Raw ticks between captures
// never touch the counters.
func (o *Orchestrator) CaptureWeight(vehicleID string) (CaptureResult, error) {
	smp, ok := o.session.Sample()
	if !ok {
		return CaptureResult{}, ErrNoSample
	}
	gain, loss := o.drift.Capture(vehicleID, smp.Raw, smp.Rounded)
	o.log.Info("weight captured",
		zap.String("vehicle", vehicleID),
		zap.Float64("raw", smp.Raw),
		zap.Float64("rounded", smp.Rounded))
	return CaptureResult{Sample: smp, Gain: gain, Loss: loss}, nil
}

// Line is one product line of a sale request.
type Line struct {
	ProductID string          `json:"productId"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Request is a multi-line sale for one customer off one vehicle.
type Request struct {
	CustomerID string `json:"customerId"`
	VehicleID  string `json:"vehicleId"`
	Lines      []Line `json:"lines"`
}

// Result is a successful commit.
type Result struct {
	InvoiceID string            `json:"invoiceId"`
	Movements []ledger.Movement `json:"movements"`
}

// LineError identifies which request line a ledger rejection belongs to.
type LineError struct {
	Index     int
	ProductID string
	Err       error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d (%s): %v", e.Index, e.ProductID, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// CompensatedError reports a debit failure after the invoice was already
// created. The ledger has been restored by adjustment movements; voiding
// the invoice is the caller's compensating action.
type CompensatedError struct {
	InvoiceID string
	Line      *LineError
}

func (e *CompensatedError) Error() string {
	return fmt.Sprintf("sale aborted after invoice %s was created: %v; ledger debits reversed, invoice must be voided by the caller", e.InvoiceID, e.Line)
}

func (e *CompensatedError) Unwrap() error { return e.Line }

// CommitSale validates every line against the live ledger, creates the
// invoice through the collaborator, then applies the debits. Each debit
// re-validates against the then-current quantity, so a concurrent sale pane
// working from a stale stock snapshot fails here rather than overselling.
// A debit failure after earlier lines were applied reverses the applied
// debits and returns a CompensatedError.
func (o *Orchestrator) CommitSale(ctx context.Context, req Request) (Result, error) {
	if len(req.Lines) == 0 {
		return Result{}, errors.New("sale has no lines")
	}

	// Dry run: reject the whole sale before any external effect.
	for i, line := range req.Lines {
		if err := o.book.CanSell(req.VehicleID, line.ProductID, line.Quantity); err != nil {
			return Result{}, &LineError{Index: i, ProductID: line.ProductID, Err: err}
		}
	}

	inv := invoicing.Invoice{
		CustomerID: req.CustomerID,
		VehicleID:  req.VehicleID,
		Date:       time.Now(),
	}
	for _, line := range req.Lines {
		inv.Lines = append(inv.Lines, invoicing.Line{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	invoiceID, err := o.invoices.Create(ctx, inv)
	if err != nil {
		return Result{}, fmt.Errorf("invoice creation failed, no stock debited: %w", err)
	}

	applied := make([]ledger.Movement, 0, len(req.Lines))
	for i, line := range req.Lines {
		m, err := o.book.Sell(req.VehicleID, line.ProductID, line.Quantity, invoiceID)
		if err != nil {
			lineErr := &LineError{Index: i, ProductID: line.ProductID, Err: err}
			o.compensate(applied, invoiceID)
			o.log.Warn("sale commit aborted, debits reversed",
				zap.String("invoice", invoiceID),
				zap.String("vehicle", req.VehicleID),
				zap.Error(lineErr))
			return Result{}, &CompensatedError{InvoiceID: invoiceID, Line: lineErr}
		}
		applied = append(applied, m)
	}

	o.log.Info("sale committed",
		zap.String("invoice", invoiceID),
		zap.String("vehicle", req.VehicleID),
		zap.Int("lines", len(applied)))
	return Result{InvoiceID: invoiceID, Movements: applied}, nil
}

// compensate reverses already-applied debits with adjustment movements
// carrying the same invoice reference.
func (o *Orchestrator) compensate(applied []ledger.Movement, invoiceID string) {
	for _, m := range applied {
		if _, err := o.book.Adjust(m.VehicleID, m.ProductID, m.Quantity, invoiceID); err != nil {
			// Adjust only fails on non-positive quantities, which a sale
			// movement cannot carry; log, never mask the original failure.
			o.log.Error("compensation failed", zap.String("movement", m.ID), zap.Error(err))
		}
	}
}
