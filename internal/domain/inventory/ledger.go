// Package inventory tracks bottle stock and its allocation to prescriptions.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// BottleStatus is the physical state of a bottle
type BottleStatus string

const (
	BottleInStock   BottleStatus = "in_stock"
	BottleOpened    BottleStatus = "opened"
	BottleDispensed BottleStatus = "dispensed"
)

// Available reports whether stock may be drawn from the bottle
func (s BottleStatus) Available() bool {
	return s == BottleInStock || s == BottleOpened
}

// Kind distinguishes stock bottles from amber vials
type Kind string

const (
	KindStock Kind = "stock"
	KindAmber Kind = "amber"
)

var (
	ErrBottleNotFound     = errors.New("bottle not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrBottleUnavailable  = errors.New("bottle not available")
	ErrBottleExpired      = errors.New("bottle expired")
	ErrMedicationMismatch = errors.New("bottle holds a different medication")
	ErrInvalidQuantity    = errors.New("quantity must be positive")
)

// Bottle is a stock bottle or amber vial of one medication
type Bottle struct {
	ID             int64
	MedicationID   int64
	NDC            string
	Kind           Kind
	Lot            string
	Quantity       int
	ExpirationDate time.Time
	Status         BottleStatus
}

// Expired reports whether the bottle expired before the day of asOf
func (b *Bottle) Expired(asOf time.Time) bool {
	return DaysUntil(b.ExpirationDate, asOf) < 0
}

// Allocation binds bottle stock to a prescription (inusebottles)
type Allocation struct {
	ID             int64
	BottleID       int64
	PrescriptionID int64
	UserID         int64
	MedicationID   int64
	QuantityUsed   int
	StartDate      time.Time
}

// Repository persists bottles and allocations inside one transaction
type Repository interface {
	// GetBottle loads and locks a bottle
	GetBottle(ctx context.Context, id int64) (*Bottle, error)
	CreateBottle(ctx context.Context, b *Bottle) error
	UpdateBottle(ctx context.Context, id int64, quantity int, status BottleStatus) error
	CreateAllocation(ctx context.Context, a *Allocation) error
	Allocations(ctx context.Context, prescriptionID int64) ([]*Allocation, error)
	DeleteAllocations(ctx context.Context, prescriptionID int64) (int64, error)
	// AvailableBottles lists usable bottles with at least minQuantity units,
	// soonest expiration first
	AvailableBottles(ctx context.Context, medicationID int64, minQuantity int, asOf time.Time) ([]*Bottle, error)
	ExpiringBefore(ctx context.Context, cutoff time.Time) ([]*Bottle, error)
	DeleteExpired(ctx context.Context, asOf time.Time) (int64, error)
}

// AllocationRequest asks for stock from one bottle
type AllocationRequest struct {
	BottleID       int64
	PrescriptionID int64
	UserID         int64
	MedicationID   int64
	Quantity       int
}

// Ledger allocates and restores stock
type Ledger struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewLedger creates a ledger
func NewLedger(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Allocate draws req.Quantity units from the bottle for a prescription.
// Nothing is written when any precondition fails.
func (l *Ledger) Allocate(ctx context.Context, repo Repository, req AllocationRequest) (*Allocation, error) {
	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	b, err := repo.GetBottle(ctx, req.BottleID)
	if err != nil {
		return nil, fmt.Errorf("load bottle %d: %w", req.BottleID, err)
	}
	if req.MedicationID != 0 && b.MedicationID != req.MedicationID {
		return nil, fmt.Errorf("bottle %d: %w", b.ID, ErrMedicationMismatch)
	}
	if !b.Status.Available() {
		return nil, fmt.Errorf("bottle %d is %s: %w", b.ID, b.Status, ErrBottleUnavailable)
	}
	now := l.now()
	if b.Expired(now) {
		return nil, fmt.Errorf("bottle %d: %w", b.ID, ErrBottleExpired)
	}
	if b.Quantity < req.Quantity {
		return nil, fmt.Errorf("bottle %d has %d, need %d: %w", b.ID, b.Quantity, req.Quantity, ErrInsufficientStock)
	}

	a := &Allocation{
		BottleID:       b.ID,
		PrescriptionID: req.PrescriptionID,
		UserID:         req.UserID,
		MedicationID:   b.MedicationID,
		QuantityUsed:   req.Quantity,
		StartDate:      now,
	}
	if err := repo.CreateAllocation(ctx, a); err != nil {
		return nil, fmt.Errorf("record allocation: %w", err)
	}

	remaining := b.Quantity - req.Quantity
	status := BottleOpened
	if remaining == 0 {
		status = BottleDispensed
	}
	if err := repo.UpdateBottle(ctx, b.ID, remaining, status); err != nil {
		return nil, fmt.Errorf("decrement bottle %d: %w", b.ID, err)
	}

	l.logger.Info("bottle allocated",
		zap.Int64("bottle_id", b.ID),
		zap.Int64("prescription_id", req.PrescriptionID),
		zap.Int("quantity", req.Quantity),
		zap.Int("remaining", remaining))
	return a, nil
}

// Restore returns every allocation of the prescription to its bottle and
// deletes the allocations. It returns the total quantity restored.
func (l *Ledger) Restore(ctx context.Context, repo Repository, prescriptionID int64) (int, error) {
	allocs, err := repo.Allocations(ctx, prescriptionID)
	if err != nil {
		return 0, fmt.Errorf("list allocations: %w", err)
	}

	total := 0
	for _, a := range allocs {
		b, err := repo.GetBottle(ctx, a.BottleID)
		if err != nil {
			return 0, fmt.Errorf("load bottle %d: %w", a.BottleID, err)
		}
		status := b.Status
		if status == BottleDispensed {
			status = BottleOpened
		}
		if err := repo.UpdateBottle(ctx, b.ID, b.Quantity+a.QuantityUsed, status); err != nil {
			return 0, fmt.Errorf("restore bottle %d: %w", b.ID, err)
		}
		total += a.QuantityUsed
	}

	if len(allocs) > 0 {
		if _, err := repo.DeleteAllocations(ctx, prescriptionID); err != nil {
			return 0, fmt.Errorf("delete allocations: %w", err)
		}
		l.logger.Info("allocations restored",
			zap.Int64("prescription_id", prescriptionID),
			zap.Int("allocations", len(allocs)),
			zap.Int("quantity", total))
	}
	return total, nil
}

// Available lists bottles that can fill quantity units of a medication
func (l *Ledger) Available(ctx context.Context, repo Repository, medicationID int64, quantity int) ([]*Bottle, error) {
	if quantity <= 0 {
		quantity = 1
	}
	bottles, err := repo.AvailableBottles(ctx, medicationID, quantity, l.now())
	if err != nil {
		return nil, fmt.Errorf("available bottles: %w", err)
	}
	return bottles, nil
}
