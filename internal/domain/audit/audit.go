// Package audit records prescription status transitions.
package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultPerformedBy is recorded when the caller does not name an operator
const DefaultPerformedBy = "pharmacist"

// Entry is one recorded status transition. Entries are append-only.
type Entry struct {
	ID             int64
	PrescriptionID int64
	FromStatus     string
	ToStatus       string
	Action         string
	PerformedBy    string
	Notes          string
	CreatedAt      time.Time
}

// Repository persists audit entries
type Repository interface {
	Insert(ctx context.Context, e *Entry) error
	ListByPrescription(ctx context.Context, prescriptionID int64) ([]*Entry, error)
}

// Savepointer runs fn under a savepoint of the enclosing transaction and
// rolls back to it when fn fails
type Savepointer interface {
	Savepoint(ctx context.Context, fn func(ctx context.Context) error) error
}

// Mode selects how insert failures affect the surrounding transaction
type Mode int

const (
	// BestEffort logs insert failures and lets the status change commit
	BestEffort Mode = iota
	// Strict fails the surrounding transaction when the entry cannot be written
	Strict
)

func (m Mode) String() string {
	if m == Strict {
		return "strict"
	}
	return "best_effort"
}

// Log writes and reads audit entries
type Log struct {
	mode   Mode
	logger *zap.Logger
	now    func() time.Time
}

// NewLog creates an audit log
func NewLog(mode Mode, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		mode:   mode,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Mode returns the configured failure mode
func (l *Log) Mode() Mode { return l.mode }

// LogTransition appends one entry inside the caller's transaction
func (l *Log) LogTransition(ctx context.Context, repo Repository, sp Savepointer, e *Entry) error {
	if e.PerformedBy == "" {
		e.PerformedBy = DefaultPerformedBy
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}

	err := sp.Savepoint(ctx, func(ctx context.Context) error {
		return repo.Insert(ctx, e)
	})
	if err == nil {
		return nil
	}

	if l.mode == Strict {
		return fmt.Errorf("write audit entry: %w", err)
	}
	l.logger.Warn("audit entry not recorded",
		zap.Int64("prescription_id", e.PrescriptionID),
		zap.String("from_status", e.FromStatus),
		zap.String("to_status", e.ToStatus),
		zap.String("action", e.Action),
		zap.Error(err))
	return nil
}

// List returns a prescription's entries oldest first
func (l *Log) List(ctx context.Context, repo Repository, prescriptionID int64) ([]*Entry, error) {
	entries, err := repo.ListByPrescription(ctx, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}
