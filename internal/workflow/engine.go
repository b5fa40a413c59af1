// Package workflow drives prescriptions through the fulfillment queues:
// reception, data entry, drug review, dispensing, verification and release.
// Every operation runs in a single transaction.
package workflow

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/audit"
	"github.com/drfirst/go-rxfill/internal/domain/conflict"
	"github.com/drfirst/go-rxfill/internal/domain/contact"
	"github.com/drfirst/go-rxfill/internal/domain/genomics"
	"github.com/drfirst/go-rxfill/internal/domain/inventory"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
	"github.com/drfirst/go-rxfill/internal/outbox"
	"github.com/drfirst/go-rxfill/internal/store"
	"github.com/drfirst/go-rxfill/pkg/idempotency"
)

// Config holds engine configuration
type Config struct {
	// StoreNumber is recorded on new prescriptions
	StoreNumber string
	// RxStoreNumber is the default pharmacy Rx store number
	RxStoreNumber string
	// PageSize is the default queue page size
	PageSize int
	// EventTopic receives one event per transition through the outbox
	EventTopic string
	// PromiseHour is the hour of day used for promise times
	PromiseHour int
}

// DefaultConfig returns the defaults of a single-store deployment
func DefaultConfig() Config {
	return Config{
		StoreNumber:   "1618",
		RxStoreNumber: "03102-000",
		PageSize:      prescription.DefaultPageSize,
		EventTopic:    outbox.TopicAuditTrail,
		PromiseHour:   14,
	}
}

// Session identifies who is acting and, optionally, the patient the
// operator has open. A non-zero PatientID is checked against every
// prescription the operation touches.
type Session struct {
	PerformedBy string
	PatientID   int64
}

func (s Session) performedBy() string {
	if s.PerformedBy == "" {
		return audit.DefaultPerformedBy
	}
	return s.PerformedBy
}

// SideEffect is a queue-table mutation applied in the transaction of a
// transition, after the status has been written
type SideEffect func(ctx context.Context, tx store.Tx, rx *prescription.Prescription) error

// Engine is the prescription workflow engine
type Engine struct {
	store    store.Store
	cfg      Config
	audit    *audit.Log
	ledger   *inventory.Ledger
	detector *conflict.Detector
	contacts *contact.Service
	expiry   *inventory.ExpirationQueue
	importer *genomics.Importer
	inbox    *idempotency.Inbox
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewEngine creates an engine. A nil audit log records best-effort.
func NewEngine(st store.Store, cfg Config, auditLog *audit.Log, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLog == nil {
		auditLog = audit.NewLog(audit.BestEffort, logger)
	}
	def := DefaultConfig()
	if cfg.StoreNumber == "" {
		cfg.StoreNumber = def.StoreNumber
	}
	if cfg.RxStoreNumber == "" {
		cfg.RxStoreNumber = def.RxStoreNumber
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = def.EventTopic
	}
	if cfg.PromiseHour <= 0 || cfg.PromiseHour > 23 {
		cfg.PromiseHour = def.PromiseHour
	}
	return &Engine{
		store:    st,
		cfg:      cfg,
		audit:    auditLog,
		ledger:   inventory.NewLedger(logger),
		detector: conflict.NewDetector(logger),
		contacts: contact.NewService(logger),
		expiry:   inventory.NewExpirationQueue(),
		importer: genomics.NewImporter(logger),
		inbox:    idempotency.New(idempotency.DefaultConfig(), logger),
		logger:   logger,
		tracer:   otel.Tracer("workflow"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Inbox returns the intake idempotency inbox
func (e *Engine) Inbox() *idempotency.Inbox { return e.inbox }

// unit is the state of one operation's transaction
type unit struct {
	tx      store.Tx
	session Session
	after   []func()
}

func (u *unit) onCommit(fn func()) { u.after = append(u.after, fn) }

func (e *Engine) run(ctx context.Context, s Session, action string, fn func(ctx context.Context, u *unit) error) error {
	ctx, span := e.tracer.Start(ctx, "workflow."+action,
		trace.WithAttributes(attribute.String("performed_by", s.performedBy())))
	defer span.End()

	start := time.Now()
	var u *unit
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		u = &unit{tx: tx, session: s}
		return fn(ctx, u)
	})
	metrics.ObserveAction(action, start, err)
	if err != nil {
		span.RecordError(err)
		e.logger.Warn("workflow action rolled back",
			zap.String("action", action),
			zap.String("performed_by", s.performedBy()),
			zap.Error(err))
		return err
	}
	for _, f := range u.after {
		f()
	}
	return nil
}

// load fetches and locks a prescription, enforcing the session patient
func (e *Engine) load(ctx context.Context, u *unit, id int64) (*prescription.Prescription, error) {
	rx, err := u.tx.Prescriptions().Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load prescription %d: %w", id, err)
	}
	if u.session.PatientID != 0 && rx.UserID != u.session.PatientID {
		return nil, invalid("prescription_id", "prescription %d does not belong to patient %d", id, u.session.PatientID)
	}
	return rx, nil
}

// transition moves rx to status to, persists it and records the change
func (e *Engine) transition(ctx context.Context, u *unit, rx *prescription.Prescription, to prescription.Status, action, notes string) error {
	tr, err := rx.Advance(to)
	if err != nil {
		return err
	}
	if err := u.tx.Prescriptions().UpdateStatus(ctx, rx.ID, to); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return e.record(ctx, u, rx, tr, action, notes)
}

// record appends the audit entry and the outbox event for a transition
func (e *Engine) record(ctx context.Context, u *unit, rx *prescription.Prescription, tr prescription.Transition, action, notes string) error {
	by := u.session.performedBy()
	entry := &audit.Entry{
		PrescriptionID: rx.ID,
		FromStatus:     string(tr.From),
		ToStatus:       string(tr.To),
		Action:         action,
		PerformedBy:    by,
		Notes:          notes,
		CreatedAt:      e.now(),
	}
	if err := e.audit.LogTransition(ctx, u.tx.Audit(), u.tx, entry); err != nil {
		return err
	}

	ev := prescription.NewEvent(rx, tr, action, by, notes)
	payload, err := ev.Payload()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := outbox.Write(ctx, u.tx.Outbox(), e.cfg.EventTopic, ev.Key(),
		prescription.AggregateType, ev.Key(), string(ev.EventType), payload); err != nil {
		return err
	}

	u.onCommit(func() {
		metrics.RecordTransition(string(tr.From), string(tr.To), action)
		e.logger.Info("prescription status changed",
			zap.Int64("prescription_id", rx.ID),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)),
			zap.String("action", action),
			zap.String("performed_by", by))
	})
	return nil
}

// AdvanceRequest names the audit action and notes of a generic transition
type AdvanceRequest struct {
	Action string
	Notes  string
}

// Advance moves a prescription to status to and applies the caller's queue
// mutations in the same transaction
func (e *Engine) Advance(ctx context.Context, s Session, id int64, to prescription.Status, req AdvanceRequest, effects ...SideEffect) (*prescription.Prescription, error) {
	if !to.Valid() {
		return nil, invalid("status", "%q is not a prescription status", to)
	}
	if to == prescription.StatusCancelledNotDispensed {
		return nil, invalid("status", "cancellation moves the record to history; use Cancel")
	}
	action := req.Action
	if action == "" {
		action = "advance"
	}

	var out *prescription.Prescription
	err := e.run(ctx, s, action, func(ctx context.Context, u *unit) error {
		rx, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		if err := e.transition(ctx, u, rx, to, action, req.Notes); err != nil {
			return err
		}
		for _, fx := range effects {
			if err := fx(ctx, u.tx, rx); err != nil {
				return fmt.Errorf("%s side effect: %w", action, err)
			}
		}
		out = rx
		return nil
	})
	return out, err
}

// CancelResult describes a committed cancellation
type CancelResult struct {
	HistoryID int64
	Restored  int
}

// Cancel moves an unfinished prescription to patient history as
// cancelled_not_dispensed, returns allocated stock to its bottles and
// removes the prescription from every active queue
func (e *Engine) Cancel(ctx context.Context, s Session, id int64, notes string) (*CancelResult, error) {
	res := &CancelResult{}
	err := e.run(ctx, s, "cancel", func(ctx context.Context, u *unit) error {
		rx, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		tr, err := rx.Advance(prescription.StatusCancelledNotDispensed)
		if err != nil {
			return err
		}

		repo := u.tx.Prescriptions()
		var instructions string
		if in, err := repo.IntakeFor(ctx, rx.ID); err == nil {
			instructions = in.Instructions
		}

		h := &prescription.HistoryRecord{
			SourcePrescriptionID: rx.ID,
			UserID:               rx.UserID,
			MedicationID:         rx.MedicationID,
			QuantityDispensed:    rx.QuantityDispensed,
			RefillsRemaining:     rx.Refills,
			Instructions:         instructions,
			Status:               prescription.StatusCancelledNotDispensed,
			RxStoreNum:           rx.RxStoreNum,
			FillDate:             rx.FillDate,
			LastFillDate:         e.now(),
		}
		if err := repo.CreateHistory(ctx, h); err != nil {
			return fmt.Errorf("write history: %w", err)
		}

		restored, err := e.ledger.Restore(ctx, u.tx.Inventory(), rx.ID)
		if err != nil {
			return err
		}

		for _, q := range prescription.ActiveQueues() {
			if _, err := repo.Remove(ctx, q, rx.ID); err != nil {
				return fmt.Errorf("remove from %s: %w", q, err)
			}
		}

		if notes == "" {
			notes = "Prescription cancelled - not dispensed"
		}
		if err := e.record(ctx, u, rx, tr, "cancel", notes); err != nil {
			return err
		}

		res.HistoryID = h.ID
		res.Restored = restored
		u.onCommit(func() { metrics.UnitsRestored.Add(float64(restored)) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Get returns a prescription
func (e *Engine) Get(ctx context.Context, id int64) (*prescription.Prescription, error) {
	var rx *prescription.Prescription
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rx, err = tx.Prescriptions().Get(ctx, id)
		return err
	})
	return rx, err
}

// Queue lists one work queue
func (e *Engine) Queue(ctx context.Context, v prescription.View, page prescription.Page) ([]*prescription.QueueItem, int, error) {
	page = page.Normalize(e.cfg.PageSize)
	var (
		items []*prescription.QueueItem
		total int
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		items, total, err = tx.Prescriptions().List(ctx, v, page)
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list %s queue: %w", v, err)
	}
	return items, total, nil
}

// AuditTrail returns the recorded transitions of a prescription, oldest first
func (e *Engine) AuditTrail(ctx context.Context, id int64) ([]*audit.Entry, error) {
	var entries []*audit.Entry
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		entries, err = e.audit.List(ctx, tx.Audit(), id)
		return err
	})
	return entries, err
}
