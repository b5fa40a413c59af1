package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/drfirst/go-rxfill/internal/domain/conflict"
	"github.com/drfirst/go-rxfill/internal/domain/contact"
	"github.com/drfirst/go-rxfill/internal/domain/inventory"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
	"go.uber.org/zap"
)

// IntakeRequest creates a new prescription in the reception queue
type IntakeRequest struct {
	UserID         int64
	MedicationID   int64
	Product        string
	Quantity       int
	Instructions   string
	Refills        int
	PrescriberID   *int64
	RxNumber       string
	RxStoreNum     string
	IdempotencyKey string
}

func (r *IntakeRequest) validate() error {
	switch {
	case r.UserID <= 0:
		return invalid("user_id", "patient is required")
	case r.MedicationID <= 0:
		return invalid("medication_id", "medication is required")
	case r.Quantity <= 0:
		return invalid("quantity", "must be greater than zero")
	case r.Refills < 0:
		return invalid("refills", "cannot be negative")
	}
	return nil
}

// Intake creates the prescription and its reception entry. Requests that
// repeat an idempotency key return the prescription created first.
func (e *Engine) Intake(ctx context.Context, s Session, req IntakeRequest) (*prescription.Prescription, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var id int64
	err := e.run(ctx, s, "intake", func(ctx context.Context, u *unit) error {
		if req.IdempotencyKey == "" {
			rx, err := e.intake(ctx, u, req, "")
			if err == nil {
				id = rx.ID
			}
			return err
		}

		payload, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode intake: %w", err)
		}
		res, err := e.inbox.Process(ctx, u.tx.Inbox(), req.IdempotencyKey, "intake", payload,
			func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
				rx, err := e.intake(ctx, u, req, "")
				if err != nil {
					return nil, err
				}
				return json.RawMessage(strconv.FormatInt(rx.ID, 10)), nil
			})
		if err != nil {
			return err
		}
		id, err = strconv.ParseInt(string(res.Result), 10, 64)
		if err != nil {
			return fmt.Errorf("decode stored intake result: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, id)
}

func (e *Engine) intake(ctx context.Context, u *unit, req IntakeRequest, notes string) (*prescription.Prescription, error) {
	repo := u.tx.Prescriptions()
	now := e.now()

	rx := &prescription.Prescription{
		UserID:            req.UserID,
		MedicationID:      req.MedicationID,
		QuantityDispensed: req.Quantity,
		Status:            prescription.StatusPending,
		RxNumber:          req.RxNumber,
		RxStoreNum:        req.RxStoreNum,
		StoreNumber:       e.cfg.StoreNumber,
		PrescriberID:      req.PrescriberID,
		Refills:           req.Refills,
		FillDate:          now,
		UpdatedAt:         now,
	}
	if rx.RxStoreNum == "" {
		rx.RxStoreNum = e.cfg.RxStoreNumber
	}
	if err := repo.Create(ctx, rx); err != nil {
		return nil, fmt.Errorf("create prescription: %w", err)
	}
	if rx.RxNumber == "" {
		rx.RxNumber = fmt.Sprintf("RX-%07d", rx.ID)
		if err := repo.UpdateDetails(ctx, rx); err != nil {
			return nil, fmt.Errorf("assign rx number: %w", err)
		}
	}

	entry := &prescription.IntakeEntry{
		PrescriptionID: rx.ID,
		UserID:         rx.UserID,
		MedicationID:   rx.MedicationID,
		Product:        req.Product,
		Quantity:       req.Quantity,
		Instructions:   req.Instructions,
		Refills:        req.Refills,
		Status:         prescription.StatusPending,
		CreatedAt:      now,
	}
	if err := repo.CreateIntake(ctx, entry); err != nil {
		return nil, fmt.Errorf("create reception entry: %w", err)
	}

	tr := prescription.Transition{To: prescription.StatusPending}
	if err := e.record(ctx, u, rx, tr, "intake", notes); err != nil {
		return nil, err
	}
	return rx, nil
}

// Refill starts a new fill from a patient-history prescription and uses up
// one of its refills
func (e *Engine) Refill(ctx context.Context, s Session, historyID int64) (*prescription.Prescription, error) {
	var id int64
	err := e.run(ctx, s, "refill", func(ctx context.Context, u *unit) error {
		repo := u.tx.Prescriptions()
		h, err := repo.GetHistory(ctx, historyID)
		if err != nil {
			return fmt.Errorf("load history %d: %w", historyID, err)
		}
		if s.PatientID != 0 && h.UserID != s.PatientID {
			return invalid("history_id", "history %d does not belong to patient %d", historyID, s.PatientID)
		}
		if h.RefillsRemaining <= 0 {
			return fmt.Errorf("history %d: %w", historyID, ErrNoRefillsRemaining)
		}

		remaining := h.RefillsRemaining - 1
		if err := repo.UpdateHistoryRefills(ctx, h.ID, remaining); err != nil {
			return fmt.Errorf("decrement refills: %w", err)
		}
		rx, err := e.intake(ctx, u, IntakeRequest{
			UserID:       h.UserID,
			MedicationID: h.MedicationID,
			Quantity:     h.QuantityDispensed,
			Instructions: h.Instructions,
			Refills:      remaining,
			RxStoreNum:   h.RxStoreNum,
		}, fmt.Sprintf("Refill of history #%d", h.ID))
		if err != nil {
			return err
		}
		id = rx.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, id)
}

// StartReception hands a pending prescription to data entry
func (e *Engine) StartReception(ctx context.Context, s Session, id int64) (*prescription.Prescription, error) {
	var out *prescription.Prescription
	err := e.run(ctx, s, "reception", func(ctx context.Context, u *unit) error {
		rx, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		if err := e.transition(ctx, u, rx, prescription.StatusInProgress, "reception", ""); err != nil {
			return err
		}
		if err := e.syncIntake(ctx, u, rx.ID, func(in *prescription.IntakeEntry) {
			in.Status = prescription.StatusInProgress
		}); err != nil {
			return err
		}
		out = rx
		return nil
	})
	return out, err
}

func (e *Engine) syncIntake(ctx context.Context, u *unit, id int64, mutate func(in *prescription.IntakeEntry)) error {
	repo := u.tx.Prescriptions()
	in, err := repo.IntakeFor(ctx, id)
	if errors.Is(err, prescription.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load reception entry: %w", err)
	}
	mutate(in)
	if err := repo.UpdateIntake(ctx, in); err != nil {
		return fmt.Errorf("update reception entry: %w", err)
	}
	return nil
}

// DataEntry is the operator input saved at the data entry station
type DataEntry struct {
	Quantity     int
	Instructions string
	Delivery     string
	PromiseDate  *time.Time
	// Confirmer is consulted when drug-drug interactions are found
	Confirmer conflict.Confirmer
}

// DataEntryResult reports where a saved prescription was routed
type DataEntryResult struct {
	Prescription *prescription.Prescription
	Interactions []*conflict.Interaction
	Conflict     bool
	Risk         conflict.Risk
}

// CompleteDataEntry saves the typed prescription and routes it to drug
// review when an active drug-gene conflict exists, otherwise straight to
// product dispensing
func (e *Engine) CompleteDataEntry(ctx context.Context, s Session, id int64, in DataEntry) (*DataEntryResult, error) {
	if in.Quantity <= 0 {
		return nil, invalid("quantity", "must be greater than zero")
	}
	if strings.TrimSpace(in.Instructions) == "" {
		return nil, invalid("instructions", "are required")
	}

	res := &DataEntryResult{}
	err := e.run(ctx, s, "data_entry", func(ctx context.Context, u *unit) error {
		rx, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		if err := rx.Require(prescription.StatusDataEntryComplete, prescription.StatusPending, prescription.StatusInProgress); err != nil {
			return err
		}

		var promise *time.Time
		if in.PromiseDate != nil {
			d := in.PromiseDate.UTC()
			t := time.Date(d.Year(), d.Month(), d.Day(), e.cfg.PromiseHour, 0, 0, 0, time.UTC)
			promise = &t
		}
		if err := e.syncIntake(ctx, u, rx.ID, func(entry *prescription.IntakeEntry) {
			entry.Quantity = in.Quantity
			entry.Instructions = in.Instructions
			entry.Delivery = in.Delivery
			entry.PromiseTime = promise
			entry.Status = prescription.StatusDataEntryComplete
		}); err != nil {
			return err
		}

		rx.QuantityDispensed = in.Quantity
		if err := u.tx.Prescriptions().UpdateDetails(ctx, rx); err != nil {
			return fmt.Errorf("update prescription: %w", err)
		}
		if err := e.transition(ctx, u, rx, prescription.StatusDataEntryComplete, "data_entry", ""); err != nil {
			return err
		}

		interactions, err := e.detector.GateInteractions(ctx, u.tx.Conflicts(), u.tx, in.Confirmer, rx.UserID, rx.MedicationID)
		res.Interactions = interactions
		if err != nil {
			return err
		}

		a, err := e.detector.Assess(ctx, u.tx.Conflicts(), rx.UserID, rx.MedicationID)
		if err != nil {
			return err
		}
		res.Conflict, res.Risk = a.Conflict, a.Risk

		if a.Conflict {
			review := &prescription.ReviewEntry{
				PrescriptionID: rx.ID,
				UserID:         rx.UserID,
				MedicationID:   rx.MedicationID,
				RiskLevel:      a.Risk,
				Status:         prescription.ReviewPending,
				CreatedAt:      e.now(),
			}
			if err := u.tx.Prescriptions().CreateReview(ctx, review); err != nil {
				return fmt.Errorf("queue drug review: %w", err)
			}
			note := fmt.Sprintf("Drug-gene conflict detected (%s risk)", a.Risk)
			if err := e.transition(ctx, u, rx, prescription.StatusDrugReviewPending, "data_entry", note); err != nil {
				return err
			}
		} else if err := e.transition(ctx, u, rx, prescription.StatusProductDispensingPending, "data_entry", ""); err != nil {
			return err
		}

		route := "dispensing"
		if a.Conflict {
			route = "drug_review"
		}
		found := len(interactions)
		u.onCommit(func() {
			metrics.ConflictRoutes.WithLabelValues(route).Inc()
			metrics.InteractionsDetected.Add(float64(found))
		})
		res.Prescription = rx
		return nil
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

// ApproveReview clears a drug review and sends the prescription to dispensing
func (e *Engine) ApproveReview(ctx context.Context, s Session, id int64, notes string) (*prescription.Prescription, error) {
	var out *prescription.Prescription
	err := e.run(ctx, s, "drug_review_approve", func(ctx context.Context, u *unit) error {
		rx, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		if err := rx.Require(prescription.StatusProductDispensingPending, prescription.StatusDrugReviewPending); err != nil {
			return err
		}
		if err := e.resolveReview(ctx, u, rx.ID, prescription.ReviewApproved, notes); err != nil {
			return err
		}
		if err := e.transition(ctx, u, rx, prescription.StatusProductDispensingPending, "drug_review_approve", notes); err != nil {
			return err
		}
		out = rx
		return nil
	})
	return out, err
}

// DefaultRejectNotes is recorded when a reviewer rejects without comment
const DefaultRejectNotes = "Prescription rejected - requires prescriber contact"

// RejectReview rejects a prescription at drug review. With contactPrescriber
// a clarification request is opened for the prescriber.
func (e *Engine) RejectReview(ctx context.Context, s Session, id int64, notes string, contactPrescriber bool) (*prescription.Prescription, error) {
	if strings.TrimSpace(notes) == "" {
		notes = DefaultRejectNotes
	}
	var out *prescription.Prescription
	err := e.run(ctx, s, "drug_review_reject", func(ctx context.Context, u *unit) error {
		rx, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		if err := rx.Require(prescription.StatusRejected, prescription.StatusDrugReviewPending); err != nil {
			return err
		}
		if err := e.resolveReview(ctx, u, rx.ID, prescription.ReviewRejected, notes); err != nil {
			return err
		}
		if err := e.transition(ctx, u, rx, prescription.StatusRejected, "drug_review_reject", notes); err != nil {
			return err
		}

		if contactPrescriber {
			rxID := rx.ID
			err := e.contacts.Create(ctx, u.tx.Contacts(), &contact.Request{
				UserID:         rx.UserID,
				PrescriptionID: &rxID,
				PrescriberID:   rx.PrescriberID,
				Type:           contact.TypeRxClarification,
				Notes:          notes,
			})
			if err != nil && !errors.Is(err, contact.ErrDuplicateRequest) {
				return err
			}
		}
		out = rx
		return nil
	})
	return out, err
}

func (e *Engine) resolveReview(ctx context.Context, u *unit, id int64, status prescription.ReviewStatus, notes string) error {
	repo := u.tx.Prescriptions()
	r, err := repo.PendingReview(ctx, id)
	if err != nil {
		return fmt.Errorf("load drug review: %w", err)
	}
	now := e.now()
	r.Status = status
	r.ReviewedBy = u.session.performedBy()
	r.ReviewedAt = &now
	r.Notes = notes
	if err := repo.ResolveReview(ctx, r); err != nil {
		return fmt.Errorf("resolve drug review: %w", err)
	}
	return nil
}

// SelectBottle allocates the prescription quantity from a bottle. The
// prescription goes to verification, or waits in bottle_selected when hold
// is set.
func (e *Engine) SelectBottle(ctx context.Context, s Session, id, bottleID int64, hold bool) (*inventory.Allocation, error) {
	var alloc *inventory.Allocation
	err := e.run(ctx, s, "select_bottle", func(ctx context.Context, u *unit) error {
		rx, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		target := prescription.StatusVerificationPending
		if hold {
			target = prescription.StatusBottleSelected
		}
		if err := rx.Require(target, prescription.StatusProductDispensingPending); err != nil {
			return err
		}

		alloc, err = e.ledger.Allocate(ctx, u.tx.Inventory(), inventory.AllocationRequest{
			BottleID:       bottleID,
			PrescriptionID: rx.ID,
			UserID:         rx.UserID,
			MedicationID:   rx.MedicationID,
			Quantity:       rx.QuantityDispensed,
		})
		if err != nil {
			return err
		}

		note := fmt.Sprintf("Bottle #%d selected for dispensing", bottleID)
		if err := e.transition(ctx, u, rx, target, "select_bottle", note); err != nil {
			return err
		}
		qty := alloc.QuantityUsed
		u.onCommit(func() { metrics.UnitsAllocated.Add(float64(qty)) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

// SubmitForVerification moves a held bottle selection to verification
func (e *Engine) SubmitForVerification(ctx context.Context, s Session, id int64) (*prescription.Prescription, error) {
	var out *prescription.Prescription
	err := e.run(ctx, s, "submit_verification", func(ctx context.Context, u *unit) error {
		rx, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		if err := rx.Require(prescription.StatusVerificationPending, prescription.StatusBottleSelected); err != nil {
			return err
		}
		if err := e.transition(ctx, u, rx, prescription.StatusVerificationPending, "submit_verification", ""); err != nil {
			return err
		}
		out = rx
		return nil
	})
	return out, err
}

// ReturnToDispensing sends a prescription back to product dispensing and
// returns its allocated stock so another bottle can be chosen
func (e *Engine) ReturnToDispensing(ctx context.Context, s Session, id int64, notes string) (*prescription.Prescription, error) {
	var out *prescription.Prescription
	err := e.run(ctx, s, "return_to_dispensing", func(ctx context.Context, u *unit) error {
		rx, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		if err := rx.Require(prescription.StatusProductDispensingPending,
			prescription.StatusVerificationPending, prescription.StatusBottleSelected); err != nil {
			return err
		}
		restored, err := e.ledger.Restore(ctx, u.tx.Inventory(), rx.ID)
		if err != nil {
			return err
		}
		if notes == "" {
			notes = "Returned to product dispensing"
		}
		if err := e.transition(ctx, u, rx, prescription.StatusProductDispensingPending, "return_to_dispensing", notes); err != nil {
			return err
		}
		u.onCommit(func() { metrics.UnitsRestored.Add(float64(restored)) })
		out = rx
		return nil
	})
	return out, err
}

// Checklist is the pharmacist's final verification checklist
type Checklist struct {
	Patient      bool `json:"patient"`
	Medication   bool `json:"medication"`
	Quantity     bool `json:"quantity"`
	Interactions bool `json:"interactions"`
	Sig          bool `json:"sig"`
}

// Missing lists the unchecked items
func (c Checklist) Missing() []string {
	var out []string
	for _, item := range []struct {
		name string
		ok   bool
	}{
		{"patient", c.Patient},
		{"medication", c.Medication},
		{"quantity", c.Quantity},
		{"interactions", c.Interactions},
		{"sig", c.Sig},
	} {
		if !item.ok {
			out = append(out, item.name)
		}
	}
	return out
}

// Verification is the input of the final pharmacist check
type Verification struct {
	RxNumber  string
	NDC       string
	Checklist Checklist
}

// Verify checks the filled prescription against the scanned Rx number and
// bottle NDC and releases it to the pickup shelf
func (e *Engine) Verify(ctx context.Context, s Session, id int64, v Verification) (*prescription.PickupEntry, error) {
	if missing := v.Checklist.Missing(); len(missing) > 0 {
		return nil, invalid("checklist", "unchecked items: %s", strings.Join(missing, ", "))
	}
	if strings.TrimSpace(v.RxNumber) == "" {
		return nil, invalid("rx_number", "is required")
	}
	if strings.TrimSpace(v.NDC) == "" {
		return nil, invalid("ndc", "is required")
	}

	var pickup *prescription.PickupEntry
	err := e.run(ctx, s, "verify", func(ctx context.Context, u *unit) error {
		rx, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		if err := rx.Require(prescription.StatusReleasedToPickup, prescription.StatusVerificationPending); err != nil {
			return err
		}
		if !strings.EqualFold(strings.TrimSpace(v.RxNumber), rx.RxNumber) {
			return invalid("rx_number", "does not match prescription")
		}
		if err := e.matchNDC(ctx, u, rx.ID, v.NDC); err != nil {
			return err
		}

		pickup = &prescription.PickupEntry{
			PrescriptionID: rx.ID,
			UserID:         rx.UserID,
			MedicationID:   rx.MedicationID,
			RxStoreNum:     rx.RxStoreNum,
			Quantity:       rx.QuantityDispensed,
			PaymentStatus:  "Pending",
			Status:         "ready",
			ReadyAt:        e.now(),
		}
		if err := u.tx.Prescriptions().CreatePickup(ctx, pickup); err != nil {
			return fmt.Errorf("queue for pickup: %w", err)
		}
		return e.transition(ctx, u, rx, prescription.StatusReleasedToPickup, "verify", "Verified and released to pickup")
	})
	if err != nil {
		return nil, err
	}
	return pickup, nil
}

func (e *Engine) matchNDC(ctx context.Context, u *unit, id int64, ndc string) error {
	inv := u.tx.Inventory()
	allocs, err := inv.Allocations(ctx, id)
	if err != nil {
		return fmt.Errorf("list allocations: %w", err)
	}
	if len(allocs) == 0 {
		return invalid("ndc", "no bottle allocated to prescription %d", id)
	}
	want := normalizeNDC(ndc)
	for _, a := range allocs {
		b, err := inv.GetBottle(ctx, a.BottleID)
		if err != nil {
			return fmt.Errorf("load bottle %d: %w", a.BottleID, err)
		}
		if normalizeNDC(b.NDC) == want {
			return nil
		}
	}
	return invalid("ndc", "does not match the allocated bottle")
}

func normalizeNDC(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
}

// Release hands a verified prescription to the patient
func (e *Engine) Release(ctx context.Context, s Session, id int64) (*prescription.FinishedTransaction, error) {
	var fin *prescription.FinishedTransaction
	err := e.run(ctx, s, "release", func(ctx context.Context, u *unit) error {
		rx, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		if err := rx.Require(prescription.StatusCompleted, prescription.StatusReleasedToPickup); err != nil {
			return err
		}
		repo := u.tx.Prescriptions()
		p, err := repo.PickupFor(ctx, rx.ID)
		if err != nil {
			return fmt.Errorf("load pickup entry: %w", err)
		}

		fin = &prescription.FinishedTransaction{
			PrescriptionID: rx.ID,
			UserID:         p.UserID,
			MedicationID:   p.MedicationID,
			RxStoreNum:     p.RxStoreNum,
			Quantity:       p.Quantity,
			ReleasedAt:     e.now(),
			Status:         "released",
		}
		if err := repo.CreateFinished(ctx, fin); err != nil {
			return fmt.Errorf("record release: %w", err)
		}
		if _, err := repo.Remove(ctx, prescription.QueuePickup, rx.ID); err != nil {
			return fmt.Errorf("remove from pickup: %w", err)
		}
		return e.transition(ctx, u, rx, prescription.StatusCompleted, "release", "Released to patient")
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("prescription released", zap.Int64("prescription_id", id))
	return fin, nil
}
