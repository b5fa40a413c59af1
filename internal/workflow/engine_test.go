package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxfill/internal/domain/audit"
	"github.com/drfirst/go-rxfill/internal/domain/conflict"
	"github.com/drfirst/go-rxfill/internal/domain/contact"
	"github.com/drfirst/go-rxfill/internal/domain/inventory"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/store/memstore"
)

const (
	patientID = int64(7)
	medID     = int64(42)
	otherMed  = int64(43)
)

var tech = Session{PerformedBy: "tech.smith"}

type fixture struct {
	st     *memstore.Store
	engine *Engine
	bottle int64
}

func newFixture(t *testing.T, mode audit.Mode) *fixture {
	t.Helper()
	st := memstore.New()
	st.AddPatient(patientID, "Ada Lovelace")
	st.AddMedication(medID, "Clopidogrel")
	st.AddMedication(otherMed, "Omeprazole")
	bottle := st.AddBottle(inventory.Bottle{
		MedicationID:   medID,
		NDC:            "12345-678-90",
		Quantity:       100,
		ExpirationDate: time.Now().AddDate(1, 0, 0),
	})
	return &fixture{
		st:     st,
		engine: NewEngine(st, DefaultConfig(), audit.NewLog(mode, nil), nil),
		bottle: bottle,
	}
}

func (f *fixture) intake(t *testing.T, med int64, qty int) *prescription.Prescription {
	t.Helper()
	rx, err := f.engine.Intake(context.Background(), tech, IntakeRequest{
		UserID:       patientID,
		MedicationID: med,
		Quantity:     qty,
		Instructions: "Take one tablet daily",
		Refills:      2,
	})
	require.NoError(t, err)
	return rx
}

func (f *fixture) dataEntry(t *testing.T, id int64, qty int) *DataEntryResult {
	t.Helper()
	res, err := f.engine.CompleteDataEntry(context.Background(), tech, id, DataEntry{Quantity: qty, Instructions: "Take one tablet daily"})
	require.NoError(t, err)
	return res
}

func statuses(entries []*audit.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ToStatus)
	}
	return out
}

func TestFulfillmentWithoutConflict(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	ctx := context.Background()

	rx := f.intake(t, medID, 30)
	assert.Equal(t, prescription.StatusPending, rx.Status)
	assert.Equal(t, "RX-0000001", rx.RxNumber)
	assert.True(t, f.st.InQueue(prescription.QueueReception, rx.ID))

	_, err := f.engine.StartReception(ctx, tech, rx.ID)
	require.NoError(t, err)

	res := f.dataEntry(t, rx.ID, 30)
	assert.False(t, res.Conflict)
	assert.Equal(t, prescription.StatusProductDispensingPending, res.Prescription.Status)

	alloc, err := f.engine.SelectBottle(ctx, tech, rx.ID, f.bottle, false)
	require.NoError(t, err)
	assert.Equal(t, 30, alloc.QuantityUsed)
	b, err := f.st.Bottle(f.bottle)
	require.NoError(t, err)
	assert.Equal(t, 70, b.Quantity)

	pickup, err := f.engine.Verify(ctx, tech, rx.ID, Verification{
		RxNumber:  rx.RxNumber,
		NDC:       "1234567890",
		Checklist: Checklist{Patient: true, Medication: true, Quantity: true, Interactions: true, Sig: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 30, pickup.Quantity)
	assert.True(t, f.st.InQueue(prescription.QueuePickup, rx.ID))

	fin, err := f.engine.Release(ctx, tech, rx.ID)
	require.NoError(t, err)
	assert.Equal(t, "released", fin.Status)
	assert.False(t, f.st.InQueue(prescription.QueuePickup, rx.ID))
	assert.True(t, f.st.InQueue(prescription.QueueFinished, rx.ID))

	got, err := f.engine.Get(ctx, rx.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusCompleted, got.Status)

	trail, err := f.engine.AuditTrail(ctx, rx.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"pending", "in_progress", "data_entry_complete", "product_dispensing_pending",
		"verification_pending", "released_to_pickup", "completed",
	}, statuses(trail))
	assert.Empty(t, trail[0].FromStatus)
	for _, e := range trail {
		assert.Equal(t, "tech.smith", e.PerformedBy)
	}
	assert.Len(t, f.st.OutboxEntries(), len(trail), "one event per transition")
}

func TestConflictRoutesToDrugReview(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	ctx := context.Background()
	f.st.AddDrugReview(conflict.DrugReview{UserID: patientID, MedicationID: medID, Gene: "CYP2C19", Variant: "rs4244285", Risk: conflict.RiskModerate})
	f.st.AddDrugReview(conflict.DrugReview{UserID: patientID, MedicationID: medID, Gene: "CYP2C19", Variant: "rs12248560", Risk: conflict.RiskHigh})

	rx := f.intake(t, medID, 30)
	res := f.dataEntry(t, rx.ID, 30)
	assert.True(t, res.Conflict)
	assert.Equal(t, conflict.RiskHigh, res.Risk)
	assert.Equal(t, prescription.StatusDrugReviewPending, res.Prescription.Status)

	items, total, err := f.engine.Queue(ctx, prescription.ViewDrugReview, prescription.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, conflict.RiskHigh, items[0].RiskLevel)

	_, err = f.engine.SelectBottle(ctx, tech, rx.ID, f.bottle, false)
	assert.ErrorIs(t, err, prescription.ErrInvalidTransition, "review gates dispensing")

	approved, err := f.engine.ApproveReview(ctx, Session{PerformedBy: "rph.jones"}, rx.ID, "dose adjusted")
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusProductDispensingPending, approved.Status)

	reviews := f.st.Reviews(rx.ID)
	require.Len(t, reviews, 1)
	assert.Equal(t, prescription.ReviewApproved, reviews[0].Status)
	assert.Equal(t, "rph.jones", reviews[0].ReviewedBy)

	_, total, err = f.engine.Queue(ctx, prescription.ViewDrugReview, prescription.Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRejectReviewOpensContactRequest(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	f.st.AddDrugReview(conflict.DrugReview{UserID: patientID, MedicationID: medID, Risk: conflict.RiskHigh})
	rx := f.intake(t, medID, 30)
	f.dataEntry(t, rx.ID, 30)

	out, err := f.engine.RejectReview(context.Background(), tech, rx.ID, "", true)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusRejected, out.Status)

	contacts := f.st.Contacts()
	require.Len(t, contacts, 1)
	assert.Equal(t, contact.TypeRxClarification, contacts[0].Type)
	assert.Equal(t, DefaultRejectNotes, contacts[0].Notes)

	_, err = f.engine.Cancel(context.Background(), tech, rx.ID, "")
	assert.ErrorIs(t, err, prescription.ErrInvalidTransition, "rejected is terminal")
}

func TestDeclinedInteractionRollsBack(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	ctx := context.Background()
	f.st.AddInteraction(medID, otherMed, "major", "increased bleeding risk")

	f.intake(t, otherMed, 10)
	rx := f.intake(t, medID, 30)
	outboxBefore := len(f.st.OutboxEntries())

	var seen []*conflict.Interaction
	res, err := f.engine.CompleteDataEntry(ctx, tech, rx.ID, DataEntry{
		Quantity:     60,
		Instructions: "Take one tablet daily",
		Confirmer: conflict.ConfirmFunc(func(ctx context.Context, in []*conflict.Interaction) (bool, error) {
			seen = in
			return false, nil
		}),
	})
	require.ErrorIs(t, err, conflict.ErrInteractionDeclined)
	require.Len(t, seen, 1)
	assert.Equal(t, otherMed, seen[0].OtherMedicationID)
	assert.Len(t, res.Interactions, 1)

	got, err := f.engine.Get(ctx, rx.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusPending, got.Status)
	assert.Equal(t, 30, got.QuantityDispensed, "declined data entry writes nothing")
	assert.Len(t, f.st.OutboxEntries(), outboxBefore)

	res, err = f.engine.CompleteDataEntry(ctx, tech, rx.ID, DataEntry{
		Quantity:     60,
		Instructions: "Take one tablet daily",
		Confirmer: conflict.ConfirmFunc(func(ctx context.Context, in []*conflict.Interaction) (bool, error) {
			return true, nil
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusProductDispensingPending, res.Prescription.Status)
	assert.Equal(t, 60, res.Prescription.QuantityDispensed)
}

func TestCancelRestoresStockAndClearsQueues(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	ctx := context.Background()

	rx := f.intake(t, medID, 30)
	f.dataEntry(t, rx.ID, 30)
	_, err := f.engine.SelectBottle(ctx, tech, rx.ID, f.bottle, true)
	require.NoError(t, err)

	res, err := f.engine.Cancel(ctx, tech, rx.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 30, res.Restored)
	assert.NotZero(t, res.HistoryID)

	b, err := f.st.Bottle(f.bottle)
	require.NoError(t, err)
	assert.Equal(t, 100, b.Quantity)
	assert.Empty(t, f.st.Allocations(rx.ID))
	for _, q := range prescription.ActiveQueues() {
		assert.False(t, f.st.InQueue(q, rx.ID), q.Table())
	}
	assert.True(t, f.st.InQueue(prescription.QueueHistory, rx.ID))

	history, err := f.engine.PatientHistory(ctx, patientID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, prescription.StatusCancelledNotDispensed, history[0].Status)
	assert.Equal(t, "Take one tablet daily", history[0].Instructions)

	trail, err := f.engine.AuditTrail(ctx, rx.ID)
	require.NoError(t, err)
	last := trail[len(trail)-1]
	assert.Equal(t, "cancelled_not_dispensed", last.ToStatus)
	assert.Equal(t, "Prescription cancelled - not dispensed", last.Notes)

	_, err = f.engine.Get(ctx, rx.ID)
	assert.ErrorIs(t, err, prescription.ErrNotFound)
}

func TestCancelKeepsResolvedReview(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	ctx := context.Background()
	f.st.AddDrugReview(conflict.DrugReview{UserID: patientID, MedicationID: medID, Risk: conflict.RiskHigh})

	approved := f.intake(t, medID, 30)
	f.dataEntry(t, approved.ID, 30)
	_, err := f.engine.ApproveReview(ctx, Session{PerformedBy: "rph.jones"}, approved.ID, "benefit outweighs risk")
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, tech, approved.ID, "")
	require.NoError(t, err)

	reviews := f.st.Reviews(approved.ID)
	require.Len(t, reviews, 1, "the pharmacist's decision survives cancellation")
	assert.Equal(t, prescription.ReviewApproved, reviews[0].Status)
	assert.Equal(t, "rph.jones", reviews[0].ReviewedBy)

	pending := f.intake(t, medID, 30)
	f.dataEntry(t, pending.ID, 30)
	require.True(t, f.st.InQueue(prescription.QueueDrugReview, pending.ID))
	_, err = f.engine.Cancel(ctx, tech, pending.ID, "")
	require.NoError(t, err)
	assert.Empty(t, f.st.Reviews(pending.ID), "pending review leaves the queue")
}

func TestInteractionLookupFailureKeepsDataEntry(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	ctx := context.Background()
	f.st.AddInteraction(medID, otherMed, "major", "increased bleeding risk")
	f.st.AddDrugReview(conflict.DrugReview{UserID: patientID, MedicationID: medID, Risk: conflict.RiskModerate})
	f.intake(t, otherMed, 10)
	rx := f.intake(t, medID, 30)

	f.st.InteractionsErr = errors.New("relation \"drug_drug_interactions\" does not exist")
	called := false
	res, err := f.engine.CompleteDataEntry(ctx, tech, rx.ID, DataEntry{
		Quantity:     30,
		Instructions: "Take one tablet daily",
		Confirmer: conflict.ConfirmFunc(func(ctx context.Context, in []*conflict.Interaction) (bool, error) {
			called = true
			return false, nil
		}),
	})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Empty(t, res.Interactions)
	assert.True(t, res.Conflict, "drug-gene check still runs after the failed lookup")
	assert.Equal(t, prescription.StatusDrugReviewPending, res.Prescription.Status)

	got, err := f.engine.Get(ctx, rx.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusDrugReviewPending, got.Status)
}

func TestReleasedCoMedicationIsOffProfile(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	ctx := context.Background()
	f.st.AddInteraction(medID, otherMed, "major", "increased bleeding risk")
	otherBottle := f.st.AddBottle(inventory.Bottle{
		MedicationID:   otherMed,
		NDC:            "55555-000-11",
		Quantity:       50,
		ExpirationDate: time.Now().AddDate(1, 0, 0),
	})

	co := f.intake(t, otherMed, 10)
	f.dataEntry(t, co.ID, 10)
	_, err := f.engine.SelectBottle(ctx, tech, co.ID, otherBottle, false)
	require.NoError(t, err)
	_, err = f.engine.Verify(ctx, tech, co.ID, Verification{
		RxNumber:  co.RxNumber,
		NDC:       "55555-000-11",
		Checklist: Checklist{Patient: true, Medication: true, Quantity: true, Interactions: true, Sig: true},
	})
	require.NoError(t, err)

	rx := f.intake(t, medID, 30)
	res, err := f.engine.CompleteDataEntry(ctx, tech, rx.ID, DataEntry{
		Quantity:     30,
		Instructions: "Take one tablet daily",
		Confirmer: conflict.ConfirmFunc(func(ctx context.Context, in []*conflict.Interaction) (bool, error) {
			return false, nil
		}),
	})
	require.NoError(t, err, "a prescription released to pickup is not co-prescribed")
	assert.Empty(t, res.Interactions)
	assert.Equal(t, prescription.StatusProductDispensingPending, res.Prescription.Status)
}

func TestReturnToDispensingRestoresAllocation(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	ctx := context.Background()

	rx := f.intake(t, medID, 30)
	f.dataEntry(t, rx.ID, 30)
	_, err := f.engine.SelectBottle(ctx, tech, rx.ID, f.bottle, false)
	require.NoError(t, err)

	out, err := f.engine.ReturnToDispensing(ctx, tech, rx.ID, "")
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusProductDispensingPending, out.Status)
	b, err := f.st.Bottle(f.bottle)
	require.NoError(t, err)
	assert.Equal(t, 100, b.Quantity)
	assert.Empty(t, f.st.Allocations(rx.ID))

	_, err = f.engine.SelectBottle(ctx, tech, rx.ID, f.bottle, true)
	require.NoError(t, err)
	sub, err := f.engine.SubmitForVerification(ctx, tech, rx.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusVerificationPending, sub.Status)
}

func TestSelectBottleInsufficientStockWritesNothing(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	rx := f.intake(t, medID, 150)
	f.dataEntry(t, rx.ID, 150)

	_, err := f.engine.SelectBottle(context.Background(), tech, rx.ID, f.bottle, false)
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)

	got, err := f.engine.Get(context.Background(), rx.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusProductDispensingPending, got.Status)
	b, _ := f.st.Bottle(f.bottle)
	assert.Equal(t, 100, b.Quantity)
}

func TestVerifyMismatches(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	ctx := context.Background()
	rx := f.intake(t, medID, 30)
	f.dataEntry(t, rx.ID, 30)
	_, err := f.engine.SelectBottle(ctx, tech, rx.ID, f.bottle, false)
	require.NoError(t, err)

	all := Checklist{Patient: true, Medication: true, Quantity: true, Interactions: true, Sig: true}
	tests := []struct {
		name  string
		v     Verification
		field string
	}{
		{"unchecked", Verification{RxNumber: rx.RxNumber, NDC: "12345-678-90", Checklist: Checklist{Patient: true}}, "checklist"},
		{"wrong rx", Verification{RxNumber: "RX-9999999", NDC: "12345-678-90", Checklist: all}, "rx_number"},
		{"wrong ndc", Verification{RxNumber: rx.RxNumber, NDC: "00000-000-00", Checklist: all}, "ndc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Verify(ctx, tech, rx.ID, tt.v)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	got, err := f.engine.Get(ctx, rx.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusVerificationPending, got.Status)
}

func TestStrictAuditFailsTransition(t *testing.T) {
	f := newFixture(t, audit.Strict)
	rx := f.intake(t, medID, 30)
	f.st.AuditErr = errors.New("audit table locked")

	_, err := f.engine.StartReception(context.Background(), tech, rx.ID)
	require.Error(t, err)

	f.st.AuditErr = nil
	got, err := f.engine.Get(context.Background(), rx.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusPending, got.Status)
}

func TestBestEffortAuditKeepsTransition(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	rx := f.intake(t, medID, 30)
	f.st.AuditErr = errors.New("audit table locked")

	out, err := f.engine.StartReception(context.Background(), tech, rx.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusInProgress, out.Status)

	f.st.AuditErr = nil
	trail, err := f.engine.AuditTrail(context.Background(), rx.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"pending"}, statuses(trail))
}

func TestIntakeIdempotency(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	req := IntakeRequest{UserID: patientID, MedicationID: medID, Quantity: 30, Instructions: "daily", IdempotencyKey: "abc"}

	first, err := f.engine.Intake(context.Background(), tech, req)
	require.NoError(t, err)
	second, err := f.engine.Intake(context.Background(), tech, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, total, err := f.engine.Queue(context.Background(), prescription.ViewReception, prescription.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestIntakeValidation(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	_, err := f.engine.Intake(context.Background(), tech, IntakeRequest{UserID: patientID, MedicationID: medID})
	assert.True(t, IsValidation(err))
	_, err = f.engine.Intake(context.Background(), tech, IntakeRequest{MedicationID: medID, Quantity: 1})
	assert.True(t, IsValidation(err))
}

func TestRefill(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	ctx := context.Background()
	hid := f.st.AddHistory(prescription.HistoryRecord{
		UserID:            patientID,
		MedicationID:      medID,
		QuantityDispensed: 30,
		RefillsRemaining:  1,
		Instructions:      "Take one tablet daily",
		Status:            prescription.StatusCompleted,
	})

	rx, err := f.engine.Refill(ctx, tech, hid)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusPending, rx.Status)
	assert.Equal(t, 0, rx.Refills)
	assert.Equal(t, 30, rx.QuantityDispensed)

	_, err = f.engine.Refill(ctx, tech, hid)
	assert.ErrorIs(t, err, ErrNoRefillsRemaining)

	_, err = f.engine.Refill(ctx, Session{PatientID: 99}, hid)
	assert.True(t, IsValidation(err))
}

func TestSessionPatientMismatch(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	rx := f.intake(t, medID, 30)
	_, err := f.engine.StartReception(context.Background(), Session{PatientID: 99}, rx.ID)
	assert.True(t, IsValidation(err))
}

func TestAdvance(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	ctx := context.Background()
	rx := f.intake(t, medID, 30)

	_, err := f.engine.Advance(ctx, tech, rx.ID, prescription.StatusCancelledNotDispensed, AdvanceRequest{})
	assert.True(t, IsValidation(err))
	_, err = f.engine.Advance(ctx, tech, rx.ID, prescription.Status("shelved"), AdvanceRequest{})
	assert.True(t, IsValidation(err))
	_, err = f.engine.Advance(ctx, tech, rx.ID, prescription.StatusCompleted, AdvanceRequest{})
	assert.ErrorIs(t, err, prescription.ErrInvalidTransition)

	out, err := f.engine.Advance(ctx, tech, rx.ID, prescription.StatusInProgress, AdvanceRequest{Action: "manual", Notes: "phone order"})
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusInProgress, out.Status)

	trail, err := f.engine.AuditTrail(ctx, rx.ID)
	require.NoError(t, err)
	assert.Equal(t, "manual", trail[len(trail)-1].Action)
}

func TestDataEntryRunsOnce(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	ctx := context.Background()
	rx := f.intake(t, medID, 30)
	day := time.Date(2026, 6, 3, 8, 15, 0, 0, time.UTC)

	_, err := f.engine.CompleteDataEntry(ctx, tech, rx.ID, DataEntry{Quantity: 30, Instructions: "daily", PromiseDate: &day})
	require.NoError(t, err)

	_, err = f.engine.CompleteDataEntry(ctx, tech, rx.ID, DataEntry{Quantity: 30, Instructions: "daily"})
	assert.ErrorIs(t, err, prescription.ErrInvalidTransition, "data entry runs once")
}
