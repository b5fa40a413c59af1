package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/api/middleware"
	"github.com/drfirst/go-rxfill/internal/domain/audit"
	"github.com/drfirst/go-rxfill/internal/domain/conflict"
	"github.com/drfirst/go-rxfill/internal/domain/inventory"
	"github.com/drfirst/go-rxfill/internal/store/memstore"
	"github.com/drfirst/go-rxfill/internal/workflow"
)

type fixture struct {
	t      *testing.T
	store  *memstore.Store
	server http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	st.AddPatient(7, "Ada Lovelace")
	st.AddMedication(42, "Clopidogrel 75mg")
	st.AddMedication(43, "Omeprazole 20mg")

	engine := workflow.NewEngine(st, workflow.DefaultConfig(), audit.NewLog(audit.BestEffort, zap.NewNop()), zap.NewNop())
	h := New(engine, nil, zap.NewNop())
	return &fixture{t: t, store: st, server: middleware.Operator(h.Routes())}
}

func (f *fixture) do(method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderOperator, "tech.smith")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *fixture) intake(medID int64) *PrescriptionView {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/prescriptions", IntakeRequest{
		UserID: 7, MedicationID: medID, Product: "tablet", Quantity: 30, Instructions: "1 daily", Refills: 2,
	})
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[*PrescriptionView](f.t, rec)
}

func path(id int64, action string) string {
	return "/prescriptions/" + strconv.FormatInt(id, 10) + "/" + action
}

func TestFullFulfillmentOverHTTP(t *testing.T) {
	f := newFixture(t)
	bottleID := f.store.AddBottle(inventory.Bottle{
		MedicationID: 42, NDC: "12345-678-90", Quantity: 100, ExpirationDate: time.Now().AddDate(1, 0, 0),
	})

	rx := f.intake(42)
	assert.Equal(t, "pending", rx.Status)
	assert.NotEmpty(t, rx.RxNumber)

	rec := f.do(http.MethodGet, "/queues/reception", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	q := decodeBody[QueueResponse](t, rec)
	require.Equal(t, 1, q.Total)
	assert.Equal(t, "Ada Lovelace", q.Items[0].PatientName)

	rec = f.do(http.MethodPost, path(rx.ID, "reception"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, path(rx.ID, "data-entry"), DataEntryRequest{Quantity: 30, Instructions: "Take 1 tablet daily"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	de := decodeBody[DataEntryResponse](t, rec)
	assert.False(t, de.Conflict)
	assert.Equal(t, "product_dispensing_pending", de.Prescription.Status)

	rec = f.do(http.MethodPost, path(rx.ID, "select-bottle"), SelectBottleRequest{BottleID: bottleID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	alloc := decodeBody[AllocationView](t, rec)
	assert.Equal(t, 30, alloc.QuantityUsed)

	b, err := f.store.Bottle(bottleID)
	require.NoError(t, err)
	assert.Equal(t, 70, b.Quantity)

	all := workflow.Checklist{Patient: true, Medication: true, Quantity: true, Interactions: true, Sig: true}
	rec = f.do(http.MethodPost, path(rx.ID, "verify"), VerifyRequest{RxNumber: rx.RxNumber, NDC: "1234567890", Checklist: all})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, path(rx.ID, "release"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/prescriptions/"+strconv.FormatInt(rx.ID, 10), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decodeBody[*PrescriptionView](t, rec).Status)

	rec = f.do(http.MethodGet, path(rx.ID, "audit"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trail := decodeBody[[]*AuditEntryView](t, rec)
	require.NotEmpty(t, trail)
	assert.Equal(t, "pending", trail[0].ToStatus)
	assert.Equal(t, "completed", trail[len(trail)-1].ToStatus)
	assert.Equal(t, "tech.smith", trail[len(trail)-1].PerformedBy)
}

func TestDataEntryRoutesConflictToReview(t *testing.T) {
	f := newFixture(t)
	f.store.AddDrugReview(conflict.DrugReview{UserID: 7, MedicationID: 42, Gene: "CYP2C19", Variant: "*2", Risk: conflict.RiskHigh})
	rx := f.intake(42)

	rec := f.do(http.MethodPost, path(rx.ID, "data-entry"), DataEntryRequest{Quantity: 30, Instructions: "1 daily"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	de := decodeBody[DataEntryResponse](t, rec)
	assert.True(t, de.Conflict)
	assert.Equal(t, "High", de.Risk)
	assert.Equal(t, "drug_review_pending", de.Prescription.Status)

	rec = f.do(http.MethodGet, "/queues/drug_review", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[QueueResponse](t, rec).Total)

	rec = f.do(http.MethodPost, path(rx.ID, "approve"), NotesRequest{Notes: "dose adjusted"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "product_dispensing_pending", decodeBody[*PrescriptionView](t, rec).Status)
}

func TestDataEntryUnacknowledgedInteraction(t *testing.T) {
	f := newFixture(t)
	f.store.AddInteraction(42, 43, "major", "reduced antiplatelet effect")
	f.intake(43)
	rx := f.intake(42)

	rec := f.do(http.MethodPost, path(rx.ID, "data-entry"), DataEntryRequest{Quantity: 30, Instructions: "1 daily"})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "reduced antiplatelet effect")

	rec = f.do(http.MethodGet, "/prescriptions/"+strconv.FormatInt(rx.ID, 10), nil)
	assert.Equal(t, "pending", decodeBody[*PrescriptionView](t, rec).Status)

	rec = f.do(http.MethodPost, path(rx.ID, "data-entry"), DataEntryRequest{Quantity: 30, Instructions: "1 daily", AcknowledgeInteractions: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decodeBody[DataEntryResponse](t, rec).Interactions, 1)
}

func TestIntakeIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	body := IntakeRequest{UserID: 7, MedicationID: 42, Quantity: 30, Instructions: "1 daily"}

	first := f.do(http.MethodPost, "/prescriptions", body, "Idempotency-Key", "abc")
	second := f.do(http.MethodPost, "/prescriptions", body, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, decodeBody[*PrescriptionView](t, first).ID, decodeBody[*PrescriptionView](t, second).ID)

	rec := f.do(http.MethodGet, "/queues/reception", nil)
	assert.Equal(t, 1, decodeBody[QueueResponse](t, rec).Total)
}

func TestCancelRestoresStock(t *testing.T) {
	f := newFixture(t)
	bottleID := f.store.AddBottle(inventory.Bottle{MedicationID: 42, NDC: "111", Quantity: 100, ExpirationDate: time.Now().AddDate(1, 0, 0)})
	rx := f.intake(42)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, path(rx.ID, "data-entry"), DataEntryRequest{Quantity: 30, Instructions: "x"}).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, path(rx.ID, "select-bottle"), SelectBottleRequest{BottleID: bottleID}).Code)

	rec := f.do(http.MethodPost, path(rx.ID, "cancel"), NotesRequest{Notes: "patient declined"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[map[string]float64](t, rec)
	assert.Equal(t, float64(30), res["units_restored"])

	b, err := f.store.Bottle(bottleID)
	require.NoError(t, err)
	assert.Equal(t, 100, b.Quantity)

	rec = f.do(http.MethodGet, "/prescriptions/"+strconv.FormatInt(rx.ID, 10), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/patients/7/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decodeBody[[]*HistoryView](t, rec)
	require.Len(t, hist, 1)
	assert.Equal(t, "cancelled_not_dispensed", hist[0].Status)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	rx := f.intake(42)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		code   int
	}{
		{"unknown view", http.MethodGet, "/queues/nope", nil, http.StatusNotFound},
		{"bad id", http.MethodGet, "/prescriptions/abc", nil, http.StatusUnprocessableEntity},
		{"missing prescription", http.MethodGet, "/prescriptions/999", nil, http.StatusNotFound},
		{"validation", http.MethodPost, "/prescriptions", IntakeRequest{UserID: 7}, http.StatusUnprocessableEntity},
		{"illegal transition", http.MethodPost, path(rx.ID, "release"), nil, http.StatusConflict},
		{"bad advance status", http.MethodPost, path(rx.ID, "advance"), AdvanceRequest{To: "shipped"}, http.StatusUnprocessableEntity},
		{"genomics disabled", http.MethodGet, "/genomics/jobs/x", nil, http.StatusServiceUnavailable},
		{"bad expiry window", http.MethodGet, "/inventory/expiring?days=13", nil, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(inventory.ErrInsufficientStock))
	assert.Equal(t, http.StatusNotFound, statusFor(workflow.ErrJobNotFound))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(&workflow.ValidationError{Message: "x"}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(context.DeadlineExceeded))
}

func TestInventoryAndContacts(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/inventory/bottles", ReceiveBottleRequest{
		MedicationID: 42, NDC: "222", Quantity: 60, ExpirationDate: time.Now().AddDate(0, 0, 10).Format(time.DateOnly),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotZero(t, decodeBody[*BottleView](t, rec).ID)

	rec = f.do(http.MethodGet, "/inventory/bottles?medication_id=42&quantity=30", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]*BottleView](t, rec), 1)

	rec = f.do(http.MethodGet, "/inventory/expiring?days=30", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	exp := decodeBody[[]*BottleView](t, rec)
	require.Len(t, exp, 1)
	require.NotNil(t, exp[0].DaysUntil)

	rec = f.do(http.MethodPost, "/contacts", ContactRequest{UserID: 7, Type: "refill"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	c := decodeBody[*ContactView](t, rec)

	rec = f.do(http.MethodPost, "/contacts", ContactRequest{UserID: 7, Type: "refill"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/contacts/"+strconv.FormatInt(c.ID, 10)+"/fax", map[string]string{"fax_number": "555-0100"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/contacts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decodeBody[[]*ContactView](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].FaxSendCount)

	rec = f.do(http.MethodPost, "/contacts/"+strconv.FormatInt(c.ID, 10)+"/resolve", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
