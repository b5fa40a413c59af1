package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/api/middleware"
	"github.com/drfirst/go-rxfill/internal/domain/conflict"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/workflow"
	"github.com/drfirst/go-rxfill/pkg/idempotency"
)

var tracer = otel.Tracer("rxfill-handlers")

// IntakeRequest is the request body for POST /prescriptions
type IntakeRequest struct {
	UserID       int64  `json:"user_id"`
	MedicationID int64  `json:"medication_id"`
	Product      string `json:"product"`
	Quantity     int    `json:"quantity"`
	Instructions string `json:"instructions"`
	Refills      int    `json:"refills"`
	PrescriberID *int64 `json:"prescriber_id,omitempty"`
	RxNumber     string `json:"rx_number,omitempty"`
	RxStoreNum   string `json:"rx_store_num,omitempty"`
}

// Intake handles POST /prescriptions. Without an Idempotency-Key header the
// key is derived from the patient, medication, quantity and Rx number, so a
// double submit within the same minute creates one prescription.
func (h *Handler) Intake(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "intake_prescription")
	defer span.End()

	var req IntakeRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = idempotency.GenerateKey(time.Now(), "intake",
			strconv.FormatInt(req.UserID, 10), strconv.FormatInt(req.MedicationID, 10),
			strconv.Itoa(req.Quantity), req.RxNumber)
	}

	rx, err := h.engine.Intake(ctx, h.session(r), workflow.IntakeRequest{
		UserID:         req.UserID,
		MedicationID:   req.MedicationID,
		Product:        req.Product,
		Quantity:       req.Quantity,
		Instructions:   req.Instructions,
		Refills:        req.Refills,
		PrescriberID:   req.PrescriberID,
		RxNumber:       req.RxNumber,
		RxStoreNum:     req.RxStoreNum,
		IdempotencyKey: key,
	})
	if err != nil {
		span.RecordError(err)
		h.writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.Int64("prescription_id", rx.ID))

	h.logger.Info("prescription received",
		zap.Int64("id", rx.ID),
		zap.Int64("user_id", rx.UserID),
		zap.String("request_id", middleware.GetRequestID(ctx)))
	h.writeJSON(w, http.StatusCreated, prescriptionView(rx))
}

// Refill handles POST /history/{id}/refill
func (h *Handler) Refill(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rx, err := h.engine.Refill(r.Context(), h.session(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, prescriptionView(rx))
}

// Get handles GET /prescriptions/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rx, err := h.engine.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, prescriptionView(rx))
}

// Audit handles GET /prescriptions/{id}/audit
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.engine.AuditTrail(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, auditViews(entries))
}

// QueueResponse is a page of a work queue
type QueueResponse struct {
	View   string           `json:"view"`
	Items  []*QueueItemView `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// Queue handles GET /queues/{view}
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	view, err := prescription.ParseView(chi.URLParam(r, "view"))
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	page, err := pageParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items, total, err := h.engine.Queue(r.Context(), view, page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, QueueResponse{
		View:   string(view),
		Items:  queueItemViews(items),
		Total:  total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

// StartReception handles POST /prescriptions/{id}/reception
func (h *Handler) StartReception(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, func(ctx context.Context, s workflow.Session, id int64, _ *NotesRequest) (*prescription.Prescription, error) {
		return h.engine.StartReception(ctx, s, id)
	})
}

// DataEntryRequest is the request body for POST /prescriptions/{id}/data-entry
type DataEntryRequest struct {
	Quantity     int        `json:"quantity"`
	Instructions string     `json:"instructions"`
	Delivery     string     `json:"delivery,omitempty"`
	PromiseDate  *time.Time `json:"promise_date,omitempty"`
	// AcknowledgeInteractions confirms the operator has seen any detected
	// drug interactions
	AcknowledgeInteractions bool `json:"acknowledge_interactions"`
}

// DataEntryResponse reports where data entry routed the prescription
type DataEntryResponse struct {
	Prescription *PrescriptionView  `json:"prescription"`
	Interactions []*InteractionView `json:"interactions"`
	Conflict     bool               `json:"conflict"`
	Risk         string             `json:"risk,omitempty"`
}

// DataEntry handles POST /prescriptions/{id}/data-entry. Detected drug
// interactions fail with 409 unless acknowledged.
func (h *Handler) DataEntry(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "complete_data_entry")
	defer span.End()

	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req DataEntryRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	var seen []*conflict.Interaction
	confirm := conflict.ConfirmFunc(func(_ context.Context, found []*conflict.Interaction) (bool, error) {
		seen = found
		return req.AcknowledgeInteractions, nil
	})

	res, err := h.engine.CompleteDataEntry(ctx, h.session(r), id, workflow.DataEntry{
		Quantity:     req.Quantity,
		Instructions: req.Instructions,
		Delivery:     req.Delivery,
		PromiseDate:  req.PromiseDate,
		Confirmer:    confirm,
	})
	if err != nil {
		span.RecordError(err)
		if len(seen) > 0 && statusFor(err) == http.StatusConflict {
			h.writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":        err.Error(),
				"interactions": interactionViews(seen),
			})
			return
		}
		h.writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.Bool("conflict", res.Conflict))

	h.writeJSON(w, http.StatusOK, DataEntryResponse{
		Prescription: prescriptionView(res.Prescription),
		Interactions: interactionViews(res.Interactions),
		Conflict:     res.Conflict,
		Risk:         string(res.Risk),
	})
}

// NotesRequest carries pharmacist notes for a transition
type NotesRequest struct {
	Notes string `json:"notes"`
	// ContactPrescriber opens a clarification request on rejection
	ContactPrescriber bool `json:"contact_prescriber,omitempty"`
}

// Approve handles POST /prescriptions/{id}/approve
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, func(ctx context.Context, s workflow.Session, id int64, req *NotesRequest) (*prescription.Prescription, error) {
		return h.engine.ApproveReview(ctx, s, id, req.Notes)
	})
}

// Reject handles POST /prescriptions/{id}/reject
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, func(ctx context.Context, s workflow.Session, id int64, req *NotesRequest) (*prescription.Prescription, error) {
		return h.engine.RejectReview(ctx, s, id, req.Notes, req.ContactPrescriber)
	})
}

// Submit handles POST /prescriptions/{id}/submit
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, func(ctx context.Context, s workflow.Session, id int64, _ *NotesRequest) (*prescription.Prescription, error) {
		return h.engine.SubmitForVerification(ctx, s, id)
	})
}

// Return handles POST /prescriptions/{id}/return
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, func(ctx context.Context, s workflow.Session, id int64, req *NotesRequest) (*prescription.Prescription, error) {
		return h.engine.ReturnToDispensing(ctx, s, id, req.Notes)
	})
}

type stepFunc func(ctx context.Context, s workflow.Session, id int64, req *NotesRequest) (*prescription.Prescription, error)

// step runs a transition that takes optional notes and returns the
// prescription
func (h *Handler) step(w http.ResponseWriter, r *http.Request, fn stepFunc) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req := &NotesRequest{}
	if err := decode(r, req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rx, err := fn(r.Context(), h.session(r), id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, prescriptionView(rx))
}

// SelectBottleRequest is the request body for POST /prescriptions/{id}/select-bottle
type SelectBottleRequest struct {
	BottleID int64 `json:"bottle_id"`
	// Hold keeps the prescription in dispensing for another bottle
	Hold bool `json:"hold,omitempty"`
}

// SelectBottle handles POST /prescriptions/{id}/select-bottle
func (h *Handler) SelectBottle(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req SelectBottleRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.engine.SelectBottle(r.Context(), h.session(r), id, req.BottleID, req.Hold)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, &AllocationView{
		ID:             a.ID,
		BottleID:       a.BottleID,
		PrescriptionID: a.PrescriptionID,
		QuantityUsed:   a.QuantityUsed,
		StartDate:      a.StartDate,
	})
}

// VerifyRequest is the pharmacist's final check
type VerifyRequest struct {
	RxNumber  string             `json:"rx_number"`
	NDC       string             `json:"ndc"`
	Checklist workflow.Checklist `json:"checklist"`
}

// Verify handles POST /prescriptions/{id}/verify
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req VerifyRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.engine.Verify(r.Context(), h.session(r), id, workflow.Verification{
		RxNumber:  req.RxNumber,
		NDC:       req.NDC,
		Checklist: req.Checklist,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pickup_id":       p.ID,
		"prescription_id": p.PrescriptionID,
		"quantity":        p.Quantity,
		"payment_status":  p.PaymentStatus,
		"status":          p.Status,
		"ready_at":        p.ReadyAt,
	})
}

// Release handles POST /prescriptions/{id}/release
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ft, err := h.engine.Release(r.Context(), h.session(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id":  ft.ID,
		"prescription_id": ft.PrescriptionID,
		"quantity":        ft.Quantity,
		"status":          ft.Status,
		"released_at":     ft.ReleasedAt,
	})
}

// Cancel handles POST /prescriptions/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req NotesRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.engine.Cancel(r.Context(), h.session(r), id, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("prescription cancelled",
		zap.Int64("id", id),
		zap.Int("units_restored", res.Restored),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"prescription_id": id,
		"history_id":      res.HistoryID,
		"units_restored":  res.Restored,
	})
}

// AdvanceRequest moves a prescription to any status the state machine allows
type AdvanceRequest struct {
	To     string `json:"to"`
	Action string `json:"action,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

// Advance handles POST /prescriptions/{id}/advance
func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req AdvanceRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := prescription.ParseStatus(req.To)
	if err != nil {
		h.writeError(w, r, &workflow.ValidationError{Field: "to", Message: err.Error()})
		return
	}
	rx, err := h.engine.Advance(r.Context(), h.session(r), id, to, workflow.AdvanceRequest{Action: req.Action, Notes: req.Notes})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, prescriptionView(rx))
}

// PatientHistory handles GET /patients/{id}/history
func (h *Handler) PatientHistory(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	records, err := h.engine.PatientHistory(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, historyViews(records))
}
