package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/api/middleware"
	"github.com/drfirst/go-rxfill/internal/domain/contact"
	"github.com/drfirst/go-rxfill/internal/domain/inventory"
	"github.com/drfirst/go-rxfill/internal/workflow"
	"github.com/drfirst/go-rxfill/pkg/workerpool"
)

// AvailableBottles handles GET /inventory/bottles?medication_id=&quantity=
func (h *Handler) AvailableBottles(w http.ResponseWriter, r *http.Request) {
	medID, err := queryInt(r, "medication_id", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	qty, err := queryInt(r, "quantity", 1)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	bottles, err := h.engine.AvailableBottles(r.Context(), int64(medID), qty)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]*BottleView, 0, len(bottles))
	for _, b := range bottles {
		out = append(out, bottleView(b))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// ReceiveBottleRequest adds a bottle to inventory. ExpirationDate is a
// calendar date.
type ReceiveBottleRequest struct {
	MedicationID   int64  `json:"medication_id"`
	NDC            string `json:"ndc"`
	Kind           string `json:"kind,omitempty"`
	Lot            string `json:"lot,omitempty"`
	Quantity       int    `json:"quantity"`
	ExpirationDate string `json:"expiration_date"`
}

// ReceiveBottle handles POST /inventory/bottles
func (h *Handler) ReceiveBottle(w http.ResponseWriter, r *http.Request) {
	var req ReceiveBottleRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	b := &inventory.Bottle{
		MedicationID: req.MedicationID,
		NDC:          req.NDC,
		Kind:         inventory.Kind(req.Kind),
		Lot:          req.Lot,
		Quantity:     req.Quantity,
	}
	if req.ExpirationDate != "" {
		exp, err := time.Parse(time.DateOnly, req.ExpirationDate)
		if err != nil {
			h.writeError(w, r, &workflow.ValidationError{Field: "expiration_date", Message: "must be YYYY-MM-DD"})
			return
		}
		b.ExpirationDate = exp
	}
	if err := h.engine.ReceiveBottle(r.Context(), b); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, bottleView(b))
}

// Expiring handles GET /inventory/expiring?days=
func (h *Handler) Expiring(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	bottles, err := h.engine.ExpiringBottles(r.Context(), days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, expiringViews(bottles))
}

// RemoveExpired handles POST /inventory/expired/remove
func (h *Handler) RemoveExpired(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.RemoveExpiredBottles(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("expired bottles removed",
		zap.Int64("count", n),
		zap.String("operator", middleware.GetOperator(r.Context())))
	h.writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

// ContactRequest opens a prescriber contact request
type ContactRequest struct {
	UserID         int64  `json:"user_id"`
	PrescriptionID *int64 `json:"prescription_id,omitempty"`
	PrescriberID   *int64 `json:"prescriber_id,omitempty"`
	Type           string `json:"type"`
	DeliveryMethod string `json:"delivery_method,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// CreateContact handles POST /contacts
func (h *Handler) CreateContact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	c := &contact.Request{
		UserID:         req.UserID,
		PrescriptionID: req.PrescriptionID,
		PrescriberID:   req.PrescriberID,
		Type:           contact.RequestType(req.Type),
		DeliveryMethod: req.DeliveryMethod,
		Notes:          req.Notes,
	}
	if err := h.engine.CreateContactRequest(r.Context(), c); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, contactView(c))
}

// PendingContacts handles GET /contacts
func (h *Handler) PendingContacts(w http.ResponseWriter, r *http.Request) {
	page, err := pageParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	reqs, err := h.engine.PendingContacts(r.Context(), page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]*ContactView, 0, len(reqs))
	for _, c := range reqs {
		out = append(out, contactView(c))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// SendFax handles POST /contacts/{id}/fax
func (h *Handler) SendFax(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		FaxNumber string `json:"fax_number"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	l, err := h.engine.SendFax(r.Context(), h.session(r), id, strings.TrimSpace(req.FaxNumber))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         l.ID,
		"request_id": l.RequestID,
		"fax_number": l.FaxNumber,
		"sent_by":    l.SentBy,
		"sent_at":    l.SentAt,
	})
}

// ResolveContact handles POST /contacts/{id}/resolve
func (h *Handler) ResolveContact(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.engine.ResolveContact(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PatientGenetics handles GET /patients/{id}/genetics
func (h *Handler) PatientGenetics(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	info, err := h.engine.PatientGenetics(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, geneticViews(info))
}

// UploadGenomics handles POST /patients/{id}/genomics. The body is the raw
// VCF file; processing runs in the background and the job is returned with
// 202.
func (h *Handler) UploadGenomics(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.jsonError(w, "genomics processing is not enabled", http.StatusServiceUnavailable)
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	vcf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxVCFBytes))
	if err != nil {
		h.jsonError(w, "VCF upload too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}

	job, _, err := h.jobs.Submit(r.Context(), id, vcf)
	if err != nil {
		if errors.Is(err, workerpool.ErrQueueFull) || errors.Is(err, workerpool.ErrStopped) {
			h.jsonError(w, "genomics queue is busy, retry later", http.StatusServiceUnavailable)
			return
		}
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("genomics job queued",
		zap.String("job_id", job.ID),
		zap.Int64("user_id", id),
		zap.Int("bytes", len(vcf)))
	w.Header().Set("Location", "/genomics/jobs/"+job.ID)
	h.writeJSON(w, http.StatusAccepted, job)
}

// GenomicsJob handles GET /genomics/jobs/{id}
func (h *Handler) GenomicsJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.jsonError(w, "genomics processing is not enabled", http.StatusServiceUnavailable)
		return
	}
	job, err := h.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}
