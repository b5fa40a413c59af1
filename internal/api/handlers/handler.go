// Package handlers exposes the fulfillment workflow over HTTP
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/api/middleware"
	"github.com/drfirst/go-rxfill/internal/domain/conflict"
	"github.com/drfirst/go-rxfill/internal/domain/contact"
	"github.com/drfirst/go-rxfill/internal/domain/genomics"
	"github.com/drfirst/go-rxfill/internal/domain/inventory"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/workflow"
	"github.com/drfirst/go-rxfill/pkg/idempotency"
)

// HeaderPatientID names the patient whose chart the operator has open
const HeaderPatientID = "X-Patient-ID"

// maxVCFBytes caps genomics uploads
const maxVCFBytes = 32 << 20

// Handler serves the workflow API
type Handler struct {
	engine *workflow.Engine
	jobs   *workflow.GenomicsJobs
	logger *zap.Logger
}

// New creates a handler. jobs may be nil, which disables genomics uploads.
func New(engine *workflow.Engine, jobs *workflow.GenomicsJobs, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, jobs: jobs, logger: logger}
}

// Routes returns the handler routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/queues/{view}", h.Queue)

	r.Route("/prescriptions", func(r chi.Router) {
		r.Post("/", h.Intake)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Get("/audit", h.Audit)
			r.Post("/reception", h.StartReception)
			r.Post("/data-entry", h.DataEntry)
			r.Post("/approve", h.Approve)
			r.Post("/reject", h.Reject)
			r.Post("/select-bottle", h.SelectBottle)
			r.Post("/submit", h.Submit)
			r.Post("/return", h.Return)
			r.Post("/verify", h.Verify)
			r.Post("/release", h.Release)
			r.Post("/cancel", h.Cancel)
			r.Post("/advance", h.Advance)
		})
	})
	r.Post("/history/{id}/refill", h.Refill)

	r.Route("/patients/{id}", func(r chi.Router) {
		r.Get("/history", h.PatientHistory)
		r.Get("/genetics", h.PatientGenetics)
		r.Post("/genomics", h.UploadGenomics)
	})
	r.Get("/genomics/jobs/{id}", h.GenomicsJob)

	r.Route("/inventory", func(r chi.Router) {
		r.Get("/bottles", h.AvailableBottles)
		r.Post("/bottles", h.ReceiveBottle)
		r.Get("/expiring", h.Expiring)
		r.Post("/expired/remove", h.RemoveExpired)
	})

	r.Route("/contacts", func(r chi.Router) {
		r.Get("/", h.PendingContacts)
		r.Post("/", h.CreateContact)
		r.Post("/{id}/fax", h.SendFax)
		r.Post("/{id}/resolve", h.ResolveContact)
	})
	return r
}

// session builds the workflow session from the request headers
func (h *Handler) session(r *http.Request) workflow.Session {
	s := workflow.Session{PerformedBy: middleware.GetOperator(r.Context())}
	if v := r.Header.Get(HeaderPatientID); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.PatientID = id
		}
	}
	return s
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, &workflow.ValidationError{Field: name, Message: "must be a positive integer"}
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &workflow.ValidationError{Field: name, Message: "must be an integer"}
	}
	return n, nil
}

func pageParams(r *http.Request) (prescription.Page, error) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return prescription.Page{}, err
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		return prescription.Page{}, err
	}
	return prescription.Page{Limit: limit, Offset: offset}, nil
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &workflow.ValidationError{Message: "invalid request body"}
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response", zap.Error(err))
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}

// writeError maps workflow errors to status codes
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "internal error", code)
		return
	}

	var ve *workflow.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		h.writeJSON(w, code, map[string]string{"error": ve.Message, "field": ve.Field})
		return
	}
	h.jsonError(w, err.Error(), code)
}

func statusFor(err error) int {
	switch {
	case workflow.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, prescription.ErrNotFound),
		errors.Is(err, inventory.ErrBottleNotFound),
		errors.Is(err, contact.ErrNotFound),
		errors.Is(err, genomics.ErrMedicationNotFound),
		errors.Is(err, workflow.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, prescription.ErrInvalidTransition),
		errors.Is(err, conflict.ErrInteractionDeclined),
		errors.Is(err, contact.ErrDuplicateRequest),
		errors.Is(err, workflow.ErrNoRefillsRemaining),
		errors.Is(err, inventory.ErrInsufficientStock),
		errors.Is(err, inventory.ErrBottleUnavailable),
		errors.Is(err, inventory.ErrBottleExpired),
		errors.Is(err, inventory.ErrMedicationMismatch),
		errors.Is(err, idempotency.ErrPreviouslyFailed):
		return http.StatusConflict
	case errors.Is(err, inventory.ErrInvalidQuantity),
		errors.Is(err, contact.ErrInvalidType),
		errors.Is(err, genomics.ErrNoVariants):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
