// Package prescription implements the prescription record and its workflow
// state machine.
package prescription

import (
	"errors"
	"fmt"
	"time"
)

// Status represents prescription status
type Status string

const (
	StatusPending                  Status = "pending"
	StatusInProgress               Status = "in_progress"
	StatusDataEntryComplete        Status = "data_entry_complete"
	StatusDrugReviewPending        Status = "drug_review_pending"
	StatusApproved                 Status = "approved"
	StatusProductDispensingPending Status = "product_dispensing_pending"
	StatusBottleSelected           Status = "bottle_selected"
	StatusVerificationPending      Status = "verification_pending"
	StatusReleasedToPickup         Status = "released_to_pickup"
	StatusCompleted                Status = "completed"
	StatusRejected                 Status = "rejected"
	StatusCancelledNotDispensed    Status = "cancelled_not_dispensed"
)

var (
	ErrUnknownStatus     = errors.New("unknown prescription status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("prescription not found")
)

// Statuses lists every valid status in workflow order
func Statuses() []Status {
	return []Status{
		StatusPending,
		StatusInProgress,
		StatusDataEntryComplete,
		StatusDrugReviewPending,
		StatusApproved,
		StatusProductDispensingPending,
		StatusBottleSelected,
		StatusVerificationPending,
		StatusReleasedToPickup,
		StatusCompleted,
		StatusRejected,
		StatusCancelledNotDispensed,
	}
}

// transitions lists the forward edges. Cancellation is allowed from every
// non-terminal status and is handled in CanTransition.
var transitions = map[Status][]Status{
	StatusPending:                  {StatusInProgress, StatusDataEntryComplete},
	StatusInProgress:               {StatusDataEntryComplete},
	StatusDataEntryComplete:        {StatusDrugReviewPending, StatusProductDispensingPending},
	StatusDrugReviewPending:        {StatusApproved, StatusProductDispensingPending, StatusRejected},
	StatusApproved:                 {StatusProductDispensingPending},
	StatusProductDispensingPending: {StatusBottleSelected, StatusVerificationPending},
	StatusBottleSelected:           {StatusVerificationPending, StatusProductDispensingPending},
	StatusVerificationPending:      {StatusReleasedToPickup, StatusProductDispensingPending},
	StatusReleasedToPickup:         {StatusCompleted},
}

// ParseStatus validates a stored status string
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return st, nil
}

// Valid reports whether s is a member of the state set
func (s Status) Valid() bool {
	for _, st := range Statuses() {
		if s == st {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusCancelledNotDispensed
}

// OffProfileStatuses no longer put their medication on the patient's active
// profile for drug-drug interaction checks
var OffProfileStatuses = []Status{
	StatusRejected,
	StatusReleasedToPickup,
	StatusCompleted,
	StatusCancelledNotDispensed,
}

// OnActiveProfile reports whether the status is outside OffProfileStatuses
func (s Status) OnActiveProfile() bool {
	for _, off := range OffProfileStatuses {
		if s == off {
			return false
		}
	}
	return true
}

// CanTransition reports whether from -> to is an edge of the workflow
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to == StatusCancelledNotDispensed {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Next returns the statuses reachable from s in one step
func Next(s Status) []Status {
	out := append([]Status(nil), transitions[s]...)
	if s.Valid() && !s.Terminal() {
		out = append(out, StatusCancelledNotDispensed)
	}
	return out
}

// TransitionError describes a rejected status change
type TransitionError struct {
	PrescriptionID int64
	From           Status
	To             Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("prescription %d: cannot move from %q to %q", e.PrescriptionID, e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Prescription is one dispensing instance of a medication for a patient
// (ActivatedPrescriptions)
type Prescription struct {
	ID                int64
	UserID            int64
	MedicationID      int64
	QuantityDispensed int
	Status            Status
	RxNumber          string
	RxStoreNum        string
	StoreNumber       string
	PrescriberID      *int64
	Refills           int
	FillDate          time.Time
	UpdatedAt         time.Time
}

// Transition is a validated status change
type Transition struct {
	From Status
	To   Status
}

// Advance moves the record to status to, enforcing the transition table
func (p *Prescription) Advance(to Status) (Transition, error) {
	if !CanTransition(p.Status, to) {
		return Transition{}, &TransitionError{PrescriptionID: p.ID, From: p.Status, To: to}
	}
	tr := Transition{From: p.Status, To: to}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	return tr, nil
}

// Require fails unless the record is in one of the given statuses
func (p *Prescription) Require(to Status, allowed ...Status) error {
	for _, s := range allowed {
		if p.Status == s {
			return nil
		}
	}
	return &TransitionError{PrescriptionID: p.ID, From: p.Status, To: to}
}
