package prescription

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionReceived  EventType = "PrescriptionReceived"
	EventStatusChanged         EventType = "PrescriptionStatusChanged"
	EventPrescriptionCancelled EventType = "PrescriptionCancelled"
)

// AggregateType names prescriptions in the event stream
const AggregateType = "Prescription"

// Event is published for every recorded transition
type Event struct {
	ID             string    `json:"id"`
	EventType      EventType `json:"event_type"`
	PrescriptionID int64     `json:"prescription_id"`
	UserID         int64     `json:"user_id"`
	MedicationID   int64     `json:"medication_id"`
	FromStatus     Status    `json:"from_status,omitempty"`
	ToStatus       Status    `json:"to_status"`
	Action         string    `json:"action"`
	PerformedBy    string    `json:"performed_by"`
	Notes          string    `json:"notes,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewEvent builds the event for a transition of rx
func NewEvent(rx *Prescription, tr Transition, action, performedBy, notes string) *Event {
	et := EventStatusChanged
	switch {
	case tr.From == "":
		et = EventPrescriptionReceived
	case tr.To == StatusCancelledNotDispensed:
		et = EventPrescriptionCancelled
	}
	return &Event{
		ID:             uuid.New().String(),
		EventType:      et,
		PrescriptionID: rx.ID,
		UserID:         rx.UserID,
		MedicationID:   rx.MedicationID,
		FromStatus:     tr.From,
		ToStatus:       tr.To,
		Action:         action,
		PerformedBy:    performedBy,
		Notes:          notes,
		Timestamp:      time.Now().UTC(),
	}
}

// Key is the partition key for the event
func (e *Event) Key() string { return strconv.FormatInt(e.PrescriptionID, 10) }

// Payload encodes the event as JSON
func (e *Event) Payload() ([]byte, error) { return json.Marshal(e) }
