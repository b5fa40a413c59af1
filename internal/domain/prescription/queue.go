package prescription

import (
	"fmt"
	"time"

	"github.com/drfirst/go-rxfill/internal/domain/conflict"
)

// Queue enumerates the tables a prescription can occupy. Table names only
// ever come from this set.
type Queue int

const (
	QueueReception  Queue = iota + 1 // ProductSelectionQueue
	QueueActive                      // ActivatedPrescriptions
	QueueDrugReview                  // drugreviewqueue
	QueuePickup                      // ReadyForPickUp
	QueueFinished                    // FinishedTransactions
	QueueHistory                     // Prescriptions
)

// Table returns the backing table name
func (q Queue) Table() string {
	switch q {
	case QueueReception:
		return "ProductSelectionQueue"
	case QueueActive:
		return "ActivatedPrescriptions"
	case QueueDrugReview:
		return "drugreviewqueue"
	case QueuePickup:
		return "ReadyForPickUp"
	case QueueFinished:
		return "FinishedTransactions"
	case QueueHistory:
		return "Prescriptions"
	}
	panic(fmt.Sprintf("prescription: unknown queue %d", int(q)))
}

func (q Queue) String() string { return q.Table() }

// ActiveQueues are the workflow tables a cancelled prescription is removed from
func ActiveQueues() []Queue {
	return []Queue{QueueReception, QueueDrugReview, QueuePickup, QueueActive}
}

// View is a work queue shown to an operator
type View string

const (
	ViewReception    View = "reception"
	ViewDataEntry    View = "data_entry"
	ViewDrugReview   View = "drug_review"
	ViewDispensing   View = "dispensing"
	ViewVerification View = "verification"
	ViewPickup       View = "pickup"
)

// ParseView validates a view name
func ParseView(s string) (View, error) {
	switch v := View(s); v {
	case ViewReception, ViewDataEntry, ViewDrugReview, ViewDispensing, ViewVerification, ViewPickup:
		return v, nil
	}
	return "", fmt.Errorf("unknown queue view %q", s)
}

// Statuses returns the prescription statuses listed by the view. Drug review
// and pickup list their own tables and return nil.
func (v View) Statuses() []Status {
	switch v {
	case ViewReception:
		return []Status{StatusPending}
	case ViewDataEntry:
		return []Status{StatusPending, StatusInProgress}
	case ViewDispensing:
		return []Status{StatusProductDispensingPending, StatusBottleSelected}
	case ViewVerification:
		return []Status{StatusVerificationPending}
	}
	return nil
}

// DefaultPageSize is the listing page size when none is given
const DefaultPageSize = 50

// Page selects a window of a queue listing
type Page struct {
	Limit  int
	Offset int
}

// Normalize fills in the default page size and clamps negative offsets
func (p Page) Normalize(defaultSize int) Page {
	if defaultSize <= 0 {
		defaultSize = DefaultPageSize
	}
	if p.Limit <= 0 {
		p.Limit = defaultSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// QueueItem is one row of a queue view
type QueueItem struct {
	PrescriptionID int64
	UserID         int64
	MedicationID   int64
	PatientName    string
	MedicationName string
	Quantity       int
	Status         string
	RiskLevel      conflict.Risk
	RxNumber       string
	CreatedAt      time.Time
}
