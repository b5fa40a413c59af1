package prescription

import (
	"context"
	"time"

	"github.com/drfirst/go-rxfill/internal/domain/conflict"
)

// IntakeEntry is a reception work item (ProductSelectionQueue)
type IntakeEntry struct {
	ID             int64
	PrescriptionID int64
	UserID         int64
	MedicationID   int64
	Product        string
	Quantity       int
	Instructions   string
	Delivery       string
	PromiseTime    *time.Time
	Refills        int
	Status         Status
	CreatedAt      time.Time
}

// ReviewStatus is the state of a drug review task
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// ReviewEntry is a pending pharmacist review task (drugreviewqueue)
type ReviewEntry struct {
	ID             int64
	PrescriptionID int64
	UserID         int64
	MedicationID   int64
	RiskLevel      conflict.Risk
	Status         ReviewStatus
	ReviewedBy     string
	Notes          string
	ReviewedAt     *time.Time
	CreatedAt      time.Time
}

// PickupEntry is a verified prescription waiting for the patient (ReadyForPickUp)
type PickupEntry struct {
	ID             int64
	PrescriptionID int64
	UserID         int64
	MedicationID   int64
	RxStoreNum     string
	Quantity       int
	PaymentStatus  string
	Status         string
	ReadyAt        time.Time
}

// FinishedTransaction records a release to the patient (FinishedTransactions)
type FinishedTransaction struct {
	ID             int64
	PrescriptionID int64
	UserID         int64
	MedicationID   int64
	RxStoreNum     string
	Quantity       int
	ReleasedAt     time.Time
	Status         string
}

// HistoryRecord is a patient-history prescription row (Prescriptions)
type HistoryRecord struct {
	ID                   int64
	SourcePrescriptionID int64
	UserID               int64
	MedicationID         int64
	QuantityDispensed    int
	RefillsRemaining     int
	Instructions         string
	Status               Status
	RxStoreNum           string
	FillDate             time.Time
	LastFillDate         time.Time
}

// Repository persists prescriptions and their queue rows. Implementations are
// bound to one transaction.
type Repository interface {
	Create(ctx context.Context, rx *Prescription) error
	// Get loads and locks the prescription for the rest of the transaction
	Get(ctx context.Context, id int64) (*Prescription, error)
	UpdateStatus(ctx context.Context, id int64, status Status) error
	UpdateDetails(ctx context.Context, rx *Prescription) error

	CreateIntake(ctx context.Context, e *IntakeEntry) error
	IntakeFor(ctx context.Context, prescriptionID int64) (*IntakeEntry, error)
	UpdateIntake(ctx context.Context, e *IntakeEntry) error

	CreateReview(ctx context.Context, r *ReviewEntry) error
	PendingReview(ctx context.Context, prescriptionID int64) (*ReviewEntry, error)
	ResolveReview(ctx context.Context, r *ReviewEntry) error

	CreatePickup(ctx context.Context, p *PickupEntry) error
	PickupFor(ctx context.Context, prescriptionID int64) (*PickupEntry, error)
	CreateFinished(ctx context.Context, f *FinishedTransaction) error

	CreateHistory(ctx context.Context, h *HistoryRecord) error
	GetHistory(ctx context.Context, id int64) (*HistoryRecord, error)
	UpdateHistoryRefills(ctx context.Context, id int64, refills int) error
	HistoryFor(ctx context.Context, userID int64) ([]*HistoryRecord, error)

	// Remove deletes the prescription's rows from q and returns the count.
	// Only pending drugreviewqueue rows are removed; resolved reviews stay
	// as the record of the pharmacist's decision.
	Remove(ctx context.Context, q Queue, prescriptionID int64) (int64, error)

	List(ctx context.Context, v View, page Page) ([]*QueueItem, int, error)
}
