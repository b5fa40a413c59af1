package conflict

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrInteractionDeclined is returned when the pharmacist declines to proceed
// past a drug-drug interaction warning
var ErrInteractionDeclined = errors.New("drug interaction not acknowledged")

// ReviewStatusActive marks a drug_review row that still gates dispensing
const ReviewStatusActive = "active"

// DrugReview is a precomputed drug-gene conflict for a patient
type DrugReview struct {
	ID           int64
	UserID       int64
	MedicationID int64
	Gene         string
	Variant      string
	Risk         Risk
	Status       string
	Description  string
	Notes        string
}

// Interaction is a recorded drug-drug interaction between the medication
// being entered and another active medication of the same patient
type Interaction struct {
	MedicationID        int64
	OtherMedicationID   int64
	OtherMedicationName string
	Severity            string
	Description         string
}

// Repository reads conflict records
type Repository interface {
	// ActiveReviews returns drug_review rows with status active for the pair
	ActiveReviews(ctx context.Context, userID, medicationID int64) ([]*DrugReview, error)
	// CoPrescribed returns medication ids of the patient's other prescriptions
	// that are still in the active workflow
	CoPrescribed(ctx context.Context, userID, excludeMedicationID int64) ([]int64, error)
	// Interactions returns interactions between medicationID and any of others,
	// matched in either direction
	Interactions(ctx context.Context, medicationID int64, others []int64) ([]*Interaction, error)
}

// Savepointer runs fn under a savepoint of the enclosing transaction
type Savepointer interface {
	Savepoint(ctx context.Context, fn func(ctx context.Context) error) error
}

// Confirmer asks the operator whether to continue despite interactions
type Confirmer interface {
	ConfirmInteractions(ctx context.Context, interactions []*Interaction) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer
type ConfirmFunc func(ctx context.Context, interactions []*Interaction) (bool, error)

// ConfirmInteractions implements Confirmer
func (f ConfirmFunc) ConfirmInteractions(ctx context.Context, interactions []*Interaction) (bool, error) {
	return f(ctx, interactions)
}

// Assessment is the drug-gene routing decision for a prescription
type Assessment struct {
	Conflict bool
	Risk     Risk
	Reviews  []*DrugReview
}

// Detector decides whether a prescription needs pharmacist review
type Detector struct {
	logger *zap.Logger
}

// NewDetector creates a detector
func NewDetector(logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{logger: logger}
}

// HasActiveConflict reports whether any active drug_review row matches
func (d *Detector) HasActiveConflict(ctx context.Context, repo Repository, userID, medicationID int64) (bool, error) {
	a, err := d.Assess(ctx, repo, userID, medicationID)
	if err != nil {
		return false, err
	}
	return a.Conflict, nil
}

// Assess returns the conflict decision together with the most severe risk
// among the matching rows
func (d *Detector) Assess(ctx context.Context, repo Repository, userID, medicationID int64) (*Assessment, error) {
	reviews, err := repo.ActiveReviews(ctx, userID, medicationID)
	if err != nil {
		return nil, fmt.Errorf("active reviews: %w", err)
	}

	a := &Assessment{Reviews: reviews}
	for _, r := range reviews {
		a.Conflict = true
		a.Risk = Highest(a.Risk, r.Risk)
	}
	return a, nil
}

// CheckDrugDrugInteractions looks for interactions with the patient's other
// active medications. The lookups run under a savepoint; failures are logged,
// rolled back and yield no interactions.
func (d *Detector) CheckDrugDrugInteractions(ctx context.Context, repo Repository, sp Savepointer, userID, medicationID int64) []*Interaction {
	var found []*Interaction
	err := sp.Savepoint(ctx, func(ctx context.Context) error {
		others, err := repo.CoPrescribed(ctx, userID, medicationID)
		if err != nil {
			return fmt.Errorf("co-prescribed medications: %w", err)
		}
		if len(others) == 0 {
			return nil
		}
		found, err = repo.Interactions(ctx, medicationID, others)
		if err != nil {
			return fmt.Errorf("interaction lookup: %w", err)
		}
		return nil
	})
	if err != nil {
		d.logger.Warn("drug interaction check skipped",
			zap.Int64("user_id", userID),
			zap.Int64("medication_id", medicationID),
			zap.Error(err))
		return nil
	}
	return found
}

// GateInteractions runs the interaction check and, on a match, blocks on the
// confirmer. A nil confirmer accepts every interaction.
func (d *Detector) GateInteractions(ctx context.Context, repo Repository, sp Savepointer, c Confirmer, userID, medicationID int64) ([]*Interaction, error) {
	found := d.CheckDrugDrugInteractions(ctx, repo, sp, userID, medicationID)
	if len(found) == 0 || c == nil {
		return found, nil
	}

	ok, err := c.ConfirmInteractions(ctx, found)
	if err != nil {
		return found, fmt.Errorf("confirm interactions: %w", err)
	}
	if !ok {
		return found, ErrInteractionDeclined
	}
	d.logger.Info("drug interactions acknowledged",
		zap.Int64("user_id", userID),
		zap.Int64("medication_id", medicationID),
		zap.Int("count", len(found)))
	return found, nil
}
