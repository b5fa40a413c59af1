package genomics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/conflict"
)

// ErrMedicationNotFound is returned when a drug name has no formulary entry
var ErrMedicationNotFound = errors.New("medication not found")

// GeneticInfo is a stored patient genotype (final_genetic_info)
type GeneticInfo struct {
	UserID     int64
	Gene       string
	Variant    string
	Genotype   string
	DateTested time.Time
}

// Repository persists imported genomic data
type Repository interface {
	// UpsertGeneticInfo inserts or replaces the row for (user, gene, variant)
	UpsertGeneticInfo(ctx context.Context, g *GeneticInfo) error
	GeneticInfo(ctx context.Context, userID int64) ([]*GeneticInfo, error)
	// MedicationIDByName matches the formulary name case-insensitively
	MedicationIDByName(ctx context.Context, name string) (int64, error)
	// UpsertDrugReview inserts or reactivates the row for
	// (user, medication, gene, variant)
	UpsertDrugReview(ctx context.Context, r *conflict.DrugReview) error
}

// ImportSummary counts what an import wrote
type ImportSummary struct {
	Variants     int      `json:"variants"`
	DrugReviews  int      `json:"drug_reviews"`
	UnknownDrugs []string `json:"unknown_drugs,omitempty"`
}

// Importer stores processing results against a patient
type Importer struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewImporter creates an importer
func NewImporter(logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Import writes every variant and every interaction whose drug is on the
// formulary. Callers run it inside one transaction.
func (im *Importer) Import(ctx context.Context, repo Repository, userID int64, res *Result) (*ImportSummary, error) {
	today := im.now()
	today = time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)

	sum := &ImportSummary{}
	for _, v := range res.Variants {
		genotype := v.Genotype
		if genotype == "" {
			genotype = Unknown
		}
		g := &GeneticInfo{
			UserID:     userID,
			Gene:       v.Gene,
			Variant:    v.RSID,
			Genotype:   genotype,
			DateTested: today,
		}
		if err := repo.UpsertGeneticInfo(ctx, g); err != nil {
			return nil, fmt.Errorf("store variant %s: %w", v.RSID, err)
		}
		sum.Variants++
	}

	unknown := make(map[string]bool)
	for _, in := range res.Interactions {
		medID, err := repo.MedicationIDByName(ctx, in.MedicationName)
		if errors.Is(err, ErrMedicationNotFound) {
			if !unknown[strings.ToLower(in.MedicationName)] {
				unknown[strings.ToLower(in.MedicationName)] = true
				sum.UnknownDrugs = append(sum.UnknownDrugs, in.MedicationName)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lookup medication %q: %w", in.MedicationName, err)
		}

		r := &conflict.DrugReview{
			UserID:       userID,
			MedicationID: medID,
			Gene:         in.Gene,
			Variant:      in.Variant,
			Risk:         in.Risk,
			Status:       conflict.ReviewStatusActive,
			Description:  in.Description,
			Notes:        fmt.Sprintf("Score: %g - %s", in.Score, in.Description),
		}
		if err := repo.UpsertDrugReview(ctx, r); err != nil {
			return nil, fmt.Errorf("store drug review for %q: %w", in.MedicationName, err)
		}
		sum.DrugReviews++
	}

	im.logger.Info("genomic data imported",
		zap.Int64("user_id", userID),
		zap.Int("variants", sum.Variants),
		zap.Int("drug_reviews", sum.DrugReviews),
		zap.Int("unknown_drugs", len(sum.UnknownDrugs)))
	return sum, nil
}
