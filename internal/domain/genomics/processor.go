package genomics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/conflict"
	"github.com/drfirst/go-rxfill/internal/pharmgkb"
)

// ErrNoVariants is returned for a file without data lines
var ErrNoVariants = errors.New("no variants found in VCF file")

// Annotator looks up drug annotations for a variant
type Annotator interface {
	VariantConflicts(ctx context.Context, rsid string) ([]pharmgkb.Conflict, error)
}

// Interaction is a drug affected by one of the patient's variants
type Interaction struct {
	MedicationName string        `json:"medication_name"`
	Gene           string        `json:"gene"`
	Variant        string        `json:"variant"`
	Risk           conflict.Risk `json:"risk_level"`
	Score          float64       `json:"score"`
	Description    string        `json:"description"`
	URL            string        `json:"url,omitempty"`
}

// Result is the outcome of processing one VCF file
type Result struct {
	SampleName   string         `json:"sample_name,omitempty"`
	Variants     []*Variant     `json:"variants"`
	Interactions []*Interaction `json:"interactions"`
	// LookupFailures counts variants whose annotation lookup failed
	LookupFailures int    `json:"lookup_failures"`
	Summary        string `json:"summary"`
}

// ProgressFunc receives human readable progress messages
type ProgressFunc func(msg string)

// Processor parses VCF files and annotates their variants
type Processor struct {
	annotator Annotator
	logger    *zap.Logger
}

// NewProcessor creates a processor
func NewProcessor(annotator Annotator, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{annotator: annotator, logger: logger}
}

// Process parses r and queries the annotator for every variant. Failed
// lookups count as no conflicts for that variant.
func (p *Processor) Process(ctx context.Context, r io.Reader, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(string) {}
	}

	progress("Parsing VCF file...")
	vcf, err := ParseVCF(r)
	if err != nil {
		return nil, fmt.Errorf("parse vcf: %w", err)
	}
	if len(vcf.Variants) == 0 {
		return nil, ErrNoVariants
	}

	progress(fmt.Sprintf("Found %d variants. Querying PharmGKB...", len(vcf.Variants)))
	res := &Result{SampleName: vcf.SampleName, Variants: vcf.Variants}
	for _, v := range vcf.Variants {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if v.RSID == "" {
			continue
		}

		progress(fmt.Sprintf("Querying PharmGKB for %s...", v.RSID))
		start := time.Now()
		conflicts, err := p.annotator.VariantConflicts(ctx, v.RSID)
		if err != nil {
			res.LookupFailures++
			p.logger.Warn("variant lookup failed",
				zap.String("rsid", v.RSID),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			continue
		}
		for _, c := range conflicts {
			res.Interactions = append(res.Interactions, &Interaction{
				MedicationName: c.MedicationName,
				Gene:           v.Gene,
				Variant:        v.RSID,
				Risk:           c.Risk,
				Score:          c.Score,
				Description:    c.Sentence,
				URL:            c.URL,
			})
		}
	}

	res.Summary = fmt.Sprintf("Found %d variants. ", len(res.Variants))
	if len(res.Interactions) > 0 {
		res.Summary += fmt.Sprintf("%d drug interactions detected.", len(res.Interactions))
	} else {
		res.Summary += "No drug interactions found in PharmGKB."
	}
	progress("Processing complete! " + res.Summary)
	return res, nil
}
