package genomics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxfill/internal/domain/conflict"
	"github.com/drfirst/go-rxfill/internal/pharmgkb"
)

type fakeAnnotator map[string][]pharmgkb.Conflict

func (f fakeAnnotator) VariantConflicts(ctx context.Context, rsid string) ([]pharmgkb.Conflict, error) {
	if rsid == "rs113993960" {
		return nil, errors.New("timeout")
	}
	return f[rsid], nil
}

func TestProcess(t *testing.T) {
	ann := fakeAnnotator{
		"rs4244285": {
			{MedicationName: "clopidogrel", Risk: conflict.RiskHigh, Score: 4.5, Sentence: "reduced activation"},
		},
	}
	var msgs []string
	res, err := NewProcessor(ann, nil).Process(context.Background(), strings.NewReader(sampleVCF), func(m string) {
		msgs = append(msgs, m)
	})
	require.NoError(t, err)

	assert.Len(t, res.Variants, 4)
	require.Len(t, res.Interactions, 1)
	in := res.Interactions[0]
	assert.Equal(t, "clopidogrel", in.MedicationName)
	assert.Equal(t, "CYP2C19", in.Gene)
	assert.Equal(t, "rs4244285", in.Variant)
	assert.Equal(t, 1, res.LookupFailures)
	assert.Equal(t, "Found 4 variants. 1 drug interactions detected.", res.Summary)
	assert.Equal(t, "Parsing VCF file...", msgs[0])
	assert.True(t, strings.HasPrefix(msgs[len(msgs)-1], "Processing complete!"))
}

func TestProcessEmptyFile(t *testing.T) {
	_, err := NewProcessor(fakeAnnotator{}, nil).Process(context.Background(), strings.NewReader("##only headers\n"), nil)
	assert.ErrorIs(t, err, ErrNoVariants)
}

func TestProcessHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewProcessor(fakeAnnotator{}, nil).Process(ctx, strings.NewReader(sampleVCF), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

type importRepo struct {
	genetics []*GeneticInfo
	reviews  []*conflict.DrugReview
	formular map[string]int64
}

func (r *importRepo) UpsertGeneticInfo(ctx context.Context, g *GeneticInfo) error {
	r.genetics = append(r.genetics, g)
	return nil
}

func (r *importRepo) GeneticInfo(ctx context.Context, userID int64) ([]*GeneticInfo, error) {
	return r.genetics, nil
}

func (r *importRepo) MedicationIDByName(ctx context.Context, name string) (int64, error) {
	id, ok := r.formular[strings.ToLower(name)]
	if !ok {
		return 0, ErrMedicationNotFound
	}
	return id, nil
}

func (r *importRepo) UpsertDrugReview(ctx context.Context, dr *conflict.DrugReview) error {
	r.reviews = append(r.reviews, dr)
	return nil
}

func TestImport(t *testing.T) {
	repo := &importRepo{formular: map[string]int64{"clopidogrel": 42}}
	im := NewImporter(nil)
	im.now = func() time.Time { return time.Date(2026, 5, 1, 17, 30, 0, 0, time.UTC) }

	res := &Result{
		Variants: []*Variant{
			{RSID: "rs4244285", Gene: "CYP2C19", Genotype: "0/1"},
			{RSID: "rs1", Gene: Unknown},
		},
		Interactions: []*Interaction{
			{MedicationName: "Clopidogrel", Gene: "CYP2C19", Variant: "rs4244285", Risk: conflict.RiskHigh, Score: 4.5, Description: "reduced activation"},
			{MedicationName: "Warfarin", Gene: "CYP2C9", Variant: "rs1799853", Risk: conflict.RiskModerate},
			{MedicationName: "warfarin", Gene: "VKORC1", Variant: "rs9923231", Risk: conflict.RiskModerate},
		},
	}
	sum, err := im.Import(context.Background(), repo, 7, res)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Variants)
	assert.Equal(t, 1, sum.DrugReviews)
	assert.Equal(t, []string{"Warfarin"}, sum.UnknownDrugs)

	assert.Equal(t, Unknown, repo.genetics[1].Genotype)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), repo.genetics[0].DateTested)

	require.Len(t, repo.reviews, 1)
	dr := repo.reviews[0]
	assert.Equal(t, int64(42), dr.MedicationID)
	assert.Equal(t, conflict.ReviewStatusActive, dr.Status)
	assert.Equal(t, "Score: 4.5 - reduced activation", dr.Notes)
}
