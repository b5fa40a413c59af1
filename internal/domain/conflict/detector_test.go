package conflict

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	reviews      []*DrugReview
	others       []int64
	interactions []*Interaction
	err          error
	lookupErr    error
}

func (f *fakeRepo) ActiveReviews(ctx context.Context, userID, medicationID int64) ([]*DrugReview, error) {
	return f.reviews, f.err
}

func (f *fakeRepo) CoPrescribed(ctx context.Context, userID, excludeMedicationID int64) ([]int64, error) {
	return f.others, f.err
}

func (f *fakeRepo) Interactions(ctx context.Context, medicationID int64, others []int64) ([]*Interaction, error) {
	return f.interactions, f.lookupErr
}

// savepoints counts savepoint scopes and how many were rolled back
type savepoints struct {
	opened, rolledBack int
}

func (s *savepoints) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	s.opened++
	if err := fn(ctx); err != nil {
		s.rolledBack++
		return err
	}
	return nil
}

func TestAssess(t *testing.T) {
	d := NewDetector(nil)
	ctx := context.Background()

	a, err := d.Assess(ctx, &fakeRepo{}, 1, 2)
	require.NoError(t, err)
	assert.False(t, a.Conflict)

	repo := &fakeRepo{reviews: []*DrugReview{
		{Gene: "CYP2C19", Risk: RiskModerate},
		{Gene: "CYP2D6", Risk: RiskHigh},
	}}
	a, err = d.Assess(ctx, repo, 1, 2)
	require.NoError(t, err)
	assert.True(t, a.Conflict)
	assert.Equal(t, RiskHigh, a.Risk)
	assert.Len(t, a.Reviews, 2)

	ok, err := d.HasActiveConflict(ctx, &fakeRepo{err: errors.New("db down")}, 1, 2)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestCheckDrugDrugInteractionsSwallowsErrors(t *testing.T) {
	d := NewDetector(nil)
	ctx := context.Background()

	sp := &savepoints{}
	found := d.CheckDrugDrugInteractions(ctx, &fakeRepo{err: errors.New("boom")}, sp, 1, 2)
	assert.Nil(t, found)
	assert.Equal(t, 1, sp.rolledBack)

	sp = &savepoints{}
	repo := &fakeRepo{others: []int64{5}, lookupErr: errors.New("relation does not exist")}
	found = d.CheckDrugDrugInteractions(ctx, repo, sp, 1, 2)
	assert.Nil(t, found)
	assert.Equal(t, 1, sp.opened)
	assert.Equal(t, 1, sp.rolledBack, "failed lookup is rolled back to its savepoint")
}

func TestCheckDrugDrugInteractionsUsesSavepoint(t *testing.T) {
	d := NewDetector(nil)
	sp := &savepoints{}
	repo := &fakeRepo{
		others:       []int64{5},
		interactions: []*Interaction{{MedicationID: 2, OtherMedicationID: 5}},
	}
	found := d.CheckDrugDrugInteractions(context.Background(), repo, sp, 1, 2)
	assert.Len(t, found, 1)
	assert.Equal(t, 1, sp.opened)
	assert.Zero(t, sp.rolledBack)
}

func TestGateInteractions(t *testing.T) {
	d := NewDetector(nil)
	ctx := context.Background()
	repo := &fakeRepo{
		others:       []int64{5},
		interactions: []*Interaction{{MedicationID: 2, OtherMedicationID: 5, Severity: "major"}},
	}

	found, err := d.GateInteractions(ctx, repo, &savepoints{}, nil, 1, 2)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	var seen int
	accept := ConfirmFunc(func(ctx context.Context, in []*Interaction) (bool, error) {
		seen = len(in)
		return true, nil
	})
	_, err = d.GateInteractions(ctx, repo, &savepoints{}, accept, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, seen)

	decline := ConfirmFunc(func(ctx context.Context, in []*Interaction) (bool, error) { return false, nil })
	found, err = d.GateInteractions(ctx, repo, &savepoints{}, decline, 1, 2)
	assert.ErrorIs(t, err, ErrInteractionDeclined)
	assert.Len(t, found, 1)

	called := false
	never := ConfirmFunc(func(ctx context.Context, in []*Interaction) (bool, error) {
		called = true
		return false, nil
	})
	_, err = d.GateInteractions(ctx, &fakeRepo{}, &savepoints{}, never, 1, 2)
	require.NoError(t, err)
	assert.False(t, called, "confirmer is not consulted without interactions")
}
