package prescription

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusDataEntryComplete, true},
		{StatusInProgress, StatusDataEntryComplete, true},
		{StatusDataEntryComplete, StatusDrugReviewPending, true},
		{StatusDataEntryComplete, StatusProductDispensingPending, true},
		{StatusDrugReviewPending, StatusRejected, true},
		{StatusApproved, StatusProductDispensingPending, true},
		{StatusBottleSelected, StatusVerificationPending, true},
		{StatusVerificationPending, StatusProductDispensingPending, true},
		{StatusVerificationPending, StatusReleasedToPickup, true},
		{StatusReleasedToPickup, StatusCompleted, true},
		{StatusPending, StatusCompleted, false},
		{StatusDataEntryComplete, StatusPending, false},
		{StatusCompleted, StatusPending, false},
		{StatusRejected, StatusProductDispensingPending, false},
		{StatusPending, StatusCancelledNotDispensed, true},
		{StatusVerificationPending, StatusCancelledNotDispensed, true},
		{StatusCompleted, StatusCancelledNotDispensed, false},
		{StatusCancelledNotDispensed, StatusCancelledNotDispensed, false},
		{Status("bogus"), StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatusesHaveNoSuccessors(t *testing.T) {
	for _, s := range Statuses() {
		if s.Terminal() {
			assert.Empty(t, Next(s), s)
		} else {
			assert.Contains(t, Next(s), StatusCancelledNotDispensed, s)
		}
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("verification_pending")
	require.NoError(t, err)
	assert.Equal(t, StatusVerificationPending, st)

	_, err = ParseStatus("shipped")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestAdvance(t *testing.T) {
	p := &Prescription{ID: 9, Status: StatusPending}

	tr, err := p.Advance(StatusDataEntryComplete)
	require.NoError(t, err)
	assert.Equal(t, Transition{From: StatusPending, To: StatusDataEntryComplete}, tr)
	assert.Equal(t, StatusDataEntryComplete, p.Status)
	assert.False(t, p.UpdatedAt.IsZero())

	_, err = p.Advance(StatusCompleted)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, int64(9), te.PrescriptionID)
	assert.Equal(t, StatusDataEntryComplete, p.Status, "failed advance leaves status unchanged")
}

func TestRequire(t *testing.T) {
	p := &Prescription{ID: 1, Status: StatusBottleSelected}
	assert.NoError(t, p.Require(StatusVerificationPending, StatusProductDispensingPending, StatusBottleSelected))
	assert.ErrorIs(t, p.Require(StatusReleasedToPickup, StatusVerificationPending), ErrInvalidTransition)
}
