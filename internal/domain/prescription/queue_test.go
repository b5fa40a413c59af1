package prescription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseView(t *testing.T) {
	for _, name := range []string{"reception", "data_entry", "drug_review", "dispensing", "verification", "pickup"} {
		v, err := ParseView(name)
		require.NoError(t, err)
		assert.Equal(t, View(name), v)
	}
	_, err := ParseView("ProductSelectionQueue")
	assert.Error(t, err)
}

func TestViewStatuses(t *testing.T) {
	assert.Equal(t, []Status{StatusPending, StatusInProgress}, ViewDataEntry.Statuses())
	assert.Equal(t, []Status{StatusProductDispensingPending, StatusBottleSelected}, ViewDispensing.Statuses())
	assert.Nil(t, ViewDrugReview.Statuses())
	assert.Nil(t, ViewPickup.Statuses())
}

func TestQueueTables(t *testing.T) {
	assert.Equal(t, "drugreviewqueue", QueueDrugReview.Table())
	assert.Equal(t, "ReadyForPickUp", QueuePickup.Table())
	assert.Len(t, ActiveQueues(), 4)
	assert.Panics(t, func() { _ = Queue(99).Table() })
}

func TestPageNormalize(t *testing.T) {
	assert.Equal(t, Page{Limit: 25, Offset: 0}, Page{Offset: -3}.Normalize(25))
	assert.Equal(t, Page{Limit: DefaultPageSize}, Page{}.Normalize(0))
	assert.Equal(t, Page{Limit: 5, Offset: 10}, Page{Limit: 5, Offset: 10}.Normalize(25))
}
