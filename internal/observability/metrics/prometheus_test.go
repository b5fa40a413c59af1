package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTransition(t *testing.T) {
	before := testutil.ToFloat64(Transitions.WithLabelValues("none", "pending", "intake"))
	RecordTransition("", "pending", "intake")
	assert.Equal(t, before+1, testutil.ToFloat64(Transitions.WithLabelValues("none", "pending", "intake")))
}

func TestObserveActionCountsFailures(t *testing.T) {
	before := testutil.ToFloat64(WorkflowFailures.WithLabelValues("verify"))
	ObserveAction("verify", time.Now(), nil)
	ObserveAction("verify", time.Now(), errors.New("mismatch"))
	assert.Equal(t, before+1, testutil.ToFloat64(WorkflowFailures.WithLabelValues("verify")))
}

func TestSetBreakerState(t *testing.T) {
	SetBreakerState("pharmgkb", "open")
	assert.Equal(t, 1.0, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("pharmgkb")))
	SetBreakerState("pharmgkb", "half-open")
	assert.Equal(t, 2.0, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("pharmgkb")))
	SetBreakerState("pharmgkb", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("pharmgkb")))
}

func TestObserveHTTPUnmatchedRoute(t *testing.T) {
	before := testutil.ToFloat64(HTTPRequests.WithLabelValues("GET", "unmatched", "404"))
	ObserveHTTP("GET", "", 404, time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(HTTPRequests.WithLabelValues("GET", "unmatched", "404")))
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	Register(reg)
	mfs, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, mfs)
}
