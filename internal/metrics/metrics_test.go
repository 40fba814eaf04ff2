package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/asirikuy/framework/pkg/rates"
)

func TestNormalizeBreakerReason(t *testing.T) {
	tests := []struct {
		reason   string
		expected string
	}{
		{"context deadline exceeded", ReasonTimeout},
		{"i/o Timeout", ReasonTimeout},
		{"dial tcp: connection refused", ReasonUnavailable},
		{"nats: no servers available for connection", ReasonUnavailable},
		{"nats: connection closed", ReasonUnavailable},
		{"duplicate key value", ReasonOther},
		{"", ReasonOther},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeBreakerReason(tt.reason))
		})
	}
}

func TestIterationStatus(t *testing.T) {
	assert.Equal(t, StatusOK, iterationStatus(nil))
	assert.Equal(t, StatusSkipped, iterationStatus(fmt.Errorf("test 3: %w", rates.ErrNotEnoughRatesData)))
	assert.Equal(t, StatusFailed, iterationStatus(errors.New("strategy panicked")))
}

func TestRecordRatesConversion(t *testing.T) {
	before := testutil.ToFloat64(RatesConversions.WithLabelValues(ModeStream))
	beforeErr := testutil.ToFloat64(RatesConversionErrors.WithLabelValues("unknown_instance_id"))

	RecordRatesConversion(ModeStream, nil)
	RecordRatesConversion(ModeStream, fmt.Errorf("slot 2: %w", rates.ErrUnknownInstanceID))

	assert.Equal(t, before+2, testutil.ToFloat64(RatesConversions.WithLabelValues(ModeStream)))
	assert.Equal(t, beforeErr+1, testutil.ToFloat64(RatesConversionErrors.WithLabelValues("unknown_instance_id")))
}

func TestObserver(t *testing.T) {
	o := NewObserver(zerolog.Nop())
	ok := testutil.ToFloat64(OptimizationIterations.WithLabelValues(StatusOK))
	skipped := testutil.ToFloat64(OptimizationIterations.WithLabelValues(StatusSkipped))
	generations := testutil.ToFloat64(GeneticGenerations)

	o.IterationCompleted("EURUSD", 25*time.Millisecond, nil)
	o.IterationCompleted("EURUSD", time.Millisecond, rates.ErrNotEnoughRatesData)
	o.GenerationCompleted(0, 12.5)
	o.GenerationCompleted(1, 14.0)

	assert.Equal(t, ok+1, testutil.ToFloat64(OptimizationIterations.WithLabelValues(StatusOK)))
	assert.Equal(t, skipped+1, testutil.ToFloat64(OptimizationIterations.WithLabelValues(StatusSkipped)))
	assert.Equal(t, generations+2, testutil.ToFloat64(GeneticGenerations))
	assert.Equal(t, 14.0, testutil.ToFloat64(BestFitness))

	active := testutil.ToFloat64(ActiveOptimizations)
	o.RunStarted()
	assert.Equal(t, active+1, testutil.ToFloat64(ActiveOptimizations))
	o.RunFinished()
	assert.Equal(t, active, testutil.ToFloat64(ActiveOptimizations))
}

func TestRecordCacheLookup(t *testing.T) {
	hits := testutil.ToFloat64(CacheLookups.WithLabelValues("hit"))
	misses := testutil.ToFloat64(CacheLookups.WithLabelValues("miss"))

	RecordCacheLookup(true)
	RecordCacheLookup(false)
	RecordCacheLookup(false)

	assert.Equal(t, hits+1, testutil.ToFloat64(CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, misses+2, testutil.ToFloat64(CacheLookups.WithLabelValues("miss")))
}

func TestCircuitBreakerMetrics(t *testing.T) {
	UpdateCircuitBreaker("results_store", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(CircuitBreakerStatus.WithLabelValues("results_store")))
	UpdateCircuitBreaker("results_store", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(CircuitBreakerStatus.WithLabelValues("results_store")))

	trips := testutil.ToFloat64(CircuitBreakerTrips.WithLabelValues("bus", ReasonUnavailable))
	RecordCircuitBreakerTrip("bus", "nats: connection closed")
	assert.Equal(t, trips+1, testutil.ToFloat64(CircuitBreakerTrips.WithLabelValues("bus", ReasonUnavailable)))
}
