package metrics

import (
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/asirikuy/framework/pkg/rates"
)

// Bounded cardinality constants for metric labels.
const (
	// Rates conversion modes
	ModeBackfill = "backfill"
	ModeStream   = "stream"
	ModeBatch    = "batch"

	// Iteration outcomes
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"

	// Circuit breaker reasons
	ReasonTimeout     = "timeout"
	ReasonUnavailable = "unavailable"
	ReasonOther       = "other"
)

// NormalizeBreakerReason maps arbitrary sink failures to a bounded set
func NormalizeBreakerReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return ReasonTimeout
	case strings.Contains(lower, "refused") || strings.Contains(lower, "no servers") ||
		strings.Contains(lower, "closed") || strings.Contains(lower, "unavailable"):
		return ReasonUnavailable
	default:
		return ReasonOther
	}
}

// iterationStatus classifies a finished portfolio test. Not enough history is a skip, anything
// else is a failure.
func iterationStatus(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, rates.ErrNotEnoughRatesData):
		return StatusSkipped
	default:
		return StatusFailed
	}
}

// Rates Aggregation Metrics
var (
	RatesConversions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asirikuy_rates_conversions_total",
		Help: "Total number of rates buffer conversions by mode",
	}, []string{"mode"})

	RatesConversionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asirikuy_rates_conversion_errors_total",
		Help: "Total number of failed rates conversions by reason",
	}, []string{"reason"})

	RatesBarsConverted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asirikuy_rates_bars_converted_total",
		Help: "Total number of source bars replayed through the aggregator",
	})
)

// Optimization Metrics
var (
	OptimizationIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asirikuy_optimization_iterations_total",
		Help: "Total number of portfolio tests by outcome",
	}, []string{"status"})

	IterationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "asirikuy_optimization_iteration_duration_ms",
		Help:    "Portfolio test duration in milliseconds",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
	})

	GeneticGenerations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asirikuy_genetic_generations_total",
		Help: "Total number of completed genetic generations",
	})

	BestFitness = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asirikuy_genetic_best_fitness",
		Help: "Best fitness of the latest genetic generation",
	})

	ActiveOptimizations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asirikuy_active_optimizations",
		Help: "Number of optimization runs in progress",
	})

	OptimizationRuns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "asirikuy_optimization_runs",
		Help: "Stored optimization runs by status",
	}, []string{"status"})
)

// Infrastructure Metrics
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "asirikuy_api_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"method", "path", "status_code"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asirikuy_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})

	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "asirikuy_database_query_duration_ms",
		Help:    "Database query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"query_type"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asirikuy_fitness_cache_lookups_total",
		Help: "Fitness cache lookups by result",
	}, []string{"result"})

	NATSMessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asirikuy_nats_messages_published_total",
		Help: "Total number of NATS messages published",
	})

	NATSMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asirikuy_nats_messages_received_total",
		Help: "Total number of NATS messages received",
	})

	CircuitBreakerStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "asirikuy_circuit_breaker_status",
		Help: "Circuit breaker status (1 = open, 0 = closed)",
	}, []string{"breaker"})

	CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asirikuy_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker trips",
	}, []string{"breaker", "reason"})
)

// RecordRatesConversion records one conversion of a rates buffer
func RecordRatesConversion(mode string, err error) {
	RatesConversions.WithLabelValues(mode).Inc()
	if err != nil {
		RatesConversionErrors.WithLabelValues(rates.Reason(err)).Inc()
	}
}

// RecordIteration records a finished portfolio test
func RecordIteration(durationMs float64, err error) {
	OptimizationIterations.WithLabelValues(iterationStatus(err)).Inc()
	IterationDuration.Observe(durationMs)
}

// RecordGeneration records a completed genetic generation
func RecordGeneration(bestFitness float64) {
	GeneticGenerations.Inc()
	BestFitness.Set(bestFitness)
}

// RecordAPIRequest records an API request with duration
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordDatabaseQuery records a database query
func RecordDatabaseQuery(queryType string, durationMs float64) {
	DatabaseQueryDuration.WithLabelValues(queryType).Observe(durationMs)
}

// RecordCacheLookup records a fitness cache hit or miss
func RecordCacheLookup(hit bool) {
	if hit {
		CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	CacheLookups.WithLabelValues("miss").Inc()
}

// UpdateCircuitBreaker updates circuit breaker status
func UpdateCircuitBreaker(breaker string, open bool) {
	status := 0.0
	if open {
		status = 1.0
	}
	CircuitBreakerStatus.WithLabelValues(breaker).Set(status)
}

// RecordCircuitBreakerTrip records a circuit breaker trip with normalized reason
func RecordCircuitBreakerTrip(breaker, reason string) {
	CircuitBreakerTrips.WithLabelValues(breaker, NormalizeBreakerReason(reason)).Inc()
}
