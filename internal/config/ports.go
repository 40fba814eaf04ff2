// Package config provides configuration management for the Asirikuy framework.
package config

// ============================================================================
// CENTRALIZED PORT CONFIGURATION
// ============================================================================
//
// Port Allocation Strategy:
//   8080-8099: API servers and web services
//   9100-9199: Prometheus metrics endpoints
//
// These are the defaults setDefaults applies; config files and environment
// variables override them.
// ============================================================================

// APIServerPort is the port for the optimization control API. Result streams and
// the API's metrics share it.
const APIServerPort = 8080

// Infrastructure Service Ports
const (
	PostgresPort = 5432
	RedisPort    = 6379
	NATSPort     = 4222
)

// MetricsPortOptimizer is the metrics port of the optimizer CLI.
const MetricsPortOptimizer = 9101
