package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/asirikuy/framework/pkg/optimizer"
	"github.com/asirikuy/framework/pkg/rates"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation. Infrastructure sections are
// only checked when a results sink uses them.
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateOptimizer()...)
	errors = append(errors, c.validateTester()...)
	errors = append(errors, c.validateRates()...)
	errors = append(errors, c.validateHistory()...)

	if c.Results.Store {
		errors = append(errors, c.validateDatabase()...)
	}
	if c.Results.Cache {
		errors = append(errors, c.validateRedis()...)
	}
	if c.Results.Publish {
		errors = append(errors, c.validateNATS()...)
	}

	errors = append(errors, c.validateAPI()...)
	errors = append(errors, c.validateEnvironmentRequirements()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	validEnvs := []string{"development", "staging", "production"}
	if !slices.Contains(validEnvs, c.App.Environment) {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
		})
	}

	if c.App.LogLevel == "" {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: "Log level is required (debug, info, warn, error)",
		})
	}

	if c.App.LogFormat != "" && c.App.LogFormat != "json" && c.App.LogFormat != "console" {
		errors = append(errors, ValidationError{
			Field:   "app.log_format",
			Message: fmt.Sprintf("Invalid log format '%s'. Must be 'json' or 'console'", c.App.LogFormat),
		})
	}

	return errors
}

func (c *Config) validateOptimizer() ValidationErrors {
	var errors ValidationErrors

	typ, err := c.Optimizer.OptimizationType()
	if err != nil {
		errors = append(errors, ValidationError{
			Field:   "optimizer.type",
			Message: fmt.Sprintf("Invalid optimization type '%s'. Must be 'brute_force' or 'genetic'", c.Optimizer.Type),
		})
	}

	if c.Optimizer.Threads < 0 {
		errors = append(errors, ValidationError{
			Field:   "optimizer.threads",
			Message: "Threads must be non-negative (0 uses every CPU)",
		})
	}

	procs := max(1, c.Optimizer.NumProcs)
	if c.Optimizer.NumProcs < 0 || c.Optimizer.Rank < 0 || c.Optimizer.Rank >= procs {
		errors = append(errors, ValidationError{
			Field:   "optimizer.rank",
			Message: fmt.Sprintf("Rank %d is outside 0-%d", c.Optimizer.Rank, procs-1),
		})
	}

	if err == nil && typ == optimizer.Genetic && c.Optimizer.NumProcs > 1 {
		errors = append(errors, ValidationError{
			Field:   "optimizer.num_procs",
			Message: "Genetic optimization runs in a single process. Use num_procs 0 or 1",
		})
	}

	if err == nil && typ == optimizer.Genetic {
		g := c.Optimizer.Genetic
		if verr := g.Validate(); verr != nil {
			errors = append(errors, ValidationError{
				Field:   "optimizer.genetic",
				Message: verr.Error(),
			})
		}
		if g.CrossoverProbability < 0 || g.CrossoverProbability > 1 {
			errors = append(errors, ValidationError{
				Field:   "optimizer.genetic.crossover_probability",
				Message: fmt.Sprintf("Invalid probability %.2f. Must be between 0-1", g.CrossoverProbability),
			})
		}
		if g.MutationProbability < 0 || g.MutationProbability > 1 {
			errors = append(errors, ValidationError{
				Field:   "optimizer.genetic.mutation_probability",
				Message: fmt.Sprintf("Invalid probability %.2f. Must be between 0-1", g.MutationProbability),
			})
		}
	}

	return errors
}

func (c *Config) validateTester() ValidationErrors {
	var errors ValidationErrors

	if len(c.Tester.Symbols) == 0 {
		errors = append(errors, ValidationError{
			Field:   "tester.symbols",
			Message: "At least one symbol is required",
		})
	}

	if c.Tester.Account.Balance <= 0 {
		errors = append(errors, ValidationError{
			Field:   "tester.account.balance",
			Message: "Initial balance must be greater than 0",
		})
	}

	if c.Tester.NumCandles < 1 {
		errors = append(errors, ValidationError{
			Field:   "tester.num_candles",
			Message: "Number of candles must be at least 1",
		})
	}

	if c.Tester.MinLotSize < 0 {
		errors = append(errors, ValidationError{
			Field:   "tester.min_lot_size",
			Message: "Minimum lot size must be non-negative",
		})
	}

	if _, err := c.Tester.SettingsVector(); err != nil {
		errors = append(errors, ValidationError{
			Field:   "tester.settings",
			Message: err.Error(),
		})
	}

	return errors
}

func (c *Config) validateRates() ValidationErrors {
	var errors ValidationErrors

	if c.Rates.ExtendedBufferSize < 0 {
		errors = append(errors, ValidationError{
			Field:   "rates.extended_buffer_size",
			Message: "Extended buffer size must be non-negative",
		})
	}

	if c.Rates.StartHour < 0 || c.Rates.StartHour > 23 {
		errors = append(errors, ValidationError{
			Field:   "rates.start_hour",
			Message: fmt.Sprintf("Invalid start hour %d. Must be between 0-23", c.Rates.StartHour),
		})
	}

	for _, field := range []struct {
		name  string
		hours int
	}{
		{"rates.crop_monday_hours", c.Rates.CropMondayHours},
		{"rates.crop_friday_hours", c.Rates.CropFridayHours},
	} {
		if field.hours < 0 || field.hours > 24 {
			errors = append(errors, ValidationError{
				Field:   field.name,
				Message: fmt.Sprintf("Invalid crop of %d hours. Must be between 0-24", field.hours),
			})
		}
	}

	if c.Rates.ExchangeMIC != "" && rates.NewExchangeHolidays(c.Rates.ExchangeMIC) == nil {
		errors = append(errors, ValidationError{
			Field:   "rates.exchange_mic",
			Message: fmt.Sprintf("Unknown exchange '%s'", c.Rates.ExchangeMIC),
		})
	}

	if _, err := c.Timezones.Registry(); err != nil {
		errors = append(errors, ValidationError{
			Field:   "timezones",
			Message: err.Error(),
		})
	}

	return errors
}

func (c *Config) validateHistory() ValidationErrors {
	var errors ValidationErrors

	if c.History.Format != "csv" && c.History.Format != "parquet" {
		errors = append(errors, ValidationError{
			Field:   "history.format",
			Message: fmt.Sprintf("Invalid history format '%s'. Must be 'csv' or 'parquet'", c.History.Format),
		})
	}

	if c.History.Timeframe < 1 {
		errors = append(errors, ValidationError{
			Field:   "history.timeframe",
			Message: "History timeframe must be at least 1 minute",
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "database.host",
			Message: "Database host is required",
		})
	}

	errors = append(errors, validatePort("database.port", c.Database.Port)...)

	if c.Database.User == "" {
		errors = append(errors, ValidationError{
			Field:   "database.user",
			Message: "Database user is required",
		})
	}

	if c.Database.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "database.database",
			Message: "Database name is required",
		})
	}

	if c.Database.PoolSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.pool_size",
			Message: "Database pool size must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateRedis() ValidationErrors {
	var errors ValidationErrors

	if c.Redis.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "redis.host",
			Message: "Redis host is required",
		})
	}

	errors = append(errors, validatePort("redis.port", c.Redis.Port)...)

	if c.Results.CacheTTL < 0 {
		errors = append(errors, ValidationError{
			Field:   "results.cache_ttl",
			Message: "Cache TTL must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateNATS() ValidationErrors {
	var errors ValidationErrors

	if c.NATS.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL is required",
		})
	} else if !strings.HasPrefix(c.NATS.URL, "nats://") {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL must start with 'nats://'",
		})
	}

	if c.NATS.SubjectPrefix == "" {
		errors = append(errors, ValidationError{
			Field:   "nats.subject_prefix",
			Message: "NATS subject prefix is required",
		})
	}

	return errors
}

func (c *Config) validateAPI() ValidationErrors {
	return validatePort("api.port", c.API.Port)
}

func (c *Config) validateEnvironmentRequirements() ValidationErrors {
	var errors ValidationErrors

	if c.App.Environment != "production" {
		return errors
	}

	if c.Results.Store && c.Database.Password == "" {
		errors = append(errors, ValidationError{
			Field:   "database.password",
			Message: "Database password is required in production",
		})
	}

	if c.Results.Store && c.Database.SSLMode == "disable" {
		errors = append(errors, ValidationError{
			Field:   "database.ssl_mode",
			Message: "SSL must be enabled for database in production",
		})
	}

	if c.App.LogFormat == "console" {
		errors = append(errors, ValidationError{
			Field:   "app.log_format",
			Message: "Production logs must be json",
		})
	}

	return errors
}

func validatePort(field string, port int) ValidationErrors {
	if port == 0 {
		return ValidationErrors{{Field: field, Message: "Port is required"}}
	}
	if port < 1 || port > 65535 {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", port)}}
	}
	return nil
}

// ValidateAndLoad loads and validates configuration, logging every problem.
func ValidateAndLoad(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		if verrs, ok := err.(ValidationErrors); ok {
			logger := NewLogger("config")
			for _, verr := range verrs {
				logger.Error().Str("field", verr.Field).Msg(verr.Message)
			}
		}
		return nil, err
	}
	return cfg, nil
}
