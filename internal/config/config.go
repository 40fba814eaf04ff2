package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/asirikuy/framework/pkg/optimizer"
	"github.com/asirikuy/framework/pkg/rates"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Optimizer  OptimizerConfig  `mapstructure:"optimizer"`
	Tester     TesterConfig     `mapstructure:"tester"`
	Rates      RatesConfig      `mapstructure:"rates"`
	Timezones  TimezonesConfig  `mapstructure:"timezones"`
	History    HistoryConfig    `mapstructure:"history"`
	Results    ResultsConfig    `mapstructure:"results"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	API        APIConfig        `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json or console
}

// OptimizerConfig contains the search settings of an optimization run
type OptimizerConfig struct {
	Type             string                    `mapstructure:"type"` // brute_force or genetic
	Threads          int                       `mapstructure:"threads"`
	ParamsFile       string                    `mapstructure:"params_file"`
	Genetic          optimizer.GeneticSettings `mapstructure:"genetic"`
	Rank             int                       `mapstructure:"rank"`
	NumProcs         int                       `mapstructure:"num_procs"`
	ProgressInterval time.Duration             `mapstructure:"progress_interval"`
}

// OptimizationType parses Type.
func (c *OptimizerConfig) OptimizationType() (optimizer.Type, error) {
	return optimizer.ParseType(c.Type)
}

// TesterConfig describes the simulated account and the portfolio under test
type TesterConfig struct {
	Symbols             []string               `mapstructure:"symbols"`
	AccountCurrency     string                 `mapstructure:"account_currency"`
	BrokerName          string                 `mapstructure:"broker_name"`
	ReferenceBrokerName string                 `mapstructure:"reference_broker_name"`
	Account             optimizer.AccountInfo  `mapstructure:"account"`
	Test                optimizer.TestSettings `mapstructure:"test"`
	NumCandles          int                    `mapstructure:"num_candles"`
	MinLotSize          float64                `mapstructure:"min_lot_size"`
	// Settings maps settings vector indexes to their base values.
	Settings map[string]float64 `mapstructure:"settings"`
}

// SettingsVector expands Settings into a full settings vector.
func (c *TesterConfig) SettingsVector() ([optimizer.NumSettings]float64, error) {
	var out [optimizer.NumSettings]float64
	for key, value := range c.Settings {
		i, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil || i < 0 || i >= optimizer.NumSettings {
			return out, fmt.Errorf("settings index %q out of range [0,%d)", key, optimizer.NumSettings)
		}
		out[i] = value
	}
	return out, nil
}

// RatesConfig contains the aggregation engine settings
type RatesConfig struct {
	ExtendedBufferSize int      `mapstructure:"extended_buffer_size"`
	CropMondayHours    int      `mapstructure:"crop_monday_hours"`
	CropFridayHours    int      `mapstructure:"crop_friday_hours"`
	StartHour          int      `mapstructure:"start_hour"`
	CryptoSymbols      []string `mapstructure:"crypto_symbols"`
	ExchangeMIC        string   `mapstructure:"exchange_mic"` // optional holiday calendar, e.g. "xnys"
}

// NewTradingTimeFilter builds a filter from the configured trading week.
func (c *RatesConfig) NewTradingTimeFilter() *rates.TradingTimeFilter {
	f := rates.NewTradingTimeFilter()
	f.StartHour = c.StartHour
	if len(c.CryptoSymbols) > 0 {
		f.CryptoSymbols = append([]string(nil), c.CryptoSymbols...)
	}
	f.Holidays = rates.NewExchangeHolidays(c.ExchangeMIC)
	f.SetTradingWeekBoundaries(c.CropMondayHours, c.CropFridayHours)
	return f
}

// TimezonesConfig maps broker names to IANA zones
type TimezonesConfig struct {
	Default string            `mapstructure:"default"`
	Brokers map[string]string `mapstructure:"brokers"`
}

// Registry loads every configured zone.
func (c *TimezonesConfig) Registry() (*rates.TimezoneRegistry, error) {
	return rates.NewTimezoneRegistry(c.Brokers, c.Default)
}

// HistoryConfig locates the historic rates files
type HistoryConfig struct {
	Dir       string `mapstructure:"dir"`
	Format    string `mapstructure:"format"` // csv or parquet
	Timeframe int    `mapstructure:"timeframe"`
}

// ResultsConfig selects where optimization results go
type ResultsConfig struct {
	CSVPath     string        `mapstructure:"csv_path"`
	ParquetPath string        `mapstructure:"parquet_path"`
	Store       bool          `mapstructure:"store"`   // persist to Postgres
	Cache       bool          `mapstructure:"cache"`   // memoize fitness in Redis
	Publish     bool          `mapstructure:"publish"` // publish to NATS
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS messaging settings
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// APIKey protects the control endpoints when set. Read endpoints stay open.
	APIKey string `mapstructure:"api_key"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// ASIRIKUY_OPTIMIZER_THREADS overrides optimizer.threads
	v.SetEnvPrefix("ASIRIKUY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "Asirikuy")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// Optimizer defaults
	v.SetDefault("optimizer.type", "brute_force")
	v.SetDefault("optimizer.threads", 0) // all CPUs
	v.SetDefault("optimizer.params_file", "configs/params.yaml")
	v.SetDefault("optimizer.progress_interval", 5*time.Second)
	v.SetDefault("optimizer.genetic.population", 50)
	v.SetDefault("optimizer.genetic.crossover_probability", 0.8)
	v.SetDefault("optimizer.genetic.mutation_probability", 0.1)
	v.SetDefault("optimizer.genetic.max_generations", 20)
	v.SetDefault("optimizer.genetic.stop_if_converged", true)
	v.SetDefault("optimizer.genetic.goal", int(optimizer.GoalCAGRToMaxDD))

	// Tester defaults
	v.SetDefault("tester.symbols", []string{"EURUSD"})
	v.SetDefault("tester.account_currency", "USD")
	v.SetDefault("tester.broker_name", "Default Broker")
	v.SetDefault("tester.reference_broker_name", "Default Broker")
	v.SetDefault("tester.account.balance", 10000.0)
	v.SetDefault("tester.account.leverage", 100.0)
	v.SetDefault("tester.account.contract_size", 100000.0)
	v.SetDefault("tester.num_candles", 100)
	v.SetDefault("tester.min_lot_size", 0.01)

	// Rates defaults
	v.SetDefault("rates.extended_buffer_size", rates.DefaultBufferExtension)
	v.SetDefault("rates.crop_monday_hours", 4)
	v.SetDefault("rates.crop_friday_hours", 4)
	v.SetDefault("rates.start_hour", 0)
	v.SetDefault("rates.crypto_symbols", []string{"BTCUSD", "ETHUSD"})

	// Timezone defaults
	v.SetDefault("timezones.default", "UTC")

	// History defaults
	v.SetDefault("history.dir", "history")
	v.SetDefault("history.format", "csv")
	v.SetDefault("history.timeframe", 60)

	// Results defaults
	v.SetDefault("results.csv_path", "results/optimization.csv")
	v.SetDefault("results.cache_ttl", 24*time.Hour)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", PostgresPort)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "asirikuy")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", RedisPort)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.url", fmt.Sprintf("nats://localhost:%d", NATSPort))
	v.SetDefault("nats.subject_prefix", "asirikuy.optimizer")

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", APIServerPort)
	v.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("api.api_key", "")

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", MetricsPortOptimizer)
	v.SetDefault("monitoring.enable_metrics", true)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ============================================================================
// PARAMETER FILES
// ============================================================================

// ParamsFile is the YAML layout of an optimization parameter space.
//
//	params:
//	  - index: 0
//	    name: fast_period
//	    start: 5
//	    step: 5
//	    stop: 50
type ParamsFile struct {
	Params optimizer.Space `yaml:"params"`
}

// LoadParams reads and validates a parameter space file.
func LoadParams(path string) (optimizer.Space, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read params file: %w", err)
	}
	return ParseParams(data)
}

// ParseParams decodes a parameter space document.
func ParseParams(data []byte) (optimizer.Space, error) {
	var f ParamsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse params file: %w", err)
	}
	if err := f.Params.Validate(); err != nil {
		return nil, err
	}
	return f.Params, nil
}
