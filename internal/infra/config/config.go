// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where the fabric operates.
type Environment string

const (
	// EnvDev marks local development deployments.
	EnvDev Environment = "dev"
	// EnvStaging marks pre-production deployments.
	EnvStaging Environment = "staging"
	// EnvProd marks production deployments.
	EnvProd Environment = "prod"
)

// EnvConfigPath names the environment variable that overrides the config path.
const EnvConfigPath = "SIGNALMESH_CONFIG"

// Duration wraps time.Duration with YAML support for values like "90s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses Go duration strings and bare integers (seconds).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	text := strings.TrimSpace(node.Value)
	if text == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		var seconds int64
		if scanErr := node.Decode(&seconds); scanErr != nil {
			return fmt.Errorf("invalid duration %q", node.Value)
		}
		parsed = time.Duration(seconds) * time.Second
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in Go string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// BusConfig sets in-memory signal bus sizing characteristics.
type BusConfig struct {
	Partitions           int `yaml:"partitions"`
	RetainedPerPartition int `yaml:"retainedPerPartition"`
}

func (c *BusConfig) applyDefaults() {
	if c.Partitions <= 0 {
		c.Partitions = 8
	}
	if c.RetainedPerPartition <= 0 {
		c.RetainedPerPartition = 65536
	}
}

// ProducersConfig tunes the shared signal producer framework.
type ProducersConfig struct {
	PublishTimeout   Duration `yaml:"publishTimeout"`
	ScanTimeout      Duration `yaml:"scanTimeout"`
	MinGap           Duration `yaml:"minGap"`
	DedupeWindow     Duration `yaml:"dedupeWindow"`
	DedupeCapacity   int      `yaml:"dedupeCapacity"`
	BucketResolution Duration `yaml:"bucketResolution"`
	PublishRate      float64  `yaml:"publishRate"`
	PublishBurst     int      `yaml:"publishBurst"`
}

func (c *ProducersConfig) applyDefaults() {
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = Duration(10 * time.Second)
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = Duration(30 * time.Second)
	}
	if c.MinGap <= 0 {
		c.MinGap = Duration(time.Minute)
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = Duration(10 * time.Minute)
	}
	if c.DedupeCapacity <= 0 {
		c.DedupeCapacity = 10000
	}
	if c.BucketResolution <= 0 {
		c.BucketResolution = Duration(time.Minute)
	}
	if c.PublishRate <= 0 {
		c.PublishRate = 50
	}
	if c.PublishBurst <= 0 {
		c.PublishBurst = 25
	}
}

// DispatcherConfig tunes signal batching in the dispatcher.
type DispatcherConfig struct {
	Group              string   `yaml:"group"`
	BatchSize          int      `yaml:"batchSize"`
	BatchTimeout       Duration `yaml:"batchTimeout"`
	SlowBatchThreshold Duration `yaml:"slowBatchThreshold"`
}

func (c *DispatcherConfig) applyDefaults() {
	c.Group = strings.TrimSpace(c.Group)
	if c.Group == "" {
		c.Group = "dispatchers"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = Duration(500 * time.Millisecond)
	}
	if c.SlowBatchThreshold <= 0 {
		c.SlowBatchThreshold = Duration(200 * time.Millisecond)
	}
}

// IndexConfig tunes the pipeline index refresh loop.
type IndexConfig struct {
	RefreshInterval Duration `yaml:"refreshInterval"`
	PageSize        int      `yaml:"pageSize"`
}

func (c *IndexConfig) applyDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = Duration(30 * time.Second)
	}
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
}

// SchedulerConfig tunes the periodic scheduler and monitor dispatcher.
type SchedulerConfig struct {
	ScheduleInterval    Duration `yaml:"scheduleInterval"`
	MonitorTickInterval Duration `yaml:"monitorTickInterval"`
}

func (c *SchedulerConfig) applyDefaults() {
	if c.ScheduleInterval <= 0 {
		c.ScheduleInterval = Duration(5 * time.Minute)
	}
	if c.MonitorTickInterval <= 0 {
		c.MonitorTickInterval = Duration(time.Minute)
	}
}

// RegistryConfig selects the run registry backend and its lease policy.
type RegistryConfig struct {
	Backend      string   `yaml:"backend"`
	LeaseTimeout Duration `yaml:"leaseTimeout"`
	MaxFailCount int      `yaml:"maxFailCount"`
}

func (c *RegistryConfig) applyDefaults() {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = Duration(15 * time.Minute)
	}
	if c.MaxFailCount <= 0 {
		c.MaxFailCount = 5
	}
}

func (c RegistryConfig) validate() error {
	switch c.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("backend must be memory or postgres")
	}
	return nil
}

// ExecutorConfig sizes the worker pool behind the executor queue.
type ExecutorConfig struct {
	Workers                int      `yaml:"workers"`
	QueueDepth             int      `yaml:"queueDepth"`
	ExecuteTimeout         Duration `yaml:"executeTimeout"`
	DefaultMonitorInterval Duration `yaml:"defaultMonitorInterval"`
}

func (c *ExecutorConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = Duration(10 * time.Minute)
	}
	if c.DefaultMonitorInterval <= 0 {
		c.DefaultMonitorInterval = Duration(5 * time.Minute)
	}
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string   `yaml:"dsn"`
	MaxConns          int32    `yaml:"maxConns"`
	MinConns          int32    `yaml:"minConns"`
	MaxConnLifetime   Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool     `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/signalmesh"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = Duration(30 * time.Minute)
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = Duration(5 * time.Minute)
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = Duration(30 * time.Second)
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// APIServerConfig configures the operational HTTP surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// AppConfig is the unified fabric configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Bus         BusConfig        `yaml:"bus"`
	Producers   ProducersConfig  `yaml:"producers"`
	Dispatcher  DispatcherConfig `yaml:"dispatcher"`
	Index       IndexConfig      `yaml:"index"`
	Scheduler   SchedulerConfig  `yaml:"scheduler"`
	Registry    RegistryConfig   `yaml:"registry"`
	Executor    ExecutorConfig   `yaml:"executor"`
	Database    DatabaseConfig   `yaml:"database"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	APIServer   APIServerConfig  `yaml:"apiServer"`
}

// Default returns the configuration used when no file is provided.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Telemetry: TelemetryConfig{
			ServiceName: "signalmesh",
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *AppConfig) applyDefaults() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Bus.applyDefaults()
	c.Producers.applyDefaults()
	c.Dispatcher.applyDefaults()
	c.Index.applyDefaults()
	c.Scheduler.applyDefaults()
	c.Registry.applyDefaults()
	c.Executor.applyDefaults()
	c.Database.applyDefaults()
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "signalmesh"
	}
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":9090"
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.Bus.Partitions <= 0 {
		return fmt.Errorf("bus partitions must be >0")
	}
	if c.Bus.RetainedPerPartition <= 0 {
		return fmt.Errorf("bus retainedPerPartition must be >0")
	}
	if c.Producers.PublishRate <= 0 {
		return fmt.Errorf("producers publishRate must be >0")
	}
	if c.Dispatcher.BatchSize <= 0 {
		return fmt.Errorf("dispatcher batchSize must be >0")
	}
	if c.Index.PageSize <= 0 {
		return fmt.Errorf("index pageSize must be >0")
	}
	if err := c.Registry.validate(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if c.Executor.Workers <= 0 {
		return fmt.Errorf("executor workers must be >0")
	}
	if c.Registry.Backend == "postgres" {
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	return nil
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(configPath string) (AppConfig, error) {
	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads the file named by path, falling back to the
// SIGNALMESH_CONFIG environment variable and then to built-in defaults when
// neither names a file.
func LoadOrDefault(path string) (AppConfig, error) {
	candidate := strings.TrimSpace(path)
	if candidate == "" {
		candidate = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if candidate == "" {
		return Default(), nil
	}
	return Load(candidate)
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
