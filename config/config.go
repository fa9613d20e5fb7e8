package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// DatabaseEndpointConfig holds configuration for a single database endpoint.
type DatabaseEndpointConfig struct {
	Hosts           []string `toml:"hosts"`
	Port            int      `toml:"port"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	Name            string   `toml:"name"`
	TLSMode         bool     `toml:"tls"`
	MaxConns        int      `toml:"max_conns"`
	MinConns        int      `toml:"min_conns"`
	MaxConnLifetime string   `toml:"max_conn_lifetime"`
	MaxConnIdleTime string   `toml:"max_conn_idle_time"`
}

func (c *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if c.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return time.ParseDuration(c.MaxConnLifetime)
}

func (c *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if c.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return time.ParseDuration(c.MaxConnIdleTime)
}

// DatabaseConfig holds the read/write split database configuration. Read is
// optional; when absent the write pool serves reads.
type DatabaseConfig struct {
	LogQueries bool                    `toml:"log_queries"`
	Write      *DatabaseEndpointConfig `toml:"write"`
	Read       *DatabaseEndpointConfig `toml:"read"`
}

// S3Config holds the payload object store configuration.
type S3Config struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseTLS    bool   `toml:"tls"`
	Trace     bool   `toml:"trace"`
}

// LocalCacheConfig holds the local payload cache configuration.
type LocalCacheConfig struct {
	Path          string `toml:"path"`
	Capacity      int64  `toml:"capacity_bytes"`
	MaxObjectSize int64  `toml:"max_object_size_bytes"`
	PurgeInterval string `toml:"purge_interval"`
}

func (c *LocalCacheConfig) GetPurgeInterval() (time.Duration, error) {
	if c.PurgeInterval == "" {
		return time.Hour, nil
	}
	return time.ParseDuration(c.PurgeInterval)
}

// CryptoConfig configures payload encryption. MasterKey is a 64-char hex
// string; per-account keys are derived from it, so rotating one account
// never requires re-encrypting another's payloads.
type CryptoConfig struct {
	MasterKey string `toml:"master_key"`
}

// AccountConfig describes one remote IMAP account to synchronize.
type AccountConfig struct {
	ID       int64  `toml:"id"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	TLS      bool   `toml:"tls"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	// Mechanism selects SASL authentication: "plain" (default) or "login".
	Mechanism string `toml:"mechanism"`
}

func (a *AccountConfig) Addr() string {
	port := a.Port
	if port == 0 {
		if a.TLS {
			port = 993
		} else {
			port = 143
		}
	}
	return fmt.Sprintf("%s:%d", a.Host, port)
}

// SyncConfig tunes the synchronization engine.
type SyncConfig struct {
	// FetchBatchSize bounds envelope fetches per round trip during folder
	// scans. Defaults to 500.
	FetchBatchSize int `toml:"fetch_batch_size"`
	// FolderWorkers is the number of concurrent folder scan workers.
	FolderWorkers int `toml:"folder_workers"`
	// FetchConcurrency bounds parallel message fetches per account.
	FetchConcurrency int `toml:"fetch_concurrency"`
	// Interval between sync cycles for the daemon loop.
	Interval string `toml:"interval"`
	// OperationTimeout applies to each network operation.
	OperationTimeout string   `toml:"operation_timeout"`
	IncludeFolders   []string `toml:"include_folders"`
	ExcludeFolders   []string `toml:"exclude_folders"`
}

func (c *SyncConfig) GetInterval() (time.Duration, error) {
	if c.Interval == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(c.Interval)
}

func (c *SyncConfig) GetOperationTimeout() (time.Duration, error) {
	if c.OperationTimeout == "" {
		return time.Minute, nil
	}
	return time.ParseDuration(c.OperationTimeout)
}

// LoggingConfig controls log output, level and format.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog" or a file path
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
	Format string `toml:"format"` // "console" or "json"
}

// MetricsConfig controls the Prometheus/health/admin HTTP listener. APIKey
// guards the admin endpoints; metrics and health stay open for scrapers.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	APIKey  string `toml:"api_key"`
}

type Config struct {
	Database DatabaseConfig   `toml:"database"`
	S3       S3Config         `toml:"s3"`
	Cache    LocalCacheConfig `toml:"cache"`
	Crypto   CryptoConfig     `toml:"crypto"`
	Sync     SyncConfig       `toml:"sync"`
	Logging  LoggingConfig    `toml:"logging"`
	Metrics  MetricsConfig    `toml:"metrics"`
	Accounts []AccountConfig  `toml:"accounts"`
}

func Default() Config {
	return Config{
		Sync: SyncConfig{
			FetchBatchSize:   500,
			FolderWorkers:    4,
			FetchConcurrency: 8,
		},
		Cache: LocalCacheConfig{
			Capacity:      1 << 30,  // 1 GiB
			MaxObjectSize: 50 << 20, // 50 MiB
		},
		Logging: LoggingConfig{Output: "stderr", Level: "info", Format: "console"},
		Metrics: MetricsConfig{Addr: ":9090"},
	}
}

// Load reads a TOML configuration file over the defaults and validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Database.Write == nil {
		return fmt.Errorf("database.write configuration is required")
	}
	if len(c.Database.Write.Hosts) == 0 {
		return fmt.Errorf("database.write.hosts must not be empty")
	}
	if c.Sync.FetchBatchSize <= 0 {
		return fmt.Errorf("sync.fetch_batch_size must be positive")
	}
	if c.Sync.FolderWorkers <= 0 {
		return fmt.Errorf("sync.folder_workers must be positive")
	}
	if c.Sync.FetchConcurrency <= 0 {
		return fmt.Errorf("sync.fetch_concurrency must be positive")
	}
	seen := make(map[int64]bool, len(c.Accounts))
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.ID == 0 {
			return fmt.Errorf("accounts[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("accounts[%d]: duplicate account id %d", i, a.ID)
		}
		seen[a.ID] = true
		if a.Host == "" {
			return fmt.Errorf("account %d: host is required", a.ID)
		}
		if a.Username == "" {
			return fmt.Errorf("account %d: username is required", a.ID)
		}
		switch a.Mechanism {
		case "", "plain", "login":
		default:
			return fmt.Errorf("account %d: unknown mechanism %q", a.ID, a.Mechanism)
		}
	}
	if _, err := c.Sync.GetInterval(); err != nil {
		return fmt.Errorf("invalid sync.interval: %w", err)
	}
	if _, err := c.Sync.GetOperationTimeout(); err != nil {
		return fmt.Errorf("invalid sync.operation_timeout: %w", err)
	}
	return nil
}
