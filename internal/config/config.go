package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	berrors "github.com/Aman-CERP/bivy/internal/errors"
)

// Config represents the complete bivy configuration.
type Config struct {
	Version   int             `yaml:"version" json:"version"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Indexes   []IndexConfig   `yaml:"indexes" json:"indexes"`
	Models    []ModelConfig   `yaml:"models" json:"models"`
	Dispatch  DispatchConfig  `yaml:"dispatch" json:"dispatch"`
	Lifecycle LifecycleConfig `yaml:"lifecycle" json:"lifecycle"`
	Sync      SyncConfig      `yaml:"sync" json:"sync"`
	Breaker   BreakerConfig   `yaml:"breaker" json:"breaker"`
	Server    ServerConfig    `yaml:"server" json:"server"`
}

// DatabaseConfig points at the application's record store.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// IndexConfig declares one search index.
type IndexConfig struct {
	Name string `yaml:"name" json:"name"`
	// Backend is "memory", "bleve" or "sqlite".
	Backend string `yaml:"backend" json:"backend"`
	// Path is the index directory (bleve) or database file (sqlite).
	Path string `yaml:"path" json:"path"`
}

// ModelConfig declares a table-backed type and the indexes it feeds.
type ModelConfig struct {
	Type       string          `yaml:"type" json:"type"`
	Table      string          `yaml:"table" json:"table"`
	PrimaryKey string          `yaml:"primary_key" json:"primary_key"`
	Bindings   []BindingConfig `yaml:"bindings" json:"bindings"`
}

// BindingConfig binds a model to one index.
// Fields and Chunk are mutually exclusive serializer choices; with neither,
// every column is indexed.
type BindingConfig struct {
	Index     string           `yaml:"index" json:"index"`
	Condition *ConditionConfig `yaml:"condition,omitempty" json:"condition,omitempty"`
	Fields    []string         `yaml:"fields,omitempty" json:"fields,omitempty"`
	Chunk     *ChunkConfig     `yaml:"chunk,omitempty" json:"chunk,omitempty"`
}

// ConditionConfig includes a record only when Field equals Equals.
type ConditionConfig struct {
	Field  string `yaml:"field" json:"field"`
	Equals any    `yaml:"equals" json:"equals"`
}

// ChunkConfig splits a text column into Size-rune documents.
type ChunkConfig struct {
	Field string `yaml:"field" json:"field"`
	Size  int    `yaml:"size" json:"size"`
}

// DispatchConfig configures the job queue and its workers.
type DispatchConfig struct {
	// Queue is "memory" or "sqlite".
	Queue string `yaml:"queue" json:"queue"`
	// Path is the sqlite queue database file.
	Path              string        `yaml:"path" json:"path"`
	Workers           int           `yaml:"workers" json:"workers"`
	Buffer            int           `yaml:"buffer" json:"buffer"`
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff"`
	PollInterval      time.Duration `yaml:"poll_interval" json:"poll_interval"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" json:"visibility_timeout"`
	// RateLimit caps job executions per second across workers. 0 disables it.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
}

// LifecycleConfig configures post-commit behavior.
type LifecycleConfig struct {
	// DestroyMode is "deferred" (enqueue a purge job) or "immediate"
	// (purge inside the post-commit callback).
	DestroyMode string `yaml:"destroy_mode" json:"destroy_mode"`
}

// SyncConfig tunes the synchronization engine.
type SyncConfig struct {
	// BrowsePageSize bounds each browse+delete round of a purge.
	BrowsePageSize int `yaml:"browse_page_size" json:"browse_page_size"`
}

// BreakerConfig configures the per-index circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures" json:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
}

// ServerConfig configures the worker's status endpoint and logging.
type ServerConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// Supported values, checked by Validate.
var (
	validDrivers      = map[string]bool{"sqlite": true, "postgres": true}
	validBackends     = map[string]bool{"memory": true, "bleve": true, "sqlite": true}
	validQueues       = map[string]bool{"memory": true, "sqlite": true}
	validDestroyModes = map[string]bool{"deferred": true, "immediate": true}
	validLevels       = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "bivy.db",
		},
		Dispatch: DispatchConfig{
			Queue:             "sqlite",
			Path:              filepath.Join(".bivy", "queue.db"),
			Workers:           runtime.NumCPU(),
			Buffer:            256,
			MaxAttempts:       5,
			InitialBackoff:    time.Second,
			MaxBackoff:        5 * time.Minute,
			PollInterval:      500 * time.Millisecond,
			VisibilityTimeout: 5 * time.Minute,
		},
		Lifecycle: LifecycleConfig{
			DestroyMode: "deferred",
		},
		Sync: SyncConfig{
			BrowsePageSize: 1000,
		},
		Breaker: BreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		},
		Server: ServerConfig{
			Addr:     "127.0.0.1:8765",
			LogLevel: "info",
		},
	}
}

// GetUserConfigPath returns the path to the user configuration file.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/bivy/config.yaml.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "bivy", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "bivy", "config.yaml")
	}
	return filepath.Join(home, ".config", "bivy", "config.yaml")
}

// ProjectConfigPath returns the project config file in dir, preferring
// .bivy.yaml over .bivy.yml. The bool is false when neither exists.
func ProjectConfigPath(dir string) (string, bool) {
	for _, name := range []string{".bivy.yaml", ".bivy.yml"} {
		p := filepath.Join(dir, name)
		if fileExists(p) {
			return p, true
		}
	}
	return filepath.Join(dir, ".bivy.yaml"), false
}

// Load loads configuration from all sources with proper precedence.
// Precedence (highest to lowest):
//  1. Environment variables (BIVY_*)
//  2. Project config (.bivy.yaml in dir)
//  3. User config (~/.config/bivy/config.yaml)
//  4. Hardcoded defaults
//
// Relative paths in the result are resolved against dir.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, berrors.ConfigError("failed to load user config", err)
		}
	}

	if projectPath, ok := ProjectConfigPath(dir); ok {
		if err := cfg.loadYAML(projectPath); err != nil {
			return nil, berrors.ConfigError("failed to load project config", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.resolvePaths(dir)

	if err := cfg.Validate(); err != nil {
		return nil, berrors.ConfigError("invalid configuration", err)
	}

	return cfg, nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges another config into this one.
// Non-zero scalars override. Indexes and models are merged by name: an entry
// replaces the one with the same name, new names are appended.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if other.Database.Driver != "" {
		c.Database.Driver = other.Database.Driver
	}
	if other.Database.DSN != "" {
		c.Database.DSN = other.Database.DSN
	}

	for _, idx := range other.Indexes {
		c.Indexes = upsertBy(c.Indexes, idx, func(i IndexConfig) string { return i.Name })
	}
	for _, m := range other.Models {
		c.Models = upsertBy(c.Models, m, func(m ModelConfig) string { return m.Type })
	}

	d, o := &c.Dispatch, other.Dispatch
	if o.Queue != "" {
		d.Queue = o.Queue
	}
	if o.Path != "" {
		d.Path = o.Path
	}
	if o.Workers != 0 {
		d.Workers = o.Workers
	}
	if o.Buffer != 0 {
		d.Buffer = o.Buffer
	}
	if o.MaxAttempts != 0 {
		d.MaxAttempts = o.MaxAttempts
	}
	if o.InitialBackoff != 0 {
		d.InitialBackoff = o.InitialBackoff
	}
	if o.MaxBackoff != 0 {
		d.MaxBackoff = o.MaxBackoff
	}
	if o.PollInterval != 0 {
		d.PollInterval = o.PollInterval
	}
	if o.VisibilityTimeout != 0 {
		d.VisibilityTimeout = o.VisibilityTimeout
	}
	if o.RateLimit != 0 {
		d.RateLimit = o.RateLimit
	}

	if other.Lifecycle.DestroyMode != "" {
		c.Lifecycle.DestroyMode = other.Lifecycle.DestroyMode
	}
	if other.Sync.BrowsePageSize != 0 {
		c.Sync.BrowsePageSize = other.Sync.BrowsePageSize
	}
	if other.Breaker.MaxFailures != 0 {
		c.Breaker.MaxFailures = other.Breaker.MaxFailures
	}
	if other.Breaker.ResetTimeout != 0 {
		c.Breaker.ResetTimeout = other.Breaker.ResetTimeout
	}
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}
}

func upsertBy[T any](list []T, item T, key func(T) string) []T {
	for i := range list {
		if key(list[i]) == key(item) {
			list[i] = item
			return list
		}
	}
	return append(list, item)
}

// applyEnvOverrides applies environment variable overrides.
// Invalid numeric values are ignored.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BIVY_DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("BIVY_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("BIVY_QUEUE"); v != "" {
		c.Dispatch.Queue = v
	}
	if v := os.Getenv("BIVY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Dispatch.Workers = n
		}
	}
	if v := os.Getenv("BIVY_DESTROY_MODE"); v != "" {
		c.Lifecycle.DestroyMode = strings.ToLower(v)
	}
	if v := os.Getenv("BIVY_BROWSE_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sync.BrowsePageSize = n
		}
	}
	if v := os.Getenv("BIVY_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("BIVY_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

// resolvePaths makes file paths relative to the project directory absolute.
// The sqlite DSN is resolved only when it names a plain file.
func (c *Config) resolvePaths(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}

	for i := range c.Indexes {
		c.Indexes[i].Path = abs(c.Indexes[i].Path)
	}
	c.Dispatch.Path = abs(c.Dispatch.Path)

	if c.Database.Driver == "sqlite" && !strings.HasPrefix(c.Database.DSN, "file:") &&
		!strings.Contains(c.Database.DSN, ":memory:") {
		c.Database.DSN = abs(c.Database.DSN)
	}
}

// Index returns the declared index with the given name.
func (c *Config) Index(name string) (IndexConfig, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexConfig{}, false
}

// Model returns the declared model with the given type name.
func (c *Config) Model(typeName string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Type == typeName {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be 'sqlite' or 'postgres', got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	indexNames := make(map[string]bool, len(c.Indexes))
	for i, idx := range c.Indexes {
		if idx.Name == "" {
			return fmt.Errorf("indexes[%d].name is required", i)
		}
		if indexNames[idx.Name] {
			return fmt.Errorf("index %q declared twice", idx.Name)
		}
		indexNames[idx.Name] = true

		if !validBackends[idx.Backend] {
			return fmt.Errorf("index %q: backend must be 'memory', 'bleve' or 'sqlite', got %q", idx.Name, idx.Backend)
		}
		if idx.Backend != "memory" && idx.Path == "" {
			return fmt.Errorf("index %q: path is required for the %s backend", idx.Name, idx.Backend)
		}
	}

	for i, m := range c.Models {
		if m.Type == "" {
			return fmt.Errorf("models[%d].type is required", i)
		}
		if m.Table == "" {
			return fmt.Errorf("model %q: table is required", m.Type)
		}
		for j, b := range m.Bindings {
			if !indexNames[b.Index] {
				return fmt.Errorf("model %q binding %d: unknown index %q", m.Type, j, b.Index)
			}
			if b.Condition != nil && b.Condition.Field == "" {
				return fmt.Errorf("model %q binding %d: condition.field is required", m.Type, j)
			}
			if b.Chunk != nil {
				if len(b.Fields) > 0 {
					return fmt.Errorf("model %q binding %d: fields and chunk are mutually exclusive", m.Type, j)
				}
				if b.Chunk.Field == "" || b.Chunk.Size <= 0 {
					return fmt.Errorf("model %q binding %d: chunk needs a field and a positive size", m.Type, j)
				}
			}
		}
	}

	d := c.Dispatch
	if !validQueues[d.Queue] {
		return fmt.Errorf("dispatch.queue must be 'memory' or 'sqlite', got %q", d.Queue)
	}
	if d.Queue == "sqlite" && d.Path == "" {
		return fmt.Errorf("dispatch.path is required for the sqlite queue")
	}
	if d.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be positive, got %d", d.Workers)
	}
	if d.Buffer < 0 {
		return fmt.Errorf("dispatch.buffer must be non-negative, got %d", d.Buffer)
	}
	if d.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1, got %d", d.MaxAttempts)
	}
	if d.InitialBackoff <= 0 || d.MaxBackoff < d.InitialBackoff {
		return fmt.Errorf("dispatch backoff must satisfy 0 < initial_backoff <= max_backoff, got %s and %s",
			d.InitialBackoff, d.MaxBackoff)
	}
	if d.RateLimit < 0 {
		return fmt.Errorf("dispatch.rate_limit must be non-negative, got %v", d.RateLimit)
	}

	if !validDestroyModes[c.Lifecycle.DestroyMode] {
		return fmt.Errorf("lifecycle.destroy_mode must be 'deferred' or 'immediate', got %q", c.Lifecycle.DestroyMode)
	}
	if c.Sync.BrowsePageSize <= 0 {
		return fmt.Errorf("sync.browse_page_size must be positive, got %d", c.Sync.BrowsePageSize)
	}
	if c.Breaker.MaxFailures <= 0 {
		return fmt.Errorf("breaker.max_failures must be positive, got %d", c.Breaker.MaxFailures)
	}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
