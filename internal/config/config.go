// Package config provides configuration management for recall.
// Settings are resolved in three layers: built-in defaults, an optional YAML
// file named by RECALL_CONFIG, and environment variables with the RECALL_
// prefix, which take precedence over the file.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/recall/internal/backup"
	"github.com/scrypster/recall/internal/collab"
	"github.com/scrypster/recall/internal/dedup"
	"github.com/scrypster/recall/internal/embedding"
	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/internal/evolution"
	"github.com/scrypster/recall/internal/fingerprint"
	"github.com/scrypster/recall/internal/querycache"
	"github.com/scrypster/recall/internal/search"
)

// DefaultSalt is the placeholder interaction salt. Deployments must replace
// it; LoadConfig logs a warning while it is in use.
const DefaultSalt = "recall-insecure-default-salt"

// Storage engines.
const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
)

// Cache backends. sqlite and postgres keep the persistent tier in the
// durable store and must match the storage engine.
const (
	CacheSQLite   = "sqlite"
	CachePostgres = "postgres"
	CacheBadger   = "badger"
	CacheNone     = "none"
)

// Config holds all configuration settings for recall.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Cache     CacheConfig     `yaml:"cache"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Evolution EvolutionConfig `yaml:"evolution"`
	Search    SearchConfig    `yaml:"search"`
	Collab    CollabConfig    `yaml:"collab"`
	Backup    BackupConfig    `yaml:"backup"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // Server port (default: 6363)
	Host            string        `yaml:"host"`             // Server host (default: 127.0.0.1)
	RateLimit       float64       `yaml:"rate_limit"`       // Requests per second per client (default: 20)
	RateBurst       int           `yaml:"rate_burst"`       // Limiter burst (default: 40)
	SecurityMode    string        `yaml:"security_mode"`    // development or production (default: development)
	APIToken        string        `yaml:"api_token"`        // Bearer token required in production mode
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Graceful shutdown bound (default: 30s)
	NotifyDir       string        `yaml:"notify_dir"`       // Event drop directory (default: <data>/events)
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // sqlite or postgres (default: sqlite)
	DataPath    string `yaml:"data_path"`    // Path to data directory (default: ./data)
	PostgresDSN string `yaml:"postgres_dsn"` // Connection string when Engine is postgres
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	Provider           string        `yaml:"provider"`             // ollama, openai, hash or none (default: ollama)
	URL                string        `yaml:"url"`                  // Provider base URL (default: http://localhost:11434)
	Model              string        `yaml:"model"`                // Embedding model (default: nomic-embed-text)
	APIKey             string        `yaml:"api_key"`              // API key for openai
	Dimension          int           `yaml:"dimension"`            // Hash embedder dimension (default: 256)
	Timeout            time.Duration `yaml:"timeout"`              // Per-call timeout (default: 5s)
	RateLimit          float64       `yaml:"rate_limit"`           // Calls per second, 0 disables (default: 0)
	Burst              int           `yaml:"burst"`                // Limiter burst (default: 1)
	BreakerMaxFailures int           `yaml:"breaker_max_failures"` // Failures before the circuit opens (default: 3)
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`      // Open-state duration (default: 30s)
}

// CacheConfig contains query cache configuration.
type CacheConfig struct {
	Backend         string        `yaml:"backend"`          // sqlite, postgres, badger or none (default: storage engine)
	FastEntries     int           `yaml:"fast_entries"`     // In-process entries (default: 1024)
	TTL             time.Duration `yaml:"ttl"`              // Entry lifetime (default: 168h)
	BadgerDir       string        `yaml:"badger_dir"`       // Badger directory (default: <data>/cache)
	StripDiacritics bool          `yaml:"strip_diacritics"` // Fold accents in keys (default: true)
	ContextTurns    int           `yaml:"context_turns"`    // Conversation turns in keys (default: 0)
	PurgeInterval   time.Duration `yaml:"purge_interval"`   // Expired entry sweep (default: 1h)
}

// DedupConfig contains fingerprint and deduplication configuration.
type DedupConfig struct {
	Enabled        bool    `yaml:"enabled"`         // (default: true)
	SkipThreshold  float64 `yaml:"skip_threshold"`  // (default: 0.95)
	MergeThreshold float64 `yaml:"merge_threshold"` // (default: 0.85)
	Window         int     `yaml:"window"`          // Candidates compared per store (default: 500)
	NGram          int     `yaml:"ngram"`           // Shingle width (default: 3)
	Components     int     `yaml:"components"`      // Signature length (default: 128)
	SameCategory   bool    `yaml:"same_category"`   // Compare within one category only (default: true)
}

// EvolutionConfig contains category evolution configuration.
type EvolutionConfig struct {
	Enabled              bool          `yaml:"enabled"`                // Run scheduled evolution (default: true)
	Interval             time.Duration `yaml:"interval"`               // (default: 24h)
	DecayInterval        time.Duration `yaml:"decay_interval"`         // (default: 24h)
	CategoryRate         float64       `yaml:"category_rate"`          // Categories per second (default: 1)
	MinClusterSize       int           `yaml:"min_cluster_size"`       // (default: 5)
	MaxRecords           int           `yaml:"max_records"`            // (default: 5000)
	SimilarityThreshold  float64       `yaml:"similarity_threshold"`   // (default: 0.75)
	FingerprintFloor     float64       `yaml:"fingerprint_floor"`      // 0 disables the prefilter (default: 0)
	Iterations           int           `yaml:"iterations"`             // (default: 10)
	MaxSubcategories     int           `yaml:"max_subcategories"`      // (default: 20)
	StaleAfter           time.Duration `yaml:"stale_after"`            // (default: 2160h)
	MinAccessCount       int           `yaml:"min_access_count"`       // (default: 5)
	DecayMode            string        `yaml:"decay_mode"`             // archive or delete (default: archive)
	RegressionMargin     float64       `yaml:"regression_margin"`      // (default: 0.05)
	RollbackOnRegression bool          `yaml:"rollback_on_regression"` // (default: false)
	MinConfidence        float64       `yaml:"min_confidence"`         // (default: 0.6)
	MaxRunDuration       time.Duration `yaml:"max_run_duration"`       // (default: 5m)
}

// SearchConfig contains progressive search configuration.
type SearchConfig struct {
	DefaultTiers   []string `yaml:"default_tiers"`    // Empty means all tiers
	DefaultLimit   int      `yaml:"default_limit"`    // (default: 10)
	MinResults     int      `yaml:"min_results"`      // (default: 5)
	MinAvgScore    float64  `yaml:"min_avg_score"`    // (default: 0.5)
	TierCoverage   float64  `yaml:"tier_coverage"`    // (default: 1.0)
	MinVectorScore float64  `yaml:"min_vector_score"` // (default: 0)
}

// CollabConfig contains collaborative filtering configuration.
type CollabConfig struct {
	MinCommonItems         int           `yaml:"min_common_items"`         // (default: 3)
	MaxNeighbours          int           `yaml:"max_neighbours"`           // (default: 20)
	FallbackMinInvocations int           `yaml:"fallback_min_invocations"` // (default: 3)
	SimilarityTTL          time.Duration `yaml:"similarity_ttl"`           // (default: 1h)
	Salt                   string        `yaml:"salt"`                     // HMAC key for user identifiers
	BaselineInterval       time.Duration `yaml:"baseline_interval"`        // (default: 1h)
}

// BackupConfig contains SQLite backup configuration.
type BackupConfig struct {
	Interval    time.Duration `yaml:"interval"`     // Scheduled backups in the server, 0 disables (default: 0)
	Dir         string        `yaml:"dir"`          // Backup directory (default: <data>/backups)
	KeepHourly  int           `yaml:"keep_hourly"`  // (default: 24)
	KeepDaily   int           `yaml:"keep_daily"`   // (default: 7)
	KeepWeekly  int           `yaml:"keep_weekly"`  // (default: 4)
	KeepMonthly int           `yaml:"keep_monthly"` // (default: 12)
	Verify      bool          `yaml:"verify"`       // Integrity-check each backup (default: true)
}

// LoadConfig loads defaults, overlays the YAML file named by RECALL_CONFIG
// when set, applies RECALL_ environment variables, and validates the result.
func LoadConfig() (*Config, error) {
	return Load(os.Getenv("RECALL_CONFIG"))
}

// Load is LoadConfig with an explicit file path. An empty path skips the
// file layer.
func Load(path string) (*Config, error) {
	cfg := buildBaseConfig()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Collab.Salt == DefaultSalt {
		log.Println("WARNING: using the default interaction salt; set RECALL_COLLAB_SALT")
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// buildBaseConfig constructs a Config with defaults only.
func buildBaseConfig() *Config {
	evo := evolution.DefaultConfig()
	dd := dedup.DefaultConfig()
	fp := fingerprint.DefaultConfig()
	emb := embedding.DefaultConfig()
	qc := querycache.DefaultConfig()
	suff := search.DefaultSufficiency()
	cf := collab.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Port:            6363,
			Host:            "127.0.0.1",
			RateLimit:       20,
			RateBurst:       40,
			SecurityMode:    "development",
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Engine:   EngineSQLite,
			DataPath: "./data",
		},
		Embedding: EmbeddingConfig{
			Provider:           emb.Provider,
			URL:                emb.BaseURL,
			Model:              emb.Model,
			Dimension:          emb.Dimension,
			Timeout:            emb.Timeout,
			Burst:              emb.Burst,
			BreakerMaxFailures: int(emb.Breaker.MaxFailures),
			BreakerTimeout:     emb.Breaker.Timeout,
		},
		Cache: CacheConfig{
			FastEntries:     qc.FastEntries,
			TTL:             qc.TTL,
			StripDiacritics: true,
			PurgeInterval:   time.Hour,
		},
		Dedup: DedupConfig{
			Enabled:        dd.Enabled,
			SkipThreshold:  dd.SkipThreshold,
			MergeThreshold: dd.MergeThreshold,
			Window:         dd.Window,
			NGram:          fp.NGram,
			Components:     fp.Components,
			SameCategory:   dd.SameCategory,
		},
		Evolution: EvolutionConfig{
			Enabled:              true,
			Interval:             24 * time.Hour,
			DecayInterval:        24 * time.Hour,
			CategoryRate:         1,
			MinClusterSize:       evo.MinClusterSize,
			MaxRecords:           evo.MaxRecords,
			SimilarityThreshold:  evo.SimilarityThreshold,
			FingerprintFloor:     evo.FingerprintFloor,
			Iterations:           evo.Iterations,
			MaxSubcategories:     evo.MaxSubcategories,
			StaleAfter:           evo.StaleAfter,
			MinAccessCount:       evo.MinAccessCount,
			DecayMode:            string(evo.DecayMode),
			RegressionMargin:     evo.RegressionMargin,
			RollbackOnRegression: evo.RollbackOnRegression,
			MinConfidence:        evo.MinConfidence,
			MaxRunDuration:       evo.MaxRunDuration,
		},
		Search: SearchConfig{
			DefaultLimit: search.DefaultLimit,
			MinResults:   suff.MinResults,
			MinAvgScore:  suff.MinAvgScore,
			TierCoverage: suff.TierCoverage,
		},
		Collab: CollabConfig{
			MinCommonItems:         cf.MinCommonItems,
			MaxNeighbours:          cf.MaxNeighbours,
			FallbackMinInvocations: cf.FallbackMinInvocations,
			SimilarityTTL:          cf.SimilarityTTL,
			Salt:                   DefaultSalt,
			BaselineInterval:       time.Hour,
		},
		Backup: BackupConfig{
			KeepHourly:  24,
			KeepDaily:   7,
			KeepWeekly:  4,
			KeepMonthly: 12,
			Verify:      true,
		},
	}
}

// applyEnv overrides settings from RECALL_ environment variables. Unset or
// unparsable variables keep the current value.
func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("RECALL_PORT", c.Server.Port)
	c.Server.Host = getEnv("RECALL_HOST", c.Server.Host)
	c.Server.RateLimit = getEnvFloat("RECALL_RATE_LIMIT", c.Server.RateLimit)
	c.Server.RateBurst = getEnvInt("RECALL_RATE_BURST", c.Server.RateBurst)
	c.Server.SecurityMode = getEnv("RECALL_SECURITY_MODE", c.Server.SecurityMode)
	c.Server.APIToken = getEnv("RECALL_API_TOKEN", c.Server.APIToken)
	c.Server.ShutdownTimeout = getEnvDuration("RECALL_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.NotifyDir = getEnv("RECALL_NOTIFY_DIR", c.Server.NotifyDir)

	c.Storage.Engine = getEnv("RECALL_STORAGE_ENGINE", c.Storage.Engine)
	c.Storage.DataPath = getEnv("RECALL_DATA_PATH", c.Storage.DataPath)
	c.Storage.PostgresDSN = getEnv("RECALL_POSTGRES_DSN", c.Storage.PostgresDSN)

	c.Embedding.Provider = getEnv("RECALL_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.URL = getEnv("RECALL_EMBEDDING_URL", c.Embedding.URL)
	c.Embedding.Model = getEnv("RECALL_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.APIKey = getEnv("RECALL_EMBEDDING_API_KEY", c.Embedding.APIKey)
	c.Embedding.Dimension = getEnvInt("RECALL_EMBEDDING_DIMENSION", c.Embedding.Dimension)
	c.Embedding.Timeout = getEnvDuration("RECALL_EMBEDDING_TIMEOUT", c.Embedding.Timeout)
	c.Embedding.RateLimit = getEnvFloat("RECALL_EMBEDDING_RATE_LIMIT", c.Embedding.RateLimit)
	c.Embedding.Burst = getEnvInt("RECALL_EMBEDDING_BURST", c.Embedding.Burst)

	c.Cache.Backend = getEnv("RECALL_CACHE_BACKEND", c.Cache.Backend)
	c.Cache.FastEntries = getEnvInt("RECALL_CACHE_FAST_ENTRIES", c.Cache.FastEntries)
	c.Cache.TTL = getEnvDuration("RECALL_CACHE_TTL", c.Cache.TTL)
	c.Cache.BadgerDir = getEnv("RECALL_CACHE_BADGER_DIR", c.Cache.BadgerDir)
	c.Cache.StripDiacritics = getEnvBool("RECALL_CACHE_STRIP_DIACRITICS", c.Cache.StripDiacritics)
	c.Cache.ContextTurns = getEnvInt("RECALL_CACHE_CONTEXT_TURNS", c.Cache.ContextTurns)

	c.Dedup.Enabled = getEnvBool("RECALL_DEDUP_ENABLED", c.Dedup.Enabled)
	c.Dedup.SkipThreshold = getEnvFloat("RECALL_DEDUP_SKIP_THRESHOLD", c.Dedup.SkipThreshold)
	c.Dedup.MergeThreshold = getEnvFloat("RECALL_DEDUP_MERGE_THRESHOLD", c.Dedup.MergeThreshold)
	c.Dedup.Window = getEnvInt("RECALL_DEDUP_WINDOW", c.Dedup.Window)

	c.Evolution.Enabled = getEnvBool("RECALL_EVOLUTION_ENABLED", c.Evolution.Enabled)
	c.Evolution.Interval = getEnvDuration("RECALL_EVOLUTION_INTERVAL", c.Evolution.Interval)
	c.Evolution.DecayInterval = getEnvDuration("RECALL_EVOLUTION_DECAY_INTERVAL", c.Evolution.DecayInterval)
	c.Evolution.MinClusterSize = getEnvInt("RECALL_EVOLUTION_MIN_CLUSTER_SIZE", c.Evolution.MinClusterSize)
	c.Evolution.DecayMode = getEnv("RECALL_EVOLUTION_DECAY_MODE", c.Evolution.DecayMode)
	c.Evolution.RollbackOnRegression = getEnvBool("RECALL_EVOLUTION_ROLLBACK_ON_REGRESSION", c.Evolution.RollbackOnRegression)
	c.Evolution.MaxRunDuration = getEnvDuration("RECALL_EVOLUTION_MAX_RUN_DURATION", c.Evolution.MaxRunDuration)

	if tiers := getEnv("RECALL_SEARCH_TIERS", ""); tiers != "" {
		c.Search.DefaultTiers = splitList(tiers)
	}
	c.Search.DefaultLimit = getEnvInt("RECALL_SEARCH_LIMIT", c.Search.DefaultLimit)
	c.Search.MinResults = getEnvInt("RECALL_SEARCH_MIN_RESULTS", c.Search.MinResults)
	c.Search.MinAvgScore = getEnvFloat("RECALL_SEARCH_MIN_AVG_SCORE", c.Search.MinAvgScore)
	c.Search.TierCoverage = getEnvFloat("RECALL_SEARCH_TIER_COVERAGE", c.Search.TierCoverage)

	c.Collab.MinCommonItems = getEnvInt("RECALL_COLLAB_MIN_COMMON_ITEMS", c.Collab.MinCommonItems)
	c.Collab.MaxNeighbours = getEnvInt("RECALL_COLLAB_MAX_NEIGHBOURS", c.Collab.MaxNeighbours)
	c.Collab.Salt = getEnv("RECALL_COLLAB_SALT", c.Collab.Salt)
	c.Collab.SimilarityTTL = getEnvDuration("RECALL_COLLAB_SIMILARITY_TTL", c.Collab.SimilarityTTL)

	c.Backup.Interval = getEnvDuration("RECALL_BACKUP_INTERVAL", c.Backup.Interval)
	c.Backup.Dir = getEnv("RECALL_BACKUP_DIR", c.Backup.Dir)
	c.Backup.Verify = getEnvBool("RECALL_BACKUP_VERIFY", c.Backup.Verify)
}

// resolvePaths fills paths derived from the data directory.
func (c *Config) resolvePaths() {
	if c.Cache.Backend == "" {
		c.Cache.Backend = c.Storage.Engine
	}
	if c.Cache.BadgerDir == "" {
		c.Cache.BadgerDir = filepath.Join(c.Storage.DataPath, "cache")
	}
	if c.Server.NotifyDir == "" {
		c.Server.NotifyDir = filepath.Join(c.Storage.DataPath, "events")
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(c.Storage.DataPath, "backups")
	}
}

// SQLitePath is the database file used by the sqlite engine.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.Storage.DataPath, "recall.db")
}

// Validate checks cross-field constraints and every component config.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port must be in [1, 65535], got %d", c.Server.Port))
	}
	switch c.Server.SecurityMode {
	case "development":
	case "production":
		if c.Server.APIToken == "" {
			errs = append(errs, errors.New("production security mode requires an API token"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown security mode %q", c.Server.SecurityMode))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server rate limit must not be negative"))
	}

	switch c.Storage.Engine {
	case EngineSQLite:
	case EnginePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres storage requires a DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage engine %q", c.Storage.Engine))
	}

	switch c.Cache.Backend {
	case "", CacheBadger, CacheNone:
	case CacheSQLite, CachePostgres:
		if c.Cache.Backend != c.Storage.Engine {
			errs = append(errs, fmt.Errorf("cache backend %q requires the %s storage engine", c.Cache.Backend, c.Cache.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported cache backend %q", c.Cache.Backend))
	}
	if err := c.QueryCache().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}

	if c.Dedup.MergeThreshold <= 0 || c.Dedup.MergeThreshold > c.Dedup.SkipThreshold || c.Dedup.SkipThreshold > 1 {
		errs = append(errs, fmt.Errorf("dedup thresholds must satisfy 0 < merge <= skip <= 1, got merge=%.2f skip=%.2f",
			c.Dedup.MergeThreshold, c.Dedup.SkipThreshold))
	}
	if err := c.EmbeddingProvider().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("embedding: %w", err))
	}

	if c.Backup.Interval < 0 {
		errs = append(errs, errors.New("backup interval must not be negative"))
	}
	if c.Backup.Interval > 0 && c.Storage.Engine != EngineSQLite {
		errs = append(errs, errors.New("scheduled backups require the sqlite storage engine"))
	}

	ec := c.Engine()
	if err := ec.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// EmbeddingProvider returns the embedding factory configuration.
func (c *Config) EmbeddingProvider() embedding.Config {
	breaker := embedding.DefaultCircuitBreakerConfig()
	if c.Embedding.BreakerMaxFailures > 0 {
		breaker.MaxFailures = uint32(c.Embedding.BreakerMaxFailures)
	}
	if c.Embedding.BreakerTimeout > 0 {
		breaker.Timeout = c.Embedding.BreakerTimeout
	}
	return embedding.Config{
		Provider:  c.Embedding.Provider,
		BaseURL:   c.Embedding.URL,
		Model:     c.Embedding.Model,
		APIKey:    c.Embedding.APIKey,
		Dimension: c.Embedding.Dimension,
		Timeout:   c.Embedding.Timeout,
		RateLimit: c.Embedding.RateLimit,
		Burst:     c.Embedding.Burst,
		Breaker:   breaker,
	}
}

// QueryCache returns the query cache configuration.
func (c *Config) QueryCache() querycache.Config {
	qc := querycache.DefaultConfig()
	qc.FastEntries = c.Cache.FastEntries
	qc.TTL = c.Cache.TTL
	return qc
}

// Backups returns the backup service configuration for the sqlite database.
func (c *Config) Backups() backup.Config {
	return backup.Config{
		DBPath: c.SQLitePath(),
		Dir:    c.Backup.Dir,
		Retention: backup.Retention{
			Hourly:  c.Backup.KeepHourly,
			Daily:   c.Backup.KeepDaily,
			Weekly:  c.Backup.KeepWeekly,
			Monthly: c.Backup.KeepMonthly,
		},
		Verify: c.Backup.Verify,
	}
}

// KeyBuilder returns the cache key builder.
func (c *Config) KeyBuilder() *querycache.KeyBuilder {
	return querycache.NewKeyBuilder(c.Cache.StripDiacritics, c.Cache.ContextTurns)
}

// Engine returns the engine configuration.
func (c *Config) Engine() engine.Config {
	ec := engine.DefaultConfig()

	ec.EmbedTimeout = c.Embedding.Timeout
	if ec.EmbedTimeout <= 0 {
		ec.EmbedTimeout = embedding.DefaultConfig().Timeout
	}
	ec.DefaultTiers = c.Search.DefaultTiers
	ec.DefaultLimit = c.Search.DefaultLimit
	ec.Sufficiency = search.Sufficiency{
		MinResults:   c.Search.MinResults,
		MinAvgScore:  c.Search.MinAvgScore,
		TierCoverage: c.Search.TierCoverage,
	}
	ec.MinVectorScore = c.Search.MinVectorScore
	ec.CategoryRate = c.Evolution.CategoryRate
	ec.CachePurgeInterval = c.Cache.PurgeInterval
	ec.BaselineInterval = c.Collab.BaselineInterval
	ec.ShutdownTimeout = c.Server.ShutdownTimeout
	if c.Evolution.Enabled {
		ec.EvolveInterval = c.Evolution.Interval
		ec.DecayInterval = c.Evolution.DecayInterval
	} else {
		ec.EvolveInterval = 0
		ec.DecayInterval = 0
	}

	ec.Fingerprint.NGram = c.Dedup.NGram
	ec.Fingerprint.Components = c.Dedup.Components

	ec.Dedup = dedup.Config{
		Enabled:        c.Dedup.Enabled,
		SkipThreshold:  c.Dedup.SkipThreshold,
		MergeThreshold: c.Dedup.MergeThreshold,
		Window:         c.Dedup.Window,
		SameCategory:   c.Dedup.SameCategory,
	}

	ec.Evolution = evolution.Config{
		MinClusterSize:       c.Evolution.MinClusterSize,
		MaxRecords:           c.Evolution.MaxRecords,
		SimilarityThreshold:  c.Evolution.SimilarityThreshold,
		FingerprintFloor:     c.Evolution.FingerprintFloor,
		Iterations:           c.Evolution.Iterations,
		MaxSubcategories:     c.Evolution.MaxSubcategories,
		KeywordCount:         evolution.DefaultConfig().KeywordCount,
		StaleAfter:           c.Evolution.StaleAfter,
		MinAccessCount:       c.Evolution.MinAccessCount,
		DecayMode:            evolution.DecayMode(c.Evolution.DecayMode),
		RegressionMargin:     c.Evolution.RegressionMargin,
		RollbackOnRegression: c.Evolution.RollbackOnRegression,
		MinConfidence:        c.Evolution.MinConfidence,
		MaxRunDuration:       c.Evolution.MaxRunDuration,
	}

	ec.Collab.MinCommonItems = c.Collab.MinCommonItems
	ec.Collab.MaxNeighbours = c.Collab.MaxNeighbours
	ec.Collab.FallbackMinInvocations = c.Collab.FallbackMinInvocations
	ec.Collab.SimilarityTTL = c.Collab.SimilarityTTL
	ec.Collab.BaselineTTL = c.Collab.BaselineInterval
	ec.Collab.Salt = c.Collab.Salt
	return ec
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration such as "90s" or "24h" or returns a
// default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
