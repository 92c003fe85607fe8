// Package config loads and validates gateway configuration.
//
// DESIGN: One process-wide Config loaded at startup from YAML with
// ${ENV_VAR} expansion, then validated. Sections map one-to-one onto the
// budget components that consume them. Zero values fall back to the
// constants in defaults.go so a minimal config file stays minimal.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/contextwarden/gateway/internal/conversation"
)

// =============================================================================
// CONFIG SECTIONS
// =============================================================================

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LimitsConfig holds hard token ceilings per content class.
type LimitsConfig struct {
	Text   int `yaml:"text"`
	Vision int `yaml:"vision"`
}

// HardLimit returns the ceiling for a content class.
func (l LimitsConfig) HardLimit(class conversation.ContentClass) int {
	if class == conversation.ClassVision {
		return l.Vision
	}
	return l.Text
}

// RiskConfig holds utilization thresholds (percent) for risk classification.
type RiskConfig struct {
	Caution  float64 `yaml:"caution"`
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// CountingConfig configures the token counter.
type CountingConfig struct {
	Encoding                 string  `yaml:"encoding"`
	EstimateRatio            int     `yaml:"estimate_ratio"`
	MessageOverheadTokens    int     `yaml:"message_overhead_tokens"`
	ToolOverheadTokens       int     `yaml:"tool_overhead_tokens"`
	ImageBaseTokens          int     `yaml:"image_base_tokens"`
	ImageDescribedBaseTokens int     `yaml:"image_described_base_tokens"`
	ImagePerCharRate         float64 `yaml:"image_per_char_rate"`
	MemoEntries              int     `yaml:"memo_entries"`
}

// ChunkingConfig bounds conversation partitioning.
type ChunkingConfig struct {
	MaxMessages int `yaml:"max_messages"`
	MaxTokens   int `yaml:"max_tokens"`
	Overlap     int `yaml:"overlap"`
}

// CondensationConfig configures the condensation engine.
type CondensationConfig struct {
	// LightStrategy / AggressiveStrategy select the strategy name used for
	// CONDENSE_LIGHT and CONDENSE_AGGRESSIVE risk responses.
	LightStrategy      string        `yaml:"light_strategy"`
	AggressiveStrategy string        `yaml:"aggressive_strategy"`
	Deadline           time.Duration `yaml:"deadline"`
	PreservationFloor  float64       `yaml:"preservation_floor"`
	LightTargetRatio   float64       `yaml:"light_target_ratio"`
	AggressiveTarget   float64       `yaml:"aggressive_target_ratio"`
	SummaryMaxTokens   int           `yaml:"summary_max_tokens"`
	TruncateSentences  int           `yaml:"truncate_sentences"`
}

// CacheConfig configures the shared chunk index and its persistent mirror.
type CacheConfig struct {
	MaxEntries    int           `yaml:"max_entries"`
	TTL           time.Duration `yaml:"ttl"`
	Path          string        `yaml:"path"` // sqlite file; empty disables persistence
	SweepInterval time.Duration `yaml:"sweep_interval"`
	WriteQueue    int           `yaml:"write_queue"`
}

// BackendConfig configures the summarization backend.
type BackendConfig struct {
	Provider  string        `yaml:"provider"` // openai | anthropic | bedrock
	Endpoint  string        `yaml:"endpoint"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// MonitoringConfig configures telemetry output.
type MonitoringConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// Config is the process-wide gateway configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Limits       LimitsConfig       `yaml:"limits"`
	Risk         RiskConfig         `yaml:"risk"`
	Counting     CountingConfig     `yaml:"counting"`
	Chunking     ChunkingConfig     `yaml:"chunking"`
	Condensation CondensationConfig `yaml:"condensation"`
	Cache        CacheConfig        `yaml:"cache"`
	Backend      BackendConfig      `yaml:"backend"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
}

// =============================================================================
// DEFAULTS AND LOADING
// =============================================================================

// DefaultConfig returns a fully populated configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file, expands ${ENV_VAR} references, applies
// defaults for absent fields, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields from defaults.go.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultServerReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultServerWriteTimeout
	}

	if c.Limits.Text == 0 {
		c.Limits.Text = DefaultTextHardLimit
	}
	if c.Limits.Vision == 0 {
		c.Limits.Vision = DefaultVisionHardLimit
	}

	if c.Risk.Caution == 0 {
		c.Risk.Caution = DefaultCautionThreshold
	}
	if c.Risk.Warning == 0 {
		c.Risk.Warning = DefaultWarningThreshold
	}
	if c.Risk.Critical == 0 {
		c.Risk.Critical = DefaultCriticalThreshold
	}

	if c.Counting.Encoding == "" {
		c.Counting.Encoding = DefaultEncoding
	}
	if c.Counting.EstimateRatio == 0 {
		c.Counting.EstimateRatio = TokenEstimateRatio
	}
	if c.Counting.MessageOverheadTokens == 0 {
		c.Counting.MessageOverheadTokens = DefaultMessageOverheadTokens
	}
	if c.Counting.ToolOverheadTokens == 0 {
		c.Counting.ToolOverheadTokens = DefaultToolOverheadTokens
	}
	if c.Counting.ImageBaseTokens == 0 {
		c.Counting.ImageBaseTokens = DefaultImageBaseTokens
	}
	if c.Counting.ImageDescribedBaseTokens == 0 {
		c.Counting.ImageDescribedBaseTokens = DefaultImageDescribedBaseTokens
	}
	if c.Counting.ImagePerCharRate == 0 {
		c.Counting.ImagePerCharRate = DefaultImagePerCharRate
	}
	if c.Counting.MemoEntries == 0 {
		c.Counting.MemoEntries = DefaultCountMemoEntries
	}

	if c.Chunking.MaxMessages == 0 {
		c.Chunking.MaxMessages = DefaultChunkMaxMessages
	}
	if c.Chunking.MaxTokens == 0 {
		c.Chunking.MaxTokens = DefaultChunkMaxTokens
	}
	if c.Chunking.Overlap == 0 {
		c.Chunking.Overlap = DefaultChunkOverlap
	}

	if c.Condensation.LightStrategy == "" {
		c.Condensation.LightStrategy = "conversation_summary"
	}
	if c.Condensation.AggressiveStrategy == "" {
		c.Condensation.AggressiveStrategy = "key_point_extraction"
	}
	if c.Condensation.Deadline == 0 {
		c.Condensation.Deadline = DefaultCondensationDeadline
	}
	if c.Condensation.PreservationFloor == 0 {
		c.Condensation.PreservationFloor = DefaultPreservationFloor
	}
	if c.Condensation.LightTargetRatio == 0 {
		c.Condensation.LightTargetRatio = DefaultLightTargetRatio
	}
	if c.Condensation.AggressiveTarget == 0 {
		c.Condensation.AggressiveTarget = DefaultAggressiveTargetRatio
	}
	if c.Condensation.SummaryMaxTokens == 0 {
		c.Condensation.SummaryMaxTokens = DefaultSummaryMaxTokens
	}
	if c.Condensation.TruncateSentences == 0 {
		c.Condensation.TruncateSentences = DefaultSmartTruncationSentences
	}

	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultChunkTTL
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = DefaultStoreSweepInterval
	}
	if c.Cache.WriteQueue == 0 {
		c.Cache.WriteQueue = DefaultWriteQueueSize
	}

	if c.Backend.Provider == "" {
		c.Backend.Provider = "anthropic"
	}
	if c.Backend.MaxTokens == 0 {
		c.Backend.MaxTokens = DefaultBackendMaxTokens
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = DefaultBackendTimeout
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks configuration invariants. Errors name the offending field.
func (c *Config) Validate() error {
	if c.Limits.Text <= 0 || c.Limits.Vision <= 0 {
		return fmt.Errorf("limits.text and limits.vision must be positive")
	}
	if !(c.Risk.Caution < c.Risk.Warning && c.Risk.Warning < c.Risk.Critical) {
		return fmt.Errorf("risk thresholds must be strictly increasing (caution < warning < critical)")
	}
	if c.Risk.Critical >= 100 {
		return fmt.Errorf("risk.critical must be below 100 (100%% is overflow)")
	}
	if c.Chunking.MaxMessages < 1 {
		return fmt.Errorf("chunking.max_messages must be at least 1")
	}
	if c.Chunking.Overlap >= c.Chunking.MaxMessages {
		return fmt.Errorf("chunking.overlap must be smaller than chunking.max_messages")
	}
	if c.Condensation.PreservationFloor <= 0 || c.Condensation.PreservationFloor >= 1 {
		return fmt.Errorf("condensation.preservation_floor must be in (0, 1)")
	}
	if c.Condensation.Deadline <= 0 {
		return fmt.Errorf("condensation.deadline must be positive")
	}
	switch c.Backend.Provider {
	case "openai", "anthropic", "bedrock":
	default:
		return fmt.Errorf("backend.provider %q is not one of openai, anthropic, bedrock", c.Backend.Provider)
	}
	return nil
}
