package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configPathEnv      = "FEEDTRIAGE_CONFIG"
	backendEnv         = "FEEDTRIAGE_BACKEND"
	ledgerDSNEnv       = "FEEDTRIAGE_LEDGER_DSN"
	logLevelEnv        = "FEEDTRIAGE_LOG_LEVEL"
	openAIAPIKeyEnv    = "OPENAI_API_KEY"
	openAIModelEnv     = "OPENAI_MODEL"
	geminiAPIKeyEnv    = "GEMINI_API_KEY"
	geminiModelEnv     = "GEMINI_MODEL"
	anthropicAPIKeyEnv = "ANTHROPIC_API_KEY"
	anthropicModelEnv  = "ANTHROPIC_MODEL"
	agentBinaryEnv     = "AGENT_BINARY"
	agentModelEnv      = "AGENT_MODEL"

	// BackendAuto picks the first available backend in priority order.
	BackendAuto = "auto"

	defaultThreshold    = 0.65
	defaultMaxRedirects = 10
)

// Backend identifiers known to the application.
const (
	BackendOpenAI    = "openai"
	BackendGemini    = "gemini"
	BackendAnthropic = "anthropic"
	BackendAgent     = "agent"
)

// Ledger drivers.
const (
	LedgerCSV      = "csv"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

// Config holds every setting the application consumes.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Triage   TriageConfig   `yaml:"triage"`
	Resolver ResolverConfig `yaml:"resolver"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Topics   []TopicConfig  `yaml:"topics"`
}

// LoggingConfig selects slog level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TriageConfig controls backend selection and invocation.
type TriageConfig struct {
	// Backend is a backend id or "auto".
	Backend string `yaml:"backend"`
	// Priority is consulted in order when Backend is "auto".
	Priority           []string        `yaml:"priority"`
	Threshold          *float64        `yaml:"threshold"`
	BatchSize          int             `yaml:"batchSize"`
	MaxAttempts        int             `yaml:"maxAttempts"`
	RequestTimeout     time.Duration   `yaml:"requestTimeout"`
	InitialBackoff     time.Duration   `yaml:"initialBackoff"`
	MaxBackoff         time.Duration   `yaml:"maxBackoff"`
	RequestsPerMinute  int             `yaml:"requestsPerMinute"`
	PromptTemplatePath string          `yaml:"promptTemplatePath"`
	OpenAI             OpenAIConfig    `yaml:"openai"`
	Gemini             GeminiConfig    `yaml:"gemini"`
	Anthropic          AnthropicConfig `yaml:"anthropic"`
	Agent              AgentConfig     `yaml:"agent"`
}

// MinScore is the inclusion threshold; it defaults to 0.65.
func (t TriageConfig) MinScore() float64 {
	if t.Threshold == nil {
		return defaultThreshold
	}
	return *t.Threshold
}

// OpenAIConfig defines how to contact an OpenAI-compatible chat completions API.
type OpenAIConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"apiKey"`
}

// GeminiConfig defines how to contact the Gemini generateContent API.
type GeminiConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"apiKey"`
}

// AnthropicConfig defines the Anthropic Messages API settings.
type AnthropicConfig struct {
	Model     string `yaml:"model"`
	APIKey    string `yaml:"apiKey"`
	MaxTokens int64  `yaml:"maxTokens"`
}

// AgentConfig describes the external agent CLI.
type AgentConfig struct {
	Binary    string   `yaml:"binary"`
	Model     string   `yaml:"model"`
	ExtraArgs []string `yaml:"extraArgs"`
}

// ResolverConfig controls redirect resolution.
type ResolverConfig struct {
	Enabled           *bool         `yaml:"enabled"`
	Workers           int           `yaml:"workers"`
	MaxRedirects      *int          `yaml:"maxRedirects"`
	Timeout           time.Duration `yaml:"timeout"`
	UserAgent         string        `yaml:"userAgent"`
	RedirectorDomains []string      `yaml:"redirectorDomains"`
}

// IsEnabled reports whether resolution runs; it defaults to true.
func (r ResolverConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// RedirectLimit is the hop cap; it defaults to 10 and 0 allows no redirect.
func (r ResolverConfig) RedirectLimit() int {
	if r.MaxRedirects == nil {
		return defaultMaxRedirects
	}
	return *r.MaxRedirects
}

// LedgerConfig chooses the ledger store.
type LedgerConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// PipelineConfig bounds one run.
type PipelineConfig struct {
	MaxItemsPerFeed  int `yaml:"maxItemsPerFeed"`
	MaxTotalItems    int `yaml:"maxTotalItems"`
	LookbackDays     int `yaml:"lookbackDays"`
	SummaryMaxChars  int `yaml:"summaryMaxChars"`
	PrefilterKeepTop int `yaml:"prefilterKeepTop"`
	MaxReturned      int `yaml:"maxReturned"`
}

// MetricsConfig points at a node_exporter textfile; empty disables export.
type MetricsConfig struct {
	TextfilePath string `yaml:"textfilePath"`
}

// TopicConfig is one topic profile plus the sources feeding it.
type TopicConfig struct {
	Name      string         `yaml:"name"`
	Keywords  []string       `yaml:"keywords"`
	Narrative string         `yaml:"narrative"`
	Companies []string       `yaml:"companies"`
	Sources   []SourceConfig `yaml:"sources"`
}

// SourceConfig describes a single source with its scanner strategy.
type SourceConfig struct {
	Name       string            `yaml:"name"`
	Scanner    string            `yaml:"scanner"`
	Categories []CategoryConfig  `yaml:"categories"`
	Options    map[string]string `yaml:"options"`
}

// CategoryConfig holds one concrete endpoint of a source.
type CategoryConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Topic returns the named topic.
func (c Config) Topic(name string) (TopicConfig, bool) {
	for _, t := range c.Topics {
		if t.Name == name {
			return t, true
		}
	}
	return TopicConfig{}, false
}

// Load reads the YAML file named by FEEDTRIAGE_CONFIG (if set), applies
// environment overrides and validates the result.
func Load() (Config, error) {
	return LoadFile(os.Getenv(configPathEnv))
}

// LoadFile is Load with an explicit path; an empty path means defaults only.
func LoadFile(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		var fileCfg Config
		if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg = mergeConfig(cfg, fileCfg)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if t := c.Triage.MinScore(); t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("triage.threshold must be within [0,1], got %v", t))
	}
	if c.Triage.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("triage.batchSize must be positive"))
	}
	if c.Triage.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("triage.maxAttempts must be positive"))
	}
	if c.Triage.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("triage.requestTimeout must be positive"))
	}
	known := []string{BackendOpenAI, BackendGemini, BackendAnthropic, BackendAgent}
	if c.Triage.Backend != BackendAuto && !slices.Contains(known, c.Triage.Backend) {
		errs = append(errs, fmt.Errorf("triage.backend %q is not one of auto, %v", c.Triage.Backend, known))
	}
	for _, id := range c.Triage.Priority {
		if !slices.Contains(known, id) {
			errs = append(errs, fmt.Errorf("triage.priority contains unknown backend %q", id))
		}
	}
	if c.Resolver.Workers <= 0 {
		errs = append(errs, fmt.Errorf("resolver.workers must be positive"))
	}
	if c.Resolver.RedirectLimit() < 0 {
		errs = append(errs, fmt.Errorf("resolver.maxRedirects must not be negative"))
	}
	if c.Resolver.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("resolver.timeout must be positive"))
	}

	switch c.Ledger.Driver {
	case LedgerCSV, LedgerSQLite:
		if c.Ledger.Path == "" && c.Ledger.DSN == "" {
			errs = append(errs, fmt.Errorf("ledger.path is required for driver %s", c.Ledger.Driver))
		}
	case LedgerPostgres:
		if c.Ledger.DSN == "" {
			errs = append(errs, fmt.Errorf("ledger.dsn is required for driver postgres"))
		}
	case LedgerMemory:
	default:
		errs = append(errs, fmt.Errorf("ledger.driver %q is not supported", c.Ledger.Driver))
	}

	for i, t := range c.Topics {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("topics[%d].name is required", i))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(backendEnv); v != "" {
		c.Triage.Backend = v
	}
	if v := os.Getenv(ledgerDSNEnv); v != "" {
		c.Ledger.DSN = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv(openAIAPIKeyEnv); v != "" {
		c.Triage.OpenAI.APIKey = v
	}
	if v := os.Getenv(openAIModelEnv); v != "" {
		c.Triage.OpenAI.Model = v
	}
	if v := os.Getenv(geminiAPIKeyEnv); v != "" {
		c.Triage.Gemini.APIKey = v
	}
	if v := os.Getenv(geminiModelEnv); v != "" {
		c.Triage.Gemini.Model = v
	}
	if v := os.Getenv(anthropicAPIKeyEnv); v != "" {
		c.Triage.Anthropic.APIKey = v
	}
	if v := os.Getenv(anthropicModelEnv); v != "" {
		c.Triage.Anthropic.Model = v
	}
	if v := os.Getenv(agentBinaryEnv); v != "" {
		c.Triage.Agent.Binary = v
	}
	if v := os.Getenv(agentModelEnv); v != "" {
		c.Triage.Agent.Model = v
	}
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}

	base.Triage = mergeTriage(base.Triage, override.Triage)

	if override.Resolver.Enabled != nil {
		base.Resolver.Enabled = override.Resolver.Enabled
	}
	if override.Resolver.Workers != 0 {
		base.Resolver.Workers = override.Resolver.Workers
	}
	if override.Resolver.MaxRedirects != nil {
		base.Resolver.MaxRedirects = override.Resolver.MaxRedirects
	}
	if override.Resolver.Timeout != 0 {
		base.Resolver.Timeout = override.Resolver.Timeout
	}
	if override.Resolver.UserAgent != "" {
		base.Resolver.UserAgent = override.Resolver.UserAgent
	}
	if len(override.Resolver.RedirectorDomains) > 0 {
		base.Resolver.RedirectorDomains = override.Resolver.RedirectorDomains
	}

	if override.Ledger.Driver != "" {
		base.Ledger.Driver = override.Ledger.Driver
	}
	if override.Ledger.Path != "" {
		base.Ledger.Path = override.Ledger.Path
	}
	if override.Ledger.DSN != "" {
		base.Ledger.DSN = override.Ledger.DSN
	}

	if override.Pipeline.MaxItemsPerFeed != 0 {
		base.Pipeline.MaxItemsPerFeed = override.Pipeline.MaxItemsPerFeed
	}
	if override.Pipeline.MaxTotalItems != 0 {
		base.Pipeline.MaxTotalItems = override.Pipeline.MaxTotalItems
	}
	if override.Pipeline.LookbackDays != 0 {
		base.Pipeline.LookbackDays = override.Pipeline.LookbackDays
	}
	if override.Pipeline.SummaryMaxChars != 0 {
		base.Pipeline.SummaryMaxChars = override.Pipeline.SummaryMaxChars
	}
	if override.Pipeline.PrefilterKeepTop != 0 {
		base.Pipeline.PrefilterKeepTop = override.Pipeline.PrefilterKeepTop
	}
	if override.Pipeline.MaxReturned != 0 {
		base.Pipeline.MaxReturned = override.Pipeline.MaxReturned
	}

	if override.Metrics.TextfilePath != "" {
		base.Metrics.TextfilePath = override.Metrics.TextfilePath
	}

	if len(override.Topics) > 0 {
		base.Topics = override.Topics
	}

	return base
}

func mergeTriage(base, override TriageConfig) TriageConfig {
	if override.Backend != "" {
		base.Backend = override.Backend
	}
	if len(override.Priority) > 0 {
		base.Priority = override.Priority
	}
	if override.Threshold != nil {
		base.Threshold = override.Threshold
	}
	if override.BatchSize != 0 {
		base.BatchSize = override.BatchSize
	}
	if override.MaxAttempts != 0 {
		base.MaxAttempts = override.MaxAttempts
	}
	if override.RequestTimeout != 0 {
		base.RequestTimeout = override.RequestTimeout
	}
	if override.InitialBackoff != 0 {
		base.InitialBackoff = override.InitialBackoff
	}
	if override.MaxBackoff != 0 {
		base.MaxBackoff = override.MaxBackoff
	}
	if override.RequestsPerMinute != 0 {
		base.RequestsPerMinute = override.RequestsPerMinute
	}
	if override.PromptTemplatePath != "" {
		base.PromptTemplatePath = override.PromptTemplatePath
	}

	if override.OpenAI.Endpoint != "" {
		base.OpenAI.Endpoint = override.OpenAI.Endpoint
	}
	if override.OpenAI.Model != "" {
		base.OpenAI.Model = override.OpenAI.Model
	}
	if override.OpenAI.APIKey != "" {
		base.OpenAI.APIKey = override.OpenAI.APIKey
	}

	if override.Gemini.Endpoint != "" {
		base.Gemini.Endpoint = override.Gemini.Endpoint
	}
	if override.Gemini.Model != "" {
		base.Gemini.Model = override.Gemini.Model
	}
	if override.Gemini.APIKey != "" {
		base.Gemini.APIKey = override.Gemini.APIKey
	}

	if override.Anthropic.Model != "" {
		base.Anthropic.Model = override.Anthropic.Model
	}
	if override.Anthropic.APIKey != "" {
		base.Anthropic.APIKey = override.Anthropic.APIKey
	}
	if override.Anthropic.MaxTokens != 0 {
		base.Anthropic.MaxTokens = override.Anthropic.MaxTokens
	}

	if override.Agent.Binary != "" {
		base.Agent.Binary = override.Agent.Binary
	}
	if override.Agent.Model != "" {
		base.Agent.Model = override.Agent.Model
	}
	if len(override.Agent.ExtraArgs) > 0 {
		base.Agent.ExtraArgs = override.Agent.ExtraArgs
	}

	return base
}

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Triage: TriageConfig{
			Backend:           BackendAuto,
			Priority:          []string{BackendOpenAI, BackendGemini, BackendAnthropic, BackendAgent},
			BatchSize:         50,
			MaxAttempts:       3,
			RequestTimeout:    2 * time.Minute,
			InitialBackoff:    time.Second,
			MaxBackoff:        30 * time.Second,
			RequestsPerMinute: 30,
			OpenAI: OpenAIConfig{
				Endpoint: "https://api.openai.com/v1/chat/completions",
				Model:    "gpt-4o",
			},
			Gemini: GeminiConfig{
				Endpoint: "https://generativelanguage.googleapis.com/v1beta",
				Model:    "gemini-2.0-flash",
			},
			Anthropic: AnthropicConfig{
				Model:     "claude-sonnet-4-5",
				MaxTokens: 8192,
			},
			Agent: AgentConfig{Binary: "agent"},
		},
		Resolver: ResolverConfig{
			Workers:           8,
			Timeout:           10 * time.Second,
			UserAgent:         "Mozilla/5.0 (compatible; FeedTriage/1.0)",
			RedirectorDomains: []string{"news.google.com"},
		},
		Ledger: LedgerConfig{Driver: LedgerCSV, Path: "data/ledger.csv"},
		Pipeline: PipelineConfig{
			MaxItemsPerFeed:  50,
			MaxTotalItems:    400,
			LookbackDays:     7,
			SummaryMaxChars:  500,
			PrefilterKeepTop: 200,
			MaxReturned:      40,
		},
	}
}
