// Package config loads search-scrape.json and fills the gaps from
// environment variables and hard-coded defaults. Resolution order per field:
// JSON value, then the matching env var, then the default. The file itself
// is looked up at the explicit -config path, then $SEARCH_SCRAPE_CONFIG,
// then the working directory, then next to the binary; a missing file is
// fine and simply means env vars and defaults apply.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EnvConfigPath points at an alternate config file location.
const EnvConfigPath = "SEARCH_SCRAPE_CONFIG"

// FileName is the config file looked up in the working directory and next
// to the binary.
const FileName = "search-scrape.json"

// Search configures the meta-search fan-out.
type Search struct {
	// Engines enabled by default, overridable per call. Known names:
	// google, bing, duckduckgo, brave.
	Engines             []string       `json:"engines"`
	MaxResultsPerEngine int            `json:"max_results_per_engine"`
	EngineTimeoutMS     int            `json:"engine_timeout_ms"`
	EngineTimeoutsMS    map[string]int `json:"engine_timeouts_ms"`
	AcceptLanguage      string         `json:"accept_language"`

	// CommunitySources adds a reddit/hackernews expansion pass per query.
	CommunitySources *bool `json:"community_sources"`
	// Tier2NonRobot re-runs a blocked engine through the visible browser.
	Tier2NonRobot *bool `json:"tier2_non_robot"`
}

// Scrape configures pacing, concurrency, and the response caches.
type Scrape struct {
	// DelayPreset is fast (100-500ms), polite (500-1500ms), or cautious
	// (1000-3000ms). Min/Max override the preset when set.
	DelayPreset string `json:"delay_preset"`
	DelayMinMS  int    `json:"delay_min_ms"`
	DelayMaxMS  int    `json:"delay_max_ms"`

	CacheTTLMinutes       int `json:"cache_ttl_minutes"`
	SearchCacheTTLMinutes int `json:"search_cache_ttl_minutes"`
	CacheMaxEntries       int `json:"cache_max_entries"`
}

// Proxy points at the flat files the proxy pool reads and writes.
type Proxy struct {
	File        string `json:"file"`
	SourcesFile string `json:"sources_file"`
}

// Memory configures the semantic research memory store.
type Memory struct {
	Disabled bool   `json:"disabled"`
	DBPath   string `json:"db_path"`
}

// Embeddings configures the embedding backend. An empty endpoint selects
// the built-in hash embedder.
type Embeddings struct {
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

// Browser configures the headless renderer.
type Browser struct {
	// Executable overrides Chrome auto-discovery. Ignored when the path
	// does not exist.
	Executable string `json:"executable"`
}

// DeepResearch mirrors the deep_research key. LLMAPIKey is a pointer so an
// explicit "" in the file means "key-less local endpoint" rather than
// "fall back to OPENAI_API_KEY".
type DeepResearch struct {
	Enabled                    *bool   `json:"enabled"`
	LLMBaseURL                 string  `json:"llm_base_url"`
	LLMAPIKey                  *string `json:"llm_api_key"`
	LLMModel                   string  `json:"llm_model"`
	SynthesisEnabled           *bool   `json:"synthesis_enabled"`
	SynthesisMaxSources        int     `json:"synthesis_max_sources"`
	SynthesisMaxCharsPerSource int     `json:"synthesis_max_chars_per_source"`
	SynthesisMaxTokens         int     `json:"synthesis_max_tokens"`
}

// Config is the root search-scrape.json document.
type Config struct {
	Search       Search       `json:"search"`
	Scrape       Scrape       `json:"scrape"`
	Proxy        Proxy        `json:"proxy"`
	Memory       Memory       `json:"memory"`
	Embeddings   Embeddings   `json:"embeddings"`
	Browser      Browser      `json:"browser"`
	DeepResearch DeepResearch `json:"deep_research"`

	DataDir          string `json:"data_dir"`
	DomainTablesPath string `json:"domain_tables_path"`
	HTTPAddr         string `json:"http_addr"`
	LogLevel         string `json:"log_level"`
	OutboundLimit    int    `json:"outbound_limit"`

	// Neurosiphon is the master toggle for the token-efficiency passes.
	// Each pass also has its own toggle, default-on; a disabled master
	// forces all four off regardless of the per-pass setting.
	Neurosiphon              *bool `json:"neurosiphon"`
	NeurosiphonImportNuking  *bool `json:"neurosiphon_import_nuking"`
	NeurosiphonSPAFastPath   *bool `json:"neurosiphon_spa_fast_path"`
	NeurosiphonSemanticShave *bool `json:"neurosiphon_semantic_shave"`
	NeurosiphonSearchRerank  *bool `json:"neurosiphon_search_rerank"`
}

var knownKeys = map[string]struct{}{
	"search": {}, "scrape": {}, "proxy": {}, "memory": {}, "embeddings": {},
	"browser": {}, "deep_research": {}, "data_dir": {}, "domain_tables_path": {},
	"http_addr": {}, "log_level": {}, "outbound_limit": {}, "neurosiphon": {},
	"neurosiphon_import_nuking": {}, "neurosiphon_spa_fast_path": {},
	"neurosiphon_semantic_shave": {}, "neurosiphon_search_rerank": {},
}

// Load reads the config. An empty explicitPath walks the standard lookup
// chain; a non-empty one must exist and parse. A parse error in a
// discovered file is logged and defaults apply, matching the behavior
// agents rely on when the file is hand-edited mid-session.
func Load(explicitPath string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := &Config{}

	path, raw, err := readConfigFile(explicitPath)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		if err := parseInto(cfg, raw, logger); err != nil {
			if explicitPath != "" {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
			logger.Warn("config file unparseable, using defaults", "path", path, "error", err)
			cfg = &Config{}
		} else {
			logger.Info("config loaded", "path", path)
		}
	}

	cfg.applyEnv()
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(explicitPath string) (string, []byte, error) {
	if explicitPath != "" {
		raw, err := os.ReadFile(explicitPath)
		if err != nil {
			return "", nil, fmt.Errorf("config: read %s: %w", explicitPath, err)
		}
		return explicitPath, raw, nil
	}

	var candidates []string
	if p := os.Getenv(EnvConfigPath); p != "" {
		candidates = append(candidates, p)
	}
	candidates = append(candidates, FileName)
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), FileName))
	}

	for _, p := range candidates {
		raw, err := os.ReadFile(p)
		if err == nil {
			return p, raw, nil
		}
	}
	return "", nil, nil
}

func parseInto(cfg *Config, raw []byte, logger *slog.Logger) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return err
	}
	for k := range keys {
		if _, ok := knownKeys[k]; !ok {
			logger.Warn("config: unknown key ignored", "key", k)
		}
	}
	return json.Unmarshal(raw, cfg)
}

// applyEnv fills fields the file left unset from environment variables.
func (c *Config) applyEnv() {
	if len(c.Search.Engines) == 0 {
		if v := os.Getenv("SEARCH_ENGINES"); v != "" {
			c.Search.Engines = splitCSV(v)
		}
	}
	envInt(&c.Search.MaxResultsPerEngine, "SEARCH_MAX_RESULTS_PER_ENGINE")
	envInt(&c.Search.EngineTimeoutMS, "SEARCH_ENGINE_TIMEOUT_MS")
	envStr(&c.Search.AcceptLanguage, "SEARCH_ACCEPT_LANGUAGE")
	envBoolPtr(&c.Search.CommunitySources, "SEARCH_COMMUNITY_SOURCES")
	envBoolPtr(&c.Search.Tier2NonRobot, "SEARCH_TIER2_NON_ROBOT")

	envStr(&c.Scrape.DelayPreset, "SCRAPE_DELAY_PRESET")
	envInt(&c.Scrape.DelayMinMS, "SCRAPE_DELAY_MIN_MS")
	envInt(&c.Scrape.DelayMaxMS, "SCRAPE_DELAY_MAX_MS")

	envInt(&c.OutboundLimit, "OUTBOUND_LIMIT")
	envStr(&c.Proxy.File, "PROXY_FILE")
	envStr(&c.Proxy.SourcesFile, "PROXY_SOURCES_FILE")

	if !c.Memory.Disabled {
		if v := os.Getenv("SEARCH_SCRAPE_MEMORY_DISABLED"); truthy(v) {
			c.Memory.Disabled = true
		}
	}

	envStr(&c.Embeddings.BaseURL, "OPENAI_BASE_URL")
	envStr(&c.Embeddings.APIKey, "OPENAI_API_KEY")
	envStr(&c.Embeddings.Model, "EMBEDDINGS_MODEL")

	envStr(&c.Browser.Executable, "CHROME_EXECUTABLE")

	envBoolPtr(&c.DeepResearch.Enabled, "DEEP_RESEARCH_ENABLED")
	envStr(&c.DeepResearch.LLMModel, "DEEP_RESEARCH_LLM_MODEL")
	envInt(&c.DeepResearch.SynthesisMaxSources, "DEEP_RESEARCH_SYNTHESIS_MAX_SOURCES")
	envInt(&c.DeepResearch.SynthesisMaxCharsPerSource, "DEEP_RESEARCH_SYNTHESIS_MAX_CHARS_PER_SOURCE")
	envInt(&c.DeepResearch.SynthesisMaxTokens, "DEEP_RESEARCH_SYNTHESIS_MAX_TOKENS")
	if c.DeepResearch.SynthesisEnabled == nil {
		if v, ok := os.LookupEnv("DEEP_RESEARCH_SYNTHESIS"); ok {
			b := strings.TrimSpace(v) != "0"
			c.DeepResearch.SynthesisEnabled = &b
		}
	}

	envStr(&c.LogLevel, "LOG_LEVEL")
	envStr(&c.HTTPAddr, "HTTP_ADDR")

	if c.Neurosiphon == nil {
		if v, ok := os.LookupEnv("SEARCH_SCRAPE_NEUROSIPHON"); ok {
			b := !falsy(v)
			c.Neurosiphon = &b
		}
	}
	envBoolPtr(&c.NeurosiphonImportNuking, "SEARCH_SCRAPE_NEUROSIPHON_IMPORT_NUKING")
	envBoolPtr(&c.NeurosiphonSPAFastPath, "SEARCH_SCRAPE_NEUROSIPHON_SPA_FAST_PATH")
	envBoolPtr(&c.NeurosiphonSemanticShave, "SEARCH_SCRAPE_NEUROSIPHON_SEMANTIC_SHAVE")
	envBoolPtr(&c.NeurosiphonSearchRerank, "SEARCH_SCRAPE_NEUROSIPHON_SEARCH_RERANK")
}

func (c *Config) defaults() {
	if len(c.Search.Engines) == 0 {
		c.Search.Engines = []string{"google", "bing", "duckduckgo", "brave"}
	}
	if c.Search.MaxResultsPerEngine <= 0 {
		c.Search.MaxResultsPerEngine = 10
	}
	if c.Search.EngineTimeoutMS <= 0 {
		c.Search.EngineTimeoutMS = 2500
	}
	if c.Search.AcceptLanguage == "" {
		c.Search.AcceptLanguage = "en-US,en;q=0.9"
	}

	if c.Scrape.DelayPreset == "" {
		c.Scrape.DelayPreset = "polite"
	}
	if c.Scrape.DelayMinMS <= 0 || c.Scrape.DelayMaxMS <= 0 {
		lo, hi := presetDelays(c.Scrape.DelayPreset)
		if c.Scrape.DelayMinMS <= 0 {
			c.Scrape.DelayMinMS = lo
		}
		if c.Scrape.DelayMaxMS <= 0 {
			c.Scrape.DelayMaxMS = hi
		}
	}
	if c.Scrape.DelayMinMS > c.Scrape.DelayMaxMS {
		c.Scrape.DelayMinMS, c.Scrape.DelayMaxMS = c.Scrape.DelayMaxMS, c.Scrape.DelayMinMS
	}
	if c.Scrape.CacheTTLMinutes <= 0 {
		c.Scrape.CacheTTLMinutes = 30
	}
	if c.Scrape.SearchCacheTTLMinutes <= 0 {
		c.Scrape.SearchCacheTTLMinutes = 10
	}
	if c.Scrape.CacheMaxEntries <= 0 {
		c.Scrape.CacheMaxEntries = 10000
	}

	if c.OutboundLimit <= 0 {
		c.OutboundLimit = 32
	}

	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".search-scrape")
		} else {
			c.DataDir = ".search-scrape"
		}
	}
	if c.Memory.DBPath == "" {
		c.Memory.DBPath = filepath.Join(c.DataDir, "memory.db")
	}

	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "text-embedding-3-small"
	}

	if c.DeepResearch.SynthesisMaxSources <= 0 {
		c.DeepResearch.SynthesisMaxSources = 8
	}
	if c.DeepResearch.SynthesisMaxCharsPerSource <= 0 {
		c.DeepResearch.SynthesisMaxCharsPerSource = 2500
	}
	if c.DeepResearch.SynthesisMaxTokens <= 0 {
		c.DeepResearch.SynthesisMaxTokens = 1024
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	switch c.Scrape.DelayPreset {
	case "fast", "polite", "cautious", "conservative":
	default:
		return fmt.Errorf("config: unknown delay preset %q", c.Scrape.DelayPreset)
	}
	for name, ms := range c.Search.EngineTimeoutsMS {
		if ms < 0 {
			return fmt.Errorf("config: negative timeout for engine %q", name)
		}
	}
	return nil
}

func presetDelays(preset string) (minMS, maxMS int) {
	switch preset {
	case "fast":
		return 100, 500
	case "cautious", "conservative":
		return 1000, 3000
	default:
		return 500, 1500
	}
}

// NeurosiphonEnabled reports the master token-efficiency toggle; defaults on.
func (c *Config) NeurosiphonEnabled() bool {
	if c.Neurosiphon == nil {
		return true
	}
	return *c.Neurosiphon
}

// The per-pass toggles default on and are individually overridable; a
// disabled master forces every pass off.

func (c *Config) ImportNukingEnabled() bool  { return c.pass(c.NeurosiphonImportNuking) }
func (c *Config) SPAFastPathEnabled() bool   { return c.pass(c.NeurosiphonSPAFastPath) }
func (c *Config) SemanticShaveEnabled() bool { return c.pass(c.NeurosiphonSemanticShave) }
func (c *Config) SearchRerankEnabled() bool  { return c.pass(c.NeurosiphonSearchRerank) }

func (c *Config) pass(v *bool) bool {
	if !c.NeurosiphonEnabled() {
		return false
	}
	return v == nil || *v
}

// DeepResearchEnabled reports whether the deep_research tool is exposed.
func (c *Config) DeepResearchEnabled() bool {
	if c.DeepResearch.Enabled == nil {
		return true
	}
	return *c.DeepResearch.Enabled
}

// CommunitySourcesEnabled reports whether queries get the reddit/hackernews
// expansion pass; defaults on.
func (c *Config) CommunitySourcesEnabled() bool {
	if c.Search.CommunitySources == nil {
		return true
	}
	return *c.Search.CommunitySources
}

// Tier2NonRobotEnabled reports whether blocked engines may escalate to the
// visible browser; defaults on.
func (c *Config) Tier2NonRobotEnabled() bool {
	if c.Search.Tier2NonRobot == nil {
		return true
	}
	return *c.Search.Tier2NonRobot
}

// EngineTimeout returns the fan-out timeout for one engine. Per-engine
// values, env overrides, and built-in defaults for the slow engines apply
// before the base timeout. Never below 250ms.
func (c *Config) EngineTimeout(engine string) time.Duration {
	ms := c.Search.EngineTimeoutMS
	switch engine {
	case "duckduckgo", "ddg":
		ms = 4500
	case "brave":
		ms = 3500
	}
	if v, ok := c.Search.EngineTimeoutsMS[engine]; ok && v > 0 {
		ms = v
	}
	if env := os.Getenv("SEARCH_ENGINE_TIMEOUT_MS_" + strings.ToUpper(engine)); env != "" {
		if v, err := strconv.Atoi(env); err == nil && v > 0 {
			ms = v
		}
	}
	if ms < 250 {
		ms = 250
	}
	return time.Duration(ms) * time.Millisecond
}

// LLMAPIKey resolves the synthesis API key: explicit file value (empty
// string allowed, meaning key-less endpoint), else OPENAI_API_KEY, else "".
func (c *Config) LLMAPIKey() (key string, present bool) {
	if c.DeepResearch.LLMAPIKey != nil {
		return strings.TrimSpace(*c.DeepResearch.LLMAPIKey), true
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		return v, true
	}
	return "", false
}

// LLMBaseURL resolves the synthesis endpoint with the OpenAI default.
func (c *Config) LLMBaseURL() string {
	if v := strings.TrimSpace(c.DeepResearch.LLMBaseURL); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")); v != "" {
		return v
	}
	return "https://api.openai.com/v1"
}

// LLMModel resolves the synthesis model name.
func (c *Config) LLMModel() string {
	if v := strings.TrimSpace(c.DeepResearch.LLMModel); v != "" {
		return v
	}
	return "gpt-4o-mini"
}

// SynthesisEnabled reports whether deep research runs the LLM synthesis
// step; defaults on.
func (c *Config) SynthesisEnabled() bool {
	if c.DeepResearch.SynthesisEnabled == nil {
		return true
	}
	return *c.DeepResearch.SynthesisEnabled
}

// ChromeExecutable returns the browser override only when the configured
// path exists, so stale paths fall back to auto-discovery.
func (c *Config) ChromeExecutable() string {
	p := strings.TrimSpace(c.Browser.Executable)
	if p == "" {
		return ""
	}
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// SlogLevel maps the configured level name to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		p := strings.ToLower(strings.TrimSpace(part))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envStr(dst *string, key string) {
	if *dst == "" {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
}

func envInt(dst *int, key string) {
	if *dst == 0 {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
}

func envBoolPtr(dst **bool, key string) {
	if *dst != nil {
		return
	}
	if v, ok := os.LookupEnv(key); ok {
		b := !falsy(v)
		*dst = &b
	}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func falsy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "no", "off", "disabled":
		return true
	}
	return false
}
