package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/danielpatrickdp/cuidado/internal/embedding"
	"github.com/danielpatrickdp/cuidado/internal/gate"
	"github.com/danielpatrickdp/cuidado/internal/helper"
	"github.com/danielpatrickdp/cuidado/internal/llm"
	"github.com/danielpatrickdp/cuidado/internal/orchestrator"
	"github.com/danielpatrickdp/cuidado/internal/planner"
	"github.com/danielpatrickdp/cuidado/internal/policy"
	"github.com/danielpatrickdp/cuidado/internal/retrieval"
	"github.com/danielpatrickdp/cuidado/internal/safety"
	"github.com/danielpatrickdp/cuidado/internal/signals"
)

// EnvPrefix namespaces environment overrides: retrieval.top_k is CUIDADO_RETRIEVAL_TOP_K.
const EnvPrefix = "CUIDADO"

// Backends for the primary model and embeddings.
const (
	BackendOllama = "ollama"
	BackendCodec  = "codec"
)

// #region types

// Config is the full runtime configuration.
type Config struct {
	DB        string          `mapstructure:"db"`
	Backend   string          `mapstructure:"backend"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Ollama    OllamaConfig    `mapstructure:"ollama"`
	Codec     CodecConfig     `mapstructure:"codec"`
	Helper    HelperConfig    `mapstructure:"helper"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Signals   SignalsConfig   `mapstructure:"signals"`
	Safety    SafetyConfig    `mapstructure:"safety"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type OllamaConfig struct {
	Host         string        `mapstructure:"host"`
	Model        string        `mapstructure:"model"`
	EmbedModel   string        `mapstructure:"embed_model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	EmbedTimeout time.Duration `mapstructure:"embed_timeout"`
	Temperature  float64       `mapstructure:"temperature"`
	TopP         float64       `mapstructure:"top_p"`
}

// CodecConfig points at the gRPC codec service used when Backend is "codec".
type CodecConfig struct {
	Addr    string        `mapstructure:"addr"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type HelperConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxPerHour int           `mapstructure:"max_per_hour"`
	TriggerU   float64       `mapstructure:"trigger_u"`
	TriggerN   float64       `mapstructure:"trigger_n"`
	TriggerV   float64       `mapstructure:"trigger_v"`
}

type PolicyConfig struct {
	Dir         string `mapstructure:"dir"`
	TokenBudget int    `mapstructure:"token_budget"`
	TherapyMode string `mapstructure:"therapy_mode"`
}

type RetrievalConfig struct {
	RecentLimit     int     `mapstructure:"recent_limit"`
	TopK            int     `mapstructure:"top_k"`
	ContextClip     int     `mapstructure:"context_clip"`
	RelatedConcepts int     `mapstructure:"related_concepts"`
	K1              float64 `mapstructure:"k1"`
	B               float64 `mapstructure:"b"`
	Kappa           float64 `mapstructure:"kappa"`
	EmbedCacheSize  int     `mapstructure:"embed_cache_size"`
}

type PlannerConfig struct {
	ThresholdU float64 `mapstructure:"threshold_u"`
	ThresholdN float64 `mapstructure:"threshold_n"`
	ThresholdV float64 `mapstructure:"threshold_v"`
}

type SignalsConfig struct {
	LengthNorm  float64 `mapstructure:"length_norm"`
	SupportTopN int     `mapstructure:"support_top_n"`
}

type SafetyConfig struct {
	DisclaimerThreshold float64           `mapstructure:"disclaimer_threshold"`
	Categories          []safety.Category `mapstructure:"categories"`
}

// #endregion types

// #region load

// legacyEnv maps keys to the unprefixed variable names older deployments set.
// Earlier names in a list win.
var legacyEnv = map[string][]string{
	"helper.enabled":      {"HELPER_ENABLE"},
	"helper.model":        {"HELPER_MODEL"},
	"helper.api_key":      {"HELPER_API_KEY", "OPENAI_API_KEY"},
	"helper.base_url":     {"HELPER_BASE_URL"},
	"helper.max_per_hour": {"HELPER_MAX_TURNS_PER_HOUR"},
	"helper.trigger_u":    {"HELPER_TRIGGER_U"},
	"helper.trigger_n":    {"HELPER_TRIGGER_N"},
	"helper.trigger_v":    {"HELPER_TRIGGER_V"},
	"ollama.host":         {"OLLAMA_HOST"},
	"ollama.model":        {"MODEL_PRIMARY"},
	"ollama.embed_model":  {"EMBED_MODEL"},
	"ollama.temperature":  {"TEMP"},
	"ollama.top_p":        {"TOP_P"},
	"policy.token_budget": {"POLICY_TOKEN_BUDGET"},
}

// Load reads defaults, then the YAML file at path (or ./cuidado.yaml when
// path is empty and the file exists), then environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, legacy...)...); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("cuidado")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	chat := llm.DefaultConfig()
	emb := embedding.DefaultConfig()
	hc := helper.DefaultConfig()
	gc := gate.DefaultConfig()
	rp := retrieval.DefaultParams()
	pc := planner.DefaultConfig()
	sc := signals.DefaultConfig()
	oc := orchestrator.DefaultConfig()
	safe := safety.DefaultConfig()

	v.SetDefault("db", "cuidado.db")
	v.SetDefault("backend", BackendOllama)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("metrics.addr", "")

	v.SetDefault("ollama.host", chat.Host)
	v.SetDefault("ollama.model", chat.Model)
	v.SetDefault("ollama.embed_model", emb.Model)
	v.SetDefault("ollama.timeout", chat.Timeout)
	v.SetDefault("ollama.embed_timeout", emb.Timeout)
	v.SetDefault("ollama.temperature", oc.Chat.Temperature)
	v.SetDefault("ollama.top_p", oc.Chat.TopP)

	v.SetDefault("codec.addr", "localhost:50051")
	v.SetDefault("codec.timeout", 30*time.Second)

	v.SetDefault("helper.enabled", gc.Enabled)
	v.SetDefault("helper.api_key", "")
	v.SetDefault("helper.base_url", "")
	v.SetDefault("helper.model", hc.Model)
	v.SetDefault("helper.timeout", hc.Timeout)
	v.SetDefault("helper.max_per_hour", gc.MaxPerHour)
	v.SetDefault("helper.trigger_u", gc.TriggerU)
	v.SetDefault("helper.trigger_n", gc.TriggerN)
	v.SetDefault("helper.trigger_v", gc.TriggerV)

	v.SetDefault("policy.dir", "policy")
	v.SetDefault("policy.token_budget", policy.DefaultTokenBudget)
	v.SetDefault("policy.therapy_mode", string(oc.TherapyMode))

	v.SetDefault("retrieval.recent_limit", oc.RecentLimit)
	v.SetDefault("retrieval.top_k", oc.TopK)
	v.SetDefault("retrieval.context_clip", oc.ContextClip)
	v.SetDefault("retrieval.related_concepts", oc.RelatedConcepts)
	v.SetDefault("retrieval.k1", rp.K1)
	v.SetDefault("retrieval.b", rp.B)
	v.SetDefault("retrieval.kappa", rp.Kappa)
	v.SetDefault("retrieval.embed_cache_size", emb.CacheSize)

	v.SetDefault("planner.threshold_u", pc.ThresholdU)
	v.SetDefault("planner.threshold_n", pc.ThresholdN)
	v.SetDefault("planner.threshold_v", pc.ThresholdV)

	v.SetDefault("signals.length_norm", sc.LengthNorm)
	v.SetDefault("signals.support_top_n", sc.SupportTopN)

	v.SetDefault("safety.disclaimer_threshold", safe.DisclaimerThreshold)
	v.SetDefault("safety.categories", safe.Categories)
}

// #endregion load

// #region validate

// Validate rejects values no stage can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Backend != BackendOllama && c.Backend != BackendCodec {
		errs = append(errs, fmt.Errorf("backend must be %q or %q, got %q", BackendOllama, BackendCodec, c.Backend))
	}
	if c.Policy.TokenBudget <= 0 {
		errs = append(errs, fmt.Errorf("policy.token_budget must be positive, got %d", c.Policy.TokenBudget))
	}
	if _, err := policy.ParseTherapyMode(c.Policy.TherapyMode); err != nil {
		errs = append(errs, fmt.Errorf("policy.therapy_mode: %w", err))
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK))
	}
	for name, x := range map[string]float64{
		"planner.threshold_u":         c.Planner.ThresholdU,
		"planner.threshold_n":         c.Planner.ThresholdN,
		"planner.threshold_v":         c.Planner.ThresholdV,
		"helper.trigger_u":            c.Helper.TriggerU,
		"helper.trigger_n":            c.Helper.TriggerN,
		"helper.trigger_v":            c.Helper.TriggerV,
		"safety.disclaimer_threshold": c.Safety.DisclaimerThreshold,
	} {
		if x < 0 || x > 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0,1], got %v", name, x))
		}
	}
	return errors.Join(errs...)
}

// #endregion validate

// #region conversions

func (c Config) LLMConfig() llm.Config {
	return llm.Config{Host: c.Ollama.Host, Model: c.Ollama.Model, Timeout: c.Ollama.Timeout}
}

func (c Config) EmbeddingConfig() embedding.Config {
	return embedding.Config{
		Host:      c.Ollama.Host,
		Model:     c.Ollama.EmbedModel,
		Timeout:   c.Ollama.EmbedTimeout,
		CacheSize: c.Retrieval.EmbedCacheSize,
	}
}

func (c Config) RetrievalParams() retrieval.Params {
	return retrieval.Params{K1: c.Retrieval.K1, B: c.Retrieval.B, Kappa: c.Retrieval.Kappa}
}

func (c Config) PlannerConfig() planner.Config {
	return planner.Config{
		ThresholdU: c.Planner.ThresholdU,
		ThresholdN: c.Planner.ThresholdN,
		ThresholdV: c.Planner.ThresholdV,
	}
}

func (c Config) SignalsConfig() signals.Config {
	return signals.Config{LengthNorm: c.Signals.LengthNorm, SupportTopN: c.Signals.SupportTopN}
}

func (c Config) GateConfig() gate.Config {
	return gate.Config{
		Enabled:    c.Helper.Enabled,
		TriggerU:   c.Helper.TriggerU,
		TriggerN:   c.Helper.TriggerN,
		TriggerV:   c.Helper.TriggerV,
		MaxPerHour: c.Helper.MaxPerHour,
		Window:     time.Hour,
	}
}

func (c Config) SafetyConfig() safety.Config {
	return safety.Config{Categories: c.Safety.Categories, DisclaimerThreshold: c.Safety.DisclaimerThreshold}
}

func (c Config) HelperConfig() helper.Config {
	return helper.Config{
		APIKey:  c.Helper.APIKey,
		BaseURL: c.Helper.BaseURL,
		Model:   c.Helper.Model,
		Timeout: c.Helper.Timeout,
	}
}

// PipelineConfig assembles the per-turn orchestrator knobs.
func (c Config) PipelineConfig() orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.ModelName = c.Ollama.Model
	oc.RecentLimit = c.Retrieval.RecentLimit
	oc.TopK = c.Retrieval.TopK
	oc.ContextClip = c.Retrieval.ContextClip
	oc.RelatedConcepts = c.Retrieval.RelatedConcepts
	oc.TokenBudget = c.Policy.TokenBudget
	oc.Chat = llm.Options{Temperature: c.Ollama.Temperature, TopP: c.Ollama.TopP}
	oc.Retrieval = c.RetrievalParams()
	oc.Planner = c.PlannerConfig()
	oc.Signals = c.SignalsConfig()
	if mode, err := policy.ParseTherapyMode(c.Policy.TherapyMode); err == nil {
		oc.TherapyMode = mode
	}
	return oc
}

// #endregion conversions
