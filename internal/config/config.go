// Package config loads the aggregation/merge pipeline's configuration from
// flags, environment variables, and an optional config file, the same
// precedence chain the teacher's cmd/bd root command applied via viper
// (flags > env > file > defaults). Unlike the teacher, which kept a single
// package-level viper singleton reached from dozens of commands, callers
// here get a *Config value back from Load and pass it into the engine
// constructors explicitly.
package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the effective, typed configuration for one process run. All
// fields correspond to the environment variables named in the
// specification (§6): LLM_BATCH_SIZE, LLM_MAX_CONCURRENT, LLM_RETRY_TIMES,
// EVENT_AGGREGATION_MODEL, EVENT_AGGREGATION_TEMPERATURE,
// EVENT_AGGREGATION_MAX_TOKENS, RECENT_EVENTS_COUNT, EVENT_SUMMARY_DAYS,
// EVENT_COMBINE_COUNT, EVENT_COMBINE_CONFIDENCE_THRESHOLD,
// EVENT_COMBINE_MODEL, EXCLUDED_NEWS_TYPES. EVENT_COMBINE_TEMPERATURE and
// EVENT_COMBINE_MAX_TOKENS aren't named in the specification's env var list
// but are required by the Merge Engine's single CallSingle invocation, so
// they're defaulted here the same way the aggregation counterparts are.
type Config struct {
	v *viper.Viper

	LLMBatchSize      int
	LLMMaxConcurrent  int
	LLMRetryTimes     int

	AggregationModel       string
	AggregationTemperature float64
	AggregationMaxTokens   int

	RecentEventsCount int
	EventSummaryDays  int

	CombineCount               int
	CombineConfidenceThreshold float64
	CombineModel               string
	CombineTemperature         float64
	CombineMaxTokens           int

	ExcludedNewsTypes []string

	AnthropicAPIKey string
	MySQLDSN        string

	// DebugReplay enables the dispatcher's request-hash replay cache
	// (§4.4) instead of writing one llm_calls/ artefact per call.
	DebugReplay bool
	LLMCallsDir string
}

// defaults mirrors the illustrative values from spec.md §4.5/§4.6/§6.
func setDefaults(v *viper.Viper) {
	v.SetDefault("llm_batch_size", 10)
	v.SetDefault("llm_max_concurrent", 3)
	v.SetDefault("llm_retry_times", 3)

	v.SetDefault("event_aggregation_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("event_aggregation_temperature", 0.3)
	v.SetDefault("event_aggregation_max_tokens", 4096)

	v.SetDefault("recent_events_count", 50)
	v.SetDefault("event_summary_days", 3)

	v.SetDefault("event_combine_count", 30)
	v.SetDefault("event_combine_confidence_threshold", 0.75)
	v.SetDefault("event_combine_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("event_combine_temperature", 0.2)
	v.SetDefault("event_combine_max_tokens", 4096)

	v.SetDefault("excluded_news_types", "")
	v.SetDefault("debug_replay", false)
	v.SetDefault("llm_calls_dir", "llm_calls")
}

// Load reads configuration from (in ascending precedence) one optional
// config file (decoded as TOML when its name ends in ".toml", otherwise by
// viper from its extension), environment variables, and finally any flags
// the caller has already bound into v via pflag. Pass nil
// for v to get a fresh, unbound viper instance (env + defaults only).
func Load(configFile string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		if strings.HasSuffix(configFile, ".toml") {
			var raw map[string]interface{}
			if _, err := toml.DecodeFile(configFile, &raw); err != nil {
				return nil, err
			}
			if err := v.MergeConfigMap(raw); err != nil {
				return nil, err
			}
		} else {
			v.SetConfigFile(configFile)
			if err := v.MergeInConfig(); err != nil {
				return nil, err
			}
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{
		v:                          v,
		LLMBatchSize:               v.GetInt("llm_batch_size"),
		LLMMaxConcurrent:           v.GetInt("llm_max_concurrent"),
		LLMRetryTimes:              v.GetInt("llm_retry_times"),
		AggregationModel:           v.GetString("event_aggregation_model"),
		AggregationTemperature:     v.GetFloat64("event_aggregation_temperature"),
		AggregationMaxTokens:       v.GetInt("event_aggregation_max_tokens"),
		RecentEventsCount:          v.GetInt("recent_events_count"),
		EventSummaryDays:           v.GetInt("event_summary_days"),
		CombineCount:               v.GetInt("event_combine_count"),
		CombineConfidenceThreshold: v.GetFloat64("event_combine_confidence_threshold"),
		CombineModel:               v.GetString("event_combine_model"),
		CombineTemperature:         v.GetFloat64("event_combine_temperature"),
		CombineMaxTokens:           v.GetInt("event_combine_max_tokens"),
		AnthropicAPIKey:            v.GetString("anthropic_api_key"),
		MySQLDSN:                   v.GetString("mysql_dsn"),
		DebugReplay:                v.GetBool("debug_replay"),
		LLMCallsDir:                v.GetString("llm_calls_dir"),
	}
	if raw := strings.TrimSpace(v.GetString("excluded_news_types")); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.ExcludedNewsTypes = append(cfg.ExcludedNewsTypes, t)
			}
		}
	}
	return cfg
}

// WatchAndReload re-reads the bound config file on change (fsnotify, via
// viper's own watcher) and invokes onChange with the refreshed Config. This
// lets EVENT_COMBINE_CONFIDENCE_THRESHOLD and similar tunables move without
// a process restart, the same override-without-restart convenience the
// teacher's config.yaml supported for startup flags.
func (c *Config) WatchAndReload(onChange func(*Config)) {
	c.v.OnConfigChange(func(_ fsnotify.Event) {
		onChange(fromViper(c.v))
	})
	c.v.WatchConfig()
}

// SummaryDaysWindow returns the [since, now) window implied by
// EVENT_SUMMARY_DAYS. The engines do not call it; they use
// EVENT_SUMMARY_DAYS only as the recent_events:<days> cache-key suffix.
func (c *Config) SummaryDaysWindow(now time.Time) (time.Time, time.Time) {
	return now.Add(-time.Duration(c.EventSummaryDays) * 24 * time.Hour), now
}
