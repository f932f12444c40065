// Package config carrega a configuração do gateway a partir de variáveis de
// ambiente (e opcionalmente de um arquivo) usando viper.
//
// As chaves são os próprios nomes das variáveis em minúsculo: RATE_LIMIT vira
// "rate_limit", tanto no ambiente quanto no arquivo YAML.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigurationError é fatal: o processo não sobe sem corrigir a configuração.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config error: %s: %s", strings.ToUpper(e.Key), e.Reason)
}

type Config struct {
	ListenAddr string

	// admissão por chat
	Limit            int
	Window           time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	AddHeaders       bool

	// backend compartilhado; vazio = só fallback local
	RedisURL       string
	RedisPrefix    string
	BackendTimeout time.Duration

	SweepWindows int
	JanitorEvery time.Duration
	DrainTimeout time.Duration

	ConcurrencyMax     int
	ConcurrencyTimeout time.Duration

	StatsEnabled bool
	StatsPrefix  string
	StatsTTL     time.Duration

	TelegramToken  string
	TelegramAPIURL string
	TelegramRPS    float64

	AIBaseURL      string
	AIAPIKey       string
	AIModel        string
	AITimeout      time.Duration
	AISystemPrompt string

	HistoryDSN  string
	HistorySize int

	// comandos de lançamentos (/record, /export, /delete)
	LedgerEnabled bool
	ExportDir     string
	Currency      string

	PublicURL string

	LogLevel  string
	LogFormat string
}

const defaultSystemPrompt = `You are a seasoned businessman (Vyapari), an AI chat bot on Telegram.
- CRITICAL LANGUAGE RULE: you MUST respond in the EXACT same language as the user's input.
- You know English, Hindi, Tamil and Telugu.
- Character: direct, honest, practical, mid-aged, with occasional natural humor.
- Add a relevant business proverb in the user's language when it fits.
- If the user's text is "/start", treat them as new: explain point-wise, in their language,
  what you do and how you can help. Assume they are not very technical.
You are the wise business advisor for greetings, business advice and general questions.`

// SetDefaults registra os valores padrão no viper informado.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")

	v.SetDefault("rate_limit", 10)
	v.SetDefault("rate_window", "60s")
	v.SetDefault("backend_failure_threshold", 3)
	v.SetDefault("backend_cooldown", "30s")
	v.SetDefault("add_ratelimit_headers", false)

	v.SetDefault("redis_url", "")
	v.SetDefault("redis_prefix", "ratelimit:chat")
	v.SetDefault("backend_timeout", "500ms")

	v.SetDefault("fallback_sweep_windows", 3)
	v.SetDefault("fallback_janitor_every", "1m")
	v.SetDefault("drain_timeout", "10s")

	v.SetDefault("concurrency_max", 100)
	v.SetDefault("concurrency_timeout", "0s")

	v.SetDefault("rate_stats_enabled", false)
	v.SetDefault("rate_stats_prefix", "ratelimit:stats")
	v.SetDefault("rate_stats_ttl", "24h")

	v.SetDefault("telegram_bot_token", "")
	v.SetDefault("telegram_api_url", "https://api.telegram.org")
	v.SetDefault("telegram_rps", 25)

	v.SetDefault("ai_base_url", "https://generativelanguage.googleapis.com/v1beta/openai")
	v.SetDefault("ai_api_key", "")
	v.SetDefault("ai_model", "gemini-2.5-flash")
	v.SetDefault("ai_timeout", "120s")
	v.SetDefault("ai_system_prompt", defaultSystemPrompt)

	v.SetDefault("history_dsn", "file:relay.db")
	v.SetDefault("history_size", 5)

	v.SetDefault("ledger_enabled", true)
	v.SetDefault("export_dir", "")
	v.SetDefault("ledger_currency", "INR")

	v.SetDefault("public_url", "")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// New devolve um viper com defaults e leitura automática do ambiente.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.AutomaticEnv()
	return v
}

// Load lê e valida a configuração. Erros são sempre *ConfigurationError.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	var err error

	cfg.ListenAddr = strings.TrimSpace(v.GetString("listen_addr"))

	if cfg.Limit, err = intValue(v, "rate_limit"); err != nil {
		return Config{}, err
	}
	if cfg.Window, err = durationValue(v, "rate_window"); err != nil {
		return Config{}, err
	}
	if cfg.FailureThreshold, err = intValue(v, "backend_failure_threshold"); err != nil {
		return Config{}, err
	}
	if cfg.Cooldown, err = durationValue(v, "backend_cooldown"); err != nil {
		return Config{}, err
	}
	cfg.AddHeaders = v.GetBool("add_ratelimit_headers")

	cfg.RedisURL = strings.TrimSpace(v.GetString("redis_url"))
	cfg.RedisPrefix = strings.TrimSpace(v.GetString("redis_prefix"))
	if cfg.BackendTimeout, err = durationValue(v, "backend_timeout"); err != nil {
		return Config{}, err
	}

	if cfg.SweepWindows, err = intValue(v, "fallback_sweep_windows"); err != nil {
		return Config{}, err
	}
	if cfg.JanitorEvery, err = durationValue(v, "fallback_janitor_every"); err != nil {
		return Config{}, err
	}
	if cfg.DrainTimeout, err = durationValue(v, "drain_timeout"); err != nil {
		return Config{}, err
	}

	if cfg.ConcurrencyMax, err = intValue(v, "concurrency_max"); err != nil {
		return Config{}, err
	}
	if cfg.ConcurrencyTimeout, err = durationValue(v, "concurrency_timeout"); err != nil {
		return Config{}, err
	}

	cfg.StatsEnabled = v.GetBool("rate_stats_enabled")
	cfg.StatsPrefix = strings.TrimSpace(v.GetString("rate_stats_prefix"))
	if cfg.StatsTTL, err = durationValue(v, "rate_stats_ttl"); err != nil {
		return Config{}, err
	}

	cfg.TelegramToken = strings.TrimSpace(v.GetString("telegram_bot_token"))
	cfg.TelegramAPIURL = strings.TrimRight(strings.TrimSpace(v.GetString("telegram_api_url")), "/")
	cfg.TelegramRPS = v.GetFloat64("telegram_rps")

	cfg.AIBaseURL = strings.TrimRight(strings.TrimSpace(v.GetString("ai_base_url")), "/")
	cfg.AIAPIKey = strings.TrimSpace(v.GetString("ai_api_key"))
	cfg.AIModel = strings.TrimSpace(v.GetString("ai_model"))
	if cfg.AITimeout, err = durationValue(v, "ai_timeout"); err != nil {
		return Config{}, err
	}
	cfg.AISystemPrompt = v.GetString("ai_system_prompt")

	cfg.HistoryDSN = strings.TrimSpace(v.GetString("history_dsn"))
	if cfg.HistorySize, err = intValue(v, "history_size"); err != nil {
		return Config{}, err
	}

	cfg.LedgerEnabled = v.GetBool("ledger_enabled")
	cfg.ExportDir = strings.TrimSpace(v.GetString("export_dir"))
	cfg.Currency = strings.ToUpper(strings.TrimSpace(v.GetString("ledger_currency")))

	cfg.PublicURL = strings.TrimRight(strings.TrimSpace(v.GetString("public_url")), "/")

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(v.GetString("log_level")))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(v.GetString("log_format")))

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.Limit <= 0:
		return &ConfigurationError{Key: "rate_limit", Reason: "must be > 0"}
	case c.Window < time.Second:
		return &ConfigurationError{Key: "rate_window", Reason: "must be >= 1s"}
	case c.FailureThreshold <= 0:
		return &ConfigurationError{Key: "backend_failure_threshold", Reason: "must be > 0"}
	case c.Cooldown <= 0:
		return &ConfigurationError{Key: "backend_cooldown", Reason: "must be > 0"}
	case c.SweepWindows <= 0:
		return &ConfigurationError{Key: "fallback_sweep_windows", Reason: "must be > 0"}
	case c.ConcurrencyMax < 0:
		return &ConfigurationError{Key: "concurrency_max", Reason: "must be >= 0"}
	case c.HistorySize <= 0:
		return &ConfigurationError{Key: "history_size", Reason: "must be > 0"}
	case c.TelegramRPS <= 0:
		return &ConfigurationError{Key: "telegram_rps", Reason: "must be > 0"}
	}
	if c.RedisURL != "" {
		if _, err := url.Parse(c.RedisURL); err != nil {
			return &ConfigurationError{Key: "redis_url", Reason: err.Error()}
		}
	}
	return nil
}

// FallbackOnly indica que nenhum backend compartilhado foi configurado.
func (c Config) FallbackOnly() bool { return c.RedisURL == "" }

// RequireRelay checa o que o comando serve precisa para falar com Telegram e IA.
func (c Config) RequireRelay() error {
	switch {
	case c.TelegramToken == "":
		return &ConfigurationError{Key: "telegram_bot_token", Reason: "is required"}
	case c.AIAPIKey == "":
		return &ConfigurationError{Key: "ai_api_key", Reason: "is required"}
	case c.AIBaseURL == "":
		return &ConfigurationError{Key: "ai_base_url", Reason: "is required"}
	case c.HistoryDSN == "":
		return &ConfigurationError{Key: "history_dsn", Reason: "is required"}
	}
	return nil
}

// RequireWebhook checa o que o comando set-webhook precisa.
func (c Config) RequireWebhook() error {
	switch {
	case c.TelegramToken == "":
		return &ConfigurationError{Key: "telegram_bot_token", Reason: "is required"}
	case c.PublicURL == "":
		return &ConfigurationError{Key: "public_url", Reason: "is required"}
	}
	return nil
}

func intValue(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ConfigurationError{Key: key, Reason: fmt.Sprintf("invalid integer %q", raw)}
	}
	return n, nil
}

// durationValue aceita "90s", "1m30s" ou um inteiro puro em segundos.
func durationValue(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, &ConfigurationError{Key: key, Reason: fmt.Sprintf("invalid duration %q", raw)}
	}
	return d, nil
}
