package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Generation GenerationConfig `mapstructure:"generation"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Prompts    PromptsConfig    `mapstructure:"prompts"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type LLMConfig struct {
	Provider string       `mapstructure:"provider"`
	OpenAI   OpenAIConfig `mapstructure:"openai"`
	Gemini   GeminiConfig `mapstructure:"gemini"`
	// RankingModel overrides the model used for ranking; empty reuses the
	// generation model.
	RankingModel      string  `mapstructure:"ranking_model"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	MaxConcurrent     int     `mapstructure:"max_concurrent"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type GeminiConfig struct {
	APIKey          string  `mapstructure:"api_key"`
	Model           string  `mapstructure:"model"`
	MaxOutputTokens int     `mapstructure:"max_output_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
}

type GenerationConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	RecentWindow   int           `mapstructure:"recent_window"`
	NegativeQuorum int           `mapstructure:"negative_quorum"`
}

type MonitorConfig struct {
	Threshold        float64       `mapstructure:"threshold"`
	MinFeedback      int           `mapstructure:"min_feedback"`
	Lookback         time.Duration `mapstructure:"lookback"`
	TrendWindow      time.Duration `mapstructure:"trend_window"`
	TrendMinFeedback int           `mapstructure:"trend_min_feedback"`
	TrendDelta       float64       `mapstructure:"trend_delta"`
}

type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type TelegramConfig struct {
	Token      string `mapstructure:"token"`
	ChatID     int64  `mapstructure:"chat_id"`
	BotEnabled bool   `mapstructure:"bot_enabled"`
}

// PromptsConfig points at template and rule files; empty paths use the
// embedded defaults.
type PromptsConfig struct {
	TemplatesFile string `mapstructure:"templates_file"`
	RulesFile     string `mapstructure:"rules_file"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432
	if u.Port() != "" {
		if _, err := fmt.Sscanf(u.Port(), "%d", &port); err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q", u.Port())
		}
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "mailmate")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.openai.max_tokens", 1024)
	v.SetDefault("llm.openai.temperature", 0.7)
	v.SetDefault("llm.gemini.model", "gemini-1.5-flash")
	v.SetDefault("llm.gemini.max_output_tokens", 1024)
	v.SetDefault("llm.gemini.temperature", 0.7)
	v.SetDefault("llm.requests_per_second", 5)
	v.SetDefault("llm.burst", 5)
	v.SetDefault("llm.max_concurrent", 6)

	v.SetDefault("generation.max_attempts", 2)
	v.SetDefault("generation.attempt_timeout", 60*time.Second)
	v.SetDefault("generation.recent_window", 3)
	v.SetDefault("generation.negative_quorum", 2)

	v.SetDefault("monitor.threshold", 0.7)
	v.SetDefault("monitor.min_feedback", 5)
	v.SetDefault("monitor.lookback", 30*24*time.Hour)
	v.SetDefault("monitor.trend_window", 7*24*time.Hour)
	v.SetDefault("monitor.trend_min_feedback", 3)
	v.SetDefault("monitor.trend_delta", 0.05)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", 24*time.Hour)
	v.SetDefault("scheduler.timeout", 10*time.Minute)

	v.SetDefault("telegram.bot_enabled", false)
}

// LoadConfig reads path and applies environment overrides. A missing file
// is only an error when path was given explicitly.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		dbConfig.UseInMemory = config.Database.UseInMemory
		config.Database = dbConfig
	}

	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.LLM.OpenAI.APIKey = apiKey
	}

	if apiKey := v.GetString("GEMINI_API_KEY"); apiKey != "" {
		config.LLM.Gemini.APIKey = apiKey
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("llm.provider must be openai or gemini, got %q", c.LLM.Provider)
	}
	if c.Generation.MaxAttempts < 1 {
		return fmt.Errorf("generation.max_attempts must be at least 1")
	}
	if c.Generation.RecentWindow < 1 {
		return fmt.Errorf("generation.recent_window must be at least 1")
	}
	if c.Generation.NegativeQuorum < 1 || c.Generation.NegativeQuorum > c.Generation.RecentWindow {
		return fmt.Errorf("generation.negative_quorum must be within [1, %d], got %d", c.Generation.RecentWindow, c.Generation.NegativeQuorum)
	}
	if c.Monitor.Threshold < 0 || c.Monitor.Threshold > 1 {
		return fmt.Errorf("monitor.threshold must be within [0, 1]")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	return nil
}
