package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	AI       AIConfig       `mapstructure:"ai"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
	Bots     []BotConfig    `mapstructure:"bots"`
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

type AIConfig struct {
	Provider    string        `mapstructure:"provider"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	BaseURL     string        `mapstructure:"base_url"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type TelegramConfig struct {
	Endpoint         string        `mapstructure:"endpoint"`
	PollTimeout      int           `mapstructure:"poll_timeout"`
	SendAttempts     int           `mapstructure:"send_attempts"`
	SendRetryBackoff time.Duration `mapstructure:"send_retry_backoff"`
}

type RuntimeConfig struct {
	StopGrace   time.Duration `mapstructure:"stop_grace"`
	StartActive bool          `mapstructure:"start_active"`
}

type HTTPConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Addr         string   `mapstructure:"addr"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// BotConfig seeds a bot record at startup.
type BotConfig struct {
	ID           string `mapstructure:"id"`
	OwnerID      string `mapstructure:"owner_id"`
	Name         string `mapstructure:"name"`
	Platform     string `mapstructure:"platform"`
	Credentials  string `mapstructure:"credentials"`
	SystemPrompt string `mapstructure:"system_prompt"`
	Active       bool   `mapstructure:"active"`
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
		port, err = strconv.Atoi(u.Port())
		if err != nil {
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
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)

	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.max_tokens", 500)
	v.SetDefault("ai.temperature", 0.7)
	v.SetDefault("ai.timeout", 30*time.Second)

	v.SetDefault("telegram.endpoint", "")
	v.SetDefault("telegram.poll_timeout", 60)
	v.SetDefault("telegram.send_attempts", 3)
	v.SetDefault("telegram.send_retry_backoff", time.Second)

	v.SetDefault("runtime.stop_grace", 5*time.Second)
	v.SetDefault("runtime.start_active", true)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("log.level", "info")
}

// LoadConfig reads the YAML file at path (optional when empty or missing),
// then applies environment overrides. A .env file in the working directory
// is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BOTFACTORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// well-known names without the prefix
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("openai_api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("gemini_api_key", "GEMINI_API_KEY")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if dbURL := v.GetString("database_url"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	if config.AI.APIKey == "" {
		switch strings.ToLower(config.AI.Provider) {
		case "gemini":
			config.AI.APIKey = v.GetString("gemini_api_key")
		default:
			config.AI.APIKey = v.GetString("openai_api_key")
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.AI.Provider) {
	case "", "openai", "gemini":
	default:
		return fmt.Errorf("config: unknown ai.provider %q", c.AI.Provider)
	}
	if c.AI.Timeout <= 0 {
		return errors.New("config: ai.timeout must be positive")
	}
	if c.Runtime.StopGrace <= 0 {
		return errors.New("config: runtime.stop_grace must be positive")
	}

	seen := make(map[string]struct{}, len(c.Bots))
	for i, b := range c.Bots {
		if b.ID == "" {
			return fmt.Errorf("config: bots[%d] has no id", i)
		}
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("config: duplicate bot id %q", b.ID)
		}
		seen[b.ID] = struct{}{}
		switch b.Platform {
		case "telegram", "instagram", "whatsapp":
		default:
			return fmt.Errorf("config: bot %q has unknown platform %q", b.ID, b.Platform)
		}
	}
	return nil
}
