package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	// Store server
	ServerPort     string        `yaml:"server_port"`
	Persistence    string        `yaml:"persistence"` // sql, badger or memory
	DatabaseType   string        `yaml:"database_type"`
	DatabasePath   string        `yaml:"database_path"`
	DatabaseURL    string        `yaml:"database_url"`
	BadgerDir      string        `yaml:"badger_dir"`
	CorsOrigins    []string      `yaml:"cors_origins"`
	RateLimit      int           `yaml:"rate_limit"`
	RateLimitEvery time.Duration `yaml:"rate_limit_window"`
	AdminToken     string        `yaml:"admin_token"` // enables /v1/export when set

	// Client
	StoreURL    string `yaml:"store_url"`
	TokenSecret string `yaml:"token_secret"`
	TokenIssuer string `yaml:"token_issuer"`
	Debug       bool   `yaml:"debug"`

	// Protocol timings
	RegistrationWindow  time.Duration `yaml:"registration_window"`
	CommandFreshness    time.Duration `yaml:"command_freshness"`
	CommandReevaluate   time.Duration `yaml:"command_reevaluate"`
	LocationStaleAfter  time.Duration `yaml:"location_stale_after"`
	LogCapacity         int           `yaml:"log_capacity"`
	AlarmInterval       time.Duration `yaml:"alarm_interval"`
	BatteryPollInterval time.Duration `yaml:"battery_poll_interval"`
	PositionTimeout     time.Duration `yaml:"position_timeout"`
	PositionMaxAge      time.Duration `yaml:"position_max_age"`

	// Operator relay
	OperatorWhatsApp string `yaml:"operator_whatsapp"`
	OperatorEmail    string `yaml:"operator_email"`
	SESRegion        string `yaml:"ses_region"`
	SESFromEmail     string `yaml:"ses_from_email"`
	SESFromName      string `yaml:"ses_from_name"`

	// Safety analysis
	GenAIAPIKey  string `yaml:"genai_api_key"`
	GenAIModel   string `yaml:"genai_model"`
	AIDailyQuota int    `yaml:"ai_daily_quota"`
	AIUsageFile  string `yaml:"ai_usage_file"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		ServerPort:     "8080",
		Persistence:    "sql",
		DatabaseType:   "sqlite",
		DatabasePath:   "./guardian.db",
		BadgerDir:      "./guardian-badger",
		RateLimit:      120,
		RateLimitEvery: time.Minute,

		StoreURL:    "ws://localhost:8080/v1/stream",
		TokenSecret: "guardian-dev-secret",
		TokenIssuer: "guardian",

		RegistrationWindow:  60 * time.Second,
		CommandFreshness:    30 * time.Second,
		CommandReevaluate:   5 * time.Second,
		LocationStaleAfter:  60 * time.Second,
		LogCapacity:         20,
		AlarmInterval:       1200 * time.Millisecond,
		BatteryPollInterval: 60 * time.Second,
		PositionTimeout:     20 * time.Second,
		PositionMaxAge:      5 * time.Second,

		SESRegion:   "us-east-1",
		SESFromName: "Guardian",

		GenAIModel:   "gemini-2.5-flash",
		AIDailyQuota: 10,
		AIUsageFile:  "./guardian-ai-usage.json",
	}
}

// Load reads configuration: built-in defaults, then the optional YAML file
// named by GUARDIAN_CONFIG, then environment variables (a .env file in the
// working directory is loaded first if present).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("GUARDIAN_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServerPort = getEnv("PORT", c.ServerPort)
	c.Persistence = getEnv("PERSISTENCE", c.Persistence)
	c.DatabaseType = getEnv("DATABASE_TYPE", c.DatabaseType)
	c.DatabasePath = getEnv("DB_PATH", c.DatabasePath)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.BadgerDir = getEnv("BADGER_DIR", c.BadgerDir)
	c.CorsOrigins = getEnvList("CORS_ORIGINS", c.CorsOrigins)
	c.RateLimit = getEnvInt("RATE_LIMIT", c.RateLimit)
	c.RateLimitEvery = getEnvDuration("RATE_LIMIT_WINDOW", c.RateLimitEvery)
	c.AdminToken = getEnv("ADMIN_TOKEN", c.AdminToken)

	c.StoreURL = getEnv("GUARDIAN_STORE_URL", c.StoreURL)
	c.TokenSecret = getEnv("GUARDIAN_TOKEN_SECRET", c.TokenSecret)
	c.TokenIssuer = getEnv("GUARDIAN_TOKEN_ISSUER", c.TokenIssuer)
	c.Debug = getEnvBool("GUARDIAN_DEBUG", c.Debug)

	c.RegistrationWindow = getEnvDuration("REGISTRATION_WINDOW", c.RegistrationWindow)
	c.CommandFreshness = getEnvDuration("COMMAND_FRESHNESS", c.CommandFreshness)
	c.CommandReevaluate = getEnvDuration("COMMAND_REEVALUATE", c.CommandReevaluate)
	c.LocationStaleAfter = getEnvDuration("LOCATION_STALE_AFTER", c.LocationStaleAfter)
	c.LogCapacity = getEnvInt("LOG_CAPACITY", c.LogCapacity)
	c.AlarmInterval = getEnvDuration("ALARM_INTERVAL", c.AlarmInterval)
	c.BatteryPollInterval = getEnvDuration("BATTERY_POLL_INTERVAL", c.BatteryPollInterval)
	c.PositionTimeout = getEnvDuration("POSITION_TIMEOUT", c.PositionTimeout)
	c.PositionMaxAge = getEnvDuration("POSITION_MAX_AGE", c.PositionMaxAge)

	c.OperatorWhatsApp = getEnv("OPERATOR_WHATSAPP", c.OperatorWhatsApp)
	c.OperatorEmail = getEnv("OPERATOR_EMAIL", c.OperatorEmail)
	c.SESRegion = getEnv("AWS_REGION", c.SESRegion)
	c.SESFromEmail = getEnv("SES_FROM_EMAIL", c.SESFromEmail)
	c.SESFromName = getEnv("SES_FROM_NAME", c.SESFromName)

	c.GenAIAPIKey = getEnv("GEMINI_API_KEY", c.GenAIAPIKey)
	c.GenAIModel = getEnv("GEMINI_MODEL", c.GenAIModel)
	c.AIDailyQuota = getEnvInt("AI_DAILY_QUOTA", c.AIDailyQuota)
	c.AIUsageFile = getEnv("AI_USAGE_FILE", c.AIUsageFile)
}

// getEnv reads an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvList(key string, defaultValue []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}
