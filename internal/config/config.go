package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/karmada-io/karmada-terminal/internal/flow"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Client
	Endpoint            string
	TokenPath           string
	SessionPathTemplate string
	TTYPathTemplate     string
	SockJSPath          string
	AuthToken           string
	RendererType        string
	Flow                flow.Config
	Reconnect           bool
	TokenTimeout        time.Duration
	TitleFixed          string
	PreferencesQuery    string
	EscapeKey           string

	// Backend
	Port               int
	Env                string
	Version            string
	CORSAllowedOrigins []string
	ShellConnector     string
	Shell              string
	Kubeconfig         string
	SessionIdleTimeout time.Duration
	ServerPreferences  map[string]any
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		LogFile:   getEnv("LOG_FILE", ""),

		Endpoint:            getEnv("KARMADA_TERMINAL_ENDPOINT", "http://127.0.0.1:8000"),
		TokenPath:           getEnv("TOKEN_PATH", "/api/v1/auth/token"),
		SessionPathTemplate: getEnv("SESSION_PATH_TEMPLATE", "/api/v1/terminal/pod/{{namespace}}/{{pod}}/shell/{{container}}"),
		TTYPathTemplate:     getEnv("TTY_PATH_TEMPLATE", "/api/v1/terminal/tty/{{sessionId}}"),
		SockJSPath:          getEnv("SOCKJS_PATH", "/api/v1/terminal/sockjs"),
		AuthToken:           getEnv("AUTH_TOKEN", ""),
		RendererType:        getEnv("RENDERER_TYPE", "dom"),
		Flow: flow.Config{
			Limit:     getEnvAsInt("FLOW_LIMIT", flow.DefaultLimit),
			HighWater: getEnvAsInt("FLOW_HIGH_WATER", flow.DefaultHighWater),
			LowWater:  getEnvAsInt("FLOW_LOW_WATER", flow.DefaultLowWater),
		},
		Reconnect:        getEnvAsBool("RECONNECT", true),
		TokenTimeout:     getEnvAsDuration("TOKEN_TIMEOUT", 10*time.Second),
		TitleFixed:       getEnv("TITLE_FIXED", ""),
		PreferencesQuery: getEnv("PREFERENCES_QUERY", ""),
		EscapeKey:        getEnv("ESCAPE_KEY", "ctrl-]"),

		Port:               getEnvAsInt("PORT", 8000),
		Env:                getEnv("ENV", "development"),
		Version:            getEnv("VERSION", "0.1.0"),
		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		ShellConnector:     getEnv("SHELL_CONNECTOR", "local"),
		Shell:              getEnv("SHELL", "/bin/sh"),
		Kubeconfig:         getEnv("KUBECONFIG", ""),
		SessionIdleTimeout: getEnvAsDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
	}

	if raw := getEnv("SERVER_PREFERENCES", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.ServerPreferences); err != nil {
			return nil, fmt.Errorf("%w: SERVER_PREFERENCES: %w", ErrInvalid, err)
		}
	}

	return cfg, nil
}

// Validate checks values that cannot work together.
func (c *Config) Validate() error {
	if err := c.Flow.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch c.RendererType {
	case "dom", "canvas", "webgl":
	default:
		return fmt.Errorf("%w: RENDERER_TYPE %q", ErrInvalid, c.RendererType)
	}
	switch c.ShellConnector {
	case "local", "kube":
	default:
		return fmt.Errorf("%w: SHELL_CONNECTOR %q", ErrInvalid, c.ShellConnector)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: PORT %d", ErrInvalid, c.Port)
	}
	if c.TokenTimeout <= 0 {
		return fmt.Errorf("%w: TOKEN_TIMEOUT must be positive", ErrInvalid)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}
