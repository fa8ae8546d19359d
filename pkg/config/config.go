// Package config loads runtime settings from the environment.
//
// Every knob has a default so a bare `snowlift` starts against localhost
// frontends; deployments override through the environment or a .env file
// loaded by main.
package config

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings is the immutable runtime configuration assembled at startup.
type Settings struct {
	// HTTP surface
	ListenAddr      string
	FrontendOrigins []string

	// Session cookie
	SessionCookieName string
	SessionTTL        time.Duration
	CookieSecure      bool
	CookieSameSite    http.SameSite

	// Streaming
	SSEPingInterval time.Duration

	// Cortex model defaults
	CortexModel    string
	CortexFunction string

	// Snowflake connection fallbacks (request payload wins over these)
	Snowflake SnowflakeSettings

	// Filesystem layout
	UploadDir        string
	ProjectsDir      string
	OutputsDir       string
	IgnoredCodesPath string

	// Workflow
	MaxSelfHealIterations int
	ScaiBin               string

	// Terminal
	Shell string
}

// SnowflakeSettings carries environment-sourced connection parameters used
// when a connect request omits a field.
type SnowflakeSettings struct {
	Account       string
	User          string
	Password      string
	Role          string
	Warehouse     string
	Database      string
	Schema        string
	Authenticator string
	// Token is a programmatic access token for the Cortex REST endpoint.
	// When empty, the client skips the streaming strategy and goes straight
	// to the SQL fallback.
	Token string
}

// Load reads all settings from the environment, applying defaults.
func Load() *Settings {
	return &Settings{
		ListenAddr:      getEnv("LISTEN_ADDR", ":8000"),
		FrontendOrigins: splitOrigins(getEnv("FRONTEND_ORIGINS", "http://localhost:5173,http://localhost:3000")),

		SessionCookieName: getEnv("SESSION_COOKIE_NAME", "snowflake_session_id"),
		SessionTTL:        time.Duration(getEnvInt("SESSION_TTL_DAYS", 30)) * 24 * time.Hour,
		CookieSecure:      getEnvBool("COOKIE_SECURE", false),
		CookieSameSite:    parseSameSite(getEnv("COOKIE_SAMESITE", "lax")),

		SSEPingInterval: time.Duration(getEnvInt("SSE_PING_INTERVAL_SECONDS", 12)) * time.Second,

		CortexModel:    getEnv("CORTEX_MODEL", "claude-4-sonnet"),
		CortexFunction: getEnv("CORTEX_FUNCTION", "complete"),

		Snowflake: SnowflakeSettings{
			Account:       os.Getenv("SF_ACCOUNT"),
			User:          os.Getenv("SF_USER"),
			Password:      os.Getenv("SF_PASSWORD"),
			Role:          os.Getenv("SF_ROLE"),
			Warehouse:     os.Getenv("SF_WAREHOUSE"),
			Database:      os.Getenv("SF_DATABASE"),
			Schema:        os.Getenv("SF_SCHEMA"),
			Authenticator: getEnv("SF_AUTHENTICATOR", "externalbrowser"),
			Token:         os.Getenv("SF_TOKEN"),
		},

		UploadDir:        getEnv("UPLOAD_DIR", "./uploads"),
		ProjectsDir:      getEnv("PROJECTS_DIR", "./projects"),
		OutputsDir:       getEnv("OUTPUTS_DIR", "./outputs"),
		IgnoredCodesPath: getEnv("IGNORED_CODES_PATH", "config/ignored_report_codes.json"),

		MaxSelfHealIterations: getEnvInt("MAX_SELF_HEAL_ITERATIONS", 5),
		ScaiBin:               getEnv("SCAI_BIN", "scai"),

		Shell: getEnv("SHELL", "/bin/bash"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvBool(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func parseSameSite(raw string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
