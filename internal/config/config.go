package config // package config loads application configuration from environment variables

import (
	"fmt"     // fmt builds descriptive configuration errors
	"os"      // os provides access to environment variables
	"strconv" // strconv converts strings to other types
	"strings" // strings normalizes list and enum values

	"github.com/joho/godotenv" // godotenv pre-loads a local .env file into the environment
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.  The types reflect how the values are used in
// the application: strings for identifiers and secrets, ints for durations.
type Config struct {
	Env          string   // application environment (e.g. "dev", "prod")
	Port         string   // HTTP port to listen on
	DBDriver     string   // "mysql" or "sqlite"
	DBUser       string   // database username (mysql)
	DBPass       string   // database password (optional)
	DBHost       string   // database host address (mysql)
	DBPort       string   // database port number (mysql)
	DBName       string   // database name (mysql)
	DBPath       string   // database file (sqlite)
	JWTSecret    string   // secret used to verify (and mint) JWTs
	AccessTTLMin int      // access token time-to-live in minutes
	AdminRoles   []string // roles allowed on the administrative activation routes
	LogLevel     string   // trace|debug|info|warn|error
	LogFormat    string   // json|console
	RabbitMQURL  string   // AMQP broker for activation audit events; empty disables events

	Activation ActivationConfig
}

// ActivationConfig groups the knobs of the activation gate itself.
type ActivationConfig struct {
	SeedCode      string // code created on first start when the store is empty; empty disables seeding
	SeedStatus    string // ON or OFF
	GenericErrors bool   // collapse not-found/disabled/not-yet-active into one response
}

// Load reads configuration values from the environment and returns a Config.
// A .env file in the working directory, when present, is loaded first and
// never overrides variables that are already set.  Missing required values
// are reported as an error naming the variable.
func Load() (Config, error) {
	_ = godotenv.Load() // absence of .env is not an error

	cfg := Config{
		Env:          envStr("APP_ENV", "dev"),
		Port:         envStr("APP_PORT", "3001"),
		DBDriver:     strings.ToLower(envStr("DB_DRIVER", "mysql")),
		DBUser:       os.Getenv("DB_USER"),
		DBPass:       os.Getenv("DB_PASS"), // empty allowed
		DBHost:       os.Getenv("DB_HOST"),
		DBPort:       envStr("DB_PORT", "3306"),
		DBName:       os.Getenv("DB_NAME"),
		DBPath:       envStr("DB_PATH", "./data/labsync.db"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		AccessTTLMin: envInt("ACCESS_TOKEN_TTL_MIN", 60),
		AdminRoles:   parseList(envStr("ADMIN_ROLES", "SUPERADMIN")),
		LogLevel:     envStr("LOG_LEVEL", "info"),
		LogFormat:    envStr("LOG_FORMAT", "json"),
		RabbitMQURL:  os.Getenv("RABBITMQ_URL"),
		Activation: ActivationConfig{
			SeedCode:      os.Getenv("ACTIVATION_SEED_CODE"),
			SeedStatus:    strings.ToUpper(envStr("ACTIVATION_SEED_STATUS", "ON")),
			GenericErrors: envBool("ACTIVATION_GENERIC_ERRORS", false),
		},
	}

	if cfg.JWTSecret == "" {
		return Config{}, missing("JWT_SECRET")
	}
	switch cfg.DBDriver {
	case "mysql":
		for key, val := range map[string]string{"DB_USER": cfg.DBUser, "DB_HOST": cfg.DBHost, "DB_NAME": cfg.DBName} {
			if val == "" {
				return Config{}, missing(key)
			}
		}
	case "sqlite":
		if cfg.DBPath == "" {
			return Config{}, missing("DB_PATH")
		}
	default:
		return Config{}, fmt.Errorf("invalid DB_DRIVER %q: want mysql or sqlite", cfg.DBDriver)
	}
	if cfg.Activation.SeedStatus != "ON" && cfg.Activation.SeedStatus != "OFF" {
		return Config{}, fmt.Errorf("invalid ACTIVATION_SEED_STATUS %q: want ON or OFF", cfg.Activation.SeedStatus)
	}
	if len(cfg.AdminRoles) == 0 {
		return Config{}, missing("ADMIN_ROLES")
	}
	return cfg, nil
}

func missing(key string) error {
	return fmt.Errorf("missing required env var: %s", key)
}

// parseList splits a comma separated list, trimming and upper-casing entries.
func parseList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(strings.ToUpper(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}
