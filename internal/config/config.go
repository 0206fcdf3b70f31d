package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr             string
	GRPCAddr             string
	APIBaseURL           string
	APITimeout           time.Duration
	JWTSecret            string
	JWTIssuer            string
	AllowedRoles         []string
	DeviceToken          string
	DeviceID             string
	RedisAddr            string
	RedisPassword        string
	LocationAccuracy     string
	LocationTimeout      time.Duration
	PermissionTimeout    time.Duration
	LocationMaxAge       time.Duration
	SessionIdleTTL       time.Duration
	SessionSweepInterval time.Duration
	SessionSweepEnabled  bool
}

func Load() Config {
	return Config{
		HTTPAddr:             getenv("HTTP_ADDR", ":8090"),
		GRPCAddr:             lookupenv("GRPC_ADDR", ":9090"),
		APIBaseURL:           getenv("API_BASE_URL", "http://localhost:8080/user/v1"),
		APITimeout:           getenvDuration("API_TIMEOUT", 15*time.Second),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		JWTIssuer:            os.Getenv("JWT_ISSUER"),
		AllowedRoles:         getenvList("ALLOWED_ROLES", []string{"user"}),
		DeviceToken:          os.Getenv("DEVICE_TOKEN"),
		DeviceID:             getenv("DEVICE_ID", "local"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		LocationAccuracy:     getenv("LOCATION_ACCURACY", "precise"),
		LocationTimeout:      getenvDuration("LOCATION_TIMEOUT", 10*time.Second),
		PermissionTimeout:    getenvDuration("LOCATION_PERMISSION_TIMEOUT", 30*time.Second),
		LocationMaxAge:       getenvDuration("LOCATION_MAX_AGE", 5*time.Minute),
		SessionIdleTTL:       getenvDuration("SESSION_IDLE_TTL", 30*time.Minute),
		SessionSweepInterval: getenvDuration("SESSION_SWEEP_INTERVAL", time.Minute),
		SessionSweepEnabled:  getenvBool("SESSION_SWEEP_ENABLED", true),
	}
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// lookupenv keeps an explicitly empty value, which disables the listener.
func lookupenv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(val)
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	if val := os.Getenv(key + "_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
