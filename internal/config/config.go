package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	pkgauth "github.com/BradenHooton/gatekeeper/pkg/auth"
	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Server   ServerConfig
	Auth     AuthConfig
	Lockout  LockoutConfig
	Risk     RiskConfig
	Session  SessionConfig
	MFA      MFAConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	TrustedProxies []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MigrateOnStart bool

	// Per-IP request budgets for the HTTP surface
	AuthRateLimitPerMinute int
	APIRateLimitPerMinute  int
}

type AuthConfig struct {
	JWTSecret              string
	JWTIssuer              string
	AccessTokenExpiry      time.Duration
	RefreshTokenExpiry     time.Duration
	StoreTimeout           time.Duration
	SessionCleanupInterval time.Duration
	TimingDelayBaseMs      int
	TimingDelayRandomMs    int
	TimingDelayOnSuccess   bool
	BcryptCost             int
	SecurityEventBuffer    int
}

// LockoutConfig controls the failed-attempt counter on credential records
type LockoutConfig struct {
	Threshold   int
	Duration    time.Duration
	MaxDuration time.Duration
	Progressive bool // double the lock for every further multiple of Threshold
}

// RiskConfig holds every weight and threshold of the risk model
type RiskConfig struct {
	NewIPWeight              int
	LocationChangeWeight     int
	LocationChangeDistanceKm float64
	DormantAfter             time.Duration
	DormantWeight            int
	FirstLoginWeight         int
	RecentFailureWindow      time.Duration
	RecentFailureWeight      int
	RecentFailureCap         int
	OffHoursStart            int // hour of day before which a login is off-hours
	OffHoursEnd              int // hour of day at or after which a login is off-hours
	OffHoursWeight           int
	NewDeviceWeight          int
	AutomatedUserAgentWeight int
	AutomatedUserAgents      []string
	BadIPWeight              int
	GlobalIPFailureWindow    time.Duration
	GlobalIPFailureThreshold int
	GlobalIPFailureWeight    int
	AttemptsPerMinuteLimit   int
	AttemptsPerMinuteWeight  int
	SuspiciousThreshold      int
	HighRiskThreshold        int
	DeviceTTL                time.Duration
	LocationTTL              time.Duration
	LocationRefreshAfter     time.Duration
	DegradedScore            int
}

type SessionConfig struct {
	MaxConcurrentSessions int
}

type MFAConfig struct {
	EncryptionKey        []byte
	Issuer               string
	BackupCodeCount      int
	ChallengeTTL         time.Duration
	ChallengeMaxAttempts int
	InsecureTestMode     bool
	InsecureTestCode     string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	mfaKey, err := parseEncryptionKey(getEnv("MFA_ENCRYPTION_KEY", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "gatekeeper"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			ConnectTimeout:    getEnvAsDuration("DB_CONNECT_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", "localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			KeyPrefix:    getEnv("REDIS_KEY_PREFIX", "gk"),
			DialTimeout:  getEnvAsDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvAsDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvAsDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES", nil),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			MigrateOnStart: getEnvAsBool("MIGRATE_ON_START", true),

			AuthRateLimitPerMinute: getEnvAsInt("AUTH_RATE_LIMIT_PER_MINUTE", 10),
			APIRateLimitPerMinute:  getEnvAsInt("API_RATE_LIMIT_PER_MINUTE", 120),
		},
		Auth: AuthConfig{
			JWTSecret:              jwtSecret,
			JWTIssuer:              getEnv("JWT_ISSUER", "gatekeeper"),
			AccessTokenExpiry:      getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry:     getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),
			StoreTimeout:           getEnvAsDuration("STORE_TIMEOUT", 3*time.Second),
			SessionCleanupInterval: getEnvAsDuration("SESSION_CLEANUP_INTERVAL", 1*time.Hour),
			TimingDelayBaseMs:      getEnvAsInt("TIMING_DELAY_BASE_MS", 100),
			TimingDelayRandomMs:    getEnvAsInt("TIMING_DELAY_RANDOM_MS", 50),
			TimingDelayOnSuccess:   getEnvAsBool("TIMING_DELAY_ON_SUCCESS", false),
			BcryptCost:             getEnvAsInt("BCRYPT_COST", pkgauth.DefaultBcryptCost),
			SecurityEventBuffer:    getEnvAsInt("SECURITY_EVENT_BUFFER", 1024),
		},
		Lockout: LockoutConfig{
			Threshold:   getEnvAsInt("LOCKOUT_THRESHOLD", 5),
			Duration:    getEnvAsDuration("LOCKOUT_DURATION", 15*time.Minute),
			MaxDuration: getEnvAsDuration("LOCKOUT_MAX_DURATION", 24*time.Hour),
			Progressive: getEnvAsBool("LOCKOUT_PROGRESSIVE", true),
		},
		Risk: loadRiskConfig(),
		Session: SessionConfig{
			MaxConcurrentSessions: getEnvAsInt("MAX_CONCURRENT_SESSIONS", 5),
		},
		MFA: MFAConfig{
			EncryptionKey:        mfaKey,
			Issuer:               getEnv("MFA_ISSUER", "Gatekeeper"),
			BackupCodeCount:      getEnvAsInt("BACKUP_CODE_COUNT", 10),
			ChallengeTTL:         getEnvAsDuration("CHALLENGE_TTL", 300*time.Second),
			ChallengeMaxAttempts: getEnvAsInt("CHALLENGE_MAX_ATTEMPTS", 5),
			InsecureTestMode:     getEnvAsBool("MFA_INSECURE_TEST_MODE", false),
			InsecureTestCode:     getEnv("MFA_INSECURE_TEST_CODE", ""),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	// Validate JWT secret strength
	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	if err := cfg.Risk.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.MFA.validate(env); err != nil {
		return nil, err
	}

	if cfg.Session.MaxConcurrentSessions < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_SESSIONS must be at least 1")
	}

	return cfg, nil
}

// DefaultRiskConfig returns the stock weights of the risk model
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		NewIPWeight:              20,
		LocationChangeWeight:     30,
		LocationChangeDistanceKm: 1000,
		DormantAfter:             30 * 24 * time.Hour,
		DormantWeight:            15,
		FirstLoginWeight:         10,
		RecentFailureWindow:      5 * time.Minute,
		RecentFailureWeight:      5,
		RecentFailureCap:         25,
		OffHoursStart:            6,
		OffHoursEnd:              22,
		OffHoursWeight:           10,
		NewDeviceWeight:          20,
		AutomatedUserAgentWeight: 40,
		AutomatedUserAgents: []string{
			"bot", "crawler", "spider", "curl", "wget", "python", "httpie",
			"go-http-client", "java/", "okhttp", "libwww", "scrapy",
			"headless", "phantomjs", "selenium", "puppeteer", "playwright",
		},
		BadIPWeight:              50,
		GlobalIPFailureWindow:    1 * time.Hour,
		GlobalIPFailureThreshold: 10,
		GlobalIPFailureWeight:    30,
		AttemptsPerMinuteLimit:   5,
		AttemptsPerMinuteWeight:  25,
		SuspiciousThreshold:      50,
		HighRiskThreshold:        75,
		DeviceTTL:                90 * 24 * time.Hour,
		LocationTTL:              30 * 24 * time.Hour,
		LocationRefreshAfter:     24 * time.Hour,
		DegradedScore:            50,
	}
}

func loadRiskConfig() RiskConfig {
	d := DefaultRiskConfig()
	return RiskConfig{
		NewIPWeight:              getEnvAsInt("RISK_NEW_IP_WEIGHT", d.NewIPWeight),
		LocationChangeWeight:     getEnvAsInt("RISK_LOCATION_CHANGE_WEIGHT", d.LocationChangeWeight),
		LocationChangeDistanceKm: getEnvAsFloat("RISK_LOCATION_CHANGE_KM", d.LocationChangeDistanceKm),
		DormantAfter:             getEnvAsDuration("RISK_DORMANT_AFTER", d.DormantAfter),
		DormantWeight:            getEnvAsInt("RISK_DORMANT_WEIGHT", d.DormantWeight),
		FirstLoginWeight:         getEnvAsInt("RISK_FIRST_LOGIN_WEIGHT", d.FirstLoginWeight),
		RecentFailureWindow:      getEnvAsDuration("RISK_RECENT_FAILURE_WINDOW", d.RecentFailureWindow),
		RecentFailureWeight:      getEnvAsInt("RISK_RECENT_FAILURE_WEIGHT", d.RecentFailureWeight),
		RecentFailureCap:         getEnvAsInt("RISK_RECENT_FAILURE_CAP", d.RecentFailureCap),
		OffHoursStart:            getEnvAsInt("RISK_OFF_HOURS_START", d.OffHoursStart),
		OffHoursEnd:              getEnvAsInt("RISK_OFF_HOURS_END", d.OffHoursEnd),
		OffHoursWeight:           getEnvAsInt("RISK_OFF_HOURS_WEIGHT", d.OffHoursWeight),
		NewDeviceWeight:          getEnvAsInt("RISK_NEW_DEVICE_WEIGHT", d.NewDeviceWeight),
		AutomatedUserAgentWeight: getEnvAsInt("RISK_AUTOMATED_UA_WEIGHT", d.AutomatedUserAgentWeight),
		AutomatedUserAgents:      getEnvAsList("RISK_AUTOMATED_UA_PATTERNS", d.AutomatedUserAgents),
		BadIPWeight:              getEnvAsInt("RISK_BAD_IP_WEIGHT", d.BadIPWeight),
		GlobalIPFailureWindow:    getEnvAsDuration("RISK_GLOBAL_IP_FAILURE_WINDOW", d.GlobalIPFailureWindow),
		GlobalIPFailureThreshold: getEnvAsInt("RISK_GLOBAL_IP_FAILURE_THRESHOLD", d.GlobalIPFailureThreshold),
		GlobalIPFailureWeight:    getEnvAsInt("RISK_GLOBAL_IP_FAILURE_WEIGHT", d.GlobalIPFailureWeight),
		AttemptsPerMinuteLimit:   getEnvAsInt("RISK_ATTEMPTS_PER_MINUTE", d.AttemptsPerMinuteLimit),
		AttemptsPerMinuteWeight:  getEnvAsInt("RISK_ATTEMPTS_PER_MINUTE_WEIGHT", d.AttemptsPerMinuteWeight),
		SuspiciousThreshold:      getEnvAsInt("RISK_SUSPICIOUS_THRESHOLD", d.SuspiciousThreshold),
		HighRiskThreshold:        getEnvAsInt("RISK_HIGH_RISK_THRESHOLD", d.HighRiskThreshold),
		DeviceTTL:                getEnvAsDuration("RISK_DEVICE_TTL", d.DeviceTTL),
		LocationTTL:              getEnvAsDuration("RISK_LOCATION_TTL", d.LocationTTL),
		LocationRefreshAfter:     getEnvAsDuration("RISK_LOCATION_REFRESH_AFTER", d.LocationRefreshAfter),
		DegradedScore:            getEnvAsInt("RISK_DEGRADED_SCORE", d.DegradedScore),
	}
}

// Validate checks threshold ordering and ranges
func (c RiskConfig) Validate() error {
	if c.SuspiciousThreshold < 0 || c.SuspiciousThreshold > 100 {
		return fmt.Errorf("RISK_SUSPICIOUS_THRESHOLD must be within 0-100 (got %d)", c.SuspiciousThreshold)
	}
	if c.HighRiskThreshold < c.SuspiciousThreshold || c.HighRiskThreshold > 100 {
		return fmt.Errorf("RISK_HIGH_RISK_THRESHOLD must be within %d-100 (got %d)",
			c.SuspiciousThreshold, c.HighRiskThreshold)
	}
	if c.OffHoursStart < 0 || c.OffHoursStart > 23 || c.OffHoursEnd < 0 || c.OffHoursEnd > 24 {
		return fmt.Errorf("RISK_OFF_HOURS_START/END must be hours of the day")
	}
	return nil
}

func (c MFAConfig) validate(env string) error {
	if c.InsecureTestMode {
		if env == "production" {
			return fmt.Errorf("MFA_INSECURE_TEST_MODE cannot be enabled in production")
		}
		if len(c.InsecureTestCode) < 6 {
			return fmt.Errorf("MFA_INSECURE_TEST_CODE must be at least 6 characters when test mode is enabled")
		}
	}
	if c.BackupCodeCount < 1 {
		return fmt.Errorf("BACKUP_CODE_COUNT must be at least 1")
	}
	return nil
}

// parseEncryptionKey decodes the base64 AES-256 key used for TOTP secrets at rest
func parseEncryptionKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, fmt.Errorf("MFA_ENCRYPTION_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("MFA_ENCRYPTION_KEY must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("MFA_ENCRYPTION_KEY must decode to 32 bytes (got %d)", len(key))
	}
	return key, nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	// Minimum length based on environment
	minLength := 16 // Development minimum
	if env == "production" {
		minLength = 32 // Production requires stronger secret (256 bits)
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	// Check against common weak secrets
	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsList(key string, defaultVal []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		return getEnvAsList("ALLOWED_ORIGINS", []string{})
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173", // Vite default
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:5173",
	}
}
