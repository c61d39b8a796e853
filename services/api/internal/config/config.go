package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"pdfpage/pkg/quota"
)

// ConfigPath is the default config file, overridable with PDFPAGE_CONFIG.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                       string `yaml:"port"`
	DatabaseURL                string `yaml:"databaseURL"`
	RedisAddr                  string `yaml:"redisAddr"`
	RedisPassword              string `yaml:"redisPassword"`
	JWTSecret                  string `yaml:"jwtSecret"`
	JWTExpire                  string `yaml:"jwtExpire"`
	JWTIssuer                  string `yaml:"jwtIssuer"`
	FrontendURL                string `yaml:"frontendURL"`
	LogLevel                   string `yaml:"logLevel"`
	TrustedProxies             string `yaml:"trustedProxies"`
	AnonDailyLimit             int    `yaml:"anonDailyLimit"`
	FreeDailyLimit             int    `yaml:"freeDailyLimit"`
	PromoUntil                 string `yaml:"promoUntil"`
	MinioEndpoint              string `yaml:"minioEndpoint"`
	MinioAccessKey             string `yaml:"minioAccessKey"`
	MinioSecretKey             string `yaml:"minioSecretKey"`
	MinioBucket                string `yaml:"minioBucket"`
	MinioUseSSL                bool   `yaml:"minioUseSSL"`
	AMQPURL                    string `yaml:"amqpURL"`
	AMQPExchange               string `yaml:"amqpExchange"`
	UsageStream                string `yaml:"usageStream"`
	SofficePath                string `yaml:"sofficePath"`
	IPRateLimitPerWindow       int    `yaml:"ipRateLimitPerWindow"`
	IPRateLimitWindow          string `yaml:"ipRateLimitWindow"`
	SignupRateLimitPerMinute   int    `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute    int    `yaml:"loginRateLimitPerMinute"`
	PasswordRateLimitPerMinute int    `yaml:"passwordRateLimitPerMinute"`
}

// Path returns PDFPAGE_CONFIG when set, else ConfigPath.
func Path() string {
	if v := strings.TrimSpace(os.Getenv("PDFPAGE_CONFIG")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path (defaults to config.yaml), applies
// environment overrides and validates the result. A missing file at the
// default path is allowed so the service can run from env alone.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	explicit := path != ""
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	str("PORT", &cfg.Port)
	str("MONGODB_URI", &cfg.DatabaseURL)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	str("JWT_SECRET", &cfg.JWTSecret)
	str("JWT_EXPIRE", &cfg.JWTExpire)
	str("JWT_ISSUER", &cfg.JWTIssuer)
	str("FRONTEND_URL", &cfg.FrontendURL)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("TRUSTED_PROXIES", &cfg.TrustedProxies)
	num("ANON_DAILY_LIMIT", &cfg.AnonDailyLimit)
	num("FREE_DAILY_LIMIT", &cfg.FreeDailyLimit)
	str("PROMO_UNTIL", &cfg.PromoUntil)
	str("MINIO_ENDPOINT", &cfg.MinioEndpoint)
	str("MINIO_ACCESS_KEY", &cfg.MinioAccessKey)
	str("MINIO_SECRET_KEY", &cfg.MinioSecretKey)
	str("MINIO_BUCKET", &cfg.MinioBucket)
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	str("AMQP_URL", &cfg.AMQPURL)
	str("AMQP_EXCHANGE", &cfg.AMQPExchange)
	str("USAGE_STREAM", &cfg.UsageStream)
	str("SOFFICE_PATH", &cfg.SofficePath)
	num("IP_RATE_LIMIT_PER_WINDOW", &cfg.IPRateLimitPerWindow)
	str("IP_RATE_LIMIT_WINDOW", &cfg.IPRateLimitWindow)
	num("SIGNUP_RATE_LIMIT_PER_MINUTE", &cfg.SignupRateLimitPerMinute)
	num("LOGIN_RATE_LIMIT_PER_MINUTE", &cfg.LoginRateLimitPerMinute)
	num("PASSWORD_RATE_LIMIT_PER_MINUTE", &cfg.PasswordRateLimitPerMinute)
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "5000"
	}
	if cfg.JWTExpire == "" {
		cfg.JWTExpire = "30d"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.IPRateLimitPerWindow == 0 {
		cfg.IPRateLimitPerWindow = 100
	}
	if cfg.IPRateLimitWindow == "" {
		cfg.IPRateLimitWindow = "15m"
	}
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set DATABASE_URL, or memory:// for an in-process store)")
	}
	if len(strings.TrimSpace(cfg.JWTSecret)) < 16 {
		return errors.New("config: jwtSecret must be at least 16 characters (set JWT_SECRET)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for rate limiting and anonymous usage")
	}
	if _, err := ParseTokenTTL(cfg.JWTExpire); err != nil {
		return err
	}
	if _, err := ParsePromoUntil(cfg.PromoUntil); err != nil {
		return err
	}
	if d, err := time.ParseDuration(cfg.IPRateLimitWindow); err != nil || d <= 0 {
		return fmt.Errorf("config: invalid ipRateLimitWindow %q", cfg.IPRateLimitWindow)
	}
	if cfg.AnonDailyLimit < 0 && cfg.AnonDailyLimit != -1 || cfg.FreeDailyLimit < 0 && cfg.FreeDailyLimit != -1 {
		return errors.New("config: daily limits must be >= 0, or -1 for unlimited")
	}
	if cfg.IPRateLimitPerWindow < 0 || cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 || cfg.PasswordRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.MinioEndpoint != "" && cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required when minioEndpoint is set")
	}
	return nil
}

// ParseTokenTTL parses a JWT lifetime. Besides Go durations it accepts a
// day count such as "30d".
func ParseTokenTTL(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid jwtExpire %q", raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil || dur <= 0 {
		return 0, fmt.Errorf("invalid jwtExpire %q", raw)
	}
	return dur, nil
}

// ParsePromoUntil accepts RFC 3339 or a YYYY-MM-DD date (UTC midnight).
func ParsePromoUntil(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid promoUntil %q", raw)
	}
	return t.UTC(), nil
}

// ParseTrustedProxies splits a comma separated CIDR/IP list.
func ParseTrustedProxies(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Policies builds the quota table, applying configured daily caps and
// the promo window.
func (c FileConfig) Policies() (quota.Policies, error) {
	ps := quota.DefaultPolicies()
	if c.AnonDailyLimit != 0 {
		ps.Anonymous.MaxDailyUploads = c.AnonDailyLimit
	}
	if c.FreeDailyLimit != 0 {
		ps.Free.MaxDailyUploads = c.FreeDailyLimit
	}
	until, err := ParsePromoUntil(c.PromoUntil)
	if err != nil {
		return quota.Policies{}, err
	}
	if !until.IsZero() {
		ps.Promo = quota.NewPromo(until)
	}
	return ps, nil
}

// IPRateWindow returns the parsed per-IP window.
func (c FileConfig) IPRateWindow() time.Duration {
	d, err := time.ParseDuration(c.IPRateLimitWindow)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}
