package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "CHECKPLEASE"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabaseDriver       = "sqlite"
	defaultDatabasePath         = "checkplease.db"
	defaultLogLevel             = "info"
	defaultLogFormat            = "json"
	defaultBillTTL              = 24 * time.Hour
	defaultTipPercentage        = 15
	defaultClaimMaxAttempts     = 3
	defaultClaimRetryInterval   = 25 * time.Millisecond
	defaultRedisChannel         = "checkplease:changes"
	defaultFeedBufferSize       = 64
	defaultStreamHeartbeat      = 15 * time.Second
	defaultServiceName          = "checkplease-api"
	keyHTTPAddress              = "http.address"
	keyDatabaseDriver           = "database.driver"
	keyDatabasePath             = "database.path"
	keyDatabaseDSN              = "database.dsn"
	keyLogLevel                 = "log.level"
	keyLogFormat                = "log.format"
	keyBillTTL                  = "bill.ttl"
	keyBillDefaultTipPercentage = "bill.default_tip_percentage"
	keyClaimsMaxAttempts        = "claims.max_attempts"
	keyClaimsRetryInterval      = "claims.retry_interval"
	keyFeedBufferSize           = "feed.buffer_size"
	keyStreamHeartbeat          = "stream.heartbeat"
	keyRedisAddress             = "redis.address"
	keyRedisChannel             = "redis.channel"
	keyOTelEndpoint             = "otel.endpoint"
	keyOTelServiceName          = "otel.service_name"
	keyCORSAllowedOrigins       = "cors.allowed_origins"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabaseDriver       string
	DatabasePath         string
	DatabaseDSN          string
	LogLevel             string
	LogFormat            string
	BillTTL              time.Duration
	DefaultTipPercentage int
	ClaimMaxAttempts     int
	ClaimRetryInterval   time.Duration
	FeedBufferSize       int
	StreamHeartbeat      time.Duration
	RedisAddress         string
	RedisChannel         string
	OTelEndpoint         string
	OTelServiceName      string
	AllowedOrigins       []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault(keyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(keyDatabaseDriver, defaultDatabaseDriver)
	configViper.SetDefault(keyDatabasePath, defaultDatabasePath)
	configViper.SetDefault(keyLogLevel, defaultLogLevel)
	configViper.SetDefault(keyLogFormat, defaultLogFormat)
	configViper.SetDefault(keyBillTTL, defaultBillTTL)
	configViper.SetDefault(keyBillDefaultTipPercentage, defaultTipPercentage)
	configViper.SetDefault(keyClaimsMaxAttempts, defaultClaimMaxAttempts)
	configViper.SetDefault(keyClaimsRetryInterval, defaultClaimRetryInterval)
	configViper.SetDefault(keyFeedBufferSize, defaultFeedBufferSize)
	configViper.SetDefault(keyStreamHeartbeat, defaultStreamHeartbeat)
	configViper.SetDefault(keyRedisChannel, defaultRedisChannel)
	configViper.SetDefault(keyOTelServiceName, defaultServiceName)
	configViper.SetDefault(keyCORSAllowedOrigins, []string{"*"})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString(keyHTTPAddress),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString(keyDatabaseDriver))),
		DatabasePath:         configViper.GetString(keyDatabasePath),
		DatabaseDSN:          configViper.GetString(keyDatabaseDSN),
		LogLevel:             configViper.GetString(keyLogLevel),
		LogFormat:            configViper.GetString(keyLogFormat),
		BillTTL:              configViper.GetDuration(keyBillTTL),
		DefaultTipPercentage: configViper.GetInt(keyBillDefaultTipPercentage),
		ClaimMaxAttempts:     configViper.GetInt(keyClaimsMaxAttempts),
		ClaimRetryInterval:   configViper.GetDuration(keyClaimsRetryInterval),
		FeedBufferSize:       configViper.GetInt(keyFeedBufferSize),
		StreamHeartbeat:      configViper.GetDuration(keyStreamHeartbeat),
		RedisAddress:         strings.TrimSpace(configViper.GetString(keyRedisAddress)),
		RedisChannel:         configViper.GetString(keyRedisChannel),
		OTelEndpoint:         strings.TrimSpace(configViper.GetString(keyOTelEndpoint)),
		OTelServiceName:      configViper.GetString(keyOTelServiceName),
		AllowedOrigins:       splitOrigins(configViper.GetStringSlice(keyCORSAllowedOrigins)),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "mysql":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or mysql, got %q", c.DatabaseDriver)
	}
	if c.BillTTL <= 0 {
		return fmt.Errorf("bill.ttl must be positive")
	}
	if c.DefaultTipPercentage < 0 {
		return fmt.Errorf("bill.default_tip_percentage must not be negative")
	}
	if c.ClaimMaxAttempts <= 0 {
		return fmt.Errorf("claims.max_attempts must be positive")
	}
	if c.ClaimRetryInterval <= 0 {
		return fmt.Errorf("claims.retry_interval must be positive")
	}
	if c.FeedBufferSize <= 0 {
		return fmt.Errorf("feed.buffer_size must be positive")
	}
	if c.StreamHeartbeat <= 0 {
		return fmt.Errorf("stream.heartbeat must be positive")
	}
	if c.RedisAddress != "" && strings.TrimSpace(c.RedisChannel) == "" {
		return fmt.Errorf("redis.channel is required when redis.address is set")
	}
	return nil
}

// splitOrigins accepts both list values and a single comma separated env value.
func splitOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
