package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is read when no explicit path is given.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string   `yaml:"port"`
	LogLevel       string   `yaml:"logLevel"`
	DatabaseDriver string   `yaml:"databaseDriver"`
	DatabaseURL    string   `yaml:"databaseURL"`
	RedisAddr      string   `yaml:"redisAddr"`
	RedisPassword  string   `yaml:"redisPassword"`
	AMQPURL        string   `yaml:"amqpURL"`
	AMQPExchange   string   `yaml:"amqpExchange"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	TrustedProxies []string `yaml:"trustedProxies"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	CreateRoomLimit  int    `yaml:"createRoomLimit"`
	CreateRoomWindow string `yaml:"createRoomWindow"`
	ActionLimit      int    `yaml:"actionLimit"`
	ActionWindow     string `yaml:"actionWindow"`
	RoomIdleTTL      string `yaml:"roomIdleTTL"`
	ReapInterval     string `yaml:"reapInterval"`
	ExportStream     string `yaml:"exportStream"`
	ExportWorkers    int    `yaml:"exportWorkers"`
	ExportRetries    int    `yaml:"exportRetries"`

	// Parsed forms of the duration strings above.
	CreateRoomWindowDuration time.Duration `yaml:"-"`
	ActionWindowDuration     time.Duration `yaml:"-"`
	RoomIdleTTLDuration      time.Duration `yaml:"-"`
	ReapIntervalDuration     time.Duration `yaml:"-"`
}

// Database drivers accepted by databaseDriver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Load reads config from path (defaults to config.yaml) and applies env overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) error {
	strs := map[string]*string{
		"ROOMS_PORT":       &cfg.Port,
		"LOG_LEVEL":        &cfg.LogLevel,
		"DATABASE_DRIVER":  &cfg.DatabaseDriver,
		"DATABASE_URL":     &cfg.DatabaseURL,
		"REDIS_ADDR":       &cfg.RedisAddr,
		"REDIS_PASSWORD":   &cfg.RedisPassword,
		"AMQP_URL":         &cfg.AMQPURL,
		"MINIO_ENDPOINT":   &cfg.MinioEndpoint,
		"MINIO_ACCESS_KEY": &cfg.MinioAccessKey,
		"MINIO_SECRET_KEY": &cfg.MinioSecretKey,
		"MINIO_BUCKET":     &cfg.MinioBucket,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("ROOMS_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("ROOMS_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitList(v)
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: invalid MINIO_USE_SSL %q", v)
		}
		cfg.MinioUseSSL = b
	}
	return nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = DriverPostgres
	}
	cfg.DatabaseDriver = strings.ToLower(cfg.DatabaseDriver)
	if cfg.CreateRoomLimit == 0 {
		cfg.CreateRoomLimit = 20
	}
	if cfg.CreateRoomWindow == "" {
		cfg.CreateRoomWindow = "1m"
	}
	if cfg.ActionLimit == 0 {
		cfg.ActionLimit = 30
	}
	if cfg.ActionWindow == "" {
		cfg.ActionWindow = "10s"
	}
	if cfg.RoomIdleTTL == "" {
		cfg.RoomIdleTTL = "10m"
	}
	if cfg.ReapInterval == "" {
		cfg.ReapInterval = "1m"
	}
	if cfg.ExportStream == "" {
		cfg.ExportStream = "poker:exports"
	}
	if cfg.ExportWorkers == 0 {
		cfg.ExportWorkers = 1
	}
	if cfg.ExportRetries == 0 {
		cfg.ExportRetries = 3
	}
}

func validateConfig(cfg *FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or ROOMS_PORT)")
	}
	switch cfg.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: databaseDriver %q must be postgres, sqlite or memory", cfg.DatabaseDriver)
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioBucket == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return errors.New("config: minioBucket, minioAccessKey and minioSecretKey are required with minioEndpoint")
	}
	if cfg.CreateRoomLimit < 0 || cfg.ActionLimit < 0 {
		return errors.New("config: rate limits must not be negative")
	}
	if cfg.ExportWorkers < 0 || cfg.ExportRetries < 0 {
		return errors.New("config: exportWorkers and exportRetries must not be negative")
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"createRoomWindow", cfg.CreateRoomWindow, &cfg.CreateRoomWindowDuration},
		{"actionWindow", cfg.ActionWindow, &cfg.ActionWindowDuration},
		{"roomIdleTTL", cfg.RoomIdleTTL, &cfg.RoomIdleTTLDuration},
		{"reapInterval", cfg.ReapInterval, &cfg.ReapIntervalDuration},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.raw)
		if err != nil || v <= 0 {
			return fmt.Errorf("config: %s must be a positive duration, got %q", d.name, d.raw)
		}
		*d.dst = v
	}
	return nil
}

// ArchiveEnabled reports whether snapshot archiving is configured.
func (c FileConfig) ArchiveEnabled() bool {
	return c.MinioEndpoint != ""
}

// ExportsEnabled reports whether background exports can run; they need both
// the Redis stream and object storage.
func (c FileConfig) ExportsEnabled() bool {
	return c.RedisAddr != "" && c.ArchiveEnabled()
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
