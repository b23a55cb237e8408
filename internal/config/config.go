// Package config loads the gateway's configuration from environment
// variables (optionally backed by a .env file), the way cmd/server/main.go
// expects: a flat set of env vars read into a nested struct, validated
// once at boot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// PACSNodeConfig is the boot-time seed for a remote PACS node record; it
// mirrors the node descriptor in models.PACSNode and is merged into the
// database registry on startup if not already present.
type PACSNodeConfig struct {
	Name                  string
	AETitle               string
	Hostname              string
	Port                  int
	ConnectTimeout        time.Duration
	ResponseTimeout       time.Duration
	AssociationTimeout    time.Duration
	QueryRetrieveRoot     string
	IsDefault             bool
}

type LocalConfig struct {
	AETitle        string
	BindAddress    string
	PublicHostname string
	Port           int
}

type CacheConfig struct {
	Path          string
	RetentionDays int
	MaxSizeGB     float64
	CleanupCron   string
	SizeCron      string
}

type RetrieveConfig struct {
	PreferCGet      bool
	FallbackToCMove bool
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Enabled bool
}

type Config struct {
	Log      LogConfig
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	CORS     CORSConfig
	Metrics  MetricsConfig

	DICOMLocal    LocalConfig
	DICOMCache    CacheConfig
	DICOMRetrieve RetrieveConfig
	PACSNodes     []PACSNodeConfig
}

// Load reads .env (if present) and environment variables into a Config.
// Mirrors the teacher's boot sequence: godotenv.Load is best-effort, then
// every field is read from os.Getenv with a sane default.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "dicom_gateway"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			LogLevel: getEnv("DB_LOG_LEVEL", "warn"),

			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvList("CORS_ALLOWED_HEADERS", []string{"*"}),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
		DICOMLocal: LocalConfig{
			AETitle:        getEnv("DICOM_LOCAL_AE_TITLE", "GATEWAY"),
			BindAddress:    getEnv("DICOM_LOCAL_BIND_ADDRESS", "0.0.0.0"),
			PublicHostname: getEnv("DICOM_LOCAL_PUBLIC_HOSTNAME", "localhost"),
			Port:           getEnvInt("DICOM_LOCAL_PORT", 11112),
		},
		DICOMCache: CacheConfig{
			Path:          getEnv("DICOM_CACHE_PATH", "./cache"),
			RetentionDays: getEnvInt("DICOM_CACHE_RETENTION_DAYS", 30),
			MaxSizeGB:     getEnvFloat("DICOM_CACHE_MAX_SIZE_GB", 100),
			CleanupCron:   getEnv("DICOM_CACHE_CLEANUP_CRON", "0 2 * * *"),
			SizeCron:      getEnv("DICOM_CACHE_SIZE_CRON", "0 * * * *"),
		},
		DICOMRetrieve: RetrieveConfig{
			PreferCGet:      getEnvBool("DICOM_RETRIEVE_PREFER_CGET", true),
			FallbackToCMove: getEnvBool("DICOM_RETRIEVE_FALLBACK_TO_CMOVE", true),
		},
	}

	cfg.PACSNodes = loadPACSNodes()

	return cfg, nil
}

// Validate fails fast on the fields the gateway cannot run without,
// matching the teacher's cfg.Validate() contract invoked from main.go.
func (c *Config) Validate() error {
	if c.DICOMLocal.AETitle == "" {
		return fmt.Errorf("dicom.local.aeTitle is required")
	}
	if len(c.DICOMLocal.AETitle) > 16 {
		return fmt.Errorf("dicom.local.aeTitle must be at most 16 characters")
	}
	if c.DICOMLocal.Port <= 0 || c.DICOMLocal.Port > 65535 {
		return fmt.Errorf("dicom.local.port must be a valid TCP port")
	}
	if c.DICOMCache.Path == "" {
		return fmt.Errorf("dicom.cache.path is required")
	}
	if c.DICOMCache.MaxSizeGB <= 0 {
		return fmt.Errorf("dicom.cache.maxSizeGb must be positive")
	}
	for _, n := range c.PACSNodes {
		if n.Name == "" || n.AETitle == "" || n.Hostname == "" || n.Port <= 0 {
			return fmt.Errorf("pacs.nodes[]: name, aeTitle, hostname and port are required (node %q)", n.Name)
		}
	}
	return nil
}

// loadPACSNodes parses PACS_NODES as a ';'-separated list of
// 'name,aeTitle,hostname,port[,default]' records; a fifth field reading
// "default" (any case) marks the node as the default one. This keeps the boot
// contract free of a YAML/JSON dependency the teacher does not carry,
// consistent with its flat-env-var configuration style.
func loadPACSNodes() []PACSNodeConfig {
	raw := getEnv("PACS_NODES", "")
	if raw == "" {
		return nil
	}
	var nodes []PACSNodeConfig
	for _, rec := range strings.Split(raw, ";") {
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		parts := strings.Split(rec, ",")
		if len(parts) < 4 {
			continue
		}
		port, _ := strconv.Atoi(strings.TrimSpace(parts[3]))
		node := PACSNodeConfig{
			Name:               strings.TrimSpace(parts[0]),
			AETitle:            strings.TrimSpace(parts[1]),
			Hostname:           strings.TrimSpace(parts[2]),
			Port:               port,
			ConnectTimeout:     5 * time.Second,
			ResponseTimeout:    30 * time.Second,
			AssociationTimeout: 5 * time.Minute,
			QueryRetrieveRoot:  "STUDY",
		}
		if len(parts) >= 5 && strings.EqualFold(strings.TrimSpace(parts[4]), "default") {
			node.IsDefault = true
		}
		nodes = append(nodes, node)
	}
	return nodes
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return fallback
}
