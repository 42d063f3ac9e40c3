// Package config centralizes how CrashVault reads environment variables and
// exposes them as strongly typed Go values.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration shared by the collector, mover,
// worker and admin commands. Each command reads only the fields it needs.
type Config struct {
	LogLevel string

	// Collector.
	Address      string
	MaxDumpBytes int64
	DumpField    string

	// Column-family store.
	StoreProject    string
	StoreInstance   string
	StoreEmulator   string
	StoreTimeout    time.Duration
	StoreRetries    int
	StoreRetryDelay time.Duration

	// Admission control.
	ThrottleRules string
	NeverDiscard  bool

	// Local filesystem fallback. An empty root disables it.
	FallbackRoot       string
	FallbackDirDepth   int
	JSONSuffix         string
	DumpSuffix         string
	FallbackCacheBytes uint64

	// Worker pipeline.
	Workers   int
	QueueSize int
	IdleDelay time.Duration

	// Processors.
	Processors        []string
	ResubmitThreshold time.Duration
	SubmitLimit       int
	BadEntryHandling  string

	// Relational store backing the id cache.
	DatabaseURL string
	IDCacheSize int

	// Processing queue.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Processed archive.
	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3Region      string
	S3UseSSL      bool
	ArchiveBucket string
}

const (
	defaultAddress           = ":8882"
	defaultMaxDumpBytes      = 20 << 20 // 20 MiB
	defaultDumpField         = "upload_file_minidump"
	defaultStoreProject      = "memory"
	defaultStoreInstance     = "crashvault"
	defaultStoreTimeout      = 5 * time.Second
	defaultStoreRetries      = 2
	defaultStoreRetryDelay   = time.Second
	defaultFallbackDirDepth  = 2
	defaultJSONSuffix        = ".json"
	defaultDumpSuffix        = ".dump"
	defaultFallbackCache     = 8 << 20
	defaultWorkerCount       = 4
	defaultQueueSize         = 8
	defaultIdleDelay         = 7 * time.Second
	defaultResubmitThreshold = 300 * time.Second
	defaultSubmitLimit       = 1000
	defaultBadEntryHandling  = "delete"
	defaultIDCacheSize       = 1000
	defaultRedisAddr         = "127.0.0.1:6379"
	defaultS3Region          = "us-east-1"
	defaultArchiveBucket     = "crashvault-processed"
)

// Load reads configuration from environment variables falling back to
// defaults. Invalid numbers are ignored in favour of the default; values out
// of range are clamped.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel: readEnv("CRASHVAULT_LOG_LEVEL", "INFO"),

		Address:      readEnv("CRASHVAULT_ADDRESS", defaultAddress),
		MaxDumpBytes: parseInt64("CRASHVAULT_MAX_DUMP_BYTES", defaultMaxDumpBytes),
		DumpField:    readEnv("CRASHVAULT_DUMP_FIELD", defaultDumpField),

		StoreProject:    readEnv("CRASHVAULT_STORE_PROJECT", defaultStoreProject),
		StoreInstance:   readEnv("CRASHVAULT_STORE_INSTANCE", defaultStoreInstance),
		StoreEmulator:   readEnv("CRASHVAULT_STORE_EMULATOR", ""),
		StoreTimeout:    parseDuration("CRASHVAULT_STORE_TIMEOUT", defaultStoreTimeout),
		StoreRetries:    parseInt("CRASHVAULT_STORE_RETRIES", defaultStoreRetries),
		StoreRetryDelay: parseDuration("CRASHVAULT_STORE_RETRY_DELAY", defaultStoreRetryDelay),

		ThrottleRules: readEnv("CRASHVAULT_THROTTLE_RULES", ""),
		NeverDiscard:  parseBool("CRASHVAULT_NEVER_DISCARD", false),

		FallbackRoot:       readEnv("CRASHVAULT_FALLBACK_ROOT", ""),
		FallbackDirDepth:   parseInt("CRASHVAULT_FALLBACK_DIR_DEPTH", defaultFallbackDirDepth),
		JSONSuffix:         readEnv("CRASHVAULT_JSON_SUFFIX", defaultJSONSuffix),
		DumpSuffix:         readEnv("CRASHVAULT_DUMP_SUFFIX", defaultDumpSuffix),
		FallbackCacheBytes: uint64(parseInt64("CRASHVAULT_FALLBACK_CACHE_BYTES", defaultFallbackCache)),

		Workers:   parseInt("CRASHVAULT_WORKERS", defaultWorkerCount),
		QueueSize: parseInt("CRASHVAULT_QUEUE_SIZE", defaultQueueSize),
		IdleDelay: parseDuration("CRASHVAULT_IDLE_DELAY", defaultIdleDelay),

		Processors:        parseList("CRASHVAULT_PROCESSORS", ""),
		ResubmitThreshold: parseDuration("CRASHVAULT_RESUBMIT_THRESHOLD", defaultResubmitThreshold),
		SubmitLimit:       parseInt("CRASHVAULT_SUBMIT_LIMIT", defaultSubmitLimit),
		BadEntryHandling:  readEnv("CRASHVAULT_BAD_ENTRY_HANDLING", defaultBadEntryHandling),

		DatabaseURL: readEnv("CRASHVAULT_DATABASE_URL", ""),
		IDCacheSize: parseInt("CRASHVAULT_ID_CACHE_SIZE", defaultIDCacheSize),

		RedisAddr:     readEnv("CRASHVAULT_REDIS_ADDR", defaultRedisAddr),
		RedisPassword: readEnv("CRASHVAULT_REDIS_PASSWORD", ""),
		RedisDB:       parseInt("CRASHVAULT_REDIS_DB", 0),

		S3Endpoint:    readEnv("CRASHVAULT_S3_ENDPOINT", ""),
		S3AccessKey:   readEnv("CRASHVAULT_S3_ACCESS_KEY", ""),
		S3SecretKey:   readEnv("CRASHVAULT_S3_SECRET_KEY", ""),
		S3Region:      readEnv("CRASHVAULT_S3_REGION", defaultS3Region),
		S3UseSSL:      parseBool("CRASHVAULT_S3_USE_SSL", false),
		ArchiveBucket: readEnv("CRASHVAULT_ARCHIVE_BUCKET", defaultArchiveBucket),
	}
	if cfg.MaxDumpBytes <= 0 {
		cfg.MaxDumpBytes = defaultMaxDumpBytes
	}
	if cfg.StoreRetries < 1 {
		cfg.StoreRetries = 1
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.FallbackDirDepth <= 0 {
		cfg.FallbackDirDepth = defaultFallbackDirDepth
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkerCount
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.IdleDelay < 0 {
		cfg.IdleDelay = defaultIdleDelay
	}
	if cfg.ResubmitThreshold <= 0 {
		cfg.ResubmitThreshold = defaultResubmitThreshold
	}
	if cfg.IDCacheSize <= 0 {
		cfg.IDCacheSize = defaultIDCacheSize
	}
	return cfg, nil
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseList(key, def string) []string {
	val := readEnv(key, def)
	if strings.TrimSpace(val) == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	// time.ParseDuration understands inputs like "5m" or "30s".
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
