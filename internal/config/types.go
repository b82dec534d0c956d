package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Upload   UploadConfig   `json:"upload" yaml:"upload"`
	Database Database       `json:"database" yaml:"database"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Worker   WorkerConfig   `json:"worker" yaml:"worker"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Geo      GeoConfig      `json:"geo" yaml:"geo"`
	Sentry   SentryConfig   `json:"sentry" yaml:"sentry"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

type ServerConfig struct {
	Port            int      `json:"port" yaml:"port"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type UploadConfig struct {
	MaxRequestBodyMB     int64 `json:"max_request_body" yaml:"max_request_body"`
	MaxMultipartMemoryMB int64 `json:"max_multipart_memory" yaml:"max_multipart_memory"`
}

type Database struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

type RedisConfig struct {
	Password            string      `json:"password" yaml:"password"`
	DatabaseID          int         `json:"database_id" yaml:"database_id"`
	HealthCheckInterval Duration    `json:"health_check_interval" yaml:"health_check_interval"`
	DialTimeout         Duration    `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout         Duration    `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout        Duration    `json:"write_timeout" yaml:"write_timeout"`
	PoolSize            int         `json:"pool_size" yaml:"pool_size"`
	Nodes               []RedisNode `json:"nodes" yaml:"nodes"`
}

type RedisNode struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

func (n RedisNode) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

type WorkerConfig struct {
	Stream        string   `json:"stream" yaml:"stream"`                 // redis stream name
	Group         string   `json:"group" yaml:"group"`                   // consumer group name
	Consumer      string   `json:"consumer" yaml:"consumer"`             // consumer name, unique per process
	Workers       int      `json:"workers" yaml:"workers"`               // concurrent jobs per process
	MaxLen        int64    `json:"max_len" yaml:"max_len"`               // stream max length before trim
	BackoffBase   Duration `json:"backoff_base" yaml:"backoff_base"`     // delay before the first redelivery
	BlockTimeout  Duration `json:"block_timeout" yaml:"block_timeout"`   // XREADGROUP block timeout
	ClaimInterval Duration `json:"claim_interval" yaml:"claim_interval"` // how often orphaned messages are reclaimed
	ClaimMinIdle  Duration `json:"claim_min_idle" yaml:"claim_min_idle"` // idle time before a pending message is orphaned
	LeaseTTL      Duration `json:"lease_ttl" yaml:"lease_ttl"`           // per-image processing lease
}

type PipelineConfig struct {
	Thumbnail   bool `json:"thumbnail" yaml:"thumbnail"`
	Concurrency int  `json:"concurrency" yaml:"concurrency"`
}

type GeoConfig struct {
	Provider     string   `json:"provider" yaml:"provider"` // "amap", "nominatim" or empty to disable
	AMapKey      string   `json:"amap_key" yaml:"amap_key"`
	BaseURL      string   `json:"base_url" yaml:"base_url"`
	Language     string   `json:"language" yaml:"language"`
	Timeout      Duration `json:"timeout" yaml:"timeout"`
	CacheTTL     Duration `json:"cache_ttl" yaml:"cache_ttl"`
	MinInterval  Duration `json:"min_interval" yaml:"min_interval"`
	CacheEnabled bool     `json:"cache_enabled" yaml:"cache_enabled"`
}

type SentryConfig struct {
	SentryDSN   string `json:"sentry_dsn" yaml:"sentry_dsn"`
	Environment string `json:"environment" yaml:"environment"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
}

// Duration accepts "30s"-style strings in both JSON and YAML. Bare JSON
// numbers are read as seconds.
type Duration struct {
	time.Duration
}

func Seconds(n int) Duration { return Duration{time.Duration(n) * time.Second} }

// Or returns d, or def when d is unset.
func (d Duration) Or(def time.Duration) time.Duration {
	if d.Duration <= 0 {
		return def
	}
	return d.Duration
}
