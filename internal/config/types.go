package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server   ServerConfig         `json:"server"`
	Upload   UploadConfig         `json:"upload"`
	Database Database             `json:"database"`
	Redis    RedisConfig          `json:"redis"`
	S3       S3Config             `json:"s3"`
	Quota    QuotaConfig          `json:"quota"`
	Worker   OptimizeWorkerConfig `json:"optimize_worker"`
	Reaper   ReaperConfig         `json:"reaper"`
	Sentry   SentryConfig         `json:"sentry"`
}

type ServerConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type UploadConfig struct {
	MaxRequestBodyMB     int64 `json:"max_request_body"`
	MaxMultipartMemoryMB int64 `json:"max_multipart_memory"`
}

type Database struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	Password            string        `json:"password"`
	DatabaseID          int           `json:"database_id"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	DialTimeout         time.Duration `json:"dial_timeout"`
	ReadTimeout         time.Duration `json:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout"`
	PoolSize            int           `json:"pool_size"`
	Nodes               []RedisNode   `json:"nodes"`
}

type RedisNode struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (n RedisNode) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

type S3Config struct {
	AccountID   string `json:"account_id"`
	BucketName  string `json:"bucket_name"`
	AccessKeyID string `json:"access_key_id"`
	SecretKey   string `json:"secret_key"`
	Endpoint    string `json:"endpoint"`
}

type QuotaConfig struct {
	APIURL          string `json:"api_url"`
	APIKey          string `json:"api_key"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds"`
}

type OptimizeWorkerConfig struct {
	Stream       string        `json:"stream"`        // redis stream name
	Group        string        `json:"group"`         // consumer group name
	Workers      int           `json:"workers"`       // number of concurrent goroutines
	MaxAttempts  int           `json:"max_attempts"`  // max tries before the task is given up on
	MaxLen       int64         `json:"max_len"`       // stream max length before trim
	BackoffBase  time.Duration `json:"backoff_base"`  // base retry delay, seconds
	BlockTimeout time.Duration `json:"block_timeout"` // XREADGROUP block timeout, seconds
	TaskTimeout  time.Duration `json:"task_timeout"`  // per-task execution budget, seconds
	Consumer     string        `json:"consumer"`
}

type ReaperConfig struct {
	Interval       time.Duration `json:"interval"`        // sweep interval, seconds
	RetentionHours int           `json:"retention_hours"` // task lifetime after submission
}

type SentryConfig struct {
	SentryDSN   string `json:"sentry_dsn"`
	Environment string `json:"environment"`
}
