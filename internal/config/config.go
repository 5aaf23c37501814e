package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Poller    PollerConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port string
	Env  string
	// BodyLimit caps request bodies, upload chunks included (bytes).
	BodyLimit int
}

type StorageConfig struct {
	// UploadDir holds assembled uploads and per-session chunk dirs.
	UploadDir string
	// OutputDir holds processor artifacts, one subdir per file id.
	OutputDir string
	// DataDir holds the SQLite database.
	DataDir string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type QueueConfig struct {
	// URL selects the distributed-queue endpoint (redis://host:port).
	// Empty means direct dispatch plus the in-process poller only.
	URL string
	// Concurrency is the worker-side handler pool size.
	Concurrency int
}

type PollerConfig struct {
	Interval time.Duration
}

type RateLimitConfig struct {
	ProcessPerHour int
	UploadPerHour  int
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "5000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.body_limit", 200*1024*1024)
	viper.SetDefault("storage.upload_dir", "uploads")
	viper.SetDefault("storage.output_dir", "outputs")
	viper.SetDefault("storage.data_dir", "data")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("queue.url", "")
	viper.SetDefault("queue.concurrency", 4)
	viper.SetDefault("poller.interval", "1s")
	viper.SetDefault("ratelimit.process_per_hour", 60)
	viper.SetDefault("ratelimit.upload_per_hour", 200)

	// QUEUE_URL is the single switch for distributed dispatch.
	_ = viper.BindEnv("queue.url", "QUEUE_URL")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			BodyLimit: viper.GetInt("server.body_limit"),
		},
		Storage: StorageConfig{
			UploadDir: viper.GetString("storage.upload_dir"),
			OutputDir: viper.GetString("storage.output_dir"),
			DataDir:   viper.GetString("storage.data_dir"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Queue: QueueConfig{
			URL:         viper.GetString("queue.url"),
			Concurrency: viper.GetInt("queue.concurrency"),
		},
		Poller: PollerConfig{
			Interval: viper.GetDuration("poller.interval"),
		},
		RateLimit: RateLimitConfig{
			ProcessPerHour: viper.GetInt("ratelimit.process_per_hour"),
			UploadPerHour:  viper.GetInt("ratelimit.upload_per_hour"),
		},
	}

	return cfg, nil
}
