package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
		// requests per second per client, 0 disables the limiter
		RateLimit   float64  `yaml:"rateLimit"`
		RateBurst   int      `yaml:"rateBurst"`
		CORSOrigins []string `yaml:"corsOrigins"`
	} `yaml:"server"`

	Database struct {
		Driver   string `yaml:"driver"` // mysql | postgres | sqlite
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		Path     string `yaml:"path"` // sqlite only
		SSLMode  string `yaml:"sslMode"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr"` // empty: in-process broker
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		// prepended to scan.request / scan.response
		ChannelPrefix string `yaml:"channelPrefix"`
	} `yaml:"redis"`

	SSH struct {
		DialTimeout           time.Duration `yaml:"dialTimeout"`
		CommandTimeout        time.Duration `yaml:"commandTimeout"`
		KnownHosts            string        `yaml:"knownHosts"`
		InsecureIgnoreHostKey bool          `yaml:"insecureIgnoreHostKey"`
	} `yaml:"ssh"`

	Scan struct {
		DefaultBatchSize int           `yaml:"defaultBatchSize"`
		MaxBatchSize     int           `yaml:"maxBatchSize"`
		BatchPacing      time.Duration `yaml:"batchPacing"`
	} `yaml:"scan"`

	Worker struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"worker"`

	Notify struct {
		QueueSize         int           `yaml:"queueSize"`
		SubscriberBuffer  int           `yaml:"subscriberBuffer"`
		DrainInterval     time.Duration `yaml:"drainInterval"`
		HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	} `yaml:"notify"`

	Schedule struct {
		Enabled     bool   `yaml:"enabled"`
		At          string `yaml:"at"` // HH:MM, local time
		BatchSize   int    `yaml:"batchSize"`
		RequestedBy string `yaml:"requestedBy"`
	} `yaml:"schedule"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"` // empty: archive disabled
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // json | console
	} `yaml:"log"`

	Auth struct {
		// API key -> recipient id used for live notifications
		APIKeys map[string]string `yaml:"apiKeys"`
	} `yaml:"auth"`
}

// Load baca file config.yaml, apply env overrides and defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// secrets stay out of the yaml file
func (c *Config) applyEnv() {
	if v := os.Getenv("AUTOMATON_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("AUTOMATON_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("AUTOMATON_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("AUTOMATON_MINIO_SECRET_KEY"); v != "" {
		c.Minio.SecretKey = v
	}
	if v := os.Getenv("AUTOMATON_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("AUTOMATON_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
}

// Defaults fills every zero value the services rely on.
func (c *Config) Defaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = 20
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "automaton.db"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.SSH.DialTimeout == 0 {
		c.SSH.DialTimeout = 10 * time.Second
	}
	if c.SSH.CommandTimeout == 0 {
		c.SSH.CommandTimeout = 30 * time.Second
	}
	if c.Scan.MaxBatchSize == 0 {
		c.Scan.MaxBatchSize = 500
	}
	if c.Scan.DefaultBatchSize == 0 {
		c.Scan.DefaultBatchSize = 100
	}
	if c.Scan.BatchPacing == 0 {
		c.Scan.BatchPacing = 200 * time.Millisecond
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 10
	}
	if c.Notify.QueueSize == 0 {
		c.Notify.QueueSize = 1000
	}
	if c.Notify.SubscriberBuffer == 0 {
		c.Notify.SubscriberBuffer = 64
	}
	if c.Notify.DrainInterval == 0 {
		c.Notify.DrainInterval = 100 * time.Millisecond
	}
	if c.Notify.HeartbeatInterval == 0 {
		c.Notify.HeartbeatInterval = 15 * time.Second
	}
	if c.Schedule.At == "" {
		c.Schedule.At = "02:00"
	}
	if c.Schedule.BatchSize == 0 {
		c.Schedule.BatchSize = 10
	}
	if c.Schedule.RequestedBy == "" {
		c.Schedule.RequestedBy = "scheduler"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver %q not supported (mysql, postgres, sqlite)", c.Database.Driver)
	}
	if c.Scan.MaxBatchSize < 1 || c.Scan.MaxBatchSize > 500 {
		return fmt.Errorf("scan.maxBatchSize must be between 1 and 500, got %d", c.Scan.MaxBatchSize)
	}
	if c.Scan.DefaultBatchSize < 1 || c.Scan.DefaultBatchSize > c.Scan.MaxBatchSize {
		return fmt.Errorf("scan.defaultBatchSize must be between 1 and %d, got %d", c.Scan.MaxBatchSize, c.Scan.DefaultBatchSize)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	if _, _, err := ParseClock(c.Schedule.At); err != nil {
		return fmt.Errorf("schedule.at: %w", err)
	}
	return nil
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%q is not HH:MM", s)
	}
	if hour, err = strconv.Atoi(h); err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%q: invalid hour", s)
	}
	if minute, err = strconv.Atoi(m); err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%q: invalid minute", s)
	}
	return hour, minute, nil
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC&clientFoundRows=true",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// Helper untuk build DSN Postgres
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}
