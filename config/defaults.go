package config

import "time"

// DefaultConfig 返回带默认值的配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Messaging: MessagingConfig{
			Backend:           "memory",
			RedisAddr:         "localhost:6379",
			StreamPrefix:      "devfleet",
			BatchSize:         16,
			BlockTimeout:      2 * time.Second,
			MaxStreamLen:      100000,
			PublishTimeout:    5 * time.Second,
			MaxRetries:        3,
			RetryInitialDelay: 100 * time.Millisecond,
			RetryMaxDelay:     5 * time.Second,
		},
		Availability: AvailabilityConfig{
			CacheEnabled: false,
			CacheTTL:     30 * time.Second,
		},
		Cache: CacheConfig{
			Addr:         "localhost:6379",
			DB:           0,
			KeyPrefix:    "devfleet",
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Name:            "devfleet.db",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Pool: PoolConfig{
			MaxWorkers:  64,
			QueueSize:   512,
			IdleTimeout: 60 * time.Second,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "devfleet",
			SampleRate:   1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "devfleet",
		},
	}
}
