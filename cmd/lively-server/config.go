package main

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// config is the resolved server configuration. Values come from
// lively.yaml (working directory or /etc/lively) with LIVELY_* environment
// variables taking precedence.
type config struct {
	Port        int
	BasePath    string
	HealthPath  string
	MetricsPath string

	SnapshotDebounce time.Duration
	IdleEvict        time.Duration
	ReadRate         float64

	DataDir   string
	RedisAddr string
	JWTSecret string

	LogLevel  string
	LogFormat string

	TraceEndpoint string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("port", 8080)
	v.SetDefault("base_path", "/rooms")
	v.SetDefault("health_path", "/health")
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("snapshot_debounce_ms", 2000)
	v.SetDefault("idle_evict_ms", 60000)
	v.SetDefault("read_rate", 120)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("redis_addr", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("trace_endpoint", "")

	v.SetEnvPrefix("LIVELY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("lively")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/lively")
	return v
}

func loadConfig(v *viper.Viper) (config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config{}, err
		}
	}
	return config{
		Port:             v.GetInt("port"),
		BasePath:         v.GetString("base_path"),
		HealthPath:       v.GetString("health_path"),
		MetricsPath:      v.GetString("metrics_path"),
		SnapshotDebounce: time.Duration(v.GetInt("snapshot_debounce_ms")) * time.Millisecond,
		IdleEvict:        time.Duration(v.GetInt("idle_evict_ms")) * time.Millisecond,
		ReadRate:         v.GetFloat64("read_rate"),
		DataDir:          v.GetString("data_dir"),
		RedisAddr:        v.GetString("redis_addr"),
		JWTSecret:        v.GetString("jwt_secret"),
		LogLevel:         v.GetString("log_level"),
		LogFormat:        v.GetString("log_format"),
		TraceEndpoint:    v.GetString("trace_endpoint"),
	}, nil
}
