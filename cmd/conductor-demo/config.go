package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the demo server configuration. Every field has a default; a YAML
// file given with -config overrides them, and flags override the file.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Remote RemoteConfig `yaml:"remote"`
	Otel   OtelConfig   `yaml:"otel"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Timeout         time.Duration `yaml:"timeout"`
	Pretty          bool          `yaml:"pretty"`
	RequestIDHeader string        `yaml:"requestIdHeader"`
	Metrics         bool          `yaml:"metrics"`
}

// Endpoint locates a remote data source.
type Endpoint struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Secure bool   `yaml:"secure"`
}

type RemoteConfig struct {
	IP             Endpoint      `yaml:"ip"`
	Posts          Endpoint      `yaml:"posts"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	RateLimit      float64       `yaml:"rateLimit"`
	Burst          int           `yaml:"burst"`
	Concurrency    int           `yaml:"concurrency"`
}

type OtelConfig struct {
	Endpoint string `yaml:"endpoint"`
	Service  string `yaml:"service"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080", Timeout: 10 * time.Second, Metrics: true},
		Remote: RemoteConfig{
			IP:             Endpoint{Host: "jsonip.com", Secure: true},
			Posts:          Endpoint{Host: "jsonplaceholder.typicode.com", Secure: true},
			RequestTimeout: 3 * time.Second,
		},
		Otel: OtelConfig{Service: "conductor-demo"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// loadConfig reads path over the defaults. An empty path yields the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c LogConfig) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", c.Format)
}
