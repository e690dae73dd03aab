package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port        string   `yaml:"port"`
		CORSOrigins []string `yaml:"corsOrigins"`
	} `yaml:"server"`
	Log struct {
		Mode string `yaml:"mode"` // development | production
	} `yaml:"log"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Assessments struct {
		TTL  string `yaml:"ttl"`
		File string `yaml:"file"`
	} `yaml:"assessments"`
	Attempt struct {
		AutosaveInterval  string `yaml:"autosaveInterval"`
		ReaperInterval    string `yaml:"reaperInterval"`
		ReaperConcurrency int    `yaml:"reaperConcurrency"`
		LateWriteGrace    string `yaml:"lateWriteGrace"`
		TickInterval      string `yaml:"tickInterval"`
	} `yaml:"attempt"`
}

// Load reads YAML config from path and applies environment overrides. A
// missing file yields the defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PORT")
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	setString(&cfg.Log.Mode, "LOG_MODE")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	if v, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil {
		cfg.Redis.DB = v
	}
	setString(&cfg.Postgres.URL, "DATABASE_URL")
	setString(&cfg.Assessments.File, "ASSESSMENTS_FILE")
	setString(&cfg.Attempt.LateWriteGrace, "LATE_WRITE_GRACE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

// ReaperConcurrency returns the configured sweep fan-out, default 4.
func (c Config) ReaperConcurrency() int {
	if c.Attempt.ReaperConcurrency < 1 {
		return 4
	}
	return c.Attempt.ReaperConcurrency
}
