// Package config loads orchestrator settings from an optional YAML file with
// MATCHCUT_* environment overrides on top, so a container deployment can tune
// any knob without shipping a file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type BackoffConfig struct {
	Base        time.Duration `yaml:"base"`
	Factor      float64       `yaml:"factor"`
	Cap         time.Duration `yaml:"cap"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type ViewerConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	// StoreBackend selects the manifest store: "memory" or "sqlite".
	StoreBackend string `yaml:"store_backend"`
	SQLitePath   string `yaml:"sqlite_path"`

	ReadyDeadline time.Duration `yaml:"ready_deadline"`
	Retention     time.Duration `yaml:"retention"`

	ToleranceMS int64 `yaml:"tolerance_ms"`
	BucketMS    int64 `yaml:"bucket_ms"`

	Workers       int           `yaml:"workers"`
	TickInterval  time.Duration `yaml:"tick_interval"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	LeaseDuration time.Duration `yaml:"lease_duration"`

	StitchTimeout  time.Duration `yaml:"stitch_timeout"`
	InferTimeout   time.Duration `yaml:"infer_timeout"`
	OffloadTimeout time.Duration `yaml:"offload_timeout"`

	Backoff BackoffConfig `yaml:"backoff"`

	StitchCommand   string `yaml:"stitch_command"`
	DetectorCommand string `yaml:"detector_command"`
	OutputDir       string `yaml:"output_dir"`
	Layout          string `yaml:"layout"`

	Viewer ViewerConfig `yaml:"viewer"`

	// Publisher selects artifact staging: "local" or "minio".
	Publisher string      `yaml:"publisher"`
	MinIO     MinIOConfig `yaml:"minio"`
}

func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		StoreBackend:   "memory",
		SQLitePath:     "matchcut.db",
		ReadyDeadline:  90 * time.Second,
		Retention:      24 * time.Hour,
		ToleranceMS:    2000,
		BucketMS:       1000,
		Workers:        4,
		TickInterval:   time.Second,
		PollInterval:   250 * time.Millisecond,
		LeaseDuration:  15 * time.Minute,
		StitchTimeout:  10 * time.Minute,
		InferTimeout:   10 * time.Minute,
		OffloadTimeout: 2 * time.Minute,
		Backoff: BackoffConfig{
			Base:        5 * time.Second,
			Factor:      2,
			Cap:         5 * time.Minute,
			MaxAttempts: 6,
		},
		OutputDir: "artifacts",
		Layout:    "three_up",
		Viewer: ViewerConfig{
			Timeout: 30 * time.Second,
		},
		Publisher: "local",
	}
}

// Load reads the YAML file at path (skipped when path is empty or absent) and
// then applies environment overrides. MATCHCUT_CONFIG names the default file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = strings.TrimSpace(os.Getenv("MATCHCUT_CONFIG"))
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("MATCHCUT_LISTEN_ADDR", &c.ListenAddr)
	envStr("MATCHCUT_STORE", &c.StoreBackend)
	envStr("MATCHCUT_SQLITE_PATH", &c.SQLitePath)
	envDur("MATCHCUT_READY_DEADLINE", &c.ReadyDeadline)
	envDur("MATCHCUT_RETENTION", &c.Retention)
	envInt64("MATCHCUT_TOLERANCE_MS", &c.ToleranceMS)
	envInt64("MATCHCUT_BUCKET_MS", &c.BucketMS)
	envInt("MATCHCUT_WORKERS", &c.Workers)
	envDur("MATCHCUT_TICK_INTERVAL", &c.TickInterval)
	envDur("MATCHCUT_POLL_INTERVAL", &c.PollInterval)
	envDur("MATCHCUT_LEASE_DURATION", &c.LeaseDuration)
	envDur("MATCHCUT_STITCH_TIMEOUT", &c.StitchTimeout)
	envDur("MATCHCUT_INFER_TIMEOUT", &c.InferTimeout)
	envDur("MATCHCUT_OFFLOAD_TIMEOUT", &c.OffloadTimeout)
	envDur("MATCHCUT_BACKOFF_BASE", &c.Backoff.Base)
	envFloat("MATCHCUT_BACKOFF_FACTOR", &c.Backoff.Factor)
	envDur("MATCHCUT_BACKOFF_CAP", &c.Backoff.Cap)
	envInt("MATCHCUT_BACKOFF_MAX_ATTEMPTS", &c.Backoff.MaxAttempts)
	envStr("MATCHCUT_STITCH_COMMAND", &c.StitchCommand)
	envStr("MATCHCUT_DETECTOR_COMMAND", &c.DetectorCommand)
	envStr("MATCHCUT_OUTPUT_DIR", &c.OutputDir)
	envStr("MATCHCUT_LAYOUT", &c.Layout)
	envStr("MATCHCUT_VIEWER_URL", &c.Viewer.URL)
	envStr("MATCHCUT_VIEWER_TOKEN", &c.Viewer.Token)
	envDur("MATCHCUT_VIEWER_TIMEOUT", &c.Viewer.Timeout)
	envStr("MATCHCUT_PUBLISHER", &c.Publisher)
	envStr("MATCHCUT_MINIO_ENDPOINT", &c.MinIO.Endpoint)
	envStr("MATCHCUT_MINIO_ACCESS_KEY", &c.MinIO.AccessKey)
	envStr("MATCHCUT_MINIO_SECRET_KEY", &c.MinIO.SecretKey)
	envStr("MATCHCUT_MINIO_BUCKET", &c.MinIO.Bucket)
	envBool("MATCHCUT_MINIO_USE_SSL", &c.MinIO.UseSSL)
}

func (c Config) validate() error {
	switch strings.ToLower(c.StoreBackend) {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q (want memory or sqlite)", c.StoreBackend)
	}
	switch strings.ToLower(c.Publisher) {
	case "local", "minio":
	default:
		return fmt.Errorf("unknown publisher %q (want local or minio)", c.Publisher)
	}
	if strings.ToLower(c.Publisher) == "minio" && strings.TrimSpace(c.MinIO.Endpoint) == "" {
		return fmt.Errorf("publisher minio requires MATCHCUT_MINIO_ENDPOINT")
	}
	if c.ToleranceMS < 0 || c.BucketMS <= 0 {
		return fmt.Errorf("tolerance_ms must be >= 0 and bucket_ms > 0")
	}
	return nil
}

func envStr(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDur(key string, dst *time.Duration) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envBool(key string, dst *bool) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
