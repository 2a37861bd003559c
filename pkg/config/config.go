// Package config loads gateway configuration from an optional YAML file and
// applies the environment variable overrides spec.md §6 names explicitly.
// Environment variables always win over file values, matching the
// twelve-factor pattern the teacher repo applies in its own cmd entrypoints.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every externally tunable knob the gateway reads at startup.
type Config struct {
	// GemmaRiskServerURL is the risk-scoring model endpoint (§4.4, §6).
	GemmaRiskServerURL string `yaml:"gemma_risk_server_url"`
	// TelemetrySecret gates websocket upgrades when non-empty (§4.7).
	TelemetrySecret string `yaml:"telemetry_secret"`
	// WasmPath points at the wasm module the sandbox supervisor loads (§4.2).
	WasmPath string `yaml:"aeon_wasm_path"`
	// Secure is loaded from aeon_secure / AEON_SECURE. No startup check
	// reads it; signed specs are not checked whatever its value.
	Secure bool `yaml:"aeon_secure"`
	// Home is the AEON state root; keyring, mandates, and the ledger all
	// live under it, at fixed paths derived from Home.
	Home string `yaml:"home"`

	// RecycleThreshold is the sandbox call-count recycle default (§4.2).
	RecycleThreshold int `yaml:"recycle_threshold"`
	// SandboxCallTimeout bounds a single sandbox call (Open Question, §9).
	SandboxCallTimeout time.Duration `yaml:"sandbox_call_timeout"`

	// RedisAddr, when set, switches the admission pipeline's rate limiter
	// to the shared Redis-backed token bucket (SPEC_FULL.md §4.1.a).
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// ArchiveS3Bucket names the S3 bucket for ledger cold archival
	// (SPEC_FULL.md §4.3.a). It is loaded but not read by the gateway,
	// which does not choose an archive sink from it.
	ArchiveS3Bucket string `yaml:"archive_s3_bucket"`

	// ListenAddr is where the telemetry websocket, /health and /metrics
	// endpoints are served.
	ListenAddr string `yaml:"listen_addr"`

	// MCPPrefix names the stderr line prefix (§4.8, §6); defaults to
	// "[AEON_MCP]". It is not passed to the host orchestrator, which always
	// scans for its built-in "[AEON_MCP]" pattern.
	MCPPrefix string `yaml:"mcp_prefix"`

	// HeartbeatInterval controls the host orchestrator's periodic
	// HEARTBEAT signal (§4.8).
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

func defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		GemmaRiskServerURL: "http://127.0.0.1:8001/score_risk",
		WasmPath:           "",
		Home:               home,
		RecycleThreshold:   50,
		SandboxCallTimeout: 30 * time.Second,
		ListenAddr:         ":8088",
		MCPPrefix:          "[AEON_MCP]",
		HeartbeatInterval:  2 * time.Second,
	}
}

// Load reads path (if non-empty and present) into a Config seeded with
// defaults, then applies environment variable overrides. A missing path is
// not an error: the gateway can run on environment variables and defaults
// alone.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GEMMA_RISK_SERVER_URL"); v != "" {
		cfg.GemmaRiskServerURL = v
	}
	if v := os.Getenv("TELEMETRY_SECRET"); v != "" {
		cfg.TelemetrySecret = v
	}
	if v := os.Getenv("AEON_WASM_PATH"); v != "" {
		cfg.WasmPath = v
	}
	if v := os.Getenv("AEON_SECURE"); v != "" {
		cfg.Secure = v == "1" || v == "true"
	}
	if v := os.Getenv("HOME"); v != "" {
		cfg.Home = v
	}
	if v := os.Getenv("AEON_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("AEON_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AEON_ARCHIVE_S3_BUCKET"); v != "" {
		cfg.ArchiveS3Bucket = v
	}
	if v := os.Getenv("AEON_SANDBOX_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SandboxCallTimeout = d
		}
	}
	if v := os.Getenv("AEON_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
}

// LedgerPath returns the path to the SQLite ledger file under Home.
func (c *Config) LedgerPath() string {
	return c.Home + "/.aeon/ledger.db"
}

// ArchiveDir returns the local JSONL archive directory under Home.
func (c *Config) ArchiveDir() string {
	return c.Home + "/.aeon/archive"
}

// KeyringDir returns the keyring directory under Home.
func (c *Config) KeyringDir() string {
	return c.Home + "/.aeon/keyring"
}

// MandatesDir and CandidatesDir locate the mandate lifecycle directories.
func (c *Config) MandatesDir() string    { return c.Home + "/mandates" }
func (c *Config) CandidatesDir() string  { return c.Home + "/candidates" }
func (c *Config) ArchiveSnapshotsDir() string { return c.Home + "/.aeon/territory-archive" }
