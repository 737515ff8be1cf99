package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	// EnvAdminJWTSecret overrides RPC.AdminJWTSecret when set.
	EnvAdminJWTSecret = "AUCTION_ADMIN_JWT_SECRET"
	// EnvEnvironment overrides Environment when set.
	EnvEnvironment = "AUCTION_ENV"
)

type Config struct {
	RPCAddress     string          `toml:"RPCAddress" yaml:"rpcAddress"`
	DataDir        string          `toml:"DataDir" yaml:"dataDir"`
	StorageBackend string          `toml:"StorageBackend" yaml:"storageBackend"`
	GenesisFile    string          `toml:"GenesisFile" yaml:"genesisFile"`
	NetworkName    string          `toml:"NetworkName" yaml:"networkName"`
	Environment    string          `toml:"Environment" yaml:"environment"`
	LogLevel       string          `toml:"LogLevel" yaml:"logLevel"`
	MinimumBid     string          `toml:"MinimumBid" yaml:"minimumBid"`
	PausedModules  []string        `toml:"PausedModules" yaml:"pausedModules"`
	RPC            RPCConfig       `toml:"rpc" yaml:"rpc"`
	EventLog       EventLogConfig  `toml:"eventlog" yaml:"eventlog"`
	Telemetry      TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
}

// RPCConfig controls the JSON-RPC surface.
type RPCConfig struct {
	RateLimitPerSecond   float64 `toml:"RateLimitPerSecond" yaml:"rateLimitPerSecond"`
	RateLimitBurst       int     `toml:"RateLimitBurst" yaml:"rateLimitBurst"`
	SignatureSkewSeconds int64   `toml:"SignatureSkewSeconds" yaml:"signatureSkewSeconds"`
	SignatureTTLSeconds  int64   `toml:"SignatureTTLSeconds" yaml:"signatureTTLSeconds"`
	AdminJWTSecret       string  `toml:"AdminJWTSecret" yaml:"adminJWTSecret"`
	AdminJWTIssuer       string  `toml:"AdminJWTIssuer" yaml:"adminJWTIssuer"`
	ReadHeaderTimeout    int     `toml:"ReadHeaderTimeout" yaml:"readHeaderTimeout"`
	EventBufferSize      int     `toml:"EventBufferSize" yaml:"eventBufferSize"`
}

// EventLogConfig selects the persistent event history. An empty driver keeps
// events in memory only.
type EventLogConfig struct {
	Driver string `toml:"Driver" yaml:"driver"`
	DSN    string `toml:"DSN" yaml:"dsn"`
}

// TelemetryConfig mirrors the OpenTelemetry exporter knobs.
type TelemetryConfig struct {
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure"`
	Headers     string  `toml:"Headers" yaml:"headers"`
	Traces      bool    `toml:"Traces" yaml:"traces"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sampleRatio"`
}

// Default returns the configuration written when no file exists.
func Default() *Config {
	return &Config{
		RPCAddress:     ":8545",
		DataDir:        "./auction-data",
		StorageBackend: "leveldb",
		NetworkName:    "auction-local",
		Environment:    "dev",
		LogLevel:       "info",
		MinimumBid:     "10000000",
		PausedModules:  []string{},
		RPC: RPCConfig{
			RateLimitPerSecond:   20,
			RateLimitBurst:       40,
			SignatureSkewSeconds: 120,
			SignatureTTLSeconds:  600,
			AdminJWTIssuer:       "auctionchain",
			ReadHeaderTimeout:    5,
			EventBufferSize:      1024,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4318",
			Insecure:    true,
			SampleRatio: 1,
		},
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// Load loads the configuration from the given path. TOML is assumed unless the
// file has a .yaml or .yml extension. A missing file is created with defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	if isYAML(path) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
		}
	}

	cfg.applyEnv()
	if cfg.PausedModules == nil {
		cfg.PausedModules = []string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if secret := strings.TrimSpace(os.Getenv(EnvAdminJWTSecret)); secret != "" {
		c.RPC.AdminJWTSecret = secret
	}
	if env := strings.TrimSpace(os.Getenv(EnvEnvironment)); env != "" {
		c.Environment = env
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	}
	return toml.NewEncoder(f).Encode(cfg)
}
