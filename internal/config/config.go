package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pingsantohq/dlspeed/pkg/types"
)

const (
	envConfigPath     = "DLSPEED_CONFIG"
	DefaultConfigPath = "/etc/dlspeed/config.yaml"

	defaultRangeEnd  = 100000000
	defaultChunkSize = 32 << 10
)

type Config struct {
	Run       RunConfig       `yaml:"run"`
	Targets   TargetsConfig   `yaml:"targets"`
	Probe     ProbeConfig     `yaml:"probe"`
	Transport TransportConfig `yaml:"transport"`
	Output    OutputConfig    `yaml:"output"`
	Log       LogConfig       `yaml:"log"`
}

type RunConfig struct {
	Workers     int           `yaml:"workers"`
	Policy      string        `yaml:"policy"`
	RunTimeout  time.Duration `yaml:"run_timeout"`
	LaunchRate  float64       `yaml:"launch_rate"`
	LaunchBurst int           `yaml:"launch_burst"`
}

type TargetsConfig struct {
	URLs      []string `yaml:"urls,omitempty"`
	URL       string   `yaml:"url"`
	Repeat    int      `yaml:"repeat"`
	File      string   `yaml:"file"`
	PublicKey string   `yaml:"public_key"`
}

type ProbeConfig struct {
	PreflightHEAD bool          `yaml:"preflight_head"`
	RangeEnd      string        `yaml:"range_end"`
	Stop          string        `yaml:"stop"`
	Budget        time.Duration `yaml:"budget"`
	Reissue       bool          `yaml:"reissue"`
	ChunkSize     string        `yaml:"chunk_size"`
	UserAgent     string        `yaml:"user_agent"`
}

type TransportConfig struct {
	HTTP2                 bool          `yaml:"http2"`
	DNSResolvers          []string      `yaml:"dns_resolvers"`
	DNSCacheSize          int           `yaml:"dns_cache_size"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	TLS                   TLSConfig     `yaml:"tls"`
}

type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type OutputConfig struct {
	Scale           string `yaml:"scale"`
	Precision       int    `yaml:"precision"`
	JSON            bool   `yaml:"json"`
	Verbose         bool   `yaml:"verbose"`
	MetricsTextfile string `yaml:"metrics_textfile"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Run: RunConfig{
			Policy: string(types.PolicySumBytesOverWindow),
		},
		Targets: TargetsConfig{
			Repeat: 20,
		},
		Probe: ProbeConfig{
			PreflightHEAD: true,
			RangeEnd:      fmt.Sprint(defaultRangeEnd),
			Stop:          string(types.StopTotalBudget),
			Budget:        10 * time.Second,
			Reissue:       true,
			ChunkSize:     "32KiB",
			UserAgent:     "dlspeed/1",
		},
		Transport: TransportConfig{
			HTTP2:                 true,
			DNSResolvers:          []string{"system"},
			DNSCacheSize:          256,
			DialTimeout:           5 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
		},
		Output: OutputConfig{
			Scale:     "binary",
			Precision: -1,
		},
		Log: LogConfig{
			Level: "warn",
		},
	}
}

// Load reads path and overlays it on Default.
func Load(ctx context.Context, path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	return cfg, nil
}

func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(ctx, path)
}

// LoadOptional behaves like Load for an explicit path. With an empty path it
// falls back to the environment and default locations, and to Default when
// neither exists.
func LoadOptional(ctx context.Context, path string) (Config, error) {
	if path != "" {
		return Load(ctx, path)
	}
	if env := os.Getenv(envConfigPath); env != "" {
		return Load(ctx, env)
	}
	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return Load(ctx, DefaultConfigPath)
	}
	return Default(), nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, err := types.ParsePolicy(c.Run.Policy); err != nil {
		return err
	}
	if c.Run.Workers < 0 {
		return fmt.Errorf("run.workers must be >= 0")
	}
	if c.Run.RunTimeout < 0 {
		return fmt.Errorf("run.run_timeout must be >= 0")
	}
	if c.Run.LaunchRate < 0 {
		return fmt.Errorf("run.launch_rate must be >= 0")
	}
	if c.Targets.Repeat < 0 {
		return fmt.Errorf("targets.repeat must be >= 0")
	}
	if c.Targets.PublicKey != "" && c.Targets.File == "" {
		return fmt.Errorf("targets.public_key requires targets.file")
	}
	if _, err := types.ParseStopShape(c.Probe.Stop); err != nil {
		return err
	}
	if c.Probe.Budget <= 0 {
		return fmt.Errorf("probe.budget must be positive")
	}
	if _, err := c.RangeEndBytes(); err != nil {
		return err
	}
	if _, err := c.ChunkSizeBytes(); err != nil {
		return err
	}
	for _, r := range c.Transport.DNSResolvers {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("transport.dns_resolvers contains an empty entry")
		}
	}
	if (c.Transport.TLS.CertFile == "") != (c.Transport.TLS.KeyFile == "") {
		return fmt.Errorf("transport.tls.cert_file and key_file must be set together")
	}
	switch strings.ToLower(c.Output.Scale) {
	case "", "binary", "decimal":
	default:
		return fmt.Errorf("unknown output.scale %q", c.Output.Scale)
	}
	if c.Output.Precision < -1 {
		return fmt.Errorf("output.precision must be >= -1")
	}
	// Malformed URLs surface as InvalidUrl probe failures; only blanks are config errors.
	for _, raw := range c.TargetURLs() {
		if strings.TrimSpace(raw) == "" {
			return fmt.Errorf("targets contain an empty url")
		}
	}
	return nil
}

// TargetURLs merges the single url and the url list, in that order.
func (c Config) TargetURLs() []string {
	out := make([]string, 0, len(c.Targets.URLs)+1)
	if c.Targets.URL != "" {
		out = append(out, c.Targets.URL)
	}
	return append(out, c.Targets.URLs...)
}

func (c Config) RangeEndBytes() (int64, error) {
	n, err := ParseSize(c.Probe.RangeEnd, defaultRangeEnd)
	if err != nil {
		return 0, fmt.Errorf("probe.range_end: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("probe.range_end must be positive")
	}
	return n, nil
}

func (c Config) ChunkSizeBytes() (int, error) {
	n, err := ParseSize(c.Probe.ChunkSize, defaultChunkSize)
	if err != nil {
		return 0, fmt.Errorf("probe.chunk_size: %w", err)
	}
	if n <= 0 || n > 64<<20 {
		return 0, fmt.Errorf("probe.chunk_size must be between 1B and 64MiB")
	}
	return int(n), nil
}
