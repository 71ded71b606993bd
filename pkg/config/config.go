// Package config binds node identity, cluster membership, and every
// tunable in the node from built-in defaults, a base YAML file, a
// node-specific YAML file, and CONFMAN_-prefixed environment overrides, in
// that increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ancrist/confman/pkg/barrier"
	"github.com/ancrist/confman/pkg/log"
)

// StorageConfig controls where on-disk state lives.
type StorageConfig struct {
	DataPath string `yaml:"dataPath"`
}

// RaftConfig tunes the batching replicator and snapshot cadence.
type RaftConfig struct {
	BatchMaxSize      int `yaml:"batchMaxSize"`
	BatchMaxWaitMs    int `yaml:"batchMaxWaitMs"`
	BatchMaxBytes     int `yaml:"batchMaxBytes"`
	FlushIntervalMs   int `yaml:"flushIntervalMs"`
	SnapshotInterval  int `yaml:"snapshotInterval"`
}

// ReadBarrierConfig tunes linearizable-read enforcement.
type ReadBarrierConfig struct {
	Enabled     bool   `yaml:"enabled"`
	TimeoutMs   int    `yaml:"timeoutMs"`
	FailureMode string `yaml:"failureMode"`
}

// BlobStoreConfig tunes the blob-backed write path.
type BlobStoreConfig struct {
	Enabled                  bool   `yaml:"enabled"`
	InlineThresholdBytes     int    `yaml:"inlineThresholdBytes"`
	MaxBlobSizeBytes         int64  `yaml:"maxBlobSizeBytes"`
	MaxDecompressedSizeBytes int64  `yaml:"maxDecompressedSizeBytes"`
	ClusterToken             string `yaml:"clusterToken"`
}

// LogConfig tunes structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig holds the metrics listen address. The node does not open a
// separate listener for it: /metrics and the health endpoints are served on
// the public endpoint's listener.
type MetricsConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// Config is the fully-resolved node configuration.
type Config struct {
	NodeID         string            `yaml:"nodeId"`
	PublicEndpoint string            `yaml:"publicEndPoint"`
	Members        []string          `yaml:"members"`
	Storage        StorageConfig     `yaml:"storage"`
	Raft           RaftConfig        `yaml:"raft"`
	ReadBarrier    ReadBarrierConfig `yaml:"readBarrier"`
	BlobStore      BlobStoreConfig   `yaml:"blobStore"`
	Log            LogConfig         `yaml:"log"`
	Metrics        MetricsConfig     `yaml:"metrics"`
}

// Defaults returns the built-in baseline, matching the values named in the
// node's external-interface table.
func Defaults() Config {
	return Config{
		Storage: StorageConfig{DataPath: ""},
		Raft: RaftConfig{
			BatchMaxSize:     50,
			BatchMaxWaitMs:   1,
			BatchMaxBytes:    4 << 20,
			FlushIntervalMs:  100,
			SnapshotInterval: 100,
		},
		ReadBarrier: ReadBarrierConfig{
			Enabled:     true,
			TimeoutMs:   5000,
			FailureMode: string(barrier.ModeReject),
		},
		BlobStore: BlobStoreConfig{
			Enabled:                  true,
			InlineThresholdBytes:     65536,
			MaxBlobSizeBytes:         50 << 20,
			MaxDecompressedSizeBytes: 200 << 20,
		},
		Log: LogConfig{
			Level: string(log.InfoLevel),
			JSON:  true,
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9090",
		},
	}
}

// Load resolves the final Config: defaults, then baseYAMLPath (optional),
// then nodeYAMLPath (optional), then CONFMAN_ environment overrides.
// Malformed-override warnings are written straight to stderr rather than
// through the global logger.
func Load(baseYAMLPath, nodeYAMLPath string) (Config, error) {
	cfg := Defaults()

	for _, path := range []string{baseYAMLPath, nodeYAMLPath} {
		if path == "" {
			continue
		}
		if err := mergeYAMLFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.NodeID == "" {
		return Config{}, fmt.Errorf("config: node id is required (set nodeId or CONFMAN_NODE_ID)")
	}
	if cfg.Storage.DataPath == "" {
		cfg.Storage.DataPath = dataPathForEndpoint(cfg.PublicEndpoint)
	}
	return cfg, nil
}

func mergeYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// dataPathForEndpoint derives the default ./data-{port} root from the
// node's own advertised endpoint, so several nodes can share one host.
func dataPathForEndpoint(endpoint string) string {
	port := "0"
	if idx := strings.LastIndex(endpoint, ":"); idx != -1 {
		port = endpoint[idx+1:]
	}
	return "./data-" + port
}

type envBinding struct {
	key   string
	apply func(cfg *Config, v string)
}

var envBindings = []envBinding{
	{"CONFMAN_NODE_ID", func(c *Config, v string) { c.NodeID = v }},
	{"CONFMAN_PUBLIC_ENDPOINT", func(c *Config, v string) { c.PublicEndpoint = v }},
	{"CONFMAN_MEMBERS", func(c *Config, v string) { c.Members = splitNonEmpty(v, ",") }},
	{"CONFMAN_STORAGE_DATA_PATH", func(c *Config, v string) { c.Storage.DataPath = v }},
	{"CONFMAN_RAFT_BATCH_MAX_SIZE", intBinding(func(c *Config) *int { return &c.Raft.BatchMaxSize })},
	{"CONFMAN_RAFT_BATCH_MAX_WAIT_MS", intBinding(func(c *Config) *int { return &c.Raft.BatchMaxWaitMs })},
	{"CONFMAN_RAFT_BATCH_MAX_BYTES", intBinding(func(c *Config) *int { return &c.Raft.BatchMaxBytes })},
	{"CONFMAN_RAFT_FLUSH_INTERVAL_MS", intBinding(func(c *Config) *int { return &c.Raft.FlushIntervalMs })},
	{"CONFMAN_RAFT_SNAPSHOT_INTERVAL", intBinding(func(c *Config) *int { return &c.Raft.SnapshotInterval })},
	{"CONFMAN_READ_BARRIER_ENABLED", boolBinding(func(c *Config) *bool { return &c.ReadBarrier.Enabled })},
	{"CONFMAN_READ_BARRIER_TIMEOUT_MS", intBinding(func(c *Config) *int { return &c.ReadBarrier.TimeoutMs })},
	{"CONFMAN_READ_BARRIER_FAILURE_MODE", func(c *Config, v string) { c.ReadBarrier.FailureMode = v }},
	{"CONFMAN_BLOB_STORE_ENABLED", boolBinding(func(c *Config) *bool { return &c.BlobStore.Enabled })},
	{"CONFMAN_BLOB_STORE_INLINE_THRESHOLD_BYTES", intBinding(func(c *Config) *int { return &c.BlobStore.InlineThresholdBytes })},
	{"CONFMAN_BLOB_STORE_MAX_BLOB_SIZE_BYTES", int64Binding(func(c *Config) *int64 { return &c.BlobStore.MaxBlobSizeBytes })},
	{"CONFMAN_BLOB_STORE_MAX_DECOMPRESSED_SIZE_BYTES", int64Binding(func(c *Config) *int64 { return &c.BlobStore.MaxDecompressedSizeBytes })},
	{"CONFMAN_BLOB_STORE_CLUSTER_TOKEN", func(c *Config, v string) { c.BlobStore.ClusterToken = v }},
	{"CONFMAN_LOG_LEVEL", func(c *Config, v string) { c.Log.Level = v }},
	{"CONFMAN_LOG_JSON", boolBinding(func(c *Config) *bool { return &c.Log.JSON })},
	{"CONFMAN_METRICS_LISTEN_ADDR", func(c *Config, v string) { c.Metrics.ListenAddr = v }},
}

func applyEnvOverrides(cfg *Config) {
	for _, b := range envBindings {
		if v, ok := os.LookupEnv(b.key); ok {
			b.apply(cfg, v)
		}
	}
}

func intBinding(field func(*Config) *int) func(*Config, string) {
	return func(c *Config, v string) {
		n, err := strconv.Atoi(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: ignoring malformed integer override %q\n", v)
			return
		}
		*field(c) = n
	}
}

func int64Binding(field func(*Config) *int64) func(*Config, string) {
	return func(c *Config, v string) {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: ignoring malformed integer override %q\n", v)
			return
		}
		*field(c) = n
	}
}

func boolBinding(field func(*Config) *bool) func(*Config, string) {
	return func(c *Config, v string) {
		b, err := strconv.ParseBool(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: ignoring malformed boolean override %q\n", v)
			return
		}
		*field(c) = b
	}
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// BarrierMode parses ReadBarrier.FailureMode into a barrier.FailureMode,
// falling back to ModeReject on an unrecognized value.
func (c Config) BarrierMode() barrier.FailureMode {
	switch barrier.FailureMode(c.ReadBarrier.FailureMode) {
	case barrier.ModeTimeout:
		return barrier.ModeTimeout
	case barrier.ModeStale:
		return barrier.ModeStale
	default:
		return barrier.ModeReject
	}
}
