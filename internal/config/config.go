// Package config loads, validates, and persists engine configuration.
// The config file lives in the data root as config.json; a YAML variant is
// accepted when present. Environment variables (CAUSANTIC_*) override both.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	cerr "github.com/entrolution/causantic/internal/errors"
)

// CurrentVersion is the config schema version written by this build.
const CurrentVersion = 1

// KeySource enumerates where the at-rest encryption key comes from.
type KeySource string

const (
	KeySourceKeystore KeySource = "keystore"
	KeySourceEnv      KeySource = "env"
	KeySourcePrompt   KeySource = "prompt"
)

// Config is the complete engine configuration.
type Config struct {
	Version     int               `yaml:"version" json:"version"`
	Paths       PathsConfig       `yaml:"paths" json:"paths"`
	Chunking    ChunkingConfig    `yaml:"chunking" json:"chunking"`
	Edges       EdgesConfig       `yaml:"edges" json:"edges"`
	Retrieval   RetrievalConfig   `yaml:"retrieval" json:"retrieval"`
	Clustering  ClusteringConfig  `yaml:"clustering" json:"clustering"`
	Embedding   EmbeddingConfig   `yaml:"embedding" json:"embedding"`
	Labeler     LabelerConfig     `yaml:"labeler" json:"labeler"`
	Encryption  EncryptionConfig  `yaml:"encryption" json:"encryption"`
	Maintenance MaintenanceConfig `yaml:"maintenance" json:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
}

// PathsConfig configures where persistent state and transcripts live.
type PathsConfig struct {
	// DataDir is the root for the database, vectors, logs, and key backups.
	// Defaults to ~/.causantic.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// TranscriptRoot is the directory scanned for session transcript files.
	TranscriptRoot string `yaml:"transcript_root" json:"transcript_root"`
}

// ChunkingConfig bounds how turns are packed into chunks.
type ChunkingConfig struct {
	// MaxTokens is the approximate token cap per chunk.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`

	// IncludeThinking includes thinking blocks in chunk content.
	IncludeThinking bool `yaml:"include_thinking" json:"include_thinking"`

	// StreamThresholdBytes switches the parser to streaming mode above this size.
	StreamThresholdBytes int64 `yaml:"stream_threshold_bytes" json:"stream_threshold_bytes"`
}

// EdgesConfig tunes causal edge creation.
type EdgesConfig struct {
	// BoostFactor is the diminishing-returns factor applied when an identical
	// edge is observed again: weight = min(1, weight + (1-weight)*boost).
	BoostFactor float64 `yaml:"boost_factor" json:"boost_factor"`
}

// RetrievalConfig tunes the hybrid query pipeline.
type RetrievalConfig struct {
	// K is the default result budget.
	K int `yaml:"k" json:"k"`

	// RRFConstant is the reciprocal-rank-fusion smoothing constant.
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`

	// MMRLambda balances relevance against diversity in the rerank (0..1).
	MMRLambda float64 `yaml:"mmr_lambda" json:"mmr_lambda"`

	// MaxChainDepth bounds the causal-chain walk.
	MaxChainDepth int `yaml:"max_chain_depth" json:"max_chain_depth"`
}

// ClusteringConfig tunes the HDBSCAN clusterer.
type ClusteringConfig struct {
	// MinClusterSize is the smallest component declared a cluster.
	MinClusterSize int `yaml:"min_cluster_size" json:"min_cluster_size"`

	// AssignThreshold is the max cosine distance for incremental assignment.
	AssignThreshold float64 `yaml:"assign_threshold" json:"assign_threshold"`

	// ExemplarCount is how many representative chunks each cluster keeps.
	ExemplarCount int `yaml:"exemplar_count" json:"exemplar_count"`
}

// EmbeddingConfig describes the external embedder the engine is wired to.
type EmbeddingConfig struct {
	Model      string `yaml:"model" json:"model"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
	BatchSize  int    `yaml:"batch_size" json:"batch_size"`

	// PerItemTimeout bounds each embed call at batch_size * per_item_timeout.
	PerItemTimeout time.Duration `yaml:"per_item_timeout" json:"per_item_timeout"`
}

// LabelerConfig bounds the external cluster labeler.
type LabelerConfig struct {
	// RatePerMinute caps labeler requests (default 30).
	RatePerMinute int `yaml:"rate_per_minute" json:"rate_per_minute"`

	// RequestTimeout bounds each label call.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// EncryptionConfig controls at-rest encryption of the database.
type EncryptionConfig struct {
	// Enabled turns on at-rest encryption of the database.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// KeySource is where the key comes from: keystore, env, or prompt.
	KeySource KeySource `yaml:"key_source" json:"key_source"`

	// EnvVar names the environment variable holding the key when KeySource is env.
	EnvVar string `yaml:"env_var" json:"env_var"`
}

// MaintenanceConfig holds cron expressions for the scheduler's named tasks.
type MaintenanceConfig struct {
	ScanProjects   string `yaml:"scan_projects" json:"scan_projects"`
	PruneGraph     string `yaml:"prune_graph" json:"prune_graph"`
	UpdateClusters string `yaml:"update_clusters" json:"update_clusters"`
	RefreshLabels  string `yaml:"refresh_labels" json:"refresh_labels"`
	Vacuum         string `yaml:"vacuum" json:"vacuum"`
}

// LoggingConfig controls the per-process log.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Version: CurrentVersion,
		Paths: PathsConfig{
			DataDir:        filepath.Join(home, ".causantic"),
			TranscriptRoot: filepath.Join(home, ".claude", "projects"),
		},
		Chunking: ChunkingConfig{
			MaxTokens:            4096,
			IncludeThinking:      true,
			StreamThresholdBytes: 10 * 1024 * 1024,
		},
		Edges: EdgesConfig{
			BoostFactor: 0.1,
		},
		Retrieval: RetrievalConfig{
			K:             10,
			RRFConstant:   60,
			MMRLambda:     0.7,
			MaxChainDepth: 15,
		},
		Clustering: ClusteringConfig{
			MinClusterSize:  4,
			AssignThreshold: 0.10,
			ExemplarCount:   3,
		},
		Embedding: EmbeddingConfig{
			Model:          "embeddinggemma",
			Dimensions:     768,
			BatchSize:      32,
			PerItemTimeout: 2 * time.Second,
		},
		Labeler: LabelerConfig{
			RatePerMinute:  30,
			RequestTimeout: 30 * time.Second,
		},
		Encryption: EncryptionConfig{
			Enabled:   false,
			KeySource: KeySourceKeystore,
			EnvVar:    "CAUSANTIC_DB_KEY",
		},
		Maintenance: MaintenanceConfig{
			ScanProjects:   "*/10 * * * *",
			PruneGraph:     "30 3 * * *",
			UpdateClusters: "0 4 * * *",
			RefreshLabels:  "15 4 * * *",
			Vacuum:         "45 4 * * 0",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config from dataDir, falling back to defaults when no file
// exists. config.json wins over config.yaml. Env overrides apply last.
func Load(dataDir string) (*Config, error) {
	cfg := Default()
	if dataDir != "" {
		cfg.Paths.DataDir = dataDir
	}

	jsonPath := filepath.Join(cfg.Paths.DataDir, "config.json")
	yamlPath := filepath.Join(cfg.Paths.DataDir, "config.yaml")

	switch {
	case fileExists(jsonPath):
		data, err := os.ReadFile(jsonPath)
		if err != nil {
			return nil, cerr.Wrap(cerr.KindInternal, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, cerr.New(cerr.KindInvalidInput, fmt.Sprintf("parse %s: %v", jsonPath, err), err).
				WithDetail("config", "file")
		}
	case fileExists(yamlPath):
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, cerr.Wrap(cerr.KindInternal, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, cerr.New(cerr.KindInvalidInput, fmt.Sprintf("parse %s: %v", yamlPath, err), err).
				WithDetail("config", "file")
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as JSON into its data root.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.Paths.DataDir, 0o755); err != nil {
		return cerr.Wrap(cerr.KindInternal, err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return cerr.Wrap(cerr.KindInternal, err)
	}
	path := filepath.Join(c.Paths.DataDir, "config.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return cerr.Wrap(cerr.KindInternal, err)
	}
	return os.Rename(tmp, path)
}

// DatabasePath returns the SQLite database file path.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "causantic.db")
}

// VectorDir returns the vectors subdirectory.
func (c *Config) VectorDir() string {
	return filepath.Join(c.Paths.DataDir, "vectors")
}

// applyEnvOverrides applies CAUSANTIC_* environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CAUSANTIC_DATA_DIR"); v != "" {
		cfg.Paths.DataDir = v
	}
	if v := os.Getenv("CAUSANTIC_TRANSCRIPT_ROOT"); v != "" {
		cfg.Paths.TranscriptRoot = v
	}
	if v := os.Getenv("CAUSANTIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CAUSANTIC_ENCRYPTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Encryption.Enabled = b
		}
	}
	if v := os.Getenv("CAUSANTIC_KEY_SOURCE"); v != "" {
		cfg.Encryption.KeySource = KeySource(v)
	}
	if v := os.Getenv("CAUSANTIC_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Chunking.MaxTokens = n
		}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
