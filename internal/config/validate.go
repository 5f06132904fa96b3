package config

import (
	"fmt"

	cerr "github.com/entrolution/causantic/internal/errors"
)

// Validate checks every field against its allowed range.
// Violations are reported as invalid-input errors with a "config" detail so
// the CLI maps them to exit code 3.
func (c *Config) Validate() error {
	if c.Paths.DataDir == "" {
		return configError("paths.data_dir", "must not be empty")
	}
	if c.Chunking.MaxTokens < 256 || c.Chunking.MaxTokens > 32768 {
		return configError("chunking.max_tokens", fmt.Sprintf("must be in [256, 32768], got %d", c.Chunking.MaxTokens))
	}
	if c.Chunking.StreamThresholdBytes <= 0 {
		return configError("chunking.stream_threshold_bytes", "must be positive")
	}
	if c.Edges.BoostFactor <= 0 || c.Edges.BoostFactor >= 1 {
		return configError("edges.boost_factor", fmt.Sprintf("must be in (0, 1), got %g", c.Edges.BoostFactor))
	}
	if c.Retrieval.K < 1 || c.Retrieval.K > 1000 {
		return configError("retrieval.k", fmt.Sprintf("must be in [1, 1000], got %d", c.Retrieval.K))
	}
	if c.Retrieval.RRFConstant < 1 {
		return configError("retrieval.rrf_constant", "must be at least 1")
	}
	if c.Retrieval.MMRLambda < 0 || c.Retrieval.MMRLambda > 1 {
		return configError("retrieval.mmr_lambda", fmt.Sprintf("must be in [0, 1], got %g", c.Retrieval.MMRLambda))
	}
	if c.Retrieval.MaxChainDepth < 1 || c.Retrieval.MaxChainDepth > 50 {
		return configError("retrieval.max_chain_depth", fmt.Sprintf("must be in [1, 50], got %d", c.Retrieval.MaxChainDepth))
	}
	if c.Clustering.MinClusterSize < 2 {
		return configError("clustering.min_cluster_size", "must be at least 2")
	}
	if c.Clustering.AssignThreshold <= 0 || c.Clustering.AssignThreshold > 1 {
		return configError("clustering.assign_threshold", fmt.Sprintf("must be in (0, 1], got %g", c.Clustering.AssignThreshold))
	}
	if c.Clustering.ExemplarCount < 1 {
		return configError("clustering.exemplar_count", "must be at least 1")
	}
	if c.Embedding.Dimensions < 1 {
		return configError("embedding.dimensions", "must be positive")
	}
	if c.Embedding.BatchSize < 1 || c.Embedding.BatchSize > 1024 {
		return configError("embedding.batch_size", fmt.Sprintf("must be in [1, 1024], got %d", c.Embedding.BatchSize))
	}
	if c.Labeler.RatePerMinute < 1 {
		return configError("labeler.rate_per_minute", "must be at least 1")
	}
	switch c.Encryption.KeySource {
	case KeySourceKeystore, KeySourceEnv, KeySourcePrompt:
	default:
		return configError("encryption.key_source",
			fmt.Sprintf("must be one of keystore, env, prompt; got %q", c.Encryption.KeySource))
	}
	if c.Encryption.KeySource == KeySourceEnv && c.Encryption.EnvVar == "" {
		return configError("encryption.env_var", "must be set when key_source is env")
	}
	return nil
}

func configError(field, msg string) error {
	return cerr.Invalid(fmt.Sprintf("%s: %s", field, msg)).WithDetail("config", field)
}
