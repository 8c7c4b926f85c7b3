package config

import "time"

// Option overrides a setting after the file and environment are applied.
type Option func(*Config)

// WithInputs sets the input document paths. Empty paths are left alone.
func WithInputs(dfd, controls, threats string) Option {
	return func(c *Config) {
		if dfd != "" {
			c.Inputs.DFD = dfd
		}
		if controls != "" {
			c.Inputs.Controls = controls
		}
		if threats != "" {
			c.Inputs.Threats = threats
		}
	}
}

// WithOutputDir sets the output directory.
func WithOutputDir(dir string) Option {
	return func(c *Config) {
		if dir != "" {
			c.Output.Dir = dir
		}
	}
}

// WithAPIKey sets the generative backend credentials.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		if key != "" {
			c.LLM.APIKey = key
		}
	}
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(c *Config) {
		if model != "" {
			c.LLM.Model = model
		}
	}
}

// WithGeneration enables or disables candidate generation.
func WithGeneration(enabled bool) Option {
	return func(c *Config) {
		c.Generation.Enabled = enabled
	}
}

// WithConcurrency sets the worker pool size.
func WithConcurrency(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.Generation.Concurrency = n
		}
	}
}

// WithBudget sets the wall-clock budget of the generation batch.
func WithBudget(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Generation.Budget = d
		}
	}
}

// WithIndustry sets the regulatory profile of risk statements.
func WithIndustry(industry string) Option {
	return func(c *Config) {
		if industry != "" {
			c.Refinement.Industry = industry
		}
	}
}

// WithOffline restricts feeds to the local KEV snapshot.
func WithOffline(offline bool) Option {
	return func(c *Config) {
		if offline {
			c.Feeds.Offline = true
		}
	}
}

// WithEmbedding selects the embedding provider.
func WithEmbedding(provider string) Option {
	return func(c *Config) {
		if provider != "" {
			c.Embedding.Provider = provider
		}
	}
}

// WithLogLevel sets the log level.
func WithLogLevel(level string) Option {
	return func(c *Config) {
		if level != "" {
			c.Logging.Level = level
		}
	}
}

// WithAuditLog enables the JSONL audit trail.
func WithAuditLog(path string) Option {
	return func(c *Config) {
		if path != "" {
			c.Output.AuditLog = path
		}
	}
}

// WithMetricsFile enables the Prometheus textfile.
func WithMetricsFile(path string) Option {
	return func(c *Config) {
		if path != "" {
			c.Output.MetricsFile = path
		}
	}
}
