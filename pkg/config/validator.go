package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/phuslu/log"

	"github.com/xhad/lexqa/internal/types"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func validURL(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate LLM config
	if c.LLM.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "Ollama base URL is required",
		})
	} else if !validURL(c.LLM.BaseURL, "http", "https") {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "invalid Ollama base URL",
		})
	}

	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 8192 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_tokens",
			Message: "max_tokens must be between 1 and 8192",
		})
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: "temperature must be between 0 and 2",
		})
	}

	if c.LLM.MaxAttempts < 1 || c.Embedding.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_attempts",
			Message: "max_attempts must be at least 1",
		})
	}

	// Validate Embedding config
	if c.Embedding.BaseURL != "" && !validURL(c.Embedding.BaseURL, "http", "https") {
		errors = append(errors, ValidationError{
			Field:   "embedding.base_url",
			Message: "invalid embedding base URL",
		})
	}

	if c.Embedding.Concurrency < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedding.concurrency",
			Message: "concurrency must be positive",
		})
	}

	// Validate Database config
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "database URL is required for the postgres driver",
			})
		} else if !validURL(c.Database.URL, "postgres", "postgresql") {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "invalid database URL",
			})
		}
	case "memory":
	default:
		errors = append(errors, ValidationError{
			Field:   "database.driver",
			Message: fmt.Sprintf("unknown driver %q, want postgres or memory", c.Database.Driver),
		})
	}

	if c.Database.VectorDim < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.vector_dim",
			Message: "vector_dim must be positive",
		})
	}

	if c.Database.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.batch_size",
			Message: "batch_size must be positive",
		})
	}

	// Validate Source config
	if c.Source.MaxDepth < 0 {
		errors = append(errors, ValidationError{
			Field:   "source.max_depth",
			Message: "max_depth must not be negative",
		})
	}

	if c.Source.RateLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "source.rate_limit",
			Message: "rate_limit must be positive",
		})
	}

	// Validate extensions format
	for _, ext := range c.Source.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") && ext != "" && ext != "/" {
			errors = append(errors, ValidationError{
				Field:   "source.allowed_extensions",
				Message: fmt.Sprintf("invalid extension format: %s", ext),
			})
		}
	}

	// Validate Processor config
	if c.Processor.ChunkSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_size",
			Message: "chunk_size must be positive",
		})
	}

	if c.Processor.ChunkOverlap < 0 || c.Processor.ChunkOverlap >= c.Processor.ChunkSize {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_overlap",
			Message: "chunk_overlap must be non-negative and less than chunk_size",
		})
	}

	// Validate Retrieval config
	if c.Retrieval.TopK < 1 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.top_k",
			Message: "top_k must be at least 1",
		})
	}

	// Validate Memory config
	switch c.Memory.Backend {
	case "memory":
	case "redis":
		if !validURL(c.Memory.RedisURL, "redis", "rediss") {
			errors = append(errors, ValidationError{
				Field:   "memory.redis_url",
				Message: "a redis:// URL is required for the redis backend",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "memory.backend",
			Message: fmt.Sprintf("unknown backend %q, want memory or redis", c.Memory.Backend),
		})
	}

	if c.Memory.WindowTurns < 1 || c.Memory.WindowTurns > c.Memory.MaxTurns {
		errors = append(errors, ValidationError{
			Field:   "memory.window_turns",
			Message: "window_turns must be between 1 and max_turns",
		})
	}

	// Validate Server config
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Message: "port must be between 1 and 65535",
		})
	}

	// Validate Logging config
	if log.ParseLevel(strings.ToLower(c.Logging.Level)) == log.InfoLevel && !strings.EqualFold(c.Logging.Level, "info") {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("unknown level %q", c.Logging.Level),
		})
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Message: "format must be console or json",
		})
	}

	return errors
}

// Err joins the validation errors behind types.ErrInvalidConfig, or returns nil.
func (c *Config) Err() error {
	verrs := c.Validate()
	if len(verrs) == 0 {
		return nil
	}
	errs := make([]error, 0, len(verrs)+1)
	errs = append(errs, types.ErrInvalidConfig)
	for _, e := range verrs {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}
