package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/lexqa/internal/models"
	"github.com/xhad/lexqa/internal/types"
)

func TestLoadConfig(t *testing.T) {
	// Create temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configData := `
llm:
  base_url: "http://localhost:11434"
  model: "llama3.1"
  max_tokens: 1000
  temperature: 0.5
  timeout: 90s
  tool_mode: true

embedding:
  model: "nomic-embed-text:latest"
  concurrency: 8

database:
  url: "postgres://localhost:5432/test"
  table_name: "test_chunks"
  vector_dim: 768
  batch_size: 50

source:
  max_depth: 1
  rate_limit: 1.5
  ignore_patterns:
    - "/test/"
  allowed_extensions:
    - ".html"
    - "/"

processor:
  chunk_size: 500
  chunk_overlap: 100
  boundary_tolerance: -1

retrieval:
  top_k: 6
  filter:
    source: DV_Act_2005

memory:
  window_turns: 10
  ttl: 1h

document:
  source: DV_Act_2005
  jurisdiction: India
  year: 2005
`
	err := os.WriteFile(configPath, []byte(configData), 0644)
	require.NoError(t, err)

	// Test loading config
	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	// Verify loaded values
	assert.Equal(t, "llama3.1", config.LLM.Model)
	assert.Equal(t, 1000, config.LLM.MaxTokens)
	assert.Equal(t, 0.5, config.LLM.Temperature)
	assert.Equal(t, 90*time.Second, config.LLM.Timeout)
	assert.True(t, config.LLM.ToolMode)
	assert.Equal(t, 8, config.Embedding.Concurrency)
	assert.Equal(t, "postgres://localhost:5432/test", config.Database.URL)
	assert.Equal(t, 1, config.Source.MaxDepth)
	assert.Equal(t, 500, config.Processor.ChunkSize)
	assert.Equal(t, -1, config.Processor.BoundaryTolerance)
	assert.Equal(t, 6, config.Retrieval.TopK)
	assert.Equal(t, "DV_Act_2005", config.Retrieval.Filter["source"])
	assert.Equal(t, time.Hour, config.Memory.TTL)

	// Defaults fill the rest
	assert.Equal(t, "memory", config.Memory.Backend)
	assert.Equal(t, 100, config.Memory.MaxTurns)
	assert.Equal(t, 8080, config.Server.Port)

	assert.Empty(t, config.Validate())
	assert.NoError(t, config.Err())

	meta := config.DocumentMetadata()
	assert.Equal(t, "DV_Act_2005", meta.Source())
	assert.Equal(t, "statute", meta[models.MetaDocumentType])
	assert.Equal(t, 2005, meta[models.MetaYear])
}

func TestDefaults(t *testing.T) {
	c := Default()

	assert.Equal(t, 1000, c.Processor.ChunkSize)
	assert.Equal(t, 200, c.Processor.ChunkOverlap)
	assert.Equal(t, 100, c.Processor.BoundaryTolerance)
	assert.Equal(t, 4, c.Retrieval.TopK)
	assert.Equal(t, 20, c.Memory.WindowTurns)
	assert.Equal(t, 768, c.Database.VectorDim)
	// no ivfflat index unless configured, so search ordering stays exact
	assert.Equal(t, 0, c.Database.IndexLists)
	assert.Equal(t, 0, c.VectorStoreConfig().IndexLists)
	assert.Equal(t, 3, c.Embedding.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, c.Embedding.InitialBackoff)
	assert.Equal(t, c.LLM.BaseURL, c.Embedding.BaseURL)

	// postgres is the default driver and needs a URL
	errs := c.Validate()
	require.Len(t, errs, 1)
	assert.Equal(t, "database.url", errs[0].Field)

	c.Database.Driver = "memory"
	assert.Empty(t, c.Validate())
}

func TestConfigValidation(t *testing.T) {
	c := Default()
	c.Database.Driver = "memory"
	c.LLM.BaseURL = "invalid-url"
	c.LLM.MaxTokens = 50000
	c.LLM.Temperature = 3.0
	c.Database.VectorDim = -1
	c.Processor.ChunkOverlap = 1000
	c.Memory.Backend = "redis"
	c.Logging.Level = "loud"

	errors := c.Validate()
	fields := make([]string, len(errors))
	for i, e := range errors {
		fields[i] = e.Field
	}
	assert.Equal(t, []string{
		"llm.base_url",
		"llm.max_tokens",
		"llm.temperature",
		"database.vector_dim",
		"processor.chunk_overlap",
		"memory.redis_url",
		"logging.level",
	}, fields)
	assert.Contains(t, errors[2].Error(), "temperature: temperature must be between 0 and 2")

	err := c.Err()
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "processor.chunk_overlap")
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "http://env-ollama:11434")
	t.Setenv("DATABASE_URL", "postgres://env-db:5432/test")
	t.Setenv("REDIS_URL", "redis://env-redis:6379/0")
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")

	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)

	assert.Equal(t, "http://env-ollama:11434", config.LLM.BaseURL)
	assert.Equal(t, "http://env-ollama:11434", config.Embedding.BaseURL)
	assert.Equal(t, "postgres://env-db:5432/test", config.Database.URL)
	assert.Equal(t, "redis", config.Memory.Backend)
	assert.Equal(t, 9090, config.Server.Port)
	assert.Equal(t, "debug", config.Logging.Level)
	assert.Empty(t, config.Validate())
}

func TestConversions(t *testing.T) {
	c := Default()

	pc := c.ProcessorConfig()
	assert.Equal(t, 1000, pc.ChunkSize)

	ec := c.EmbedderConfig()
	assert.Equal(t, 768, ec.Dimension)
	assert.Equal(t, 3, ec.Retry.MaxAttempts)

	cc := c.ChatConfig()
	assert.Equal(t, "mistral", cc.Model)
	assert.Equal(t, 3, cc.MaxToolCalls)

	assert.Equal(t, ":8080", c.Addr())
	assert.Equal(t, 8080, c.ServerConfig().Port)
	assert.Equal(t, 20, c.PipelineConfig().WindowTurns)
}
