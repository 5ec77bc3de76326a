package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xhad/lexqa/internal/models"
	"github.com/xhad/lexqa/pkg/llm"
	"github.com/xhad/lexqa/pkg/memory"
	"github.com/xhad/lexqa/pkg/pipeline"
	"github.com/xhad/lexqa/pkg/processor"
	"github.com/xhad/lexqa/pkg/source"
	"github.com/xhad/lexqa/pkg/store"
	"github.com/xhad/lexqa/server"
)

type Config struct {
	LLM struct {
		BaseURL        string        `yaml:"base_url"`
		Model          string        `yaml:"model"`
		MaxTokens      int           `yaml:"max_tokens"`
		Temperature    float64       `yaml:"temperature"`
		Timeout        time.Duration `yaml:"timeout"`
		RateLimit      float64       `yaml:"rate_limit"`
		MaxAttempts    int           `yaml:"max_attempts"`
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		ToolMode       bool          `yaml:"tool_mode"`
		MaxToolCalls   int           `yaml:"max_tool_calls"`
		SystemPrompt   string        `yaml:"system_prompt"`
		Disclaimer     string        `yaml:"disclaimer"`
	} `yaml:"llm"`

	Embedding struct {
		BaseURL        string        `yaml:"base_url"`
		Model          string        `yaml:"model"`
		Timeout        time.Duration `yaml:"timeout"`
		RateLimit      float64       `yaml:"rate_limit"`
		MaxAttempts    int           `yaml:"max_attempts"`
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		Concurrency    int           `yaml:"concurrency"`
		BatchSize      int           `yaml:"batch_size"`
	} `yaml:"embedding"`

	Database struct {
		Driver     string `yaml:"driver"` // postgres or memory
		URL        string `yaml:"url"`
		TableName  string `yaml:"table_name"`
		VectorDim  int    `yaml:"vector_dim"`
		BatchSize  int    `yaml:"batch_size"`
		IndexLists int    `yaml:"index_lists"`
	} `yaml:"database"`

	Source struct {
		MaxDepth          int           `yaml:"max_depth"`
		RateLimit         float64       `yaml:"rate_limit"`
		Timeout           time.Duration `yaml:"timeout"`
		IgnorePatterns    []string      `yaml:"ignore_patterns"`
		AllowedExtensions []string      `yaml:"allowed_extensions"`
	} `yaml:"source"`

	Processor struct {
		ChunkSize    int `yaml:"chunk_size"`
		ChunkOverlap int `yaml:"chunk_overlap"`
		// BoundaryTolerance of -1 disables boundary snapping.
		BoundaryTolerance int `yaml:"boundary_tolerance"`
	} `yaml:"processor"`

	Retrieval struct {
		TopK   int                    `yaml:"top_k"`
		Filter map[string]interface{} `yaml:"filter"`
	} `yaml:"retrieval"`

	Memory struct {
		Backend       string        `yaml:"backend"` // memory or redis
		RedisURL      string        `yaml:"redis_url"`
		WindowTurns   int           `yaml:"window_turns"`
		MaxTurns      int           `yaml:"max_turns"`
		TTL           time.Duration `yaml:"ttl"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"memory"`

	Server struct {
		Host            string        `yaml:"host"`
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // console or json
	} `yaml:"logging"`

	// Document is the metadata attached to ingested text unless overridden on the command line.
	Document struct {
		Source       string `yaml:"source"`
		DocumentType string `yaml:"document_type"`
		Jurisdiction string `yaml:"jurisdiction"`
		Year         int    `yaml:"year"`
	} `yaml:"document"`
}

func LoadConfig(path string) (*Config, error) {
	// .env never overrides variables that are already set
	_ = godotenv.Load()

	// If no path provided, try default locations
	if path == "" {
		home, _ := os.UserHomeDir()
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(home, ".config/lexqa/config.yaml"),
			"/etc/lexqa/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %v", err)
	}

	// Merge with environment variables
	mergeWithEnv(&config)

	// Apply defaults for unset values
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

// Default returns the built-in configuration without reading files or the environment.
func Default() *Config {
	config := &Config{}
	applyDefaults(config)
	return config
}

func applyDefaults(config *Config) {
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 1024
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.1
	}
	if config.LLM.BaseURL == "" {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.Timeout == 0 {
		config.LLM.Timeout = 2 * time.Minute
	}
	if config.LLM.MaxAttempts == 0 {
		config.LLM.MaxAttempts = llm.DefaultMaxAttempts
	}
	if config.LLM.InitialBackoff == 0 {
		config.LLM.InitialBackoff = llm.DefaultInitialBackoff
	}
	if config.LLM.MaxToolCalls == 0 {
		config.LLM.MaxToolCalls = 3
	}

	if config.Embedding.Model == "" {
		config.Embedding.Model = "nomic-embed-text:latest"
	}
	if config.Embedding.BaseURL == "" {
		config.Embedding.BaseURL = config.LLM.BaseURL
	}
	if config.Embedding.Timeout == 0 {
		config.Embedding.Timeout = 30 * time.Second
	}
	if config.Embedding.MaxAttempts == 0 {
		config.Embedding.MaxAttempts = llm.DefaultMaxAttempts
	}
	if config.Embedding.InitialBackoff == 0 {
		config.Embedding.InitialBackoff = llm.DefaultInitialBackoff
	}
	if config.Embedding.Concurrency == 0 {
		config.Embedding.Concurrency = pipeline.DefaultEmbedConcurrency
	}
	if config.Embedding.BatchSize == 0 {
		config.Embedding.BatchSize = pipeline.DefaultEmbedBatchSize
	}

	if config.Database.Driver == "" {
		config.Database.Driver = "postgres"
	}
	if config.Database.TableName == "" {
		config.Database.TableName = "statute_chunks"
	}
	if config.Database.VectorDim == 0 {
		config.Database.VectorDim = 768
	}
	if config.Database.BatchSize == 0 {
		config.Database.BatchSize = 100
	}

	if config.Source.RateLimit == 0 {
		config.Source.RateLimit = 2.0
	}
	if config.Source.Timeout == 0 {
		config.Source.Timeout = 30 * time.Second
	}
	if len(config.Source.AllowedExtensions) == 0 {
		config.Source.AllowedExtensions = []string{".html", ".htm", ".txt", "/", ""}
	}

	if config.Processor.ChunkSize == 0 {
		config.Processor.ChunkSize = 1000
	}
	if config.Processor.ChunkOverlap == 0 {
		config.Processor.ChunkOverlap = 200
	}
	if config.Processor.BoundaryTolerance == 0 {
		config.Processor.BoundaryTolerance = 100
	}

	if config.Retrieval.TopK == 0 {
		config.Retrieval.TopK = 4
	}

	if config.Memory.Backend == "" {
		config.Memory.Backend = "memory"
		if config.Memory.RedisURL != "" {
			config.Memory.Backend = "redis"
		}
	}
	if config.Memory.WindowTurns == 0 {
		config.Memory.WindowTurns = pipeline.DefaultWindowTurns
	}
	if config.Memory.MaxTurns == 0 {
		config.Memory.MaxTurns = memory.DefaultMaxTurns
	}
	if config.Memory.TTL == 0 {
		config.Memory.TTL = memory.DefaultTTL
	}
	if config.Memory.SweepInterval == 0 {
		config.Memory.SweepInterval = 10 * time.Minute
	}

	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}
	if config.Server.ReadTimeout == 0 {
		config.Server.ReadTimeout = 15 * time.Second
	}
	if config.Server.WriteTimeout == 0 {
		config.Server.WriteTimeout = 3 * time.Minute
	}
	if config.Server.RequestTimeout == 0 {
		config.Server.RequestTimeout = 2 * time.Minute
	}
	if config.Server.ShutdownTimeout == 0 {
		config.Server.ShutdownTimeout = 30 * time.Second
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "console"
	}

	if config.Document.DocumentType == "" {
		config.Document.DocumentType = "statute"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
		config.Embedding.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.Memory.RedisURL = redisURL
	}
	if port, err := strconv.Atoi(os.Getenv("PORT")); err == nil && port > 0 {
		config.Server.Port = port
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// Addr is the server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) ProcessorConfig() processor.ProcessorConfig {
	return processor.ProcessorConfig{
		ChunkSize:         c.Processor.ChunkSize,
		ChunkOverlap:      c.Processor.ChunkOverlap,
		BoundaryTolerance: c.Processor.BoundaryTolerance,
	}
}

func (c *Config) EmbedderConfig() llm.EmbedderConfig {
	return llm.EmbedderConfig{
		Model:     c.Embedding.Model,
		BaseURL:   c.Embedding.BaseURL,
		Dimension: c.Database.VectorDim,
		Timeout:   c.Embedding.Timeout,
		RateLimit: c.Embedding.RateLimit,
		Retry: llm.RetryConfig{
			MaxAttempts:    c.Embedding.MaxAttempts,
			InitialBackoff: c.Embedding.InitialBackoff,
		},
	}
}

func (c *Config) ChatConfig() llm.ChatConfig {
	return llm.ChatConfig{
		Model:          c.LLM.Model,
		Temperature:    c.LLM.Temperature,
		MaxTokens:      c.LLM.MaxTokens,
		SystemTemplate: c.LLM.SystemPrompt,
		Disclaimer:     c.LLM.Disclaimer,
		BaseURL:        c.LLM.BaseURL,
		Timeout:        c.LLM.Timeout,
		RateLimit:      c.LLM.RateLimit,
		Retry: llm.RetryConfig{
			MaxAttempts:    c.LLM.MaxAttempts,
			InitialBackoff: c.LLM.InitialBackoff,
		},
		ToolMode:     c.LLM.ToolMode,
		MaxToolCalls: c.LLM.MaxToolCalls,
	}
}

func (c *Config) VectorStoreConfig() store.VectorStoreConfig {
	return store.VectorStoreConfig{
		ConnString: c.Database.URL,
		TableName:  c.Database.TableName,
		VectorDim:  c.Database.VectorDim,
		BatchSize:  c.Database.BatchSize,
		IndexLists: c.Database.IndexLists,
	}
}

func (c *Config) LoaderConfig() source.LoaderConfig {
	return source.LoaderConfig{
		MaxDepth:          c.Source.MaxDepth,
		RateLimit:         c.Source.RateLimit,
		Timeout:           c.Source.Timeout,
		IgnorePatterns:    c.Source.IgnorePatterns,
		AllowedExtensions: c.Source.AllowedExtensions,
	}
}

func (c *Config) MemoryConfig() memory.Config {
	return memory.Config{
		MaxTurns: c.Memory.MaxTurns,
		TTL:      c.Memory.TTL,
	}
}

func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		WindowTurns:      c.Memory.WindowTurns,
		TopK:             c.Retrieval.TopK,
		Filter:           c.Retrieval.Filter,
		SourceDocument:   c.Document.Source,
		EmbedConcurrency: c.Embedding.Concurrency,
		EmbedBatchSize:   c.Embedding.BatchSize,
	}
}

func (c *Config) ServerConfig() server.Config {
	return server.Config{
		Host:            c.Server.Host,
		Port:            c.Server.Port,
		ReadTimeout:     c.Server.ReadTimeout,
		WriteTimeout:    c.Server.WriteTimeout,
		RequestTimeout:  c.Server.RequestTimeout,
		ShutdownTimeout: c.Server.ShutdownTimeout,
	}
}

// DocumentMetadata returns the configured document metadata, skipping empty fields.
func (c *Config) DocumentMetadata() models.Metadata {
	meta := models.Metadata{}
	if c.Document.Source != "" {
		meta[models.MetaSource] = c.Document.Source
	}
	if c.Document.DocumentType != "" {
		meta[models.MetaDocumentType] = c.Document.DocumentType
	}
	if c.Document.Jurisdiction != "" {
		meta[models.MetaJurisdiction] = c.Document.Jurisdiction
	}
	if c.Document.Year != 0 {
		meta[models.MetaYear] = c.Document.Year
	}
	return meta
}
