package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/phuslu/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/xhad/lexqa/internal/logging"
	"github.com/xhad/lexqa/internal/models"
	"github.com/xhad/lexqa/internal/types"
	"golang.org/x/time/rate"
)

// SearchToolName is the tool offered to the model in tool mode.
const SearchToolName = "search_statute"

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	Model           string
	Temperature     float64
	MaxTokens       int
	SystemTemplate  string
	ContextTemplate string
	Disclaimer      string
	BaseURL         string // Ollama server URL
	Timeout         time.Duration
	RateLimit       float64
	Retry           RetryConfig
	// ToolMode lets the model issue extra retrieval calls before answering.
	ToolMode     bool
	MaxToolCalls int
}

// ChatEngine generates grounded answers with an LLM.
type ChatEngine struct {
	config  ChatConfig
	llm     llms.Model
	limiter *rate.Limiter
	logger  *log.Logger
}

var _ types.Generator = (*ChatEngine)(nil)

func (c *ChatConfig) validate() error {
	if c.Model == "" {
		c.Model = "mistral" // Default Ollama model
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be between 0 and 2", types.ErrInvalidConfig)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("%w: max tokens cannot be negative", types.ErrInvalidConfig)
	} else if c.MaxTokens == 0 {
		c.MaxTokens = 1024
	}
	if c.SystemTemplate == "" {
		c.SystemTemplate = DefaultSystemTemplate
	}
	if c.ContextTemplate == "" {
		c.ContextTemplate = DefaultContextTemplate
	}
	if strings.Count(c.ContextTemplate, "%s") != 2 {
		return fmt.Errorf("%w: context template needs exactly two %%s verbs (excerpts, question)", types.ErrInvalidConfig)
	}
	if c.Disclaimer == "" {
		c.Disclaimer = DefaultDisclaimer
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434" // Default Ollama URL
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = 3
	}
	c.Retry = c.Retry.withDefaults()
	return nil
}

// NewWithConfig creates a new ChatEngine backed by Ollama.
func NewWithConfig(config ChatConfig, logger *log.Logger) (*ChatEngine, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	model, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return NewChatEngine(model, config, logger)
}

// NewChatEngine creates a ChatEngine around any langchaingo model.
func NewChatEngine(model llms.Model, config ChatConfig, logger *log.Logger) (*ChatEngine, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}

	return &ChatEngine{
		config:  config,
		llm:     model,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logging.OrNop(logger),
	}, nil
}

// Generate answers req.Question from the retrieved excerpts and the session history.
// The returned text always ends with the disclaimer.
func (ce *ChatEngine) Generate(ctx context.Context, req types.GenerateRequest) (*types.Generation, error) {
	if refusal, refused := CheckRequest(req.Question); refused {
		ce.logger.Info().Str("question", req.Question).Msg("refused out-of-scope request")
		return &types.Generation{Text: WithDisclaimer(refusal, ce.config.Disclaimer)}, nil
	}

	messages := BuildPrompt(ce.config.SystemTemplate, ce.config.ContextTemplate, req.History, req.Retrieved, req.Question)
	sources := append([]models.ScoredRecord(nil), req.Retrieved...)

	var (
		text string
		err  error
	)
	if ce.config.ToolMode && req.Retrieve != nil {
		text, sources, err = ce.generateWithTools(ctx, messages, sources, req.Retrieve)
	} else {
		var choice *llms.ContentChoice
		choice, err = ce.call(ctx, messages)
		if choice != nil {
			text = choice.Content
		}
	}
	if err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: model returned no answer text", types.ErrGenerationUnavailable)
	}

	allowed := AllowedSections(sources)
	text, rejected := EnforceCitations(text, allowed)
	if len(rejected) > 0 {
		ce.logger.Warn().Strs("sections", rejected).Msg("removed citations not supported by retrieved content")
	}

	return &types.Generation{
		Text:      WithDisclaimer(text, ce.config.Disclaimer),
		Citations: Citations(text, allowed),
		Sources:   sources,
	}, nil
}

// call performs one model invocation with rate limiting, per-attempt timeout and retry.
func (ce *ChatEngine) call(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentChoice, error) {
	options = append([]llms.CallOption{
		llms.WithTemperature(ce.config.Temperature),
		llms.WithMaxTokens(ce.config.MaxTokens),
	}, options...)

	var choice *llms.ContentChoice
	start := time.Now()
	err := retry(ctx, ce.config.Retry, ce.logger, "generate", func(ctx context.Context) error {
		if err := ce.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, ce.config.Timeout)
		defer cancel()

		resp, err := ce.llm.GenerateContent(callCtx, messages, options...)
		if err != nil {
			return fmt.Errorf("chat error: %w", err)
		}
		if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
			return errEmptyResponse
		}
		choice = resp.Choices[0]
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", types.ErrGenerationUnavailable, err)
	}

	ce.logger.Debug().Int("messages", len(messages)).Dur("took", time.Since(start)).Msg("model call complete")
	return choice, nil
}

func searchTool() llms.Tool {
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        SearchToolName,
			Description: "Search the text of the Act for passages relevant to a query. Use it when the excerpts already given do not answer the question.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "What to look for in the Act, e.g. \"who can file an application before the magistrate\"",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

// generateWithTools lets the model call the search tool up to MaxToolCalls times
// before producing its final answer. Retrieved records are merged into sources.
func (ce *ChatEngine) generateWithTools(ctx context.Context, messages []llms.MessageContent, sources []models.ScoredRecord, retrieve types.RetrieveFunc) (string, []models.ScoredRecord, error) {
	tools := []llms.Tool{searchTool()}
	seen := make(map[int64]bool, len(sources))
	for _, s := range sources {
		seen[s.ID] = true
	}

	calls := 0
	for calls < ce.config.MaxToolCalls {
		choice, err := ce.call(ctx, messages, llms.WithTools(tools))
		if err != nil {
			return "", sources, err
		}
		if len(choice.ToolCalls) == 0 {
			return choice.Content, sources, nil
		}

		assistant := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		for _, tc := range choice.ToolCalls {
			assistant.Parts = append(assistant.Parts, tc)
		}
		messages = append(messages, assistant)

		for _, tc := range choice.ToolCalls {
			content := budgetExhausted
			if calls < ce.config.MaxToolCalls {
				calls++
				found, out, err := ce.runTool(ctx, tc, retrieve)
				if err != nil {
					return "", sources, err
				}
				content = out
				for _, rec := range found {
					if !seen[rec.ID] {
						seen[rec.ID] = true
						sources = append(sources, rec)
					}
				}
			}
			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: tc.ID,
					Name:       SearchToolName,
					Content:    content,
				}},
			})
		}
	}

	ce.logger.Debug().Int("tool_calls", calls).Msg("tool call budget exhausted, requesting final answer")
	choice, err := ce.call(ctx, messages)
	if err != nil {
		return "", sources, err
	}
	return choice.Content, sources, nil
}

// runTool executes one tool call. Retrieval failures are returned as errors; a
// malformed call is reported back to the model as tool output.
func (ce *ChatEngine) runTool(ctx context.Context, tc llms.ToolCall, retrieve types.RetrieveFunc) ([]models.ScoredRecord, string, error) {
	if tc.FunctionCall == nil || tc.FunctionCall.Name != SearchToolName {
		return nil, "error: unknown tool", nil
	}

	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &args); err != nil || strings.TrimSpace(args.Query) == "" {
		return nil, "error: arguments must be a JSON object with a non-empty \"query\" string", nil
	}

	ce.logger.Debug().Str("query", args.Query).Msg("model requested retrieval")
	found, err := retrieve(ctx, args.Query)
	if err != nil {
		return nil, "", err
	}
	if len(found) == 0 {
		return nil, noExcerpts, nil
	}
	return found, FormatContext(found), nil
}
