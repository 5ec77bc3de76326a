package main

import (
	"context"
	"fmt"

	"github.com/xhad/lexqa/internal/types"
	cfgPkg "github.com/xhad/lexqa/pkg/config"
	"github.com/xhad/lexqa/pkg/llm"
	"github.com/xhad/lexqa/pkg/memory"
	"github.com/xhad/lexqa/pkg/pipeline"
	"github.com/xhad/lexqa/pkg/processor"
	"github.com/xhad/lexqa/pkg/retriever"
	"github.com/xhad/lexqa/pkg/store"
)

// app holds the wired components for one command run.
type app struct {
	pipeline *pipeline.Pipeline
	embedder *llm.Embedder
	store    types.VectorStore
	// inMemory is set when sessions live in process memory and need sweeping.
	inMemory *memory.InMemory
	closers  []func()
}

type wireOptions struct {
	// answering also builds session memory, the retriever and the chat engine.
	answering bool
}

func newApp(ctx context.Context, cfg *cfgPkg.Config, opts wireOptions) (*app, error) {
	a := &app{}

	proc, err := processor.NewWithConfig(cfg.ProcessorConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize processor: %w", err)
	}

	a.embedder, err = llm.NewEmbedderWithConfig(cfg.EmbedderConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	switch cfg.Database.Driver {
	case "memory":
		a.store = store.NewMemoryStore(cfg.Database.VectorDim)
	default:
		vs, err := store.NewWithConfig(ctx, cfg.VectorStoreConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize vector store: %w", err)
		}
		a.store = vs
	}
	a.closers = append(a.closers, a.store.Close)

	deps := pipeline.Deps{
		Processor: proc,
		Embedder:  a.embedder,
		Store:     a.store,
	}

	if opts.answering {
		switch cfg.Memory.Backend {
		case "redis":
			rm, err := memory.NewRedisFromURL(ctx, cfg.Memory.RedisURL, cfg.MemoryConfig())
			if err != nil {
				a.close()
				return nil, fmt.Errorf("failed to initialize session memory: %w", err)
			}
			a.closers = append(a.closers, func() { _ = rm.Close() })
			deps.Memory = rm
		default:
			a.inMemory = memory.NewInMemory(cfg.MemoryConfig())
			deps.Memory = a.inMemory
		}

		deps.Retriever = retriever.New(a.embedder, a.store, cfg.Retrieval.TopK, cfg.Retrieval.Filter, logger)

		chat, err := llm.NewWithConfig(cfg.ChatConfig(), logger)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to initialize chat engine: %w", err)
		}
		deps.Generator = chat
	}

	a.pipeline, err = pipeline.New(deps, cfg.PipelineConfig(), logger)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
