package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/orbit/internal/config"
	"github.com/harun/orbit/internal/logger"
	"github.com/harun/orbit/internal/observability"
	"github.com/harun/orbit/internal/tracing"
	"github.com/harun/orbit/pkg/agent"
	"github.com/harun/orbit/pkg/conversation"
	"github.com/harun/orbit/pkg/coretools"
	"github.com/harun/orbit/pkg/llm"
	"github.com/harun/orbit/pkg/loopdetect"
	"github.com/harun/orbit/pkg/retry"
	"github.com/harun/orbit/pkg/session"
	"github.com/harun/orbit/pkg/streambuf"
	"github.com/harun/orbit/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// newLLMClient builds the model client; tests replace it
var newLLMClient = llm.NewClient

// runtime holds everything a command needs, built from one config
type runtime struct {
	cfg    *config.Config
	log    *logger.Logger
	logger zerolog.Logger

	storage       session.Storage
	conversations *conversation.Manager
	tools         *toolexecutor.ToolExecutor
	agent         *agent.Agent

	tracing bool
}

// newStorageRuntime opens logging, storage and the conversation manager.
// Commands that only inspect sessions stop here and never need an API key.
func newStorageRuntime(cfg *config.Config) (*runtime, error) {
	r, err := openRuntime(cfg)
	if err != nil {
		return nil, err
	}
	r.openConversations(nil)
	return r, nil
}

func openRuntime(cfg *config.Config) (*runtime, error) {
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	r := &runtime{cfg: cfg, log: log, logger: log.Component("cli")}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	}

	storage, err := newStorage(cfg.Storage)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.storage = storage
	return r, nil
}

func (r *runtime) openConversations(client llm.Client) {
	managerLogger := r.log.Component("conversation")
	r.conversations = conversation.NewManager(r.storage, conversation.Config{
		CacheSize:  r.cfg.Conversation.CacheSize,
		CacheTTL:   r.cfg.Conversation.CacheTTL,
		Compressor: newCompressor(r.cfg.Conversation, r.cfg.LLM.Model, client),
		Logger:     &managerLogger,
	})
}

// newAgentRuntime extends the storage runtime with a model client, the tool
// registry and the agent
func newAgentRuntime(cfg *config.Config) (*runtime, error) {
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("no API key configured for provider %s (set llm.api_key or the provider's API key variable)", cfg.LLM.Provider)
	}

	r, err := openRuntime(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, tracing.WithSampleRatio(cfg.Tracing.SampleRatio)); err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to init tracing: %w", err)
		}
		r.tracing = true
	}

	llmLogger := r.log.Component("llm")
	client, err := newLLMClient(llm.Profile{
		Provider:  cfg.LLM.Provider,
		Model:     cfg.LLM.Model,
		APIKey:    cfg.LLM.APIKey,
		BaseURL:   cfg.LLM.BaseURL,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   cfg.LLM.Timeout,
		Retry: retry.Options{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialDelay:      cfg.Retry.InitialDelay,
			MaxDelay:          cfg.Retry.MaxDelay,
			BackoffMultiplier: cfg.Retry.Multiplier,
		},
		Logger: &llmLogger,
	})
	if err != nil {
		r.Close()
		return nil, err
	}

	r.openConversations(client)

	toolLogger := r.log.Component("tools")
	r.tools = toolexecutor.NewWithConfig(toolexecutor.Config{
		DefaultTimeout: cfg.Agent.ToolTimeout,
		Logger:         &toolLogger,
	})
	if cfg.Tools.Enabled {
		root := cfg.Tools.Workspace
		if root == "" {
			if root, err = os.Getwd(); err != nil {
				r.Close()
				return nil, fmt.Errorf("failed to resolve workspace: %w", err)
			}
		}
		if err := coretools.Register(r.tools, coretools.Options{Root: root, ReadOnly: cfg.Tools.ReadOnly}); err != nil {
			r.Close()
			return nil, err
		}
	}

	agentLogger := r.log.Component("agent")
	r.agent, err = agent.New(agent.Config{
		Client:       client,
		Model:        cfg.LLM.Model,
		SystemPrompt: cfg.LLM.SystemPrompt,
		Temperature:  cfg.LLM.Temperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		Tools:        r.tools,
		ToolPolicy:   &toolexecutor.ToolPolicy{Allow: cfg.Tools.Allow, Deny: cfg.Tools.Deny},
		ToolTimeout:  cfg.Agent.ToolTimeout,
		MaxTurns:     cfg.Agent.MaxTurns,
		LoopDetection: loopdetect.Config{
			WindowSize: cfg.LoopDetection.WindowSize,
			TimeWindow: cfg.LoopDetection.TimeWindow,
			Threshold:  cfg.LoopDetection.Threshold,
		},
		StreamBuffer: streambuf.Config{
			Delay:   cfg.StreamBuffer.FlushDelay,
			MaxSize: cfg.StreamBuffer.MaxSize,
		},
		Conversations: r.conversations,
		Logger:        &agentLogger,
	})
	if err != nil {
		r.Close()
		return nil, err
	}

	return r, nil
}

func newCompressor(cfg config.ConversationConfig, model string, client llm.Client) conversation.Compressor {
	if cfg.CompressThreshold <= 0 {
		return nil
	}
	if cfg.Summarize && client != nil {
		c := conversation.NewSummarizingCompressor(client, cfg.CompressThreshold, cfg.KeepRecent)
		c.Model = model
		return c
	}
	return conversation.NewRecentWindowCompressor(cfg.CompressThreshold, cfg.KeepRecent)
}

// newStorage opens the session store selected by cfg.Driver
func newStorage(cfg config.StorageConfig) (session.Storage, error) {
	switch cfg.Driver {
	case "memory":
		return session.NewMemoryStore(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		store, err := session.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "file", "":
		store, err := session.NewFileStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// Close releases the runtime in reverse order of construction
func (r *runtime) Close() error {
	var errs []error
	if r.agent != nil {
		errs = append(errs, r.agent.Close())
	}
	if r.storage != nil {
		errs = append(errs, r.storage.Close())
	}
	if r.tracing {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, tracing.ShutdownOpenTelemetry(ctx))
		cancel()
	}
	if r.cfg.Logging.AuditFile != "" {
		errs = append(errs, observability.GetAuditLogger().Close())
	}
	if r.log != nil {
		errs = append(errs, r.log.Close())
	}
	return errors.Join(errs...)
}
