// Package nervemind assembles the workflow execution core: executor registry,
// stores, model providers, log transports and the engine facade. Embedders
// call New with loaded settings and get a ready System; the CLI under
// cmd/nervemind is a thin wrapper around the same entry point.
package nervemind

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"

	"github.com/nervemind/nervemind/features/model/anthropic"
	"github.com/nervemind/nervemind/features/model/bedrock"
	"github.com/nervemind/nervemind/features/model/ollama"
	"github.com/nervemind/nervemind/features/model/openai"
	"github.com/nervemind/nervemind/features/store/inmem"
	storemongo "github.com/nervemind/nervemind/features/store/mongo"
	"github.com/nervemind/nervemind/features/stream/pulse"
	clientspulse "github.com/nervemind/nervemind/features/stream/pulse/clients/pulse"
	"github.com/nervemind/nervemind/features/trigger"
	"github.com/nervemind/nervemind/runtime/core"
	"github.com/nervemind/nervemind/runtime/execlog"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/executors"
	"github.com/nervemind/nervemind/runtime/model"
	"github.com/nervemind/nervemind/runtime/registry"
	"github.com/nervemind/nervemind/runtime/workflow"
	"github.com/nervemind/nervemind/settings"
	"github.com/nervemind/nervemind/telemetry"
)

type (
	// WorkflowStore is the read/write workflow store surface the system
	// exposes. Both the in-memory and Mongo stores satisfy it.
	WorkflowStore interface {
		core.WorkflowStore
		Save(ctx context.Context, wf *workflow.Workflow) error
	}

	// Options configures New beyond what settings carry.
	Options struct {
		// Settings is the loaded engine configuration.
		Settings settings.Settings
		// HTTPClient overrides the client used by httpRequest nodes.
		HTTPClient *http.Client
		// Models extends the provider set derived from settings. A provider
		// resolved here wins, so embedders can wire clients the settings
		// surface cannot express, such as Bedrock on a custom AWS config.
		Models model.Resolver
		// Plugins are additional executors registered before the registry
		// freezes.
		Plugins []registry.Executor
		// Metrics overrides the metrics recorder. Nil uses the OTEL-backed
		// recorder on the global meter provider.
		Metrics telemetry.Metrics
	}

	// System bundles the assembled components.
	System struct {
		// Engine runs workflows.
		Engine *core.Engine
		// Workflows is the definition store.
		Workflows WorkflowStore
		// Executions is the execution store.
		Executions execution.Store
		// Vault is the credential vault. The in-memory vault is always used;
		// seed it before running workflows that reference credentials.
		Vault *inmem.Vault
		// Variables is the variable store.
		Variables *inmem.VariableStore
		// Triggers fires schedule and file trigger workflows once started.
		Triggers *trigger.Service

		streams     *pulse.Streams
		redisClient *redis.Client
	}
)

// New assembles a System from settings.
func New(ctx context.Context, opts Options) (*System, error) {
	s := opts.Settings
	if s.Workers == 0 {
		s = settings.Defaults()
	}

	reg := registry.New()
	if err := executors.Register(reg, executors.Options{
		HTTPClient:      opts.HTTPClient,
		Models:          modelResolver(s.Providers, opts.Models),
		BlockedCommands: s.BlockedCommands,
	}); err != nil {
		return nil, err
	}
	for _, p := range opts.Plugins {
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	reg.Freeze()

	logger := execlog.New(execlog.ParseLevel(s.Log.Level), s.Log.IncludeContext)
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewClueMetrics()
	}
	logger.AddHandler(telemetry.NewObserver(metrics))

	sys := &System{Vault: inmem.NewVault(), Variables: inmem.NewVariableStore()}

	if s.Mongo.URI != "" {
		client, err := storemongo.Connect(ctx, s.Mongo.URI)
		if err != nil {
			return nil, err
		}
		mopts := storemongo.Options{Client: client, Database: s.Mongo.Database}
		executions, err := storemongo.NewExecutionStore(ctx, mopts)
		if err != nil {
			return nil, err
		}
		workflows, err := storemongo.NewWorkflowStore(mopts)
		if err != nil {
			return nil, err
		}
		sys.Executions = executions
		sys.Workflows = workflows
	} else {
		sys.Executions = inmem.NewExecutionStore()
		sys.Workflows = inmem.NewWorkflowStore()
	}

	if s.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: s.Redis.Addr, Password: s.Redis.Password})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			return nil, err
		}
		streams, err := pulse.NewStreams(pulse.StreamsOptions{Client: pc})
		if err != nil {
			return nil, err
		}
		logger.AddHandler(streams.Handler())
		sys.streams = streams
		sys.redisClient = rdb
	}

	engine, err := core.New(core.Options{
		Registry:       reg,
		Workflows:      sys.Workflows,
		Executions:     sys.Executions,
		Vault:          sys.Vault,
		Variables:      sys.Variables,
		Logger:         logger,
		Workers:        s.Workers,
		Grace:          s.Grace(),
		DefaultTimeout: s.DefaultTimeout(),
	})
	if err != nil {
		return nil, err
	}
	sys.Engine = engine

	triggers, err := trigger.New(trigger.Options{
		Workflows: sys.Workflows,
		Engine:    engine,
		Logger:    telemetry.NewClueLogger(),
	})
	if err != nil {
		return nil, err
	}
	sys.Triggers = triggers
	return sys, nil
}

// Subscriber returns a log-record subscriber when Pulse streaming is
// configured, or nil.
func (s *System) Subscriber() (*pulse.Subscriber, error) {
	if s.streams == nil {
		return nil, nil
	}
	return s.streams.NewSubscriber(pulse.SubscriberOptions{})
}

// Close stops triggers and flushes the log stream transport.
func (s *System) Close(ctx context.Context) error {
	if s.Triggers != nil {
		s.Triggers.Stop()
	}
	var err error
	if s.streams != nil {
		s.Engine.Logger().RemoveHandler(s.streams.Handler())
		err = s.streams.Close(ctx)
	}
	if s.redisClient != nil {
		if cerr := s.redisClient.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// modelResolver maps llmChat provider names onto configured clients.
// Providers without credentials are left unresolved so llmChat nodes fail
// with a config error naming the missing key. The override resolver, when
// non-nil, is consulted first.
func modelResolver(p settings.Providers, override model.Resolver) model.Resolver {
	clients := make(map[string]model.Client)
	if p.OpenAIKey != "" {
		if c, err := openai.New(openai.Options{APIKey: p.OpenAIKey}); err == nil {
			clients["openai"] = c
		}
	}
	if p.AnthropicKey != "" {
		if c, err := anthropic.New(anthropic.Options{APIKey: p.AnthropicKey}); err == nil {
			clients["anthropic"] = c
		}
	}
	if c, err := ollama.New(ollama.Options{BaseURL: p.OllamaURL}); err == nil {
		clients["ollama"] = c
	}
	if p.AzureOpenAIKey != "" && p.AzureOpenAIEndpoint != "" {
		if c, err := openai.New(openai.Options{
			APIKey:        p.AzureOpenAIKey,
			AzureEndpoint: p.AzureOpenAIEndpoint,
		}); err == nil {
			clients["azure"] = c
		}
	}
	if p.BedrockRegion != "" && p.BedrockModel != "" {
		if c, err := bedrock.New(bedrock.Options{
			Client:       bedrockRuntime(p),
			DefaultModel: p.BedrockModel,
		}); err == nil {
			clients["bedrock"] = c
		}
	}
	return model.ResolverFunc(func(provider string) (model.Client, bool) {
		if override != nil {
			if c, ok := override.Client(provider); ok {
				return c, true
			}
		}
		c, ok := clients[provider]
		return c, ok
	})
}

// bedrockRuntime builds the Bedrock runtime client for the configured
// region. Static credentials are used when present; otherwise signing falls
// back to the SDK's zero-value resolution and requests fail with a signing
// error naming the missing credentials.
func bedrockRuntime(p settings.Providers) *bedrockruntime.Client {
	o := bedrockruntime.Options{Region: p.BedrockRegion}
	if p.AWSAccessKeyID != "" && p.AWSSecretAccessKey != "" {
		creds := aws.Credentials{
			AccessKeyID:     p.AWSAccessKeyID,
			SecretAccessKey: p.AWSSecretAccessKey,
			SessionToken:    p.AWSSessionToken,
		}
		o.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		})
	}
	return bedrockruntime.New(o)
}
