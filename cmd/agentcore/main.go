// Package main provides the CLI entry point for the agentcore runtime: a
// supervised, message-driven orchestration layer mediating LLM providers,
// conversational state, and externally-executed tools.
//
// Grounded on the teacher's cmd/nexus/main.go: a cobra root command with a
// "serve" subcommand that loads YAML configuration, wires every subsystem
// together, and blocks on an interrupt signal. Narrowed from the teacher's
// multi-channel-gateway command tree (channels, plugins, skills, onboarding)
// to the subset this runtime's scope actually has: serve and status.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/relaykit/agentcore/internal/bus"
	"github.com/relaykit/agentcore/internal/config"
	"github.com/relaykit/agentcore/internal/conversation"
	"github.com/relaykit/agentcore/internal/delegation"
	"github.com/relaykit/agentcore/internal/ids"
	"github.com/relaykit/agentcore/internal/kernel"
	"github.com/relaykit/agentcore/internal/llm"
	"github.com/relaykit/agentcore/internal/llm/anthropic"
	"github.com/relaykit/agentcore/internal/llm/openaicompat"
	"github.com/relaykit/agentcore/internal/llm/ratelimit"
	"github.com/relaykit/agentcore/internal/metrics"
	"github.com/relaykit/agentcore/internal/persistence/sqlitestore"
	"github.com/relaykit/agentcore/internal/persistence/vectorstore"
	"github.com/relaykit/agentcore/internal/promptloop"
	"github.com/relaykit/agentcore/internal/retry"
	"github.com/relaykit/agentcore/internal/sandbox"
	"github.com/relaykit/agentcore/internal/sandbox/firecracker"
	"github.com/relaykit/agentcore/internal/tools"
	"github.com/relaykit/agentcore/internal/trace"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agentcore",
		Short:        "agentcore - a supervised, message-driven agent runtime",
		Version:      fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildStatusCmd())
	return root
}

func buildStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Validate configuration and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("providers: %d, agents: %d, max_agents: %d\n",
				len(cfg.Providers), len(cfg.Agents), cfg.Kernel.MaxAgents)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "agentcore.yaml", "path to config file")
	return cmd
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "agentcore.yaml", "path to config file")
	return cmd
}

// runtime bundles every subsystem the serve command wires together so
// shutdown can tear them down in reverse order.
type runtime struct {
	kernel        *kernel.Kernel
	bus           *bus.Bus
	executor      *tools.Executor
	delegation    *delegation.Tracker
	store         *sqlitestore.Store
	vectors       *vectorstore.Store
	traceShutdown func(context.Context) error
	metricsServer *http.Server
}

func serve(ctx context.Context, cfg *config.Config) error {
	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("agentcore runtime started", "agents_configured", len(cfg.Agents))
	<-ctx.Done()
	slog.Info("agentcore runtime shutting down")
	rt.kernel.BeginShutdown()
	return nil
}

func buildRuntime(cfg *config.Config) (*runtime, error) {
	b := bus.New(256)

	k, err := kernel.New(cfg.Kernel, b, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("construct kernel: %w", err)
	}

	store, err := sqlitestore.Open(cfg.Persistence.SQLitePath, sqlitestore.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}

	vectors, err := vectorstore.Open(vectorstore.Config{
		PersistPath: cfg.Persistence.VectorPersistDir,
		Compress:    cfg.Persistence.VectorCompress,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	registry := tools.NewRegistry()
	executor := tools.NewExecutor(registry, tools.DefaultExecutorConfig())

	var metricsServer *http.Server
	if cfg.Kernel.EnableMetrics {
		recorder := metrics.New(prometheus.DefaultRegisterer)
		executor.SetObserver(recorder)
		recorder.Subscribe(b)

		if cfg.Observability.MetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer = &http.Server{Addr: cfg.Observability.MetricsAddr, Handler: mux}
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					slog.Error("metrics server exited", "error", err)
				}
			}()
		}
	}

	_, traceShutdown := trace.New(trace.Config{
		ServiceName:  "agentcore",
		Endpoint:     cfg.Observability.TraceEndpoint,
		SamplingRate: cfg.Observability.SamplingRate,
	})

	jobStore, err := sqlitestore.NewJobStore(store.DB())
	if err != nil {
		return nil, fmt.Errorf("init job store: %w", err)
	}
	executor.SetJobStore(jobStore)

	approvalStore, err := sqlitestore.NewApprovalStore(store.DB())
	if err != nil {
		return nil, fmt.Errorf("init approval store: %w", err)
	}
	_ = tools.NewChecker(tools.DefaultApprovalPolicy(), approvalStore)

	if err := wireSandbox(executor, cfg.Sandbox, cfg.Pool); err != nil {
		slog.Warn("sandbox backend unavailable, sandboxed tools will fail at dispatch", "error", err)
	}

	tracker := delegation.NewTracker(k)

	actors := make([]*llm.Actor, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		actor, err := buildActor(b, pc)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Kind, err)
		}
		actors = append(actors, actor)
	}

	if err := spawnAgents(k, b, registry, executor, actors, cfg.Agents); err != nil {
		return nil, fmt.Errorf("spawn agents: %w", err)
	}

	return &runtime{
		kernel:        k,
		bus:           b,
		executor:      executor,
		delegation:    tracker,
		store:         store,
		vectors:       vectors,
		traceShutdown: traceShutdown,
		metricsServer: metricsServer,
	}, nil
}

// buildActor constructs the llm.Actor for one configured provider. §6 names
// no canonical agent-to-provider binding format, so spawnAgents below binds
// agents to providers by round-robin position in cfg.Providers/cfg.Agents
// rather than inventing an unspecified config field.
func buildActor(b *bus.Bus, pc config.ProviderConfig) (*llm.Actor, error) {
	var provider llm.Provider
	switch pc.Kind {
	case config.ProviderAnthropic:
		p, err := anthropic.New(anthropic.Config{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.Model,
			MaxTokens:    pc.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		provider = p
	case config.ProviderOpenAICompatible:
		p, err := openaicompat.New(openaicompat.Config{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.Model,
			MaxTokens:    pc.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		provider = p
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}

	limiterCfg := ratelimit.Config{
		RPM:              pc.RateLimit.RPM,
		TPM:              pc.RateLimit.TPM,
		QueueWhenLimited: pc.RateLimit.QueueWhenLimited,
		MaxQueueSize:     pc.RateLimit.MaxQueueSize,
	}
	retryCfg := retry.DefaultConfig()
	if pc.Retry.MaxRetries > 0 {
		retryCfg.MaxAttempts = pc.Retry.MaxRetries
		retryCfg.Policy.InitialMs = float64(pc.Retry.InitialBackoff.Milliseconds())
		retryCfg.Policy.MaxMs = float64(pc.Retry.MaxBackoff.Milliseconds())
		retryCfg.Policy.Factor = pc.Retry.Multiplier
	}

	sink := llm.PublishSink{Pub: b.Publish}
	return llm.NewActor(provider, limiterCfg, retryCfg, sink), nil
}

// wireSandbox builds a Firecracker-backed sandbox.Pool and registers it
// with executor as the SandboxRunner every sandboxed tool dispatches
// through. RootFSImages/guest registration is left to the guest-kind
// catalog an embedder supplies at startup, since §4.5's configuration
// surface names pool sizing but not a guest-image manifest format. A
// failure here (e.g. the non-Linux stub backend) is reported to the
// caller but is not treated as fatal by serve: tools that never set
// RequiresSandbox still dispatch normally with no sandbox wired.
func wireSandbox(executor *tools.Executor, _ config.SandboxConfig, pc config.PoolConfig) error {
	backend, err := firecracker.NewBackend(firecracker.DefaultBackendConfig())
	if err != nil {
		return fmt.Errorf("construct sandbox backend: %w", err)
	}

	poolCfg := sandbox.PoolConfig{
		WarmupCount:                pc.MinIdle,
		MaxPerType:                 pc.MaxActive,
		MaxExecutionsBeforeRecycle: 1000,
	}
	if poolCfg.MaxPerType <= 0 {
		poolCfg.MaxPerType = 4
	}

	pool := sandbox.NewPool(backend, poolCfg)
	runner := sandbox.NewRunner(pool)
	executor.SetSandbox(runner)
	return nil
}

// spawnAgents builds one Conversation per configured agent, bound
// round-robin to the configured providers' actors, registers its tools via
// tools.ForAgent, wraps it as a kernel.AgentHandle, and registers it with
// the kernel under its configured tool names as capabilities (an agent
// capable of running tool X is a reasonable delegation target for tasks
// requiring X, absent any dedicated capability field in §6).
func spawnAgents(k *kernel.Kernel, b *bus.Bus, registry *tools.Registry, executor *tools.Executor, actors []*llm.Actor, agents []config.AgentConfig) error {
	if len(agents) == 0 {
		return nil
	}
	if len(actors) == 0 {
		return fmt.Errorf("%d agents configured but no providers configured", len(agents))
	}

	for i, ac := range agents {
		agentID := ids.NewAgent()
		if ac.ID != "" {
			parsed, err := ids.Parse(ids.KindAgent, ac.ID)
			if err != nil {
				return fmt.Errorf("agent[%d]: invalid id %q: %w", i, ac.ID, err)
			}
			agentID = parsed
		}

		actor := actors[i%len(actors)]
		agentTools := tools.ForAgent(registry, executor, agentID.String())
		loop := promptloop.New(b, actor, agentTools, promptloop.DefaultConfig())

		mgr := conversation.NewManager(loop)
		conv := mgr.Create(agentID, agentTools, conversation.Config{
			SystemPrompt: ac.SystemPrompt,
			MaxHistory:   ac.MaxConversationLength,
		})

		handle := conversation.NewHandle(conv)
		if err := k.SpawnAgent(handle); err != nil {
			return fmt.Errorf("agent[%d] %s: spawn: %w", i, agentID, err)
		}
		k.Register(agentID, ac.Tools)
	}
	return nil
}

func (rt *runtime) shutdown() {
	if rt.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rt.metricsServer.Shutdown(ctx)
		cancel()
	}
	if rt.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rt.traceShutdown(ctx)
		cancel()
	}
	_ = rt.vectors.Close()
	_ = rt.store.Close()
	rt.bus.Close()
}
