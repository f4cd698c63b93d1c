// Package kernel implements the supervisor kernel (§4.1): it tracks agent
// handles by id, forwards routed messages, tracks capabilities, and
// observes child termination. It owns no agent state itself — a handle is a
// capability, never a reference into the agent's private data — matching
// the ownership rule that the kernel never holds back-pointers into agent
// internals.
//
// Grounded on the teacher's Orchestrator (internal/multiagent/orchestrator.go):
// same registry-of-handles-behind-a-mutex shape, generalized from
// *agent.Runtime-typed storage to an AgentHandle interface so the kernel has
// no compile-time dependency on any particular agent implementation.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaykit/agentcore/internal/bus"
	"github.com/relaykit/agentcore/internal/envelope"
	"github.com/relaykit/agentcore/internal/ids"
)

// AgentStatus reflects an agent's lifecycle state (§3 Agent.state).
type AgentStatus string

const (
	StatusIdle      AgentStatus = "idle"
	StatusThinking  AgentStatus = "thinking"
	StatusExecuting AgentStatus = "executing"
	StatusWaiting   AgentStatus = "waiting"
	StatusCompleted AgentStatus = "completed"
	StatusStopping  AgentStatus = "stopping"
)

// RoutedMessage is the payload of a RouteMessage call.
type RoutedMessage struct {
	From    ids.ID
	To      ids.ID
	Payload any
}

// AgentHandle is the capability the kernel holds for a spawned agent. It
// never exposes the agent's private history or pending maps — only what the
// kernel needs to route messages, report status, and signal shutdown.
type AgentHandle interface {
	ID() ids.ID
	Deliver(ctx context.Context, msg RoutedMessage) error
	Status() AgentStatus
	Stop(reason string)
}

// Error kinds per §7 (Kernel).
var (
	ErrAgentNotFound     = errors.New("kernel: agent not found")
	ErrSpawnFailed       = errors.New("kernel: spawn failed")
	ErrAgentAlreadyExists = errors.New("kernel: agent already exists")
	ErrShuttingDown      = errors.New("kernel: shutting down")
	ErrInvalidConfig     = errors.New("kernel: invalid config")
)

// Config configures a Kernel (§6 Kernel configuration surface).
type Config struct {
	MaxAgents           int    `yaml:"max_agents"`
	EnableMetrics       bool   `yaml:"enable_metrics"`
	DefaultSystemPrompt string `yaml:"default_system_prompt,omitempty"`
}

// DefaultConfig returns the zero-value-safe default Config.
func DefaultConfig() Config {
	return Config{MaxAgents: 100, EnableMetrics: false}
}

func sanitizeConfig(c Config) (Config, error) {
	if c.MaxAgents < 0 {
		return Config{}, fmt.Errorf("%w: max_agents must be >= 0, got %d", ErrInvalidConfig, c.MaxAgents)
	}
	if c.MaxAgents == 0 {
		c.MaxAgents = DefaultConfig().MaxAgents
	}
	return c, nil
}

// Kernel is the supervisor kernel. The zero value is not usable; construct
// with New.
type Kernel struct {
	mu            sync.RWMutex
	cfg           Config
	bus           *bus.Bus
	logger        *slog.Logger
	agents        map[string]AgentHandle
	capabilities  map[string]map[string]struct{} // agent id -> capability set
	capIndex      map[string][]string             // capability -> agent ids, registration order
	shuttingDown  bool
}

// New constructs a Kernel. If logger is nil, slog.Default() is used.
func New(cfg Config, b *bus.Bus, logger *slog.Logger) (*Kernel, error) {
	cfg, err := sanitizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Kernel{
		cfg:          cfg,
		bus:          b,
		logger:       logger,
		agents:       make(map[string]AgentHandle),
		capabilities: make(map[string]map[string]struct{}),
		capIndex:     make(map[string][]string),
	}, nil
}

// SpawnAgent registers a handle under its own id. Rejected when the kernel
// is shutting down or already at max_agents.
func (k *Kernel) SpawnAgent(handle AgentHandle) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.shuttingDown {
		return ErrShuttingDown
	}
	id := handle.ID()
	if _, exists := k.agents[id.String()]; exists {
		return fmt.Errorf("%w: %s", ErrAgentAlreadyExists, id)
	}
	if len(k.agents) >= k.cfg.MaxAgents {
		return fmt.Errorf("%w: at max_agents=%d", ErrSpawnFailed, k.cfg.MaxAgents)
	}

	k.agents[id.String()] = handle
	k.publish(envelope.AgentSpawned{AgentID: id})
	return nil
}

// StopAgent removes the handle, broadcasts AgentStopped, and signals stop to
// the agent. A miss is a no-op.
func (k *Kernel) StopAgent(id ids.ID, reason string) {
	k.mu.Lock()
	handle, ok := k.agents[id.String()]
	if ok {
		delete(k.agents, id.String())
		delete(k.capabilities, id.String())
		k.removeFromCapIndexLocked(id.String())
	}
	k.mu.Unlock()

	if !ok {
		return
	}
	handle.Stop(reason)
	k.publish(envelope.AgentStopped{AgentID: id, Reason: reason})
}

// RouteMessage looks up the target handle and forwards the payload on its
// mailbox. A miss is logged and dropped — no reply is fabricated.
func (k *Kernel) RouteMessage(ctx context.Context, msg RoutedMessage) error {
	k.mu.RLock()
	handle, ok := k.agents[msg.To.String()]
	k.mu.RUnlock()

	if !ok {
		k.logger.Warn("kernel: route to unknown agent dropped",
			"from", msg.From.String(), "to", msg.To.String())
		return fmt.Errorf("%w: %s", ErrAgentNotFound, msg.To)
	}
	return handle.Deliver(ctx, msg)
}

// GetAgentStatus proxies to the target agent's Status.
func (k *Kernel) GetAgentStatus(id ids.ID) (AgentStatus, error) {
	k.mu.RLock()
	handle, ok := k.agents[id.String()]
	k.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return handle.Status(), nil
}

// ChildTerminated is called by an agent's supervising goroutine when its
// task exits without StopAgent having been invoked. The kernel removes the
// dead handle and broadcasts ChildTerminated; it never auto-restarts.
func (k *Kernel) ChildTerminated(id ids.ID, cause error) {
	k.mu.Lock()
	if _, ok := k.agents[id.String()]; ok {
		delete(k.agents, id.String())
		delete(k.capabilities, id.String())
		k.removeFromCapIndexLocked(id.String())
	}
	k.mu.Unlock()

	k.logger.Warn("kernel: child terminated", "agent_id", id.String(), "cause", cause)
	k.publish(envelope.ChildTerminated{AgentID: id, Cause: cause})
}

// Register atomically replaces the capability set for agentID.
// Idempotent: re-registering the same set is a true no-op, leaving
// capIndex's registration order (and so FindCapable's tie-break) untouched
// rather than moving agentID to the back of each capability's index.
func (k *Kernel) Register(agentID ids.ID, capabilities []string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	key := agentID.String()

	set := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		set[c] = struct{}{}
	}

	if existing, ok := k.capabilities[key]; ok && capabilitySetsEqual(existing, set) {
		return
	}

	k.removeFromCapIndexLocked(key)
	for _, c := range capabilities {
		k.capIndex[c] = append(k.capIndex[c], key)
	}
	k.capabilities[key] = set
}

func capabilitySetsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for c := range a {
		if _, ok := b[c]; !ok {
			return false
		}
	}
	return true
}

// Unregister removes all capabilities for agentID. Unknown agents are a
// no-op.
func (k *Kernel) Unregister(agentID ids.ID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	key := agentID.String()
	k.removeFromCapIndexLocked(key)
	delete(k.capabilities, key)
}

// removeFromCapIndexLocked must be called with k.mu held.
func (k *Kernel) removeFromCapIndexLocked(agentKey string) {
	for cap, ids := range k.capIndex {
		filtered := ids[:0]
		for _, id := range ids {
			if id != agentKey {
				filtered = append(filtered, id)
			}
		}
		if len(filtered) == 0 {
			delete(k.capIndex, cap)
		} else {
			k.capIndex[cap] = filtered
		}
	}
}

// FindCapable returns an agent id holding the given capability, or the zero
// ID if none do.
//
// Tie-break rule (documented per the spec's open question): first-registered
// wins. capIndex appends in registration order and is never reordered by
// Register, so the first element is the oldest still-registered holder.
func (k *Kernel) FindCapable(capability string) (ids.ID, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	holders, ok := k.capIndex[capability]
	if !ok || len(holders) == 0 {
		return ids.ID{}, false
	}
	id, err := ids.Parse(ids.KindAgent, holders[0])
	if err != nil {
		return ids.ID{}, false
	}
	return id, true
}

// BeginShutdown sets the sticky shutting_down flag. Further spawns are
// rejected; in-flight operations are left to drain by the caller.
func (k *Kernel) BeginShutdown() {
	k.mu.Lock()
	k.shuttingDown = true
	k.mu.Unlock()
}

// ShuttingDown reports whether BeginShutdown has been called.
func (k *Kernel) ShuttingDown() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.shuttingDown
}

func (k *Kernel) publish(event envelope.Event) {
	if k.bus != nil {
		k.bus.Publish(event)
	}
}
