// Package runtimeenv assembles the process: per-environment agent bundles
// and the ordered bootstrap that wires bus, cron, channels, and gateway.
package runtimeenv

import (
	"fmt"

	"github.com/openhearth/hearth/internal/agent"
	"github.com/openhearth/hearth/internal/bus"
	"github.com/openhearth/hearth/internal/config"
	"github.com/openhearth/hearth/internal/providers"
	"github.com/openhearth/hearth/internal/sessions"
	"github.com/openhearth/hearth/internal/tools"
)

// Env is one named runtime environment: its own session store, tool
// registry, provider, and agent runtime. Channels map to environments by
// name; "default" always exists.
type Env struct {
	Name     string
	Spec     config.EnvSpec
	Store    *sessions.Store
	Registry *tools.Registry
	Provider providers.Provider
	Runtime  *agent.Runtime
}

// buildEnv constructs one environment from its resolved spec.
func buildEnv(name string, cfg *config.Config, b *bus.Bus, broker *tools.ApprovalBroker) (*Env, error) {
	spec := cfg.ResolveEnv(name)

	store, err := sessions.NewStore(spec.Workspace,
		sessions.WithFlushDebounce(cfg.FlushDebounce()))
	if err != nil {
		return nil, fmt.Errorf("env %s: session store: %w", name, err)
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, spec.Workspace); err != nil {
		store.Close()
		return nil, fmt.Errorf("env %s: register tools: %w", name, err)
	}

	provider, err := providers.FromConfig(spec.Provider, cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("env %s: provider: %w", name, err)
	}

	// Rate limiting runs before confirmation so over-limit calls fail
	// without prompting the operator.
	var policy tools.Chain
	if spec.ToolRateLimit > 0 {
		policy = append(policy, tools.NewRateLimitPolicy(spec.ToolRateLimit))
	}
	policy = append(policy, &tools.ConfirmationPolicy{Broker: broker})
	executor := &tools.Executor{
		Registry: registry,
		Policy:   policy,
	}
	runtime := agent.NewRuntime(name, spec, provider, store, registry, executor, b)

	return &Env{
		Name:     name,
		Spec:     spec,
		Store:    store,
		Registry: registry,
		Provider: provider,
		Runtime:  runtime,
	}, nil
}
