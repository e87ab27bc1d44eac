// Package tools hosts the tool registry, the execution policy chain, and the
// builtin workspace tools exposed to the agent.
package tools

import (
	"context"

	"github.com/openhearth/hearth/internal/providers"
)

// PermissionClass controls how a tool call is authorized.
type PermissionClass string

const (
	ClassSafe  PermissionClass = "safe"  // runs without approval
	ClassGated PermissionClass = "gated" // needs operator approval per call
	ClassAdmin PermissionClass = "admin" // needs approval and admin scope
)

// SideEffects declares what a tool touches. Calls with no side effects may
// run in parallel within one round.
type SideEffects string

const (
	EffectsNone       SideEffects = "none"
	EffectsFilesystem SideEffects = "filesystem"
	EffectsNetwork    SideEffects = "network"
	EffectsSubprocess SideEffects = "subprocess"
)

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{} // JSON schema
	Class() PermissionClass
	Effects() SideEffects
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// ToProviderDef converts a tool to the definition shape providers expect.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}
}
