package tools

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

const (
	defaultExecTimeout = 60 * time.Second
	maxExecOutput      = 64 * 1024
)

// ExecTool runs a shell command in the workspace. Gated: every call needs
// operator approval.
type ExecTool struct {
	workspace string
	timeout   time.Duration
}

func NewExecTool(workspace string) *ExecTool {
	return &ExecTool{workspace: workspace, timeout: defaultExecTimeout}
}

func (t *ExecTool) Name() string           { return "exec" }
func (t *ExecTool) Description() string    { return "Run a shell command in the workspace and return its output" }
func (t *ExecTool) Class() PermissionClass { return ClassGated }
func (t *ExecTool) Effects() SideEffects   { return EffectsSubprocess }

func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute",
			},
			"timeout_sec": map[string]interface{}{
				"type":        "integer",
				"description": "Optional timeout in seconds (default 60)",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}

	timeout := t.timeout
	if secs, ok := args["timeout_sec"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workspace

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()
	if len(output) > maxExecOutput {
		output = output[:maxExecOutput] + "\n[truncated]"
	}

	if ctx.Err() == context.DeadlineExceeded {
		return ErrorResult("command timed out after %s\n%s", timeout, output)
	}
	if err != nil {
		return ErrorResult("command failed: %v\n%s", err, output)
	}
	if output == "" {
		output = "(no output)"
	}
	return SilentResult(output)
}
