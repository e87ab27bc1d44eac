package tools

// RegisterBuiltins installs the standard workspace tool set. Paths are
// restricted to the workspace.
func RegisterBuiltins(reg *Registry, workspace string) error {
	builtins := []Tool{
		NewReadFileTool(workspace, true),
		NewWriteFileTool(workspace, true),
		NewListFilesTool(workspace, true),
		NewExecTool(workspace),
		NewWebFetchTool(),
	}
	for _, t := range builtins {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
