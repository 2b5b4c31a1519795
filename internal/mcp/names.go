package mcp

// toolPrefix starts every namespaced tool name.
const toolPrefix = "mcp"

// ToolName returns the agent-facing name of an MCP tool:
// mcp__{serverID}__{tool}. Neither part is altered, so a name containing
// "__" can collide with another server's tools.
func ToolName(serverID, tool string) string {
	return toolPrefix + "__" + serverID + "__" + tool
}

// ToolNames namespaces names in order, one output per input. Duplicates
// are kept.
func ToolNames(serverID string, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = ToolName(serverID, n)
	}
	return out
}
