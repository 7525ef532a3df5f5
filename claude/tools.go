package claude

import "strings"

// Tool names the subprocess can invoke. The translator and the permission
// negotiator both dispatch on these.
const (
	ToolRead         = "Read"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolMultiEdit    = "MultiEdit"
	ToolNotebookRead = "NotebookRead"
	ToolNotebookEdit = "NotebookEdit"
	ToolBash         = "Bash"
	ToolBashOutput   = "BashOutput"
	ToolKillShell    = "KillShell"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolWebFetch     = "WebFetch"
	ToolWebSearch    = "WebSearch"
	ToolTask         = "Task"
	ToolExitPlanMode = "ExitPlanMode"
	ToolTodoWrite    = "TodoWrite"
	ToolAskUser      = "AskUserQuestion"
)

// ProxiedToolPrefix marks the bridge's own proxied tool surface
// (read/write/edit/execute and shell management routed through the client).
// The translator and negotiator both special-case this prefix.
const ProxiedToolPrefix = "acp__"

// editTools are the designated edit tools that acceptEdits mode approves
// without a client round-trip.
var editTools = map[string]bool{
	ToolEdit:  true,
	ToolWrite: true,
}

// IsEditTool reports whether acceptEdits mode auto-approves the tool.
func IsEditTool(name string) bool {
	return editTools[name]
}

// IsProxiedTool reports whether the tool belongs to the bridge's own proxied
// tool namespace rather than the subprocess's native set.
func IsProxiedTool(name string) bool {
	return strings.HasPrefix(name, ProxiedToolPrefix)
}

// ProxiedToolName strips the proxied prefix, returning the bare tool name
// and whether the prefix was present.
func ProxiedToolName(name string) (string, bool) {
	if !IsProxiedTool(name) {
		return name, false
	}
	return strings.TrimPrefix(name, ProxiedToolPrefix), true
}

// ToolSetBase contains read-only inspection tools.
var ToolSetBase = []string{
	ToolRead,
	ToolGlob,
	ToolGrep,
	ToolNotebookRead,
}

// ToolSetWeb contains web access tools.
var ToolSetWeb = []string{
	ToolWebFetch,
	ToolWebSearch,
}

// ToolSetProductivity contains bookkeeping tools without filesystem effects.
var ToolSetProductivity = []string{
	ToolTodoWrite,
	ToolTask,
}

// ComposeTools merges multiple tool sets into a single deduplicated slice.
// Order is preserved (first occurrence wins).
func ComposeTools(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var result []string
	for _, set := range sets {
		for _, tool := range set {
			if _, exists := seen[tool]; !exists {
				seen[tool] = struct{}{}
				result = append(result, tool)
			}
		}
	}
	return result
}

// DefaultAllowedTools is the pre-approved surface passed to the subprocess
// when the configuration names none. Mutating and shell tools are absent so
// they route through the permission flow, and ExitPlanMode stays out because
// leaving plan mode always prompts.
func DefaultAllowedTools() []string {
	return ComposeTools(ToolSetBase, ToolSetWeb, ToolSetProductivity)
}
