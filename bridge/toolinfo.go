package bridge

import (
	"encoding/json"
	"fmt"
	"strings"

	acp "github.com/coder/acp-go-sdk"

	"github.com/zhubert/plural-acp/claude"
)

// ToolCallInfo is the protocol-visible shape of a tool invocation. It is
// derived from the subprocess payload on every event, never stored.
type ToolCallInfo struct {
	Title     string
	Kind      acp.ToolKind
	Content   []acp.ToolCallContent
	Locations []acp.ToolCallLocation
}

// fileInput covers the common file-oriented tool inputs.
type fileInput struct {
	FilePath     string `json:"file_path"`
	NotebookPath string `json:"notebook_path"`
	Content      string `json:"content"`
	NewSource    string `json:"new_source"`
	OldString    string `json:"old_string"`
	NewString    string `json:"new_string"`
	Offset       int    `json:"offset"`
	Limit        int    `json:"limit"`
	Edits        []struct {
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	} `json:"edits"`
}

type searchInput struct {
	Pattern     string `json:"pattern"`
	Path        string `json:"path"`
	Glob        string `json:"glob"`
	Type        string `json:"type"`
	OutputMode  string `json:"output_mode"`
	Insensitive bool   `json:"-i"`
	LineNumbers bool   `json:"-n"`
}

type shellInput struct {
	Command     string `json:"command"`
	Description string `json:"description"`
	ShellID     string `json:"shell_id"`
	BashID      string `json:"bash_id"`
}

type webInput struct {
	URL   string `json:"url"`
	Query string `json:"query"`
}

type taskInput struct {
	Description  string `json:"description"`
	SubagentType string `json:"subagent_type"`
}

type planInput struct {
	Plan string `json:"plan"`
}

type askInput struct {
	Questions []askQuestion `json:"questions"`
}

type askQuestion struct {
	Question string      `json:"question"`
	Header   string      `json:"header"`
	Options  []askOption `json:"options"`
}

type askOption struct {
	Label string `json:"label"`
}

// ToolInfoFromToolUse maps a tool-use payload onto a title, kind, content,
// and locations. Total over the known tool set; unrecognized names fall back
// to a generic shape rather than failing, since payload shapes are not
// statically guaranteed.
func ToolInfoFromToolUse(name string, input json.RawMessage) ToolCallInfo {
	if bare, ok := claude.ProxiedToolName(name); ok {
		return proxiedToolInfo(bare, input)
	}

	switch name {
	case claude.ToolRead:
		var in fileInput
		unmarshalLoose(input, &in)
		info := ToolCallInfo{
			Title: "Read " + in.FilePath,
			Kind:  acp.ToolKindRead,
		}
		if in.Limit > 0 {
			start := in.Offset
			if start < 1 {
				start = 1
			}
			info.Title = fmt.Sprintf("Read %s (lines %d-%d)", in.FilePath, start, start+in.Limit-1)
			info.Locations = []acp.ToolCallLocation{{Path: in.FilePath, Line: acp.Ptr(start)}}
		} else if in.FilePath != "" {
			info.Locations = []acp.ToolCallLocation{{Path: in.FilePath}}
		}
		return info

	case claude.ToolWrite:
		var in fileInput
		unmarshalLoose(input, &in)
		return ToolCallInfo{
			Title:     "Write " + in.FilePath,
			Kind:      acp.ToolKindEdit,
			Content:   []acp.ToolCallContent{diffBlock(in.FilePath, nil, in.Content)},
			Locations: []acp.ToolCallLocation{{Path: in.FilePath}},
		}

	case claude.ToolEdit:
		var in fileInput
		unmarshalLoose(input, &in)
		old := in.OldString
		return ToolCallInfo{
			Title:     "Edit " + in.FilePath,
			Kind:      acp.ToolKindEdit,
			Content:   []acp.ToolCallContent{diffBlock(in.FilePath, &old, in.NewString)},
			Locations: []acp.ToolCallLocation{{Path: in.FilePath}},
		}

	case claude.ToolMultiEdit:
		var in fileInput
		unmarshalLoose(input, &in)
		content := make([]acp.ToolCallContent, 0, len(in.Edits))
		for _, e := range in.Edits {
			old := e.OldString
			content = append(content, diffBlock(in.FilePath, &old, e.NewString))
		}
		return ToolCallInfo{
			Title:     fmt.Sprintf("Edit %s (%d edits)", in.FilePath, len(in.Edits)),
			Kind:      acp.ToolKindEdit,
			Content:   content,
			Locations: []acp.ToolCallLocation{{Path: in.FilePath}},
		}

	case claude.ToolNotebookRead:
		var in fileInput
		unmarshalLoose(input, &in)
		return ToolCallInfo{
			Title:     "Read " + in.NotebookPath,
			Kind:      acp.ToolKindRead,
			Locations: []acp.ToolCallLocation{{Path: in.NotebookPath}},
		}

	case claude.ToolNotebookEdit:
		var in fileInput
		unmarshalLoose(input, &in)
		return ToolCallInfo{
			Title:     "Edit " + in.NotebookPath,
			Kind:      acp.ToolKindEdit,
			Content:   []acp.ToolCallContent{diffBlock(in.NotebookPath, nil, in.NewSource)},
			Locations: []acp.ToolCallLocation{{Path: in.NotebookPath}},
		}

	case claude.ToolBash:
		var in shellInput
		unmarshalLoose(input, &in)
		title := in.Command
		if title == "" {
			title = in.Description
		}
		return ToolCallInfo{Title: title, Kind: acp.ToolKindExecute}

	case claude.ToolKillShell:
		var in shellInput
		unmarshalLoose(input, &in)
		return ToolCallInfo{Title: "Kill shell " + in.ShellID, Kind: acp.ToolKindExecute}

	case claude.ToolBashOutput:
		var in shellInput
		unmarshalLoose(input, &in)
		return ToolCallInfo{Title: "Tail output of shell " + in.BashID, Kind: acp.ToolKindExecute}

	case claude.ToolGlob:
		var in searchInput
		unmarshalLoose(input, &in)
		title := "Glob " + in.Pattern
		if in.Path != "" {
			title += " in " + in.Path
		}
		return ToolCallInfo{Title: title, Kind: acp.ToolKindSearch}

	case claude.ToolGrep:
		var in searchInput
		unmarshalLoose(input, &in)
		return ToolCallInfo{Title: grepTitle(&in), Kind: acp.ToolKindSearch}

	case claude.ToolWebFetch:
		var in webInput
		unmarshalLoose(input, &in)
		return ToolCallInfo{Title: "Fetch " + in.URL, Kind: acp.ToolKindFetch}

	case claude.ToolWebSearch:
		var in webInput
		unmarshalLoose(input, &in)
		return ToolCallInfo{Title: fmt.Sprintf("Search web for %q", in.Query), Kind: acp.ToolKindFetch}

	case claude.ToolTask:
		var in taskInput
		unmarshalLoose(input, &in)
		title := in.Description
		if title == "" {
			title = "Delegate to sub-agent"
		}
		return ToolCallInfo{Title: title, Kind: acp.ToolKindThink}

	case claude.ToolExitPlanMode:
		var in planInput
		unmarshalLoose(input, &in)
		info := ToolCallInfo{Title: "Exit plan mode", Kind: acp.ToolKindSwitchMode}
		if in.Plan != "" {
			info.Content = []acp.ToolCallContent{acp.ToolContent(acp.TextBlock(in.Plan))}
		}
		return info

	case claude.ToolTodoWrite:
		list, err := claude.ParseTodoWriteInput(input)
		if err != nil {
			return ToolCallInfo{Title: "Update todos", Kind: acp.ToolKindThink}
		}
		return ToolCallInfo{Title: list.Summary(), Kind: acp.ToolKindThink}

	case claude.ToolAskUser:
		var in askInput
		unmarshalLoose(input, &in)
		title := "Ask user"
		if len(in.Questions) > 0 && in.Questions[0].Question != "" {
			title = in.Questions[0].Question
		}
		return ToolCallInfo{Title: title, Kind: acp.ToolKindOther}

	default:
		return ToolCallInfo{Title: name, Kind: acp.ToolKindOther}
	}
}

// proxiedToolInfo shapes the bridge's own client-routed tools. Their results
// surface through the client's fs/terminal surfaces, so content stays empty.
func proxiedToolInfo(bare string, input json.RawMessage) ToolCallInfo {
	var in struct {
		Path    string `json:"path"`
		Command string `json:"command"`
	}
	unmarshalLoose(input, &in)

	switch bare {
	case "read":
		info := ToolCallInfo{Title: "Read " + in.Path, Kind: acp.ToolKindRead}
		if in.Path != "" {
			info.Locations = []acp.ToolCallLocation{{Path: in.Path}}
		}
		return info
	case "write":
		info := ToolCallInfo{Title: "Write " + in.Path, Kind: acp.ToolKindEdit}
		if in.Path != "" {
			info.Locations = []acp.ToolCallLocation{{Path: in.Path}}
		}
		return info
	case "edit":
		info := ToolCallInfo{Title: "Edit " + in.Path, Kind: acp.ToolKindEdit}
		if in.Path != "" {
			info.Locations = []acp.ToolCallLocation{{Path: in.Path}}
		}
		return info
	case "execute":
		return ToolCallInfo{Title: in.Command, Kind: acp.ToolKindExecute}
	case "kill-shell":
		return ToolCallInfo{Title: "Kill shell", Kind: acp.ToolKindExecute}
	case "tail-output":
		return ToolCallInfo{Title: "Tail shell output", Kind: acp.ToolKindExecute}
	default:
		return ToolCallInfo{Title: bare, Kind: acp.ToolKindOther}
	}
}

// grepTitle builds the search title with a single builder pass so large flag
// sets stay linear.
func grepTitle(in *searchInput) string {
	var b strings.Builder
	b.WriteString("grep")
	if in.Insensitive {
		b.WriteString(" -i")
	}
	if in.LineNumbers {
		b.WriteString(" -n")
	}
	if in.Type != "" {
		b.WriteString(" --type=")
		b.WriteString(in.Type)
	}
	if in.Glob != "" {
		b.WriteString(" --glob=")
		b.WriteString(in.Glob)
	}
	b.WriteString(" ")
	b.WriteString(fmt.Sprintf("%q", in.Pattern))
	if in.Path != "" {
		b.WriteString(" ")
		b.WriteString(in.Path)
	}
	return b.String()
}

// diffBlock builds a single diff content entry. A nil oldText means there was
// no prior content.
func diffBlock(path string, oldText *string, newText string) acp.ToolCallContent {
	return acp.ToolCallContent{
		Diff: &acp.ToolCallContentDiff{
			Path:    path,
			OldText: oldText,
			NewText: newText,
		},
	}
}

// unmarshalLoose decodes best-effort; translator branches degrade to empty
// fields instead of failing on malformed payloads.
func unmarshalLoose(input json.RawMessage, v any) {
	if len(input) == 0 {
		return
	}
	_ = json.Unmarshal(input, v)
}
