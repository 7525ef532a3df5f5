package bridge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	acp "github.com/coder/acp-go-sdk"

	"github.com/zhubert/plural-acp/claude"
)

// ToolCallUpdate is the translator's contribution to a tool-call update
// notification. Nil/empty fields mean "leave unchanged".
type ToolCallUpdate struct {
	Title     *string
	Content   []acp.ToolCallContent
	Locations []acp.ToolCallLocation
}

const systemReminderOpen = "<system-reminder>"
const systemReminderClose = "</system-reminder>"

// ToolUpdateFromToolResult converts a tool_result block into protocol
// content, dispatching on the originating tool-use. Error-flagged results
// short-circuit to a fenced error block regardless of tool identity.
func ToolUpdateFromToolResult(result *claude.ContentBlock, originName string, originInput json.RawMessage) ToolCallUpdate {
	text := resultText(result.Content)

	if result.IsError != nil && *result.IsError && text != "" {
		return ToolCallUpdate{
			Content: []acp.ToolCallContent{fencedBlock(text)},
		}
	}

	if claude.IsProxiedTool(originName) {
		// Proxied tool results already surfaced through the client's own
		// fs/terminal path.
		return ToolCallUpdate{}
	}

	switch originName {
	case claude.ToolEdit, claude.ToolMultiEdit, claude.ToolNotebookEdit:
		return editResultUpdate(text, originInput)

	case claude.ToolRead, claude.ToolNotebookRead:
		cleaned := escapeFences(stripSystemReminders(text))
		if cleaned == "" {
			return ToolCallUpdate{}
		}
		return ToolCallUpdate{
			Content: []acp.ToolCallContent{acp.ToolContent(acp.TextBlock(cleaned))},
		}

	default:
		return ToolCallUpdate{Content: genericResultContent(result.Content)}
	}
}

// editResultUpdate parses the result text as a unified diff and emits one
// diff block per hunk. When the text carries no hunks the update is empty;
// the original tool-use diff already told the story.
func editResultUpdate(text string, originInput json.RawMessage) ToolCallUpdate {
	var in fileInput
	unmarshalLoose(originInput, &in)
	path := in.FilePath
	if path == "" {
		path = in.NotebookPath
	}

	hunks := parseUnifiedDiff(text)
	if len(hunks) == 0 {
		return ToolCallUpdate{}
	}

	content := make([]acp.ToolCallContent, 0, len(hunks))
	locations := make([]acp.ToolCallLocation, 0, len(hunks))
	for _, h := range hunks {
		old := h.oldText
		content = append(content, diffBlock(path, &old, h.newText))
		line := h.newStart
		locations = append(locations, acp.ToolCallLocation{Path: path, Line: acp.Ptr(line)})
	}
	return ToolCallUpdate{Content: content, Locations: locations}
}

// hunk is one @@-delimited section of a unified diff.
type hunk struct {
	oldStart int
	newStart int
	oldText  string
	newText  string
}

// parseUnifiedDiff splits unified-diff text hunk by hunk, separating removed,
// added, and context lines into the old and new sides. Text without hunk
// headers yields nil.
func parseUnifiedDiff(text string) []hunk {
	var hunks []hunk
	var cur *hunk
	var oldLines, newLines []string

	flush := func() {
		if cur == nil {
			return
		}
		cur.oldText = strings.Join(oldLines, "\n")
		cur.newText = strings.Join(newLines, "\n")
		hunks = append(hunks, *cur)
		cur = nil
	}

	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			flush()
			oldStart, newStart := parseHunkHeader(line)
			cur = &hunk{oldStart: oldStart, newStart: newStart}
			oldLines = oldLines[:0]
			newLines = newLines[:0]
		case cur == nil:
			// File headers and leading prose before the first hunk.
		case strings.HasPrefix(line, "-"):
			oldLines = append(oldLines, line[1:])
		case strings.HasPrefix(line, "+"):
			newLines = append(newLines, line[1:])
		case strings.HasPrefix(line, " "):
			oldLines = append(oldLines, line[1:])
			newLines = append(newLines, line[1:])
		case line == "":
			oldLines = append(oldLines, "")
			newLines = append(newLines, "")
		}
	}
	flush()
	return hunks
}

// parseHunkHeader extracts the 1-based start lines from "@@ -a,b +c,d @@".
func parseHunkHeader(line string) (oldStart, newStart int) {
	oldStart, newStart = 1, 1
	fields := strings.Fields(line)
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		numPart := f[1:]
		if i := strings.IndexByte(numPart, ','); i >= 0 {
			numPart = numPart[:i]
		}
		n, err := strconv.Atoi(numPart)
		if err != nil {
			continue
		}
		switch f[0] {
		case '-':
			oldStart = n
		case '+':
			newStart = n
		}
	}
	return oldStart, newStart
}

// stripSystemReminders removes injected reminder sections from read results
// before they are shown to the client.
func stripSystemReminders(text string) string {
	for {
		start := strings.Index(text, systemReminderOpen)
		if start < 0 {
			return strings.TrimSpace(text)
		}
		end := strings.Index(text[start:], systemReminderClose)
		if end < 0 {
			return strings.TrimSpace(text[:start])
		}
		text = text[:start] + text[start+end+len(systemReminderClose):]
	}
}

// escapeFences neutralizes literal code fences so embedding the text in
// markdown cannot terminate an enclosing block early.
func escapeFences(text string) string {
	return strings.ReplaceAll(text, "```", "\\`\\`\\`")
}

// fencedBlock wraps text in a fenced code block as a single text content
// entry.
func fencedBlock(text string) acp.ToolCallContent {
	return acp.ToolContent(acp.TextBlock("```\n" + text + "\n```"))
}

// resultBlock mirrors the entries of an array-form tool_result content.
type resultBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	Source *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
	} `json:"source,omitempty"`

	// web search / code execution variants
	Title   string          `json:"title,omitempty"`
	URL     string          `json:"url,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Stdout  string          `json:"stdout,omitempty"`
	Stderr  string          `json:"stderr,omitempty"`
}

// resultText flattens result content (string or array form) into plain text.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []resultBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// genericResultContent maps each result content variant onto a text or image
// block. Unknown variants degrade to a fenced dump instead of failing.
func genericResultContent(raw json.RawMessage) []acp.ToolCallContent {
	if len(raw) == 0 {
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []acp.ToolCallContent{acp.ToolContent(acp.TextBlock(s))}
	}

	var blocks []resultBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return []acp.ToolCallContent{fencedBlock(string(raw))}
	}

	var out []acp.ToolCallContent
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, acp.ToolContent(acp.TextBlock(b.Text)))
		case "image":
			if b.Source != nil && b.Source.Type == "base64" {
				out = append(out, acp.ToolContent(acp.ContentBlock{
					Image: &acp.ContentBlockImage{
						MimeType: b.Source.MediaType,
						Data:     b.Source.Data,
					},
				}))
			}
		case "web_search_result", "web_search_tool_result":
			title := b.Title
			if b.URL != "" {
				title = fmt.Sprintf("%s (%s)", b.Title, b.URL)
			}
			out = append(out, acp.ToolContent(acp.TextBlock(title)))
		case "code_execution_result", "bash_code_execution_result":
			text := b.Stdout
			if b.Stderr != "" {
				text += "\n" + b.Stderr
			}
			out = append(out, fencedBlock(text))
		case "code_execution_tool_result_error", "tool_result_error":
			out = append(out, fencedBlock(b.Text))
		default:
			data, err := json.Marshal(b)
			if err != nil {
				continue
			}
			out = append(out, fencedBlock(string(data)))
		}
	}
	return out
}
