package claude

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StreamMessage represents one JSON line of the subprocess's stream-json
// protocol, in either direction.
type StreamMessage struct {
	Type            string `json:"type"`                         // "system", "assistant", "user", "result", "stream_event", "control_request", "control_response", "control_cancel_request"
	Subtype         string `json:"subtype,omitempty"`            // "init", "success", "task_notification", ...
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"` // Non-empty when message is from a subagent

	Message MessagePayload `json:"message,omitempty"`

	// ToolUseResult carries rich details about a tool execution result.
	// This is a top-level field on user messages, separate from
	// message.content. It can be a plain string or a structured object.
	ToolUseResult *ToolUseResult `json:"tool_use_result,omitempty"`

	Result    string   `json:"result,omitempty"`   // Final result text
	IsError   bool     `json:"is_error,omitempty"` // Result-level error flag
	Errors    []string `json:"errors,omitempty"`   // Error messages (error_during_execution)
	SessionID string   `json:"session_id,omitempty"`

	// Control-plane fields (type = "control_request" / "control_response").
	RequestID string           `json:"request_id,omitempty"`
	Request   *ControlRequest  `json:"request,omitempty"`
	Response  *ControlResponse `json:"response,omitempty"`
}

// MessagePayload is the nested API message on assistant/user stream messages.
type MessagePayload struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is one entry of message.content. The populated fields depend
// on Type: "text", "thinking", "tool_use", or "tool_result".
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use fields
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result fields
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"` // string or array of blocks
	IsError   *bool           `json:"is_error,omitempty"`
}

// ControlRequest is the payload of a control_request message. The subprocess
// sends can_use_tool requests; the bridge sends interrupt and
// set_permission_mode requests.
type ControlRequest struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Mode     string          `json:"mode,omitempty"`

	// PermissionSuggestions carries caller-supplied rule suggestions on
	// can_use_tool requests. Opaque to this package.
	PermissionSuggestions json.RawMessage `json:"permission_suggestions,omitempty"`
}

// ControlResponse is the payload of a control_response message.
type ControlResponse struct {
	Subtype   string          `json:"subtype"` // "success" or "error"
	RequestID string          `json:"request_id,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ParseStreamMessage parses one line of stream-json output. It returns
// (nil, nil) for blank or non-JSON lines — the CLI with --verbose can emit
// informational lines on stdout that must be ignored, not treated as errors.
func ParseStreamMessage(line string) (*StreamMessage, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	if !strings.HasPrefix(line, "{") {
		return nil, nil
	}

	var msg StreamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, fmt.Errorf("failed to parse stream message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("stream message missing type")
	}
	return &msg, nil
}

// IsTaskNotification reports whether this is the out-of-band system event the
// router hands to its side-channel handler instead of the turn loop.
func (m *StreamMessage) IsTaskNotification() bool {
	return m.Type == "system" && m.Subtype == "task_notification"
}

// ToolUseResult wraps the tool_use_result field, which can be either a plain
// string (errors and simple results) or a structured object.
type ToolUseResult struct {
	// StringValue is populated when tool_use_result is a plain string.
	StringValue string
	// Data is populated when tool_use_result is a structured object.
	Data *ToolUseResultData
}

// ToolUseResultData holds the structured variant of tool_use_result.
// Different tools populate different fields.
type ToolUseResultData struct {
	Type string `json:"type,omitempty"`

	// Read tool results
	File *ToolUseResultFile `json:"file,omitempty"`

	// Edit tool results
	FilePath        string `json:"filePath,omitempty"`
	OldString       string `json:"oldString,omitempty"`
	NewString       string `json:"newString,omitempty"`
	StructuredPatch any    `json:"structuredPatch,omitempty"`

	// Glob tool results
	NumFiles  int      `json:"numFiles,omitempty"`
	Filenames []string `json:"filenames,omitempty"`

	// Bash tool results
	ExitCode *int   `json:"exitCode,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// ToolUseResultFile describes the file info on Read tool results.
type ToolUseResultFile struct {
	FilePath   string `json:"filePath,omitempty"`
	NumLines   int    `json:"numLines,omitempty"`
	StartLine  int    `json:"startLine,omitempty"`
	TotalLines int    `json:"totalLines,omitempty"`
}

// UnmarshalJSON handles both the string and structured-object forms.
func (r *ToolUseResult) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.StringValue = s
		return nil
	}

	var obj ToolUseResultData
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.Data = &obj
	return nil
}

// MarshalJSON writes back whichever variant is populated.
func (r ToolUseResult) MarshalJSON() ([]byte, error) {
	if r.Data != nil {
		return json.Marshal(r.Data)
	}
	return json.Marshal(r.StringValue)
}

// UserTextMessage builds an outbound user message line (without trailing
// newline) carrying a single text block.
func UserTextMessage(sessionID, text string) ([]byte, error) {
	msg := StreamMessage{
		Type:      "user",
		SessionID: sessionID,
		Message: MessagePayload{
			Role: "user",
			Content: []ContentBlock{
				{Type: "text", Text: text},
			},
		},
	}
	return json.Marshal(msg)
}
