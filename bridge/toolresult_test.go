package bridge

import (
	"encoding/json"
	"strings"
	"testing"

	acp "github.com/coder/acp-go-sdk"

	"github.com/zhubert/plural-acp/claude"
)

func textOf(c acp.ToolCallContent) string {
	if c.Content != nil && c.Content.Content.Text != nil {
		return c.Content.Content.Text.Text
	}
	return ""
}

func TestErrorResultShortCircuitsToFencedBlock(t *testing.T) {
	isErr := true
	block := &claude.ContentBlock{
		Type:      "tool_result",
		ToolUseID: "t1",
		Content:   json.RawMessage(`"boom"`),
		IsError:   &isErr,
	}

	// Tool identity must not matter for error results.
	for _, origin := range []string{claude.ToolWrite, claude.ToolBash, "acp__read", "Unknown"} {
		upd := ToolUpdateFromToolResult(block, origin, nil)
		if len(upd.Content) != 1 {
			t.Fatalf("%s: got %d content blocks, want 1", origin, len(upd.Content))
		}
		got := textOf(upd.Content[0])
		if got != "```\nboom\n```" {
			t.Errorf("%s: content = %q, want fenced boom", origin, got)
		}
	}
}

func TestEditResultParsesUnifiedDiff(t *testing.T) {
	diffText := "--- a/f.go\n+++ b/f.go\n@@ -3,3 +3,4 @@\n ctx\n-old line\n+new line\n+added line\n ctx2"
	block := &claude.ContentBlock{
		Type:      "tool_result",
		ToolUseID: "t1",
		Content:   mustJSON(t, diffText),
	}

	upd := ToolUpdateFromToolResult(block, claude.ToolEdit, json.RawMessage(`{"file_path":"/f.go"}`))
	if len(upd.Content) != 1 || upd.Content[0].Diff == nil {
		t.Fatalf("content = %+v, want one diff block", upd.Content)
	}

	diff := upd.Content[0].Diff
	if diff.Path != "/f.go" {
		t.Errorf("path = %q", diff.Path)
	}
	if diff.OldText == nil || *diff.OldText != "ctx\nold line\nctx2" {
		t.Errorf("old text = %v", diff.OldText)
	}
	if diff.NewText != "ctx\nnew line\nadded line\nctx2" {
		t.Errorf("new text = %q", diff.NewText)
	}

	if len(upd.Locations) != 1 {
		t.Fatalf("locations = %+v", upd.Locations)
	}
	if upd.Locations[0].Line == nil || *upd.Locations[0].Line != 3 {
		t.Errorf("location line = %v, want 3", upd.Locations[0].Line)
	}
}

func TestEditResultMultipleHunks(t *testing.T) {
	diffText := "@@ -1,1 +1,1 @@\n-a\n+b\n@@ -10,1 +10,1 @@\n-x\n+y"
	block := &claude.ContentBlock{Type: "tool_result", Content: mustJSON(t, diffText)}

	upd := ToolUpdateFromToolResult(block, claude.ToolEdit, json.RawMessage(`{"file_path":"/f.go"}`))
	if len(upd.Content) != 2 {
		t.Fatalf("got %d diff blocks, want 2", len(upd.Content))
	}
	if *upd.Locations[1].Line != 10 {
		t.Errorf("second hunk line = %d, want 10", *upd.Locations[1].Line)
	}
}

func TestReadResultStripsSystemReminder(t *testing.T) {
	raw := "line 1\n<system-reminder>internal note</system-reminder>\nline 2"
	block := &claude.ContentBlock{Type: "tool_result", Content: mustJSON(t, raw)}

	upd := ToolUpdateFromToolResult(block, claude.ToolRead, nil)
	if len(upd.Content) != 1 {
		t.Fatalf("content = %+v", upd.Content)
	}
	got := textOf(upd.Content[0])
	if strings.Contains(got, "system-reminder") || strings.Contains(got, "internal note") {
		t.Errorf("reminder not stripped: %q", got)
	}
	if !strings.Contains(got, "line 1") || !strings.Contains(got, "line 2") {
		t.Errorf("surrounding text lost: %q", got)
	}
}

func TestReadResultEscapesFences(t *testing.T) {
	raw := "before\n```go\ncode\n```\nafter"
	block := &claude.ContentBlock{Type: "tool_result", Content: mustJSON(t, raw)}

	upd := ToolUpdateFromToolResult(block, claude.ToolRead, nil)
	got := textOf(upd.Content[0])
	if strings.Contains(got, "```") {
		t.Errorf("literal fences survived: %q", got)
	}
}

func TestProxiedToolResultIsEmpty(t *testing.T) {
	block := &claude.ContentBlock{Type: "tool_result", Content: mustJSON(t, "anything")}
	upd := ToolUpdateFromToolResult(block, "acp__write", nil)
	if len(upd.Content) != 0 {
		t.Errorf("proxied result content = %+v, want empty", upd.Content)
	}
}

func TestGenericResultMapsBlocks(t *testing.T) {
	content := `[
		{"type":"text","text":"hello"},
		{"type":"image","source":{"type":"base64","media_type":"image/png","data":"aGk="}}
	]`
	block := &claude.ContentBlock{Type: "tool_result", Content: json.RawMessage(content)}

	upd := ToolUpdateFromToolResult(block, claude.ToolBash, nil)
	if len(upd.Content) != 2 {
		t.Fatalf("got %d blocks, want 2", len(upd.Content))
	}
	if textOf(upd.Content[0]) != "hello" {
		t.Errorf("text block = %q", textOf(upd.Content[0]))
	}
	img := upd.Content[1].Content
	if img == nil || img.Content.Image == nil || img.Content.Image.MimeType != "image/png" || img.Content.Image.Data != "aGk=" {
		t.Errorf("image block = %+v", upd.Content[1])
	}
}

func TestGenericResultStringContent(t *testing.T) {
	block := &claude.ContentBlock{Type: "tool_result", Content: mustJSON(t, "plain output")}
	upd := ToolUpdateFromToolResult(block, claude.ToolGlob, nil)
	if len(upd.Content) != 1 || textOf(upd.Content[0]) != "plain output" {
		t.Errorf("content = %+v", upd.Content)
	}
}

func TestParseUnifiedDiffWithoutHunksYieldsNothing(t *testing.T) {
	if hunks := parseUnifiedDiff("just some prose"); hunks != nil {
		t.Errorf("got %+v, want nil", hunks)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
