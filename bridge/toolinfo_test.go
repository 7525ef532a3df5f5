package bridge

import (
	"encoding/json"
	"strings"
	"testing"

	acp "github.com/coder/acp-go-sdk"

	"github.com/zhubert/plural-acp/claude"
)

func TestToolInfoWrite(t *testing.T) {
	info := ToolInfoFromToolUse(claude.ToolWrite, json.RawMessage(`{"file_path":"/a.txt","content":"hi"}`))

	if info.Title != "Write /a.txt" {
		t.Errorf("title = %q, want %q", info.Title, "Write /a.txt")
	}
	if info.Kind != acp.ToolKindEdit {
		t.Errorf("kind = %q, want edit", info.Kind)
	}
	if len(info.Content) != 1 || info.Content[0].Diff == nil {
		t.Fatalf("content = %+v, want one diff block", info.Content)
	}
	diff := info.Content[0].Diff
	if diff.Path != "/a.txt" {
		t.Errorf("diff path = %q, want /a.txt", diff.Path)
	}
	if diff.OldText != nil {
		t.Errorf("new file diff must carry nil old text, got %q", *diff.OldText)
	}
	if diff.NewText != "hi" {
		t.Errorf("diff new text = %q, want hi", diff.NewText)
	}
	if len(info.Locations) != 1 || info.Locations[0].Path != "/a.txt" {
		t.Errorf("locations = %+v, want /a.txt", info.Locations)
	}
}

func TestToolInfoEditCarriesOldText(t *testing.T) {
	info := ToolInfoFromToolUse(claude.ToolEdit, json.RawMessage(`{"file_path":"/b.go","old_string":"foo","new_string":"bar"}`))

	if info.Title != "Edit /b.go" {
		t.Errorf("title = %q", info.Title)
	}
	if len(info.Content) != 1 || info.Content[0].Diff == nil {
		t.Fatalf("content = %+v, want one diff block", info.Content)
	}
	diff := info.Content[0].Diff
	if diff.OldText == nil || *diff.OldText != "foo" {
		t.Errorf("old text = %v, want foo", diff.OldText)
	}
	if diff.NewText != "bar" {
		t.Errorf("new text = %q, want bar", diff.NewText)
	}
}

func TestToolInfoReadLineRangeIsOneBased(t *testing.T) {
	info := ToolInfoFromToolUse(claude.ToolRead, json.RawMessage(`{"file_path":"/c.txt","offset":10,"limit":5}`))
	if info.Title != "Read /c.txt (lines 10-14)" {
		t.Errorf("title = %q", info.Title)
	}

	// No offset means the range starts at line 1, never 0.
	info = ToolInfoFromToolUse(claude.ToolRead, json.RawMessage(`{"file_path":"/c.txt","limit":3}`))
	if info.Title != "Read /c.txt (lines 1-3)" {
		t.Errorf("title = %q", info.Title)
	}
}

func TestToolInfoKinds(t *testing.T) {
	tests := []struct {
		tool string
		want acp.ToolKind
	}{
		{claude.ToolRead, acp.ToolKindRead},
		{claude.ToolGlob, acp.ToolKindSearch},
		{claude.ToolGrep, acp.ToolKindSearch},
		{claude.ToolBash, acp.ToolKindExecute},
		{claude.ToolWebFetch, acp.ToolKindFetch},
		{claude.ToolWebSearch, acp.ToolKindFetch},
		{claude.ToolTask, acp.ToolKindThink},
		{claude.ToolTodoWrite, acp.ToolKindThink},
		{claude.ToolExitPlanMode, acp.ToolKindSwitchMode},
		{"SomethingNew", acp.ToolKindOther},
	}
	for _, tt := range tests {
		if got := ToolInfoFromToolUse(tt.tool, nil).Kind; got != tt.want {
			t.Errorf("%s: kind = %q, want %q", tt.tool, got, tt.want)
		}
	}
}

func TestToolInfoBashTitleIsCommand(t *testing.T) {
	info := ToolInfoFromToolUse(claude.ToolBash, json.RawMessage(`{"command":"go build ./...","description":"Build"}`))
	if info.Title != "go build ./..." {
		t.Errorf("title = %q", info.Title)
	}
}

func TestToolInfoGrepTitle(t *testing.T) {
	info := ToolInfoFromToolUse(claude.ToolGrep, json.RawMessage(`{"pattern":"func main","path":"cmd","-i":true,"-n":true,"glob":"*.go"}`))
	want := `grep -i -n --glob=*.go "func main" cmd`
	if info.Title != want {
		t.Errorf("title = %q, want %q", info.Title, want)
	}
}

func TestToolInfoGrepTitleLargeFlagSet(t *testing.T) {
	// Long patterns must not blow up title construction.
	pattern := strings.Repeat("x", 4096)
	info := ToolInfoFromToolUse(claude.ToolGrep, json.RawMessage(`{"pattern":"`+pattern+`"}`))
	if !strings.Contains(info.Title, pattern) {
		t.Error("pattern missing from title")
	}
}

func TestToolInfoTodoTitleJoinsSummaries(t *testing.T) {
	input := `{"todos":[
		{"content":"Fix parser","status":"completed","activeForm":"Fixing parser"},
		{"content":"Add tests","status":"in_progress","activeForm":"Adding tests"},
		{"content":"Update docs","status":"pending","activeForm":"Updating docs"}
	]}`
	info := ToolInfoFromToolUse(claude.ToolTodoWrite, json.RawMessage(input))
	want := "Fix parser, Add tests, Update docs"
	if info.Title != want {
		t.Errorf("title = %q, want %q", info.Title, want)
	}
}

func TestToolInfoMultiEdit(t *testing.T) {
	input := `{"file_path":"/m.go","edits":[
		{"old_string":"a","new_string":"b"},
		{"old_string":"c","new_string":"d"}
	]}`
	info := ToolInfoFromToolUse(claude.ToolMultiEdit, json.RawMessage(input))
	if info.Title != "Edit /m.go (2 edits)" {
		t.Errorf("title = %q", info.Title)
	}
	if len(info.Content) != 2 {
		t.Fatalf("got %d diff blocks, want 2", len(info.Content))
	}
	if info.Content[1].Diff == nil || info.Content[1].Diff.NewText != "d" {
		t.Errorf("second diff = %+v", info.Content[1])
	}
}

func TestToolInfoProxiedTools(t *testing.T) {
	info := ToolInfoFromToolUse("acp__read", json.RawMessage(`{"path":"/p.txt"}`))
	if info.Title != "Read /p.txt" || info.Kind != acp.ToolKindRead {
		t.Errorf("got %q/%q", info.Title, info.Kind)
	}
	if len(info.Content) != 0 {
		t.Error("proxied tools carry no content")
	}

	info = ToolInfoFromToolUse("acp__execute", json.RawMessage(`{"command":"ls"}`))
	if info.Title != "ls" || info.Kind != acp.ToolKindExecute {
		t.Errorf("got %q/%q", info.Title, info.Kind)
	}
}

func TestToolInfoMalformedInputDegrades(t *testing.T) {
	info := ToolInfoFromToolUse(claude.ToolWrite, json.RawMessage(`not json`))
	if info.Kind != acp.ToolKindEdit {
		t.Errorf("kind = %q, want edit even for malformed input", info.Kind)
	}
	if info.Title != "Write " {
		t.Errorf("title = %q", info.Title)
	}
}
