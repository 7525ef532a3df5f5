package rules

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/zhubert/plural-acp/claude"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	return path
}

func TestMissingRulesFileStartsEmpty(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "nope.yaml"), testLogger())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
	d := s.CheckPermission(claude.ToolBash, json.RawMessage(`{"command":"ls"}`))
	if d.Action != ActionAsk {
		t.Errorf("default action = %s, want ask", d.Action)
	}
}

func TestCheckPermissionMatching(t *testing.T) {
	path := writeRules(t, `rules:
  - tool: Bash
    pattern: "git *"
    action: allow
  - tool: Bash
    pattern: "rm *"
    action: deny
  - tool: Read
    pattern: "/etc/**"
    action: deny
  - tool: WebFetch
    action: allow
`)
	s, err := NewStore(path, testLogger())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	tests := []struct {
		name  string
		tool  string
		input string
		want  Action
	}{
		{"git allowed", claude.ToolBash, `{"command":"git status"}`, ActionAllow},
		{"rm denied", claude.ToolBash, `{"command":"rm -rf /"}`, ActionDeny},
		{"other commands ask", claude.ToolBash, `{"command":"make"}`, ActionAsk},
		{"etc denied", claude.ToolRead, `{"file_path":"/etc/passwd"}`, ActionDeny},
		{"home asks", claude.ToolRead, `{"file_path":"/home/x"}`, ActionAsk},
		{"patternless matches all", claude.ToolWebFetch, `{"url":"https://x.test"}`, ActionAllow},
		{"unlisted tool asks", claude.ToolGrep, `{"pattern":"x"}`, ActionAsk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := s.CheckPermission(tt.tool, json.RawMessage(tt.input))
			if d.Action != tt.want {
				t.Errorf("action = %s, want %s", d.Action, tt.want)
			}
		})
	}
}

func TestCommandPatternsCrossSlashes(t *testing.T) {
	path := writeRules(t, `rules:
  - tool: Bash
    pattern: "rm *"
    action: deny
  - tool: Bash
    pattern: "cat /etc/*"
    action: deny
`)
	s, err := NewStore(path, testLogger())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	tests := []struct {
		name    string
		command string
		want    Action
	}{
		{"slash in argument", "rm -rf /", ActionDeny},
		{"path argument", "rm /home/x/file.txt", ActionDeny},
		{"literal path prefix", "cat /etc/passwd", ActionDeny},
		{"different command asks", "ls /", ActionAsk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := json.RawMessage(`{"command":` + strconv.Quote(tt.command) + `}`)
			if d := s.CheckPermission(claude.ToolBash, input); d.Action != tt.want {
				t.Errorf("action = %s, want %s", d.Action, tt.want)
			}
		})
	}
}

func TestWildcardMatch(t *testing.T) {
	tests := []struct {
		pattern string
		s       string
		want    bool
	}{
		{"rm *", "rm -rf /", true},
		{"rm *", "rm", false},
		{"*", "anything at all", true},
		{"git * origin*", "git push origin main", true},
		{"git *", "got log", false},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"", "", true},
		{"**", "", true},
	}
	for _, tt := range tests {
		if got := wildcardMatch(tt.pattern, tt.s); got != tt.want {
			t.Errorf("wildcardMatch(%q, %q) = %v, want %v", tt.pattern, tt.s, got, tt.want)
		}
	}
}

func TestCheckPermissionFirstMatchWins(t *testing.T) {
	path := writeRules(t, `rules:
  - tool: Bash
    pattern: "git push*"
    action: deny
  - tool: Bash
    pattern: "git *"
    action: allow
`)
	s, err := NewStore(path, testLogger())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if d := s.CheckPermission(claude.ToolBash, json.RawMessage(`{"command":"git push origin"}`)); d.Action != ActionDeny {
		t.Errorf("action = %s, want deny from the earlier rule", d.Action)
	}
	if d := s.CheckPermission(claude.ToolBash, json.RawMessage(`{"command":"git log"}`)); d.Action != ActionAllow {
		t.Errorf("action = %s, want allow", d.Action)
	}
}

func TestCheckPermissionStripsProxiedPrefix(t *testing.T) {
	path := writeRules(t, `rules:
  - tool: Read
    pattern: "/secret/**"
    action: deny
`)
	s, err := NewStore(path, testLogger())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	d := s.CheckPermission("acp__Read", json.RawMessage(`{"file_path":"/secret/key"}`))
	if d.Action != ActionDeny {
		t.Errorf("proxied tool escaped the rule, action = %s", d.Action)
	}
}

func TestInvalidRulesRejected(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad action", "rules:\n  - tool: Bash\n    action: maybe\n"},
		{"missing tool", "rules:\n  - action: allow\n"},
		{"bad yaml", "rules: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewStore(writeRules(t, tt.content), testLogger()); err == nil {
				t.Error("NewStore accepted invalid rules")
			}
		})
	}
}
