// Package rules implements the permission-rule store consulted before any
// tool invocation reaches the permission negotiator.
//
// Rules live in a yaml file the user (or their editor) maintains; the bridge
// only reads it. Each rule names a tool, an optional glob pattern matched
// against the tool's most salient input field, and an action:
//
//	rules:
//	  - tool: Bash
//	    pattern: "git *"
//	    action: allow
//	  - tool: Read
//	    pattern: "/etc/**"
//	    action: deny
//
// CheckPermission returns allow, deny, or ask. Ask is the default and routes
// the invocation into the interactive negotiation flow.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/zhubert/plural-acp/claude"
)

// Action is a rule's verdict for a matching tool invocation.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// Rule matches tool invocations by name and input pattern.
type Rule struct {
	Tool    string `yaml:"tool"`
	Pattern string `yaml:"pattern,omitempty"` // empty matches any input
	Action  Action `yaml:"action"`
}

// Decision is the result of a permission check.
type Decision struct {
	Action Action
	Rule   *Rule // the matching rule, nil when defaulting to ask
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Store holds the loaded rule set and reloads it when the file changes.
// The bridge never writes the file — rule updates are suggested to the
// client, which owns persistence.
type Store struct {
	path string
	log  *slog.Logger

	mu    sync.RWMutex
	rules []Rule
}

// NewStore creates a store for the given rules file and performs an initial
// load. A missing file is not an error — the store starts empty.
func NewStore(path string, log *slog.Logger) (*Store, error) {
	s := &Store{path: path, log: log}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads and validates the rules file, replacing the in-memory set.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.rules = nil
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}

	var parsed ruleFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse rules %s: %w", s.path, err)
	}
	for i, r := range parsed.Rules {
		switch r.Action {
		case ActionAllow, ActionDeny, ActionAsk:
		default:
			return fmt.Errorf("rule %d: invalid action %q", i, r.Action)
		}
		if r.Tool == "" {
			return fmt.Errorf("rule %d: missing tool", i)
		}
	}

	s.mu.Lock()
	s.rules = parsed.Rules
	s.mu.Unlock()
	s.log.Debug("rules loaded", "count", len(parsed.Rules))
	return nil
}

// Len returns the number of loaded rules.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// CheckPermission evaluates the rule set against a tool invocation. The
// first matching rule wins; no match means ask.
func (s *Store) CheckPermission(toolName string, input json.RawMessage) Decision {
	// Proxied tools are gated by the client itself; rules apply to the
	// bare name so one rule covers both surfaces.
	name, _ := claude.ProxiedToolName(toolName)
	subject := salientInput(name, input)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.rules {
		r := &s.rules[i]
		if r.Tool != name {
			continue
		}
		if r.Pattern == "" {
			return Decision{Action: r.Action, Rule: r}
		}
		ok, err := matchPattern(name, r.Pattern, subject)
		if err != nil {
			s.log.Warn("bad rule pattern", "pattern", r.Pattern, "error", err)
			continue
		}
		if ok {
			return Decision{Action: r.Action, Rule: r}
		}
	}
	return Decision{Action: ActionAsk}
}

// flatPatternTools match their salient input as opaque text rather than a
// path: in a shell command or search query, '/' is just a character, and a
// pattern like "rm *" must cover "rm -rf /".
var flatPatternTools = map[string]bool{
	claude.ToolBash:      true,
	claude.ToolGrep:      true,
	claude.ToolWebSearch: true,
}

// matchPattern matches a rule pattern against the tool's salient input.
// Path-valued fields use doublestar globs; command-like fields use a flat
// wildcard where '*' crosses separators.
func matchPattern(toolName, pattern, subject string) (bool, error) {
	if flatPatternTools[toolName] {
		return wildcardMatch(pattern, subject), nil
	}
	return doublestar.Match(pattern, subject)
}

// wildcardMatch reports whether s matches pattern, where '*' matches any run
// of characters (separators included) and '?' matches one byte.
func wildcardMatch(pattern, s string) bool {
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == s[si]):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '*':
			star, mark = pi, si
			pi++
		case star >= 0:
			// Backtrack: let the last '*' absorb one more byte.
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// salientFields maps tool names to the input field their rules match against.
var salientFields = map[string]string{
	claude.ToolRead:         "file_path",
	claude.ToolWrite:        "file_path",
	claude.ToolEdit:         "file_path",
	claude.ToolMultiEdit:    "file_path",
	claude.ToolNotebookRead: "notebook_path",
	claude.ToolNotebookEdit: "notebook_path",
	claude.ToolBash:         "command",
	claude.ToolGlob:         "pattern",
	claude.ToolGrep:         "pattern",
	claude.ToolWebFetch:     "url",
	claude.ToolWebSearch:    "query",
}

// salientInput extracts the field a rule's pattern is matched against.
// Unknown tools fall back to the first string value in the input.
func salientInput(toolName string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	if field, ok := salientFields[toolName]; ok {
		if v, ok := fields[field].(string); ok {
			return v
		}
		return ""
	}
	for _, v := range fields {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Watch reloads the rule set whenever the file changes, until the context is
// cancelled. A failed reload keeps the last good rule set.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files by rename,
	// which drops a direct file watch.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != s.path {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if err := s.load(); err != nil {
				s.log.Warn("rules reload failed, keeping previous set", "error", err)
			} else {
				s.log.Info("rules reloaded", "count", s.Len())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("rules watcher error", "error", err)
		}
	}
}
