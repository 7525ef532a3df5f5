package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"

	"github.com/zhubert/plural-acp/claude"
)

// ErrPermissionAborted is raised when a permission prompt is cancelled,
// either by the caller's signal or by the client reporting a cancelled
// outcome. It unwinds the tool-use attempt rather than being read as a
// denial.
var ErrPermissionAborted = errors.New("permission prompt aborted")

// PermissionClient is the slice of the client connection the negotiator
// needs. acp.AgentSideConnection satisfies it.
type PermissionClient interface {
	RequestPermission(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error)
}

// PermissionDecision is the negotiator's verdict on one tool invocation.
type PermissionDecision struct {
	Allow bool

	// UpdatedInput optionally narrows or rewrites the tool input on allow.
	UpdatedInput json.RawMessage
	// UpdatedPermissions carries a rule suggestion the client may persist
	// for future automatic approval. Only ever set on allow.
	UpdatedPermissions json.RawMessage

	// Message is the human-readable reason on deny.
	Message string
	// Interrupt indicates the denial should interrupt the current turn.
	Interrupt bool
}

// Negotiator decides, per tool invocation, whether to act immediately, ask
// the user, or run a structured multi-question interaction. Trust state
// lives on the Session; the negotiator itself is stateless.
type Negotiator struct {
	client   PermissionClient
	sessions *SessionRegistry
	timeout  time.Duration
	log      *slog.Logger
}

// NewNegotiator creates a negotiator asking client, resolving sessions from
// registry. timeout bounds each client round-trip so a stuck prompt cannot
// leak resources.
func NewNegotiator(client PermissionClient, registry *SessionRegistry, timeout time.Duration, log *slog.Logger) *Negotiator {
	return &Negotiator{
		client:   client,
		sessions: registry,
		timeout:  timeout,
		log:      log,
	}
}

// CanUseTool runs the decision algorithm for one tool invocation. ctx is the
// cancellation signal: when it fires during a client round-trip, CanUseTool
// returns ErrPermissionAborted even if the client's response arrives moments
// later.
func (n *Negotiator) CanUseTool(ctx context.Context, sessionID string, req *claude.ControlRequest) (PermissionDecision, error) {
	sess := n.sessions.Get(sessionID)
	if sess == nil {
		return PermissionDecision{
			Message:   fmt.Sprintf("session %s not found", sessionID),
			Interrupt: true,
		}, nil
	}

	bare, _ := claude.ProxiedToolName(req.ToolName)

	switch bare {
	case claude.ToolAskUser:
		return n.askUserQuestions(ctx, sess, req)
	case claude.ToolExitPlanMode:
		// Always asked, regardless of current mode.
		return n.exitPlanMode(ctx, sess, req)
	}

	mode := sess.Mode()
	if mode == ModeBypassPermissions || (mode == ModeAcceptEdits && claude.IsEditTool(bare)) {
		return PermissionDecision{
			Allow:              true,
			UpdatedInput:       req.Input,
			UpdatedPermissions: suggestionOrDefault(req.PermissionSuggestions, alwaysAllowSuggestion(req.ToolName)),
		}, nil
	}

	return n.threeWayAsk(ctx, sess, req)
}

// threeWayAsk runs the standard allow-always / allow-once / reject prompt.
func (n *Negotiator) threeWayAsk(ctx context.Context, sess *Session, req *claude.ControlRequest) (PermissionDecision, error) {
	info := ToolInfoFromToolUse(req.ToolName, req.Input)

	optionID, err := n.roundTrip(ctx, permissionRequest(sess.ID, info, req.Input, []acp.PermissionOption{
		{OptionId: "allow_always", Name: "Always allow", Kind: acp.PermissionOptionKindAllowAlways},
		{OptionId: "allow", Name: "Allow", Kind: acp.PermissionOptionKindAllowOnce},
		{OptionId: "reject", Name: "Reject", Kind: acp.PermissionOptionKindRejectOnce},
	}))
	if err != nil {
		return PermissionDecision{}, err
	}

	switch optionID {
	case "allow_always":
		return PermissionDecision{
			Allow:              true,
			UpdatedInput:       req.Input,
			UpdatedPermissions: suggestionOrDefault(req.PermissionSuggestions, alwaysAllowSuggestion(req.ToolName)),
		}, nil
	case "allow":
		// A one-time grant carries no rule suggestion on purpose.
		return PermissionDecision{Allow: true, UpdatedInput: req.Input}, nil
	default:
		return PermissionDecision{
			Message:   fmt.Sprintf("User refused permission to run %s", req.ToolName),
			Interrupt: true,
		}, nil
	}
}

// exitPlanMode handles the plan-exit tool: ask the client how to proceed, on
// accept flip the session mode and notify the client before allowing.
func (n *Negotiator) exitPlanMode(ctx context.Context, sess *Session, req *claude.ControlRequest) (PermissionDecision, error) {
	info := ToolInfoFromToolUse(req.ToolName, req.Input)

	optionID, err := n.roundTrip(ctx, permissionRequest(sess.ID, info, req.Input, []acp.PermissionOption{
		{OptionId: acp.PermissionOptionId(ModeAcceptEdits), Name: "Yes, and auto-accept edits", Kind: acp.PermissionOptionKindAllowAlways},
		{OptionId: acp.PermissionOptionId(ModeDefault), Name: "Yes, and manually approve edits", Kind: acp.PermissionOptionKindAllowOnce},
		{OptionId: "reject", Name: "No, keep planning", Kind: acp.PermissionOptionKindRejectOnce},
	}))
	if err != nil {
		return PermissionDecision{}, err
	}

	switch PermissionMode(optionID) {
	case ModeAcceptEdits, ModeDefault:
		newMode := PermissionMode(optionID)
		sess.SetMode(newMode)
		if err := sess.Queue.Send(ctx, acp.SessionNotification{
			SessionId: acp.SessionId(sess.ID),
			Update: acp.SessionUpdate{
				CurrentModeUpdate: &acp.SessionCurrentModeUpdate{
					CurrentModeId: acp.SessionModeId(newMode),
				},
			},
		}); err != nil {
			n.log.Warn("mode change notification failed", "error", err)
		}
		return PermissionDecision{
			Allow:              true,
			UpdatedInput:       req.Input,
			UpdatedPermissions: suggestionOrDefault(req.PermissionSuggestions, setModeSuggestion(newMode)),
		}, nil
	default:
		return PermissionDecision{
			Message:   "User rejected the plan",
			Interrupt: true,
		}, nil
	}
}

// askUserQuestions runs the multi-question interactive prompt: each question
// is asked sequentially, answers are gathered, and the model reads them back
// from a single non-interrupting denial message.
func (n *Negotiator) askUserQuestions(ctx context.Context, sess *Session, req *claude.ControlRequest) (PermissionDecision, error) {
	var in askInput
	unmarshalLoose(req.Input, &in)
	if len(in.Questions) == 0 {
		return PermissionDecision{
			Message:   "AskUserQuestion input contained no questions",
			Interrupt: true,
		}, nil
	}

	var answers strings.Builder
	for qi, q := range in.Questions {
		options := make([]acp.PermissionOption, 0, len(q.Options))
		for oi, opt := range q.Options {
			options = append(options, acp.PermissionOption{
				OptionId: acp.PermissionOptionId(fmt.Sprintf("q%d_o%d", qi, oi)),
				Name:     opt.Label,
				Kind:     acp.PermissionOptionKindAllowOnce,
			})
		}

		qInfo := ToolCallInfo{Title: q.Question, Kind: acp.ToolKindOther}
		optionID, err := n.roundTrip(ctx, permissionRequest(sess.ID, qInfo, req.Input, options))
		if err != nil {
			return PermissionDecision{}, err
		}

		label := answerLabel(q, qi, optionID)
		if answers.Len() > 0 {
			answers.WriteString("\n")
		}
		fmt.Fprintf(&answers, "%s: %s", q.Question, label)
	}

	// Not an error: the model treats the denial message as the user's
	// answers and continues the turn.
	return PermissionDecision{
		Message: "User answered the questions:\n" + answers.String(),
	}, nil
}

// answerLabel resolves a selected option id back to its label.
func answerLabel(q askQuestion, qi int, optionID string) string {
	for oi, opt := range q.Options {
		if optionID == fmt.Sprintf("q%d_o%d", qi, oi) {
			return opt.Label
		}
	}
	return optionID
}

// roundTrip performs one client permission request, racing the caller's
// cancellation signal and the hard timeout against the response. The signal
// wins the race even when a response arrives moments later, and a response
// whose outcome is cancelled is treated the same as the signal firing.
func (n *Negotiator) roundTrip(ctx context.Context, req acp.RequestPermissionRequest) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	type result struct {
		resp acp.RequestPermissionResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := n.client.RequestPermission(reqCtx, req)
		ch <- result{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ErrPermissionAborted
	case res := <-ch:
		if ctx.Err() != nil {
			return "", ErrPermissionAborted
		}
		if res.err != nil {
			if reqCtx.Err() != nil {
				return "", ErrPermissionAborted
			}
			return "", res.err
		}
		if res.resp.Outcome.Cancelled != nil {
			return "", ErrPermissionAborted
		}
		if res.resp.Outcome.Selected == nil {
			return "", nil
		}
		return string(res.resp.Outcome.Selected.OptionId), nil
	}
}

// permissionRequest shapes one client prompt from translator output.
func permissionRequest(sessionID string, info ToolCallInfo, rawInput json.RawMessage, options []acp.PermissionOption) acp.RequestPermissionRequest {
	return acp.RequestPermissionRequest{
		SessionId: acp.SessionId(sessionID),
		Options:   options,
		ToolCall: acp.RequestPermissionToolCall{
			ToolCallId: acp.ToolCallId("perm_" + uuid.NewString()),
			Title:      acp.Ptr(info.Title),
			Kind:       acp.Ptr(info.Kind),
			RawInput:   rawInputMap(rawInput),
			Content:    info.Content,
			Locations:  info.Locations,
		},
	}
}

// rawInputMap decodes raw tool input for the prompt payload; malformed input
// degrades to nil rather than failing the prompt.
func rawInputMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// permissionUpdate is the wire shape of a rule suggestion.
type permissionUpdate struct {
	Type        string           `json:"type"`
	Mode        string           `json:"mode,omitempty"`
	Behavior    string           `json:"behavior,omitempty"`
	Rules       []permissionRule `json:"rules,omitempty"`
	Destination string           `json:"destination"`
}

type permissionRule struct {
	ToolName string `json:"toolName"`
}

// alwaysAllowSuggestion builds the default "always allow this tool" rule
// suggestion.
func alwaysAllowSuggestion(toolName string) json.RawMessage {
	data, err := json.Marshal([]permissionUpdate{{
		Type:        "addRules",
		Behavior:    "allow",
		Rules:       []permissionRule{{ToolName: toolName}},
		Destination: "session",
	}})
	if err != nil {
		return nil
	}
	return data
}

// setModeSuggestion builds the default "set mode" suggestion emitted on plan
// exit.
func setModeSuggestion(mode PermissionMode) json.RawMessage {
	data, err := json.Marshal([]permissionUpdate{{
		Type:        "setMode",
		Mode:        string(mode),
		Destination: "session",
	}})
	if err != nil {
		return nil
	}
	return data
}

// suggestionOrDefault prefers the caller-supplied suggestion when present.
func suggestionOrDefault(supplied, fallback json.RawMessage) json.RawMessage {
	if len(supplied) > 0 && string(supplied) != "null" {
		return supplied
	}
	return fallback
}
