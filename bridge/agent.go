package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	acp "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"

	"github.com/zhubert/plural-acp/claude"
	"github.com/zhubert/plural-acp/config"
	"github.com/zhubert/plural-acp/logger"
	"github.com/zhubert/plural-acp/rules"
)

// Agent implements the client-facing protocol surface and owns the live
// session registry. One Agent serves one client connection.
type Agent struct {
	cfg   *config.Config
	rules *rules.Store
	store *SessionStore
	log   *slog.Logger

	conn     *acp.AgentSideConnection
	registry *SessionRegistry
	neg      *Negotiator
}

// NewAgent creates an agent. The connection is attached later via
// SetAgentConnection, once the transport exists.
func NewAgent(cfg *config.Config, ruleStore *rules.Store, store *SessionStore, log *slog.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		rules:    ruleStore,
		store:    store,
		log:      log,
		registry: NewSessionRegistry(),
	}
}

// SetAgentConnection attaches the client connection. Called by the SDK once
// the connection is constructed around this agent.
func (a *Agent) SetAgentConnection(conn *acp.AgentSideConnection) {
	a.conn = conn
	a.neg = NewNegotiator(conn, a.registry, a.cfg.PermissionTimeout(), a.log)
}

// Shutdown tears down every live session.
func (a *Agent) Shutdown() {
	a.registry.CloseAll()
}

// Initialize advertises the bridge's capabilities.
func (a *Agent) Initialize(ctx context.Context, params acp.InitializeRequest) (acp.InitializeResponse, error) {
	a.log.Info("client connected", "protocolVersion", params.ProtocolVersion)
	return acp.InitializeResponse{
		ProtocolVersion: acp.ProtocolVersionNumber,
		AgentCapabilities: acp.AgentCapabilities{
			LoadSession: true,
		},
	}, nil
}

// Authenticate is a no-op; the subprocess carries its own credentials.
func (a *Agent) Authenticate(ctx context.Context, params acp.AuthenticateRequest) (acp.AuthenticateResponse, error) {
	return acp.AuthenticateResponse{}, nil
}

// NewSession spawns a subprocess and builds its pipeline.
func (a *Agent) NewSession(ctx context.Context, params acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	id := uuid.NewString()
	mode := PermissionMode(a.cfg.DefaultMode)

	sess, err := a.startSession(id, params.Cwd, false, mode)
	if err != nil {
		return acp.NewSessionResponse{}, err
	}

	now := time.Now()
	if err := a.store.Save(&SessionRecord{
		ID:         id,
		WorkingDir: params.Cwd,
		Mode:       string(mode),
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		a.log.Warn("failed to persist session", "sessionID", id, "error", err)
	}

	a.advertiseCommands(sess)

	a.log.Info("session created", "sessionID", id, "cwd", params.Cwd)
	return acp.NewSessionResponse{
		SessionId: acp.SessionId(id),
		Modes:     modeState(mode),
	}, nil
}

// LoadSession resumes a persisted session by id.
func (a *Agent) LoadSession(ctx context.Context, params acp.LoadSessionRequest) (acp.LoadSessionResponse, error) {
	id := string(params.SessionId)

	rec, err := a.store.Read(id)
	if err != nil {
		return acp.LoadSessionResponse{}, fmt.Errorf("unknown session %s", id)
	}

	cwd := params.Cwd
	if cwd == "" {
		cwd = rec.WorkingDir
	}

	mode := PermissionMode(rec.Mode)
	if !ValidMode(rec.Mode) {
		mode = ModeDefault
	}

	sess, err := a.startSession(id, cwd, true, mode)
	if err != nil {
		return acp.LoadSessionResponse{}, err
	}
	sess.SetTitle(rec.Title)

	a.advertiseCommands(sess)

	a.log.Info("session resumed", "sessionID", id, "cwd", cwd)
	return acp.LoadSessionResponse{Modes: modeState(mode)}, nil
}

// Prompt runs one turn against the session's subprocess.
func (a *Agent) Prompt(ctx context.Context, params acp.PromptRequest) (acp.PromptResponse, error) {
	sess := a.registry.Get(string(params.SessionId))
	if sess == nil {
		return acp.PromptResponse{}, fmt.Errorf("session %s not found", params.SessionId)
	}

	text := promptText(params.Prompt)
	if text == "" {
		return acp.PromptResponse{}, errors.New("prompt contained no text")
	}
	sess.SetTitle(titleFromPrompt(text))

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.SetTurnCancel(cancel)
	defer sess.SetTurnCancel(nil)

	if err := sess.Proc.WriteUserText(text); err != nil {
		return acp.PromptResponse{}, fmt.Errorf("failed to send prompt: %w", err)
	}

	stop, err := runTurn(turnCtx, sess, a.log)
	if err != nil {
		return acp.PromptResponse{}, err
	}

	a.touchRecord(sess)
	return acp.PromptResponse{StopReason: stop}, nil
}

// Cancel aborts the session's in-flight turn and interrupts the subprocess.
func (a *Agent) Cancel(ctx context.Context, params acp.CancelNotification) error {
	sess := a.registry.Get(string(params.SessionId))
	if sess == nil {
		return fmt.Errorf("session %s not found", params.SessionId)
	}

	a.log.Info("cancelling turn", "sessionID", sess.ID)
	sess.CancelTurn()

	if err := sess.Proc.Interrupt(ctx); err != nil {
		a.log.Warn("interrupt failed", "sessionID", sess.ID, "error", err)
	}
	return nil
}

// SetSessionMode changes the session's permission mode at the client's
// request, mirroring it into the subprocess.
func (a *Agent) SetSessionMode(ctx context.Context, params acp.SetSessionModeRequest) (acp.SetSessionModeResponse, error) {
	sess := a.registry.Get(string(params.SessionId))
	if sess == nil {
		return acp.SetSessionModeResponse{}, fmt.Errorf("session %s not found", params.SessionId)
	}
	if !ValidMode(string(params.ModeId)) {
		return acp.SetSessionModeResponse{}, fmt.Errorf("unknown mode %q", params.ModeId)
	}

	mode := PermissionMode(params.ModeId)
	sess.SetMode(mode)

	if err := sess.Proc.SetPermissionMode(ctx, string(mode)); err != nil {
		a.log.Warn("subprocess mode change failed", "sessionID", sess.ID, "error", err)
	}

	if err := sess.Queue.Send(ctx, acp.SessionNotification{
		SessionId: params.SessionId,
		Update: acp.SessionUpdate{
			CurrentModeUpdate: &acp.SessionCurrentModeUpdate{
				CurrentModeId: params.ModeId,
			},
		},
	}); err != nil {
		a.log.Warn("mode change notification failed", "error", err)
	}

	a.touchRecord(sess)
	return acp.SetSessionModeResponse{}, nil
}

// startSession wires up one session's pipeline: subprocess, router, queue.
func (a *Agent) startSession(id, cwd string, resume bool, mode PermissionMode) (*Session, error) {
	log := logger.WithSession(id)

	allowedTools := a.cfg.AllowedTools
	if len(allowedTools) == 0 {
		allowedTools = claude.DefaultAllowedTools()
	}

	proc := claude.NewProcessManager(claude.ProcessConfig{
		SessionID:    id,
		WorkingDir:   cwd,
		Binary:       a.cfg.ClaudeBinary,
		Resume:       resume,
		AllowedTools: allowedTools,
	}, claude.ProcessCallbacks{
		OnCanUseTool: func(ctx context.Context, req *claude.ControlRequest) ([]byte, error) {
			return a.canUseTool(ctx, id, req)
		},
		OnProcessExit: func(err error, stderr string) {
			a.onProcessExit(id, err, stderr)
		},
	}, log)

	queue := NewNotificationQueue(a.conn, log)
	router := NewRouter(proc, a.taskNotificationHandler(id), log)

	sess := &Session{
		ID:         id,
		WorkingDir: cwd,
		Proc:       proc,
		Router:     router,
		Queue:      queue,
		Rules:      a.rules,
		mode:       mode,
		updatedAt:  time.Now(),
	}
	a.registry.Add(sess)

	if err := proc.Start(); err != nil {
		a.registry.Remove(id)
		queue.Close()
		return nil, fmt.Errorf("failed to start subprocess: %w", err)
	}
	router.Start()

	return sess, nil
}

// canUseTool is the per-invocation permission hook: rule store first, then
// the interactive negotiator for anything the rules leave open.
func (a *Agent) canUseTool(ctx context.Context, sessionID string, req *claude.ControlRequest) ([]byte, error) {
	if a.rules != nil {
		switch d := a.rules.CheckPermission(req.ToolName, req.Input); d.Action {
		case rules.ActionAllow:
			a.log.Debug("tool allowed by rule", "tool", req.ToolName)
			return allowPayload(req.Input, nil)
		case rules.ActionDeny:
			a.log.Debug("tool denied by rule", "tool", req.ToolName)
			return denyPayload(fmt.Sprintf("Use of %s is denied by a permission rule", req.ToolName), false)
		}
	}

	decision, err := a.neg.CanUseTool(ctx, sessionID, req)
	if err != nil {
		return nil, err
	}
	if decision.Allow {
		return allowPayload(decision.UpdatedInput, decision.UpdatedPermissions)
	}
	return denyPayload(decision.Message, decision.Interrupt)
}

// taskNotificationHandler forwards out-of-band task notifications to the
// client as agent message chunks, even when no turn is in progress.
func (a *Agent) taskNotificationHandler(sessionID string) SystemEventHandler {
	return func(ctx context.Context, msg *claude.StreamMessage) error {
		sess := a.registry.Get(sessionID)
		if sess == nil {
			return fmt.Errorf("session %s gone", sessionID)
		}

		text := msg.Result
		if text == "" {
			for _, block := range msg.Message.Content {
				if block.Type == "text" && block.Text != "" {
					text = block.Text
					break
				}
			}
		}
		if text == "" {
			return nil
		}

		sess.Queue.Enqueue(acp.SessionNotification{
			SessionId: acp.SessionId(sessionID),
			Update:    acp.UpdateAgentMessageText(text),
		})
		return nil
	}
}

// onProcessExit tears down the session when its subprocess dies.
func (a *Agent) onProcessExit(sessionID string, err error, stderr string) {
	if err != nil {
		a.log.Warn("subprocess exited", "sessionID", sessionID, "error", err, "stderr", stderr)
	} else {
		a.log.Info("subprocess exited", "sessionID", sessionID)
	}

	sess := a.registry.Remove(sessionID)
	if sess == nil {
		return
	}
	a.touchRecord(sess)
	sess.Close()
}

// advertiseCommands sends the (currently empty) slash-command set so clients
// render a consistent command palette.
func (a *Agent) advertiseCommands(sess *Session) {
	sess.Queue.Enqueue(acp.SessionNotification{
		SessionId: acp.SessionId(sess.ID),
		Update: acp.SessionUpdate{
			AvailableCommandsUpdate: &acp.SessionAvailableCommandsUpdate{
				AvailableCommands: []acp.AvailableCommand{},
			},
		},
	})
}

// touchRecord persists the session's current bookkeeping.
func (a *Agent) touchRecord(sess *Session) {
	rec, err := a.store.Read(sess.ID)
	if err != nil {
		return
	}
	rec.Title = sess.Title()
	rec.Mode = string(sess.Mode())
	rec.UpdatedAt = time.Now()
	if err := a.store.Save(rec); err != nil {
		a.log.Warn("failed to persist session", "sessionID", sess.ID, "error", err)
	}
}

// modeState advertises the full mode set with the current selection.
func modeState(current PermissionMode) *acp.SessionModeState {
	return &acp.SessionModeState{
		CurrentModeId: acp.SessionModeId(current),
		AvailableModes: []acp.SessionMode{
			{Id: acp.SessionModeId(ModeDefault), Name: "Always Ask"},
			{Id: acp.SessionModeId(ModePlan), Name: "Plan"},
			{Id: acp.SessionModeId(ModeAcceptEdits), Name: "Accept Edits"},
			{Id: acp.SessionModeId(ModeBypassPermissions), Name: "Bypass Permissions"},
		},
	}
}

// promptText flattens the prompt's text blocks into the subprocess message.
func promptText(blocks []acp.ContentBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Text != nil && block.Text.Text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(block.Text.Text)
		}
	}
	return b.String()
}

// titleFromPrompt derives a short session title from the first prompt line.
func titleFromPrompt(text string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > 80 {
		cut := 80
		// Back off to a rune boundary so the cut never splits a character.
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		line = line[:cut]
	}
	return line
}

// controlAllow / controlDeny are the wire shapes of a can_use_tool answer.
type controlAllow struct {
	Behavior           string          `json:"behavior"`
	UpdatedInput       json.RawMessage `json:"updatedInput,omitempty"`
	UpdatedPermissions json.RawMessage `json:"updatedPermissions,omitempty"`
}

type controlDeny struct {
	Behavior  string `json:"behavior"`
	Message   string `json:"message,omitempty"`
	Interrupt bool   `json:"interrupt,omitempty"`
}

func allowPayload(updatedInput, updatedPermissions json.RawMessage) ([]byte, error) {
	return json.Marshal(controlAllow{
		Behavior:           "allow",
		UpdatedInput:       updatedInput,
		UpdatedPermissions: updatedPermissions,
	})
}

func denyPayload(message string, interrupt bool) ([]byte, error) {
	return json.Marshal(controlDeny{
		Behavior:  "deny",
		Message:   message,
		Interrupt: interrupt,
	})
}

// Compile-time protocol surface checks.
var (
	_ acp.Agent          = (*Agent)(nil)
	_ acp.AgentLoader    = (*Agent)(nil)
	_ interface {
		SetAgentConnection(*acp.AgentSideConnection)
	} = (*Agent)(nil)
)
