package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	acp "github.com/coder/acp-go-sdk"

	"github.com/zhubert/plural-acp/claude"
)

// activeTool remembers a tool_use block so its eventual result can be
// translated against the originating name and input.
type activeTool struct {
	name  string
	input json.RawMessage
}

// turn drives one prompt: drain the router until the subprocess reports a
// result, streaming everything through the notification queue on the way.
type turn struct {
	sess        *Session
	log         *slog.Logger
	activeTools map[string]activeTool
}

// runTurn processes one prompt turn and returns the stop reason. The context
// is the turn's cancellation scope; cancelling it ends the turn with a
// cancelled stop reason.
func runTurn(ctx context.Context, sess *Session, log *slog.Logger) (acp.StopReason, error) {
	t := &turn{
		sess:        sess,
		log:         log,
		activeTools: make(map[string]activeTool),
	}

	for {
		msg, err := sess.Router.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, ErrStreamDone):
				// Subprocess ended mid-turn. Everything streamed so far
				// still has to reach the client before we report the end.
				t.flush()
				return acp.StopReasonEndTurn, nil
			case errors.Is(err, context.Canceled) || ctx.Err() != nil:
				t.flush()
				return acp.StopReasonCancelled, nil
			default:
				return acp.StopReasonEndTurn, err
			}
		}

		switch msg.Type {
		case "assistant":
			t.handleAssistant(msg)
		case "user":
			t.handleToolResults(msg)
		case "result":
			return t.handleResult(ctx, msg)
		default:
			// init and other system subtypes carry no turn content.
		}
	}
}

// handleAssistant streams text, thinking, and tool-use blocks.
func (t *turn) handleAssistant(msg *claude.StreamMessage) {
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				t.enqueue(acp.UpdateAgentMessageText(block.Text))
			}
		case "thinking":
			if block.Thinking != "" {
				t.enqueue(acp.UpdateAgentThoughtText(block.Thinking))
			}
		case "tool_use":
			t.handleToolUse(&block)
		}
	}
}

// handleToolUse records the invocation and notifies the client of the new
// tool call.
func (t *turn) handleToolUse(block *claude.ContentBlock) {
	t.activeTools[block.ID] = activeTool{name: block.Name, input: block.Input}

	info := ToolInfoFromToolUse(block.Name, block.Input)
	opts := []acp.ToolCallStartOpt{
		acp.WithStartKind(info.Kind),
		acp.WithStartStatus(acp.ToolCallStatusInProgress),
	}
	if raw := rawInputMap(block.Input); raw != nil {
		opts = append(opts, acp.WithStartRawInput(raw))
	}
	if len(info.Content) > 0 {
		opts = append(opts, acp.WithStartContent(info.Content))
	}
	if len(info.Locations) > 0 {
		opts = append(opts, acp.WithStartLocations(info.Locations))
	}

	t.enqueue(acp.StartToolCall(acp.ToolCallId(block.ID), info.Title, opts...))
}

// handleToolResults converts tool_result blocks on user messages into
// tool-call updates.
func (t *turn) handleToolResults(msg *claude.StreamMessage) {
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" || block.ToolUseID == "" {
			continue
		}

		origin, known := t.activeTools[block.ToolUseID]
		if !known {
			t.log.Debug("result for unknown tool use", "toolUseID", block.ToolUseID)
		}
		delete(t.activeTools, block.ToolUseID)

		upd := ToolUpdateFromToolResult(&block, origin.name, origin.input)

		status := acp.ToolCallStatusCompleted
		if block.IsError != nil && *block.IsError {
			status = acp.ToolCallStatusFailed
		}

		opts := []acp.ToolCallUpdateOpt{acp.WithUpdateStatus(status)}
		if upd.Title != nil {
			opts = append(opts, acp.WithUpdateTitle(*upd.Title))
		}
		if len(upd.Content) > 0 {
			opts = append(opts, acp.WithUpdateContent(upd.Content))
		}
		if len(upd.Locations) > 0 {
			opts = append(opts, acp.WithUpdateLocations(upd.Locations))
		}
		if len(block.Content) > 0 {
			opts = append(opts, acp.WithUpdateRawOutput(block.Content))
		}

		t.enqueue(acp.UpdateToolCall(acp.ToolCallId(block.ToolUseID), opts...))
	}
}

// handleResult finishes the turn. The flush guarantees the client has seen
// every streamed token before it learns the turn ended.
func (t *turn) handleResult(ctx context.Context, msg *claude.StreamMessage) (acp.StopReason, error) {
	t.finishDanglingTools()

	if msg.IsError {
		text := msg.Result
		if text == "" && len(msg.Errors) > 0 {
			text = msg.Errors[0]
		}
		if text != "" {
			t.enqueue(acp.UpdateAgentMessageText(text))
		}
	}

	if err := t.sess.Queue.Flush(ctx); err != nil {
		return acp.StopReasonCancelled, nil
	}

	if ctx.Err() != nil {
		return acp.StopReasonCancelled, nil
	}
	return acp.StopReasonEndTurn, nil
}

// finishDanglingTools completes tool calls whose results never arrived, so
// the client is not left with spinners after the turn ends.
func (t *turn) finishDanglingTools() {
	for id := range t.activeTools {
		t.enqueue(acp.UpdateToolCall(
			acp.ToolCallId(id),
			acp.WithUpdateStatus(acp.ToolCallStatusCompleted),
		))
		delete(t.activeTools, id)
	}
}

func (t *turn) enqueue(update acp.SessionUpdate) {
	t.sess.Queue.Enqueue(acp.SessionNotification{
		SessionId: acp.SessionId(t.sess.ID),
		Update:    update,
	})
}

// flush drains the queue best-effort on abnormal turn endings.
func (t *turn) flush() {
	if err := t.sess.Queue.Flush(context.Background()); err != nil {
		t.log.Warn("flush on turn end failed", "error", err)
	}
}
