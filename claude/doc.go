// Package claude manages the coding-agent subprocess and its line-delimited
// stream-json protocol.
//
// # Overview
//
// The package owns one Claude CLI process per session, started with
// --input-format stream-json --output-format stream-json. Messages flow in
// both directions as single JSON objects per line:
//
//   - outbound: user messages and control requests (interrupt, mode changes)
//   - inbound: system, assistant, user (tool results), result, and
//     control-plane messages
//
// # ProcessManager
//
// ProcessManager is the main type:
//
//	pm := claude.NewProcessManager(cfg, callbacks, log)
//	if err := pm.Start(); err != nil { ... }
//	msg, err := pm.ReadMessage(ctx) // blocks until the next stream message
//
// ReadMessage implements the MessageSource contract consumed by the session
// router: it suspends until a message arrives, returns io.EOF when the
// subprocess closes stdout, and latches transport errors.
//
// # Control plane
//
// Outbound control requests (interrupt, set_permission_mode) are correlated
// with their control_response by request id through a per-process pending
// table; entries are freed on response and on context cancellation. Inbound
// can_use_tool control requests are surfaced through the OnCanUseTool
// callback; the manager writes the control_response itself from the
// callback's payload.
//
// # Thread Safety
//
// ProcessManager is safe for concurrent use. ReadMessage must only be called
// from one goroutine at a time (the router's read loop).
package claude
