// Package bridge translates between an ACP client and the coding-agent
// subprocess protocol.
//
// # Overview
//
// The bridge owns exactly one responsibility: translate, order, and police
// everything that crosses the boundary between the two protocols for each
// live session. Four pieces carry that responsibility:
//
//   - Router: demultiplexes one subprocess message stream into out-of-band
//     system events (handled immediately, serially) and in-turn content
//     (buffered for the prompt loop).
//   - NotificationQueue: delivers session updates to the client without
//     blocking the turn loop, with a flush barrier for critical updates.
//   - Negotiator: the canUseTool state machine deciding, per tool
//     invocation, whether to act immediately, ask the user, or run a
//     structured multi-question interaction. Owns the per-session trust
//     mode.
//   - Translator (toolInfoFromToolUse / toolUpdateFromToolResult): pure
//     functions converting tool-use/tool-result payloads into the ACP
//     tool-call content model.
//
// # Control flow
//
// Per session: subprocess → Router → turn loop → {Translator, Negotiator} →
// NotificationQueue → client. Task notifications take a second, independent
// path: Router → handler, bypassing the turn loop entirely.
//
// Agent ties the pieces to an acp.AgentSideConnection and implements the
// protocol surface (initialize, session/new, session/load, session/prompt,
// session/cancel, session/set_mode).
package bridge
