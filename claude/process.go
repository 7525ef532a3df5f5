package claude

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// messageBuffer is the capacity of the parsed-message channel feeding
	// ReadMessage. Large enough that a burst of stream events does not
	// stall the reader while the consumer is mid-suspension.
	messageBuffer = 64

	// stopTimeout is how long Stop waits for a graceful exit before killing.
	stopTimeout = 2 * time.Second
)

// readResult holds the result of a read operation for cancellation handling.
type readResult struct {
	line string
	err  error
}

// MessageSource yields subprocess protocol messages one at a time. It is the
// contract the session router consumes: ReadMessage suspends until the next
// message arrives, returns io.EOF at end of stream, and keeps returning the
// same transport error once one has occurred.
type MessageSource interface {
	ReadMessage(ctx context.Context) (*StreamMessage, error)
}

// ProcessConfig holds the configuration for starting a subprocess.
type ProcessConfig struct {
	SessionID    string
	WorkingDir   string
	Binary       string // subprocess executable, "claude" when empty
	Resume       bool   // resume an existing CLI session instead of starting fresh
	AllowedTools []string
}

// ProcessCallbacks are invoked from the ProcessManager's internal goroutines.
// Implementations must be safe for concurrent use.
type ProcessCallbacks struct {
	// OnCanUseTool answers an inbound can_use_tool control request. The
	// returned payload becomes the control_response body. The context is
	// cancelled if the subprocess sends a matching control_cancel_request
	// or the process shuts down.
	OnCanUseTool func(ctx context.Context, req *ControlRequest) ([]byte, error)

	// OnProcessExit is called once when the process exits, with the exit
	// error (nil for clean exit) and captured stderr.
	OnProcessExit func(err error, stderrContent string)
}

// ProcessManager manages the lifecycle of one subprocess. It implements
// MessageSource for the session router and owns the control-plane
// correlation tables in both directions.
type ProcessManager struct {
	config    ProcessConfig
	callbacks ProcessCallbacks
	log       *slog.Logger

	// Process state (protected by mu)
	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	stdout        *bufio.Reader
	stderr        io.ReadCloser
	stderrContent string
	stderrDone    chan struct{}
	running       bool

	// writeMu serializes stdin writes so concurrent control requests and
	// user messages cannot interleave bytes.
	writeMu sync.Mutex

	// msgCh carries parsed non-control messages to ReadMessage. Closed by
	// readOutput when the stream ends; readErr latches the terminal error.
	msgCh   chan *StreamMessage
	readErr error

	pending  *pendingControl // outbound control requests awaiting responses
	inbound  *inboundControl // inbound can_use_tool requests, cancellable
	waitDone chan struct{}   // closed by monitorExit when cmd.Wait returns

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessManager creates a ProcessManager with the given configuration.
func NewProcessManager(config ProcessConfig, callbacks ProcessCallbacks, log *slog.Logger) *ProcessManager {
	return &ProcessManager{
		config:    config,
		callbacks: callbacks,
		log:       log,
		pending:   newPendingControl(),
		inbound:   newInboundControl(),
	}
}

// BuildCommandArgs builds the CLI arguments for the configured session.
// Exported for testing argument construction.
func BuildCommandArgs(config ProcessConfig) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if config.Resume {
		args = append(args, "--resume", config.SessionID)
	} else {
		args = append(args, "--session-id", config.SessionID)
	}

	// Route permission prompts through the stream-json control plane so
	// can_use_tool requests reach the bridge instead of a terminal prompt.
	args = append(args, "--permission-prompt-tool", "stdio")

	for _, tool := range config.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	return args
}

// Start starts the subprocess. Returns an error if it is already running or
// fails to spawn.
func (pm *ProcessManager) Start() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return fmt.Errorf("process already running")
	}

	binary := pm.config.Binary
	if binary == "" {
		binary = "claude"
	}
	args := BuildCommandArgs(pm.config)

	pm.log.Debug("starting process", "command", binary+" "+strings.Join(args, " "))
	startTime := time.Now()

	cmd := exec.Command(binary, args...)
	cmd.Dir = pm.config.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("failed to start process: %w", err)
	}

	pm.cmd = cmd
	pm.stdin = stdin
	pm.stdout = bufio.NewReader(stdout)
	pm.stderr = stderr
	pm.stderrContent = ""
	pm.stderrDone = make(chan struct{})
	pm.waitDone = make(chan struct{})
	pm.msgCh = make(chan *StreamMessage, messageBuffer)
	pm.readErr = nil
	pm.running = true
	pm.ctx, pm.cancel = context.WithCancel(context.Background())

	pm.log.Info("process started", "elapsed", time.Since(startTime), "pid", cmd.Process.Pid)

	pm.wg.Add(3)
	go func() {
		defer pm.wg.Done()
		pm.readOutput()
	}()
	go func() {
		defer pm.wg.Done()
		pm.drainStderr()
	}()
	go func() {
		defer pm.wg.Done()
		pm.monitorExit()
	}()

	return nil
}

// Stop stops the subprocess gracefully, force-killing after a timeout.
// Safe to call multiple times.
func (pm *ProcessManager) Stop() {
	pm.mu.Lock()
	wasRunning := pm.running

	if pm.cancel != nil {
		pm.cancel()
		pm.cancel = nil
	}

	if !wasRunning {
		pm.mu.Unlock()
		return
	}

	pm.log.Debug("stopping process")
	pm.running = false

	// Close stdin to signal EOF to the process
	if pm.stdin != nil {
		pm.stdin.Close()
		pm.stdin = nil
	}

	cmd := pm.cmd
	waitDone := pm.waitDone
	pm.mu.Unlock()

	// monitorExit is the sole caller of cmd.Wait; coordinate through
	// waitDone instead of calling Wait twice.
	if cmd != nil && cmd.Process != nil && waitDone != nil {
		select {
		case <-waitDone:
			pm.log.Debug("process exited gracefully")
		case <-time.After(stopTimeout):
			pm.log.Debug("force killing process")
			cmd.Process.Kill()
			<-waitDone
		}
	}

	pm.wg.Wait()

	pm.pending.failAll(fmt.Errorf("process stopped"))
	pm.inbound.cancelAll()

	pm.mu.Lock()
	if pm.stderr != nil {
		pm.stderr.Close()
		pm.stderr = nil
	}
	pm.cmd = nil
	pm.stdout = nil
	pm.mu.Unlock()
}

// IsRunning returns whether the process is currently running.
func (pm *ProcessManager) IsRunning() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

// ReadMessage returns the next non-control stream message. It suspends until
// a message arrives, the context is cancelled, or the stream ends. Once the
// stream has ended it keeps returning the same terminal error (io.EOF for a
// clean end).
func (pm *ProcessManager) ReadMessage(ctx context.Context) (*StreamMessage, error) {
	pm.mu.Lock()
	ch := pm.msgCh
	pm.mu.Unlock()

	if ch == nil {
		return nil, io.EOF
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return nil, pm.terminalError()
		}
		return msg, nil
	}
}

// terminalError returns the latched stream error, or io.EOF for a clean end.
func (pm *ProcessManager) terminalError() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.readErr != nil {
		return pm.readErr
	}
	return io.EOF
}

// WriteUserText sends a user text message to the subprocess.
func (pm *ProcessManager) WriteUserText(text string) error {
	data, err := UserTextMessage(pm.config.SessionID, text)
	if err != nil {
		return err
	}
	return pm.writeLine(data)
}

// writeLine writes one JSON line to stdin.
func (pm *ProcessManager) writeLine(data []byte) error {
	pm.mu.Lock()
	stdin := pm.stdin
	running := pm.running
	pm.mu.Unlock()

	if !running || stdin == nil {
		return fmt.Errorf("process not running")
	}

	pm.writeMu.Lock()
	defer pm.writeMu.Unlock()
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to process: %w", err)
	}
	return nil
}

// Interrupt aborts the subprocess's current operation via an interrupt
// control request, falling back to SIGINT if the control plane is unusable.
func (pm *ProcessManager) Interrupt(ctx context.Context) error {
	_, err := pm.SendControlRequest(ctx, &ControlRequest{Subtype: "interrupt"})
	if err == nil || ctx.Err() != nil {
		return err
	}

	pm.log.Warn("interrupt control request failed, sending SIGINT", "error", err)

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.running || pm.cmd == nil || pm.cmd.Process == nil {
		return nil
	}
	if sigErr := pm.cmd.Process.Signal(syscall.SIGINT); sigErr != nil {
		return fmt.Errorf("failed to send interrupt signal: %w", sigErr)
	}
	return nil
}

// SetPermissionMode tells the subprocess to switch its permission mode.
func (pm *ProcessManager) SetPermissionMode(ctx context.Context, mode string) error {
	_, err := pm.SendControlRequest(ctx, &ControlRequest{Subtype: "set_permission_mode", Mode: mode})
	return err
}

// readOutput continuously reads stdout lines, parses them, and routes
// control-plane messages before anything reaches ReadMessage.
func (pm *ProcessManager) readOutput() {
	pm.log.Debug("output reader started")

	defer func() {
		pm.mu.Lock()
		ch := pm.msgCh
		pm.mu.Unlock()
		if ch != nil {
			close(ch)
		}
	}()

	for {
		select {
		case <-pm.ctx.Done():
			pm.log.Debug("output reader exiting - context cancelled")
			return
		default:
		}

		pm.mu.Lock()
		running := pm.running
		reader := pm.stdout
		pm.mu.Unlock()

		if !running || reader == nil {
			return
		}

		line, err := pm.readLine(reader)
		if err != nil {
			select {
			case <-pm.ctx.Done():
				return
			default:
			}

			if err == io.EOF {
				pm.log.Debug("EOF on stdout - process exited")
			} else {
				pm.log.Debug("error reading stdout", "error", err)
				pm.mu.Lock()
				pm.readErr = fmt.Errorf("subprocess stream failed: %w", err)
				pm.mu.Unlock()
			}
			return
		}

		msg, perr := ParseStreamMessage(line)
		if perr != nil {
			pm.log.Warn("unparseable stream line", "error", perr, "line", truncateForLog(line))
			continue
		}
		if msg == nil {
			continue
		}

		switch msg.Type {
		case "control_response":
			pm.pending.settle(msg.Response)
		case "control_request":
			pm.handleControlRequest(msg)
		case "control_cancel_request":
			pm.inbound.cancel(msg.RequestID)
		default:
			select {
			case pm.msgCh <- msg:
			case <-pm.ctx.Done():
				return
			}
		}
	}
}

// handleControlRequest dispatches an inbound control request. can_use_tool is
// answered asynchronously so a slow permission prompt cannot stall the read
// loop; everything else gets an error response.
func (pm *ProcessManager) handleControlRequest(msg *StreamMessage) {
	if msg.Request == nil || msg.RequestID == "" {
		pm.log.Warn("malformed control request", "requestID", msg.RequestID)
		return
	}

	if msg.Request.Subtype != "can_use_tool" || pm.callbacks.OnCanUseTool == nil {
		pm.writeControlError(msg.RequestID, fmt.Sprintf("unsupported control request %q", msg.Request.Subtype))
		return
	}

	reqCtx := pm.inbound.register(pm.ctx, msg.RequestID)

	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		defer pm.inbound.release(msg.RequestID)

		payload, err := pm.callbacks.OnCanUseTool(reqCtx, msg.Request)
		if err != nil {
			pm.writeControlError(msg.RequestID, err.Error())
			return
		}
		pm.writeControlResponse(msg.RequestID, payload)
	}()
}

// writeControlResponse sends a success control_response for an inbound request.
func (pm *ProcessManager) writeControlResponse(requestID string, payload []byte) {
	resp := StreamMessage{
		Type: "control_response",
		Response: &ControlResponse{
			Subtype:   "success",
			RequestID: requestID,
			Response:  payload,
		},
	}
	data, err := marshalMessage(&resp)
	if err != nil {
		pm.log.Error("failed to marshal control response", "error", err)
		return
	}
	if err := pm.writeLine(data); err != nil {
		pm.log.Warn("failed to write control response", "error", err, "requestID", requestID)
	}
}

// writeControlError sends an error control_response for an inbound request.
func (pm *ProcessManager) writeControlError(requestID, message string) {
	resp := StreamMessage{
		Type: "control_response",
		Response: &ControlResponse{
			Subtype:   "error",
			RequestID: requestID,
			Error:     message,
		},
	}
	data, err := marshalMessage(&resp)
	if err != nil {
		pm.log.Error("failed to marshal control error", "error", err)
		return
	}
	if err := pm.writeLine(data); err != nil {
		pm.log.Warn("failed to write control error", "error", err, "requestID", requestID)
	}
}

// readLine reads one line, racing the process context so Stop unblocks
// callers. The read goroutine itself cannot be cancelled; its buffered
// channel lets it finish after we return, avoiding a leak.
func (pm *ProcessManager) readLine(reader *bufio.Reader) (string, error) {
	resultCh := make(chan readResult, 1)

	go func() {
		line, err := reader.ReadString('\n')
		resultCh <- readResult{line: line, err: err}
	}()

	select {
	case <-pm.ctx.Done():
		return "", pm.ctx.Err()
	case result := <-resultCh:
		return result.line, result.err
	}
}

// drainStderr captures stderr so exit diagnostics survive cmd.Wait closing
// the pipe.
func (pm *ProcessManager) drainStderr() {
	defer close(pm.stderrDone)

	pm.mu.Lock()
	stderr := pm.stderr
	pm.mu.Unlock()

	if stderr == nil {
		return
	}

	stderrBytes, err := io.ReadAll(stderr)
	if err != nil {
		pm.log.Debug("error reading stderr", "error", err)
		return
	}
	if len(stderrBytes) > 0 {
		pm.mu.Lock()
		pm.stderrContent = strings.TrimSpace(string(stderrBytes))
		pm.mu.Unlock()
	}
}

// monitorExit is the sole caller of cmd.Wait. Stop coordinates via waitDone
// instead of calling Wait itself.
func (pm *ProcessManager) monitorExit() {
	pm.mu.Lock()
	cmd := pm.cmd
	waitDone := pm.waitDone
	stderrDone := pm.stderrDone
	pm.mu.Unlock()

	if cmd == nil {
		if waitDone != nil {
			close(waitDone)
		}
		return
	}

	err := cmd.Wait()
	pm.log.Debug("process exited", "error", err)
	if waitDone != nil {
		close(waitDone)
	}

	if stderrDone != nil {
		<-stderrDone
	}

	pm.mu.Lock()
	stderrContent := pm.stderrContent
	wasRunning := pm.running
	pm.running = false
	if err != nil && pm.readErr == nil {
		pm.readErr = fmt.Errorf("subprocess exited: %w", err)
	}
	pm.mu.Unlock()

	pm.pending.failAll(fmt.Errorf("process exited"))
	pm.inbound.cancelAll()

	if wasRunning && pm.callbacks.OnProcessExit != nil {
		pm.callbacks.OnProcessExit(err, stderrContent)
	}
}

// truncateForLog truncates long strings for log messages.
func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

// Ensure ProcessManager implements MessageSource at compile time.
var _ MessageSource = (*ProcessManager)(nil)
