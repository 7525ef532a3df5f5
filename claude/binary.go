package claude

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultBinary is the executable spawned for each session when the
// configuration does not name one.
const DefaultBinary = "claude"

const installURL = "https://claude.ai/code"

// BinaryCheck describes the outcome of probing the CLI executable.
type BinaryCheck struct {
	Binary  string // the name or path that was probed
	Path    string // resolved absolute path
	Version string // first line of --version output, if available
}

// ResolveBinary verifies that the CLI executable is reachable and returns
// its resolved path. An empty binary falls back to DefaultBinary.
func ResolveBinary(binary string) (string, error) {
	if binary == "" {
		binary = DefaultBinary
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH (install: %s)", binary, installURL)
	}
	return path, nil
}

// CheckBinary resolves the CLI executable and probes its version.
func CheckBinary(ctx context.Context, binary string) (BinaryCheck, error) {
	if binary == "" {
		binary = DefaultBinary
	}
	check := BinaryCheck{Binary: binary}

	path, err := ResolveBinary(binary)
	if err != nil {
		return check, err
	}
	check.Path = path
	check.Version = binaryVersion(ctx, path)
	return check, nil
}

func binaryVersion(ctx context.Context, path string) string {
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(string(out), "\n")
	line = strings.TrimSpace(line)
	if len(line) > 100 {
		line = line[:100] + "..."
	}
	return line
}
