package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// cleanTmpDir is a dedicated temp directory for CLI invocations. Editor
// socket files under the default TMPDIR crash the CLI when --settings is
// used (github.com/anthropics/claude-code/issues/7624).
var cleanTmpDir string

func init() {
	cleanTmpDir = filepath.Join(os.TempDir(), "autodev-agent")
	os.MkdirAll(cleanTmpDir, 0755)
}

// LocalClient runs the agent through the local CLI binary in headless
// stream-json mode.
type LocalClient struct {
	// BinaryPath is the agent CLI binary ("claude" by default).
	BinaryPath string
}

// NewLocalClient creates a LocalClient for the given binary.
func NewLocalClient(binaryPath string) *LocalClient {
	if binaryPath == "" {
		binaryPath = "claude"
	}
	return &LocalClient{BinaryPath: binaryPath}
}

// Execute runs the CLI headless and decodes its stream-json output into
// events. The run is aborted when ctx is cancelled.
func (c *LocalClient) Execute(ctx context.Context, req Request, onEvent func(Event)) (*Result, error) {
	cmd := exec.CommandContext(ctx, c.BinaryPath, c.buildArgs(req)...)
	cmd.Dir = req.WorkDir
	setCleanEnv(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdout: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent binary %s: %w", c.BinaryPath, err)
	}

	result, streamErr := decodeStream(stdout, onEvent)
	waitErr := cmd.Wait()

	// Context cancellation takes precedence: the truncated stream and the
	// killed process are both symptoms of the same timeout.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if streamErr != nil {
		return result, streamErr
	}
	if waitErr != nil {
		return result, fmt.Errorf("agent process failed: %w", waitErr)
	}
	return result, nil
}

func (c *LocalClient) buildArgs(req Request) []string {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
		"--settings", `{"disableAllHooks": true}`,
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	return args
}

// setCleanEnv points TMPDIR at the dedicated temp directory.
func setCleanEnv(cmd *exec.Cmd) {
	cmd.Env = os.Environ()
	for i, env := range cmd.Env {
		if strings.HasPrefix(env, "TMPDIR=") {
			cmd.Env[i] = "TMPDIR=" + cleanTmpDir
			return
		}
	}
	cmd.Env = append(cmd.Env, "TMPDIR="+cleanTmpDir)
}
