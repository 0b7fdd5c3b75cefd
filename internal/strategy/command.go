// ABOUTME: CommandStrategy runs the coding agent as a child process per job.
// ABOUTME: Request JSON goes to stdin; stdout is a JSON-lines event stream.
package strategy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

const (
	// maxLineBytes bounds one stdout event line.
	maxLineBytes = 1 << 20
	// stderrTailLines is how much stderr is kept for the failure message.
	stderrTailLines = 20
)

// event is one stdout line of the agent protocol.
type event struct {
	Type     string `json:"type"`
	Level    string `json:"level"`
	Message  string `json:"message"`
	Stage    string `json:"stage"`
	PRNumber int    `json:"pr_number"`
	PRURL    string `json:"pr_url"`
}

// CommandStrategy implements Implementer, Bootstrapper and SelfPatcher by
// executing command with args plus the mode as the final argument.
type CommandStrategy struct {
	command string
	args    []string
	dir     string
}

// NewCommand creates a CommandStrategy. dir is the working directory of the
// child process (empty means the current one).
func NewCommand(command string, args []string, dir string) *CommandStrategy {
	return &CommandStrategy{command: command, args: append([]string(nil), args...), dir: dir}
}

func (s *CommandStrategy) Implement(ctx context.Context, req Request, rep Reporter) (Result, error) {
	return s.run(ctx, ModeImplement, req, rep)
}

func (s *CommandStrategy) Bootstrap(ctx context.Context, req Request, rep Reporter) (Result, error) {
	return s.run(ctx, ModeSetup, req, rep)
}

func (s *CommandStrategy) SelfPatch(ctx context.Context, req Request, rep Reporter) (Result, error) {
	return s.run(ctx, ModeSelfImprove, req, rep)
}

func (s *CommandStrategy) run(ctx context.Context, mode Mode, req Request, rep Reporter) (Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode agent request: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.command, append(append([]string(nil), s.args...), string(mode))...) //nolint:gosec // command is operator configuration
	cmd.Dir = s.dir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(), req.Credentials.Env()...)
	cmd.Env = append(cmd.Env, "FEEDBACK_AGENT_MODE="+string(mode))
	if req.GitHubToken != "" {
		cmd.Env = append(cmd.Env, "GITHUB_TOKEN="+req.GitHubToken)
	}
	stderr := &tailBuffer{max: stderrTailLines}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start agent %s: %w", mode, err)
	}

	res, scanErr := consume(ctx, stdout, rep)
	waitErr := cmd.Wait()
	if waitErr != nil {
		if tail := stderr.String(); tail != "" {
			return Result{}, fmt.Errorf("agent %s failed: %w: %s", mode, waitErr, tail)
		}
		return Result{}, fmt.Errorf("agent %s failed: %w", mode, waitErr)
	}
	if scanErr != nil {
		return Result{}, fmt.Errorf("read agent output: %w", scanErr)
	}
	return res, nil
}

// consume reads the event stream until EOF. The last result event wins.
func consume(ctx context.Context, r io.Reader, rep Reporter) (Result, error) {
	var res Result
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev event
		if line[0] != '{' || json.Unmarshal([]byte(line), &ev) != nil || ev.Type == "" {
			rep.Log(ctx, "info", line)
			continue
		}
		switch ev.Type {
		case "log":
			level := ev.Level
			if level == "" {
				level = "info"
			}
			rep.Log(ctx, level, ev.Message)
		case "stage":
			rep.Stage(ctx, ev.Stage)
		case "result":
			res = Result{PRNumber: ev.PRNumber, PRURL: ev.PRURL}
		default:
			rep.Log(ctx, "info", line)
		}
	}
	if err := sc.Err(); err != nil {
		// Drain so the child is not blocked writing to a full pipe.
		io.Copy(io.Discard, r) //nolint:errcheck,gosec
		return res, err
	}
	return res, nil
}

// tailBuffer keeps the last max lines written to it.
type tailBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial string
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	parts := strings.Split(b.partial+string(p), "\n")
	b.partial = parts[len(parts)-1]
	for _, l := range parts[:len(parts)-1] {
		if l = strings.TrimSpace(l); l != "" {
			b.lines = append(b.lines, l)
		}
	}
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = b.lines[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.lines
	if p := strings.TrimSpace(b.partial); p != "" {
		lines = append(append([]string(nil), lines...), p)
		if len(lines) > b.max {
			lines = lines[len(lines)-b.max:]
		}
	}
	return strings.Join(lines, "\n")
}
