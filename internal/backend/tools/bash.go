package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultBashTimeout = 60 * time.Second
	maxBashTimeout     = 5 * time.Minute
	maxBashOutput      = 64 << 10
)

// BashOptions configures the shell tool. Zero values pick the defaults.
type BashOptions struct {
	// Dir is the working directory; the daemon's own when empty.
	Dir string
	// Timeout applies when the model does not ask for one.
	Timeout time.Duration
	// MaxTimeout caps any timeout the model asks for.
	MaxTimeout time.Duration
	// MaxOutput bounds the bytes of combined output kept per command.
	MaxOutput int
}

// Bash runs shell commands on the host. It is only registered when
// tools.bash is enabled.
type Bash struct {
	opts BashOptions
}

// NewBash returns a shell tool that runs commands in dir.
func NewBash(dir string) *Bash {
	return NewBashWithOptions(BashOptions{Dir: dir})
}

// NewBashWithOptions returns a shell tool with explicit limits.
func NewBashWithOptions(opts BashOptions) *Bash {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultBashTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = maxBashTimeout
	}
	if opts.Timeout > opts.MaxTimeout {
		opts.Timeout = opts.MaxTimeout
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = maxBashOutput
	}
	return &Bash{opts: opts}
}

func (b *Bash) Name() string { return "bash" }

func (b *Bash) Description() string {
	return "Run a shell command with bash -c and return its combined stdout and stderr"
}

func (b *Bash) Parameters() json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command line"},
			"timeout_seconds": {"type": "integer", "description": "Seconds before the command is killed (default %d, max %d)"}
		},
		"required": ["command"]
	}`, int(b.opts.Timeout.Seconds()), int(b.opts.MaxTimeout.Seconds())))
}

type bashArgs struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (b *Bash) timeout(requested int) time.Duration {
	if requested <= 0 {
		return b.opts.Timeout
	}
	return min(time.Duration(requested)*time.Second, b.opts.MaxTimeout)
}

func (b *Bash) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var args bashArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if strings.TrimSpace(args.Command) == "" {
		return "", errors.New("command is required")
	}

	timeout := b.timeout(args.TimeoutSeconds)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := &cappedBuffer{limit: b.opts.MaxOutput}
	cmd := exec.CommandContext(ctx, "bash", "-c", args.Command)
	cmd.Dir = b.opts.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	text := out.String()
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return text, fmt.Errorf("command timed out after %s", timeout)
	case err != nil:
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return text, fmt.Errorf("exit status %d\n%s", exit.ExitCode(), text)
		}
		return text, fmt.Errorf("run command: %w", err)
	}
	return text, nil
}

// cappedBuffer keeps the first limit bytes written and counts the rest.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.dropped += len(p)
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.dropped += len(p) - room
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	if c.dropped == 0 {
		return c.buf.String()
	}
	return fmt.Sprintf("%s\n[%d bytes dropped]", strings.ToValidUTF8(c.buf.String(), ""), c.dropped)
}
