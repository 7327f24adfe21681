package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestBashName(t *testing.T) {
	b := NewBash("")
	if b.Name() != "bash" {
		t.Errorf("expected 'bash', got %q", b.Name())
	}
}

func TestBashExecuteSimple(t *testing.T) {
	b := NewBash("")
	args, _ := json.Marshal(map[string]string{"command": "echo hello"})
	result, err := b.Execute(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(result) != "hello" {
		t.Errorf("expected 'hello', got %q", result)
	}
}

func TestBashExecuteStderr(t *testing.T) {
	b := NewBash("")
	args, _ := json.Marshal(map[string]string{"command": "echo err >&2"})
	result, err := b.Execute(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, "err") {
		t.Errorf("expected stderr output, got %q", result)
	}
}

func TestBashExecuteTimeout(t *testing.T) {
	b := NewBash("")
	args, _ := json.Marshal(map[string]any{"command": "sleep 10", "timeout_seconds": 1})
	start := time.Now()
	_, err := b.Execute(context.Background(), args)
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed > 3*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestBashExecuteExitCode(t *testing.T) {
	b := NewBash("")
	args, _ := json.Marshal(map[string]string{"command": "exit 1"})
	_, err := b.Execute(context.Background(), args)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
}

func TestBashParameters(t *testing.T) {
	b := NewBash("")
	var schema map[string]any
	if err := json.Unmarshal(b.Parameters(), &schema); err != nil {
		t.Fatal(err)
	}
	if schema["type"] != "object" {
		t.Errorf("expected object schema, got %v", schema["type"])
	}
}

func TestBashWorkingDir(t *testing.T) {
	dir := t.TempDir()
	b := NewBash(dir)
	args, _ := json.Marshal(map[string]string{"command": "pwd"})
	result, err := b.Execute(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(strings.TrimSpace(result), filepath.Base(dir)) {
		t.Errorf("expected to run in %s, got %q", dir, result)
	}
}

func TestBashOutputCapped(t *testing.T) {
	b := NewBashWithOptions(BashOptions{MaxOutput: 10})
	args, _ := json.Marshal(map[string]string{"command": "printf '0123456789abcdef'"})
	result, err := b.Execute(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(result, "0123456789\n") {
		t.Errorf("expected first 10 bytes kept, got %q", result)
	}
	if !strings.Contains(result, "[6 bytes dropped]") {
		t.Errorf("expected dropped byte count, got %q", result)
	}
}

func TestBashTimeoutClamped(t *testing.T) {
	b := NewBashWithOptions(BashOptions{Timeout: time.Second, MaxTimeout: 2 * time.Second})
	if got := b.timeout(0); got != time.Second {
		t.Errorf("expected default 1s, got %v", got)
	}
	if got := b.timeout(3600); got != 2*time.Second {
		t.Errorf("expected clamp to 2s, got %v", got)
	}
	if got := b.timeout(1); got != time.Second {
		t.Errorf("expected requested 1s, got %v", got)
	}
}

func TestBashEmptyCommand(t *testing.T) {
	b := NewBash("")
	_, err := b.Execute(context.Background(), json.RawMessage(`{"command":"   "}`))
	if err == nil {
		t.Fatal("expected error for blank command")
	}
}
