package backend

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/user/gopherbridge/pkg/llm"
)

type echoTool struct{}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "Echoes input" }
func (e *echoTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}
func (e *echoTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Text string `json:"text"`
	}
	json.Unmarshal(args, &p)
	return p.Text, nil
}

type namedTool struct{ echoTool }

func (n *namedTool) Name() string { return "alpha" }

type failingTool struct{ echoTool }

func (f *failingTool) Name() string { return "broken" }
func (f *failingTool) Execute(context.Context, json.RawMessage) (string, error) {
	return "", errors.New("disk on fire")
}

func call(name, args string) llm.ToolCall {
	var tc llm.ToolCall
	tc.Function.Name = name
	tc.Function.Arguments = json.RawMessage(args)
	return tc
}

func TestRegistryCall(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{})

	out, failed := r.Call(context.Background(), call("echo", `{"text":"hi"}`))
	if failed || out != "hi" {
		t.Fatalf("expected (hi, false), got (%q, %v)", out, failed)
	}
}

func TestRegistryCallUnknown(t *testing.T) {
	r := NewRegistry()
	out, failed := r.Call(context.Background(), call("missing", `{}`))
	if !failed {
		t.Fatal("expected unknown tool to fail")
	}
	if !strings.Contains(out, `unknown tool "missing"`) {
		t.Errorf("unexpected result %q", out)
	}
}

func TestRegistryCallError(t *testing.T) {
	r := NewRegistry()
	r.Register(&failingTool{})
	out, failed := r.Call(context.Background(), call("broken", `{}`))
	if !failed || out != "error: disk on fire" {
		t.Fatalf("expected tool error, got (%q, %v)", out, failed)
	}
}

func TestRegistryRegisterDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate name")
		}
	}()
	r.Register(&echoTool{})
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{})
	r.Register(&namedTool{})
	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "echo" {
		t.Fatalf("expected [alpha echo], got %v", names)
	}
}

func TestRegistryDefinitions(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{})
	r.Register(&namedTool{})
	defs := r.Definitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if defs[0].Function.Name != "alpha" || defs[1].Function.Name != "echo" {
		t.Errorf("expected definitions ordered by name, got %q, %q", defs[0].Function.Name, defs[1].Function.Name)
	}
	if defs[1].Type != "function" {
		t.Errorf("expected type 'function', got %q", defs[1].Type)
	}
}

func TestRegistryCallTruncatesOnRuneBoundary(t *testing.T) {
	r := NewRegistry()
	r.maxOutput = 5
	r.Register(&echoTool{})

	args, _ := json.Marshal(map[string]string{"text": "日本語のテキスト"})
	out, failed := r.Call(context.Background(), call("echo", string(args)))
	if failed {
		t.Fatalf("unexpected failure: %q", out)
	}
	if !utf8.ValidString(out) {
		t.Fatalf("truncated output is not valid UTF-8: %q", out)
	}
	if want := "日本語のテ" + truncatedMarker; out != want {
		t.Errorf("expected %q, got %q", want, out)
	}
}

func TestTruncateRunesShortInput(t *testing.T) {
	if got := truncateRunes("héllo", 5); got != "héllo" {
		t.Errorf("expected input unchanged, got %q", got)
	}
}
