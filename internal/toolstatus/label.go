package toolstatus

import (
	"encoding/json"
	"net/url"
	"path/filepath"
	"strings"
)

const commandLimit = 40

// Label describes a tool call by name and its most telling input.
func Label(name string, input json.RawMessage) string {
	var args map[string]any
	if len(input) == 0 || json.Unmarshal(input, &args) != nil {
		return name
	}

	str := func(key string) string {
		v, _ := args[key].(string)
		return strings.TrimSpace(v)
	}

	if cmd := str("command"); cmd != "" {
		return name + ": " + truncate(firstLine(cmd), commandLimit)
	}
	for _, key := range []string{"file_path", "path", "filename"} {
		if p := str(key); p != "" {
			return name + ": " + filepath.Base(p)
		}
	}
	for _, key := range []string{"pattern", "query"} {
		if p := str(key); p != "" {
			return name + ": " + truncate(p, commandLimit)
		}
	}
	if raw := str("url"); raw != "" {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return name + ": " + u.Host
		}
		return name + ": " + truncate(raw, commandLimit)
	}
	return name
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
