package config

// secretKeys lists the dot-separated keys whose values are masked by
// `config list`.
var secretKeys = map[string]bool{
	"llm.api_key":            true,
	"telegram.token":         true,
	"matrix.access_token":    true,
	"memory.api_key":         true,
	"helper.shutdown_secret": true,
	"api.token":              true,
}

// IsSecretKey returns true if the given dot-separated key is a secret.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten converts a nested map into a flat map with dot-separated keys.
// For example, {"llm": {"model": "gpt-4o"}} becomes {"llm.model": "gpt-4o"}.
// Empty nested maps produce no keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(key, child, out)
			continue
		}
		out[key] = v
	}
}

// MaskSecrets returns a copy of the flat map with secret values shown as
// "***xxxx", where xxxx is the last 4 characters. Empty values stay empty.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, ok := v.(string)
		if !secretKeys[k] || !ok || s == "" {
			out[k] = v
			continue
		}
		r := []rune(s)
		if len(r) > 4 {
			r = r[len(r)-4:]
		}
		out[k] = "***" + string(r)
	}
	return out
}
