package bedrock

import (
	"crypto/sha256"
	"encoding/hex"
)

// SanitizeToolName maps an exposed tool name to a Bedrock-compatible tool
// name.
//
// Bedrock imposes stricter tool name constraints than other providers. The
// tool name surfaced to the model (and echoed back in toolUse blocks) must
// match the name registered in the tool configuration. This function is the
// single mapping the adapter uses when constructing tool configurations.
//
// Contract:
//   - The mapping is deterministic.
//   - The result contains only characters allowed by Bedrock: [a-zA-Z0-9_-]+.
//     Any other rune is replaced with '_'.
//   - The result is at most 64 bytes long. If the sanitized name exceeds the
//     limit, it is truncated and a stable hash suffix is appended to preserve
//     uniqueness.
//
// Names routed through the connection manager are already provider-safe; the
// reverse map built per request translates toolUse names back to exposed
// names regardless.
func SanitizeToolName(in string) string {
	if in == "" {
		return ""
	}
	const maxLen = 64
	const hashLen = 8

	// Fast path: keep the string allocation-free when every rune is allowed.
	allowed := true
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		case r == '-':
		default:
			allowed = false
		}
		if !allowed {
			break
		}
	}

	sanitized := in
	if !allowed {
		out := make([]rune, 0, len(in))
		for _, r := range in {
			switch {
			case r >= 'a' && r <= 'z':
				out = append(out, r)
			case r >= 'A' && r <= 'Z':
				out = append(out, r)
			case r >= '0' && r <= '9':
				out = append(out, r)
			case r == '_' || r == '-':
				out = append(out, r)
			default:
				out = append(out, '_')
			}
		}
		sanitized = string(out)
	}

	if len(sanitized) <= maxLen {
		return sanitized
	}

	// Truncate and append a stable hash suffix to keep names within Bedrock's
	// documented 64-character limit while preserving uniqueness.
	sum := sha256.Sum256([]byte(in))
	suffix := hex.EncodeToString(sum[:])[:hashLen]

	prefixLen := maxLen - (1 + hashLen)
	return sanitized[:prefixLen] + "_" + suffix
}
