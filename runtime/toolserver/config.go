// Package toolserver manages the file-backed registry of tool server
// definitions: the canonical tool-servers.json document, its validation,
// environment placeholder resolution, and typed change events consumed by
// the connection manager.
package toolserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/transport"
)

// namePattern constrains server names. The name doubles as a tool prefix,
// so it stays shell- and URL-safe.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Namespacing strategies for exposed tool names.
const (
	NamespacingAuto   = "auto"
	NamespacingPrefix = "prefix"
	NamespacingNone   = "none"
)

// Defaults applied when settings are absent from the document.
const (
	DefaultHealthCheckIntervalMs = 60000
)

type (
	// ServerConfig is one tool server definition. The transport discriminator
	// decides which field group applies; Validate enforces the pairing.
	ServerConfig struct {
		Transport   string `json:"transport"`
		Enabled     *bool  `json:"enabled,omitempty"`
		Description string `json:"description,omitempty"`
		ToolPrefix  string `json:"toolPrefix,omitempty"`

		// sandbox-stdio
		ContainerImage     string            `json:"containerImage,omitempty"`
		ContainerEnv       map[string]string `json:"containerEnv,omitempty"`
		ContainerMemoryMiB int64             `json:"containerMemoryMiB,omitempty"`
		ContainerCPU       float64           `json:"containerCpu,omitempty"`

		// local-stdio
		Command string            `json:"command,omitempty"`
		Args    []string          `json:"args,omitempty"`
		Env     map[string]string `json:"env,omitempty"`
		Cwd     string            `json:"cwd,omitempty"`

		// http | sse
		URL                 string            `json:"url,omitempty"`
		Headers             map[string]string `json:"headers,omitempty"`
		HealthCheckEndpoint string            `json:"healthCheckEndpoint,omitempty"`
		TimeoutMs           int               `json:"timeoutMs,omitempty"`
	}

	// Settings is the document-level settings block.
	Settings struct {
		AutoConnect           bool   `json:"autoConnect"`
		HealthCheckIntervalMs int    `json:"healthCheckIntervalMs"`
		ToolNamespacing       string `json:"toolNamespacing"`
	}

	// Document is the full tool-servers.json shape. Servers preserves the
	// file's key order so namespacing collision resolution stays
	// deterministic across loads.
	Document struct {
		Servers  ServerMap `json:"servers"`
		Settings Settings  `json:"settings"`
	}

	// ServerMap is an insertion-ordered map of server name to config.
	ServerMap struct {
		names   []string
		configs map[string]ServerConfig
	}
)

// DefaultSettings returns the settings applied to a fresh document.
func DefaultSettings() Settings {
	return Settings{
		AutoConnect:           true,
		HealthCheckIntervalMs: DefaultHealthCheckIntervalMs,
		ToolNamespacing:       NamespacingAuto,
	}
}

// IsEnabled reports whether the server participates in connections.
// Absence of the flag means enabled.
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Prefix returns the namespacing prefix for this server: the explicit
// toolPrefix when set, the server name otherwise.
func (c ServerConfig) Prefix(name string) string {
	if c.ToolPrefix != "" {
		return c.ToolPrefix
	}
	return name
}

// Names returns the server names in document order.
func (m *ServerMap) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// Get returns the config for name.
func (m *ServerMap) Get(name string) (ServerConfig, bool) {
	cfg, ok := m.configs[name]
	return cfg, ok
}

// Len returns the number of servers.
func (m *ServerMap) Len() int { return len(m.names) }

// Set adds or replaces a server, appending new names at the end.
func (m *ServerMap) Set(name string, cfg ServerConfig) {
	if m.configs == nil {
		m.configs = make(map[string]ServerConfig)
	}
	if _, ok := m.configs[name]; !ok {
		m.names = append(m.names, name)
	}
	m.configs[name] = cfg
}

// Delete removes a server, preserving the order of the rest.
func (m *ServerMap) Delete(name string) {
	if _, ok := m.configs[name]; !ok {
		return
	}
	delete(m.configs, name)
	for i, n := range m.names {
		if n == name {
			m.names = append(m.names[:i:i], m.names[i+1:]...)
			break
		}
	}
}

// clone returns a deep-enough copy for transactional edits.
func (m *ServerMap) clone() ServerMap {
	out := ServerMap{
		names:   append([]string(nil), m.names...),
		configs: make(map[string]ServerConfig, len(m.configs)),
	}
	for k, v := range m.configs {
		out.configs[k] = v
	}
	return out
}

// UnmarshalJSON decodes the servers object keeping key order.
func (m *ServerMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("servers: expected object, got %v", tok)
	}
	m.names = nil
	m.configs = make(map[string]ServerConfig)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name := keyTok.(string)
		var cfg ServerConfig
		if err := dec.Decode(&cfg); err != nil {
			return fmt.Errorf("servers.%s: %w", name, err)
		}
		m.Set(name, cfg)
	}
	_, err = dec.Token() // closing brace
	return err
}

// MarshalJSON encodes the servers object in document order.
func (m ServerMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range m.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(m.configs[name])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// documentSchema validates the whole document, including the per-transport
// required fields.
const documentSchema = `{
  "type": "object",
  "properties": {
    "servers": {
      "type": "object",
      "propertyNames": {"pattern": "^[A-Za-z0-9_-]+$"},
      "additionalProperties": {"$ref": "#/$defs/server"}
    },
    "settings": {"$ref": "#/$defs/settings"}
  },
  "$defs": {
    "server": {
      "type": "object",
      "required": ["transport"],
      "properties": {
        "transport": {"enum": ["sandbox-stdio", "local-stdio", "http", "sse"]},
        "enabled": {"type": "boolean"},
        "description": {"type": "string"},
        "toolPrefix": {"type": "string"},
        "containerImage": {"type": "string", "minLength": 1},
        "containerEnv": {"type": "object", "additionalProperties": {"type": "string"}},
        "containerMemoryMiB": {"type": "integer", "minimum": 1},
        "containerCpu": {"type": "number", "exclusiveMinimum": 0},
        "command": {"type": "string", "minLength": 1},
        "args": {"type": "array", "items": {"type": "string"}},
        "env": {"type": "object", "additionalProperties": {"type": "string"}},
        "cwd": {"type": "string"},
        "url": {"type": "string", "minLength": 1},
        "headers": {"type": "object", "additionalProperties": {"type": "string"}},
        "healthCheckEndpoint": {"type": "string"},
        "timeoutMs": {"type": "integer", "minimum": 1}
      },
      "allOf": [
        {"if": {"properties": {"transport": {"const": "sandbox-stdio"}}}, "then": {"required": ["containerImage"]}},
        {"if": {"properties": {"transport": {"const": "local-stdio"}}}, "then": {"required": ["command"]}},
        {"if": {"properties": {"transport": {"const": "http"}}}, "then": {"required": ["url"]}},
        {"if": {"properties": {"transport": {"const": "sse"}}}, "then": {"required": ["url"]}}
      ]
    },
    "settings": {
      "type": "object",
      "properties": {
        "autoConnect": {"type": "boolean"},
        "healthCheckIntervalMs": {"type": "integer", "minimum": 1000},
        "toolNamespacing": {"enum": ["auto", "prefix", "none"]}
      }
    }
  }
}`

// compileSchema compiles the embedded document schema.
func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(documentSchema)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal document schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool-servers.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("tool-servers.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile document schema: %w", err)
	}
	return schema, nil
}

// validateDocument checks doc against the embedded schema plus the checks
// the schema cannot express cleanly.
func validateDocument(schema *jsonschema.Schema, doc Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	val, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := schema.Validate(val); err != nil {
		return fault.Wrap(fault.Validation, "invalid_config", err, "tool server document rejected")
	}
	for _, name := range doc.Servers.Names() {
		if !namePattern.MatchString(name) {
			return fault.Errorf(fault.Validation, "invalid_name", "server name %q must match %s", name, namePattern)
		}
	}
	if s := doc.Settings.ToolNamespacing; s != "" &&
		s != NamespacingAuto && s != NamespacingPrefix && s != NamespacingNone {
		return fault.Errorf(fault.Validation, "invalid_config", "unknown namespacing strategy %q", s)
	}
	return nil
}

// ValidateName checks a server name against the allowed pattern.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fault.Errorf(fault.Validation, "invalid_name", "server name %q must match %s", name, namePattern)
	}
	return nil
}

// ValidateTransport reports whether kind is a known transport.
func ValidateTransport(kind string) error {
	switch kind {
	case transport.KindSandboxStdio, transport.KindLocalStdio, transport.KindHTTP, transport.KindSSE:
		return nil
	default:
		return fault.Errorf(fault.Validation, "invalid_config", "unknown transport %q", kind)
	}
}

// placeholderPattern matches ${NAME} environment placeholders.
var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// resolvePlaceholders substitutes ${NAME} from the process environment.
// Unresolved names are reported but left literal so operators can spot them.
func resolvePlaceholders(s string, missing func(name string)) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if missing != nil {
			missing(name)
		}
		return match
	})
}

// resolveConfig returns cfg with every string field passed through
// environment substitution.
func resolveConfig(cfg ServerConfig, missing func(name string)) ServerConfig {
	sub := func(s string) string { return resolvePlaceholders(s, missing) }
	subMap := func(m map[string]string) map[string]string {
		if m == nil {
			return nil
		}
		out := make(map[string]string, len(m))
		for k, v := range m {
			out[k] = sub(v)
		}
		return out
	}

	cfg.ContainerImage = sub(cfg.ContainerImage)
	cfg.ContainerEnv = subMap(cfg.ContainerEnv)
	cfg.Command = sub(cfg.Command)
	if cfg.Args != nil {
		args := make([]string, len(cfg.Args))
		for i, a := range cfg.Args {
			args[i] = sub(a)
		}
		cfg.Args = args
	}
	cfg.Env = subMap(cfg.Env)
	cfg.Cwd = sub(cfg.Cwd)
	cfg.URL = sub(cfg.URL)
	cfg.Headers = subMap(cfg.Headers)
	cfg.HealthCheckEndpoint = sub(cfg.HealthCheckEndpoint)
	return cfg
}
