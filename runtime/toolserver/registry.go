package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/stream"
	"github.com/switchboard-ai/switchboard/runtime/telemetry"
)

// Event types published by the registry on every successful mutation.
const (
	EventAdded    = "added"
	EventRemoved  = "removed"
	EventUpdated  = "updated"
	EventEnabled  = "enabled"
	EventDisabled = "disabled"
	EventSettings = "settings"
	EventReloaded = "reloaded"
)

type (
	// Event describes a registry change. Name is empty for document-wide
	// events (settings, reloaded).
	Event struct {
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
	}

	// Registry is the file-backed tool server catalog. It keeps two views of
	// the document: the raw one with ${NAME} placeholders intact, which is
	// what gets persisted, and a resolved one handed to consumers.
	Registry struct {
		path   string
		schema *jsonschema.Schema
		logger telemetry.Logger
		events stream.Broadcaster

		mu       sync.RWMutex
		raw      Document
		resolved map[string]ServerConfig
	}

	// RegistryOption configures a Registry.
	RegistryOption func(*Registry)
)

// WithRegistryLogger sets the logger used for placeholder warnings and
// persistence diagnostics.
func WithRegistryLogger(l telemetry.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry loads the document at path. A missing file yields an empty
// registry with default settings; the file is created on first save.
func NewRegistry(path string, opts ...RegistryOption) (*Registry, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	r := &Registry{
		path:   path,
		schema: schema,
		logger: telemetry.NewNoopLogger(),
		events: stream.NewBroadcaster(16, true),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.load(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the backing file path.
func (r *Registry) Path() string { return r.path }

// Subscribe returns a subscription delivering Event values until ctx is
// cancelled or the subscription is closed.
func (r *Registry) Subscribe(ctx context.Context) (stream.Subscription, error) {
	return r.events.Subscribe(ctx)
}

// Close releases the event broadcaster. The backing file is left as is.
func (r *Registry) Close() error {
	return r.events.Close()
}

// load reads, validates, and resolves the backing file.
func (r *Registry) load(ctx context.Context) error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		r.mu.Lock()
		r.raw = Document{Settings: DefaultSettings()}
		r.resolved = map[string]ServerConfig{}
		r.mu.Unlock()
		r.logger.Info(ctx, "tool server config absent, starting empty", "path", r.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", r.path, err)
	}

	// Pre-seed settings so keys absent from the file keep their defaults.
	doc := Document{Settings: DefaultSettings()}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fault.Wrap(fault.Validation, "invalid_config", err, "parse tool server config")
	}
	applySettingsDefaults(&doc.Settings)
	if err := validateDocument(r.schema, doc); err != nil {
		return err
	}

	resolved := r.resolveAll(ctx, doc)
	r.mu.Lock()
	r.raw = doc
	r.resolved = resolved
	r.mu.Unlock()
	return nil
}

// Reload re-reads the backing file and emits a reloaded event. Consumers
// use it to pick up out-of-band edits to the file.
func (r *Registry) Reload(ctx context.Context) error {
	if err := r.load(ctx); err != nil {
		return err
	}
	r.events.Publish(Event{Type: EventReloaded})
	return nil
}

// resolveAll produces the consumer view with environment placeholders
// substituted. Unresolved names warn once per occurrence.
func (r *Registry) resolveAll(ctx context.Context, doc Document) map[string]ServerConfig {
	resolved := make(map[string]ServerConfig, doc.Servers.Len())
	for _, name := range doc.Servers.Names() {
		cfg, _ := doc.Servers.Get(name)
		server := name
		resolved[name] = resolveConfig(cfg, func(envName string) {
			r.logger.Warn(ctx, "unresolved environment placeholder in tool server config",
				"server", server, "placeholder", envName)
		})
	}
	return resolved
}

// Settings returns the current document settings.
func (r *Registry) Settings() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.raw.Settings
}

// Servers returns the resolved configs keyed by name.
func (r *Registry) Servers() map[string]ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ServerConfig, len(r.resolved))
	for k, v := range r.resolved {
		out[k] = v
	}
	return out
}

// Names returns all server names in document order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.raw.Servers.Names()
}

// EnabledNames returns the names of enabled servers in document order.
func (r *Registry) EnabledNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.raw.Servers.Names() {
		if cfg, ok := r.resolved[name]; ok && cfg.IsEnabled() {
			out = append(out, name)
		}
	}
	return out
}

// Get returns the resolved config for name.
func (r *Registry) Get(name string) (ServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.resolved[name]
	if !ok {
		return ServerConfig{}, fault.Errorf(fault.NotFound, "server_not_found", "tool server %q not registered", name)
	}
	return cfg, nil
}

// Add registers a new server and persists the document. Duplicate names
// are rejected.
func (r *Registry) Add(ctx context.Context, name string, cfg ServerConfig) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	err := r.commit(ctx, func(doc *Document) error {
		if _, ok := doc.Servers.Get(name); ok {
			return fault.Errorf(fault.Conflict, "server_exists", "tool server %q already registered", name)
		}
		doc.Servers.Set(name, cfg)
		return nil
	})
	if err != nil {
		return err
	}
	r.events.Publish(Event{Type: EventAdded, Name: name})
	return nil
}

// Update replaces the config of an existing server and persists.
func (r *Registry) Update(ctx context.Context, name string, cfg ServerConfig) error {
	err := r.commit(ctx, func(doc *Document) error {
		if _, ok := doc.Servers.Get(name); !ok {
			return fault.Errorf(fault.NotFound, "server_not_found", "tool server %q not registered", name)
		}
		doc.Servers.Set(name, cfg)
		return nil
	})
	if err != nil {
		return err
	}
	r.events.Publish(Event{Type: EventUpdated, Name: name})
	return nil
}

// Remove deletes a server and persists.
func (r *Registry) Remove(ctx context.Context, name string) error {
	err := r.commit(ctx, func(doc *Document) error {
		if _, ok := doc.Servers.Get(name); !ok {
			return fault.Errorf(fault.NotFound, "server_not_found", "tool server %q not registered", name)
		}
		doc.Servers.Delete(name)
		return nil
	})
	if err != nil {
		return err
	}
	r.events.Publish(Event{Type: EventRemoved, Name: name})
	return nil
}

// SetEnabled flips the enabled flag and persists. Emits enabled or
// disabled accordingly. No-ops (already in the requested state) still
// persist but emit nothing.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) error {
	var changed bool
	err := r.commit(ctx, func(doc *Document) error {
		cfg, ok := doc.Servers.Get(name)
		if !ok {
			return fault.Errorf(fault.NotFound, "server_not_found", "tool server %q not registered", name)
		}
		changed = cfg.IsEnabled() != enabled
		cfg.Enabled = &enabled
		doc.Servers.Set(name, cfg)
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		typ := EventEnabled
		if !enabled {
			typ = EventDisabled
		}
		r.events.Publish(Event{Type: typ, Name: name})
	}
	return nil
}

// UpdateSettings replaces the settings block and persists.
func (r *Registry) UpdateSettings(ctx context.Context, s Settings) error {
	applySettingsDefaults(&s)
	err := r.commit(ctx, func(doc *Document) error {
		doc.Settings = s
		return nil
	})
	if err != nil {
		return err
	}
	r.events.Publish(Event{Type: EventSettings})
	return nil
}

// commit applies mutate to a copy of the raw document, validates the
// result, persists it, and swaps it in. The write uses a temp file in the
// same directory followed by a rename so a crash never leaves a torn file.
func (r *Registry) commit(ctx context.Context, mutate func(doc *Document) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := Document{Servers: r.raw.Servers.clone(), Settings: r.raw.Settings}
	if err := mutate(&next); err != nil {
		return err
	}
	if err := validateDocument(r.schema, next); err != nil {
		return err
	}
	if err := r.persist(next); err != nil {
		return err
	}
	r.raw = next
	r.resolved = r.resolveAll(ctx, next)
	return nil
}

func (r *Registry) persist(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tool server config: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tool-servers-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func applySettingsDefaults(s *Settings) {
	if s.HealthCheckIntervalMs == 0 {
		s.HealthCheckIntervalMs = DefaultHealthCheckIntervalMs
	}
	if s.ToolNamespacing == "" {
		s.ToolNamespacing = NamespacingAuto
	}
}
