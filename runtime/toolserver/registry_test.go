package toolserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/stream"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(filepath.Join(t.TempDir(), "tool-servers.json"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func nextEvent(t *testing.T, sub stream.Subscription) Event {
	t.Helper()
	select {
	case v, ok := <-sub.C():
		require.True(t, ok, "subscription closed early")
		ev, ok := v.(Event)
		require.True(t, ok, "unexpected event type %T", v)
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for registry event")
		return Event{}
	}
}

func boolPtr(b bool) *bool { return &b }

func TestMissingFileStartsEmpty(t *testing.T) {
	r := newTestRegistry(t)

	assert.Empty(t, r.Names())
	s := r.Settings()
	assert.True(t, s.AutoConnect)
	assert.Equal(t, DefaultHealthCheckIntervalMs, s.HealthCheckIntervalMs)
	assert.Equal(t, NamespacingAuto, s.ToolNamespacing)
}

func TestLoadPreservesOrderAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool-servers.json")
	doc := `{
  "servers": {
    "zeta": {"transport": "http", "url": "http://zeta.internal/rpc"},
    "alpha": {"transport": "local-stdio", "command": "alpha-server", "enabled": false},
    "mid": {"transport": "sandbox-stdio", "containerImage": "ghcr.io/acme/mid:1"}
  },
  "settings": {"healthCheckIntervalMs": 5000}
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	r, err := NewRegistry(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, r.Names())
	assert.Equal(t, []string{"zeta", "mid"}, r.EnabledNames())

	s := r.Settings()
	assert.Equal(t, 5000, s.HealthCheckIntervalMs)
	assert.True(t, s.AutoConnect, "absent autoConnect keeps its default")
	assert.Equal(t, NamespacingAuto, s.ToolNamespacing)

	cfg, err := r.Get("alpha")
	require.NoError(t, err)
	assert.False(t, cfg.IsEnabled())
	assert.Equal(t, "alpha-server", cfg.Command)
}

func TestEnvPlaceholderResolution(t *testing.T) {
	t.Setenv("SWB_TEST_TOKEN", "s3cret")

	r := newTestRegistry(t)
	ctx := context.Background()
	cfg := ServerConfig{
		Transport: "http",
		URL:       "http://api.internal/rpc",
		Headers: map[string]string{
			"Authorization": "Bearer ${SWB_TEST_TOKEN}",
			"X-Region":      "${SWB_TEST_UNSET_REGION}",
		},
	}
	require.NoError(t, r.Add(ctx, "api", cfg))

	got, err := r.Get("api")
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", got.Headers["Authorization"])
	assert.Equal(t, "${SWB_TEST_UNSET_REGION}", got.Headers["X-Region"], "unresolved placeholders stay literal")

	// The persisted document keeps the placeholder, not the secret.
	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "${SWB_TEST_TOKEN}")
	assert.NotContains(t, string(data), "s3cret")
}

func TestTransportRequiredFields(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	cases := []struct {
		name string
		cfg  ServerConfig
	}{
		{"http-no-url", ServerConfig{Transport: "http"}},
		{"sse-no-url", ServerConfig{Transport: "sse"}},
		{"local-no-command", ServerConfig{Transport: "local-stdio"}},
		{"sandbox-no-image", ServerConfig{Transport: "sandbox-stdio"}},
		{"bogus-transport", ServerConfig{Transport: "carrier-pigeon"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Add(ctx, "srv", tc.cfg)
			require.Error(t, err)
			assert.Equal(t, fault.Validation, fault.KindOf(err))
		})
	}

	// Nothing was persisted or registered.
	assert.Empty(t, r.Names())
}

func TestNamePattern(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Add(context.Background(), "bad name!", ServerConfig{Transport: "http", URL: "http://x"})
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))
	assert.Equal(t, "invalid_name", fault.CodeOf(err, ""))
}

func TestAddDuplicateConflicts(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	cfg := ServerConfig{Transport: "http", URL: "http://one"}

	require.NoError(t, r.Add(ctx, "dup", cfg))
	err := r.Add(ctx, "dup", cfg)
	require.Error(t, err)
	assert.Equal(t, fault.Conflict, fault.KindOf(err))
}

func TestRemoveMissing(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Remove(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestCRUDEvents(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	sub, err := r.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	cfg := ServerConfig{Transport: "local-stdio", Command: "srv"}
	require.NoError(t, r.Add(ctx, "files", cfg))
	assert.Equal(t, Event{Type: EventAdded, Name: "files"}, nextEvent(t, sub))

	cfg.Description = "file tools"
	require.NoError(t, r.Update(ctx, "files", cfg))
	assert.Equal(t, Event{Type: EventUpdated, Name: "files"}, nextEvent(t, sub))

	require.NoError(t, r.SetEnabled(ctx, "files", false))
	assert.Equal(t, Event{Type: EventDisabled, Name: "files"}, nextEvent(t, sub))

	require.NoError(t, r.SetEnabled(ctx, "files", true))
	assert.Equal(t, Event{Type: EventEnabled, Name: "files"}, nextEvent(t, sub))

	require.NoError(t, r.UpdateSettings(ctx, Settings{ToolNamespacing: NamespacingPrefix}))
	assert.Equal(t, Event{Type: EventSettings}, nextEvent(t, sub))

	require.NoError(t, r.Remove(ctx, "files"))
	assert.Equal(t, Event{Type: EventRemoved, Name: "files"}, nextEvent(t, sub))

	require.NoError(t, r.Reload(ctx))
	assert.Equal(t, Event{Type: EventReloaded}, nextEvent(t, sub))
}

func TestSetEnabledIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Add(ctx, "srv", ServerConfig{Transport: "http", URL: "http://x"}))

	sub, err := r.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, r.SetEnabled(ctx, "srv", false))
	assert.Equal(t, Event{Type: EventDisabled, Name: "srv"}, nextEvent(t, sub))

	// Same verdict again changes nothing and stays silent.
	require.NoError(t, r.SetEnabled(ctx, "srv", false))
	select {
	case v := <-sub.C():
		t.Fatalf("unexpected event %v", v)
	case <-time.After(50 * time.Millisecond):
	}

	cfg, err := r.Get("srv")
	require.NoError(t, err)
	assert.False(t, cfg.IsEnabled())
}

func TestPersistAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tool-servers.json")
	r, err := NewRegistry(path)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, "first", ServerConfig{Transport: "http", URL: "http://one"}))
	require.NoError(t, r.Add(ctx, "second", ServerConfig{
		Transport:      "sandbox-stdio",
		ContainerImage: "ghcr.io/acme/tools:2",
		ContainerEnv:   map[string]string{"MODE": "ro"},
		Enabled:        boolPtr(false),
	}))
	require.NoError(t, r.Close())

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tool-servers.json", entries[0].Name())

	reopened, err := NewRegistry(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, []string{"first", "second"}, reopened.Names())
	cfg, err := reopened.Get("second")
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/acme/tools:2", cfg.ContainerImage)
	assert.False(t, cfg.IsEnabled())
}

func TestReloadPicksUpExternalEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool-servers.json")
	r, err := NewRegistry(path)
	require.NoError(t, err)
	defer r.Close()
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, "old", ServerConfig{Transport: "http", URL: "http://old"}))

	// Out-of-band rewrite, as an operator editing the file would do.
	doc := `{"servers": {"new": {"transport": "http", "url": "http://new"}}, "settings": {"autoConnect": false}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	require.NoError(t, r.Reload(ctx))
	assert.Equal(t, []string{"new"}, r.Names())
	assert.False(t, r.Settings().AutoConnect)
}

func TestReloadRejectsInvalidDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool-servers.json")
	r, err := NewRegistry(path)
	require.NoError(t, err)
	defer r.Close()
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, "keep", ServerConfig{Transport: "http", URL: "http://keep"}))

	require.NoError(t, os.WriteFile(path, []byte(`{"servers": {"broken": {"transport": "http"}}}`), 0o644))
	err = r.Reload(ctx)
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	// The in-memory view is untouched by the failed reload.
	assert.Equal(t, []string{"keep"}, r.Names())
}

func TestServerMapRoundTrip(t *testing.T) {
	var m ServerMap
	m.Set("b", ServerConfig{Transport: "http", URL: "http://b"})
	m.Set("a", ServerConfig{Transport: "http", URL: "http://a"})
	m.Set("c", ServerConfig{Transport: "http", URL: "http://c"})
	m.Delete("a")

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var back ServerMap
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, []string{"b", "c"}, back.Names())
}

func TestConfigPrefix(t *testing.T) {
	assert.Equal(t, "files", ServerConfig{}.Prefix("files"))
	assert.Equal(t, "fs", ServerConfig{ToolPrefix: "fs"}.Prefix("files"))
}
