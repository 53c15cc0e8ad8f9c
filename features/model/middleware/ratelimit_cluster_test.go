package middleware

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"goa.design/pulse/rmap"

	"github.com/switchboard-ai/switchboard/runtime/model"
)

type fakeClusterMap struct {
	mu     sync.Mutex
	values map[string]string
	ch     chan rmap.EventKind
}

func newFakeClusterMap() *fakeClusterMap {
	return &fakeClusterMap{
		values: make(map[string]string),
		ch:     make(chan rmap.EventKind, 1),
	}
}

func (m *fakeClusterMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeClusterMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	select {
	case m.ch <- rmap.EventChange:
	default:
	}
	return true, nil
}

func (m *fakeClusterMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.values[key]
	if prev == test {
		m.values[key] = value
		select {
		case m.ch <- rmap.EventChange:
		default:
		}
	}
	return prev, nil
}

func (m *fakeClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.ch
}

func (m *fakeClusterMap) tpm(t *testing.T, key string) float64 {
	t.Helper()
	v, ok := m.Get(key)
	if !ok {
		t.Fatalf("expected shared map to contain %q", key)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		t.Fatalf("shared value %q is not numeric: %v", v, err)
	}
	return f
}

func TestClusterLimiter_SeedsSharedBudget(t *testing.T) {
	cm := newFakeClusterMap()

	newClusterAdaptiveRateLimiter(context.Background(), cm, "tpm:anthropic", 60000, 120000)

	if got := cm.tpm(t, "tpm:anthropic"); got != 60000 {
		t.Fatalf("expected seeded budget 60000, got %f", got)
	}
}

func TestClusterLimiter_AdoptsExistingBudget(t *testing.T) {
	cm := newFakeClusterMap()
	cm.values["tpm:anthropic"] = "30000"

	l := newClusterAdaptiveRateLimiter(context.Background(), cm, "tpm:anthropic", 60000, 120000)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentTPM != 30000 {
		t.Fatalf("expected limiter to adopt shared budget 30000, got %f", l.currentTPM)
	}
}

func TestClusterLimiter_BackoffUpdatesSharedMap(t *testing.T) {
	cm := newFakeClusterMap()
	cm.values["tpm:anthropic"] = "80000"

	l := newClusterAdaptiveRateLimiter(context.Background(), cm, "tpm:anthropic", 80000, 80000)

	client := &fakeClient{completeErr: rateLimitedErr()}
	wrapped := l.Middleware()(client)

	req := model.Request{
		Messages:  []model.Message{{Role: model.RoleUser, Content: "hello"}},
		MaxTokens: 10,
	}

	if _, err := wrapped.Complete(context.Background(), req); !model.IsRateLimited(err) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}

	// The shared map update runs in a goroutine; give it a moment.
	time.Sleep(10 * time.Millisecond)

	if got := cm.tpm(t, "tpm:anthropic"); got >= 80000 {
		t.Fatalf("expected shared budget below 80000 after backoff, got %f", got)
	}
}

func TestClusterLimiter_ReconcilesWhenSharedBudgetChanges(t *testing.T) {
	cm := newFakeClusterMap()
	cm.values["tpm:anthropic"] = "60000"

	l := newClusterAdaptiveRateLimiter(context.Background(), cm, "tpm:anthropic", 60000, 120000)

	// Simulate another process halving the shared budget.
	cm.mu.Lock()
	cm.values["tpm:anthropic"] = "30000"
	cm.mu.Unlock()
	cm.ch <- rmap.EventChange

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		tpm := l.currentTPM
		l.mu.Unlock()
		if tpm == 30000 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected local limiter to reconcile to shared budget 30000")
}
