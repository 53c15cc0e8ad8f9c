package conversation

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-ai/switchboard/runtime/model"
	"github.com/switchboard-ai/switchboard/runtime/statestore/inmem"
)

func newTestStore(t *testing.T, opts ...Option) (Store, *inmem.Store) {
	t.Helper()
	kv := inmem.New()
	t.Cleanup(func() { kv.Close() })
	return New(kv, opts...), kv
}

func userMsg(text string) model.Message {
	return model.Message{Role: model.RoleUser, Content: text}
}

func TestAppendAndLoad(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "s1", userMsg("hello")))
	require.NoError(t, s.Append(ctx, "s1", model.Message{Role: model.RoleAssistant, Content: "hi there"}))

	msgs, err := s.All(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)

	// Sessions are isolated.
	other, err := s.All(ctx, "s2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMessageWindowTrims(t *testing.T) {
	s, _ := newTestStore(t, WithMaxMessages(3))
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three", "four", "five"} {
		require.NoError(t, s.Append(ctx, "s1", userMsg(text)))
	}

	msgs, err := s.All(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "three", msgs[0].Content)
	assert.Equal(t, "five", msgs[2].Content)
}

func TestHistoryTokenBudget(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Each message costs ceil((4+40)/4) = 11 tokens.
	for range 4 {
		require.NoError(t, s.Append(ctx, "s1", userMsg(strings.Repeat("x", 40))))
	}

	msgs, err := s.History(ctx, "s1", 23)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "budget of 23 fits two 11-token messages")

	msgs, err = s.History(ctx, "s1", 5)
	require.NoError(t, err)
	assert.Empty(t, msgs, "nothing fits when the newest alone exceeds the budget")

	msgs, err = s.History(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 4, "non-positive budget falls back to the default")
}

func TestHistoryCountsStructuredFields(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	small := userMsg("ok")
	big := model.Message{
		Role: model.RoleAssistant,
		ToolCalls: []model.ToolCall{{
			ID:   "c1",
			Name: "read_file",
			Args: map[string]any{"path": strings.Repeat("/very/long/segment", 30)},
		}},
	}
	require.NoError(t, s.Append(ctx, "s1", big))
	require.NoError(t, s.Append(ctx, "s1", small))

	msgs, err := s.History(ctx, "s1", approxTokens(small)+10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ok", msgs[0].Content)
}

func TestCompressionInteroperates(t *testing.T) {
	kv := inmem.New()
	defer kv.Close()
	plain := New(kv)
	packed := New(kv, WithCompression(true))
	ctx := context.Background()

	require.NoError(t, plain.Append(ctx, "s1", userMsg("raw entry")))
	require.NoError(t, packed.Append(ctx, "s1", userMsg("compressed entry")))

	// Stored forms differ.
	entries, err := kv.LRange(ctx, "conv:s1", 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, strings.HasPrefix(entries[0], "{"))
	assert.True(t, strings.HasPrefix(entries[1], gzipPrefix))

	// Either store reads both framings.
	for _, s := range []Store{plain, packed} {
		msgs, err := s.All(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "raw entry", msgs[0].Content)
		assert.Equal(t, "compressed entry", msgs[1].Content)
	}
}

func TestUnreadableEntriesAreSkipped(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "s1", userMsg("good")))
	_, err := kv.RPush(ctx, "conv:s1", "gz:!!!not-base64!!!")
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, "s1", userMsg("also good")))

	msgs, err := s.All(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "good", msgs[0].Content)
	assert.Equal(t, "also good", msgs[1].Content)
}

func TestClear(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "s1", userMsg("bye")))
	require.NoError(t, s.Clear(ctx, "s1"))

	msgs, err := s.All(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestTTLExpiresIdleLogs(t *testing.T) {
	s, _ := newTestStore(t, WithTTL(40*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "s1", userMsg("short lived")))
	msgs, err := s.All(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	time.Sleep(60 * time.Millisecond)
	msgs, err = s.All(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGzipRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	packed := &store{compress: true}
	properties.Property("encode then decode is the identity", prop.ForAll(
		func(content string) bool {
			msg := model.Message{Role: model.RoleUser, Content: content}
			entry, err := packed.encode(msg)
			if err != nil {
				return false
			}
			back, err := decodeEntry(entry)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(msg, back)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestHistoryIsSuffixProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("history is a suffix of the append order", prop.ForAll(
		func(contents []string, budget int) bool {
			kv := inmem.New()
			defer kv.Close()
			s := New(kv)
			ctx := context.Background()

			for _, c := range contents {
				if err := s.Append(ctx, "p", userMsg(c)); err != nil {
					return false
				}
			}
			all, err := s.All(ctx, "p")
			if err != nil {
				return false
			}
			hist, err := s.History(ctx, "p", budget)
			if err != nil {
				return false
			}
			if len(hist) > len(all) {
				return false
			}
			return reflect.DeepEqual(all[len(all)-len(hist):], hist)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}
