package oliver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t testing.TB, path string) *StoreAdapter {
	t.Helper()
	return NewStoreAdapter(
		&StoreConfig{Path: path},
		nil,
		testLogger(t),
	)
}

func TestConversationStoreAppendBound(t *testing.T) {
	t.Parallel()
	store := NewConversationStore()

	for i := 0; i < 30; i++ {
		store.Append(
			"user-1",
			ConversationEntry{
				Role:        RoleUser,
				Content:     fmt.Sprintf("mensaje %d", i),
				Timestamp:   time.Now().UnixMilli(),
				SpeakerName: "Milagros",
			},
			20,
		)
	}

	assert.Equal(t, 20, store.HistoryLen("user-1"))

	// the oldest entries were evicted, the newest survive in order
	entries := store.Recent("user-1", 20)
	require.Len(t, entries, 20)
	assert.Equal(t, "mensaje 10", entries[0].Content)
	assert.Equal(t, "mensaje 29", entries[19].Content)
}

func TestConversationStoreRecent(t *testing.T) {
	t.Parallel()
	store := NewConversationStore()

	for i := 0; i < 10; i++ {
		store.Append(
			"user-1",
			ConversationEntry{Content: fmt.Sprintf("m%d", i)},
			20,
		)
	}

	recent := store.Recent("user-1", 3)
	require.Len(t, recent, 3)
	assert.Equal(t, "m7", recent[0].Content)
	assert.Equal(t, "m9", recent[2].Content)

	// mutating the returned slice must not affect the store
	recent[0].Content = "mutated"
	assert.Equal(t, "m7", store.Recent("user-1", 3)[0].Content)

	assert.Empty(t, store.Recent("nobody", 5))
}

func TestConversationStoreEnsureUser(t *testing.T) {
	t.Parallel()
	store := NewConversationStore()

	store.EnsureUser("user-1", "tranqui")

	st, ok := store.Status("user-1")
	require.True(t, ok)
	assert.Equal(t, "tranqui", st.Status)
	assert.Equal(t, 0, store.HistoryLen("user-1"))
	assert.Equal(t, 1, store.UserCount())

	// creating the default records is not a meaningful divergence
	assert.False(t, store.Dirty())

	// a second call must not reset an updated status
	store.SetStatus("user-1", "en compromiso")
	store.EnsureUser("user-1", "tranqui")
	st, _ = store.Status("user-1")
	assert.Equal(t, "en compromiso", st.Status)
}

func TestConversationStoreDirty(t *testing.T) {
	t.Parallel()
	store := NewConversationStore()
	assert.False(t, store.Dirty())

	store.Append("user-1", ConversationEntry{Content: "hola"}, 20)
	assert.True(t, store.Dirty())

	_, gen := store.snapshot()
	store.markSaved(gen)
	assert.False(t, store.Dirty())

	store.SetStatus("user-1", "en compromiso")
	assert.True(t, store.Dirty())
}

func TestConversationStoreDirtySurvivesSaveRace(t *testing.T) {
	t.Parallel()
	store := NewConversationStore()
	store.Append("user-1", ConversationEntry{Content: "primera"}, 20)

	// a mutation lands after the snapshot was taken but before the save
	// finishes; it must still be flushed by the next cycle
	_, gen := store.snapshot()
	store.Append("user-1", ConversationEntry{Content: "segunda"}, 20)
	store.markSaved(gen)

	assert.True(t, store.Dirty())

	_, gen = store.snapshot()
	store.markSaved(gen)
	assert.False(t, store.Dirty())

	// a stale save completing late never rolls the saved mark back
	store.markSaved(gen - 1)
	assert.False(t, store.Dirty())
}

func TestStoreAdapterLoadMissingFile(t *testing.T) {
	t.Parallel()
	adapter := newTestAdapter(
		t,
		filepath.Join(t.TempDir(), "nope.json"),
	)

	store := adapter.Load(context.Background())
	require.NotNil(t, store)
	assert.Equal(t, 0, store.UserCount())
	assert.False(t, store.Dirty())
}

func TestStoreAdapterLoadMalformed(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	store := newTestAdapter(t, path).Load(context.Background())
	require.NotNil(t, store)
	assert.Equal(t, 0, store.UserCount())
}

func TestStoreAdapterRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "oliver-data.json")
	adapter := newTestAdapter(t, path)

	store := NewConversationStore()
	store.EnsureUser("752987736759205960", "tranqui")
	store.Append(
		"752987736759205960",
		ConversationEntry{
			Role:        RoleUser,
			Content:     "hola oliver",
			Timestamp:   1700000000000,
			SpeakerName: "Miguel",
		},
		20,
	)
	store.SetStatus("752987736759205960", "en compromiso")

	adapter.Save(ctx, store)
	assert.False(t, store.Dirty())

	// field names on disk are the snapshot layout the bot has always used
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "conversationHistory")
	assert.Contains(t, raw, "userStatus")

	loaded := adapter.Load(ctx)
	assert.Equal(t, 1, loaded.UserCount())

	entries := loaded.Recent("752987736759205960", 20)
	require.Len(t, entries, 1)
	assert.Equal(t, RoleUser, entries[0].Role)
	assert.Equal(t, "hola oliver", entries[0].Content)
	assert.Equal(t, "Miguel", entries[0].SpeakerName)

	st, ok := loaded.Status("752987736759205960")
	require.True(t, ok)
	assert.Equal(t, "en compromiso", st.Status)
}

func TestStoreAdapterSaveSkipsClean(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "oliver-data.json")
	adapter := newTestAdapter(t, path)

	store := NewConversationStore()
	store.EnsureUser("user-1", "tranqui")

	adapter.Save(context.Background(), store)

	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStoreAdapterSaveFailureKeepsDirty(t *testing.T) {
	t.Parallel()
	adapter := newTestAdapter(
		t,
		filepath.Join(t.TempDir(), "missing-dir", "oliver-data.json"),
	)

	store := NewConversationStore()
	store.Append("user-1", ConversationEntry{Content: "hola"}, 20)

	adapter.Save(context.Background(), store)

	// the write failed, so the next cycle must retry
	assert.True(t, store.Dirty())
}

func TestStoreAdapterSaveAtomic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "oliver-data.json")
	adapter := newTestAdapter(t, path)

	store := NewConversationStore()
	store.Append("user-1", ConversationEntry{Content: "hola"}, 20)
	adapter.Save(context.Background(), store)

	// no temp files left behind
	matches, err := filepath.Glob(filepath.Join(dir, ".oliver-snapshot-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
