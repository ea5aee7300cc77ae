package oliver

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// ConversationRole identifies which side of the dialogue a turn belongs to.
type ConversationRole string

const (
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
)

// ConversationEntry is one turn in a user's dialogue. JSON field names
// match the snapshot layout the bot has always written, so existing
// snapshots load as-is.
type ConversationEntry struct {
	Role        ConversationRole `json:"role"`
	Content     string           `json:"content"`
	Timestamp   int64            `json:"timestamp"`
	SpeakerName string           `json:"userName"`
}

// UserStatus is a coarse affect tag for a user, updated opportunistically
// by keyword detection in incoming messages.
type UserStatus struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// storeSnapshot is the serialized shape of ConversationStore.
type storeSnapshot struct {
	ConversationHistory map[string][]ConversationEntry `json:"conversationHistory"`
	UserStatus          map[string]UserStatus          `json:"userStatus"`
}

// ConversationStore is the aggregate root for per-user conversation memory:
// bounded history plus a status record per known user. It's process-wide
// mutable state with a single logical writer (the orchestrator); the
// internal mutex makes individual mutations safe when multiple users'
// requests interleave.
type ConversationStore struct {
	history map[string][]ConversationEntry
	status  map[string]UserStatus

	// gen counts mutations; savedGen is the generation the last durable
	// snapshot captured. They diverge while unsaved changes exist, so a
	// mutation landing between snapshot and save still flushes next cycle.
	gen      uint64
	savedGen uint64

	mu sync.Mutex
}

// NewConversationStore returns an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		history: map[string][]ConversationEntry{},
		status:  map[string]UserStatus{},
	}
}

// EnsureUser creates empty history and a default status record for the
// given user id, if absent. Creating the defaults does not mark the store
// dirty: nothing meaningful diverged yet.
func (s *ConversationStore) EnsureUser(userID string, defaultStatus string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.history[userID]; !ok {
		s.history[userID] = []ConversationEntry{}
	}
	if _, ok := s.status[userID]; !ok {
		s.status[userID] = UserStatus{
			Status:    defaultStatus,
			Timestamp: time.Now().UnixMilli(),
		}
	}
}

// Append pushes a turn onto the user's history, evicting the oldest
// entries beyond limit, and marks the store dirty.
func (s *ConversationStore) Append(
	userID string,
	entry ConversationEntry,
	limit int,
) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.history[userID], entry)
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	s.history[userID] = entries
	s.gen++
}

// SetStatus overwrites the user's status label and refreshes its
// timestamp, marking the store dirty.
func (s *ConversationStore) SetStatus(userID string, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status[userID] = UserStatus{
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	}
	s.gen++
}

// Status returns the user's status record, if any.
func (s *ConversationStore) Status(userID string) (UserStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.status[userID]
	return st, ok
}

// Recent returns a copy of the user's most recent k turns, oldest first.
func (s *ConversationStore) Recent(userID string, k int) []ConversationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.history[userID]
	if k > 0 && len(entries) > k {
		entries = entries[len(entries)-k:]
	}
	out := make([]ConversationEntry, len(entries))
	copy(out, entries)
	return out
}

// HistoryLen returns the number of stored turns for the user.
func (s *ConversationStore) HistoryLen(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history[userID])
}

// UserCount returns the number of users with a history record.
func (s *ConversationStore) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Dirty reports whether in-memory state diverges from the last snapshot.
func (s *ConversationStore) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != s.savedGen
}

// markSaved records that a snapshot taken at the given generation was
// durably written. Mutations after that snapshot keep the store dirty.
func (s *ConversationStore) markSaved(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen > s.savedGen {
		s.savedGen = gen
	}
}

// snapshot copies the store's maps for serialization, returning the
// generation the copy captures.
func (s *ConversationStore) snapshot() (storeSnapshot, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := storeSnapshot{
		ConversationHistory: make(
			map[string][]ConversationEntry,
			len(s.history),
		),
		UserStatus: make(map[string]UserStatus, len(s.status)),
	}
	for id, entries := range s.history {
		cp := make([]ConversationEntry, len(entries))
		copy(cp, entries)
		snap.ConversationHistory[id] = cp
	}
	for id, st := range s.status {
		snap.UserStatus[id] = st
	}
	return snap, s.gen
}

// StoreAdapter loads and saves the conversation snapshot: a local JSON
// file, best-effort mirrored to a remote GitHub repository. Durability is
// soft - the bot keeps responding even when neither write succeeds, with
// the in-memory store as the source of truth.
type StoreAdapter struct {
	path   string
	mirror *Mirror
	logger *slog.Logger
}

// NewStoreAdapter creates a StoreAdapter for the given config. The mirror
// is optional.
func NewStoreAdapter(
	config *StoreConfig,
	mirror *Mirror,
	logger *slog.Logger,
) *StoreAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreAdapter{
		path:   config.Path,
		mirror: mirror,
		logger: logger.With(loggerNameKey, "store"),
	}
}

// Load reads the on-disk snapshot. A missing or malformed file is a
// degraded-but-safe start condition, not an error: the bot starts with an
// empty store and rebuilds memory as messages arrive.
func (a *StoreAdapter) Load(ctx context.Context) *ConversationStore {
	store := NewConversationStore()

	data, err := os.ReadFile(a.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			a.logger.InfoContext(
				ctx,
				"no snapshot file, starting empty",
				"path", a.path,
			)
		} else {
			a.logger.ErrorContext(
				ctx,
				"error reading snapshot, starting empty",
				"path", a.path,
				tint.Err(err),
			)
		}
		return store
	}

	var snap storeSnapshot
	if err = json.Unmarshal(data, &snap); err != nil {
		a.logger.ErrorContext(
			ctx,
			"malformed snapshot, starting empty",
			"path", a.path,
			tint.Err(err),
		)
		return store
	}

	if snap.ConversationHistory != nil {
		store.history = snap.ConversationHistory
	}
	if snap.UserStatus != nil {
		store.status = snap.UserStatus
	}
	a.logger.InfoContext(
		ctx,
		"loaded snapshot",
		"path", a.path,
		"users", len(store.history),
	)
	return store
}

// Save flushes the store to the local file and then to the remote mirror.
// It's a no-op when the store isn't dirty. All persistence failures are
// logged and swallowed - they must never abort the conversation flow.
func (a *StoreAdapter) Save(ctx context.Context, store *ConversationStore) {
	if !store.Dirty() {
		return
	}

	snap, gen := store.snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		a.logger.ErrorContext(ctx, "error marshaling snapshot", tint.Err(err))
		return
	}

	if err = a.writeLocal(data); err != nil {
		// the store stays dirty so the next cycle retries
		a.logger.ErrorContext(
			ctx,
			"error writing snapshot",
			"path", a.path,
			tint.Err(err),
		)
	} else {
		store.markSaved(gen)
	}

	if a.mirror != nil {
		if err = a.mirror.Sync(ctx, data); err != nil {
			a.logger.ErrorContext(ctx, "error syncing mirror", tint.Err(err))
		}
	}
}

// writeLocal writes the snapshot atomically (temp file + rename).
func (a *StoreAdapter) writeLocal(data []byte) error {
	dir := filepath.Dir(a.path)
	tmp, err := os.CreateTemp(dir, ".oliver-snapshot-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, a.path)
}
