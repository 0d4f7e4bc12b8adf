package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Durable key-value store
// JSON documents under a data directory, one file per key, written via
// temp-file + rename. Each document carries a schema_version envelope.
// ---------------------------------------------------------------------------

// Well-known state keys.
const (
	KeyPositions      = "positions"
	KeyMoonbags       = "moonbags"
	KeyWage           = "wage"
	KeyTreasuryLedger = "treasury_ledger"
	KeyDaily          = "daily"
	KeyTradeHistory   = "trade_history"
)

// schemaVersion is bumped when the envelope layout changes.
const schemaVersion = 1

// Store is the durable key-value interface consumed by stateful components.
// Load reports found=false when the key has never been saved.
type Store interface {
	Load(key string, into any) (found bool, err error)
	Save(key string, value any) error
}

// CorruptError marks a state slice that exists but cannot be decoded. The
// caller falls back to a safe default for that slice only and flags the
// condition loudly; it must not crash.
type CorruptError struct {
	Key string
	Err error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("store: corrupt state for %q: %v", e.Key, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// envelope wraps every persisted document.
type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	SavedAt       time.Time       `json:"saved_at"`
	Data          json.RawMessage `json:"data"`
}

// FileStore persists each key as <dir>/<key>.json.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Load reads and unmarshals the document for key into the given pointer.
func (s *FileStore) Load(key string, into any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: read %q: %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false, &CorruptError{Key: key, Err: err}
	}
	if env.SchemaVersion > schemaVersion {
		return false, &CorruptError{Key: key, Err: fmt.Errorf("schema version %d newer than supported %d", env.SchemaVersion, schemaVersion)}
	}
	if err := json.Unmarshal(env.Data, into); err != nil {
		return false, &CorruptError{Key: key, Err: err}
	}
	return true, nil
}

// Save marshals value and writes it atomically.
func (s *FileStore) Save(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal %q: %w", key, err)
	}
	env := envelope{
		SchemaVersion: schemaVersion,
		SavedAt:       time.Now().UTC(),
		Data:          data,
	}
	blob, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal envelope %q: %w", key, err)
	}

	path := s.path(key)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, blob, 0o644); err != nil {
		return fmt.Errorf("store: write %q: %w", key, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: rename %q: %w", key, err)
	}

	log.Debug().Str("key", key).Int("bytes", len(blob)).Msg("store: saved")
	return nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// MemStore is an in-memory Store for tests and dry runs.
type MemStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (s *MemStore) Load(key string, into any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.data[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, into); err != nil {
		return false, &CorruptError{Key: key, Err: err}
	}
	return true, nil
}

func (s *MemStore) Save(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal %q: %w", key, err)
	}
	s.mu.Lock()
	s.data[key] = data
	s.mu.Unlock()
	return nil
}
