package edc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fmspay/edc-simulator/edc/models"
)

var ErrNotFound = fmt.Errorf("not found")

const (
	settingsFile = "settings.json"
	historyFile  = "transaction_history.json"
)

// Repository holds application settings and the transaction history.
// When constructed with a data directory both are persisted as compact
// JSON files; otherwise everything stays in memory. The hidden set only
// affects listing and is never persisted: restarting the simulator
// brings the full history back.
type Repository struct {
	mu       sync.RWMutex
	dir      string
	settings map[string]any
	history  map[string]*models.TransactionRecord
	hidden   map[string]struct{}
}

func NewRepository() *Repository {
	return &Repository{
		settings: make(map[string]any),
		history:  make(map[string]*models.TransactionRecord),
		hidden:   make(map[string]struct{}),
	}
}

// NewFileRepository loads settings and history from dir, creating it if
// needed.
func NewFileRepository(dir string) (*Repository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	r := NewRepository()
	r.dir = dir

	if err := loadJSON(filepath.Join(dir, settingsFile), &r.settings); err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	if err := loadJSON(filepath.Join(dir, historyFile), &r.history); err != nil {
		return nil, fmt.Errorf("loading transaction history: %w", err)
	}
	return r, nil
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (r *Repository) GetSettings() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.settings))
	for k, v := range r.settings {
		out[k] = v
	}
	return out
}

// UpdateSettings merges updates over the current settings and persists
// the result.
func (r *Repository) UpdateSettings(updates map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range updates {
		r.settings[k] = v
	}
	return r.persistLocked(settingsFile, r.settings)
}

// StringSetting returns a string-typed setting or def when absent or of
// another type.
func (r *Repository) StringSetting(key, def string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.settings[key].(string); ok && s != "" {
		return s
	}
	return def
}

func (r *Repository) BoolSetting(key string, def bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.settings[key].(bool); ok {
		return b
	}
	return def
}

// IntSetting tolerates JSON numbers, which decode as float64, and
// numeric strings, which the original settings files carry.
func (r *Repository) IntSetting(key string, def int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch v := r.settings[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func (r *Repository) AddTransaction(rec *models.TransactionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.history[rec.ID] = &cp
	return r.persistLocked(historyFile, r.history)
}

// UpdateTransaction applies update to the stored record under the lock,
// serializing all mutations to a given id.
func (r *Repository) UpdateTransaction(id string, update func(*models.TransactionRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.history[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	update(rec)
	return r.persistLocked(historyFile, r.history)
}

func (r *Repository) GetTransaction(id string) (*models.TransactionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.history[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

// LatestProcessing returns the most recently dispatched record still in
// the processing state, or nil.
func (r *Repository) LatestProcessing() *models.TransactionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *models.TransactionRecord
	for _, rec := range r.history {
		if rec.Status != models.StatusProcessing {
			continue
		}
		if latest == nil || rec.Timestamp.After(latest.Timestamp) {
			latest = rec
		}
	}
	if latest == nil {
		return nil
	}
	cp := *latest
	return &cp
}

// ListVisible returns the records for userID that have not been hidden
// by a clear-history operation, most recent first. An empty userID
// returns every visible record.
func (r *Repository) ListVisible(userID string) []*models.TransactionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.TransactionRecord, 0, len(r.history))
	for id, rec := range r.history {
		if _, hidden := r.hidden[id]; hidden {
			continue
		}
		if userID != "" && rec.UserID != userID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// ClearVisible hides userID's current records from listing. Hiding is
// one-way; new transactions remain visible.
func (r *Repository) ClearVisible(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range r.history {
		if userID == "" || rec.UserID == userID {
			r.hidden[id] = struct{}{}
		}
	}
}

// persistLocked writes v as a single line of JSON. Caller holds the
// write lock.
func (r *Repository) persistLocked(name string, v any) error {
	if r.dir == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(r.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}
