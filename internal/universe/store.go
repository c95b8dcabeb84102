package universe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"stockscout/internal/observ"
)

// tiersFile is the on-disk shape of the tier sets. The whole file is
// replaced atomically on every save so a dashboard reading it
// concurrently sees either the previous scan or this one, never a
// partial write.
type tiersFile struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Hot       []Entry   `json:"hot"`
	Warming   []Entry   `json:"warming"`
	Watching  []Entry   `json:"watching"`
}

const tiersFileVersion = 1

// Progress tracks scan bookkeeping across the week. The weekly counter
// resets when the ISO week rolls over.
type Progress struct {
	LastScan        time.Time `json:"last_scan"`
	DayOfWeek       int       `json:"day_of_week"`
	WeekNumber      int       `json:"week_number"`
	ScannedThisWeek int       `json:"total_scanned_this_week"`
}

// Store persists the tier sets and scan progress under the data
// directory. Saves go through a temp file plus rename so readers never
// observe a torn file.
type Store struct {
	mu           sync.Mutex
	tiersPath    string
	progressPath string
}

func NewStore(tiersPath, progressPath string) (*Store, error) {
	for _, p := range []string{tiersPath, progressPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return &Store{tiersPath: tiersPath, progressPath: progressPath}, nil
}

// LoadTiers reads the persisted tier sets. A missing file is a fresh
// start, not an error.
func (s *Store) LoadTiers() (*Tiers, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.tiersPath)
	if os.IsNotExist(err) {
		return &Tiers{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tiers file: %w", err)
	}
	var f tiersFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tiers file: %w", err)
	}
	t := &Tiers{Hot: f.Hot, Warming: f.Warming, Watching: f.Watching}
	observ.Log("tiers_loaded", map[string]any{
		"path":       s.tiersPath,
		"hot":        len(t.Hot),
		"warming":    len(t.Warming),
		"watching":   len(t.Watching),
		"updated_at": f.UpdatedAt.Format(time.RFC3339),
	})
	return t, nil
}

// SaveTiers atomically replaces the tier sets on disk.
func (s *Store) SaveTiers(t *Tiers) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := tiersFile{
		Version:   tiersFileVersion,
		UpdatedAt: time.Now().UTC(),
		Hot:       t.Hot,
		Warming:   t.Warming,
		Watching:  t.Watching,
	}
	if err := writeAtomic(s.tiersPath, f); err != nil {
		return err
	}
	hot, warming, watching := t.Counts()
	observ.SetGauge("tier_size", float64(hot), map[string]string{"tier": string(TierHot)})
	observ.SetGauge("tier_size", float64(warming), map[string]string{"tier": string(TierWarming)})
	observ.SetGauge("tier_size", float64(watching), map[string]string{"tier": string(TierWatching)})
	observ.Log("tiers_saved", map[string]any{
		"path":     s.tiersPath,
		"hot":      hot,
		"warming":  warming,
		"watching": watching,
	})
	return nil
}

// LoadProgress reads the scan bookkeeping. Missing file yields a zero
// Progress seeded with the current ISO week.
func (s *Store) LoadProgress() (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.progressPath)
	if os.IsNotExist(err) {
		_, week := time.Now().UTC().ISOWeek()
		return Progress{WeekNumber: week}, nil
	}
	if err != nil {
		return Progress{}, fmt.Errorf("read progress file: %w", err)
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return Progress{}, fmt.Errorf("parse progress file: %w", err)
	}
	return p, nil
}

// SaveProgress atomically replaces the scan bookkeeping on disk.
func (s *Store) SaveProgress(p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.progressPath, p)
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
