package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// snapshot is the JSON document persisted to statePath: a flat array of key
// records. §6 describes the full persisted document as two arrays (keys and
// groups) plus assignments; the keystore owns only the key-record array,
// the keygroup package owns its own snapshot file for groups.
type snapshot struct {
	Keys []ApiKey `json:"keys"`
}

// load reads the snapshot file and sanitizes it per §4.1: unknown fields are
// ignored by json.Unmarshal and are not written back on the next flush
// (extra fields are not round-tripped); counters default to zero value; a
// corrupted file never fails startup, only logs.
func (s *Store) load() error {
	data, err := os.ReadFile(s.statePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal state file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range snap.Keys {
		k := snap.Keys[i]
		sanitizeLoaded(&k)
		s.keys[k.ID] = &k
		if k.Alias != "" {
			s.alias[k.Alias] = k.ID
		}
	}
	return nil
}

// sanitizeLoaded fills in defaults for a record loaded from disk: namespace
// defaults to "default", counters with non-finite/negative values become 0.
func sanitizeLoaded(k *ApiKey) {
	if k.Namespace == "" {
		k.Namespace = "default"
	}
	if k.Tags == nil {
		k.Tags = map[string]string{}
	}
	if k.Credits < 0 {
		k.Credits = 0
	}
	if k.TotalSpent < 0 {
		k.TotalSpent = 0
	}
	if k.QuotaCounters.LastResetDay == "" {
		k.QuotaCounters.LastResetDay = time.Now().UTC().Format("2006-01-02")
	}
	if k.QuotaCounters.LastResetMonth == "" {
		k.QuotaCounters.LastResetMonth = time.Now().UTC().Format("2006-01")
	}
	if k.State == "" {
		k.State = StateActive
	}
}

// flushNow serializes the full map and writes it atomically: tmp file then
// rename, matching §4.1/§6's persistence contract.
func (s *Store) flushNow() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	keys := make([]ApiKey, 0, len(s.keys))
	for _, k := range s.keys {
		keys = append(keys, *k)
	}
	s.dirty = false
	s.mu.Unlock()

	return s.writeSnapshot(snapshot{Keys: keys})
}

func (s *Store) writeSnapshot(snap snapshot) error {
	dir := filepath.Dir(s.statePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.logger.Error().Err(err).Msg("keystore.mkdir_failed")
			return err
		}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Msg("keystore.marshal_failed")
		return err
	}

	tmpPath := s.statePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		s.logger.Error().Err(err).Msg("keystore.write_temp_failed")
		return err
	}
	if err := os.Rename(tmpPath, s.statePath); err != nil {
		os.Remove(tmpPath)
		s.logger.Error().Err(err).Msg("keystore.rename_failed")
		return err
	}
	return nil
}

// periodicFlush is the background goroutine that writes a snapshot on
// s.flushInterval whenever the store is dirty. Failure to write degrades to
// best-effort in-memory operation, per §4.1's failure semantics — it never
// panics or blocks mutation callers.
func (s *Store) periodicFlush() {
	defer close(s.flushDone)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopFlush:
			return
		case <-ticker.C:
			if err := s.flushNow(); err != nil {
				s.logger.Error().Err(err).Msg("keystore.periodic_flush_failed")
			}
		}
	}
}
