// Package settings persists per-chat delivery settings.
//
// The backing file is a YAML mapping: top-level keys are chat identifiers,
// values are sub-mappings holding at least "custom_time" ("HH:MM") when set.
// Unknown sibling keys inside an entry are kept and round-tripped; entries
// without a custom_time are not persisted at all.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	yaml "go.yaml.in/yaml/v3"

	logx "moyubot/pkg/logx"
)

// KeyCustomTime is the per-chat trigger time field ("HH:MM").
// It is also the only key recognized when importing legacy files.
const KeyCustomTime = "custom_time"

// Store is an in-memory mapping chat-id -> settings entry, mirrored to one
// YAML file. Mutations persist immediately; a failed save rolls the memory
// state back so it never silently diverges from disk.
type Store struct {
	mu sync.Mutex

	path string
	log  logx.Logger

	// entries + order together form an insertion-ordered map.
	entries map[string]map[string]any
	order   []string
}

func New(path string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		path:    path,
		log:     log,
		entries: map[string]map[string]any{},
	}
}

// Load reads the backing file into memory.
//
// A missing file is an empty store and triggers an immediate Save so the file
// exists from then on. An empty or comment-only file is an empty store. A file
// that does not parse as a mapping-of-mappings is renamed to "<path>.bak" and
// the store resets to empty; that is recoverable, so Load still returns nil.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = map[string]map[string]any{}
	s.order = nil

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Info("settings file missing; creating", logx.String("path", s.path))
		return s.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		s.log.Warn("settings file empty; starting with no entries", logx.String("path", s.path))
		return nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return s.backupCorruptLocked(fmt.Sprintf("unparsable: %v", err))
	}
	root := documentRoot(&doc)
	if root == nil || root.Kind != yaml.MappingNode {
		return s.backupCorruptLocked("top level is not a mapping")
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode, valNode := root.Content[i], root.Content[i+1]
		id := keyNode.Value
		if valNode.Kind != yaml.MappingNode {
			s.log.Warn("skipping non-mapping settings entry", logx.String("chat", id))
			continue
		}
		var entry map[string]any
		if err := valNode.Decode(&entry); err != nil {
			s.log.Warn("skipping undecodable settings entry", logx.String("chat", id), logx.Err(err))
			continue
		}
		// Entries without a trigger time are dropped entirely; an entry made
		// of only unrelated legacy keys must not resurface as an empty one.
		if _, ok := entry[KeyCustomTime]; !ok {
			s.log.Debug("dropping entry without custom_time", logx.String("chat", id))
			continue
		}
		s.entries[id] = entry
		s.order = append(s.order, id)
	}

	s.log.Info("settings loaded", logx.Int("chats", len(s.entries)), logx.String("path", s.path))
	return nil
}

func (s *Store) backupCorruptLocked(reason string) error {
	bak := s.path + ".bak"
	if err := os.Rename(s.path, bak); err != nil {
		s.log.Error("failed to back up corrupt settings file", logx.String("path", s.path), logx.Err(err))
	} else {
		s.log.Warn("settings file corrupt; backed up and reset",
			logx.String("reason", reason), logx.String("backup", bak))
	}
	s.entries = map[string]map[string]any{}
	s.order = nil
	return nil
}

// Save persists the full in-memory mapping in insertion order.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if s.entries == nil {
		return errors.New("settings: entries map is nil")
	}

	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, id := range s.order {
		entry, ok := s.entries[id]
		if !ok {
			continue
		}
		var key, val yaml.Node
		key.SetString(id)
		if err := val.Encode(entry); err != nil {
			return fmt.Errorf("encode entry %q: %w", id, err)
		}
		root.Content = append(root.Content, &key, &val)
	}

	out, err := yaml.Marshal(root)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err := writeFileAtomic(s.path, out, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	s.log.Debug("settings saved", logx.Int("chats", len(s.order)))
	return nil
}

// SetTime sets the daily trigger time for a chat and persists. On a failed
// save the previous in-memory state is restored exactly and the error is
// returned.
func (s *Store) SetTime(id, hhmm string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.entries[id]
	var snapshot map[string]any
	if existed {
		snapshot = cloneEntry(prev)
	}

	if !existed {
		s.entries[id] = map[string]any{}
		s.order = append(s.order, id)
	}
	s.entries[id][KeyCustomTime] = hhmm

	if err := s.saveLocked(); err != nil {
		if existed {
			s.entries[id] = snapshot
		} else {
			delete(s.entries, id)
			s.order = removeKey(s.order, id)
		}
		return err
	}
	return nil
}

// ClearTime removes the trigger time for a chat, pruning the entry when it
// becomes empty. Clearing an unset chat is a successful no-op. Rollback on a
// failed save mirrors SetTime.
func (s *Store) ClearTime(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.entries[id]
	if !existed {
		return nil
	}
	if _, ok := prev[KeyCustomTime]; !ok {
		return nil
	}
	snapshot := cloneEntry(prev)
	idx := indexOf(s.order, id)

	delete(s.entries[id], KeyCustomTime)
	pruned := false
	if len(s.entries[id]) == 0 {
		delete(s.entries, id)
		s.order = removeKey(s.order, id)
		pruned = true
	}

	if err := s.saveLocked(); err != nil {
		s.entries[id] = snapshot
		if pruned {
			s.order = insertKey(s.order, id, idx)
		}
		return err
	}
	return nil
}

// Time returns the configured trigger time for a chat, if any.
func (s *Store) Time(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return "", false
	}
	v, ok := entry[KeyCustomTime]
	if !ok {
		return "", false
	}
	t, ok := v.(string)
	return t, ok
}

// Times returns chat-id -> trigger time for every configured chat, in
// insertion order. Non-string values are skipped.
func (s *Store) Times() []TimeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TimeEntry, 0, len(s.order))
	for _, id := range s.order {
		entry, ok := s.entries[id]
		if !ok {
			continue
		}
		t, ok := entry[KeyCustomTime].(string)
		if !ok {
			continue
		}
		out = append(out, TimeEntry{Chat: id, Time: t})
	}
	return out
}

// TimeEntry is one configured chat and its daily trigger time.
type TimeEntry struct {
	Chat string
	Time string
}

// Snapshot returns a deep copy of the whole mapping. Insertion order is not
// carried; Times() is the ordered view.
func (s *Store) Snapshot() map[string]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]any, len(s.entries))
	for id, entry := range s.entries {
		out[id] = cloneEntry(entry)
	}
	return out
}

func cloneEntry(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func removeKey(keys []string, id string) []string {
	for i, k := range keys {
		if k == id {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}

func indexOf(keys []string, id string) int {
	for i, k := range keys {
		if k == id {
			return i
		}
	}
	return -1
}

func insertKey(keys []string, id string, at int) []string {
	if at < 0 || at >= len(keys) {
		return append(keys, id)
	}
	keys = append(keys, "")
	copy(keys[at+1:], keys[at:])
	keys[at] = id
	return keys
}

func documentRoot(doc *yaml.Node) *yaml.Node {
	if doc == nil {
		return nil
	}
	if doc.Kind == yaml.DocumentNode {
		if len(doc.Content) == 0 {
			return nil
		}
		return doc.Content[0]
	}
	return doc
}

// writeFileAtomic writes via a temp file in the same directory and renames it
// into place, so readers never observe a partially written file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
