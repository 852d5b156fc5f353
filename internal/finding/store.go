package finding

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/anchorsec/anchor/internal/fsutil"
)

// Store reads and writes finding files in one run directory. Every Save is a
// full atomic rewrite, so readers observe either the previous or the next
// complete JSON.
type Store struct {
	Dir string
}

// Path returns the on-disk location for a finding id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.Dir, "finding_"+id+".json")
}

// Save persists the finding atomically.
func (s *Store) Save(f *Finding) error {
	if f.FindingID == "" {
		return fmt.Errorf("save finding: empty finding_id")
	}
	return fsutil.WriteJSONAtomic(s.Path(f.FindingID), f)
}

// Load reads one finding by id.
func (s *Store) Load(id string) (*Finding, error) {
	b, err := os.ReadFile(s.Path(id))
	if err != nil {
		return nil, err
	}
	var f Finding
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode finding %s: %w", id, err)
	}
	return &f, nil
}

// List loads every finding in the directory, ordered by id.
func (s *Store) List() ([]*Finding, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "finding_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, "finding_"), ".json"))
	}
	sort.Strings(ids)
	out := make([]*Finding, 0, len(ids))
	for _, id := range ids {
		f, err := s.Load(id)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
