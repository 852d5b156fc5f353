package seed

import (
	"fmt"
	"os"
	"strings"

	"github.com/anchorsec/anchor/internal/repopath"
)

// ManifestError is fatal before any run directory is created.
type ManifestError struct {
	Line   int
	Entry  string
	Reason string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest line %d (%s): %s", e.Line, e.Entry, e.Reason)
}

// LoadManifest reads one repo-relative path per line. Blank lines are
// skipped; duplicates, missing files, and paths resolving outside the root
// are fatal.
func LoadManifest(root *repopath.Root, path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var out []string
	seen := map[string]bool{}
	for i, line := range strings.Split(string(b), "\n") {
		entry := strings.TrimSpace(line)
		if entry == "" {
			continue
		}
		rel, err := root.Rel(entry)
		if err != nil {
			return nil, &ManifestError{Line: i + 1, Entry: entry, Reason: "resolves outside the repository root"}
		}
		if seen[rel] {
			return nil, &ManifestError{Line: i + 1, Entry: entry, Reason: "duplicate entry"}
		}
		info, err := os.Stat(root.Abs(rel))
		if err != nil || info.IsDir() {
			return nil, &ManifestError{Line: i + 1, Entry: entry, Reason: "file does not exist"}
		}
		seen[rel] = true
		out = append(out, rel)
	}
	return out, nil
}

func exists(abs string) bool {
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}

func isPython(rel string) bool {
	return strings.HasSuffix(rel, ".py")
}
