package codex

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/anchorsec/anchor/internal/fsutil"
)

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".anchor-cache", "codex")
	}
	return filepath.Join(home, ".cache", "anchor", "codex")
}

// RepoHash fingerprints the working tree content: a digest over the sorted
// (relative path, NUL, file bytes) sequence. VCS bookkeeping under .git is
// excluded so checkpoint noise does not invalidate the cache.
func RepoHash(workdir string) string {
	h := blake3.New()
	var files []string
	_ = filepath.WalkDir(workdir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, path)
		return nil
	})
	sort.Strings(files)
	for _, path := range files {
		rel, err := filepath.Rel(workdir, path)
		if err != nil {
			continue
		}
		_, _ = h.WriteString(filepath.ToSlash(rel))
		_, _ = h.Write([]byte{0})
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		_, _ = h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CacheKey derives the content-addressed key for one invocation. It is a
// pure function of the fingerprint triple.
func CacheKey(prompt, repoHash, version string) string {
	payload, _ := json.Marshal(map[string]string{
		"prompt":  prompt,
		"repo":    repoHash,
		"version": version,
	})
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (c *Client) cachePath(key string) string {
	return filepath.Join(c.cacheDir, key+".json")
}

// lookupCache returns the stored result for key, if any. Corrupt entries are
// treated as misses.
func (c *Client) lookupCache(key string) (ExecResult, bool) {
	if c.noCache || c.cacheDir == "" {
		return ExecResult{}, false
	}
	b, err := os.ReadFile(c.cachePath(key))
	if err != nil {
		return ExecResult{}, false
	}
	var res ExecResult
	if err := json.Unmarshal(b, &res); err != nil {
		return ExecResult{}, false
	}
	return res, true
}

// storeCache persists a successful result. Entries are content-addressed to
// unique filenames and written atomically, so concurrent writers are safe.
func (c *Client) storeCache(key string, res ExecResult) {
	if c.noCache || c.cacheDir == "" {
		return
	}
	if err := fsutil.WriteJSONAtomic(c.cachePath(key), res); err != nil {
		c.log.Warn("codex cache write failed", zap.Error(err))
	}
}
