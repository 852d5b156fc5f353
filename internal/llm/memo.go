package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/anchorsec/anchor/internal/fsutil"
)

// memoKey is a content address over (model, messages, tools, tool_choice).
// The Request struct's field order makes the JSON canonical.
func memoKey(req Request) string {
	payload, _ := json.Marshal(struct {
		Model      string    `json:"model"`
		Messages   []Message `json:"messages"`
		Tools      []ToolDef `json:"tools"`
		ToolChoice string    `json:"tool_choice"`
	}{req.Model, req.Messages, req.Tools, req.ToolChoice})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (c *Client) memoPath(key string) string {
	return filepath.Join(c.MemoDir, key+".json")
}

// memoLookup returns the stored raw payload, if memoization is enabled and
// the key is present.
func (c *Client) memoLookup(key string) ([]byte, bool) {
	if c.MemoDir == "" {
		return nil, false
	}
	raw, err := os.ReadFile(c.memoPath(key))
	if err != nil {
		return nil, false
	}
	return raw, true
}

// memoStore persists the raw payload and records the key in lock.json so a
// replay run can verify the memo set it depends on.
func (c *Client) memoStore(key string, raw []byte) {
	if c.MemoDir == "" {
		return
	}
	if err := fsutil.AtomicWrite(c.memoPath(key), raw); err != nil {
		c.Log.Warn("llm memo write failed", zap.Error(err))
		return
	}
	if err := c.updateLock(key); err != nil {
		c.Log.Warn("llm memo lock update failed", zap.Error(err))
	}
}

// updateLock maintains the key → filename map. Concurrent writers are
// serialized by the atomic-rename discipline; a lost update only costs a
// lock entry, never a memo payload.
func (c *Client) updateLock(key string) error {
	lockPath := filepath.Join(c.MemoDir, "lock.json")
	entries := map[string]string{}
	if b, err := os.ReadFile(lockPath); err == nil {
		_ = json.Unmarshal(b, &entries)
	}
	entries[key] = key + ".json"
	return fsutil.WriteJSONAtomic(lockPath, entries)
}
