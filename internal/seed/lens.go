package seed

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// lensOrder ranks lenses; lower index means higher priority.
var lensOrder = []string{
	"ssrf", "template", "crypto", "xxe", "sql", "cloud-iam",
	"exec", "path", "deser", "authz", "ssh",
}

type lensRule struct {
	pattern *regexp.Regexp
	lens    string
}

func rule(expr, lens string) lensRule {
	return lensRule{regexp.MustCompile(`(?i)^(?:` + expr + `)$`), lens}
}

// moduleLensRules maps dependency and module names to risk lenses.
var moduleLensRules = []lensRule{
	rule(`requests`, "ssrf"),
	rule(`httpx`, "ssrf"),
	rule(`jinja2`, "template"),
	rule(`PyJWT|jwt`, "crypto"),
	rule(`cryptography`, "crypto"),
	rule(`xml.*|defusedxml`, "xxe"),
	rule(`lxml`, "xxe"),
	rule(`paramiko`, "ssh"),
	rule(`psycopg2|mysql|sqlite3`, "sql"),
	rule(`boto3`, "cloud-iam"),
	rule(`pickle`, "deser"),
	rule(`yaml`, "deser"),
	rule(`toml`, "deser"),
	rule(`tarfile`, "path"),
	rule(`zipfile`, "path"),
	rule(`shutil`, "path"),
	rule(`subprocess`, "exec"),
	rule(`os`, "exec"),
	rule(`shlex`, "exec"),
	rule(`flask`, "authz"),
	rule(`fastapi`, "authz"),
	rule(`django`, "authz"),
}

func lensForModule(name string) string {
	for _, r := range moduleLensRules {
		if r.pattern.MatchString(name) {
			return r.lens
		}
	}
	return ""
}

var importRe = regexp.MustCompile(`(?m)^\s*(?:import|from)\s+([A-Za-z_][A-Za-z0-9_.]*)`)

// scanImports extracts top-level module names from python source.
func scanImports(src []byte) map[string]bool {
	modules := map[string]bool{}
	for _, m := range importRe.FindAllSubmatch(src, -1) {
		name := string(m[1])
		if i := strings.IndexByte(name, '.'); i >= 0 {
			name = name[:i]
		}
		modules[name] = true
	}
	return modules
}

type lensPair struct {
	lens string
	src  string // "module" or "dep"
}

// lensIndex caches the repo-wide global lens set. Per-file module lenses are
// computed on demand.
type lensIndex struct {
	root   string
	global map[string]bool
	log    *zap.Logger
}

func (s *Selector) buildLensIndex() *lensIndex {
	idx := &lensIndex{root: s.Root.Dir(), global: map[string]bool{}, log: s.Log}
	for name := range idx.projectDependencies() {
		if lens := lensForModule(name); lens != "" {
			idx.global[lens] = true
		}
	}
	fsys := os.DirFS(idx.root)
	matches, err := doublestar.Glob(fsys, "**/*.py")
	if err == nil {
		for _, rel := range matches {
			src, err := fs.ReadFile(fsys, rel)
			if err != nil {
				continue
			}
			for name := range scanImports(src) {
				if lens := lensForModule(name); lens != "" {
					idx.global[lens] = true
				}
			}
		}
	}
	return idx
}

// projectDependencies collects declared dependency names from
// requirements*.txt and pyproject.toml.
func (idx *lensIndex) projectDependencies() map[string]bool {
	deps := map[string]bool{}
	fsys := os.DirFS(idx.root)
	if reqs, err := doublestar.Glob(fsys, "requirements*.txt"); err == nil {
		for _, req := range reqs {
			b, err := fs.ReadFile(fsys, req)
			if err != nil {
				continue
			}
			for _, line := range strings.Split(string(b), "\n") {
				line = strings.TrimSpace(line)
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				if name := depName(line); name != "" {
					deps[name] = true
				}
			}
		}
	}

	var pyproject struct {
		Project struct {
			Dependencies []string `toml:"dependencies"`
		} `toml:"project"`
	}
	if _, err := toml.DecodeFile(filepath.Join(idx.root, "pyproject.toml"), &pyproject); err == nil {
		for _, dep := range pyproject.Project.Dependencies {
			if name := depName(dep); name != "" {
				deps[name] = true
			}
		}
	}
	return deps
}

// depName strips a requirement specifier down to the package name.
func depName(spec string) string {
	cut := len(spec)
	for i, r := range spec {
		if strings.ContainsRune("=<>[! ", r) {
			cut = i
			break
		}
	}
	return strings.TrimSpace(spec[:cut])
}

// lensesFor returns up to two lenses for one file in lensOrder priority,
// preferring lenses derived from the file's own imports over repo-global
// ones.
func (idx *lensIndex) lensesFor(rel string) []lensPair {
	local := map[string]bool{}
	if src, err := os.ReadFile(filepath.Join(idx.root, filepath.FromSlash(rel))); err == nil {
		for name := range scanImports(src) {
			if lens := lensForModule(name); lens != "" {
				local[lens] = true
			}
		}
	}

	chosen := map[string]string{}
	for lens := range local {
		chosen[lens] = "module"
	}
	for _, lens := range lensOrder {
		if len(chosen) >= 2 {
			break
		}
		if idx.global[lens] && chosen[lens] == "" {
			chosen[lens] = "dep"
		}
	}

	var out []lensPair
	for _, lens := range lensOrder {
		if src, ok := chosen[lens]; ok {
			out = append(out, lensPair{lens, src})
			if len(out) == 2 {
				break
			}
		}
	}
	return out
}
