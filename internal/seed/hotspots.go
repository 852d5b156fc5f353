package seed

import (
	"io/fs"
	"os"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// Hotspot is one regex-scanned risk site.
type Hotspot struct {
	Path     string
	Category string
	Score    int
}

type hotspotCategory struct {
	name     string
	weight   int
	patterns []*regexp.Regexp
}

func compilePatterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// hotspotCategories maps risk categories to indicator patterns. A file is
// claimed by the first matching category; score = weight + matched patterns.
var hotspotCategories = []hotspotCategory{
	{"network", 4, compilePatterns(`requests`, `httpx\.`, `urllib`, `urlopen`)},
	{"filesystem", 3, compilePatterns(`\bopen\(`, `os\.chmod`, `os\.chown`, `tempfile`)},
	{"template", 3, compilePatterns(`jinja2`, `render_`, `Template`)},
	{"crypto", 3, compilePatterns(`jwt`, `fernet`, `hmac`, `os\.urandom`)},
	{"config", 2, compilePatterns(`os\.environ`, `dotenv`, `boto3`, `AWS_[A-Z_]*`)},
	{"server", 2, compilePatterns(`uvicorn`, `gunicorn`, `click\.command`, `typer`)},
	{"serialization", 2, compilePatterns(`json\.load`, `yaml\.load`, `toml\.load`, `xml`, `defusedxml`)},
	{"archive", 1, compilePatterns(`tarfile`, `zipfile`)},
	{"subprocess", 1, compilePatterns(`subprocess`, `os\.system`)},
}

// scanHotspots walks every python file in the tree and scores it against the
// category table, honoring the optional category filter.
func (s *Selector) scanHotspots() []Hotspot {
	allowed := map[string]bool{}
	for _, c := range s.Opts.HotspotCategories {
		allowed[c] = true
	}

	var out []Hotspot
	fsys := os.DirFS(s.Root.Dir())
	matches, err := doublestar.Glob(fsys, "**/*.py")
	if err != nil {
		s.Log.Warn("hotspot scan failed", zap.Error(err))
		return nil
	}
	for _, rel := range matches {
		text, err := fs.ReadFile(fsys, rel)
		if err != nil {
			continue
		}
		for _, cat := range hotspotCategories {
			if len(allowed) > 0 && !allowed[cat.name] {
				continue
			}
			hits := 0
			for _, p := range cat.patterns {
				if p.Match(text) {
					hits++
				}
			}
			if hits > 0 {
				out = append(out, Hotspot{Path: rel, Category: cat.name, Score: cat.weight + hits})
				break
			}
		}
	}
	return out
}
