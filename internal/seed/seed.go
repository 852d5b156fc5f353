// Package seed produces the prioritized list of (path, lens, source)
// triples a run starts from: manifest entries, recently changed files, and
// regex-scanned hotspots, each assigned up to two risk lenses.
package seed

import (
	"sort"

	"go.uber.org/zap"

	"github.com/anchorsec/anchor/internal/finding"
	"github.com/anchorsec/anchor/internal/gitutil"
	"github.com/anchorsec/anchor/internal/repopath"
)

// Seed is one discovery input.
type Seed struct {
	Path   string
	Lens   string
	Source string
	Score  int
}

// Options are the seed-relevant feature flags.
type Options struct {
	Hotspots          bool
	HotspotCategories []string
	AutoLens          bool
	GitSince          string
	GitWindowDays     int
}

// Selector assembles seeds for one repository root.
type Selector struct {
	Root *repopath.Root
	Opts Options
	Log  *zap.Logger

	// changedFiles is swappable for tests.
	changedFiles func(dir, since string, windowDays int) []string

	idx *lensIndex
}

func NewSelector(root *repopath.Root, opts Options, log *zap.Logger) *Selector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Selector{Root: root, Opts: opts, Log: log, changedFiles: gitutil.ChangedFiles}
}

// Select builds the ordered seed list: manifest entries in manifest order,
// then diffed files, then hotspots by descending score. Duplicates collapse
// to the first occurrence, which fixes the recorded source.
func (s *Selector) Select(manifestPath string) ([]Seed, error) {
	manifest, err := LoadManifest(s.Root, manifestPath)
	if err != nil {
		return nil, err
	}

	var lenses *lensIndex
	if s.Opts.AutoLens {
		lenses = s.lensIndexCached()
	}

	var out []Seed
	seen := map[string]bool{}
	add := func(seed Seed) {
		if seen[seed.Path] {
			return
		}
		seen[seed.Path] = true
		out = append(out, seed)
	}

	for _, rel := range manifest {
		add(Seed{Path: rel, Lens: s.primaryLens(lenses, rel), Source: finding.SourceManual})
	}

	for _, rel := range s.diffSeeds() {
		add(Seed{Path: rel, Lens: s.primaryLens(lenses, rel), Source: finding.SourceDiff})
	}

	if s.Opts.Hotspots {
		hotspots := s.scanHotspots()
		sort.SliceStable(hotspots, func(i, j int) bool {
			if hotspots[i].Score != hotspots[j].Score {
				return hotspots[i].Score > hotspots[j].Score
			}
			return hotspots[i].Path < hotspots[j].Path
		})
		for _, h := range hotspots {
			lens := s.primaryLens(lenses, h.Path)
			if lens == "" {
				lens = h.Category
			}
			add(Seed{Path: h.Path, Lens: lens, Source: finding.SourceHotspot, Score: h.Score})
		}
	}

	s.Log.Info("seeds selected",
		zap.Int("total", len(out)),
		zap.Int("manifest", len(manifest)),
	)
	return out, nil
}

func (s *Selector) lensIndexCached() *lensIndex {
	if s.idx == nil {
		s.idx = s.buildLensIndex()
	}
	return s.idx
}

// diffSeeds returns repo-relative python files changed in the configured
// git window.
func (s *Selector) diffSeeds() []string {
	if s.Opts.GitSince == "" && s.Opts.GitWindowDays <= 0 {
		return nil
	}
	var out []string
	for _, p := range s.changedFiles(s.Root.Dir(), s.Opts.GitSince, s.Opts.GitWindowDays) {
		rel, err := s.Root.Rel(p)
		if err != nil || !isPython(rel) {
			continue
		}
		if exists(s.Root.Abs(rel)) {
			out = append(out, rel)
		}
	}
	return out
}

// primaryLens returns the highest-priority lens for a file, or "".
func (s *Selector) primaryLens(idx *lensIndex, rel string) string {
	if idx == nil {
		return ""
	}
	pairs := idx.lensesFor(rel)
	if len(pairs) == 0 {
		return ""
	}
	return pairs[0].lens
}

// LensesFor returns up to two prioritized lenses for one repo-relative
// file, for discover-stage lens variants.
func (s *Selector) LensesFor(rel string) []string {
	if !s.Opts.AutoLens {
		return nil
	}
	pairs := s.lensIndexCached().lensesFor(rel)
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.lens)
	}
	return out
}

// CountSources tallies seeds per source for the run envelope.
func CountSources(seeds []Seed) map[string]int {
	counts := map[string]int{}
	for _, s := range seeds {
		counts[s.Source]++
	}
	return counts
}
