package tailer

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultDecisionCacheSize = 1024

// NamespaceFilter decides which namespaces are forwarded using glob patterns.
// Decisions are memoized per namespace.
type NamespaceFilter struct {
	databaseGlobs   []glob.Glob
	collectionGlobs []glob.Glob
	excludeGlobs    []glob.Glob
	decisions       *lru.Cache[string, bool]
}

// NewNamespaceFilter creates a filter. Empty include patterns match everything;
// exclude patterns apply to the full db.collection namespace.
func NewNamespaceFilter(databases, collections, excludes []string, cacheSize int) (*NamespaceFilter, error) {
	if cacheSize <= 0 {
		cacheSize = defaultDecisionCacheSize
	}

	f := &NamespaceFilter{}
	var err error

	if f.databaseGlobs, err = compileGlobs("database", databases); err != nil {
		return nil, err
	}
	if f.collectionGlobs, err = compileGlobs("collection", collections); err != nil {
		return nil, err
	}
	if f.excludeGlobs, err = compileGlobs("exclude", excludes); err != nil {
		return nil, err
	}

	f.decisions, err = lru.New[string, bool](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision cache: %w", err)
	}

	return f, nil
}

func compileGlobs(kind string, patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Match returns true if entries of namespace should be forwarded
func (f *NamespaceFilter) Match(namespace string) bool {
	if f == nil {
		return true
	}
	if decision, ok := f.decisions.Get(namespace); ok {
		return decision
	}

	decision := f.evaluate(namespace)
	f.decisions.Add(namespace, decision)
	return decision
}

func (f *NamespaceFilter) evaluate(namespace string) bool {
	for _, g := range f.excludeGlobs {
		if g.Match(namespace) {
			return false
		}
	}

	db, coll, _ := strings.Cut(namespace, ".")
	return matchAny(f.databaseGlobs, db) && matchAny(f.collectionGlobs, coll)
}

// matchAny treats an empty pattern list as match-all
func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
