// Package sourcemap lazily loads ".map" sidecars, single-flights
// concurrent loads of the same file, and translates original<->generated
// locations and variable names. Parsing and position lookup are delegated
// to github.com/go-sourcemap/sourcemap.
package sourcemap

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	spkg "github.com/go-sourcemap/sourcemap"
	"go.uber.org/zap"
)

// Location is a (file, line, column) triple. Line is 1-indexed, column is
// 0-indexed, matching the kernel's external convention.
type Location struct {
	File   string
	Line   int
	Column int
}

type entry struct {
	once     sync.Once
	consumer *spkg.Consumer
	err      error
}

// Cache loads and caches source maps for the lifetime of one session.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	log     *zap.Logger

	readCount int64 // disk reads attempted; exposed to tests via loadAttempts
}

// New constructs an empty Cache.
func New(log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{entries: make(map[string]*entry), log: log}
}

// mapPathFor returns the sidecar map path for a JS file: "F.map".
func mapPathFor(jsFile string) string {
	return jsFile + ".map"
}

// load returns the cached consumer for jsFile's map, loading it at most
// once even under concurrent callers. Failed loads are cached as a
// permanent miss for the session; there is no retry.
func (c *Cache) load(jsFile string) (*spkg.Consumer, error) {
	c.mu.Lock()
	e, ok := c.entries[jsFile]
	if !ok {
		e = &entry{}
		c.entries[jsFile] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		atomic.AddInt64(&c.readCount, 1)
		mapPath := mapPathFor(jsFile)
		data, err := os.ReadFile(mapPath)
		if err != nil {
			e.err = err
			return
		}
		consumer, err := spkg.Parse(mapPath, data)
		if err != nil {
			e.err = err
			return
		}
		e.consumer = consumer
	})
	return e.consumer, e.err
}

// Clear drops every cached consumer.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// loadAttempts reports how many times load() actually touched disk, used by
// tests to verify single-flighting.
func (c *Cache) loadAttempts() int64 {
	return atomic.LoadInt64(&c.readCount)
}

// CompiledToSource translates a (generated) location in a compiled JS
// file into its original-source location and, if present, the original
// variable name at that position. Delegates to the source-map consumer's
// Source lookup. Line is 1-indexed and column 0-indexed on both sides,
// matching both the kernel's external convention and the consumer's own.
// ok is false when no map exists for the file; callers must treat that as
// a non-fatal "no mapping" outcome, never an error.
func (c *Cache) CompiledToSource(ctx context.Context, compiledFile string, line, column int) (loc Location, name string, ok bool) {
	consumer, err := c.load(compiledFile)
	if err != nil || consumer == nil {
		return Location{}, "", false
	}
	source, varName, origLine, origCol, found := consumer.Source(line, column)
	if !found {
		return Location{}, "", false
	}
	resolved := source
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(compiledFile), source)
	}
	return Location{File: resolved, Line: origLine, Column: origCol}, varName, true
}

// VariableName returns the original variable name mapped at a compiled
// (line, column), if the mapping carries one. ok is false when there is
// no map, no mapping at the position, or the mapping has no name; the
// caller falls back to the minified name.
func (c *Cache) VariableName(ctx context.Context, compiledFile string, line, column int) (name string, ok bool) {
	consumer, err := c.load(compiledFile)
	if err != nil || consumer == nil {
		return "", false
	}
	_, varName, _, _, found := consumer.Source(line, column)
	if !found || varName == "" {
		return "", false
	}
	return varName, true
}

// candidateCompiledPaths returns the compiled-companion candidates for a
// source file, in priority order.
func candidateCompiledPaths(sourceFile string) []string {
	candidates := []string{}
	add := func(from, to string) {
		if strings.HasSuffix(sourceFile, from) {
			candidates = append(candidates, strings.TrimSuffix(sourceFile, from)+to)
		}
	}
	add(".ts", ".js")
	add(".tsx", ".jsx")

	withDist := strings.Replace(sourceFile, "/src/", "/dist/", 1)
	if withDist != sourceFile {
		add2 := func(from, to string) {
			if strings.HasSuffix(withDist, from) {
				candidates = append(candidates, strings.TrimSuffix(withDist, from)+to)
			}
		}
		add2(".ts", ".js")
		add2(".tsx", ".jsx")
	}
	return candidates
}

func firstExisting(paths []string) (string, bool) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// SourceToCompiled translates an original-source location into its
// compiled-file location: locate the compiled companion
// by the .ts->.js / .tsx->.jsx / src->dist candidate patterns, then scan
// the map for the first mapping whose source ends with the basename of
// sourceFile and whose original line matches srcLine. Line is 1-indexed
// in and out.
func (c *Cache) SourceToCompiled(ctx context.Context, sourceFile string, srcLine, srcCol int) (loc Location, ok bool) {
	compiledFile, found := firstExisting(candidateCompiledPaths(sourceFile))
	if !found {
		return Location{}, false
	}
	consumer, err := c.load(compiledFile)
	if err != nil || consumer == nil {
		return Location{}, false
	}
	lineCount, err := countLines(compiledFile)
	if err != nil {
		return Location{}, false
	}
	base := filepath.Base(sourceFile)
	for genLine := 1; genLine <= lineCount; genLine++ {
		for genCol := 0; genCol < maxColumnsProbed; genCol++ {
			source, _, origLine, _, found := consumer.Source(genLine, genCol)
			if !found {
				break
			}
			if strings.HasSuffix(source, base) && origLine == srcLine {
				return Location{File: compiledFile, Line: genLine, Column: genCol}, true
			}
		}
	}
	return Location{}, false
}

// maxColumnsProbed bounds the per-line probe in SourceToCompiled. The
// consumer resolves a probe to the nearest mapping segment at or before
// it, so a handful of probe columns per line is enough to land on the
// line's leading segments without iterating the consumer's private
// mapping table.
const maxColumnsProbed = 4

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	n := 0
	for scanner.Scan() {
		n++
	}
	return n, scanner.Err()
}
