package sourcemap

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidateCompiledPathsOrder(t *testing.T) {
	tests := []struct {
		desc string
		src  string
		want []string
	}{
		{
			desc: "ts to js",
			src:  "/app/foo.ts",
			want: []string{"/app/foo.js"},
		},
		{
			desc: "tsx to jsx",
			src:  "/app/foo.tsx",
			want: []string{"/app/foo.jsx"},
		},
		{
			desc: "src to dist rewrite added after direct candidate",
			src:  "/app/src/foo.ts",
			want: []string{"/app/src/foo.js", "/app/dist/foo.js"},
		},
		{
			desc: "no recognized suffix",
			src:  "/app/foo.mjs",
			want: nil,
		},
	}
	for i, tc := range tests {
		got := candidateCompiledPaths(tc.src)
		if len(got) != len(tc.want) {
			t.Errorf("TC %d (%s): candidateCompiledPaths() = %#v, want %#v", i, tc.desc, got, tc.want)
			continue
		}
		for j := range got {
			if got[j] != tc.want[j] {
				t.Errorf("TC %d (%s): candidateCompiledPaths()[%d] = %q, want %q", i, tc.desc, j, got[j], tc.want[j])
			}
		}
	}
}

func TestFirstExistingPicksFirstPresentFile(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.js")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o644))

	missing := filepath.Join(dir, "missing.js")

	got, ok := firstExisting([]string{missing, present})
	require.True(t, ok)
	assert.Equal(t, present, got)

	_, ok = firstExisting([]string{missing})
	assert.False(t, ok)
}

// TestLoadSingleFlightsConcurrentCallers checks that for any file F, two
// or more concurrent load(F) calls result in exactly one on-disk read.
func TestLoadSingleFlightsConcurrentCallers(t *testing.T) {
	dir := t.TempDir()
	jsFile := filepath.Join(dir, "out.js")
	mapFile := jsFile + ".map"
	require.NoError(t, os.WriteFile(mapFile, []byte(minimalSourceMapJSON), 0o644))

	c := New(nil)

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := c.load(jsFile); err != nil {
				errs <- err
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("load(jsFile) returned error: %v", err)
	}

	assert.EqualValues(t, 1, c.loadAttempts())
}

func TestLoadCachesPermanentMissWithoutRetry(t *testing.T) {
	dir := t.TempDir()
	jsFile := filepath.Join(dir, "missing-map.js")

	c := New(nil)
	_, err1 := c.load(jsFile)
	require.Error(t, err1)
	_, err2 := c.load(jsFile)
	require.Error(t, err2)

	assert.EqualValues(t, 1, c.loadAttempts())
}

func TestClearForcesReload(t *testing.T) {
	dir := t.TempDir()
	jsFile := filepath.Join(dir, "out.js")
	require.NoError(t, os.WriteFile(jsFile+".map", []byte(minimalSourceMapJSON), 0o644))

	c := New(nil)
	_, err := c.load(jsFile)
	require.NoError(t, err)
	require.EqualValues(t, 1, c.loadAttempts())

	c.Clear()
	_, err = c.load(jsFile)
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.loadAttempts())
}

// minimalSourceMapJSON is a valid V3 map with one segment: generated
// line 0 column 0 maps to source[0] ("in.ts") at original line 0 column 0.
const minimalSourceMapJSON = `{
	"version": 3,
	"file": "out.js",
	"sourceRoot": "",
	"sources": ["in.ts"],
	"names": [],
	"mappings": "AAAA"
}`
