package scripts_test

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"inspectkernel/pkg/scripts"
)

func TestAddIgnoresIncompleteEntries(t *testing.T) {
	tests := []struct {
		desc     string
		scriptID string
		url      string
		want     int
	}{
		{"missing scriptId", "", "file:///app/a.js", 0},
		{"missing url", "1", "", 0},
		{"both present", "1", "file:///app/a.js", 1},
	}
	for i, tc := range tests {
		r := scripts.New()
		r.Add(tc.scriptID, tc.url)
		if got := len(r.All()); got != tc.want {
			t.Errorf("TC %d (%s): len(All()) = %d, want %d", i, tc.desc, got, tc.want)
		}
	}
}

func TestAddPermitsDuplicates(t *testing.T) {
	r := scripts.New()
	r.Add("1", "file:///app/a.js")
	r.Add("1", "file:///app/a.js")

	got := r.All()
	want := []scripts.Script{
		{ScriptID: "1", URL: "file:///app/a.js"},
		{ScriptID: "1", URL: "file:///app/a.js"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("All() mismatch (-want +got):\n%s", diff)
	}
}

func TestClearDropsEverything(t *testing.T) {
	r := scripts.New()
	r.Add("1", "file:///app/a.js")
	r.Clear()
	if got := r.All(); len(got) != 0 {
		t.Errorf("All() after Clear() = %#v, want empty", got)
	}
}

func TestAllReturnsASnapshot(t *testing.T) {
	r := scripts.New()
	r.Add("1", "file:///app/a.js")
	snapshot := r.All()
	r.Add("2", "file:///app/b.js")
	if len(snapshot) != 1 {
		t.Errorf("snapshot mutated by later Add: len = %d, want 1", len(snapshot))
	}
}

func TestConcurrentAddAndAll(t *testing.T) {
	r := scripts.New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Add("id", "file:///app/concurrent.js")
			_ = r.All()
		}(i)
	}
	wg.Wait()
	if got := len(r.All()); got != 50 {
		t.Errorf("len(All()) = %d, want 50", got)
	}
}
