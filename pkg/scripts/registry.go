// Package scripts keeps the append-only mapping from CDP script ids to
// source URLs, populated from Debugger.scriptParsed events and consulted
// for script-id breakpoint resolution when URL addressing fails.
package scripts

import "sync"

// Script is a parsed script, as reported by Debugger.scriptParsed.
type Script struct {
	ScriptID string
	URL      string
}

// Registry is safe for concurrent use by the transport's event-dispatch
// goroutine and by caller goroutines resolving breakpoints.
type Registry struct {
	mu      sync.RWMutex
	scripts []Script
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Add records a parsed script. Entries missing either scriptId or url are
// ignored. Duplicates are permitted (CDP may re-announce a script).
func (r *Registry) Add(scriptID, url string) {
	if scriptID == "" || url == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = append(r.scripts, Script{ScriptID: scriptID, URL: url})
}

// All returns a snapshot of every recorded script, in arrival order.
func (r *Registry) All() []Script {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Script, len(r.scripts))
	copy(out, r.scripts)
	return out
}

// Clear drops every recorded script. The session kernel's Cleanup calls
// it; a transport that disconnects on its own does not clear the registry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = nil
}
