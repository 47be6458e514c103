package breakpoint

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

type setBreakpointByURLParams struct {
	LineNumber   int64  `json:"lineNumber"`
	URL          string `json:"url"`
	ColumnNumber int64  `json:"columnNumber"`
	Condition    string `json:"condition,omitempty"`
}

type setBreakpointByURLResult struct {
	BreakpointID string `json:"breakpointId"`
}

type locationParams struct {
	ScriptID     string `json:"scriptId"`
	LineNumber   int64  `json:"lineNumber"`
	ColumnNumber int64  `json:"columnNumber"`
}

type setBreakpointParams struct {
	Location  locationParams `json:"location"`
	Condition string         `json:"condition,omitempty"`
}

type setBreakpointResult struct {
	BreakpointID string `json:"breakpointId"`
}

// resolve attempts to set one breakpoint on the wire: first by URL
// (Debugger.setBreakpointByUrl), then, on failure, by scriptId fallback
// against the script registry (Debugger.setBreakpoint). Function
// breakpoints are never resolved here.
func (m *Manager) resolve(ctx context.Context, id string) {
	m.mu.Lock()
	b, ok := m.records[id]
	m.mu.Unlock()
	if !ok || b.Kind == Function {
		return
	}

	params := setBreakpointByURLParams{
		LineNumber:   int64(b.Line - 1),
		URL:          "file://" + b.File,
		ColumnNumber: 0,
		Condition:    b.Condition,
	}
	raw, err := m.send(ctx, "Debugger.setBreakpointByUrl", params)
	if err == nil {
		result := setBreakpointByURLResult{}
		if jsonErr := json.Unmarshal(raw, &result); jsonErr == nil && result.BreakpointID != "" {
			m.mu.Lock()
			if b2, ok := m.records[id]; ok {
				b2.CdpID = result.BreakpointID
			}
			m.mu.Unlock()
			return
		}
	}

	// Fallback: match a script in the registry by path suffix, basename,
	// or substring, in that priority order.
	scriptID, found := m.matchScript(b.File)
	if !found {
		m.log.Warn("breakpoint left unresolved: no matching script",
			zap.String("breakpoint_id", id), zap.String("file", b.File))
		return
	}
	sbParams := setBreakpointParams{
		Location: locationParams{
			ScriptID:     scriptID,
			LineNumber:   int64(b.Line - 1),
			ColumnNumber: 0,
		},
		Condition: b.Condition,
	}
	raw, err = m.send(ctx, "Debugger.setBreakpoint", sbParams)
	if err != nil {
		m.log.Warn("breakpoint left unresolved: setBreakpoint failed",
			zap.String("breakpoint_id", id), zap.Error(err))
		return
	}
	result := setBreakpointResult{}
	if jsonErr := json.Unmarshal(raw, &result); jsonErr == nil && result.BreakpointID != "" {
		m.mu.Lock()
		if b2, ok := m.records[id]; ok {
			b2.CdpID = result.BreakpointID
		}
		m.mu.Unlock()
	}
}

// matchScript ranks the script registry's entries against an absolute
// file path: exact suffix match on the URL's path, then equal basename,
// then substring containment, in that priority order. The first match
// within a tier wins, in registration order; the substring tier can be
// ambiguous when multiple scripts share a path segment.
func (m *Manager) matchScript(file string) (scriptID string, found bool) {
	if m.registry == nil {
		return "", false
	}
	all := m.registry.All()
	base := filepath.Base(file)

	for _, s := range all {
		if strings.HasSuffix(scriptPath(s.URL), file) {
			return s.ScriptID, true
		}
	}
	for _, s := range all {
		if filepath.Base(scriptPath(s.URL)) == base {
			return s.ScriptID, true
		}
	}
	for _, s := range all {
		if strings.Contains(s.URL, file) || strings.Contains(s.URL, base) {
			return s.ScriptID, true
		}
	}
	return "", false
}

// scriptPath strips a "file://" scheme, if present, leaving a filesystem
// path to compare against.
func scriptPath(url string) string {
	return strings.TrimPrefix(url, "file://")
}
