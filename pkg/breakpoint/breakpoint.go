// Package breakpoint implements the breakpoint manager: it owns
// breakpoint records (standard, conditional, hit-count, logpoint,
// function), issues the CDP calls to set and remove them, tracks hit
// counts and conditions, and exposes the pause-policy predicate the
// session kernel consults on every Debugger.paused event.
package breakpoint

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"inspectkernel/pkg/scripts"
)

// Kind distinguishes the breakpoint variants. A plain and a conditional
// breakpoint are one variant, Standard, with an optional Condition;
// logpoints are conditional breakpoints on the wire too, with a
// compiled condition that never stops.
type Kind int

const (
	Standard Kind = iota
	Logpoint
	Function
)

func (k Kind) String() string {
	switch k {
	case Standard:
		return "standard"
	case Logpoint:
		return "logpoint"
	case Function:
		return "function"
	default:
		return "unknown"
	}
}

// HitCountOp is the comparison operator of a hit-count condition.
type HitCountOp string

const (
	OpEqual        HitCountOp = "=="
	OpGreater      HitCountOp = ">"
	OpGreaterEqual HitCountOp = ">="
	OpLess         HitCountOp = "<"
	OpLessEqual    HitCountOp = "<="
	OpModulo       HitCountOp = "%"
)

// HitCountCondition governs whether a hit on a breakpoint surfaces as a
// pause.
type HitCountCondition struct {
	Op    HitCountOp
	Value uint64
}

// Satisfied evaluates the condition against the current hit count.
func (c HitCountCondition) Satisfied(count uint64) bool {
	switch c.Op {
	case OpEqual:
		return count == c.Value
	case OpGreater:
		return count > c.Value
	case OpGreaterEqual:
		return count >= c.Value
	case OpLess:
		return count < c.Value
	case OpLessEqual:
		return count <= c.Value
	case OpModulo:
		if c.Value == 0 {
			return false
		}
		return count%c.Value == 0
	default:
		return true
	}
}

// Breakpoint is a snapshot-safe record of one breakpoint. Callers receive
// copies; internal mutation happens only through Manager methods.
type Breakpoint struct {
	ID                string
	Kind              Kind
	File              string // absolute path; empty for Function kind
	Line              int    // 1-indexed; 0 for Function kind
	Condition         string // opaque source text passed verbatim to CDP
	LogMessage        string // Logpoint only, raw "{expr}" template
	FunctionName      string // Function only
	Enabled           bool
	HitCount          uint64
	HitCountCondition *HitCountCondition
	CdpID             string // populated once resolved on the wire
}

func (b Breakpoint) clone() Breakpoint {
	if b.HitCountCondition != nil {
		c := *b.HitCountCondition
		b.HitCountCondition = &c
	}
	return b
}

// newLocalID generates a local breakpoint id: 16 random hex bytes prefixed
// "bp_". Local ids are stable for the life of the session.
func newLocalID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "bp_" + hex.EncodeToString(buf), nil
}

// Manager owns the breakpoint registry for one session.
type Manager struct {
	mu      sync.Mutex
	records map[string]*Breakpoint

	send     func(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	registry *scripts.Registry
	log      *zap.Logger
}

// New constructs a Manager. send performs one CDP round-trip (method,
// params-as-any, marshaled internally); registry is consulted for
// scriptId fallback resolution.
func New(send func(ctx context.Context, method string, params interface{}) (json.RawMessage, error), registry *scripts.Registry, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		records:  make(map[string]*Breakpoint),
		send:     send,
		registry: registry,
		log:      log,
	}
}

// InvalidArgumentError is returned for malformed arguments, e.g. a
// non-positive line or an empty logpoint template.
type InvalidArgumentError struct{ Reason string }

func (e *InvalidArgumentError) Error() string { return "invalid argument: " + e.Reason }

// NotFoundError is returned by operations addressing an unknown local id.
type NotFoundError struct{ ID string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("breakpoint not found: %s", e.ID) }

func (m *Manager) insert(b *Breakpoint) (string, error) {
	id, err := newLocalID()
	if err != nil {
		return "", err
	}
	b.ID = id
	b.Enabled = true
	m.mu.Lock()
	m.records[id] = b
	m.mu.Unlock()
	return id, nil
}

// CreateStandard registers a standard (optionally conditional) breakpoint
// and attempts to resolve it on the wire.
func (m *Manager) CreateStandard(ctx context.Context, file string, line int, condition string) (string, error) {
	if line <= 0 {
		return "", &InvalidArgumentError{Reason: "line must be >= 1"}
	}
	b := &Breakpoint{Kind: Standard, File: file, Line: line, Condition: condition}
	id, err := m.insert(b)
	if err != nil {
		return "", err
	}
	m.resolve(ctx, id)
	return id, nil
}

// CreateLogpoint registers a logpoint: a conditional breakpoint that never
// stops execution, whose condition is a side-effecting console.log call
// compiled from the template.
func (m *Manager) CreateLogpoint(ctx context.Context, file string, line int, template string) (string, error) {
	if line <= 0 {
		return "", &InvalidArgumentError{Reason: "line must be >= 1"}
	}
	if template == "" {
		return "", &InvalidArgumentError{Reason: "empty log-message template"}
	}
	b := &Breakpoint{
		Kind:       Logpoint,
		File:       file,
		Line:       line,
		LogMessage: template,
		Condition:  compileLogpointCondition(template),
	}
	id, err := m.insert(b)
	if err != nil {
		return "", err
	}
	m.resolve(ctx, id)
	return id, nil
}

// CreateFunction registers a function breakpoint. Function breakpoints
// are accepted and stored but not resolved on the wire; the manager logs
// a warning and returns an unresolved local id.
func (m *Manager) CreateFunction(name string) (string, error) {
	if name == "" {
		return "", &InvalidArgumentError{Reason: "empty function name"}
	}
	b := &Breakpoint{Kind: Function, FunctionName: name}
	id, err := m.insert(b)
	if err != nil {
		return "", err
	}
	m.log.Warn("function breakpoints are not resolved on the wire",
		zap.String("breakpoint_id", id), zap.String("function_name", name))
	return id, nil
}

// Remove deletes a breakpoint from the local registry, first asking the
// inspector to release it if it carries a CDP id. Local deletion always
// succeeds.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	b, ok := m.records[id]
	if ok {
		delete(m.records, id)
	}
	m.mu.Unlock()
	if !ok {
		return &NotFoundError{ID: id}
	}
	if b.CdpID != "" {
		params := map[string]string{"breakpointId": b.CdpID}
		if _, err := m.send(ctx, "Debugger.removeBreakpoint", params); err != nil {
			m.log.Warn("Debugger.removeBreakpoint failed", zap.String("breakpoint_id", id), zap.Error(err))
		}
	}
	return nil
}

// Toggle flips the enabled flag and returns its new value.
func (m *Manager) Toggle(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.records[id]
	if !ok {
		return false, &NotFoundError{ID: id}
	}
	b.Enabled = !b.Enabled
	return b.Enabled, nil
}

// Enable marks the breakpoint enabled.
func (m *Manager) Enable(id string) error { return m.setEnabled(id, true) }

// Disable marks the breakpoint disabled.
func (m *Manager) Disable(id string) error { return m.setEnabled(id, false) }

func (m *Manager) setEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.records[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	b.Enabled = enabled
	return nil
}

// SetHitCountCondition installs or replaces the hit-count predicate.
func (m *Manager) SetHitCountCondition(id string, cond HitCountCondition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.records[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	c := cond
	b.HitCountCondition = &c
	return nil
}

// Get returns a snapshot copy of one breakpoint.
func (m *Manager) Get(id string) (Breakpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.records[id]
	if !ok {
		return Breakpoint{}, false
	}
	return b.clone(), true
}

// Has reports whether a local id exists.
func (m *Manager) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id]
	return ok
}

// Count returns the number of registered breakpoints.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// List returns a snapshot of every breakpoint. Order is not significant.
func (m *Manager) List() []Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Breakpoint, 0, len(m.records))
	for _, b := range m.records {
		out = append(out, b.clone())
	}
	return out
}

// ListByFile returns breakpoints set on the given absolute file path.
func (m *Manager) ListByFile(path string) []Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Breakpoint{}
	for _, b := range m.records {
		if b.File == path {
			out = append(out, b.clone())
		}
	}
	return out
}

// ClearAll removes every breakpoint from the local registry without
// issuing CDP removal calls (used by kernel cleanup, which is about to
// disconnect the transport entirely).
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*Breakpoint)
}

// HitBreakpoint is invoked once per CDP breakpoint id reported in a
// Debugger.paused event's hitBreakpoints. It increments the matching
// local breakpoint's hit count and returns its local id, if found.
func (m *Manager) HitBreakpoint(cdpID string) (localID string, found bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.records {
		if b.CdpID == cdpID {
			b.HitCount++
			return id, true
		}
	}
	return "", false
}

// ShouldPause implements the pause-policy predicate: true if the
// breakpoint has no hit-count condition, or if its condition is satisfied
// by the current hit count.
func (m *Manager) ShouldPause(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.records[id]
	if !ok {
		return true
	}
	if b.HitCountCondition == nil {
		return true
	}
	return b.HitCountCondition.Satisfied(b.HitCount)
}

// ResolveAgainst retries resolution for every unresolved breakpoint in
// the given file, so a breakpoint set before its script was parsed can
// still land once the script is announced.
func (m *Manager) ResolveAgainst(ctx context.Context, file string) {
	m.mu.Lock()
	var ids []string
	for id, b := range m.records {
		if b.CdpID == "" && b.Kind != Function && b.File == file {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.resolve(ctx, id)
	}
}
