// Package kernel implements the debugging session kernel: the state
// machine (Initialized -> Running -> Paused -> Terminated), the public
// debugging operations built on top of the transport, breakpoint manager,
// script registry and source-map cache, and the hang-detector
// sub-routine.
//
// One Session struct owns its child process, transport and managers
// outright, with a broadcast mechanism callers block on to await the next
// state change. Sessions are addressed directly, never fished out of a
// context.Context: a control plane manages many independent target
// sessions concurrently.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"inspectkernel/internal/wire"
	"inspectkernel/pkg/breakpoint"
	"inspectkernel/pkg/launcher"
	"inspectkernel/pkg/scripts"
	"inspectkernel/pkg/sourcemap"
	"inspectkernel/pkg/transport"
)

// Session owns one target process end to end: launch, attachment,
// breakpoints, and the state machine that exposes them to callers.
type Session struct {
	cfg Config
	log *zap.Logger

	mu           sync.Mutex
	state        State
	currentFrame int
	waiters      []chan State
	cleaningUp   bool

	process     *launcher.Process
	transport   *transport.Transport
	scripts     *scripts.Registry
	breakpoints *breakpoint.Manager
	sourcemaps  *sourcemap.Cache

	crashMu        sync.Mutex
	crashCallbacks []func(TerminatedInfo)
	crashFired     bool

	cleanupOnce sync.Once
}

// New constructs a session in the Initialized state. Call Start to launch
// and attach.
func New(cfg Config, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		cfg:       cfg,
		log:       log,
		state:     State{Kind: StateInitialized},
		scripts:   scripts.New(),
		transport: transport.New(log),
	}
	s.sourcemaps = sourcemap.New(log)
	s.breakpoints = breakpoint.New(s.send, s.scripts, log)
	return s
}

// send marshals params (nil is sent as an omitted field) and performs one
// CDP round-trip with the transport's default deadline. Transport-layer
// sentinel errors are translated to the kernel's own error kinds; CDP
// errors pass through verbatim.
func (s *Session) send(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	result, err := s.transport.Send(ctx, method, raw, 0)
	switch {
	case errors.Is(err, transport.ErrNotConnected):
		return nil, &NotConnectedError{}
	case errors.Is(err, transport.ErrDisconnected):
		return nil, &DisconnectedError{}
	}
	return result, err
}

func (s *Session) requireState(op string, allowed ...StateKind) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range allowed {
		if s.state.Kind == k {
			return s.state, nil
		}
	}
	names := make([]string, len(allowed))
	for i, k := range allowed {
		names[i] = k.String()
	}
	return State{}, &StateViolationError{Op: op, Required: names, Actual: s.state.Kind.String()}
}

// setStateLocked installs a new state, resets the frame cursor, and wakes
// every waiter. Must be called with s.mu held.
func (s *Session) setStateLocked(st State) {
	s.state = st
	s.currentFrame = 0
	for _, ch := range s.waiters {
		select {
		case ch <- st:
		default:
		}
	}
	s.waiters = nil
}

// waitForState blocks until the session's state satisfies predicate or
// ctx is done. Every transition wakes every waiter, so the loop re-checks
// and re-registers until the predicate holds.
func (s *Session) waitForState(ctx context.Context, predicate func(State) bool) (State, error) {
	for {
		s.mu.Lock()
		if predicate(s.state) {
			st := s.state
			s.mu.Unlock()
			return st, nil
		}
		ch := make(chan State, 1)
		s.waiters = append(s.waiters, ch)
		s.mu.Unlock()

		select {
		case st := <-ch:
			if predicate(st) {
				return st, nil
			}
		case <-ctx.Done():
			return State{}, ctx.Err()
		}
	}
}

func isTerminalOrPaused(st State) bool {
	return st.Kind == StatePaused || st.Kind == StateTerminated
}

// Start launches the target, connects the transport, enables the Runtime
// and Debugger domains, and waits for the initial Debugger.paused that
// --inspect-brk guarantees.
func (s *Session) Start(ctx context.Context) error {
	if _, err := s.requireState("start", StateInitialized); err != nil {
		return err
	}

	launchCtx := ctx
	if s.cfg.StartupTimeout > 0 {
		var cancel context.CancelFunc
		launchCtx, cancel = context.WithTimeout(ctx, s.cfg.StartupTimeout)
		defer cancel()
	}

	proc, err := launcher.Launch(launchCtx, launcherConfig(s.cfg), s.log)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.process = proc
	s.mu.Unlock()
	go s.watchProcessExit()

	if err := s.transport.Connect(ctx, proc.WSURL); err != nil {
		proc.Kill()
		return err
	}

	s.transport.On("Debugger.paused", s.onPaused)
	s.transport.On("Debugger.resumed", s.onResumed)
	s.transport.On("Debugger.scriptParsed", s.onScriptParsed)
	s.transport.On("Debugger.breakpointResolved", s.onBreakpointResolved)

	if _, err := s.send(ctx, "Runtime.enable", nil); err != nil {
		s.transport.Disconnect()
		proc.Kill()
		return err
	}
	if _, err := s.send(ctx, "Debugger.enable", nil); err != nil {
		s.transport.Disconnect()
		proc.Kill()
		return err
	}

	st, err := s.waitForState(ctx, isTerminalOrPaused)
	if err != nil {
		return err
	}
	if st.Kind == StateTerminated {
		return terminatedError(st.Terminated)
	}
	return nil
}

func terminatedError(t *TerminatedInfo) error {
	if t == nil {
		return &ProcessTerminatedError{}
	}
	return &ProcessTerminatedError{ExitCode: t.ExitCode, Signal: t.Signal}
}

func (s *Session) watchProcessExit() {
	<-s.process.Done()
	code, waitErr, _ := s.process.ExitInfo()

	s.mu.Lock()
	cleaningUp := s.cleaningUp
	already := s.state.Kind == StateTerminated
	if !already {
		s.setStateLocked(State{Kind: StateTerminated, Terminated: &TerminatedInfo{ExitCode: &code, Err: waitErr}})
	}
	s.mu.Unlock()

	if !cleaningUp && !already && (code != 0 || waitErr != nil) {
		s.fireCrash(TerminatedInfo{ExitCode: &code, Err: waitErr})
	}
}

func (s *Session) fireCrash(info TerminatedInfo) {
	s.crashMu.Lock()
	if s.crashFired {
		s.crashMu.Unlock()
		return
	}
	s.crashFired = true
	cbs := append([]func(TerminatedInfo){}, s.crashCallbacks...)
	s.crashMu.Unlock()
	for _, cb := range cbs {
		cb(info)
	}
}

// OnCrash registers a callback invoked once if the child exits non-zero or
// is killed while the session was not already in Cleanup.
func (s *Session) OnCrash(cb func(TerminatedInfo)) {
	s.crashMu.Lock()
	defer s.crashMu.Unlock()
	s.crashCallbacks = append(s.crashCallbacks, cb)
}

// runAndAwaitPause transitions Paused -> Running, issues the CDP method,
// and blocks until the next Paused or Terminated state. Running is
// installed before the command goes out: the following Debugger.paused
// can be dispatched the instant the command's response is delivered, and
// installing Running afterwards would overwrite that new pause and strand
// the waiter. A failed send rolls the pause back.
func (s *Session) runAndAwaitPause(ctx context.Context, op, method string) (State, error) {
	s.mu.Lock()
	if s.state.Kind != StatePaused {
		kind := s.state.Kind
		s.mu.Unlock()
		return State{}, &StateViolationError{Op: op, Required: []string{StatePaused.String()}, Actual: kind.String()}
	}
	prev := s.state
	s.setStateLocked(State{Kind: StateRunning})
	s.mu.Unlock()

	if _, err := s.send(ctx, method, nil); err != nil {
		s.mu.Lock()
		if s.state.Kind == StateRunning {
			s.setStateLocked(prev)
		}
		s.mu.Unlock()
		return State{}, err
	}
	return s.waitForState(ctx, isTerminalOrPaused)
}

// Resume issues Debugger.resume, transitions to Running, and blocks until
// the session reaches its next Paused or Terminated state.
func (s *Session) Resume(ctx context.Context) (State, error) {
	return s.runAndAwaitPause(ctx, "resume", "Debugger.resume")
}

// Pause issues Debugger.pause and blocks until the following Debugger.paused
// transitions the session to Paused (or the process terminates first).
func (s *Session) Pause(ctx context.Context) (State, error) {
	if _, err := s.requireState("pause", StateRunning); err != nil {
		return State{}, err
	}
	if _, err := s.send(ctx, "Debugger.pause", nil); err != nil {
		return State{}, err
	}
	return s.waitForState(ctx, isTerminalOrPaused)
}

// StepOver issues Debugger.stepOver and awaits the re-entry into Paused.
func (s *Session) StepOver(ctx context.Context) (State, error) {
	return s.runAndAwaitPause(ctx, "step_over", "Debugger.stepOver")
}

// StepInto issues Debugger.stepInto and awaits the re-entry into Paused.
func (s *Session) StepInto(ctx context.Context) (State, error) {
	return s.runAndAwaitPause(ctx, "step_into", "Debugger.stepInto")
}

// StepOut issues Debugger.stepOut and awaits the re-entry into Paused.
func (s *Session) StepOut(ctx context.Context) (State, error) {
	return s.runAndAwaitPause(ctx, "step_out", "Debugger.stepOut")
}

// GetCallStack returns a deep copy of the frames captured by the most
// recent pause. Every Frame.File is guaranteed absolute.
func (s *Session) GetCallStack() ([]Frame, error) {
	st, err := s.requireState("get_call_stack", StatePaused)
	if err != nil {
		return nil, err
	}
	return cloneFrames(st.Pause.CallFrames), nil
}

// SwitchToFrame moves the frame cursor that Evaluate and GetVariables
// implicitly target.
func (s *Session) SwitchToFrame(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Kind != StatePaused {
		return &StateViolationError{Op: "switch_to_frame", Required: []string{StatePaused.String()}, Actual: s.state.Kind.String()}
	}
	if idx < 0 || idx >= len(s.state.Pause.CallFrames) {
		return &InvalidArgumentError{Reason: "frame index out of range"}
	}
	s.currentFrame = idx
	return nil
}

// CurrentFrame returns the index Evaluate and GetVariables target.
func (s *Session) CurrentFrame() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentFrame
}

type evaluateParams struct {
	CallFrameID   string `json:"callFrameId"`
	Expression    string `json:"expression"`
	ReturnByValue bool   `json:"returnByValue"`
}

type evaluateResult struct {
	Result           wire.RemoteObject `json:"result"`
	ExceptionDetails json.RawMessage   `json:"exceptionDetails,omitempty"`
}

// Evaluate runs expr against the current frame's call-frame id.
func (s *Session) Evaluate(ctx context.Context, expr string) (wire.RemoteObject, error) {
	s.mu.Lock()
	if s.state.Kind != StatePaused {
		kind := s.state.Kind
		s.mu.Unlock()
		return wire.RemoteObject{}, &StateViolationError{Op: "evaluate", Required: []string{StatePaused.String()}, Actual: kind.String()}
	}
	if len(s.state.Pause.CallFrames) == 0 {
		s.mu.Unlock()
		return wire.RemoteObject{}, &InvalidArgumentError{Reason: "paused with no debuggable frames"}
	}
	frame := s.state.Pause.CallFrames[s.currentFrame]
	s.mu.Unlock()

	raw, err := s.send(ctx, "Debugger.evaluateOnCallFrame", evaluateParams{
		CallFrameID:   frame.CallFrameID,
		Expression:    expr,
		ReturnByValue: true,
	})
	if err != nil {
		return wire.RemoteObject{}, err
	}
	var result evaluateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return wire.RemoteObject{}, err
	}
	return result.Result, nil
}

// AllScopes selects every entry of the current frame's scope chain when
// passed to GetVariables.
const AllScopes = -1

// GetVariables fetches the properties of the scope at scopeIndex within
// the current frame's scope chain, or of every scope in the chain when
// scopeIndex is AllScopes.
func (s *Session) GetVariables(ctx context.Context, scopeIndex int) ([]wire.PropertyDescriptor, error) {
	s.mu.Lock()
	if s.state.Kind != StatePaused {
		kind := s.state.Kind
		s.mu.Unlock()
		return nil, &StateViolationError{Op: "get_variables", Required: []string{StatePaused.String()}, Actual: kind.String()}
	}
	if len(s.state.Pause.CallFrames) == 0 {
		s.mu.Unlock()
		return nil, &InvalidArgumentError{Reason: "paused with no debuggable frames"}
	}
	frame := s.state.Pause.CallFrames[s.currentFrame]
	s.mu.Unlock()

	if scopeIndex != AllScopes && (scopeIndex < 0 || scopeIndex >= len(frame.ScopeChain)) {
		return nil, &InvalidArgumentError{Reason: "scope index out of range"}
	}
	scopes := frame.ScopeChain
	if scopeIndex != AllScopes {
		scopes = frame.ScopeChain[scopeIndex : scopeIndex+1]
	}

	var props []wire.PropertyDescriptor
	for _, scope := range scopes {
		if scope.Object.ObjectID == "" {
			continue
		}
		raw, err := s.send(ctx, "Runtime.getProperties", map[string]interface{}{
			"objectId":      scope.Object.ObjectID,
			"ownProperties": true,
		})
		if err != nil {
			return nil, err
		}
		var result struct {
			Result []wire.PropertyDescriptor `json:"result"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, err
		}
		props = append(props, result.Result...)
	}
	return props, nil
}

// compiledLocationFor remaps a breakpoint target through the source-map
// cache when it addresses an original source file (e.g. a .ts file whose
// compiled companion actually runs). Files with no compiled companion or
// no map pass through unchanged.
func (s *Session) compiledLocationFor(ctx context.Context, file string, line int) (string, int) {
	if loc, ok := s.sourcemaps.SourceToCompiled(ctx, file, line, 0); ok {
		return loc.File, loc.Line
	}
	return file, line
}

// SetStandardBreakpoint delegates to the breakpoint manager, translating
// the location through the source-map cache first; legal from any session
// state.
func (s *Session) SetStandardBreakpoint(ctx context.Context, file string, line int, condition string) (string, error) {
	file, line = s.compiledLocationFor(ctx, file, line)
	return s.breakpoints.CreateStandard(ctx, file, line, condition)
}

// SetLogpoint delegates to the breakpoint manager, translating the
// location through the source-map cache first.
func (s *Session) SetLogpoint(ctx context.Context, file string, line int, template string) (string, error) {
	file, line = s.compiledLocationFor(ctx, file, line)
	return s.breakpoints.CreateLogpoint(ctx, file, line, template)
}

// SetFunctionBreakpoint delegates to the breakpoint manager.
func (s *Session) SetFunctionBreakpoint(name string) (string, error) {
	return s.breakpoints.CreateFunction(name)
}

// RemoveBreakpoint delegates to the breakpoint manager.
func (s *Session) RemoveBreakpoint(ctx context.Context, id string) error {
	return s.breakpoints.Remove(ctx, id)
}

// ToggleBreakpoint delegates to the breakpoint manager.
func (s *Session) ToggleBreakpoint(id string) (bool, error) { return s.breakpoints.Toggle(id) }

// EnableBreakpoint delegates to the breakpoint manager.
func (s *Session) EnableBreakpoint(id string) error { return s.breakpoints.Enable(id) }

// DisableBreakpoint delegates to the breakpoint manager.
func (s *Session) DisableBreakpoint(id string) error { return s.breakpoints.Disable(id) }

// SetHitCountCondition delegates to the breakpoint manager.
func (s *Session) SetHitCountCondition(id string, cond breakpoint.HitCountCondition) error {
	return s.breakpoints.SetHitCountCondition(id, cond)
}

// ListBreakpoints delegates to the breakpoint manager.
func (s *Session) ListBreakpoints() []breakpoint.Breakpoint { return s.breakpoints.List() }

// ListBreakpointsByFile delegates to the breakpoint manager.
func (s *Session) ListBreakpointsByFile(path string) []breakpoint.Breakpoint {
	return s.breakpoints.ListByFile(path)
}

// GetBreakpoint delegates to the breakpoint manager.
func (s *Session) GetBreakpoint(id string) (breakpoint.Breakpoint, bool) {
	return s.breakpoints.Get(id)
}

// HasBreakpoint delegates to the breakpoint manager.
func (s *Session) HasBreakpoint(id string) bool { return s.breakpoints.Has(id) }

// BreakpointCount delegates to the breakpoint manager.
func (s *Session) BreakpointCount() int { return s.breakpoints.Count() }

// Cleanup is idempotent: it disconnects the transport, kills the child if
// still alive, clears the script registry and source-map cache, and
// transitions to Terminated. It never fires OnCrash for exits it itself
// causes: only watchProcessExit fires crash callbacks, and only for exits
// observed before Cleanup set cleaningUp.
func (s *Session) Cleanup() {
	s.cleanupOnce.Do(func() {
		s.mu.Lock()
		s.cleaningUp = true
		proc := s.process
		s.mu.Unlock()

		s.transport.Disconnect()
		if proc != nil {
			if err := proc.Kill(); err != nil {
				s.log.Warn("cleanup: kill target process failed", zap.Error(err))
			}
			<-proc.Done()
		}
		s.scripts.Clear()
		s.sourcemaps.Clear()
		s.breakpoints.ClearAll()

		s.mu.Lock()
		if s.state.Kind != StateTerminated {
			var code *int
			var waitErr error
			if proc != nil {
				if c, werr, ok := proc.ExitInfo(); ok {
					code = &c
					waitErr = werr
				}
			}
			s.setStateLocked(State{Kind: StateTerminated, Terminated: &TerminatedInfo{ExitCode: code, Err: waitErr}})
		}
		s.mu.Unlock()
	})
}

// GetState returns a snapshot copy of the current state.
func (s *Session) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// GetProcessHandle is an observation-only accessor for collaborators (e.g.
// a reporting-only profiler) that need the raw child process.
func (s *Session) GetProcessHandle() *launcher.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process
}

// GetInspector is an observation-only accessor exposing the transport so
// external collaborators can attach their own read-only CDP subscriptions.
// Write traffic must still go through the session's own operations.
func (s *Session) GetInspector() *transport.Transport {
	return s.transport
}

func urlToAbsolutePath(url string) (string, error) {
	if !strings.HasPrefix(url, "file://") {
		return "", fmt.Errorf("kernel: non-file script url rejected: %q", url)
	}
	return strings.TrimPrefix(url, "file://"), nil
}
