package kernel

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"inspectkernel/internal/wire"
)

// onScriptParsed records a parsed script in the registry and retries
// resolution for any breakpoint still pending against that file.
func (s *Session) onScriptParsed(params json.RawMessage) {
	var ev wire.ScriptParsedEvent
	if err := json.Unmarshal(params, &ev); err != nil {
		s.log.Warn("malformed Debugger.scriptParsed event", zap.Error(err))
		return
	}
	s.scripts.Add(ev.ScriptID, ev.URL)
	if file, err := urlToAbsolutePath(ev.URL); err == nil {
		s.breakpoints.ResolveAgainst(context.Background(), file)
	}
}

// onResumed keeps the state machine honest when the inspector resumes for
// a reason the kernel did not itself initiate. Transitions initiated by
// Resume/StepX have usually installed Running already, making this a
// no-op.
func (s *Session) onResumed(params json.RawMessage) {
	s.mu.Lock()
	if s.state.Kind == StatePaused {
		s.setStateLocked(State{Kind: StateRunning})
	}
	s.mu.Unlock()
}

// onBreakpointResolved records the inspector's confirmation that a
// URL-addressed breakpoint now has a concrete location.
func (s *Session) onBreakpointResolved(params json.RawMessage) {
	var ev wire.BreakpointResolvedEvent
	if err := json.Unmarshal(params, &ev); err != nil {
		s.log.Warn("malformed Debugger.breakpointResolved event", zap.Error(err))
		return
	}
	s.log.Debug("breakpoint resolved",
		zap.String("cdp_breakpoint_id", ev.BreakpointID),
		zap.String("script_id", ev.Location.ScriptID),
		zap.Int64("line", ev.Location.LineNumber+1))
}

// onPaused implements the pause-event algorithm: convert frames to external
// (absolute path, 1-indexed line) coordinates, apply source-map translation
// per frame, count breakpoint hits, and decide whether the pause surfaces to
// callers or is silently resumed.
func (s *Session) onPaused(params json.RawMessage) {
	var ev wire.PausedEvent
	if err := json.Unmarshal(params, &ev); err != nil {
		s.log.Warn("malformed Debugger.paused event", zap.Error(err))
		return
	}

	frames := make([]Frame, 0, len(ev.CallFrames))
	for _, cf := range ev.CallFrames {
		file, err := urlToAbsolutePath(cf.URL)
		if err != nil {
			s.log.Warn("Debugger.paused: dropping call frame with non-file url", zap.String("url", cf.URL))
			continue
		}
		f := Frame{
			CallFrameID:  cf.CallFrameID,
			FunctionName: cf.FunctionName,
			File:         file,
			Line:         int(cf.Location.LineNumber) + 1,
			Column:       int(cf.Location.ColumnNumber),
			ScopeChain:   cf.ScopeChain,
		}
		if loc, _, ok := s.sourcemaps.CompiledToSource(context.Background(), f.File, f.Line, f.Column); ok {
			f.File = loc.File
			f.Line = loc.Line
			f.Column = loc.Column
		}
		frames = append(frames, f)
	}

	var hitLocal []string
	for _, cdpID := range ev.HitBreakpoints {
		if id, found := s.breakpoints.HitBreakpoint(cdpID); found {
			hitLocal = append(hitLocal, id)
		}
	}

	shouldPause := true
	if len(hitLocal) > 0 {
		shouldPause = false
		for _, id := range hitLocal {
			if s.breakpoints.ShouldPause(id) {
				shouldPause = true
				break
			}
		}
	}

	if !shouldPause {
		if _, err := s.send(context.Background(), "Debugger.resume", nil); err != nil {
			s.log.Warn("silent resume after suppressed hit-count pause failed", zap.Error(err))
		}
		return
	}

	s.mu.Lock()
	s.setStateLocked(State{
		Kind: StatePaused,
		Pause: &PauseInfo{
			CallFrames:     frames,
			Reason:         ev.Reason,
			HitBreakpoints: append([]string(nil), ev.HitBreakpoints...),
		},
	})
	s.mu.Unlock()
}
