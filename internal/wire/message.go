// Package wire holds the JSON shapes exchanged with a V8 Inspector over
// the Chrome DevTools Protocol (CDP). Only the Debugger and Runtime
// subset the kernel actually speaks is modeled; everything else in the
// protocol stays opaque json.RawMessage.
package wire

import "encoding/json"

// Error is the structured error object a CDP response carries on failure.
type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == 0 {
		return e.Message
	}
	return e.Message
}

// Message is a generic CDP message: a client->server command, a
// server->client response, or a server->client event.
//
// Client->server: {id, method, params}.
// Server->client response: {id, result} or {id, error}.
// Server->client event: {method, params}.
type Message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// IsEvent reports whether this message is an unsolicited event rather than
// a response to a prior command.
func (m *Message) IsEvent() bool {
	return m.ID == 0 && m.Method != ""
}

// Location is a position in a script, as addressed by scriptId. Line and
// column numbers on the wire are always 0-indexed.
type Location struct {
	ScriptID     string `json:"scriptId"`
	LineNumber   int64  `json:"lineNumber"`
	ColumnNumber int64  `json:"columnNumber,omitempty"`
}

// RemoteObject mirrors an original JavaScript object or primitive value
// returned by Debugger.evaluateOnCallFrame, Runtime.getProperties, etc.
type RemoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	ClassName   string          `json:"className,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
	ObjectID    string          `json:"objectId,omitempty"`
}

// Scope describes one entry in a call frame's scope chain.
type Scope struct {
	Type          string       `json:"type"`
	Object        RemoteObject `json:"object"`
	Name          string       `json:"name,omitempty"`
	StartLocation *Location    `json:"startLocation,omitempty"`
	EndLocation   *Location    `json:"endLocation,omitempty"`
}

// CallFrame is one JavaScript call frame as reported by Debugger.paused.
type CallFrame struct {
	CallFrameID  string       `json:"callFrameId"`
	FunctionName string       `json:"functionName"`
	Location     Location     `json:"location"`
	URL          string       `json:"url"`
	ScopeChain   []Scope      `json:"scopeChain"`
	This         RemoteObject `json:"this"`
}

// PropertyDescriptor is one entry of a Runtime.getProperties response.
type PropertyDescriptor struct {
	Name         string        `json:"name"`
	Value        *RemoteObject `json:"value,omitempty"`
	Writable     bool          `json:"writable,omitempty"`
	Enumerable   bool          `json:"enumerable"`
	Configurable bool          `json:"configurable"`
}

// PausedEvent is the payload of Debugger.paused.
type PausedEvent struct {
	CallFrames     []CallFrame `json:"callFrames"`
	Reason         string      `json:"reason"`
	HitBreakpoints []string    `json:"hitBreakpoints,omitempty"`
}

// ScriptParsedEvent is the payload of Debugger.scriptParsed.
type ScriptParsedEvent struct {
	ScriptID string `json:"scriptId"`
	URL      string `json:"url"`
}

// BreakpointResolvedEvent is the payload of Debugger.breakpointResolved.
type BreakpointResolvedEvent struct {
	BreakpointID string   `json:"breakpointId"`
	Location     Location `json:"location"`
}
