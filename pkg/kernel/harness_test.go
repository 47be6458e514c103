package kernel_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"inspectkernel/internal/wire"
)

// fakeInspector is a minimal CDP WebSocket endpoint standing in for the V8
// Inspector. A test drives it by registering per-method handlers; unhandled
// methods get an empty-object response by default so setup calls like
// Runtime.enable never block a test that doesn't care about them.
type fakeInspector struct {
	upgrader websocket.Upgrader
	server   *httptest.Server

	mu        sync.Mutex
	conn      *websocket.Conn
	handlers  map[string]func(conn *websocket.Conn, msg wire.Message)
	connected chan struct{}
}

func newFakeInspector(t *testing.T) *fakeInspector {
	t.Helper()
	f := &fakeInspector{
		handlers:  make(map[string]func(conn *websocket.Conn, msg wire.Message)),
		connected: make(chan struct{}),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.close)
	return f
}

func (f *fakeInspector) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	close(f.connected)

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wire.Message
		if err := json.Unmarshal(b, &msg); err != nil {
			continue
		}
		f.mu.Lock()
		h, ok := f.handlers[msg.Method]
		f.mu.Unlock()
		if ok {
			h(conn, msg)
		} else {
			f.reply(conn, msg.ID, map[string]interface{}{})
		}
	}
}

// on installs a handler for a CDP method, overriding the default
// empty-object reply.
func (f *fakeInspector) on(method string, h func(conn *websocket.Conn, msg wire.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeInspector) reply(conn *websocket.Conn, id int64, result interface{}) {
	r, _ := json.Marshal(result)
	b, _ := json.Marshal(wire.Message{ID: id, Result: r})
	conn.WriteMessage(websocket.TextMessage, b)
}

func (f *fakeInspector) event(method string, params interface{}) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	p, _ := json.Marshal(params)
	b, _ := json.Marshal(wire.Message{Method: method, Params: p})
	conn.WriteMessage(websocket.TextMessage, b)
}

func (f *fakeInspector) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-f.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("fake inspector: no connection accepted")
	}
}

func (f *fakeInspector) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/deadbeef-dead-beef-dead-beefdeadbeef"
}

func (f *fakeInspector) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.server.Close()
}

// fakeTargetCommand writes an executable shell script that announces the
// fake inspector's WebSocket URL on stderr, mimicking "--inspect-brk"'s
// startup banner, then sleeps. The real CDP traffic all goes to the fake
// inspector, never to this process.
func fakeTargetCommand(t *testing.T, fi *fakeInspector) string {
	return fakeTargetCommandWithTail(t, fi, "sleep 30\n")
}

// fakeTargetCommandWithTail is fakeTargetCommand but lets a test replace what
// the process does after announcing its inspector URL, e.g. exiting quickly
// to exercise the natural-termination race in DetectHang.
func fakeTargetCommandWithTail(t *testing.T, fi *fakeInspector, tail string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-node.sh")
	script := "#!/bin/sh\necho 'Debugger listening on " + fi.wsURL() + "' >&2\n" + tail
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// pausedFrame builds one CallFrame payload for a Debugger.paused event.
func pausedFrame(callFrameID, functionName, url string, line, col int) wire.CallFrame {
	return wire.CallFrame{
		CallFrameID:  callFrameID,
		FunctionName: functionName,
		URL:          url,
		Location:     wire.Location{LineNumber: int64(line), ColumnNumber: int64(col)},
	}
}
