package server

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdqa/md-qa/internal/index"
	"github.com/mdqa/md-qa/internal/qa"
)

type fakeAnswerer struct {
	deltas  []string
	sources []string
	err     error
}

func (f *fakeAnswerer) Answer(_ context.Context, _ string, out qa.Stream) error {
	if f.err != nil {
		return f.err
	}
	if err := out.Start(); err != nil {
		return err
	}
	for _, d := range f.deltas {
		if err := out.Chunk(d); err != nil {
			return err
		}
	}
	return out.End(f.sources)
}

type fakeIndexes struct {
	name     string
	ready    bool
	indexing bool
	length   int
}

func (f *fakeIndexes) Name() string   { return f.name }
func (f *fakeIndexes) Ready() bool    { return f.ready }
func (f *fakeIndexes) Indexing() bool { return f.indexing }
func (f *fakeIndexes) Len() int       { return f.length }

func dial(t *testing.T, answerer Answerer, indexes Indexes) *websocket.Conn {
	t.Helper()
	s := New(Options{
		Answerer: answerer,
		Indexes:  indexes,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	httpServer := httptest.NewServer(s.Handler())
	t.Cleanup(httpServer.Close)

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMsg(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func sendJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func TestQueryStreamPhases(t *testing.T) {
	ws := dial(t,
		&fakeAnswerer{deltas: []string{"Hello", " world"}, sources: []string{"/docs/a.md"}},
		&fakeIndexes{name: "default", ready: true, length: 1},
	)

	sendJSON(t, ws, map[string]string{"type": "query", "question": "what?"})

	assert.Equal(t, "stream_start", readMsg(t, ws)["type"])

	chunk := readMsg(t, ws)
	assert.Equal(t, "stream_chunk", chunk["type"])
	assert.Equal(t, "Hello", chunk["chunk"])

	chunk = readMsg(t, ws)
	assert.Equal(t, " world", chunk["chunk"])

	end := readMsg(t, ws)
	assert.Equal(t, "stream_end", end["type"])
	assert.Equal(t, []any{"/docs/a.md"}, end["sources"])
}

func TestQueryEmptySourcesStaysAnArray(t *testing.T) {
	ws := dial(t,
		&fakeAnswerer{deltas: []string{"nothing found"}},
		&fakeIndexes{name: "default", ready: true, length: 1},
	)

	sendJSON(t, ws, map[string]string{"type": "query", "question": "what?"})

	readMsg(t, ws) // stream_start
	readMsg(t, ws) // chunk

	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"sources":[]`)
}

func TestQueryValidation(t *testing.T) {
	ws := dial(t, &fakeAnswerer{}, &fakeIndexes{name: "default", ready: true, length: 1})

	sendJSON(t, ws, map[string]string{"type": "query", "question": "   "})
	msg := readMsg(t, ws)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "Question cannot be empty", msg["message"])
}

func TestQueryNotReady(t *testing.T) {
	ws := dial(t, &fakeAnswerer{err: index.ErrNotReady}, &fakeIndexes{name: "default"})

	sendJSON(t, ws, map[string]string{"type": "query", "question": "what?"})
	msg := readMsg(t, ws)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "not ready")
}

func TestStatusStates(t *testing.T) {
	tests := []struct {
		name    string
		indexes *fakeIndexes
		want    string
	}{
		{"published and populated", &fakeIndexes{ready: true, length: 3}, "ready"},
		{"published but empty", &fakeIndexes{ready: true, length: 0}, "not_ready"},
		{"building", &fakeIndexes{indexing: true}, "indexing"},
		{"nothing yet", &fakeIndexes{}, "not_ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := dial(t, &fakeAnswerer{}, tt.indexes)
			sendJSON(t, ws, map[string]string{"type": "status"})
			msg := readMsg(t, ws)
			assert.Equal(t, "status", msg["type"])
			assert.Equal(t, tt.want, msg["status"])
		})
	}
}

func TestConnectionSurvivesBadInput(t *testing.T) {
	ws := dial(t,
		&fakeAnswerer{deltas: []string{"ok"}, sources: []string{"/docs/a.md"}},
		&fakeIndexes{name: "default", ready: true, length: 1},
	)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readMsg(t, ws)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "Invalid JSON format", msg["message"])

	sendJSON(t, ws, map[string]string{"type": "bogus"})
	msg = readMsg(t, ws)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "Unknown message type")

	// The same connection still answers real queries.
	sendJSON(t, ws, map[string]string{"type": "query", "question": "what?"})
	assert.Equal(t, "stream_start", readMsg(t, ws)["type"])
	readMsg(t, ws)
	assert.Equal(t, "stream_end", readMsg(t, ws)["type"])
}

func TestUnknownIndexNameIsIgnored(t *testing.T) {
	ws := dial(t,
		&fakeAnswerer{deltas: []string{"ok"}, sources: []string{"/docs/a.md"}},
		&fakeIndexes{name: "default", ready: true, length: 1},
	)

	sendJSON(t, ws, map[string]string{"type": "query", "question": "what?", "index": "other"})
	assert.Equal(t, "stream_start", readMsg(t, ws)["type"])
	readMsg(t, ws)
	assert.Equal(t, "stream_end", readMsg(t, ws)["type"])
}
