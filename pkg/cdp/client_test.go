package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeTarget answers every request through handle and lets the test push
// events to the connected client.
type fakeTarget struct {
	t      *testing.T
	srv    *httptest.Server
	handle func(conn *websocket.Conn, req map[string]interface{})
}

func newFakeTarget(t *testing.T, handle func(conn *websocket.Conn, req map[string]interface{})) *fakeTarget {
	ft := &fakeTarget{t: t, handle: handle}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/devtools/page/1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req map[string]interface{}
			if err := json.Unmarshal(data, &req); err != nil {
				t.Errorf("bad request %s: %v", data, err)
				return
			}
			ft.handle(conn, req)
		}
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]TargetInfo{
			{ID: "0", Type: "service_worker", WebSocketDebuggerURL: "ws://unused"},
			{ID: "1", Type: "page", Title: "test", URL: "http://example.com/", WebSocketDebuggerURL: ft.wsURL()},
		})
	})
	ft.srv = httptest.NewServer(mux)
	t.Cleanup(ft.srv.Close)
	return ft
}

func (ft *fakeTarget) wsURL() string {
	return "ws" + strings.TrimPrefix(ft.srv.URL, "http") + "/devtools/page/1"
}

func writeJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func dialFake(t *testing.T, ft *fakeTarget) *Client {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := DialWebSocket(ctx, ft.wsURL())
	require.NoError(t, err)
	c := NewClient(tr)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientCallResult(t *testing.T) {
	ft := newFakeTarget(t, func(conn *websocket.Conn, req map[string]interface{}) {
		require.Equal(t, DebuggerGetScriptSource, req["method"])
		params := req["params"].(map[string]interface{})
		writeJSON(t, conn, map[string]interface{}{
			"id":     req["id"],
			"result": map[string]interface{}{"scriptSource": "source of " + params["scriptId"].(string)},
		})
	})
	c := dialFake(t, ft)

	var res GetScriptSourceResult
	err := c.Call(context.Background(), DebuggerGetScriptSource, GetScriptSourceParams{ScriptID: "42"}, &res)
	require.NoError(t, err)
	require.Equal(t, "source of 42", res.ScriptSource)
}

func TestClientCallError(t *testing.T) {
	ft := newFakeTarget(t, func(conn *websocket.Conn, req map[string]interface{}) {
		writeJSON(t, conn, map[string]interface{}{
			"id":    req["id"],
			"error": map[string]interface{}{"code": -32000, "message": "No script for id: 7"},
		})
	})
	c := dialFake(t, ft)

	err := c.Call(context.Background(), DebuggerGetScriptSource, GetScriptSourceParams{ScriptID: "7"}, nil)
	var cerr *Error
	require.True(t, errors.As(err, &cerr), "got %v", err)
	require.Equal(t, -32000, cerr.Code)
	require.Equal(t, "No script for id: 7", cerr.Message)
}

func TestClientIDsAreDistinct(t *testing.T) {
	seen := make(chan float64, 3)
	ft := newFakeTarget(t, func(conn *websocket.Conn, req map[string]interface{}) {
		seen <- req["id"].(float64)
		writeJSON(t, conn, map[string]interface{}{"id": req["id"], "result": map[string]interface{}{}})
	})
	c := dialFake(t, ft)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Call(context.Background(), DebuggerEnable, nil, nil))
	}
	ids := map[float64]bool{}
	for i := 0; i < 3; i++ {
		ids[<-seen] = true
	}
	require.Len(t, ids, 3)
}

// Events sent before a response must be observed before the call returns
// and in the order they were sent.
func TestClientEventsInOrder(t *testing.T) {
	ft := newFakeTarget(t, func(conn *websocket.Conn, req map[string]interface{}) {
		for _, url := range []string{"a.js", "b.js", "c.js"} {
			writeJSON(t, conn, map[string]interface{}{
				"method": EventScriptParsed,
				"params": map[string]interface{}{"scriptId": url, "url": url},
			})
		}
		writeJSON(t, conn, map[string]interface{}{"id": req["id"], "result": map[string]interface{}{}})
	})
	c := dialFake(t, ft)
	sub := c.Subscribe()
	defer sub.Cancel()

	require.NoError(t, c.Call(context.Background(), DebuggerEnable, nil, nil))
	for _, want := range []string{"a.js", "b.js", "c.js"} {
		select {
		case ev := <-sub.C():
			require.Equal(t, EventScriptParsed, ev.Method)
			var sp ScriptParsedEvent
			require.NoError(t, json.Unmarshal(ev.Params, &sp))
			require.Equal(t, want, sp.URL)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestClientCloseFailsPendingCalls(t *testing.T) {
	ft := newFakeTarget(t, func(conn *websocket.Conn, req map[string]interface{}) {
		// never answer
	})
	c := dialFake(t, ft)
	sub := c.Subscribe()

	errc := make(chan error, 1)
	go func() {
		errc <- c.Call(context.Background(), DebuggerPause, nil, nil)
	}()
	time.Sleep(50 * time.Millisecond)
	c.Close()

	select {
	case err := <-errc:
		require.True(t, errors.Is(err, ErrClosed), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call was not failed")
	}
	select {
	case _, ok := <-sub.C():
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not closed")
	}
	<-c.Done()
	require.True(t, errors.Is(c.Call(context.Background(), DebuggerPause, nil, nil), ErrClosed))
}

func TestClientCallContextCancel(t *testing.T) {
	ft := newFakeTarget(t, func(conn *websocket.Conn, req map[string]interface{}) {})
	c := dialFake(t, ft)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, DebuggerPause, nil, nil)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestDialDiscovers(t *testing.T) {
	ft := newFakeTarget(t, func(conn *websocket.Conn, req map[string]interface{}) {
		writeJSON(t, conn, map[string]interface{}{"id": req["id"], "result": map[string]interface{}{}})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, info, err := Dial(ctx, ft.srv.URL)
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, "1", info.ID)
	require.Equal(t, "page", info.Type)
	require.NoError(t, c.Call(ctx, RuntimeEnable, nil, nil))
}
