package httpapi

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fathom-engine/fathom/internal/streaming"
)

func newStreamingServer(t *testing.T) (*httptest.Server, *streaming.Manager) {
	t.Helper()
	mgr := streaming.NewManager(64)
	sh := NewStreamingHandler(mgr, zaptest.NewLogger(t))
	mux := http.NewServeMux()
	sh.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, mgr
}

func TestSSERequiresTaskID(t *testing.T) {
	srv, _ := newStreamingServer(t)
	resp, err := http.Get(srv.URL + "/stream/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSSEDeliversEvents(t *testing.T) {
	srv, mgr := newStreamingServer(t)

	resp, err := http.Get(srv.URL + "/stream/sse?task_id=root-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// First line is the connection comment.
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, ": connected"))

	// Give the subscription a moment to land, then publish.
	time.Sleep(50 * time.Millisecond)
	mgr.Publish(streaming.Event{RootTaskID: "root-1", TaskID: "t-1", Type: streaming.EventTaskSpawned, Depth: 1})

	deadline := time.Now().Add(5 * time.Second)
	var sawEvent, sawData bool
	for time.Now().Before(deadline) && !(sawEvent && sawData) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: task_spawned") {
			sawEvent = true
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"task_id":"t-1"`) {
			sawData = true
		}
	}
	require.True(t, sawEvent)
	require.True(t, sawData)
}

func TestSSEReplaysFromLastEventID(t *testing.T) {
	srv, mgr := newStreamingServer(t)
	for i := 0; i < 4; i++ {
		mgr.Publish(streaming.Event{RootTaskID: "root-1", TaskID: "t", Type: streaming.EventTaskStatus})
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/stream/sse?task_id=root-1", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var ids []string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(ids) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimSpace(strings.TrimPrefix(line, "id: ")))
		}
	}
	require.Equal(t, []string{"2", "3"}, ids)
}

func TestWebSocketDeliversEvents(t *testing.T) {
	srv, mgr := newStreamingServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?task_id=root-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	mgr.Publish(streaming.Event{RootTaskID: "root-1", TaskID: "t-1", Type: streaming.EventQueryDone, Message: "998"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev streaming.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, streaming.EventQueryDone, ev.Type)
	require.Equal(t, "998", ev.Message)
}
