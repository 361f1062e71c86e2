package chatexchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

const testRoomID = 17

const fakeRoomPage = `<html><head>
<script>var a = 1;</script>
<script src="x.js"></script>
<script>var b = 2;</script>
<script>
CHAT.RoomUsers.initPresent([{id: 1, name: "alice"},{id:2, name: "bob"}]);
</script>
</head><body>
<input id="fkey" name="fkey" type="hidden" value="f00">
</body></html>`

// fakeChat is an in-process chat site: room page, pingable list, socket
// negotiation, the event socket itself and the outbound endpoints.
type fakeChat struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	posts    []recordedPost
	cursors  []string
	nextID   int64

	sockets chan *websocket.Conn
}

type recordedPost struct {
	Path string
	Body string
	Form url.Values
}

func newFakeChat(t *testing.T) *fakeChat {
	f := &fakeChat{
		t:        t,
		handlers: make(map[string]http.HandlerFunc),
		nextID:   1000,
		sockets:  make(chan *websocket.Conn, 8),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

// handle overrides the response for "METHOD /path".
func (f *fakeChat) handle(route string, h http.HandlerFunc) {
	f.mu.Lock()
	f.handlers[route] = h
	f.mu.Unlock()
}

func (f *fakeChat) serve(w http.ResponseWriter, r *http.Request) {
	route := r.Method + " " + r.URL.Path
	if r.Method == http.MethodPost && !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		f.mu.Lock()
		f.posts = append(f.posts, recordedPost{Path: r.URL.Path, Body: string(body), Form: form})
		f.mu.Unlock()
	}

	f.mu.Lock()
	h := f.handlers[route]
	f.mu.Unlock()
	if h != nil {
		h(w, r)
		return
	}

	room := fmt.Sprintf("/%d", testRoomID)
	switch route {
	case "GET /rooms" + room:
		_, _ = io.WriteString(w, fakeRoomPage)
	case "GET /rooms/pingable" + room:
		_, _ = io.WriteString(w, `[[1,"alice",1500000000,1500000000],[2,"bob",1500000000,null]]`)
	case "POST /ws-auth":
		fmt.Fprintf(w, `{"url":"ws%s/events"}`, strings.TrimPrefix(f.srv.URL, "http"))
	case "POST /chats" + room + "/events":
		_, _ = io.WriteString(w, `{"ms":0,"time":4242,"sync":1}`)
	case "GET /events":
		f.mu.Lock()
		f.cursors = append(f.cursors, r.URL.Query().Get("l"))
		f.mu.Unlock()
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		f.sockets <- ws
	case "POST /chats" + room + "/messages/new":
		f.mu.Lock()
		f.nextID++
		id := f.nextID
		f.mu.Unlock()
		fmt.Fprintf(w, `{"id":%d,"time":1500000000}`, id)
	case "POST /chats/leave" + room:
		_, _ = io.WriteString(w, `"ok"`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeChat) postsTo(path string) []recordedPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedPost
	for _, p := range f.posts {
		if p.Path == path {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeChat) dialCursors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cursors...)
}

// socket waits for the next event socket the room opens.
func (f *fakeChat) socket() *websocket.Conn {
	f.t.Helper()
	select {
	case ws := <-f.sockets:
		f.t.Cleanup(func() { _ = ws.CloseNow() })
		return ws
	case <-time.After(5 * time.Second):
		f.t.Fatal("room did not open an event socket")
		return nil
	}
}

func (f *fakeChat) send(ws *websocket.Conn, frame string) {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(f.t, ws.Write(ctx, websocket.MessageText, []byte(frame)))
}

func (f *fakeChat) config() Config {
	cfg := DefaultConfig()
	cfg.BaseURL = f.srv.URL
	cfg.SiteURL = f.srv.URL
	return cfg
}
