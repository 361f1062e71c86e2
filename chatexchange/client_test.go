package chatexchange

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	loginPage    = `<html><body><form><input name="fkey" value="login-key"></form></body></html>`
	loggedInPage = `<html><body><a class="js-inbox-button">inbox</a></body></html>`
	signupPage   = `<html><body><form id="logout-user" action="/users/signup">
<input name="fkey" value="signup-key"><input type="submit" value="Create"></form></body></html>`
)

// withLogin installs a login flow on chat. signup makes the credentials
// check answer with the account creation form.
func withLogin(chat *fakeChat, signup, accepted bool) {
	chat.handle("GET /users/login", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, loginPage)
	})
	chat.handle("POST /users/login", func(w http.ResponseWriter, _ *http.Request) {
		if signup {
			_, _ = io.WriteString(w, signupPage)
			return
		}
		_, _ = io.WriteString(w, "<html></html>")
	})
	chat.handle("POST /users/signup", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, loggedInPage)
	})
	chat.handle("GET /users/current", func(w http.ResponseWriter, _ *http.Request) {
		if accepted {
			_, _ = io.WriteString(w, loggedInPage)
			return
		}
		_, _ = io.WriteString(w, "<html><body>please log in</body></html>")
	})
}

func newTestClient(t *testing.T, chat *fakeChat) *Client {
	t.Helper()
	c, err := NewClient(chat.config(), "me@example.com", "hunter2")
	require.NoError(t, err)
	return c
}

func TestClientLogin(t *testing.T) {
	chat := newFakeChat(t)
	withLogin(chat, false, true)
	c := newTestClient(t, chat)

	require.NoError(t, c.Login(context.Background(), StackOverflow))
	posts := chat.postsTo("/users/login")
	require.Len(t, posts, 1)
	assert.Equal(t, "email=me%40example.com&password=hunter2&fkey=login-key", posts[0].Body)

	// A second login for the same host reuses the session.
	require.NoError(t, c.Login(context.Background(), StackOverflow))
	assert.Len(t, chat.postsTo("/users/login"), 1)
}

func TestClientLoginCreatesAccount(t *testing.T) {
	chat := newFakeChat(t)
	withLogin(chat, true, true)
	c := newTestClient(t, chat)

	require.NoError(t, c.Login(context.Background(), StackExchange))
	signup := chat.postsTo("/users/signup")
	require.Len(t, signup, 1)
	assert.Equal(t, "fkey=signup-key", signup[0].Body)
}

func TestClientLoginFailures(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		chat := newFakeChat(t)
		withLogin(chat, false, false)
		err := newTestClient(t, chat).Login(context.Background(), StackOverflow)
		assert.True(t, IsChatError(err, ErrorLogin))
	})
	t.Run("signup refused", func(t *testing.T) {
		chat := newFakeChat(t)
		withLogin(chat, true, true)
		chat.handle("POST /users/signup", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "<html></html>")
		})
		err := newTestClient(t, chat).Login(context.Background(), StackOverflow)
		assert.True(t, IsChatError(err, ErrorLogin))
		assert.Contains(t, err.Error(), "create it manually")
	})
	t.Run("no login page", func(t *testing.T) {
		chat := newFakeChat(t)
		err := newTestClient(t, chat).Login(context.Background(), StackOverflow)
		assert.True(t, IsChatError(err, ErrorLogin))
	})
}

func TestNewClientRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThrottleAttempts = 0
	_, err := NewClient(cfg, "a", "b")
	assert.True(t, IsChatError(err, ErrorInvalidConfig))
}

func TestClientJoinRoom(t *testing.T) {
	chat := newFakeChat(t)
	withLogin(chat, false, true)
	c := newTestClient(t, chat)
	ctx := context.Background()

	room, err := c.JoinRoom(ctx, StackOverflow, testRoomID,
		WithUserLookup(&stubUsers{}), WithMessageLookup(&stubMessages{}))
	require.NoError(t, err)
	t.Cleanup(room.Close)
	chat.socket()

	assert.Equal(t, StateActive, room.State())
	assert.Equal(t, []*Room{room}, c.Rooms())

	_, err = c.JoinRoom(ctx, StackOverflow, testRoomID)
	assert.True(t, IsChatError(err, ErrorAlreadyJoined))

	require.NoError(t, c.Close(ctx))
	assert.Equal(t, StateLeft, room.State())
	assert.Empty(t, c.Rooms())
	leaves := chat.postsTo("/chats/leave/17")
	require.Len(t, leaves, 1)
	assert.Equal(t, "true", leaves[0].Form.Get("quiet"))
}

func TestClientForgetsClosedRoom(t *testing.T) {
	chat := newFakeChat(t)
	withLogin(chat, false, true)
	c := newTestClient(t, chat)
	ctx := context.Background()

	room, err := c.JoinRoom(ctx, StackOverflow, testRoomID,
		WithUserLookup(&stubUsers{}), WithMessageLookup(&stubMessages{}))
	require.NoError(t, err)
	chat.socket()
	room.Close()
	assert.Empty(t, c.Rooms())

	again, err := c.JoinRoom(ctx, StackOverflow, testRoomID,
		WithUserLookup(&stubUsers{}), WithMessageLookup(&stubMessages{}))
	require.NoError(t, err)
	t.Cleanup(again.Close)
	chat.socket()
	assert.Equal(t, []*Room{again}, c.Rooms())
	assert.Len(t, chat.postsTo("/users/login"), 1)
}
