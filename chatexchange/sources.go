package chatexchange

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/vovakirdan/chatexchange-sdk/chatexchange-sdk-go/chatexchange/rest"
	"github.com/vovakirdan/chatexchange-sdk/chatexchange-sdk-go/chatexchange/scrape"
)

// TokenSource fetches a fresh fkey for a room.
type TokenSource interface {
	FKey(ctx context.Context, roomID int64) (string, error)
}

// RosterSource lists the users present in a room.
type RosterSource interface {
	RoomUserIDs(ctx context.Context, roomID int64) ([]int64, error)
}

// PingableSource lists the users that can be pinged from a room.
type PingableSource interface {
	PingableUserIDs(ctx context.Context, roomID int64) ([]int64, error)
}

// siteSource reads tokens and rosters from the chat site.
type siteSource struct {
	rest *rest.Client
}

func (s siteSource) roomPage(ctx context.Context, roomID int64) ([]byte, error) {
	resp, err := s.rest.Get(ctx, fmt.Sprintf("/rooms/%d", roomID))
	if err != nil {
		return nil, WrapError(ErrorTransport, fmt.Sprintf("fetch room %d", roomID), err)
	}
	return resp.Body, nil
}

func (s siteSource) FKey(ctx context.Context, roomID int64) (string, error) {
	page, err := s.roomPage(ctx, roomID)
	if err != nil {
		return "", err
	}
	fkey, err := scrape.FKey(page)
	if err != nil {
		return "", WrapError(ErrorProtocol, "read fkey", err)
	}
	return fkey, nil
}

func (s siteSource) RoomUserIDs(ctx context.Context, roomID int64) ([]int64, error) {
	page, err := s.roomPage(ctx, roomID)
	if err != nil {
		return nil, err
	}
	ids, err := scrape.RoomUserIDs(page)
	if err != nil {
		return nil, WrapError(ErrorProtocol, "read room users", err)
	}
	return ids, nil
}

// PingableUserIDs reads /rooms/pingable/<id>, an array of
// [id, name, last_seen, last_post] arrays.
func (s siteSource) PingableUserIDs(ctx context.Context, roomID int64) ([]int64, error) {
	resp, err := s.rest.Get(ctx, fmt.Sprintf("/rooms/pingable/%d", roomID))
	if err != nil {
		return nil, WrapError(ErrorTransport, "fetch pingable users", err)
	}
	if !gjson.ValidBytes(resp.Body) {
		return nil, NewError(ErrorSerialization, "pingable users: invalid JSON")
	}
	var ids []int64
	gjson.ParseBytes(resp.Body).ForEach(func(_, entry gjson.Result) bool {
		ids = append(ids, entry.Get("0").Int())
		return true
	})
	return ids, nil
}

// siteLookup resolves users and messages through the chat site. It backs
// the default UserLookup and MessageLookup of a room.
type siteLookup struct {
	roomID int64
	rest   *rest.Client
	pipe   *pipeline
	fkey   func() string
}

// Users resolves ids with one /user/info request. Ids the server does not
// know are missing from the result.
func (l *siteLookup) Users(ctx context.Context, ids []int64) ([]*User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = strconv.FormatInt(id, 10)
	}
	body, err := l.pipe.post(ctx, "/user/info",
		"ids", strings.Join(strIDs, ","),
		"roomId", strconv.FormatInt(l.roomID, 10))
	if err != nil {
		return nil, err
	}
	return parseUsers(body)
}

func (l *siteLookup) User(ctx context.Context, id int64) (*User, error) {
	users, err := l.Users(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, NewError(ErrorNotFound, fmt.Sprintf("user %d", id))
	}
	return users[0], nil
}

// Message reads the message history page and the raw message. A 404 on
// either means the message was deleted and is hidden from this account.
func (l *siteLookup) Message(ctx context.Context, id int64) (*Message, error) {
	fkey := rest.Field{Name: "fkey", Value: l.fkey()}
	deleted := &Message{ID: id, Deleted: true, ParentID: NoParent}

	hist, err := l.rest.Get(ctx, fmt.Sprintf("/messages/%d/history", id), fkey)
	if rest.IsStatus(err, http.StatusNotFound) {
		return deleted, nil
	}
	if err != nil {
		return nil, WrapError(ErrorTransport, fmt.Sprintf("fetch history of message %d", id), err)
	}
	raw, err := l.rest.Get(ctx, fmt.Sprintf("/message/%d", id), fkey)
	if rest.IsStatus(err, http.StatusNotFound) {
		return deleted, nil
	}
	if err != nil {
		return nil, WrapError(ErrorTransport, fmt.Sprintf("fetch message %d", id), err)
	}

	h, err := scrape.ParseHistory(hist.Body)
	if err != nil {
		return nil, WrapError(ErrorProtocol, fmt.Sprintf("read history of message %d", id), err)
	}
	m := &Message{
		ID:           id,
		PlainContent: h.PlainContent,
		Content:      html.UnescapeString(raw.Text()),
		Deleted:      h.Deleted,
		StarCount:    h.StarCount,
		Pinned:       h.Pinned,
		EditCount:    h.EditCount,
		ParentID:     NoParent,
	}
	if h.AuthorID > 0 {
		if m.User, err = l.User(ctx, h.AuthorID); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func parseUsers(body []byte) ([]*User, error) {
	if !gjson.ValidBytes(body) {
		return nil, NewError(ErrorSerialization, "user info: invalid JSON")
	}
	var users []*User
	for _, u := range gjson.GetBytes(body, "users").Array() {
		users = append(users, &User{
			ID:          u.Get("id").Int(),
			Name:        u.Get("name").String(),
			Reputation:  int(u.Get("reputation").Int()),
			IsModerator: u.Get("is_moderator").Bool(),
			IsRoomOwner: u.Get("is_owner").Bool(),
			LastSeen:    epochOrNil(u.Get("last_seen")),
			LastMessage: epochOrNil(u.Get("last_post")),
		})
	}
	return users, nil
}

func epochOrNil(r gjson.Result) *time.Time {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	t := time.Unix(r.Int(), 0).UTC()
	return &t
}
