package chatexchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubUsers struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (s *stubUsers) User(_ context.Context, id int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id)
	if s.err != nil {
		return nil, s.err
	}
	return &User{ID: id, Name: fmt.Sprintf("user%d", id), Reputation: 100}, nil
}

func (s *stubUsers) Calls() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.calls...)
}

type stubMessages struct {
	mu    sync.Mutex
	calls []int64
}

func (s *stubMessages) Message(_ context.Context, id int64) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id)
	return &Message{ID: id, PlainContent: fmt.Sprintf("message %d", id), ParentID: NoParent}, nil
}

func newTestDecoder() (*Decoder, *stubUsers, *stubMessages) {
	users, messages := &stubUsers{}, &stubMessages{}
	return NewDecoder(17, users, messages, nil), users, messages
}

func TestDecodeMissingRoom(t *testing.T) {
	d, users, _ := newTestDecoder()
	events, err := d.Decode(context.Background(), []byte(`{"r99":{"e":[{"event_type":1,"user_id":5,"message_id":1}]}}`))
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, users.Calls())

	events, err = d.Decode(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDecodeInvalidFrame(t *testing.T) {
	d, _, _ := newTestDecoder()
	_, err := d.Decode(context.Background(), []byte(`{"r17":`))
	assert.True(t, IsChatError(err, ErrorSerialization))
}

func TestDecodeRoomWithoutEvents(t *testing.T) {
	d, _, _ := newTestDecoder()
	events, err := d.Decode(context.Background(), []byte(`{"r17":{"t":12,"d":3}}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDecodeMessagePosted(t *testing.T) {
	d, users, messages := newTestDecoder()
	frame := `{"r17":{"e":[{"event_type":1,"time_stamp":1500000000,"content":"hi","id":88,
		"user_id":5,"user_name":"Sky","room_id":17,"message_id":1234}],"t":88,"d":1}}`

	events, err := d.Decode(context.Background(), []byte(frame))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev, ok := events[0].(*MessagePostedEvent)
	require.True(t, ok)
	assert.Equal(t, KindMessagePosted, ev.Kind())
	assert.Equal(t, int64(88), ev.ID)
	assert.Equal(t, time.Unix(1500000000, 0).UTC(), ev.Time)
	assert.Equal(t, int64(5), ev.UserID)
	assert.Equal(t, "Sky", ev.UserName)
	require.NotNil(t, ev.User)
	assert.Equal(t, "user5", ev.User.Name)
	assert.Equal(t, int64(1234), ev.MessageID)
	assert.Equal(t, NoParent, ev.ParentID)
	assert.False(t, ev.IsReply)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "message 1234", ev.Message.PlainContent)

	assert.Equal(t, []int64{5}, users.Calls())
	assert.Equal(t, []int64{1234}, messages.calls)
}

func TestDecodeKicked(t *testing.T) {
	d, _, messages := newTestDecoder()
	frame := `{"r17":{"e":[
		{"event_type":4,"time_stamp":10,"user_id":7,"user_name":"gone","room_id":17},
		{"event_type":15,"time_stamp":10,"user_id":1,"target_user_id":7,"room_id":17,"content":"Access now (default)"}]}}`

	events, err := d.Decode(context.Background(), []byte(frame))
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev, ok := events[0].(*KickedEvent)
	require.True(t, ok)
	assert.Equal(t, int64(7), ev.UserID)
	assert.Equal(t, int64(7), ev.TargetUserID)
	assert.Empty(t, messages.calls)

	t.Run("reverse order", func(t *testing.T) {
		reversed := `{"r17":{"e":[
			{"event_type":15,"user_id":1,"target_user_id":7,"content":"Access now (default)"},
			{"event_type":4,"user_id":7}]}}`
		events, err := d.Decode(context.Background(), []byte(reversed))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, KindKicked, events[0].Kind())
	})

	t.Run("with a third record", func(t *testing.T) {
		three := `{"r17":{"e":[
			{"event_type":4,"user_id":7},
			{"event_type":15,"user_id":1,"target_user_id":7,"content":"Access now (default)"},
			{"event_type":3,"user_id":8}]}}`
		events, err := d.Decode(context.Background(), []byte(three))
		require.NoError(t, err)
		kinds := make([]EventKind, len(events))
		for i, ev := range events {
			kinds[i] = ev.Kind()
		}
		assert.Equal(t, []EventKind{KindUserLeft, KindAccessLevelChanged, KindUserEntered}, kinds)
	})
}

func TestDecodeFeedUserSkipsLookup(t *testing.T) {
	d, users, messages := newTestDecoder()
	frame := `{"r17":{"e":[
		{"event_type":1,"user_id":-2,"user_name":"Feeds","room_id":17,"message_id":5},
		{"event_type":3,"room_id":17}]}}`

	events, err := d.Decode(context.Background(), []byte(frame))
	require.NoError(t, err)
	require.Len(t, events, 1)
	entered := events[0].(*UserEnteredEvent)
	assert.Equal(t, int64(0), entered.UserID)
	assert.Nil(t, entered.User)
	assert.Empty(t, users.Calls())
	assert.Empty(t, messages.calls)
}

func TestDecodeFiltersOtherRooms(t *testing.T) {
	d, _, _ := newTestDecoder()
	frame := `{"r17":{"e":[
		{"event_type":3,"user_id":4,"room_id":18},
		{"event_type":3,"user_id":5,"room_id":17},
		{"event_type":4,"user_id":6}]}}`

	events, err := d.Decode(context.Background(), []byte(frame))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(5), events[0].Header().UserID)
	assert.Equal(t, int64(6), events[1].Header().UserID)
}

func TestDecodeAccessLevels(t *testing.T) {
	tests := []struct {
		content string
		want    AccessLevel
	}{
		{"Access now read-only", AccessRead},
		{"Access now read", AccessRead},
		{"Access now (default)", AccessDefault},
		{"Access now request", AccessRequest},
		{"Access now read-write", AccessReadWrite},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			d, users, _ := newTestDecoder()
			frame := fmt.Sprintf(`{"r17":{"e":[{"event_type":15,"user_id":1,"target_user_id":9,"room_id":17,"content":%q}]}}`, tt.content)
			events, err := d.Decode(context.Background(), []byte(frame))
			require.NoError(t, err)
			require.Len(t, events, 1)
			ev := events[0].(*AccessLevelChangedEvent)
			assert.Equal(t, tt.want, ev.AccessLevel)
			assert.Equal(t, int64(9), ev.TargetUserID)
			require.NotNil(t, ev.TargetUser)
			assert.Equal(t, int64(9), ev.TargetUser.ID)
			assert.Equal(t, []int64{1, 9}, users.Calls())
		})
	}
}

func TestDecodeAccessLevelUnknownAlias(t *testing.T) {
	d, _, _ := newTestDecoder()
	_, err := d.Decode(context.Background(), []byte(`{"r17":{"e":[{"event_type":15,"target_user_id":9,"content":"Access now owner"}]}}`))
	assert.True(t, IsChatError(err, ErrorSerialization))
}

func TestDecodePingEvents(t *testing.T) {
	d, _, _ := newTestDecoder()
	frame := `{"r17":{"e":[
		{"event_type":8,"user_id":5,"message_id":100,"target_user_id":3},
		{"event_type":18,"user_id":5,"message_id":101,"target_user_id":3,"parent_id":99}]}}`

	events, err := d.Decode(context.Background(), []byte(frame))
	require.NoError(t, err)
	require.Len(t, events, 2)

	mention := events[0].(*UserMentionedEvent)
	assert.Equal(t, int64(3), mention.TargetUserID)
	assert.Equal(t, NoParent, mention.ParentID)
	assert.False(t, mention.IsReply)

	reply := events[1].(*MessageReplyEvent)
	assert.Equal(t, int64(99), reply.ParentID)
	assert.True(t, reply.IsReply)
	require.NotNil(t, reply.Message)
	assert.Equal(t, int64(99), reply.Message.ParentID)
	assert.True(t, reply.Message.IsReply)
}

func TestDecodeStarredAndNotification(t *testing.T) {
	d, _, _ := newTestDecoder()
	frame := `{"r17":{"e":[
		{"event_type":6,"user_id":5,"message_id":100,"message_starred":true,"message_owner_starred":true},
		{"event_type":16,"user_id":5,"target_user_id":3,"content":"you were invited"},
		{"event_type":2,"user_id":5,"message_id":100},
		{"event_type":10,"user_id":5,"message_id":100}]}}`

	events, err := d.Decode(context.Background(), []byte(frame))
	require.NoError(t, err)
	require.Len(t, events, 4)

	star := events[0].(*MessageStarredEvent)
	assert.True(t, star.Starred)
	assert.True(t, star.Pinned)

	note := events[1].(*UserNotificationEvent)
	assert.Equal(t, "you were invited", note.Content)
	assert.Equal(t, int64(3), note.TargetUserID)

	assert.Equal(t, KindMessageEdited, events[2].Kind())
	assert.Equal(t, KindMessageDeleted, events[3].Kind())
}

func TestDecodeDropsUnhandledCodes(t *testing.T) {
	d, users, _ := newTestDecoder()
	frame := `{"r17":{"e":[
		{"event_type":5,"user_id":5,"content":"new name"},
		{"event_type":99,"user_id":5},
		{"event_type":3,"user_id":6}]}}`

	events, err := d.Decode(context.Background(), []byte(frame))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, KindUserEntered, events[0].Kind())
	assert.Equal(t, []int64{6}, users.Calls())
}

func TestDecodeMissingMandatoryFields(t *testing.T) {
	tests := map[string]string{
		"event_type":     `{"r17":{"e":[{"user_id":5}]}}`,
		"message_id":     `{"r17":{"e":[{"event_type":1,"user_id":5}]}}`,
		"target_user_id": `{"r17":{"e":[{"event_type":8,"user_id":5,"message_id":3}]}}`,
	}
	for field, frame := range tests {
		t.Run(field, func(t *testing.T) {
			d, _, _ := newTestDecoder()
			_, err := d.Decode(context.Background(), []byte(frame))
			assert.True(t, IsChatError(err, ErrorSerialization))
			assert.Contains(t, err.Error(), field)
		})
	}
}

func TestDecodeLookupFailureAbortsFrame(t *testing.T) {
	users := &stubUsers{err: errors.New("boom")}
	d := NewDecoder(17, users, &stubMessages{}, nil)
	_, err := d.Decode(context.Background(), []byte(`{"r17":{"e":[{"event_type":3,"user_id":5}]}}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, users.err)
}
