package chatexchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// UserLookup resolves a user id to a full user record.
type UserLookup interface {
	User(ctx context.Context, id int64) (*User, error)
}

// MessageLookup resolves a message id to its current state.
type MessageLookup interface {
	Message(ctx context.Context, id int64) (*Message, error)
}

// Decoder turns socket frames into events for one room. Lookups run
// synchronously on the calling goroutine, one record at a time.
type Decoder struct {
	roomID   int64
	users    UserLookup
	messages MessageLookup
	logger   Logger
}

// NewDecoder creates a decoder for roomID. A nil logger discards output.
func NewDecoder(roomID int64, users UserLookup, messages MessageLookup, logger Logger) *Decoder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Decoder{roomID: roomID, users: users, messages: messages, logger: logger}
}

// Decode returns the events of frame addressed to the decoder's room, in
// wire order. A frame without the room's key yields no events.
func (d *Decoder) Decode(ctx context.Context, frame []byte) ([]Event, error) {
	if !gjson.ValidBytes(frame) {
		return nil, NewError(ErrorSerialization, "frame is not valid JSON")
	}
	entry := gjson.GetBytes(frame, "r"+strconv.FormatInt(d.roomID, 10))
	if !entry.Exists() {
		return nil, nil
	}
	records := entry.Get("e").Array()

	if isKick(records) {
		ev, err := d.kicked(ctx, records)
		if err != nil {
			return nil, err
		}
		return []Event{ev}, nil
	}

	events := make([]Event, 0, len(records))
	for _, rec := range records {
		if !d.accepts(rec) {
			continue
		}
		ev, err := d.decodeRecord(ctx, rec)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events, nil
}

// isKick reports whether records is exactly one user-left and one
// access-level-changed record, which the server sends when a user is
// kicked from the room.
func isKick(records []gjson.Result) bool {
	if len(records) != 2 {
		return false
	}
	a := EventType(records[0].Get("event_type").Int())
	b := EventType(records[1].Get("event_type").Int())
	return (a == EventUserLeft && b == EventAccessLevelChanged) ||
		(a == EventAccessLevelChanged && b == EventUserLeft)
}

// accepts drops records from system users (feeds use negative ids) and
// records for other rooms. Records without room_id are kept.
func (d *Decoder) accepts(rec gjson.Result) bool {
	if uid := rec.Get("user_id"); uid.Exists() && uid.Int() <= 0 {
		return false
	}
	if rid := rec.Get("room_id"); rid.Exists() && rid.Int() != d.roomID {
		return false
	}
	return true
}

func (d *Decoder) decodeRecord(ctx context.Context, rec gjson.Result) (Event, error) {
	code := rec.Get("event_type")
	if !code.Exists() {
		return nil, NewError(ErrorSerialization, fmt.Sprintf("record without event_type: %s", rec.Raw))
	}
	typ := EventType(code.Int())

	switch typ {
	case EventMessagePosted, EventMessageEdited, EventMessageDeleted, EventMessageStarred,
		EventUserEntered, EventUserLeft, EventUserNotification, EventUserMentioned,
		EventMessageReply, EventAccessLevelChanged:
	default:
		fields := map[string]any{"room_id": d.roomID, "code": int(typ)}
		if typ.Known() {
			d.logger.Debug("ignoring event", fields)
		} else {
			d.logger.Debug("unknown event code", fields)
		}
		return nil, nil
	}

	header, err := d.header(ctx, rec)
	if err != nil {
		return nil, err
	}

	switch typ {
	case EventUserEntered:
		return &UserEnteredEvent{EventHeader: header}, nil
	case EventUserLeft:
		return &UserLeftEvent{EventHeader: header}, nil
	case EventUserNotification:
		return &UserNotificationEvent{
			EventHeader:  header,
			TargetUserID: rec.Get("target_user_id").Int(),
			Content:      rec.Get("content").String(),
		}, nil
	case EventAccessLevelChanged:
		return d.accessChanged(ctx, header, rec)
	}

	msg, err := d.messageEvent(ctx, header, rec)
	if err != nil {
		return nil, err
	}
	switch typ {
	case EventMessagePosted:
		return &MessagePostedEvent{MessageEvent: msg}, nil
	case EventMessageEdited:
		return &MessageEditedEvent{MessageEvent: msg}, nil
	case EventMessageDeleted:
		return &MessageDeletedEvent{MessageEvent: msg}, nil
	case EventMessageStarred:
		return &MessageStarredEvent{
			MessageEvent: msg,
			Starred:      rec.Get("message_starred").Bool(),
			Pinned:       rec.Get("message_owner_starred").Bool(),
		}, nil
	}

	target, err := requiredInt(rec, "target_user_id")
	if err != nil {
		return nil, err
	}
	ping := PingEvent{MessageEvent: msg, TargetUserID: target}
	if typ == EventUserMentioned {
		return &UserMentionedEvent{PingEvent: ping}, nil
	}
	return &MessageReplyEvent{PingEvent: ping}, nil
}

func (d *Decoder) header(ctx context.Context, rec gjson.Result) (EventHeader, error) {
	h := EventHeader{
		ID:       rec.Get("id").Int(),
		UserID:   rec.Get("user_id").Int(),
		UserName: rec.Get("user_name").String(),
	}
	if ts := rec.Get("time_stamp"); ts.Exists() {
		h.Time = time.Unix(ts.Int(), 0).UTC()
	}
	if h.UserID > 0 && d.users != nil {
		u, err := d.users.User(ctx, h.UserID)
		if err != nil {
			return EventHeader{}, fmt.Errorf("chatexchange: resolve user %d: %w", h.UserID, err)
		}
		h.User = u
	}
	return h, nil
}

func (d *Decoder) messageEvent(ctx context.Context, header EventHeader, rec gjson.Result) (MessageEvent, error) {
	id, err := requiredInt(rec, "message_id")
	if err != nil {
		return MessageEvent{}, err
	}
	ev := MessageEvent{EventHeader: header, MessageID: id, ParentID: NoParent}
	if parent := rec.Get("parent_id"); parent.Exists() {
		ev.ParentID = parent.Int()
		ev.IsReply = true
	}
	if d.messages != nil {
		m, err := d.messages.Message(ctx, id)
		if err != nil {
			return MessageEvent{}, fmt.Errorf("chatexchange: resolve message %d: %w", id, err)
		}
		if m != nil {
			// The lookup cannot see the reply thread; the record can.
			threaded := *m
			threaded.ParentID, threaded.IsReply = ev.ParentID, ev.IsReply
			ev.Message = &threaded
		}
	}
	return ev, nil
}

// accessChanged parses content of the form "Access now <level>".
func (d *Decoder) accessChanged(ctx context.Context, header EventHeader, rec gjson.Result) (Event, error) {
	content := rec.Get("content").String()
	words := strings.Fields(content)
	if len(words) < 3 {
		return nil, NewError(ErrorSerialization, fmt.Sprintf("unexpected access change content %q", content))
	}
	level, err := ParseAccessLevel(words[2])
	if err != nil {
		return nil, WrapError(ErrorSerialization, "decode access level", err)
	}
	target, err := requiredInt(rec, "target_user_id")
	if err != nil {
		return nil, err
	}

	ev := &AccessLevelChangedEvent{EventHeader: header, AccessLevel: level, TargetUserID: target}
	if target > 0 && d.users != nil {
		u, err := d.users.User(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("chatexchange: resolve user %d: %w", target, err)
		}
		ev.TargetUser = u
	}
	return ev, nil
}

func (d *Decoder) kicked(ctx context.Context, records []gjson.Result) (Event, error) {
	left, access := records[0], records[1]
	if EventType(left.Get("event_type").Int()) != EventUserLeft {
		left, access = access, left
	}
	header, err := d.header(ctx, left)
	if err != nil {
		return nil, err
	}
	return &KickedEvent{EventHeader: header, TargetUserID: access.Get("target_user_id").Int()}, nil
}

func requiredInt(rec gjson.Result, field string) (int64, error) {
	v := rec.Get(field)
	if !v.Exists() {
		return 0, NewError(ErrorSerialization, fmt.Sprintf("record without %s: %s", field, rec.Raw))
	}
	return v.Int(), nil
}
