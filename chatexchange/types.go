package chatexchange

import (
	"fmt"
	"time"
)

// EventType is the numeric event_type code of a wire record.
type EventType int

const (
	EventMessagePosted       EventType = 1
	EventMessageEdited       EventType = 2
	EventUserEntered         EventType = 3
	EventUserLeft            EventType = 4
	EventRoomNameChanged     EventType = 5
	EventMessageStarred      EventType = 6
	EventDebugMessage        EventType = 7
	EventUserMentioned       EventType = 8
	EventMessageFlagged      EventType = 9
	EventMessageDeleted      EventType = 10
	EventFileAdded           EventType = 11
	EventModeratorFlag       EventType = 12
	EventUserSettingsChanged EventType = 13
	EventGlobalNotification  EventType = 14
	EventAccessLevelChanged  EventType = 15
	EventUserNotification    EventType = 16
	EventInvitation          EventType = 17
	EventMessageReply        EventType = 18
	EventMessageMovedOut     EventType = 19
	EventMessageMovedIn      EventType = 20
	EventTimeBreak           EventType = 21
	EventFeedTicker          EventType = 22
	EventUserSuspended       EventType = 29
	EventUserMerged          EventType = 30
	EventProfileChanged      EventType = 34
)

var eventTypeNames = map[EventType]string{
	EventMessagePosted:       "message_posted",
	EventMessageEdited:       "message_edited",
	EventUserEntered:         "user_entered",
	EventUserLeft:            "user_left",
	EventRoomNameChanged:     "room_name_changed",
	EventMessageStarred:      "message_starred",
	EventDebugMessage:        "debug_message",
	EventUserMentioned:       "user_mentioned",
	EventMessageFlagged:      "message_flagged",
	EventMessageDeleted:      "message_deleted",
	EventFileAdded:           "file_added",
	EventModeratorFlag:       "moderator_flag",
	EventUserSettingsChanged: "user_settings_changed",
	EventGlobalNotification:  "global_notification",
	EventAccessLevelChanged:  "access_level_changed",
	EventUserNotification:    "user_notification",
	EventInvitation:          "invitation",
	EventMessageReply:        "message_reply",
	EventMessageMovedOut:     "message_moved_out",
	EventMessageMovedIn:      "message_moved_in",
	EventTimeBreak:           "time_break",
	EventFeedTicker:          "feed_ticker",
	EventUserSuspended:       "user_suspended",
	EventUserMerged:          "user_merged",
	EventProfileChanged:      "profile_changed",
}

// Known reports whether t is in the protocol's code table.
func (t EventType) Known() bool {
	_, ok := eventTypeNames[t]
	return ok
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event_type_%d", int(t))
}

// AccessLevel is a user's access to a room as reported by
// access-level-changed events.
type AccessLevel int

const (
	AccessRequest AccessLevel = iota
	AccessReadWrite
	AccessRead
	AccessDefault
)

// ParseAccessLevel maps a wire alias to an AccessLevel. The server writes
// read access as "read-only" in event content.
func ParseAccessLevel(alias string) (AccessLevel, error) {
	switch alias {
	case "request":
		return AccessRequest, nil
	case "read-write":
		return AccessReadWrite, nil
	case "read", "read-only":
		return AccessRead, nil
	case "(default)":
		return AccessDefault, nil
	default:
		return 0, fmt.Errorf("unknown access level %q", alias)
	}
}

func (a AccessLevel) String() string {
	switch a {
	case AccessRequest:
		return "request"
	case AccessReadWrite:
		return "read-write"
	case AccessRead:
		return "read"
	case AccessDefault:
		return "(default)"
	default:
		return "unknown"
	}
}

// AccessAction is the value sent when changing a user's room access.
type AccessAction string

const (
	AccessActionDefault   AccessAction = "remove"
	AccessActionReadWrite AccessAction = "read-write"
	AccessActionReadOnly  AccessAction = "read-only"
)

// User is a chat user as returned by the user lookup. InRoom and
// ProfileURL are filled in by the Room from its own roster.
type User struct {
	ID          int64
	Name        string
	Reputation  int
	IsModerator bool
	IsRoomOwner bool
	LastSeen    *time.Time
	LastMessage *time.Time

	InRoom     bool
	ProfileURL string
}

// NoParent is the parent id of a message that is not a reply.
const NoParent int64 = -1

// Message is a chat message as resolved by the message lookup. User is
// nil when the message is deleted and its author cannot be read.
type Message struct {
	ID           int64
	User         *User
	PlainContent string
	Content      string
	Deleted      bool
	StarCount    int
	Pinned       bool
	EditCount    int
	ParentID     int64
	IsReply      bool
}

// Host is a chat server family.
type Host int

const (
	StackOverflow Host = iota
	StackExchange
	MetaStackExchange
)

// Name returns the site host name, e.g. "stackoverflow.com".
func (h Host) Name() string {
	switch h {
	case StackOverflow:
		return "stackoverflow.com"
	case StackExchange:
		return "stackexchange.com"
	case MetaStackExchange:
		return "meta.stackexchange.com"
	default:
		return ""
	}
}

// BaseURL returns the chat root, e.g. "https://chat.stackoverflow.com".
func (h Host) BaseURL() string {
	return "https://chat." + h.Name()
}

// LoginHost is the site that accepts credentials for h. The
// stackexchange.com chat logs in through meta.stackexchange.com.
func (h Host) LoginHost() string {
	if h == StackExchange {
		return MetaStackExchange.Name()
	}
	return h.Name()
}

func (h Host) String() string {
	return h.Name()
}

// ParseHost maps a site name such as "stackoverflow.com" to its Host.
func ParseHost(name string) (Host, error) {
	for _, h := range []Host{StackOverflow, StackExchange, MetaStackExchange} {
		if h.Name() == name {
			return h, nil
		}
	}
	return 0, fmt.Errorf("unknown chat host %q", name)
}
